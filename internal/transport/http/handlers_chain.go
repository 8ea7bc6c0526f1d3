package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"verifactu/internal/chain/models"
	"verifactu/internal/reconcile"
	"verifactu/internal/record"
	dErrors "verifactu/pkg/domain-errors"
	"verifactu/pkg/platform/httputil"
)

func (h *Handler) registerChains(r chi.Router) {
	r.Route("/chains/{nif}/{softwareID}", func(r chi.Router) {
		r.Get("/", h.handleChainInfo)
		r.Post("/records", h.handleReserve)
		r.Get("/verify", h.handleVerifyChain)
		r.Post("/unblock", h.handleUnblock)
		r.Post("/reset", h.handleReset)
		r.Get("/reconcile", h.handleReconcile)
		r.Post("/reconcile/import", h.handleReconcileImport)
	})
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key, err := chainKeyParam(r)
	if err != nil {
		h.fail(ctx, w, "invalid chain key", err)
		return
	}
	var req ReserveRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(ctx, w, "invalid reserve request", err)
		return
	}
	facts, err := req.Facts(key.NIF)
	if err != nil {
		h.fail(ctx, w, "invalid reserve request", err)
		return
	}
	rec, err := h.chain.Reserve(ctx, key, facts)
	if err != nil {
		h.fail(ctx, w, "failed to reserve record", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toRecordResponse(rec, record.QRPayload(rec.Environment, rec.Facts)))
}

func (h *Handler) handleChainInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key, err := chainKeyParam(r)
	if err != nil {
		h.fail(ctx, w, "invalid chain key", err)
		return
	}
	info, err := h.chain.Info(ctx, key)
	if err != nil {
		h.fail(ctx, w, "failed to load chain info", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toChainInfoResponse(info))
}

func (h *Handler) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key, err := chainKeyParam(r)
	if err != nil {
		h.fail(ctx, w, "invalid chain key", err)
		return
	}
	v, err := h.chain.VerifyChain(ctx, key)
	if err != nil {
		h.fail(ctx, w, "failed to verify chain", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &ChainVerificationResponse{
		Valid:         v.Valid,
		TotalRecords:  v.TotalRecords,
		VerifiedCount: v.VerifiedCount,
		FirstBrokenID: v.FirstBrokenID,
		Errors:        v.Errors,
	})
}

func (h *Handler) handleUnblock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key, err := chainKeyParam(r)
	if err != nil {
		h.fail(ctx, w, "invalid chain key", err)
		return
	}
	if err := h.chain.Unblock(ctx, key); err != nil {
		h.fail(ctx, w, "failed to unblock chain", err)
		return
	}
	h.logger.InfoContext(ctx, "chain unblocked",
		"request_id", requestIDOf(r),
		"chain", key.String(),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key, err := chainKeyParam(r)
	if err != nil {
		h.fail(ctx, w, "invalid chain key", err)
		return
	}
	var req ResetRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(ctx, w, "invalid reset request", err)
		return
	}
	n, err := h.chain.Reset(ctx, key, req.Confirm)
	if err != nil {
		h.fail(ctx, w, "failed to reset chain", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (h *Handler) reconcileArgs(r *http.Request) (string, models.ChainKey, models.Period, error) {
	key, err := chainKeyParam(r)
	if err != nil {
		return "", models.ChainKey{}, models.Period{}, err
	}
	raw := r.URL.Query().Get("period")
	if raw == "" {
		return "", models.ChainKey{}, models.Period{}, dErrors.New(dErrors.CodeValidation, "period is required")
	}
	period, err := parsePeriod(raw)
	if err != nil {
		return "", models.ChainKey{}, models.Period{}, err
	}
	return r.URL.Query().Get("owner"), key, period, nil
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, key, period, err := h.reconcileArgs(r)
	if err != nil {
		h.fail(ctx, w, "invalid reconcile request", err)
		return
	}
	report, err := h.reconciler.Verify(ctx, owner, key, period)
	if err != nil {
		h.fail(ctx, w, "failed to reconcile chain", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

type importResponse struct {
	Report   *reconcile.Report `json:"report"`
	Imported int               `json:"imported"`
}

// handleReconcileImport verifies the period and imports every record the
// authority holds that is missing locally.
func (h *Handler) handleReconcileImport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, key, period, err := h.reconcileArgs(r)
	if err != nil {
		h.fail(ctx, w, "invalid reconcile request", err)
		return
	}
	report, err := h.reconciler.Verify(ctx, owner, key, period)
	if err != nil {
		h.fail(ctx, w, "failed to reconcile chain", err)
		return
	}
	n, err := h.reconciler.ImportMissing(ctx, report)
	if err != nil {
		h.fail(ctx, w, "failed to import records", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &importResponse{Report: report, Imported: n})
}
