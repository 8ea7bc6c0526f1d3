package httptransport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"verifactu/internal/audit"
	"verifactu/internal/authority"
	"verifactu/internal/record"
	submissionmodels "verifactu/internal/submission/models"
	dErrors "verifactu/pkg/domain-errors"
	"verifactu/pkg/platform/httputil"
)

const maxQRSize = 1024

func (h *Handler) registerRecords(r chi.Router) {
	r.Route("/records/{recordID}", func(r chi.Router) {
		r.Get("/", h.handleGetRecord)
		r.Post("/submit", h.handleSubmit)
		r.Get("/qr", h.handleQR)
		r.Get("/submissions", h.handleRecordSubmissions)
	})
}

func (h *Handler) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuidParam(r, "recordID")
	if err != nil {
		h.fail(ctx, w, "invalid record id", err)
		return
	}
	rec, err := h.chain.Get(ctx, id)
	if err != nil {
		h.fail(ctx, w, "failed to load record", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toRecordResponse(rec, record.QRPayload(rec.Environment, rec.Facts)))
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuidParam(r, "recordID")
	if err != nil {
		h.fail(ctx, w, "invalid record id", err)
		return
	}
	var req SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(ctx, w, "invalid submit request", err)
		return
	}
	rec, err := h.chain.Get(ctx, id)
	if err != nil {
		h.fail(ctx, w, "failed to load record", err)
		return
	}
	owner := req.OwnerID
	if owner == "" {
		owner = rec.NIF
	}
	result, err := h.submissions.Submit(ctx, owner, id, submissionmodels.Meta{IssuerName: req.IssuerName})
	if err != nil {
		h.fail(ctx, w, "submission failed", err)
		return
	}
	httputil.WriteJSON(w, submitStatus(result.Outcome), result)
}

// handleQR returns the verification URL and legal text, or the QR image when
// format=png.
func (h *Handler) handleQR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuidParam(r, "recordID")
	if err != nil {
		h.fail(ctx, w, "invalid record id", err)
		return
	}
	rec, err := h.chain.Get(ctx, id)
	if err != nil {
		h.fail(ctx, w, "failed to load record", err)
		return
	}
	payload := record.QRPayload(rec.Environment, rec.Facts)

	q := r.URL.Query()
	format := q.Get("format")
	if _, err := h.audit.Append(ctx, audit.Entry{
		EntityID:   rec.ID.String(),
		EventType:  audit.EventQRGenerated,
		HashBefore: rec.Hash,
		HashAfter:  rec.Hash,
		Metadata:   map[string]string{"format": formatOrJSON(format)},
	}); err != nil {
		h.logger.ErrorContext(ctx, "failed to append audit event",
			"request_id", requestIDOf(r),
			"entity_id", rec.ID.String(),
			"error", err.Error(),
		)
	}

	if format != "png" {
		httputil.WriteJSON(w, http.StatusOK, &QRResponse{URL: payload, LegalText: record.LegalText(q.Get("lang"))})
		return
	}
	size := record.DefaultQRSize
	if raw := q.Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxQRSize {
			h.fail(ctx, w, "invalid qr size", dErrors.New(dErrors.CodeBadRequest, "size must be between 1 and 1024"))
			return
		}
		size = n
	}
	png, err := record.QRCodePNG(payload, size)
	if err != nil {
		h.fail(ctx, w, "failed to render qr", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// submitStatus maps the authority's verdict to the response status.
func submitStatus(outcome *authority.SubmissionResult) int {
	switch outcome.Kind {
	case authority.OutcomeAccepted:
		return http.StatusOK
	case authority.OutcomeRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func formatOrJSON(format string) string {
	if format == "" {
		return "json"
	}
	return format
}

func (h *Handler) handleRecordSubmissions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuidParam(r, "recordID")
	if err != nil {
		h.fail(ctx, w, "invalid record id", err)
		return
	}
	entries, err := h.submissions.RecordHistory(ctx, id)
	if err != nil {
		h.fail(ctx, w, "failed to list submissions", err)
		return
	}
	if entries == nil {
		entries = []*submissionmodels.LogEntry{}
	}
	httputil.WriteJSON(w, http.StatusOK, entries)
}
