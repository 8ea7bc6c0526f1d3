package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"verifactu/internal/audit"
	"verifactu/pkg/platform/httputil"
)

func (h *Handler) registerAudit(r chi.Router) {
	r.Get("/audit/{entityID}", h.handleAuditTrail)
	r.Get("/audit/{entityID}/verify", h.handleAuditVerify)
}

func (h *Handler) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	events, err := h.audit.List(ctx, chi.URLParam(r, "entityID"))
	if err != nil {
		h.fail(ctx, w, "failed to list audit events", err)
		return
	}
	if events == nil {
		events = []*audit.Event{}
	}
	httputil.WriteJSON(w, http.StatusOK, events)
}

func (h *Handler) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entityID := chi.URLParam(r, "entityID")
	valid, msg, err := h.audit.VerifyIntegrity(ctx, entityID)
	if err != nil {
		h.fail(ctx, w, "failed to verify audit trail", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &AuditVerificationResponse{EntityID: entityID, Valid: valid, Message: msg})
}
