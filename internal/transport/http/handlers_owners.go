package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	submissionmodels "verifactu/internal/submission/models"
	dErrors "verifactu/pkg/domain-errors"
	"verifactu/pkg/platform/httputil"
	"verifactu/pkg/requestcontext"
)

func (h *Handler) registerOwners(r chi.Router) {
	r.Route("/owners/{ownerID}", func(r chi.Router) {
		r.Put("/certificate", h.handleStoreCertificate)
		r.Get("/certificate", h.handleCertificateInfo)
		r.Delete("/certificate", h.handleDeleteCertificate)
		r.Get("/submissions", h.handleOwnerSubmissions)
	})
}

func (h *Handler) handleStoreCertificate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := chi.URLParam(r, "ownerID")
	var req CertificateRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(ctx, w, "invalid certificate request", err)
		return
	}
	rec, err := h.vault.Store(ctx, owner, req.Certificate, req.Password)
	if err != nil {
		h.fail(ctx, w, "failed to store certificate", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec.Info(requestcontext.Now(ctx)))
}

func (h *Handler) handleCertificateInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info, err := h.vault.Info(ctx, chi.URLParam(r, "ownerID"))
	if err != nil {
		h.fail(ctx, w, "failed to load certificate", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, info)
}

func (h *Handler) handleDeleteCertificate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := chi.URLParam(r, "ownerID")
	deleted, err := h.vault.Delete(ctx, owner)
	if err != nil {
		h.fail(ctx, w, "failed to delete certificate", err)
		return
	}
	if !deleted {
		h.fail(ctx, w, "certificate not found", dErrors.New(dErrors.CodeCertificateNotFound, "no certificate stored for owner"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleOwnerSubmissions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, err := limitParam(r)
	if err != nil {
		h.fail(ctx, w, "invalid limit", err)
		return
	}
	entries, err := h.submissions.History(ctx, chi.URLParam(r, "ownerID"), limit)
	if err != nil {
		h.fail(ctx, w, "failed to list submissions", err)
		return
	}
	if entries == nil {
		entries = []*submissionmodels.LogEntry{}
	}
	httputil.WriteJSON(w, http.StatusOK, entries)
}
