package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-gateway/internal/middleware"
	"github.com/capitalize-ai/whatsapp-gateway/internal/model"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/logger"
)

// SessionManager is the part of the session manager the API drives.
type SessionManager interface {
	Initialize(ctx context.Context, tenantID string) (model.ConnectionStatus, error)
	GetStatus(ctx context.Context, tenantID string) model.ConnectionStatus
	Disconnect(ctx context.Context, tenantID string) error
	ClearSession(ctx context.Context, tenantID string) error
}

// CompanyFinder checks that a company exists.
type CompanyFinder interface {
	Get(ctx context.Context, id string) (*model.Company, error)
}

// WhatsAppHandler handles session lifecycle endpoints.
type WhatsAppHandler struct {
	sessions  SessionManager
	companies CompanyFinder
	logger    *logger.Logger
}

// NewWhatsAppHandler creates a new WhatsApp session handler.
func NewWhatsAppHandler(sessions SessionManager, companies CompanyFinder, log *logger.Logger) *WhatsAppHandler {
	return &WhatsAppHandler{
		sessions:  sessions,
		companies: companies,
		logger:    log,
	}
}

// Initialize handles POST /api/v1/companies/{companyID}/whatsapp/initialize
// and its /connect alias. It answers with the pairing code or the live
// status.
func (h *WhatsAppHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID, ok := h.company(w, r)
	if !ok {
		return
	}

	st, err := h.sessions.Initialize(ctx, companyID)
	if err != nil {
		h.logger.WithTenant(companyID).Warn("initialize failed",
			zap.String("state", string(st.State)),
			zap.Error(err),
		)
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Status handles GET /api/v1/companies/{companyID}/whatsapp/status
func (h *WhatsAppHandler) Status(w http.ResponseWriter, r *http.Request) {
	companyID, ok := h.company(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.sessions.GetStatus(r.Context(), companyID))
}

// Disconnect handles POST /api/v1/companies/{companyID}/whatsapp/disconnect.
// Stored credentials are kept.
func (h *WhatsAppHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	companyID, ok := h.company(w, r)
	if !ok {
		return
	}
	if err := h.sessions.Disconnect(r.Context(), companyID); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ClearSession handles POST /api/v1/companies/{companyID}/whatsapp/clear-session.
// The device is logged out and must pair again.
func (h *WhatsAppHandler) ClearSession(w http.ResponseWriter, r *http.Request) {
	companyID, ok := h.company(w, r)
	if !ok {
		return
	}
	if err := h.sessions.ClearSession(r.Context(), companyID); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type validateNumberRequest struct {
	Phone string `json:"phone"`
}

type validateNumberResponse struct {
	Valid      bool   `json:"valid"`
	Normalized string `json:"normalized"`
}

// ValidateNumber handles POST /api/v1/companies/{companyID}/whatsapp/validate-number
func (h *WhatsAppHandler) ValidateNumber(w http.ResponseWriter, r *http.Request) {
	var req validateNumberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	normalized, err := middleware.ValidatePhone(req.Phone)
	writeJSON(w, http.StatusOK, validateNumberResponse{
		Valid:      err == nil,
		Normalized: normalized,
	})
}

// company validates {companyID} and checks that the company exists.
func (h *WhatsAppHandler) company(w http.ResponseWriter, r *http.Request) (string, bool) {
	companyID := chi.URLParam(r, "companyID")
	if err := middleware.ValidateCompanyID(companyID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	if _, err := h.companies.Get(r.Context(), companyID); err != nil {
		writeServiceError(w, h.logger, err)
		return "", false
	}
	return companyID, true
}
