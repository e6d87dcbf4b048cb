package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/whatsapp-gateway/internal/middleware"
	"github.com/capitalize-ai/whatsapp-gateway/internal/model"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/logger"
)

// Companies is the company service used by the handler.
type Companies interface {
	Create(ctx context.Context, req *model.CreateCompanyRequest) (*model.Company, error)
	Get(ctx context.Context, id string) (*model.Company, error)
	List(ctx context.Context) ([]model.Company, error)
}

// CompanyHandler handles company endpoints.
type CompanyHandler struct {
	service Companies
	logger  *logger.Logger
}

// NewCompanyHandler creates a new company handler.
func NewCompanyHandler(svc Companies, log *logger.Logger) *CompanyHandler {
	return &CompanyHandler{service: svc, logger: log}
}

// Create handles POST /api/v1/companies
func (h *CompanyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreateCompanyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	c, err := h.service.Create(r.Context(), &req)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// List handles GET /api/v1/companies
func (h *CompanyHandler) List(w http.ResponseWriter, r *http.Request) {
	companies, err := h.service.List(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"companies": companies,
		"total":     len(companies),
	})
}

// Get handles GET /api/v1/companies/{companyID}
func (h *CompanyHandler) Get(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")
	if err := middleware.ValidateCompanyID(companyID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := h.service.Get(r.Context(), companyID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
