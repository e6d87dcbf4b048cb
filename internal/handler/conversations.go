// Package handler provides HTTP handlers for the API.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/whatsapp-gateway/internal/middleware"
	"github.com/capitalize-ai/whatsapp-gateway/internal/model"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/logger"
)

// Conversations is the conversation service used by the handler.
type Conversations interface {
	List(ctx context.Context, companyID string) (*model.ListConversationsResponse, error)
	Get(ctx context.Context, conversationID string) (*model.Conversation, error)
	MarkRead(ctx context.Context, conversationID string) error
	SetAI(ctx context.Context, conversationID string, enabled *bool) (bool, error)
	Clear(ctx context.Context, companyID string) error
}

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service Conversations
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc Conversations, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log,
	}
}

// List handles GET /api/v1/companies/{companyID}/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")
	if err := middleware.ValidateCompanyID(companyID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.List(r.Context(), companyID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// MarkRead handles POST /api/v1/conversations/{id}/read
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.load(w, r)
	if !ok {
		return
	}
	if err := h.service.MarkRead(r.Context(), conv.ID); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type setAIRequest struct {
	Enabled *bool `json:"enabled"`
}

// SetAI handles POST /api/v1/conversations/{id}/ai. Without "enabled" in
// the body the flag is toggled.
func (h *ConversationHandler) SetAI(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.load(w, r)
	if !ok {
		return
	}

	var req setAIRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	enabled, err := h.service.SetAI(r.Context(), conv.ID, req.Enabled)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"ai_enabled": enabled,
	})
}

// Clear handles DELETE /api/v1/companies/{companyID}/conversations
func (h *ConversationHandler) Clear(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")
	if err := middleware.ValidateCompanyID(companyID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.service.Clear(r.Context(), companyID); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// load fetches {id} and hides conversations of other companies.
func (h *ConversationHandler) load(w http.ResponseWriter, r *http.Request) (*model.Conversation, bool) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	conv, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return nil, false
	}
	if !middleware.Authorized(r.Context(), conv.CompanyID) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	return conv, true
}
