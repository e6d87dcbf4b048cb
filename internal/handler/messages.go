package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/whatsapp-gateway/internal/middleware"
	"github.com/capitalize-ai/whatsapp-gateway/internal/model"
	"github.com/capitalize-ai/whatsapp-gateway/internal/service"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/logger"
)

// Sender dispatches outbound messages.
type Sender interface {
	Send(ctx context.Context, req service.SendRequest) (service.SendResult, error)
}

// MessageReader loads conversations and their latest messages.
type MessageReader interface {
	Get(ctx context.Context, conversationID string) (*model.Conversation, error)
	Messages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
}

// MessageHandler handles message endpoints.
type MessageHandler struct {
	sender        Sender
	conversations MessageReader
	logger        *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(sender Sender, conversations MessageReader, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		sender:        sender,
		conversations: conversations,
		logger:        log,
	}
}

// Send handles POST /api/v1/companies/{companyID}/whatsapp/send
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")

	var req model.SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if _, err := middleware.ValidateRecipient(req.To); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageContent(req.Message); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.sender.Send(r.Context(), service.SendRequest{
		TenantID:  companyID,
		To:        req.To,
		Text:      req.Message,
		IsAI:      req.IsAI,
		MessageID: req.MessageID,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, model.SendMessageResponse{
		Success:        true,
		ConversationID: res.ConversationID,
		MessageID:      res.MessageID,
	})
}

// List handles GET /api/v1/conversations/{id}/messages?limit=N and returns
// the latest messages, oldest first.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.conversations.Get(ctx, conversationID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if !middleware.Authorized(ctx, conv.CompanyID) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	msgs, err := h.conversations.Messages(ctx, conversationID, limit)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": msgs,
		"total":    len(msgs),
	})
}
