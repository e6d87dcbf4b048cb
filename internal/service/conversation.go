package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-gateway/internal/model"
	"github.com/capitalize-ai/whatsapp-gateway/internal/store"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/logger"
)

// ConversationService handles conversation operations.
type ConversationService struct {
	messages store.MessageStore
	logger   *logger.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(messages store.MessageStore, log *logger.Logger) *ConversationService {
	return &ConversationService{
		messages: messages,
		logger:   log,
	}
}

// List returns a company's active conversations, most recent first.
func (s *ConversationService) List(ctx context.Context, companyID string) (*model.ListConversationsResponse, error) {
	convs, err := s.messages.ListConversations(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return &model.ListConversationsResponse{
		Conversations: convs,
		Total:         len(convs),
	}, nil
}

// Get retrieves a conversation with its messages.
func (s *ConversationService) Get(ctx context.Context, conversationID string) (*model.Conversation, error) {
	conv, err := s.messages.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// Messages returns up to limit of the latest messages, oldest first.
func (s *ConversationService) Messages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	return s.messages.RecentMessages(ctx, conversationID, limit)
}

// MarkRead clears the unread counter.
func (s *ConversationService) MarkRead(ctx context.Context, conversationID string) error {
	return s.messages.MarkRead(ctx, conversationID)
}

// SetAI sets the AI flag, or flips it when enabled is nil. It returns the
// resulting value.
func (s *ConversationService) SetAI(ctx context.Context, conversationID string, enabled *bool) (bool, error) {
	var (
		value bool
		err   error
	)
	if enabled == nil {
		value, err = s.messages.ToggleAI(ctx, conversationID)
	} else {
		value, err = *enabled, s.messages.SetAIEnabled(ctx, conversationID, *enabled)
	}
	if err != nil {
		return false, err
	}

	s.logger.Info("conversation ai updated",
		zap.String("conversation_id", conversationID),
		zap.Bool("ai_enabled", value),
	)
	return value, nil
}

// Clear deletes every conversation of a company.
func (s *ConversationService) Clear(ctx context.Context, companyID string) error {
	if strings.TrimSpace(companyID) == "" {
		return model.Validationf("company id is required")
	}
	if err := s.messages.ClearAll(ctx, companyID); err != nil {
		return fmt.Errorf("clear conversations: %w", err)
	}
	s.logger.WithTenant(companyID).Info("conversations cleared")
	return nil
}
