// Package store persists companies, conversations and messages.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/whatsapp-gateway/internal/model"
)

// MessageStore holds conversations and their messages.
type MessageStore interface {
	// UpsertConversation returns the conversation for the counterpart,
	// creating it when missing. created reports whether it was new.
	UpsertConversation(ctx context.Context, companyID string, cp model.Counterpart) (conv model.Conversation, created bool, err error)
	// AppendIfNew appends msg unless the conversation already holds the
	// same message. Appends to one conversation are serialized.
	AppendIfNew(ctx context.Context, conversationID string, msg model.Message) (bool, error)
	SetAIEnabled(ctx context.Context, conversationID string, enabled bool) error
	ToggleAI(ctx context.Context, conversationID string) (bool, error)
	MarkRead(ctx context.Context, conversationID string) error
	ListConversations(ctx context.Context, companyID string) ([]model.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (model.Conversation, error)
	FindByCounterpart(ctx context.Context, companyID, phone string) (model.Conversation, error)
	HasMessage(ctx context.Context, conversationID, messageID string) (bool, error)
	RecentMessages(ctx context.Context, conversationID string, n int) ([]model.Message, error)
	UpdateContactInfo(ctx context.Context, conversationID string, info model.ContactInfo) error
	// ClearAll removes the company's conversations, or every
	// conversation when companyID is empty.
	ClearAll(ctx context.Context, companyID string) error
}

// CompanyStore holds tenants and the phone each one is linked to.
type CompanyStore interface {
	CreateCompany(ctx context.Context, c model.Company) (model.Company, error)
	GetCompany(ctx context.Context, id string) (model.Company, error)
	ListCompanies(ctx context.Context) ([]model.Company, error)
	// ClaimPhone links phone to companyID, failing with a
	// *model.PhoneConflictError when another company holds it.
	ClaimPhone(ctx context.Context, companyID, phone string) error
	ReleasePhone(ctx context.Context, companyID string) error
}

// NewID returns a time-ordered id.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// normalizeMessage fixes the representation used for comparison and
// storage: UTC, millisecond precision and a non-empty id.
func normalizeMessage(m model.Message) model.Message {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	m.Timestamp = m.Timestamp.UTC().Truncate(time.Millisecond)
	if strings.TrimSpace(m.MessageID) == "" {
		m.MessageID = "msg_" + NewID()
	}
	return m
}
