package model

import (
	"time"
)

// ConversationStatus is the lifecycle flag of a conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "ACTIVE"
	ConversationArchived ConversationStatus = "ARCHIVED"
)

// Conversation is the thread between one company and one counterpart phone.
type Conversation struct {
	ID           string             `json:"id"`
	CompanyID    string             `json:"company_id"`
	SenderPhone  string             `json:"sender_phone"`
	SenderName   string             `json:"sender_name"`
	SenderImage  *string            `json:"sender_image,omitempty"`
	CompanyPhone string             `json:"company_phone"`
	Messages     []Message          `json:"messages,omitempty"`
	LastUpdated  time.Time          `json:"last_updated"`
	LastRead     *time.Time         `json:"last_read,omitempty"`
	AIEnabled    bool               `json:"ai_enabled"`
	UnreadCount  int                `json:"unread_count"`
	Status       ConversationStatus `json:"status"`
	ContactInfo  *ContactInfo       `json:"contact_info,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

// Counterpart carries the display identity resolved for a sender.
type Counterpart struct {
	Phone        string
	Name         string
	Image        *string
	CompanyPhone string
}

// ContactInfo is what the AI responder learned about the counterpart.
type ContactInfo struct {
	Name            string      `json:"name,omitempty"`
	LastInteraction time.Time   `json:"last_interaction"`
	Preferences     Preferences `json:"preferences"`
}

// Preferences are loose facts extracted from inbound text.
type Preferences struct {
	Times    []string `json:"times,omitempty"`
	Dates    []string `json:"dates,omitempty"`
	Products []string `json:"products,omitempty"`
}

// Merge folds other into p, skipping values already present.
func (p Preferences) Merge(other Preferences) Preferences {
	return Preferences{
		Times:    mergeUnique(p.Times, other.Times),
		Dates:    mergeUnique(p.Dates, other.Dates),
		Products: mergeUnique(p.Products, other.Products),
	}
}

func mergeUnique(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
}
