package model

import (
	"time"
)

// Direction tells whether a message was received or sent by the company.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Message is one entry in a conversation. Immutable once appended.
type Message struct {
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	Direction Direction `json:"direction"`
	Timestamp time.Time `json:"timestamp"`
	IsAI      bool      `json:"is_ai"`
	ImageURL  *string   `json:"image_url,omitempty"`
	Read      bool      `json:"read"`
}

// SameAs reports whether m and other are the same message for dedup
// purposes: equal ids, or equal timestamp, content and direction.
func (m Message) SameAs(other Message) bool {
	if m.MessageID != "" && m.MessageID == other.MessageID {
		return true
	}
	return m.Timestamp.Equal(other.Timestamp) &&
		m.Content == other.Content &&
		m.Direction == other.Direction
}

// SendMessageRequest is the request to send a WhatsApp message.
type SendMessageRequest struct {
	To        string `json:"to"`
	Message   string `json:"message"`
	IsAI      bool   `json:"is_ai,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// SendMessageResponse is returned after a send.
type SendMessageResponse struct {
	Success        bool   `json:"success"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}
