package model

import (
	"time"
)

// EventKind names a broadcast event.
type EventKind string

const (
	EventStatus     EventKind = "whatsapp_status"
	EventNewMessage EventKind = "new_message"
	EventError      EventKind = "whatsapp_error"
)

// Event is pushed to status listeners. Delivery is best-effort.
type Event struct {
	TenantID  string    `json:"company_id"`
	Kind      EventKind `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessageData is the payload of an EventNewMessage.
type NewMessageData struct {
	ConversationID string  `json:"conversation_id"`
	SenderPhone    string  `json:"sender_phone"`
	Message        Message `json:"message"`
}

// ErrorEvent is the payload of an EventError.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried by ErrorEvent.
const (
	ErrorCodePhoneConflict      = "phone_conflict"
	ErrorCodeReconnectExhausted = "reconnect_exhausted"
	ErrorCodePairingFailed      = "pairing_failed"
	ErrorCodeLoggedOut          = "logged_out"
)
