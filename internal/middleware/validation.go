package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/capitalize-ai/whatsapp-gateway/internal/transport"
)

// ValidateMessageContent validates outbound message text.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("message cannot be empty")
	}
	if len(content) > 4096 {
		return errors.New("message exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("message must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateCompanyID validates a company ID.
func ValidateCompanyID(id string) error {
	if len(id) == 0 {
		return errors.New("company ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("company ID exceeds maximum length")
	}
	for _, r := range id {
		ok := r == '-' || r == '_' ||
			(r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if !ok {
			return errors.New("company ID contains invalid characters")
		}
	}
	return nil
}

// MaxPhoneDigits is the E.164 upper bound.
const MaxPhoneDigits = 15

// ValidatePhone normalizes a phone number and checks it has a plausible
// E.164 length.
func ValidatePhone(phone string) (string, error) {
	n := transport.NormalizePhone(phone)
	if len(n) < 8 || len(n) > MaxPhoneDigits {
		return n, errors.New("phone number must have 8 to 15 digits")
	}
	return n, nil
}

// ValidateRecipient normalizes a send target. Any address of up to 15
// digits is accepted, since short codes and local numbers are reachable.
func ValidateRecipient(to string) (string, error) {
	n := transport.NormalizePhone(to)
	if len(n) == 0 || len(n) > MaxPhoneDigits {
		return n, errors.New("recipient must have 1 to 15 digits")
	}
	return n, nil
}
