package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation needs a live session.
	ErrNotConnected = errors.New("whatsapp session not connected")
	// ErrPhoneNumberConflict matches any *PhoneConflictError.
	ErrPhoneNumberConflict = errors.New("phone number already linked to another company")
	// ErrNotFound is returned for unknown companies and conversations.
	ErrNotFound = errors.New("not found")
	// ErrValidation wraps bad caller input.
	ErrValidation = errors.New("validation failed")
	// ErrPairingExpired marks a pairing code that timed out unscanned.
	ErrPairingExpired = errors.New("pairing code expired")
)

// PhoneConflictError names the phone and the company already holding it.
type PhoneConflictError struct {
	Phone   string
	OwnerID string
}

func (e *PhoneConflictError) Error() string {
	return fmt.Sprintf("phone number %s already linked to company %s", e.Phone, e.OwnerID)
}

// Is lets errors.Is(err, ErrPhoneNumberConflict) match.
func (e *PhoneConflictError) Is(target error) bool {
	return target == ErrPhoneNumberConflict
}

// Validationf builds an ErrValidation with a message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
