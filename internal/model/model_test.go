package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMessage_SameAs(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	base := Message{MessageID: "wa-1", Content: "hola", Direction: DirectionIn, Timestamp: ts}

	assert.True(t, base.SameAs(Message{MessageID: "wa-1", Content: "otro"}))
	assert.True(t, base.SameAs(Message{MessageID: "wa-2", Content: "hola", Direction: DirectionIn, Timestamp: ts}))
	assert.False(t, base.SameAs(Message{MessageID: "wa-2", Content: "hola", Direction: DirectionOut, Timestamp: ts}))
	assert.False(t, base.SameAs(Message{MessageID: "wa-2", Content: "hola", Direction: DirectionIn, Timestamp: ts.Add(time.Second)}))

	// Empty ids never match on their own.
	a := Message{Content: "x", Timestamp: ts}
	assert.False(t, a.SameAs(Message{Content: "y", Timestamp: ts}))
}

func TestPreferences_Merge(t *testing.T) {
	p := Preferences{Times: []string{"10:00"}, Products: []string{"tacos"}}
	merged := p.Merge(Preferences{Times: []string{"10:00", "18:30"}, Dates: []string{"lunes"}})

	assert.Equal(t, []string{"10:00", "18:30"}, merged.Times)
	assert.Equal(t, []string{"lunes"}, merged.Dates)
	assert.Equal(t, []string{"tacos"}, merged.Products)
	assert.Equal(t, []string{"10:00"}, p.Times)
}

func TestPhoneConflictError(t *testing.T) {
	err := fmt.Errorf("initialize: %w", &PhoneConflictError{Phone: "5215512345678", OwnerID: "co1"})

	assert.True(t, errors.Is(err, ErrPhoneNumberConflict))
	var conflict *PhoneConflictError
	assert.True(t, errors.As(err, &conflict))
	assert.Equal(t, "co1", conflict.OwnerID)
	assert.Contains(t, err.Error(), "5215512345678")
}

func TestValidationf(t *testing.T) {
	err := Validationf("name exceeds %d characters", 255)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Equal(t, "validation failed: name exceeds 255 characters", err.Error())
}
