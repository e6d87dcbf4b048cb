// Package model defines data structures for the WhatsApp gateway.
package model

import (
	"time"
)

// Company is a tenant. PhoneNumber is unique across companies when set.
type Company struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	PhoneNumber *string   `json:"phone_number,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateCompanyRequest is the request to register a company.
type CreateCompanyRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}
