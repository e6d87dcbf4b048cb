// Package sessionstore keeps per-tenant device credentials so a paired
// session can be resumed without a new pairing code.
package sessionstore

import (
	"context"
	"errors"

	"github.com/capitalize-ai/whatsapp-gateway/internal/transport"
)

// ErrNoSession is returned by Load when the tenant has no usable credentials.
var ErrNoSession = errors.New("no stored session")

// Store persists credentials per tenant.
type Store interface {
	// Load returns ErrNoSession for tenants without credentials, including
	// tenants whose stored credentials turned out to be corrupt.
	Load(ctx context.Context, tenantID string) (transport.Credentials, error)
	Save(ctx context.Context, tenantID string, creds transport.Credentials) error
	Erase(ctx context.Context, tenantID string) error
	Exists(ctx context.Context, tenantID string) (bool, error)
	// Tenants lists every tenant with stored credentials.
	Tenants(ctx context.Context) ([]string, error)
}
