package sessionstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/whatsapp-gateway/internal/transport"
)

func TestMemoryLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_, err := s.Load(ctx, "acme")
	assert.ErrorIs(t, err, ErrNoSession)

	ok, err := s.Exists(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, ok)

	creds := transport.Credentials{DeviceJID: "5215512345678:3@s.whatsapp.net"}
	require.NoError(t, s.Save(ctx, "acme", creds))

	got, err := s.Load(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, creds, got)

	tenants, err := s.Tenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, tenants)

	require.NoError(t, s.Erase(ctx, "acme"))
	ok, err = s.Exists(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryEmptyCredentialsCountAsNoSession(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Save(ctx, "acme", transport.Credentials{}))

	_, err := s.Load(ctx, "acme")
	assert.ErrorIs(t, err, ErrNoSession)
}
