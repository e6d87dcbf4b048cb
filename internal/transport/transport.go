// Package transport abstracts the messaging network behind a per-tenant
// handle that reports connection changes and messages on a channel.
package transport

import (
	"context"
	"strings"
	"time"
)

// Credentials identify a previously paired device. The zero value means
// a fresh pairing.
type Credentials struct {
	DeviceJID string `json:"device_jid"`
}

// Empty reports whether the credentials point at no device.
func (c Credentials) Empty() bool {
	return c.DeviceJID == ""
}

// Transport opens network sessions.
type Transport interface {
	Open(ctx context.Context, tenantID string, creds Credentials) (Handle, error)
}

// Handle is one open network session. Events are delivered in network
// order until Done is closed.
type Handle interface {
	Events() <-chan Event
	Done() <-chan struct{}

	// Identity is the paired phone number, empty before pairing.
	Identity() string

	// Send delivers text to a phone. A non-empty id is used as the network
	// message id so a retried send keeps its identity.
	Send(ctx context.Context, to, text, id string) (string, error)
	FetchProfile(ctx context.Context, phone string) (Profile, error)
	MarkRead(ctx context.Context, ref MessageRef) error
	DownloadImage(ctx context.Context, p *Payload) ([]byte, string, error)

	// Logout unlinks the device on the network side.
	Logout(ctx context.Context) error
	Close()
}

// Profile is the counterpart's public profile.
type Profile struct {
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// MessageRef addresses a received message for read receipts.
type MessageRef struct {
	ID        string
	Chat      string
	Sender    string
	Timestamp time.Time
}

// UserServer is the address suffix of personal accounts.
const UserServer = "s.whatsapp.net"

// PhoneFromID strips the device and server parts from a network id, so
// "5215512345678:12@s.whatsapp.net" becomes "5215512345678".
func PhoneFromID(id string) string {
	if i := strings.IndexByte(id, '@'); i >= 0 {
		id = id[:i]
	}
	if i := strings.IndexByte(id, ':'); i >= 0 {
		id = id[:i]
	}
	return id
}

// NormalizePhone turns caller input into the bare digits used as the
// conversation key. It accepts "+52 1 55...", "521...@s.whatsapp.net" and
// similar forms.
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "@"+UserServer)
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
