// Package transporttest provides a scripted in-memory transport for tests.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/capitalize-ai/whatsapp-gateway/internal/transport"
)

// Sent records one outbound message.
type Sent struct {
	To   string
	Text string
	ID   string
}

// Fake is a Transport whose handles are driven by the test.
type Fake struct {
	mu      sync.Mutex
	handles map[string][]*Handle
	openErr []error

	// OnOpen, when set, runs for every opened handle before Open returns.
	OnOpen func(h *Handle)
}

// New creates an empty fake transport.
func New() *Fake {
	return &Fake{handles: make(map[string][]*Handle)}
}

// FailNextOpen makes the next Open calls fail with err, one call per error.
func (f *Fake) FailNextOpen(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = append(f.openErr, errs...)
}

// Open implements transport.Transport.
func (f *Fake) Open(_ context.Context, tenantID string, creds transport.Credentials) (transport.Handle, error) {
	f.mu.Lock()
	if len(f.openErr) > 0 {
		err := f.openErr[0]
		f.openErr = f.openErr[1:]
		f.mu.Unlock()
		return nil, err
	}
	h := &Handle{
		Tenant: tenantID,
		Creds:  creds,
		events: make(chan transport.Event, 64),
		done:   make(chan struct{}),
	}
	if !creds.Empty() {
		h.identity = transport.PhoneFromID(creds.DeviceJID)
	}
	f.handles[tenantID] = append(f.handles[tenantID], h)
	hook := f.OnOpen
	f.mu.Unlock()

	if hook != nil {
		hook(h)
	}
	return h, nil
}

// Handles returns every handle opened for tenantID, oldest first.
func (f *Fake) Handles(tenantID string) []*Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Handle(nil), f.handles[tenantID]...)
}

// Last returns the most recent handle for tenantID, or nil.
func (f *Fake) Last(tenantID string) *Handle {
	hs := f.Handles(tenantID)
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

// OpenCount returns how many handles were opened for tenantID.
func (f *Fake) OpenCount(tenantID string) int {
	return len(f.Handles(tenantID))
}

// LiveCount returns how many handles for tenantID are not closed.
func (f *Fake) LiveCount(tenantID string) int {
	n := 0
	for _, h := range f.Handles(tenantID) {
		if !h.Closed() {
			n++
		}
	}
	return n
}

// Handle is a scripted transport.Handle.
type Handle struct {
	Tenant string
	Creds  transport.Credentials

	events chan transport.Event
	done   chan struct{}

	mu        sync.Mutex
	identity  string
	closed    bool
	loggedOut bool
	sent      []Sent
	reads     []transport.MessageRef
	seq       int

	SendErr    error
	Profile    transport.Profile
	ProfileErr error
	ReadErr    error
	Image      []byte
}

// Emit delivers ev to the manager reading this handle.
func (h *Handle) Emit(ev transport.Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

// EmitPairing emits a pairing token.
func (h *Handle) EmitPairing(code string) {
	h.Emit(transport.ConnectionEvent{State: transport.ConnPairing, Code: code})
}

// EmitConnected marks the handle paired as phone and emits the paired and
// connected events.
func (h *Handle) EmitConnected(phone string) {
	h.mu.Lock()
	fresh := h.identity == ""
	h.identity = phone
	h.mu.Unlock()
	if fresh {
		h.Emit(transport.ConnectionEvent{
			State: transport.ConnPaired,
			Phone: phone,
			Creds: transport.Credentials{DeviceJID: phone + ":1@" + transport.UserServer},
		})
	}
	h.Emit(transport.ConnectionEvent{State: transport.ConnConnected, Phone: phone})
}

// EmitClosed emits a close with the given reason.
func (h *Handle) EmitClosed(reason transport.CloseReason) {
	h.Emit(transport.ConnectionEvent{State: transport.ConnClosed, Reason: reason})
}

func (h *Handle) Events() <-chan transport.Event { return h.events }
func (h *Handle) Done() <-chan struct{}          { return h.done }

func (h *Handle) Identity() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.identity
}

func (h *Handle) Send(_ context.Context, to, text, id string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", errors.New("handle closed")
	}
	if h.SendErr != nil {
		return "", h.SendErr
	}
	h.seq++
	if id == "" {
		id = fmt.Sprintf("3EB0%06d", h.seq)
	}
	h.sent = append(h.sent, Sent{To: to, Text: text, ID: id})
	return id, nil
}

func (h *Handle) FetchProfile(context.Context, string) (transport.Profile, error) {
	return h.Profile, h.ProfileErr
}

func (h *Handle) MarkRead(_ context.Context, ref transport.MessageRef) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ReadErr != nil {
		return h.ReadErr
	}
	h.reads = append(h.reads, ref)
	return nil
}

func (h *Handle) DownloadImage(_ context.Context, p *transport.Payload) ([]byte, string, error) {
	if h.Image == nil {
		return nil, "", errors.New("no image")
	}
	return h.Image, p.MimeType, nil
}

func (h *Handle) Logout(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loggedOut = true
	return nil
}

func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.done)
	}
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// LoggedOut reports whether Logout was called.
func (h *Handle) LoggedOut() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loggedOut
}

// Sent returns the messages sent through the handle.
func (h *Handle) Sent() []Sent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Sent(nil), h.sent...)
}

// Reads returns the messages marked read.
func (h *Handle) Reads() []transport.MessageRef {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]transport.MessageRef(nil), h.reads...)
}
