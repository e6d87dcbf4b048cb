package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/whatsapp-gateway/internal/model"
	"github.com/capitalize-ai/whatsapp-gateway/internal/sessionstore"
	"github.com/capitalize-ai/whatsapp-gateway/internal/transport"
	"github.com/capitalize-ai/whatsapp-gateway/internal/transport/transporttest"
)

const (
	tenantA = "company-a"
	tenantB = "company-b"
	phoneA  = "5215512345678"
)

type phoneBook struct {
	mu     sync.Mutex
	owners map[string]string
}

func newPhoneBook() *phoneBook {
	return &phoneBook{owners: make(map[string]string)}
}

func (p *phoneBook) ClaimPhone(_ context.Context, companyID, phone string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if owner, ok := p.owners[phone]; ok && owner != companyID {
		return &model.PhoneConflictError{Phone: phone, OwnerID: owner}
	}
	for ph, owner := range p.owners {
		if owner == companyID {
			delete(p.owners, ph)
		}
	}
	p.owners[phone] = companyID
	return nil
}

func (p *phoneBook) ReleasePhone(_ context.Context, companyID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ph, owner := range p.owners {
		if owner == companyID {
			delete(p.owners, ph)
		}
	}
	return nil
}

func (p *phoneBook) owner(phone string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.owners[phone]
}

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) errorCodes(tenantID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.TenantID == tenantID && ev.Kind == model.EventError {
			out = append(out, ev.Data.(model.ErrorEvent).Code)
		}
	}
	return out
}

func (r *recorder) statuses(tenantID string) []model.ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ConnectionStatus
	for _, ev := range r.events {
		if ev.TenantID == tenantID && ev.Kind == model.EventStatus {
			out = append(out, ev.Data.(model.ConnectionStatus))
		}
	}
	return out
}

type plainRenderer struct{}

func (plainRenderer) Encode(token string) (string, error) { return "qr:" + token, nil }

type failingLoad struct {
	*sessionstore.Memory
	err error
}

func (f failingLoad) Load(context.Context, string) (transport.Credentials, error) {
	return transport.Credentials{}, f.err
}

type fixture struct {
	mgr      *Manager
	fake     *transporttest.Fake
	sessions *sessionstore.Memory
	phones   *phoneBook
	events   *recorder
	clock    *ManualScheduler
}

// newFixture builds a manager whose fresh handles emit a pairing code on
// open and whose restored handles connect immediately.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := sessionstore.NewMemory()
	f := newFixtureWithStore(t, mem)
	f.sessions = mem
	return f
}

func newFixtureWithStore(t *testing.T, store sessionstore.Store) *fixture {
	t.Helper()
	f := &fixture{
		fake:   transporttest.New(),
		phones: newPhoneBook(),
		events: &recorder{},
		clock:  NewManualScheduler(),
	}
	var mu sync.Mutex
	opens := 0
	f.fake.OnOpen = func(h *transporttest.Handle) {
		if !h.Creds.Empty() {
			h.EmitConnected(transport.PhoneFromID(h.Creds.DeviceJID))
			return
		}
		mu.Lock()
		opens++
		n := opens
		mu.Unlock()
		h.EmitPairing(fmt.Sprintf("token-%d", n))
	}
	f.mgr = NewManager(Deps{
		Sessions:  store,
		Transport: f.fake,
		Phones:    f.phones,
		Renderer:  plainRenderer{},
		Publisher: f.events,
		Scheduler: f.clock,
		Policy: Policy{
			QRTimeout:         60 * time.Second,
			ReconnectInterval: 5 * time.Second,
			MaxAttempts:       10,
			InitWait:          2 * time.Second,
		},
	})
	t.Cleanup(f.mgr.Close)
	return f
}

func (f *fixture) waitState(t *testing.T, tenantID string, want model.SessionState) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		s, _ := f.mgr.Registry().Snapshot(tenantID)
		return s.State == want
	}, 2*time.Second, 5*time.Millisecond, "tenant %s never reached %s", tenantID, want)
	s, _ := f.mgr.Registry().Snapshot(tenantID)
	return s
}

func (f *fixture) connect(t *testing.T, tenantID, phone string) {
	t.Helper()
	st, err := f.mgr.Initialize(context.Background(), tenantID)
	require.NoError(t, err)
	require.Equal(t, model.StatePairing, st.State)
	f.fake.Last(tenantID).EmitConnected(phone)
	f.waitState(t, tenantID, model.StateConnected)
}

func TestManager_InitializeReturnsPairingCode(t *testing.T) {
	f := newFixture(t)

	st, err := f.mgr.Initialize(context.Background(), tenantA)
	require.NoError(t, err)

	assert.Equal(t, model.StatePairing, st.State)
	assert.Equal(t, "qr:token-1", st.QRCode)
	assert.False(t, st.Connected)
	assert.False(t, st.HasExistingSession)
	assert.Equal(t, 1, f.clock.Pending(), "qr expiry armed")
}

func TestManager_DefaultRendererProducesDataURL(t *testing.T) {
	f := newFixture(t)
	f.mgr.renderer = transport.QRRenderer{Size: 64}

	st, err := f.mgr.Initialize(context.Background(), tenantA)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(st.QRCode, "data:image/png;base64,"))
}

func TestManager_QRExpiryIssuesFreshCode(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Initialize(context.Background(), tenantA)
	require.NoError(t, err)
	first := f.fake.Last(tenantA)

	f.clock.Advance(60 * time.Second)

	require.Eventually(t, func() bool {
		st := f.mgr.GetStatus(context.Background(), tenantA)
		return st.State == model.StatePairing && st.QRCode == "qr:token-2"
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, first.Closed())
	assert.Equal(t, 2, f.fake.OpenCount(tenantA))
	assert.Equal(t, 1, f.fake.LiveCount(tenantA))
}

func TestManager_PairingThenConnect(t *testing.T) {
	f := newFixture(t)
	f.connect(t, tenantA, phoneA)

	st := f.mgr.GetStatus(context.Background(), tenantA)
	assert.True(t, st.Connected)
	assert.Equal(t, phoneA, st.PhoneNumber)
	assert.Empty(t, st.QRCode)
	assert.True(t, st.HasExistingSession)
	assert.Equal(t, tenantA, f.phones.owner(phoneA))
	assert.Zero(t, f.clock.Pending(), "qr expiry cancelled")

	h, ok := f.mgr.Handle(tenantA)
	require.True(t, ok)
	assert.Same(t, f.fake.Last(tenantA), h)
	assert.Equal(t, phoneA, f.mgr.Phone(tenantA))
}

func TestManager_ConcurrentInitializeOpensOneHandle(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.Initialize(context.Background(), tenantA)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.fake.OpenCount(tenantA))
	assert.Equal(t, 1, f.fake.LiveCount(tenantA))
}

func TestManager_InitializeWhileConnectedReturnsStatus(t *testing.T) {
	f := newFixture(t)
	f.connect(t, tenantA, phoneA)

	st, err := f.mgr.Initialize(context.Background(), tenantA)
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.Equal(t, 1, f.fake.OpenCount(tenantA))
}

func TestManager_TenantsAreIndependent(t *testing.T) {
	f := newFixture(t)
	f.connect(t, tenantA, phoneA)

	_, err := f.mgr.Initialize(context.Background(), tenantB)
	require.NoError(t, err)
	f.fake.Last(tenantB).EmitClosed(transport.CloseReplaced)
	f.waitState(t, tenantB, model.StateTerminated)

	assert.True(t, f.mgr.GetStatus(context.Background(), tenantA).Connected)
}

func TestManager_UnexpectedCloseReconnectsWithCredentials(t *testing.T) {
	f := newFixture(t)
	f.connect(t, tenantA, phoneA)
	first := f.fake.Last(tenantA)

	first.EmitClosed(transport.CloseUnexpected)
	s := f.waitState(t, tenantA, model.StateDisconnected)
	assert.Equal(t, 1, s.Attempts)
	assert.True(t, first.Closed())

	f.clock.Advance(5 * time.Second)

	f.waitState(t, tenantA, model.StateConnected)
	second := f.fake.Last(tenantA)
	assert.NotSame(t, first, second)
	assert.False(t, second.Creds.Empty(), "reconnect reuses stored credentials")
	assert.Equal(t, 1, f.fake.LiveCount(tenantA))

	s, _ = f.mgr.Registry().Snapshot(tenantA)
	assert.Zero(t, s.Attempts)
}

func TestManager_ReconnectBudgetIsBounded(t *testing.T) {
	f := newFixture(t)
	f.connect(t, tenantA, phoneA)

	errs := make([]error, 10)
	for i := range errs {
		errs[i] = errors.New("dial tcp: connection refused")
	}
	f.fake.FailNextOpen(errs...)

	f.fake.Last(tenantA).EmitClosed(transport.CloseUnexpected)
	f.waitState(t, tenantA, model.StateDisconnected)

	for i := 0; i < 20; i++ {
		f.clock.Advance(5 * time.Second)
	}

	s, _ := f.mgr.Registry().Snapshot(tenantA)
	assert.Equal(t, model.StateDisconnected, s.State)
	assert.Equal(t, 10, s.Attempts)
	assert.Zero(t, f.clock.Pending())
	assert.Equal(t, 1, f.fake.OpenCount(tenantA))
	assert.Equal(t, []string{model.ErrorCodeReconnectExhausted}, f.events.errorCodes(tenantA))
}

func TestManager_IntentionalCloseDoesNotReconnect(t *testing.T) {
	f := newFixture(t)
	f.connect(t, tenantA, phoneA)

	f.fake.Last(tenantA).EmitClosed(transport.CloseReplaced)
	f.waitState(t, tenantA, model.StateTerminated)

	f.clock.Advance(time.Minute)
	assert.Equal(t, 1, f.fake.OpenCount(tenantA))
	assert.Zero(t, f.clock.Pending())
}

func TestManager_LoggedOutErasesSession(t *testing.T) {
	f := newFixture(t)
	f.connect(t, tenantA, phoneA)

	f.fake.Last(tenantA).EmitClosed(transport.CloseLoggedOut)
	f.waitState(t, tenantA, model.StateTerminated)

	ok, err := f.sessions.Exists(context.Background(), tenantA)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, f.phones.owner(phoneA))
	assert.Equal(t, []string{model.ErrorCodeLoggedOut}, f.events.errorCodes(tenantA))
}

func TestManager_PhoneConflictTerminates(t *testing.T) {
	f := newFixture(t)
	f.connect(t, tenantA, phoneA)

	_, err := f.mgr.Initialize(context.Background(), tenantB)
	require.NoError(t, err)
	h := f.fake.Last(tenantB)
	h.EmitConnected(phoneA)

	s := f.waitState(t, tenantB, model.StateTerminated)
	assert.ErrorIs(t, s.Err, model.ErrPhoneNumberConflict)
	assert.True(t, h.LoggedOut())
	assert.True(t, h.Closed())
	assert.Equal(t, tenantA, f.phones.owner(phoneA))

	ok, err := f.sessions.Exists(context.Background(), tenantB)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{model.ErrorCodePhoneConflict}, f.events.errorCodes(tenantB))
	assert.True(t, f.mgr.GetStatus(context.Background(), tenantA).Connected)
}

func TestManager_InitializeReportsConflict(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.phones.ClaimPhone(context.Background(), tenantA, phoneA))
	f.fake.OnOpen = func(h *transporttest.Handle) { h.EmitConnected(phoneA) }

	st, err := f.mgr.Initialize(context.Background(), tenantB)
	require.Error(t, err)

	var conflict *model.PhoneConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, tenantA, conflict.OwnerID)
	assert.Equal(t, model.StateTerminated, st.State)
}

func TestManager_DisconnectKeepsCredentials(t *testing.T) {
	f := newFixture(t)
	f.connect(t, tenantA, phoneA)
	first := f.fake.Last(tenantA)

	require.NoError(t, f.mgr.Disconnect(context.Background(), tenantA))

	st := f.mgr.GetStatus(context.Background(), tenantA)
	assert.Equal(t, model.StateIdle, st.State)
	assert.True(t, st.HasExistingSession)
	assert.True(t, first.Closed())
	assert.False(t, first.LoggedOut())
	_, ok := f.mgr.Handle(tenantA)
	assert.False(t, ok)

	st, err := f.mgr.Initialize(context.Background(), tenantA)
	require.NoError(t, err)
	assert.True(t, st.Connected, "stored credentials reconnect without pairing")
	assert.False(t, f.fake.Last(tenantA).Creds.Empty())
}

func TestManager_ClearSessionForgetsDevice(t *testing.T) {
	f := newFixture(t)
	f.connect(t, tenantA, phoneA)
	h := f.fake.Last(tenantA)

	require.NoError(t, f.mgr.ClearSession(context.Background(), tenantA))

	assert.True(t, h.LoggedOut())
	assert.True(t, h.Closed())
	st := f.mgr.GetStatus(context.Background(), tenantA)
	assert.Equal(t, model.StateIdle, st.State)
	assert.False(t, st.HasExistingSession)
	assert.Empty(t, f.phones.owner(phoneA))

	st, err := f.mgr.Initialize(context.Background(), tenantA)
	require.NoError(t, err)
	assert.Equal(t, model.StatePairing, st.State)
}

func TestManager_DisconnectCancelsPendingReconnect(t *testing.T) {
	f := newFixture(t)
	f.connect(t, tenantA, phoneA)
	f.fake.Last(tenantA).EmitClosed(transport.CloseUnexpected)
	f.waitState(t, tenantA, model.StateDisconnected)

	require.NoError(t, f.mgr.Disconnect(context.Background(), tenantA))
	f.clock.Advance(time.Minute)

	assert.Equal(t, 1, f.fake.OpenCount(tenantA))
	assert.Equal(t, model.StateIdle, f.mgr.GetStatus(context.Background(), tenantA).State)
}

func TestManager_StaleHandleEventsIgnored(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Initialize(context.Background(), tenantA)
	require.NoError(t, err)
	stale := f.fake.Last(tenantA)

	f.clock.Advance(60 * time.Second)
	require.Eventually(t, func() bool { return f.fake.OpenCount(tenantA) == 2 }, time.Second, 5*time.Millisecond)

	stale.EmitConnected(phoneA)
	time.Sleep(20 * time.Millisecond)

	s, _ := f.mgr.Registry().Snapshot(tenantA)
	assert.NotEqual(t, model.StateConnected, s.State)
	assert.Empty(t, f.phones.owner(phoneA))
}

func TestManager_LoadFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	f.mgr.sessions = failingLoad{Memory: f.sessions, err: errors.New("database is locked")}

	_, err := f.mgr.Initialize(context.Background(), tenantA)
	require.Error(t, err)

	s, _ := f.mgr.Registry().Snapshot(tenantA)
	assert.Equal(t, model.StateDisconnected, s.State)
	assert.Equal(t, 1, s.Attempts)
	assert.Equal(t, 1, f.clock.Pending())
	assert.Zero(t, f.fake.OpenCount(tenantA))
}

func TestManager_MessagesReachHandler(t *testing.T) {
	f := newFixture(t)
	got := make(chan transport.MessageEvent, 1)
	f.mgr.SetMessageHandler(func(_ context.Context, tenantID string, ev transport.MessageEvent) {
		assert.Equal(t, tenantA, tenantID)
		got <- ev
	})
	f.connect(t, tenantA, phoneA)

	f.fake.Last(tenantA).Emit(transport.MessageEvent{
		ID:      "ABC",
		From:    "5215599999999",
		Server:  transport.UserServer,
		Payload: &transport.Payload{Kind: transport.KindText, Text: "hola"},
	})

	select {
	case ev := <-got:
		assert.Equal(t, "ABC", ev.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestManager_HandlerPanicDoesNotKillReader(t *testing.T) {
	f := newFixture(t)
	calls := make(chan string, 2)
	f.mgr.SetMessageHandler(func(_ context.Context, _ string, ev transport.MessageEvent) {
		calls <- ev.ID
		if ev.ID == "boom" {
			panic("handler bug")
		}
	})
	f.connect(t, tenantA, phoneA)

	h := f.fake.Last(tenantA)
	h.Emit(transport.MessageEvent{ID: "boom"})
	h.Emit(transport.MessageEvent{ID: "next"})

	for _, want := range []string{"boom", "next"} {
		select {
		case id := <-calls:
			assert.Equal(t, want, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("message %s not delivered", want)
		}
	}
}

func TestManager_RestoreInitializesStoredTenants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.sessions.Save(ctx, tenantA, transport.Credentials{DeviceJID: phoneA + ":3@s.whatsapp.net"}))

	require.NoError(t, f.mgr.Restore(ctx, inline{}))

	f.waitState(t, tenantA, model.StateConnected)
	assert.Equal(t, phoneA, f.mgr.Phone(tenantA))
}

func TestManager_StatusEventsPublished(t *testing.T) {
	f := newFixture(t)
	f.connect(t, tenantA, phoneA)

	var states []model.SessionState
	for _, st := range f.events.statuses(tenantA) {
		states = append(states, st.State)
	}
	assert.Equal(t, []model.SessionState{model.StateInitializing, model.StatePairing, model.StateConnected}, states)
}

type inline struct{}

func (inline) Submit(task func()) error {
	task()
	return nil
}
