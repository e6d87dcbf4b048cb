package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-gateway/internal/model"
	"github.com/capitalize-ai/whatsapp-gateway/internal/sessionstore"
	"github.com/capitalize-ai/whatsapp-gateway/internal/transport"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/logger"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/metrics"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/tracing"
)

// PhoneRegistry records which company owns which WhatsApp number.
type PhoneRegistry interface {
	// ClaimPhone links phone to companyID. It fails with a
	// *model.PhoneConflictError when another company holds it.
	ClaimPhone(ctx context.Context, companyID, phone string) error
	ReleasePhone(ctx context.Context, companyID string) error
}

// Renderer turns a pairing token into a displayable image.
type Renderer interface {
	Encode(token string) (string, error)
}

// Publisher receives status and error events.
type Publisher interface {
	Publish(ev model.Event)
}

// Submitter runs work on a bounded pool.
type Submitter interface {
	Submit(task func()) error
}

// MessageHandler consumes inbound messages from a tenant's transport.
type MessageHandler func(ctx context.Context, tenantID string, ev transport.MessageEvent)

// Deps wires a Manager.
type Deps struct {
	Registry  *Registry
	Sessions  sessionstore.Store
	Transport transport.Transport
	Phones    PhoneRegistry
	Renderer  Renderer
	Publisher Publisher
	Scheduler Scheduler
	Policy    Policy
	Logger    *logger.Logger
}

// Manager drives every tenant's lifecycle through Step. Work for one
// tenant is serialized; tenants proceed independently.
type Manager struct {
	registry  *Registry
	sessions  sessionstore.Store
	transport transport.Transport
	phones    PhoneRegistry
	renderer  Renderer
	publisher Publisher
	scheduler Scheduler
	policy    Policy
	log       *logger.Logger
	tracer    trace.Tracer

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	handlerMu sync.RWMutex
	onMessage MessageHandler
}

type nopPublisher struct{}

func (nopPublisher) Publish(model.Event) {}

// NewManager creates a Manager. Registry, Scheduler, Publisher and Logger
// default when unset.
func NewManager(d Deps) *Manager {
	if d.Registry == nil {
		d.Registry = NewRegistry()
	}
	if d.Scheduler == nil {
		d.Scheduler = SystemScheduler{}
	}
	if d.Publisher == nil {
		d.Publisher = nopPublisher{}
	}
	if d.Logger == nil {
		d.Logger = logger.NewNop()
	}
	if d.Renderer == nil {
		d.Renderer = transport.QRRenderer{}
	}
	return &Manager{
		registry:  d.Registry,
		sessions:  d.Sessions,
		transport: d.Transport,
		phones:    d.Phones,
		renderer:  d.Renderer,
		publisher: d.Publisher,
		scheduler: d.Scheduler,
		policy:    d.Policy,
		log:       d.Logger,
		tracer:    tracing.Tracer("session"),
		locks:     make(map[string]*sync.Mutex),
	}
}

// Registry exposes the read side of the tenant records.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// SetMessageHandler installs the consumer for inbound messages.
func (m *Manager) SetMessageHandler(h MessageHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.onMessage = h
}

// Initialize starts a session for tenantID, or returns the current status
// when one is already starting or live. It waits up to Policy.InitWait for
// a pairing code or connection before answering.
func (m *Manager) Initialize(ctx context.Context, tenantID string) (model.ConnectionStatus, error) {
	ctx, span := m.tracer.Start(ctx, "session.Initialize",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	if err := m.dispatch(ctx, tenantID, InitializeRequested{}, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return m.GetStatus(ctx, tenantID), fmt.Errorf("open session: %w", err)
	}
	m.awaitSettled(ctx, tenantID)

	status := m.GetStatus(ctx, tenantID)
	snap, _ := m.registry.Snapshot(tenantID)
	if snap.State == model.StateTerminated && errors.Is(snap.Err, model.ErrPhoneNumberConflict) {
		span.SetStatus(codes.Error, snap.Err.Error())
		return status, snap.Err
	}
	return status, nil
}

// GetStatus reports the tenant's session. It never fails; when the
// credential store cannot be read it reports a disconnected session.
func (m *Manager) GetStatus(ctx context.Context, tenantID string) (status model.ConnectionStatus) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("status lookup panicked",
				zap.String("tenant_id", tenantID),
				zap.Any("panic", r),
			)
			status = model.ConnectionStatus{CompanyID: tenantID, State: model.StateDisconnected}
		}
	}()

	snap, _ := m.registry.Snapshot(tenantID)
	has, err := m.sessions.Exists(ctx, tenantID)
	if err != nil {
		m.log.Warn("session existence check failed",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return model.ConnectionStatus{CompanyID: tenantID, State: model.StateDisconnected}
	}
	return statusOf(tenantID, snap, has)
}

func statusOf(tenantID string, snap Snapshot, hasSession bool) model.ConnectionStatus {
	st := model.ConnectionStatus{
		CompanyID:          tenantID,
		State:              snap.State,
		Connected:          snap.State == model.StateConnected,
		QRCode:             snap.QRCode,
		HasExistingSession: hasSession,
		ReconnectAttempts:  snap.Attempts,
	}
	if st.Connected {
		st.PhoneNumber = snap.Phone
	}
	if snap.Err != nil {
		st.LastError = snap.Err.Error()
	}
	return st
}

// Disconnect closes the tenant's session but keeps its credentials, so a
// later Initialize reconnects without pairing.
func (m *Manager) Disconnect(ctx context.Context, tenantID string) error {
	ctx, span := m.tracer.Start(ctx, "session.Disconnect",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	if err := m.dispatch(ctx, tenantID, DisconnectRequested{}, nil); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// ClearSession logs the tenant out and erases its credentials.
func (m *Manager) ClearSession(ctx context.Context, tenantID string) error {
	ctx, span := m.tracer.Start(ctx, "session.ClearSession",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	if err := m.dispatch(ctx, tenantID, ClearRequested{}, nil); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Handle returns the tenant's live handle.
func (m *Manager) Handle(tenantID string) (transport.Handle, bool) {
	return m.registry.Handle(tenantID)
}

// Phone returns the number the tenant is connected as, or "".
func (m *Manager) Phone(tenantID string) string {
	snap, _ := m.registry.Snapshot(tenantID)
	if snap.State != model.StateConnected {
		return ""
	}
	return snap.Phone
}

// Restore initializes every tenant with stored credentials on pool.
func (m *Manager) Restore(ctx context.Context, pool Submitter) error {
	tenants, err := m.sessions.Tenants(ctx)
	if err != nil {
		return fmt.Errorf("list stored sessions: %w", err)
	}
	m.log.Info("restoring sessions", zap.Int("count", len(tenants)))
	for _, id := range tenants {
		id := id
		if err := pool.Submit(func() {
			if _, err := m.Initialize(ctx, id); err != nil {
				m.log.Warn("restore failed", zap.String("tenant_id", id), zap.Error(err))
			}
		}); err != nil {
			m.log.Warn("restore not scheduled", zap.String("tenant_id", id), zap.Error(err))
		}
	}
	return nil
}

// Close tears down every handle and timer without touching credentials
// or phone ownership.
func (m *Manager) Close() {
	for _, id := range m.registry.Tenants() {
		lock := m.lockFor(id)
		lock.Lock()
		rec := m.registry.getOrCreate(id)
		m.registry.cancelTimers(rec)
		if h := m.registry.detach(rec); h != nil {
			h.Close()
		}
		lock.Unlock()
	}
}

func (m *Manager) lockFor(tenantID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[tenantID] = l
	}
	return l
}

// dispatch runs ev and the events its effects produce through Step under
// the tenant lock. A non-nil gen drops the event unless it still matches
// the record's generation. The first effect error is returned.
func (m *Manager) dispatch(ctx context.Context, tenantID string, ev Event, gen *uint64) error {
	lock := m.lockFor(tenantID)
	lock.Lock()
	defer lock.Unlock()

	rec := m.registry.getOrCreate(tenantID)
	if gen != nil && *gen != m.registry.generation(rec) {
		m.log.Debug("dropping stale event",
			zap.String("tenant_id", tenantID),
			zap.String("event", ev.eventName()),
		)
		return nil
	}

	var first error
	queue := []Event{ev}
	for len(queue) > 0 {
		ev := queue[0]
		queue = queue[1:]

		prev, _ := m.registry.watch(rec)
		next, effects := Step(prev, ev, m.policy)
		m.registry.setSnapshot(rec, next)
		if prev.State != next.State {
			metrics.RecordTransition(string(prev.State), string(next.State))
			m.log.Info("session state changed",
				zap.String("tenant_id", tenantID),
				zap.String("event", ev.eventName()),
				zap.String("from", string(prev.State)),
				zap.String("to", string(next.State)),
			)
		}

		for _, eff := range effects {
			follow, err := m.perform(ctx, rec, eff)
			if err != nil && first == nil {
				first = err
			}
			if follow != nil {
				queue = append(queue, follow)
			}
		}
	}
	return first
}

func (m *Manager) perform(ctx context.Context, rec *record, eff Effect) (Event, error) {
	log := m.log.With(zap.String("tenant_id", rec.tenantID))

	switch e := eff.(type) {
	case CancelTimers:
		m.registry.cancelTimers(rec)

	case CloseHandle:
		if h := m.registry.detach(rec); h != nil {
			h.Close()
		}

	case LogoutHandle:
		if h := m.registry.currentHandle(rec); h != nil {
			if err := h.Logout(ctx); err != nil {
				log.Warn("logout failed", zap.Error(err))
			}
		}

	case OpenHandle:
		if h := m.registry.detach(rec); h != nil {
			h.Close()
		}
		creds, err := m.sessions.Load(ctx, rec.tenantID)
		if err != nil && !errors.Is(err, sessionstore.ErrNoSession) {
			log.Error("load credentials failed", zap.Error(err))
			return OpenFailed{Err: err}, err
		}
		h, err := m.transport.Open(ctx, rec.tenantID, creds)
		if err != nil {
			log.Error("open transport failed", zap.Error(err))
			return OpenFailed{Err: err}, err
		}
		gen := m.registry.install(rec, h)
		go m.read(rec.tenantID, gen, h)

	case ScheduleQRExpiry:
		m.schedule(rec, timerQRExpiry, m.policy.QRTimeout, PairingExpired{})

	case ScheduleReconnect:
		metrics.ReconnectAttempts.Inc()
		m.schedule(rec, timerReconnect, m.policy.ReconnectInterval, ReconnectDue{})

	case SaveCredentials:
		if err := m.sessions.Save(ctx, rec.tenantID, e.Creds); err != nil {
			log.Error("save credentials failed", zap.Error(err))
			return nil, err
		}

	case EraseCredentials:
		if err := m.sessions.Erase(ctx, rec.tenantID); err != nil {
			log.Error("erase credentials failed", zap.Error(err))
			return nil, err
		}

	case ClaimPhone:
		err := m.phones.ClaimPhone(ctx, rec.tenantID, e.Phone)
		switch {
		case err == nil:
			return PhoneClaimed{Phone: e.Phone}, nil
		case errors.Is(err, model.ErrPhoneNumberConflict):
			log.Warn("phone number conflict", zap.String("phone", e.Phone), zap.Error(err))
			return PhoneClaimRejected{Phone: e.Phone, Err: err}, nil
		default:
			log.Error("claim phone failed", zap.String("phone", e.Phone), zap.Error(err))
			return OpenFailed{Err: fmt.Errorf("claim phone: %w", err)}, nil
		}

	case ReleasePhone:
		if err := m.phones.ReleasePhone(ctx, rec.tenantID); err != nil {
			log.Error("release phone failed", zap.Error(err))
			return nil, err
		}

	case PublishStatus:
		snap, _ := m.registry.watch(rec)
		has, err := m.sessions.Exists(ctx, rec.tenantID)
		if err != nil {
			log.Warn("session existence check failed", zap.Error(err))
		}
		m.publisher.Publish(model.Event{
			TenantID:  rec.tenantID,
			Kind:      model.EventStatus,
			Data:      statusOf(rec.tenantID, snap, has),
			Timestamp: time.Now(),
		})

	case PublishError:
		m.publisher.Publish(model.Event{
			TenantID:  rec.tenantID,
			Kind:      model.EventError,
			Data:      model.ErrorEvent{Code: e.Code, Message: e.Message},
			Timestamp: time.Now(),
		})
	}
	return nil, nil
}

// schedule arms a timer that feeds ev back in, tagged with the current
// generation.
func (m *Manager) schedule(rec *record, kind string, d time.Duration, ev Event) {
	gen := m.registry.generation(rec)
	tenantID := rec.tenantID
	t := m.scheduler.AfterFunc(d, func() {
		if err := m.dispatch(context.Background(), tenantID, ev, &gen); err != nil {
			m.log.Warn("timer event failed",
				zap.String("tenant_id", tenantID),
				zap.String("event", ev.eventName()),
				zap.Error(err),
			)
		}
	})
	m.registry.setTimer(rec, kind, t)
}

// read pumps one handle's events until it is closed.
func (m *Manager) read(tenantID string, gen uint64, h transport.Handle) {
	ctx := context.Background()
	for {
		select {
		case <-h.Done():
			return
		case ev := <-h.Events():
			select {
			case <-h.Done():
				return
			default:
			}
			switch e := ev.(type) {
			case transport.ConnectionEvent:
				m.onConnection(ctx, tenantID, gen, h, e)
			case transport.MessageEvent:
				m.deliver(ctx, tenantID, e)
			}
		}
	}
}

func (m *Manager) onConnection(ctx context.Context, tenantID string, gen uint64, h transport.Handle, e transport.ConnectionEvent) {
	var ev Event
	switch e.State {
	case transport.ConnPairing:
		qr, err := m.renderer.Encode(e.Code)
		if err != nil {
			ev = OpenFailed{Err: fmt.Errorf("render pairing code: %w", err)}
		} else {
			ev = PairingCodeIssued{QRCode: qr}
		}
	case transport.ConnPaired:
		ev = Paired{Creds: e.Creds}
	case transport.ConnConnected:
		phone := transport.PhoneFromID(e.Phone)
		if phone == "" {
			phone = transport.PhoneFromID(h.Identity())
		}
		ev = TransportConnected{Phone: phone}
	case transport.ConnClosed:
		ev = TransportClosed{Reason: e.Reason, Err: e.Err}
	default:
		return
	}
	if err := m.dispatch(ctx, tenantID, ev, &gen); err != nil {
		m.log.Warn("connection event failed",
			zap.String("tenant_id", tenantID),
			zap.String("event", ev.eventName()),
			zap.Error(err),
		)
	}
}

func (m *Manager) deliver(ctx context.Context, tenantID string, e transport.MessageEvent) {
	m.handlerMu.RLock()
	h := m.onMessage
	m.handlerMu.RUnlock()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("message handler panicked",
				zap.String("tenant_id", tenantID),
				zap.String("message_id", e.ID),
				zap.Any("panic", r),
			)
		}
	}()
	h(ctx, tenantID, e)
}

// awaitSettled waits until the tenant leaves INITIALIZING or the init
// window closes.
func (m *Manager) awaitSettled(ctx context.Context, tenantID string) {
	if m.policy.InitWait <= 0 {
		return
	}
	rec := m.registry.getOrCreate(tenantID)
	timer := time.NewTimer(m.policy.InitWait)
	defer timer.Stop()
	for {
		snap, changed := m.registry.watch(rec)
		if snap.State != model.StateInitializing {
			return
		}
		select {
		case <-changed:
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}
}
