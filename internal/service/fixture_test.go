package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/whatsapp-gateway/internal/llm"
	"github.com/capitalize-ai/whatsapp-gateway/internal/model"
	"github.com/capitalize-ai/whatsapp-gateway/internal/store"
	"github.com/capitalize-ai/whatsapp-gateway/internal/transport"
	"github.com/capitalize-ai/whatsapp-gateway/internal/transport/transporttest"
)

const (
	tenantID     = "company-a"
	companyPhone = "5215500000000"
	customer     = "5215512345678"
)

type sessions struct {
	mu      sync.Mutex
	handles map[string]transport.Handle
	phones  map[string]string
}

func newSessions() *sessions {
	return &sessions{handles: map[string]transport.Handle{}, phones: map[string]string{}}
}

func (s *sessions) connect(tenant, phone string, h transport.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[tenant] = h
	s.phones[tenant] = phone
}

func (s *sessions) Handle(tenant string) (transport.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[tenant]
	return h, ok
}

func (s *sessions) Phone(tenant string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phones[tenant]
}

type events struct {
	mu   sync.Mutex
	list []model.Event
}

func (e *events) Publish(ev model.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, ev)
}

func (e *events) newMessages() []model.NewMessageData {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []model.NewMessageData
	for _, ev := range e.list {
		if ev.Kind == model.EventNewMessage {
			out = append(out, ev.Data.(model.NewMessageData))
		}
	}
	return out
}

type aiQueue struct {
	mu    sync.Mutex
	calls []string
}

func (q *aiQueue) Schedule(tenant, conversationID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, tenant+"/"+conversationID)
}

func (q *aiQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.calls)
}

type mockLLM struct {
	mock.Mock
}

func (m *mockLLM) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*llm.CompletionResponse)
	return resp, args.Error(1)
}

func (m *mockLLM) Name() string { return "mock" }

type inlinePool struct{}

func (inlinePool) Submit(task func()) error {
	task()
	return nil
}

// connectedHandle opens a fake handle already paired as companyPhone.
func connectedHandle(t *testing.T, s *sessions) *transporttest.Handle {
	t.Helper()
	h, err := transporttest.New().Open(context.Background(), tenantID,
		transport.Credentials{DeviceJID: companyPhone + ":1@" + transport.UserServer})
	require.NoError(t, err)
	s.connect(tenantID, companyPhone, h)
	return h.(*transporttest.Handle)
}

func textFrom(id, from, text string) transport.MessageEvent {
	return transport.MessageEvent{
		ID:       id,
		From:     from,
		Server:   transport.UserServer,
		PushName: "Cliente",
		Payload:  &transport.Payload{Kind: transport.KindText, Text: text},
		Ref:      transport.MessageRef{ID: id, Chat: from + "@" + transport.UserServer},
	}
}

var _ store.MessageStore = (*store.Memory)(nil)
