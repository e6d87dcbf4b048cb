package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/capitalize-ai/whatsapp-gateway/internal/model"
)

// Memory is an in-process MessageStore and CompanyStore.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*memConversation
	byCounterpart map[string]string
	companies     map[string]model.Company
	locks         *keyedMutex
	now           func() time.Time
}

type memConversation struct {
	conv model.Conversation
	msgs []model.Message
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*memConversation),
		byCounterpart: make(map[string]string),
		companies:     make(map[string]model.Company),
		locks:         newKeyedMutex(),
		now:           time.Now,
	}
}

func counterpartKey(companyID, phone string) string {
	return companyID + "\x00" + phone
}

func (m *Memory) UpsertConversation(_ context.Context, companyID string, cp model.Counterpart) (model.Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byCounterpart[counterpartKey(companyID, cp.Phone)]; ok {
		c := m.conversations[id]
		if cp.Name != "" {
			c.conv.SenderName = cp.Name
		}
		if cp.Image != nil {
			c.conv.SenderImage = cp.Image
		}
		if cp.CompanyPhone != "" {
			c.conv.CompanyPhone = cp.CompanyPhone
		}
		return c.conv, false, nil
	}

	now := m.now().UTC()
	conv := model.Conversation{
		ID:           NewID(),
		CompanyID:    companyID,
		SenderPhone:  cp.Phone,
		SenderName:   cp.Name,
		SenderImage:  cp.Image,
		CompanyPhone: cp.CompanyPhone,
		LastUpdated:  now,
		Status:       model.ConversationActive,
		CreatedAt:    now,
	}
	if conv.SenderName == "" {
		conv.SenderName = cp.Phone
	}
	m.conversations[conv.ID] = &memConversation{conv: conv}
	m.byCounterpart[counterpartKey(companyID, cp.Phone)] = conv.ID
	return conv, true, nil
}

func (m *Memory) AppendIfNew(_ context.Context, conversationID string, msg model.Message) (bool, error) {
	unlock := m.locks.Lock(conversationID)
	defer unlock()

	msg = normalizeMessage(msg)
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return false, model.ErrNotFound
	}
	for _, existing := range c.msgs {
		if existing.SameAs(msg) {
			return false, nil
		}
	}
	c.msgs = append(c.msgs, msg)
	c.conv.LastUpdated = m.now().UTC()
	if msg.Direction == model.DirectionIn {
		c.conv.UnreadCount++
	}
	return true, nil
}

func (m *Memory) SetAIEnabled(_ context.Context, conversationID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return model.ErrNotFound
	}
	c.conv.AIEnabled = enabled
	return nil
}

func (m *Memory) ToggleAI(_ context.Context, conversationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return false, model.ErrNotFound
	}
	c.conv.AIEnabled = !c.conv.AIEnabled
	return c.conv.AIEnabled, nil
}

func (m *Memory) MarkRead(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return model.ErrNotFound
	}
	now := m.now().UTC()
	c.conv.UnreadCount = 0
	c.conv.LastRead = &now
	for i := range c.msgs {
		if c.msgs[i].Direction == model.DirectionIn {
			c.msgs[i].Read = true
		}
	}
	return nil
}

func (m *Memory) ListConversations(_ context.Context, companyID string) ([]model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.Conversation{}
	for _, c := range m.conversations {
		if c.conv.CompanyID == companyID && c.conv.Status == model.ConversationActive {
			out = append(out, c.snapshot())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastUpdated.After(out[j].LastUpdated)
	})
	return out, nil
}

func (m *Memory) GetConversation(_ context.Context, conversationID string) (model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return model.Conversation{}, model.ErrNotFound
	}
	return c.snapshot(), nil
}

func (m *Memory) FindByCounterpart(_ context.Context, companyID, phone string) (model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byCounterpart[counterpartKey(companyID, phone)]
	if !ok {
		return model.Conversation{}, model.ErrNotFound
	}
	conv := m.conversations[id].conv
	conv.Messages = []model.Message{}
	return conv, nil
}

func (m *Memory) HasMessage(_ context.Context, conversationID, messageID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return false, nil
	}
	for _, msg := range c.msgs {
		if msg.MessageID == messageID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) RecentMessages(_ context.Context, conversationID string, n int) ([]model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return []model.Message{}, nil
	}
	start := len(c.msgs) - n
	if start < 0 {
		start = 0
	}
	return append([]model.Message{}, c.msgs[start:]...), nil
}

func (m *Memory) UpdateContactInfo(_ context.Context, conversationID string, info model.ContactInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return model.ErrNotFound
	}
	c.conv.ContactInfo = &info
	return nil
}

func (m *Memory) ClearAll(_ context.Context, companyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.conversations {
		if companyID == "" || c.conv.CompanyID == companyID {
			delete(m.conversations, id)
			delete(m.byCounterpart, counterpartKey(c.conv.CompanyID, c.conv.SenderPhone))
		}
	}
	return nil
}

func (c *memConversation) snapshot() model.Conversation {
	conv := c.conv
	conv.Messages = append([]model.Message{}, c.msgs...)
	return conv
}

func (m *Memory) CreateCompany(_ context.Context, c model.Company) (model.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = NewID()
	}
	if _, ok := m.companies[c.ID]; ok {
		return model.Company{}, model.Validationf("company %s already exists", c.ID)
	}
	now := m.now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	m.companies[c.ID] = c
	return c, nil
}

func (m *Memory) GetCompany(_ context.Context, id string) (model.Company, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.companies[id]
	if !ok {
		return model.Company{}, model.ErrNotFound
	}
	return c, nil
}

func (m *Memory) ListCompanies(context.Context) ([]model.Company, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Company, 0, len(m.companies))
	for _, c := range m.companies {
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) ClaimPhone(_ context.Context, companyID, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.companies {
		if id != companyID && c.PhoneNumber != nil && *c.PhoneNumber == phone {
			return &model.PhoneConflictError{Phone: phone, OwnerID: id}
		}
	}
	c, ok := m.companies[companyID]
	if !ok {
		return fmt.Errorf("company %s: %w", companyID, model.ErrNotFound)
	}
	p := phone
	c.PhoneNumber = &p
	c.UpdatedAt = m.now().UTC()
	m.companies[companyID] = c
	return nil
}

func (m *Memory) ReleasePhone(_ context.Context, companyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.companies[companyID]
	if !ok {
		return nil
	}
	c.PhoneNumber = nil
	c.UpdatedAt = m.now().UTC()
	m.companies[companyID] = c
	return nil
}
