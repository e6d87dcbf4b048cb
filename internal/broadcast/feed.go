package broadcast

import (
	"sync"

	"github.com/capitalize-ai/whatsapp-gateway/internal/model"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/metrics"
)

// Feed hands events to in-process subscribers of a tenant, such as event
// streams. A subscriber whose buffer is full misses the event.
type Feed struct {
	mu   sync.RWMutex
	subs map[string]map[*subscription]struct{}
	size int
}

type subscription struct {
	ch chan model.Event
}

// NewFeed creates a feed whose subscribers buffer up to size events.
func NewFeed(size int) *Feed {
	if size <= 0 {
		size = 64
	}
	return &Feed{subs: make(map[string]map[*subscription]struct{}), size: size}
}

// Subscribe returns a channel of tenantID's events and a function that
// ends the subscription. The channel is never closed.
func (f *Feed) Subscribe(tenantID string) (<-chan model.Event, func()) {
	s := &subscription{ch: make(chan model.Event, f.size)}

	f.mu.Lock()
	if f.subs[tenantID] == nil {
		f.subs[tenantID] = make(map[*subscription]struct{})
	}
	f.subs[tenantID][s] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.subs[tenantID], s)
			if len(f.subs[tenantID]) == 0 {
				delete(f.subs, tenantID)
			}
		})
	}
}

func (f *Feed) Publish(ev model.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	delivered := 0
	for s := range f.subs[ev.TenantID] {
		select {
		case s.ch <- ev:
			delivered++
		default:
		}
	}
	if delivered > 0 {
		metrics.EventsPublished.WithLabelValues("feed", string(ev.Kind)).Add(float64(delivered))
	}
}

// Subscribers returns the number of subscriptions for tenantID.
func (f *Feed) Subscribers(tenantID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[tenantID])
}
