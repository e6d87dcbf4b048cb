// Package broadcast fans gateway events out to websocket listeners and
// the NATS event stream.
package broadcast

import (
	"github.com/capitalize-ai/whatsapp-gateway/internal/model"
)

// Publisher delivers events best-effort. Publish never blocks on a slow
// consumer.
type Publisher interface {
	Publish(ev model.Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(model.Event) {}

// Multi publishes to every publisher in order.
type Multi []Publisher

func (m Multi) Publish(ev model.Event) {
	for _, p := range m {
		p.Publish(ev)
	}
}
