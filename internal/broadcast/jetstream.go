package broadcast

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-gateway/internal/model"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/logger"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/metrics"
)

// EventSink persists one event, e.g. nats.StreamManager.
type EventSink interface {
	PublishEvent(ctx context.Context, ev model.Event) (uint64, error)
}

// JetStream queues events and writes them to a sink from a single
// goroutine, so per-tenant order is kept. Events are dropped when the
// queue is full.
type JetStream struct {
	sink    EventSink
	queue   chan model.Event
	timeout time.Duration
	log     *logger.Logger
}

// NewJetStream creates a publisher with a queue of size buffer.
func NewJetStream(sink EventSink, buffer int, log *logger.Logger) *JetStream {
	return &JetStream{
		sink:    sink,
		queue:   make(chan model.Event, buffer),
		timeout: 5 * time.Second,
		log:     log,
	}
}

func (j *JetStream) Publish(ev model.Event) {
	select {
	case j.queue <- ev:
	default:
		metrics.EventsPublished.WithLabelValues("nats_dropped", string(ev.Kind)).Inc()
		j.log.Warn("event queue full, dropping event",
			zap.String("tenant_id", ev.TenantID),
			zap.String("kind", string(ev.Kind)),
		)
	}
}

// Run drains the queue until ctx is done.
func (j *JetStream) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-j.queue:
			j.write(ctx, ev)
		}
	}
}

func (j *JetStream) write(ctx context.Context, ev model.Event) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	if _, err := j.sink.PublishEvent(ctx, ev); err != nil {
		j.log.Warn("publish event failed",
			zap.String("tenant_id", ev.TenantID),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err),
		)
		return
	}
	metrics.EventsPublished.WithLabelValues("nats", string(ev.Kind)).Inc()
}
