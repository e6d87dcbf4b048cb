package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/whatsapp-gateway/internal/model"
)

const (
	// StreamName is the name of the gateway event stream.
	StreamName = "WHATSAPP"

	// SubjectPrefix is the prefix for all gateway subjects.
	SubjectPrefix = "wa"
)

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the event stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "WhatsApp session status, errors and new messages per company",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// EventSubject returns the subject for a tenant event, wa.<tenant>.<kind>.
func EventSubject(tenantID string, kind model.EventKind) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, tenantID, kind)
}

// TenantFilter matches every event of a tenant.
func TenantFilter(tenantID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, tenantID)
}

// PublishEvent publishes an event to JetStream.
func (m *StreamManager) PublishEvent(ctx context.Context, event model.Event) (uint64, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, EventSubject(event.TenantID, event.Kind), data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}

	return ack.Sequence, nil
}

// StoredEvent is an event read back with its stream sequence.
type StoredEvent struct {
	Sequence uint64 `json:"sequence"`
	model.Event
}

// Events reads a tenant's events after a stream sequence, for clients
// catching up after a dropped websocket.
func (m *StreamManager) Events(ctx context.Context, tenantID string, afterSequence uint64, limit int) ([]StoredEvent, uint64, bool, error) {
	js := m.client.JetStream()

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: TenantFilter(tenantID),
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	if afterSequence > 0 {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = afterSequence + 1
	}

	consumer, err := js.CreateConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to fetch events: %w", err)
	}

	events := make([]StoredEvent, 0, limit)
	lastSequence := afterSequence
	for msg := range batch.Messages() {
		var ev model.Event
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			continue
		}
		stored := StoredEvent{Event: ev}
		if meta, err := msg.Metadata(); err == nil {
			stored.Sequence = meta.Sequence.Stream
			lastSequence = meta.Sequence.Stream
		}
		events = append(events, stored)
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
		return nil, 0, false, fmt.Errorf("batch error: %w", err)
	}

	return events, lastSequence, len(events) == limit, nil
}
