// Package service holds the message flows between the WhatsApp sessions,
// the conversation store and the AI responder.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/capitalize-ai/whatsapp-gateway/internal/model"
	"github.com/capitalize-ai/whatsapp-gateway/internal/store"
	"github.com/capitalize-ai/whatsapp-gateway/internal/transport"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/logger"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/metrics"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/tracing"
)

// MaxMessageLength bounds outbound text.
const MaxMessageLength = 4096

// Sessions looks up live tenant sessions.
type Sessions interface {
	Handle(tenantID string) (transport.Handle, bool)
	Phone(tenantID string) string
}

// Publisher receives new_message events.
type Publisher interface {
	Publish(ev model.Event)
}

// SendRequest is one outbound message.
type SendRequest struct {
	TenantID  string
	To        string
	Text      string
	IsAI      bool
	MessageID string
}

// SendResult tells where the message was stored.
type SendResult struct {
	ConversationID string
	MessageID      string
	// Duplicate is set when MessageID was already stored and nothing was sent.
	Duplicate bool
}

// Dispatcher sends messages through a tenant's session and records them.
type Dispatcher struct {
	sessions  Sessions
	messages  store.MessageStore
	publisher Publisher
	logger    *logger.Logger
	tracer    trace.Tracer
	now       func() time.Time

	inflight singleflight.Group
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(sessions Sessions, messages store.MessageStore, publisher Publisher, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		sessions:  sessions,
		messages:  messages,
		publisher: publisher,
		logger:    log,
		tracer:    tracing.Tracer("service"),
		now:       time.Now,
	}
}

// Send delivers req.Text to req.To. A MessageID already stored for that
// counterpart is not sent again.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.Send", trace.WithAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.Bool("is_ai", req.IsAI),
	))
	defer span.End()

	to, err := validateSend(req)
	if err != nil {
		return SendResult{}, err
	}
	req.To = to

	h, ok := d.sessions.Handle(req.TenantID)
	if !ok {
		return SendResult{}, model.ErrNotConnected
	}

	if req.MessageID == "" {
		return d.send(ctx, h, req)
	}

	v, err, _ := d.inflight.Do(req.TenantID+"/"+req.MessageID, func() (any, error) {
		conv, err := d.messages.FindByCounterpart(ctx, req.TenantID, req.To)
		switch {
		case err == nil:
			seen, err := d.messages.HasMessage(ctx, conv.ID, req.MessageID)
			if err != nil {
				return SendResult{}, fmt.Errorf("check message: %w", err)
			}
			if seen {
				metrics.RecordMessage(string(model.DirectionOut), "duplicate")
				return SendResult{ConversationID: conv.ID, MessageID: req.MessageID, Duplicate: true}, nil
			}
		case !errors.Is(err, model.ErrNotFound):
			return SendResult{}, fmt.Errorf("find conversation: %w", err)
		}
		return d.send(ctx, h, req)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SendResult{}, err
	}
	return v.(SendResult), nil
}

func (d *Dispatcher) send(ctx context.Context, h transport.Handle, req SendRequest) (SendResult, error) {
	log := d.logger.WithTenant(req.TenantID)

	networkID, err := h.Send(ctx, req.To, req.Text, req.MessageID)
	if err != nil {
		metrics.RecordMessage(string(model.DirectionOut), "send_failed")
		return SendResult{}, fmt.Errorf("send message: %w", err)
	}

	id := req.MessageID
	if id == "" {
		id = networkID
	}

	conv, _, err := d.messages.UpsertConversation(ctx, req.TenantID, model.Counterpart{
		Phone:        req.To,
		CompanyPhone: d.sessions.Phone(req.TenantID),
	})
	if err != nil {
		metrics.RecordMessage(string(model.DirectionOut), "store_failed")
		return SendResult{}, fmt.Errorf("upsert conversation: %w", err)
	}

	msg := model.Message{
		MessageID: id,
		Content:   req.Text,
		Direction: model.DirectionOut,
		Timestamp: d.now(),
		IsAI:      req.IsAI,
		Read:      true,
	}
	added, err := d.messages.AppendIfNew(ctx, conv.ID, msg)
	if err != nil {
		metrics.RecordMessage(string(model.DirectionOut), "store_failed")
		return SendResult{}, fmt.Errorf("append message: %w", err)
	}
	if !added {
		// The transport echoed our own send back first.
		log.Debug("outbound message already recorded", zap.String("message_id", id))
		return SendResult{ConversationID: conv.ID, MessageID: id}, nil
	}

	d.publisher.Publish(model.Event{
		TenantID: req.TenantID,
		Kind:     model.EventNewMessage,
		Data: model.NewMessageData{
			ConversationID: conv.ID,
			SenderPhone:    req.To,
			Message:        msg,
		},
		Timestamp: d.now(),
	})
	metrics.RecordMessage(string(model.DirectionOut), "stored")
	log.Info("message sent",
		zap.String("conversation_id", conv.ID),
		zap.String("message_id", id),
		zap.Bool("is_ai", req.IsAI),
	)
	return SendResult{ConversationID: conv.ID, MessageID: id}, nil
}

func validateSend(req SendRequest) (string, error) {
	if req.TenantID == "" {
		return "", model.Validationf("company id is required")
	}
	to := transport.NormalizePhone(req.To)
	if len(to) == 0 || len(to) > 15 {
		return "", model.Validationf("invalid phone number %q", req.To)
	}
	if strings.TrimSpace(req.Text) == "" {
		return "", model.Validationf("message is required")
	}
	if len(req.Text) > MaxMessageLength {
		return "", model.Validationf("message exceeds %d bytes", MaxMessageLength)
	}
	return to, nil
}
