package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-gateway/internal/model"
	"github.com/capitalize-ai/whatsapp-gateway/internal/profile"
	"github.com/capitalize-ai/whatsapp-gateway/internal/store"
	"github.com/capitalize-ai/whatsapp-gateway/internal/transport"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/logger"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/metrics"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/tracing"
)

// ErrIgnored is returned for messages the gateway does not record, such as
// status broadcasts, group traffic and empty payloads.
var ErrIgnored = errors.New("message ignored")

// AIScheduler queues an AI reply for a conversation.
type AIScheduler interface {
	Schedule(tenantID, conversationID string)
}

// Result is the outcome of processing one message.
type Result struct {
	ConversationID string
	Message        model.Message
	Duplicate      bool
}

// Processor records messages seen on tenant sessions.
type Processor struct {
	sessions  Sessions
	messages  store.MessageStore
	profiles  profile.Resolver
	publisher Publisher
	ai        AIScheduler
	logger    *logger.Logger
	tracer    trace.Tracer
}

// NewProcessor creates a Processor. A nil profiles resolver asks the
// network every time; a nil ai disables automatic replies.
func NewProcessor(sessions Sessions, messages store.MessageStore, profiles profile.Resolver, publisher Publisher, ai AIScheduler, log *logger.Logger) *Processor {
	if profiles == nil {
		profiles = profile.Direct{}
	}
	return &Processor{
		sessions:  sessions,
		messages:  messages,
		profiles:  profiles,
		publisher: publisher,
		ai:        ai,
		logger:    log,
		tracer:    tracing.Tracer("service"),
	}
}

// Handle adapts Process to the session manager's message callback.
func (p *Processor) Handle(ctx context.Context, tenantID string, ev transport.MessageEvent) {
	if _, err := p.Process(ctx, tenantID, ev); err != nil && !errors.Is(err, ErrIgnored) {
		p.logger.WithTenant(tenantID).Error("process message failed",
			zap.String("message_id", ev.ID),
			zap.Error(err),
		)
	}
}

// Process records ev in the counterpart's conversation, publishes it and
// queues an AI reply when the conversation has AI enabled.
func (p *Processor) Process(ctx context.Context, tenantID string, ev transport.MessageEvent) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "processor.Process", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("message_id", ev.ID),
		attribute.Bool("from_me", ev.FromMe),
	))
	defer span.End()

	direction := model.DirectionIn
	if ev.FromMe {
		direction = model.DirectionOut
	}

	if reason := p.reject(tenantID, ev); reason != "" {
		metrics.RecordMessage(string(direction), "ignored")
		return Result{}, fmt.Errorf("%w: %s", ErrIgnored, reason)
	}

	log := p.logger.WithTenant(tenantID).With(zap.String("message_id", ev.ID))
	h, _ := p.sessions.Handle(tenantID)

	content, image := p.classify(ctx, h, ev.Payload, log)
	if content == "" && image == nil && ev.Payload.Kind == transport.KindUnsupported {
		metrics.RecordMessage(string(direction), "ignored")
		return Result{}, fmt.Errorf("%w: unsupported payload", ErrIgnored)
	}

	cp := p.counterpart(ctx, tenantID, h, ev, log)
	conv, created, err := p.messages.UpsertConversation(ctx, tenantID, cp)
	if err != nil {
		return Result{}, p.fail(span, direction, fmt.Errorf("upsert conversation: %w", err))
	}
	if created {
		log.Info("conversation created", zap.String("conversation_id", conv.ID))
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := model.Message{
		MessageID: ev.ID,
		Content:   content,
		Direction: direction,
		Timestamp: ts,
		ImageURL:  image,
		Read:      ev.FromMe,
	}
	added, err := p.messages.AppendIfNew(ctx, conv.ID, msg)
	if err != nil {
		return Result{}, p.fail(span, direction, fmt.Errorf("append message: %w", err))
	}
	if !added {
		metrics.RecordMessage(string(direction), "duplicate")
		return Result{ConversationID: conv.ID, Message: msg, Duplicate: true}, nil
	}

	if !ev.FromMe && h != nil {
		if err := h.MarkRead(ctx, ev.Ref); err != nil {
			log.Warn("mark read failed", zap.Error(err))
		}
	}

	p.publisher.Publish(model.Event{
		TenantID: tenantID,
		Kind:     model.EventNewMessage,
		Data: model.NewMessageData{
			ConversationID: conv.ID,
			SenderPhone:    conv.SenderPhone,
			Message:        msg,
		},
		Timestamp: time.Now(),
	})
	metrics.RecordMessage(string(direction), "stored")

	if p.ai != nil && conv.AIEnabled && !ev.FromMe && strings.TrimSpace(content) != "" {
		p.ai.Schedule(tenantID, conv.ID)
	}

	return Result{ConversationID: conv.ID, Message: msg}, nil
}

func (p *Processor) reject(tenantID string, ev transport.MessageEvent) string {
	switch {
	case ev.Payload == nil:
		return "no payload"
	case ev.From == "":
		return "no sender"
	case ev.From == "status":
		return "status broadcast"
	case ev.Server != transport.UserServer:
		return "not a personal chat"
	case ev.From == p.sessions.Phone(tenantID):
		return "own number"
	}
	return ""
}

// classify extracts the stored text of a payload and, for images, a data
// URL of the media. A failed download keeps the caption.
func (p *Processor) classify(ctx context.Context, h transport.Handle, pl *transport.Payload, log *logger.Logger) (string, *string) {
	switch pl.Kind {
	case transport.KindText, transport.KindExtendedText:
		return pl.Text, nil
	case transport.KindImage:
		if h == nil {
			return pl.Caption, nil
		}
		data, mime, err := h.DownloadImage(ctx, pl)
		if err != nil {
			log.Warn("image download failed", zap.Error(err))
			return pl.Caption, nil
		}
		if mime == "" {
			mime = "image/jpeg"
		}
		url := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
		return pl.Caption, &url
	case transport.KindVideo:
		return pl.Caption, nil
	case transport.KindDocument:
		return pl.FileName, nil
	default:
		return pl.Text, nil
	}
}

// counterpart resolves the display identity of the other party. Push
// names only describe the sender, so they are ignored for our own sends.
func (p *Processor) counterpart(ctx context.Context, tenantID string, h transport.Handle, ev transport.MessageEvent, log *logger.Logger) model.Counterpart {
	cp := model.Counterpart{
		Phone:        ev.From,
		CompanyPhone: p.sessions.Phone(tenantID),
	}
	if !ev.FromMe {
		cp.Name = ev.PushName
	}
	if h == nil {
		return cp
	}

	prof, err := p.profiles.Resolve(ctx, tenantID, ev.From, h)
	if err != nil {
		log.Debug("profile lookup failed", zap.String("phone", ev.From), zap.Error(err))
		return cp
	}
	if cp.Name == "" {
		cp.Name = prof.Name
	}
	if prof.AvatarURL != "" {
		avatar := prof.AvatarURL
		cp.Image = &avatar
	}
	return cp
}

func (p *Processor) fail(span trace.Span, direction model.Direction, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	metrics.RecordMessage(string(direction), "store_failed")
	return err
}
