package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-gateway/internal/llm"
	"github.com/capitalize-ai/whatsapp-gateway/internal/model"
	"github.com/capitalize-ai/whatsapp-gateway/internal/session"
	"github.com/capitalize-ai/whatsapp-gateway/internal/store"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/logger"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/metrics"
)

// Sender delivers a reply.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

// CompanyLookup loads tenant profiles for the system prompt.
type CompanyLookup interface {
	GetCompany(ctx context.Context, id string) (model.Company, error)
}

// ResponderOptions tunes the AI responder.
type ResponderOptions struct {
	Debounce     time.Duration
	History      int
	FallbackText string
	Model        string
	MaxTokens    int
	Temperature  float64
	Timeout      time.Duration
}

// Responder answers inbound messages on AI-enabled conversations. Messages
// arriving within the debounce window produce one reply.
type Responder struct {
	messages  store.MessageStore
	companies CompanyLookup
	llm       llm.Client
	sender    Sender
	scheduler session.Scheduler
	pool      session.Submitter
	opts      ResponderOptions
	logger    *logger.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*pendingReply
}

type pendingReply struct {
	task session.Task
}

// NewResponder creates a Responder. Work runs on pool once the debounce
// timer from scheduler fires.
func NewResponder(
	messages store.MessageStore,
	companies CompanyLookup,
	client llm.Client,
	sender Sender,
	scheduler session.Scheduler,
	pool session.Submitter,
	opts ResponderOptions,
	log *logger.Logger,
) *Responder {
	if opts.History <= 0 {
		opts.History = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Responder{
		messages:  messages,
		companies: companies,
		llm:       client,
		sender:    sender,
		scheduler: scheduler,
		pool:      pool,
		opts:      opts,
		logger:    log,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]*pendingReply),
	}
}

// Schedule queues a reply for the conversation, restarting the debounce
// window if one is already pending.
func (r *Responder) Schedule(tenantID, conversationID string) {
	key := tenantID + "/" + conversationID

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		return
	}
	if prev, ok := r.pending[key]; ok {
		prev.task.Stop()
	}
	p := &pendingReply{}
	p.task = r.scheduler.AfterFunc(r.opts.Debounce, func() {
		r.mu.Lock()
		if r.pending[key] != p {
			r.mu.Unlock()
			return
		}
		delete(r.pending, key)
		r.mu.Unlock()

		err := r.pool.Submit(func() {
			if err := r.Reply(r.ctx, tenantID, conversationID); err != nil {
				r.logger.WithTenant(tenantID).Error("ai reply failed",
					zap.String("conversation_id", conversationID),
					zap.Error(err),
				)
			}
		})
		if err != nil {
			metrics.AIRepliesTotal.WithLabelValues("dropped").Inc()
			r.logger.WithTenant(tenantID).Warn("ai reply dropped",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
		}
	})
	r.pending[key] = p
}

// Pending returns the number of replies waiting for their debounce timer.
func (r *Responder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close cancels pending replies and in-flight generations.
func (r *Responder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel()
	for key, p := range r.pending {
		p.task.Stop()
		delete(r.pending, key)
	}
}

// Reply generates and sends one AI answer for the conversation. When the
// model fails or answers nothing, the fallback text is sent instead.
func (r *Responder) Reply(ctx context.Context, tenantID, conversationID string) error {
	log := r.logger.WithTenant(tenantID).With(zap.String("conversation_id", conversationID))

	conv, err := r.messages.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if !conv.AIEnabled {
		log.Debug("ai disabled before reply, skipping")
		return nil
	}
	company, err := r.companies.GetCompany(ctx, conv.CompanyID)
	if err != nil {
		return fmt.Errorf("load company: %w", err)
	}
	history, err := r.messages.RecentMessages(ctx, conversationID, r.opts.History)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	info := r.learn(ctx, conv, history, log)

	text, result := r.generate(ctx, company, info, history, log)

	_, err = r.sender.Send(ctx, SendRequest{
		TenantID:  tenantID,
		To:        conv.SenderPhone,
		Text:      text,
		IsAI:      true,
		MessageID: aiMessageID(r.now()),
	})
	if err != nil {
		metrics.AIRepliesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("send reply: %w", err)
	}
	metrics.AIRepliesTotal.WithLabelValues(result).Inc()
	log.Info("ai reply sent", zap.String("result", result))
	return nil
}

// learn updates the stored contact info from the latest inbound message.
func (r *Responder) learn(ctx context.Context, conv model.Conversation, history []model.Message, log *logger.Logger) model.ContactInfo {
	var info model.ContactInfo
	if conv.ContactInfo != nil {
		info = *conv.ContactInfo
	}

	last := lastInbound(history)
	if info.Name == "" {
		info.Name = ExtractName(last)
	}
	if info.Name == "" && conv.SenderName != conv.SenderPhone {
		info.Name = conv.SenderName
	}
	info.Preferences = info.Preferences.Merge(ExtractPreferences(last))
	info.LastInteraction = r.now().UTC()

	if err := r.messages.UpdateContactInfo(ctx, conv.ID, info); err != nil {
		log.Warn("update contact info failed", zap.Error(err))
	}
	return info
}

func (r *Responder) generate(ctx context.Context, company model.Company, info model.ContactInfo, history []model.Message, log *logger.Logger) (string, string) {
	req := &llm.CompletionRequest{
		Model:       r.opts.Model,
		System:      systemPrompt(company, info),
		Messages:    chatHistory(history),
		MaxTokens:   r.opts.MaxTokens,
		Temperature: r.opts.Temperature,
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	resp, err := r.llm.Complete(ctx, req)
	if err != nil {
		log.Warn("llm completion failed, using fallback", zap.Error(err))
		return r.opts.FallbackText, "fallback"
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		log.Warn("llm returned empty answer, using fallback")
		return r.opts.FallbackText, "fallback"
	}
	return text, "generated"
}

func systemPrompt(company model.Company, info model.ContactInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Eres un asistente virtual para %s.\n", company.Name)
	if company.Description != "" {
		fmt.Fprintf(&b, "Información de la empresa: %s\n", company.Description)
	}
	b.WriteString("Tu objetivo es ayudar a los clientes de manera profesional y amigable.\n\n")
	if info.Name != "" {
		fmt.Fprintf(&b, "El cliente se llama %s.\n\n", info.Name)
	}
	b.WriteString("Instrucciones importantes:\n")
	b.WriteString("1. Si el cliente no ha proporcionado su nombre, pregúntale amablemente cómo se llama.\n")
	b.WriteString("2. Identifica y guarda información relevante sobre preferencias, horarios o necesidades.\n")
	b.WriteString("3. Responde de manera concisa y útil.\n")
	b.WriteString("4. Mantén un tono profesional pero amigable.\n")
	b.WriteString("5. Si el cliente menciona su nombre, asegúrate de usarlo en tus respuestas.\n")
	fmt.Fprintf(&b, "6. Siempre responde en el contexto de %s y sus servicios/productos.", company.Name)
	return b.String()
}

// chatHistory maps stored messages to chat turns, dropping empty ones and
// any leading assistant turns.
func chatHistory(history []model.Message) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(history))
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := llm.RoleUser
		if m.Direction == model.DirectionOut {
			role = llm.RoleAssistant
		}
		if len(out) == 0 && role == llm.RoleAssistant {
			continue
		}
		out = append(out, llm.ChatMessage{Role: role, Content: m.Content})
	}
	return out
}

func lastInbound(history []model.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Direction == model.DirectionIn {
			return history[i].Content
		}
	}
	return ""
}

func aiMessageID(now time.Time) string {
	suffix := strconv.FormatUint(rand.Uint64(), 36)
	if len(suffix) > 9 {
		suffix = suffix[:9]
	}
	return fmt.Sprintf("ai_%d_%s", now.UnixMilli(), suffix)
}
