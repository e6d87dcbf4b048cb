package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-gateway/internal/middleware"
	"github.com/capitalize-ai/whatsapp-gateway/internal/model"
	"github.com/capitalize-ai/whatsapp-gateway/internal/nats"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/logger"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/metrics"
)

const replayBatch = 50

// EventLog reads a tenant's persisted events by stream sequence.
type EventLog interface {
	Events(ctx context.Context, tenantID string, afterSequence uint64, limit int) ([]nats.StoredEvent, uint64, bool, error)
}

// EventFeed delivers live events of a tenant.
type EventFeed interface {
	Subscribe(tenantID string) (<-chan model.Event, func())
}

// StreamHandler handles event replay and SSE streaming endpoints.
type StreamHandler struct {
	log       EventLog
	feed      EventFeed
	heartbeat time.Duration
	logger    *logger.Logger
}

// NewStreamHandler creates a new stream handler. A nil log disables replay.
func NewStreamHandler(log EventLog, feed EventFeed, lg *logger.Logger) *StreamHandler {
	return &StreamHandler{
		log:       log,
		feed:      feed,
		heartbeat: 30 * time.Second,
		logger:    lg,
	}
}

// ReplayCompleteEvent marks the end of replayed events on a stream.
type ReplayCompleteEvent struct {
	LastSequence uint64 `json:"last_sequence"`
	EventCount   int    `json:"event_count"`
}

type heartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// Events handles GET /api/v1/companies/{companyID}/events?after_sequence=N&limit=M
func (h *StreamHandler) Events(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")
	if h.log == nil {
		writeError(w, http.StatusServiceUnavailable, "event log not configured")
		return
	}

	limit := replayBatch
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	events, last, hasMore, err := h.log.Events(r.Context(), companyID, afterSequence(r), limit)
	if err != nil {
		h.logger.WithTenant(companyID).Error("failed to read events", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":        events,
		"last_sequence": last,
		"has_more":      hasMore,
	})
}

// Stream handles GET /api/v1/companies/{companyID}/events/stream
// Supports ?after_sequence=N for resuming from a specific point
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	companyID := chi.URLParam(r, "companyID")
	log := h.logger.WithTenant(companyID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before replay so nothing published in between is lost.
	live, cancel := h.feed.Subscribe(companyID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	metrics.SSEClients.Inc()
	defer metrics.SSEClients.Dec()

	sendSSEEvent(w, flusher, "connected", map[string]string{
		"company_id":     companyID,
		"correlation_id": middleware.GetCorrelationID(ctx),
	})

	if h.log != nil {
		last, n := h.replay(ctx, w, flusher, companyID, afterSequence(r))
		if ctx.Err() != nil {
			return
		}
		sendSSEEvent(w, flusher, "replay_complete", &ReplayCompleteEvent{
			LastSequence: last,
			EventCount:   n,
		})
		log.Debug("event replay complete",
			zap.Int("events_replayed", n),
			zap.Uint64("last_sequence", last),
		)
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return
		case ev := <-live:
			if err := sendSSEEvent(w, flusher, string(ev.Kind), ev); err != nil {
				log.Warn("failed to encode event", zap.Error(err))
			}
		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &heartbeatEvent{Timestamp: time.Now()})
		}
	}
}

func (h *StreamHandler) replay(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, companyID string, after uint64) (uint64, int) {
	last := after
	total := 0
	for {
		events, next, hasMore, err := h.log.Events(ctx, companyID, after, replayBatch)
		if err != nil {
			h.logger.WithTenant(companyID).Error("failed to replay events", zap.Error(err))
			sendSSEEvent(w, flusher, string(model.EventError), &model.ErrorEvent{
				Code:    "replay_error",
				Message: "Failed to replay events",
			})
			return last, total
		}

		for _, ev := range events {
			if ctx.Err() != nil {
				return last, total
			}
			sendSSEEvent(w, flusher, string(ev.Kind), ev)
			total++
		}
		last = next

		if !hasMore || next == after {
			return last, total
		}
		after = next
	}
}

func afterSequence(r *http.Request) uint64 {
	seq, err := strconv.ParseUint(r.URL.Query().Get("after_sequence"), 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
