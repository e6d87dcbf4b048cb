package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/capitalize-ai/whatsapp-gateway/pkg/metrics"
)

// Fallback tries each client in order and returns the first non-empty answer.
type Fallback struct {
	clients []Client
}

// NewFallback chains clients. The first one is the primary.
func NewFallback(clients ...Client) *Fallback {
	return &Fallback{clients: clients}
}

// Name lists the chained providers.
func (f *Fallback) Name() string {
	names := make([]string, len(f.clients))
	for i, c := range f.clients {
		names[i] = c.Name()
	}
	return strings.Join(names, ">")
}

// Complete returns the first successful, non-empty completion.
func (f *Fallback) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	var errs []error
	for _, c := range f.clients {
		start := time.Now()
		resp, err := c.Complete(ctx, req)
		if err == nil && strings.TrimSpace(resp.Content) == "" {
			err = errors.New("empty completion")
		}
		if err != nil {
			metrics.RecordLLM(c.Name(), req.Model, "error", time.Since(start).Seconds(), 0, 0)
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		metrics.RecordLLM(c.Name(), resp.Model, "ok", time.Since(start).Seconds(), resp.TokensIn, resp.TokensOut)
		return resp, nil
	}
	if len(errs) == 0 {
		return nil, ErrNoProvider
	}
	return nil, errors.Join(errs...)
}
