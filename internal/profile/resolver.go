// Package profile resolves counterpart display names and avatars, caching
// network lookups in redis.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-gateway/internal/transport"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/logger"
)

// Fetcher looks a profile up on the network.
type Fetcher interface {
	FetchProfile(ctx context.Context, phone string) (transport.Profile, error)
}

// Resolver returns profiles, serving repeats from the cache.
type Resolver interface {
	Resolve(ctx context.Context, tenantID, phone string, f Fetcher) (transport.Profile, error)
}

// Direct always asks the network.
type Direct struct{}

func (Direct) Resolve(ctx context.Context, _ string, phone string, f Fetcher) (transport.Profile, error) {
	return f.FetchProfile(ctx, phone)
}

// Cached keeps profiles in redis under wa:profile:<tenant>:<phone>. Cache
// failures fall through to the network.
type Cached struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// Connect parses a redis URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}

// NewCached creates a cache with the given entry lifetime.
func NewCached(client *redis.Client, ttl time.Duration, log *logger.Logger) *Cached {
	return &Cached{client: client, ttl: ttl, log: log}
}

func key(tenantID, phone string) string {
	return "wa:profile:" + tenantID + ":" + phone
}

func (c *Cached) Resolve(ctx context.Context, tenantID, phone string, f Fetcher) (transport.Profile, error) {
	k := key(tenantID, phone)
	raw, err := c.client.Get(ctx, k).Result()
	switch {
	case err == nil:
		var p transport.Profile
		if err := json.Unmarshal([]byte(raw), &p); err == nil {
			return p, nil
		}
		c.log.Warn("dropping unreadable cached profile", zap.String("key", k))
	case !errors.Is(err, redis.Nil):
		c.log.Warn("profile cache read failed", zap.String("key", k), zap.Error(err))
	}

	p, err := f.FetchProfile(ctx, phone)
	if err != nil {
		return transport.Profile{}, err
	}
	if data, err := json.Marshal(p); err == nil {
		if err := c.client.Set(ctx, k, data, c.ttl).Err(); err != nil {
			c.log.Warn("profile cache write failed", zap.String("key", k), zap.Error(err))
		}
	}
	return p, nil
}

// Forget drops a cached profile.
func (c *Cached) Forget(ctx context.Context, tenantID, phone string) error {
	return c.client.Del(ctx, key(tenantID, phone)).Err()
}

// Ping checks the redis connection.
func (c *Cached) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
