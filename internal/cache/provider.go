// Package cache backs webhook delivery deduplication.
package cache

import (
	"context"
	"fmt"
	"time"
)

const (
	StateProcessing = "processing"
	StateProcessed  = "processed"
)

// Provider stores webhook delivery markers.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	// Claim stores value only if key is absent and reports whether it did.
	Claim(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	// Release deletes key only while it still holds value, so a failed
	// worker cannot erase a marker another worker has since written.
	Release(ctx context.Context, key string, value string) error
	Close() error
}

type Config struct {
	Provider              string
	RedisConnectionString string
}

func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "memory", "":
		return NewMemoryProvider()
	case "redis":
		return NewRedisProvider(cfg.RedisConnectionString)
	default:
		return nil, fmt.Errorf("unsupported cache provider: %s", cfg.Provider)
	}
}

func WebhookKey(source, eventID string) string {
	return fmt.Sprintf("webhook:%s:%s", source, eventID)
}
