// Package tokencache stores opaque per-owner credential blobs so account
// sign-ins survive restarts.
package tokencache

import (
	"context"
	"errors"
	"fmt"

	"github.com/afk-console/backend/internal/config"
)

// ErrNotFound is returned by Get when nothing is cached under the key.
var ErrNotFound = errors.New("tokencache: not found")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open builds the backend named by cfg.Backend.
func Open(cfg config.TokenCacheConfig) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Dir), nil
	case "redis":
		return NewRedisStore(cfg.RedisAddr, cfg.KeyPrefix)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("tokencache: unknown backend %q", cfg.Backend)
	}
}
