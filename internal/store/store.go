// Package store provides the durable key-value capability the chat client uses
// for its small amount of local state: the last active session id and the
// stored user identity.
package store

import (
	"context"
	"fmt"

	"EduMind/internal/config"
)

// Well-known keys.
const (
	KeyLastSession = "last_session_id"
	KeyUser        = "user"
)

// Store is a string key-value store. Get reports ok=false for a missing key.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open returns the backend selected by cfg.Driver.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case config.StoreSQLite:
		return OpenSQLite(cfg.Path)
	case config.StoreMemory:
		return NewMemory(), nil
	case config.StoreRedis:
		return OpenRedis(cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}
