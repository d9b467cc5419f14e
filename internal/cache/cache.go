package cache

import (
	"context"
	"log/slog"
	"time"

	"EduMind/internal/session"

	gocache "github.com/patrickmn/go-cache"
)

// Loader loads the stored messages of a session.
type Loader interface {
	ListMessages(ctx context.Context, id string) ([]session.Message, error)
}

// CachedHistory represents a cached history response
type CachedHistory struct {
	Messages  []session.Message
	Timestamp time.Time
}

// History caches session histories in front of a Loader.
type History struct {
	loader Loader
	cache  *gocache.Cache
	logger *slog.Logger
}

// NewHistory caches loads for ttl.
func NewHistory(loader Loader, ttl time.Duration, logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	return &History{
		loader: loader,
		cache:  gocache.New(ttl, 2*ttl),
		logger: logger,
	}
}

// ListMessages returns the cached history of id, loading it on a miss.
func (h *History) ListMessages(ctx context.Context, id string) ([]session.Message, error) {
	if val, ok := h.cache.Get(id); ok {
		cached := val.(CachedHistory)
		h.logger.Debug("history cache hit", "session_id", id, "age", time.Since(cached.Timestamp))
		return clone(cached.Messages), nil
	}

	msgs, err := h.loader.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}

	h.cache.SetDefault(id, CachedHistory{
		Messages:  clone(msgs),
		Timestamp: time.Now(),
	})
	h.logger.Debug("cached history", "session_id", id, "message_count", len(msgs))
	return msgs, nil
}

// Invalidate drops the cached history of id.
func (h *History) Invalidate(id string) {
	h.cache.Delete(id)
}

func clone(msgs []session.Message) []session.Message {
	out := make([]session.Message, len(msgs))
	copy(out, msgs)
	return out
}
