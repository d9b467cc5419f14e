package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"EduMind/internal/store"

	"golang.org/x/sync/singleflight"
)

// ErrSessionCreationFailed wraps any failure of the create-session collaborator.
var ErrSessionCreationFailed = errors.New("session creation failed")

// Creator creates a server-side session and returns its id.
type Creator interface {
	CreateChat(ctx context.Context) (string, error)
}

// Manager owns the active session id and mirrors it into the store so a
// restarted client resumes the same conversation.
type Manager struct {
	store   store.Store
	creator Creator
	logger  *slog.Logger
	group   singleflight.Group

	mu      sync.RWMutex
	current string
	gen     uint64 // bumped on every Set/Clear; stale creations are not adopted
}

// NewManager creates a manager with no active session.
func NewManager(st store.Store, creator Creator, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   st,
		creator: creator,
		logger:  logger,
	}
}

// Current returns the active session id, or "" when there is none.
func (m *Manager) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Restore loads the last persisted session id and makes it current.
func (m *Manager) Restore(ctx context.Context) (string, error) {
	id, ok, err := m.store.Get(ctx, store.KeyLastSession)
	if err != nil {
		return "", fmt.Errorf("failed to restore last session: %w", err)
	}
	if !ok || id == "" {
		return "", nil
	}

	m.mu.Lock()
	m.current = id
	m.gen++
	m.mu.Unlock()

	m.logger.Info("restored last session", "session_id", id)
	return id, nil
}

// Ensure returns the active session id, creating one when there is none.
// Concurrent callers share a single in-flight creation.
func (m *Manager) Ensure(ctx context.Context) (string, error) {
	if id := m.Current(); id != "" {
		return id, nil
	}

	v, err, shared := m.group.Do("create", func() (interface{}, error) {
		m.mu.RLock()
		id, gen := m.current, m.gen
		m.mu.RUnlock()
		if id != "" {
			return id, nil
		}

		// Shared by every coalesced caller, so one caller's cancellation
		// must not fail the rest.
		id, err := m.creator.CreateChat(context.WithoutCancel(ctx))
		if err != nil {
			m.logger.Error("failed to create session", "error", err)
			return "", fmt.Errorf("%w: %w", ErrSessionCreationFailed, err)
		}
		if id == "" {
			return "", fmt.Errorf("%w: empty chat id", ErrSessionCreationFailed)
		}

		m.mu.Lock()
		if m.gen != gen {
			// Switched or reset while the call was in flight.
			m.mu.Unlock()
			m.logger.Warn("discarding session created for a superseded view", "session_id", id)
			return id, nil
		}
		m.current = id
		m.gen++
		m.mu.Unlock()

		m.persist(context.WithoutCancel(ctx), id)
		m.logger.Info("created new session", "session_id", id)
		return id, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		m.logger.Debug("coalesced session creation", "session_id", v)
	}
	return v.(string), nil
}

// Set makes id the active session and persists it.
func (m *Manager) Set(ctx context.Context, id string) {
	m.mu.Lock()
	changed := m.current != id
	m.current = id
	m.gen++
	m.mu.Unlock()

	if changed {
		m.persist(ctx, id)
	}
}

// Use makes id the active session without persisting it.
func (m *Manager) Use(id string) {
	m.mu.Lock()
	m.current = id
	m.gen++
	m.mu.Unlock()
}

// Persist stores id as the last session if it is still the active one.
func (m *Manager) Persist(ctx context.Context, id string) {
	if id == "" || m.Current() != id {
		return
	}
	m.persist(ctx, id)
}

// Clear drops the active session and the persisted reference.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.current = ""
	m.gen++
	m.mu.Unlock()

	if err := m.store.Delete(ctx, store.KeyLastSession); err != nil {
		return fmt.Errorf("failed to clear last session: %w", err)
	}
	return nil
}

// Forget clears the session when id is active or persisted.
func (m *Manager) Forget(ctx context.Context, id string) error {
	stored, _, err := m.store.Get(ctx, store.KeyLastSession)
	if err != nil {
		return fmt.Errorf("failed to read last session: %w", err)
	}
	if m.Current() != id && stored != id {
		return nil
	}
	return m.Clear(ctx)
}

func (m *Manager) persist(ctx context.Context, id string) {
	if err := m.store.Set(ctx, store.KeyLastSession, id); err != nil {
		m.logger.Warn("failed to persist last session", "session_id", id, "error", err)
	}
}
