package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"EduMind/internal/store"
)

// User is the locally stored identity attached to collaborator calls.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// StoredUser returns the user saved under store.KeyUser. Missing, unparsable or
// id-less entries all mean "no user".
func StoredUser(ctx context.Context, st store.Store) (User, bool) {
	raw, ok, err := st.Get(ctx, store.KeyUser)
	if err != nil {
		slog.Warn("failed to read stored user", "error", err)
		return User{}, false
	}
	if !ok {
		return User{}, false
	}

	var u User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		slog.Warn("failed to parse stored user", "error", err)
		return User{}, false
	}
	if u.ID == "" {
		return User{}, false
	}
	return u, true
}

// SaveUser persists u as the stored identity.
func SaveUser(ctx context.Context, st store.Store, u User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	return st.Set(ctx, store.KeyUser, string(data))
}
