// Package identity provides leaderboard.IdentityProvider adapters: an
// in-memory directory (optionally seeded from YAML) and an LRU cache in
// front of any provider.
package identity

import (
	"context"
	"sync"

	"github.com/alem-hub/progression/internal/domain/leaderboard"
	"github.com/alem-hub/progression/internal/domain/shared"
)

// ErrIdentityNotFound is returned for unknown users.
var ErrIdentityNotFound = shared.NewDomainError("identity", "GetIdentity", shared.ErrNotFound, "identity not found")

// Directory is an in-memory identity store. Used by tests and the memory
// store driver, where no users table exists.
type Directory struct {
	mu    sync.RWMutex
	users map[string]leaderboard.Identity
}

var _ leaderboard.BatchIdentityProvider = (*Directory)(nil)

// NewDirectory creates a directory seeded with the given identities.
func NewDirectory(identities ...leaderboard.Identity) *Directory {
	d := &Directory{users: make(map[string]leaderboard.Identity, len(identities))}
	for _, id := range identities {
		d.users[id.UserID] = id
	}
	return d
}

// Put adds or replaces an identity.
func (d *Directory) Put(id leaderboard.Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[id.UserID] = id
}

// GetIdentity implements leaderboard.IdentityProvider.
func (d *Directory) GetIdentity(ctx context.Context, userID string) (leaderboard.Identity, error) {
	if err := ctx.Err(); err != nil {
		return leaderboard.Identity{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.users[userID]
	if !ok {
		return leaderboard.Identity{}, ErrIdentityNotFound
	}
	return id, nil
}

// GetIdentities implements leaderboard.BatchIdentityProvider.
func (d *Directory) GetIdentities(ctx context.Context, userIDs []string) (map[string]leaderboard.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]leaderboard.Identity, len(userIDs))
	for _, uid := range userIDs {
		if id, ok := d.users[uid]; ok {
			out[uid] = id
		}
	}
	return out, nil
}
