package postgres

import (
	"context"

	"github.com/alem-hub/progression/internal/domain/leaderboard"
	"github.com/alem-hub/progression/internal/domain/shared"
)

// IdentityRepository reads display data from the users table.
// The table belongs to the identity service; this repository never writes to it.
type IdentityRepository struct {
	conn *Connection
}

var _ leaderboard.BatchIdentityProvider = (*IdentityRepository)(nil)

// NewIdentityRepository creates a users table reader.
func NewIdentityRepository(conn *Connection) *IdentityRepository {
	return &IdentityRepository{conn: conn}
}

// GetIdentity implements leaderboard.IdentityProvider.
func (r *IdentityRepository) GetIdentity(ctx context.Context, userID string) (leaderboard.Identity, error) {
	var id leaderboard.Identity
	err := r.conn.QueryRow(ctx,
		`SELECT id, display_name, photo_url, role FROM users WHERE id = $1`, userID,
	).Scan(&id.UserID, &id.DisplayName, &id.PhotoURL, &id.Role)
	if IsNoRows(err) {
		return leaderboard.Identity{}, shared.NewDomainError("identity", "GetIdentity", shared.ErrNotFound, "identity not found")
	}
	if err != nil {
		return leaderboard.Identity{}, shared.WrapError("identity", "GetIdentity", shared.ErrServiceUnavailable, "identity store unavailable", err)
	}
	return id, nil
}

// GetIdentities implements leaderboard.BatchIdentityProvider.
func (r *IdentityRepository) GetIdentities(ctx context.Context, userIDs []string) (map[string]leaderboard.Identity, error) {
	out := make(map[string]leaderboard.Identity, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	rows, err := r.conn.Query(ctx,
		`SELECT id, display_name, photo_url, role FROM users WHERE id = ANY($1)`, userIDs)
	if err != nil {
		return nil, shared.WrapError("identity", "GetIdentities", shared.ErrServiceUnavailable, "identity store unavailable", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id leaderboard.Identity
		if err := rows.Scan(&id.UserID, &id.DisplayName, &id.PhotoURL, &id.Role); err != nil {
			return nil, shared.WrapError("identity", "GetIdentities", shared.ErrServiceUnavailable, "identity store unavailable", err)
		}
		out[id.UserID] = id
	}
	if err := rows.Err(); err != nil {
		return nil, shared.WrapError("identity", "GetIdentities", shared.ErrServiceUnavailable, "identity store unavailable", err)
	}
	return out, nil
}
