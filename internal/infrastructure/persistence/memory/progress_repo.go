// Package memory implements an in-process progress store.
// Used by tests and by STORE_DRIVER=memory for local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alem-hub/progression/internal/domain/progress"
	"github.com/alem-hub/progression/internal/domain/shared"
)

// ProgressRepository keeps progress records and the activity log in maps.
// A single mutex serializes all writes, which makes every method atomic.
type ProgressRepository struct {
	mu          sync.RWMutex
	records     map[string]*progress.Progress
	activities  map[string][]progress.Activity
	activityIDs map[string]struct{}
}

var (
	_ progress.Repository = (*ProgressRepository)(nil)
	_ progress.Lister     = (*ProgressRepository)(nil)
)

// NewProgressRepository creates an empty store.
func NewProgressRepository() *ProgressRepository {
	return &ProgressRepository{
		records:     make(map[string]*progress.Progress),
		activities:  make(map[string][]progress.Activity),
		activityIDs: make(map[string]struct{}),
	}
}

// Load returns a copy of the stored record.
func (r *ProgressRepository) Load(ctx context.Context, userID string) (*progress.Progress, error) {
	if err := ctx.Err(); err != nil {
		return nil, shared.Unavailable("Load", err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.records[userID]
	if !ok {
		return nil, shared.ErrUserNotFound
	}
	return p.Clone(), nil
}

// LoadOrInit returns the record, creating a zeroed one on first access.
func (r *ProgressRepository) LoadOrInit(ctx context.Context, userID string, now time.Time) (*progress.Progress, error) {
	if err := ctx.Err(); err != nil {
		return nil, shared.Unavailable("LoadOrInit", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrInit(userID, now).Clone(), nil
}

// LoadMany returns records in input order, skipping unknown ids.
func (r *ProgressRepository) LoadMany(ctx context.Context, userIDs []string) ([]*progress.Progress, error) {
	if err := ctx.Err(); err != nil {
		return nil, shared.Unavailable("LoadMany", err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*progress.Progress, 0, len(userIDs))
	for _, id := range userIDs {
		if p, ok := r.records[id]; ok {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

// TopByXP returns up to limit records with positive XP, highest first.
func (r *ProgressRepository) TopByXP(ctx context.Context, limit int) ([]*progress.Progress, error) {
	if err := ctx.Err(); err != nil {
		return nil, shared.Unavailable("TopByXP", err)
	}
	if limit <= 0 {
		return []*progress.Progress{}, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*progress.Progress, 0, len(r.records))
	for _, p := range r.records {
		if p.TotalXP > 0 {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalXP != out[j].TotalXP {
			return out[i].TotalXP > out[j].TotalXP
		}
		return out[i].UserID < out[j].UserID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ForEach visits every record with positive XP.
func (r *ProgressRepository) ForEach(ctx context.Context, fn func(p *progress.Progress) error) error {
	r.mu.RLock()
	snapshot := make([]*progress.Progress, 0, len(r.records))
	for _, p := range r.records {
		if p.TotalXP > 0 {
			snapshot = append(snapshot, p.Clone())
		}
	}
	r.mu.RUnlock()

	for _, p := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

// AddXP applies the grant, logs the activity and unlocks effects under the write lock.
func (r *ProgressRepository) AddXP(ctx context.Context, grant progress.XPGrant, rule progress.UnlockRule) (progress.Update, error) {
	if err := ctx.Err(); err != nil {
		return progress.Update{}, shared.Unavailable("AddXP", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.getOrInit(grant.UserID, grant.At)
	var prepared *progress.Progress
	if grant.Prepare != nil {
		prepared = p.Clone()
		award, err := grant.Prepare(prepared)
		if err != nil {
			return progress.Update{}, err
		}
		if !award {
			p.AdoptMutable(prepared)
			return progress.Update{Progress: p.Clone(), Change: noChange(p)}, nil
		}
	}
	if grant.AchievementID != "" && p.UnlockedAchievements.Has(grant.AchievementID) {
		if prepared != nil {
			p.AdoptMutable(prepared)
		}
		return progress.Update{Progress: p.Clone(), Change: noChange(p)}, nil
	}
	// Activity ids are unique across users; a collision leaves the record untouched.
	if _, dup := r.activityIDs[grant.ActivityID]; dup && grant.Amount > 0 {
		return progress.Update{}, shared.WrapError("progress", "AppendActivity", shared.ErrAlreadyExists, "activity already recorded", nil)
	}
	if prepared != nil {
		p.AdoptMutable(prepared)
	}
	if grant.AchievementID != "" {
		p.UnlockedAchievements.Add(grant.AchievementID)
	}

	change := noChange(p)
	if grant.Amount > 0 {
		change = p.AddXP(grant.Amount, grant.At)
		r.activities[grant.UserID] = append(r.activities[grant.UserID], grant.Activity())
		r.activityIDs[grant.ActivityID] = struct{}{}
	}
	p.UpdatedAt = grant.At
	effects := p.ApplyUnlockRule(rule)

	return progress.Update{
		Applied:         true,
		Change:          change,
		Progress:        p.Clone(),
		UnlockedEffects: effects,
	}, nil
}

// AddStats increments counters and unlocks effects under the write lock.
func (r *ProgressRepository) AddStats(ctx context.Context, userID string, delta progress.StatsDelta, at time.Time, rule progress.UnlockRule) (progress.Update, error) {
	if err := ctx.Err(); err != nil {
		return progress.Update{}, shared.Unavailable("AddStats", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.getOrInit(userID, at)
	p.Stats = p.Stats.Apply(delta)
	p.UpdatedAt = at
	effects := p.ApplyUnlockRule(rule)

	return progress.Update{
		Applied:         true,
		Change:          noChange(p),
		Progress:        p.Clone(),
		UnlockedEffects: effects,
	}, nil
}

func noChange(p *progress.Progress) progress.XPChange {
	return progress.XPChange{OldXP: p.TotalXP, NewXP: p.TotalXP, OldLevel: p.Level, NewLevel: p.Level}
}

// Mutate runs fn against a copy and keeps the scalar streak and effect fields if fn reports a change.
func (r *ProgressRepository) Mutate(ctx context.Context, userID string, now time.Time, fn progress.MutateFunc) (*progress.Progress, error) {
	if err := ctx.Err(); err != nil {
		return nil, shared.Unavailable("Mutate", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := r.getOrInit(userID, now)
	work := stored.Clone()
	changed, err := fn(work)
	if err != nil {
		return nil, err
	}
	if changed {
		stored.AdoptMutable(work)
	}
	return stored.Clone(), nil
}

// RecentActivities returns the newest entries first.
func (r *ProgressRepository) RecentActivities(ctx context.Context, userID string, limit int) ([]progress.Activity, error) {
	if err := ctx.Err(); err != nil {
		return nil, shared.Unavailable("RecentActivities", err)
	}
	if limit <= 0 {
		return []progress.Activity{}, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	log := r.activities[userID]
	out := make([]progress.Activity, 0, min(limit, len(log)))
	for i := len(log) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, log[i])
	}
	return out, nil
}

// getOrInit must be called with the write lock held.
func (r *ProgressRepository) getOrInit(userID string, now time.Time) *progress.Progress {
	p, ok := r.records[userID]
	if !ok {
		p = progress.New(userID, now)
		r.records[userID] = p
	}
	return p
}
