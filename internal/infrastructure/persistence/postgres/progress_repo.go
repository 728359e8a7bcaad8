package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/progression/internal/domain/progress"
	"github.com/alem-hub/progression/internal/domain/shared"
)

// forEachPageSize is the keyset page size used by ForEach.
const forEachPageSize = 500

const progressColumns = `
	user_id, total_xp, level, current_level_xp, next_level_xp,
	streak, last_active_at, last_streak_at,
	active_avatar_effect, active_profile_effect,
	questions_answered, correct_answers, study_time_minutes,
	chapters_completed, perfect_scores, quizzes_completed,
	created_at, updated_at`

// ProgressRepository implements progress.Repository using PostgreSQL.
type ProgressRepository struct {
	conn *Connection
}

var (
	_ progress.Repository = (*ProgressRepository)(nil)
	_ progress.Lister     = (*ProgressRepository)(nil)
)

// NewProgressRepository creates a new PostgreSQL progress repository.
func NewProgressRepository(conn *Connection) *ProgressRepository {
	return &ProgressRepository{conn: conn}
}

// ══════════════════════════════════════════════════════════════════════════════
// READS
// ══════════════════════════════════════════════════════════════════════════════

// Load returns the record or ErrUserNotFound.
func (r *ProgressRepository) Load(ctx context.Context, userID string) (*progress.Progress, error) {
	p, err := r.load(ctx, r.conn, userID, false)
	if IsNoRows(err) {
		return nil, shared.ErrUserNotFound
	}
	return p, classify("Load", err)
}

// LoadOrInit returns the record, creating a zeroed one on first access.
func (r *ProgressRepository) LoadOrInit(ctx context.Context, userID string, now time.Time) (*progress.Progress, error) {
	if err := r.ensure(ctx, r.conn, userID, now); err != nil {
		return nil, classify("LoadOrInit", err)
	}
	p, err := r.load(ctx, r.conn, userID, false)
	return p, classify("LoadOrInit", err)
}

// LoadMany returns records in input order, skipping unknown ids.
func (r *ProgressRepository) LoadMany(ctx context.Context, userIDs []string) ([]*progress.Progress, error) {
	if len(userIDs) == 0 {
		return []*progress.Progress{}, nil
	}
	rows, err := r.conn.Query(ctx,
		`SELECT `+progressColumns+` FROM student_progress WHERE user_id = ANY($1)`, userIDs)
	if err != nil {
		return nil, classify("LoadMany", err)
	}
	found, err := r.collect(ctx, rows)
	if err != nil {
		return nil, classify("LoadMany", err)
	}

	byID := make(map[string]*progress.Progress, len(found))
	for _, p := range found {
		byID[p.UserID] = p
	}
	out := make([]*progress.Progress, 0, len(found))
	for _, id := range userIDs {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// TopByXP returns up to limit records with positive XP, highest first.
func (r *ProgressRepository) TopByXP(ctx context.Context, limit int) ([]*progress.Progress, error) {
	if limit <= 0 {
		return []*progress.Progress{}, nil
	}
	rows, err := r.conn.Query(ctx, `
		SELECT `+progressColumns+`
		FROM student_progress
		WHERE total_xp > 0
		ORDER BY total_xp DESC, user_id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, classify("TopByXP", err)
	}
	out, err := r.collect(ctx, rows)
	return out, classify("TopByXP", err)
}

// ForEach visits every record with positive XP in user id order.
func (r *ProgressRepository) ForEach(ctx context.Context, fn func(p *progress.Progress) error) error {
	after := ""
	for {
		rows, err := r.conn.Query(ctx, `
			SELECT `+progressColumns+`
			FROM student_progress
			WHERE total_xp > 0 AND user_id > $1
			ORDER BY user_id
			LIMIT $2`, after, forEachPageSize)
		if err != nil {
			return classify("ForEach", err)
		}
		page, err := r.collect(ctx, rows)
		if err != nil {
			return classify("ForEach", err)
		}
		for _, p := range page {
			if err := fn(p); err != nil {
				return err
			}
		}
		if len(page) < forEachPageSize {
			return nil
		}
		after = page[len(page)-1].UserID
	}
}

// RecentActivities returns the newest entries first.
func (r *ProgressRepository) RecentActivities(ctx context.Context, userID string, limit int) ([]progress.Activity, error) {
	if limit <= 0 {
		return []progress.Activity{}, nil
	}
	rows, err := r.conn.Query(ctx, `
		SELECT id, user_id, activity_type, xp_gained, details, created_at
		FROM xp_activities
		WHERE user_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, classify("RecentActivities", err)
	}
	defer rows.Close()

	out := make([]progress.Activity, 0, limit)
	for rows.Next() {
		var (
			a       progress.Activity
			details []byte
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.Type, &a.XPGained, &details, &a.CreatedAt); err != nil {
			return nil, classify("RecentActivities", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &a.Details); err != nil {
				return nil, classify("RecentActivities", fmt.Errorf("decode details: %w", err))
			}
		}
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	return out, classify("RecentActivities", rows.Err())
}

// ══════════════════════════════════════════════════════════════════════════════
// ATOMIC MUTATIONS
// ══════════════════════════════════════════════════════════════════════════════

// AddXP runs the whole grant under the row lock of the user's record.
func (r *ProgressRepository) AddXP(ctx context.Context, grant progress.XPGrant, rule progress.UnlockRule) (progress.Update, error) {
	var upd progress.Update
	err := r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		p, err := r.lock(ctx, tx, grant.UserID, grant.At)
		if err != nil {
			return err
		}
		upd = progress.Update{Progress: p, Change: unchanged(p)}

		if grant.Prepare != nil {
			work := p.Clone()
			award, err := grant.Prepare(work)
			if err != nil {
				return err
			}
			if err := r.saveMutable(ctx, tx, work); err != nil {
				return err
			}
			p.AdoptMutable(work)
			if !award {
				return nil
			}
		}

		if grant.AchievementID != "" {
			tag, err := tx.Exec(ctx, `
				INSERT INTO unlocked_achievements (user_id, achievement_id, unlocked_at)
				VALUES ($1, $2, $3)
				ON CONFLICT (user_id, achievement_id) DO NOTHING`,
				grant.UserID, grant.AchievementID, grant.At)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return nil
			}
			p.UnlockedAchievements.Add(grant.AchievementID)
		}

		if grant.Amount > 0 {
			change, err := r.increment(ctx, tx, p, grant)
			if err != nil {
				return err
			}
			upd.Change = change
		}

		effects, err := r.unlockEffects(ctx, tx, p, rule, grant.At)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE student_progress SET updated_at = $2 WHERE user_id = $1`, grant.UserID, grant.At); err != nil {
			return err
		}
		p.UpdatedAt = grant.At

		upd.Applied = true
		upd.UnlockedEffects = effects
		return nil
	})
	if err != nil {
		return progress.Update{}, classify("AddXP", err)
	}
	return upd, nil
}

// increment adds XP with an atomic UPDATE and recomputes the level from the
// returned total, then appends the activity.
func (r *ProgressRepository) increment(ctx context.Context, tx pgx.Tx, p *progress.Progress, grant progress.XPGrant) (progress.XPChange, error) {
	change := progress.XPChange{OldXP: p.TotalXP, OldLevel: p.Level}

	var total int
	err := tx.QueryRow(ctx, `
		UPDATE student_progress
		SET total_xp = LEAST(total_xp + $2, $4), last_active_at = $3
		WHERE user_id = $1
		RETURNING total_xp`,
		grant.UserID, grant.Amount, grant.At, int64(progress.MaxCounter)).Scan(&total)
	if err != nil {
		return change, err
	}

	p.TotalXP = total
	p.RecomputeLevel()
	p.LastActiveAt = grant.At
	if _, err := tx.Exec(ctx, `
		UPDATE student_progress
		SET level = $2, current_level_xp = $3, next_level_xp = $4
		WHERE user_id = $1`,
		grant.UserID, p.Level, p.CurrentLevelXP, p.NextLevelXP); err != nil {
		return change, err
	}

	if err := insertActivity(ctx, tx, grant.Activity()); err != nil {
		return change, err
	}

	change.NewXP = p.TotalXP
	change.NewLevel = p.Level
	return change, nil
}

func insertActivity(ctx context.Context, q Querier, a progress.Activity) error {
	var details []byte
	if a.Details != nil {
		data, err := json.Marshal(a.Details)
		if err != nil {
			return fmt.Errorf("encode activity details: %w", err)
		}
		details = data
	}
	_, err := q.Exec(ctx, `
		INSERT INTO xp_activities (id, user_id, activity_type, xp_gained, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.UserID, string(a.Type), a.XPGained, details, a.CreatedAt)
	if IsUniqueViolation(err) {
		return shared.WrapError("progress", "AppendActivity", shared.ErrAlreadyExists, "activity already recorded", err)
	}
	return err
}

// AddStats increments counters with one UPDATE and unlocks effects.
func (r *ProgressRepository) AddStats(ctx context.Context, userID string, delta progress.StatsDelta, at time.Time, rule progress.UnlockRule) (progress.Update, error) {
	var upd progress.Update
	err := r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		if err := r.ensure(ctx, tx, userID, at); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE student_progress SET
				questions_answered = LEAST(questions_answered + $2, $9),
				correct_answers = LEAST(correct_answers + $3, $9),
				study_time_minutes = LEAST(study_time_minutes + $4, $9),
				chapters_completed = LEAST(chapters_completed + $5, $9),
				perfect_scores = LEAST(perfect_scores + $6, $9),
				quizzes_completed = LEAST(quizzes_completed + $7, $9),
				updated_at = $8
			WHERE user_id = $1`,
			userID,
			delta.QuestionsAnswered, delta.CorrectAnswers, delta.StudyTimeMinutes,
			delta.ChaptersCompleted, delta.PerfectScores, delta.QuizzesCompleted,
			at, int64(progress.MaxCounter)); err != nil {
			return err
		}

		p, err := r.load(ctx, tx, userID, true)
		if err != nil {
			return err
		}
		effects, err := r.unlockEffects(ctx, tx, p, rule, at)
		if err != nil {
			return err
		}
		upd = progress.Update{Applied: true, Change: unchanged(p), Progress: p, UnlockedEffects: effects}
		return nil
	})
	if err != nil {
		return progress.Update{}, classify("AddStats", err)
	}
	return upd, nil
}

// Mutate runs fn under the row lock and keeps the mutable scalar fields.
func (r *ProgressRepository) Mutate(ctx context.Context, userID string, now time.Time, fn progress.MutateFunc) (*progress.Progress, error) {
	var out *progress.Progress
	err := r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		p, err := r.lock(ctx, tx, userID, now)
		if err != nil {
			return err
		}
		work := p.Clone()
		changed, err := fn(work)
		if err != nil {
			return err
		}
		if changed {
			if err := r.saveMutable(ctx, tx, work); err != nil {
				return err
			}
			p.AdoptMutable(work)
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, classify("Mutate", err)
	}
	return out, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func unchanged(p *progress.Progress) progress.XPChange {
	return progress.XPChange{OldXP: p.TotalXP, NewXP: p.TotalXP, OldLevel: p.Level, NewLevel: p.Level}
}

// ensure creates the zeroed level-1 record if it does not exist.
func (r *ProgressRepository) ensure(ctx context.Context, q Querier, userID string, now time.Time) error {
	fresh := progress.New(userID, now)
	_, err := q.Exec(ctx, `
		INSERT INTO student_progress (user_id, level, current_level_xp, next_level_xp, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (user_id) DO NOTHING`,
		userID, fresh.Level, fresh.CurrentLevelXP, fresh.NextLevelXP, now)
	return err
}

// lock ensures the record exists and loads it with a row lock.
func (r *ProgressRepository) lock(ctx context.Context, tx pgx.Tx, userID string, now time.Time) (*progress.Progress, error) {
	if err := r.ensure(ctx, tx, userID, now); err != nil {
		return nil, err
	}
	return r.load(ctx, tx, userID, true)
}

func (r *ProgressRepository) load(ctx context.Context, q Querier, userID string, forUpdate bool) (*progress.Progress, error) {
	query := `SELECT ` + progressColumns + ` FROM student_progress WHERE user_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	p, err := scanProgress(q.QueryRow(ctx, query, userID))
	if err != nil {
		return nil, err
	}
	if err := r.loadSets(ctx, q, map[string]*progress.Progress{userID: p}); err != nil {
		return nil, err
	}
	p.Normalize()
	return p, nil
}

func (r *ProgressRepository) collect(ctx context.Context, rows pgx.Rows) ([]*progress.Progress, error) {
	var out []*progress.Progress
	byID := make(map[string]*progress.Progress)
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, p)
		byID[p.UserID] = p
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(out) == 0 {
		return []*progress.Progress{}, nil
	}
	if err := r.loadSets(ctx, r.conn, byID); err != nil {
		return nil, err
	}
	for _, p := range out {
		p.Normalize()
	}
	return out, nil
}

// loadSets fills unlocked achievement and effect sets for the given records.
func (r *ProgressRepository) loadSets(ctx context.Context, q Querier, byID map[string]*progress.Progress) error {
	ids := make([]string, 0, len(byID))
	for id, p := range byID {
		ids = append(ids, id)
		p.UnlockedAchievements = progress.NewIDSet()
		p.UnlockedEffects = progress.NewIDSet()
	}

	for _, set := range []struct {
		query string
		pick  func(p *progress.Progress) progress.IDSet
	}{
		{`SELECT user_id, achievement_id FROM unlocked_achievements WHERE user_id = ANY($1)`,
			func(p *progress.Progress) progress.IDSet { return p.UnlockedAchievements }},
		{`SELECT user_id, effect_id FROM unlocked_effects WHERE user_id = ANY($1)`,
			func(p *progress.Progress) progress.IDSet { return p.UnlockedEffects }},
	} {
		rows, err := q.Query(ctx, set.query, ids)
		if err != nil {
			return err
		}
		for rows.Next() {
			var userID, itemID string
			if err := rows.Scan(&userID, &itemID); err != nil {
				rows.Close()
				return err
			}
			if p, ok := byID[userID]; ok {
				set.pick(p).Add(itemID)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (r *ProgressRepository) unlockEffects(ctx context.Context, tx pgx.Tx, p *progress.Progress, rule progress.UnlockRule, at time.Time) ([]string, error) {
	effects := p.ApplyUnlockRule(rule)
	for _, id := range effects {
		if _, err := tx.Exec(ctx, `
			INSERT INTO unlocked_effects (user_id, effect_id, unlocked_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id, effect_id) DO NOTHING`,
			p.UserID, id, at); err != nil {
			return nil, err
		}
	}
	return effects, nil
}

func (r *ProgressRepository) saveMutable(ctx context.Context, tx pgx.Tx, p *progress.Progress) error {
	_, err := tx.Exec(ctx, `
		UPDATE student_progress SET
			streak = $2,
			last_streak_at = $3,
			last_active_at = $4,
			active_avatar_effect = $5,
			active_profile_effect = $6,
			updated_at = $7
		WHERE user_id = $1`,
		p.UserID, p.Streak, nullTime(p.LastStreakAt), nullTime(p.LastActiveAt),
		p.ActiveAvatarEffect, p.ActiveProfileEffect, p.UpdatedAt)
	return err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func scanProgress(row pgx.Row) (*progress.Progress, error) {
	var (
		p                          progress.Progress
		lastActiveAt, lastStreakAt *time.Time
	)
	err := row.Scan(
		&p.UserID, &p.TotalXP, &p.Level, &p.CurrentLevelXP, &p.NextLevelXP,
		&p.Streak, &lastActiveAt, &lastStreakAt,
		&p.ActiveAvatarEffect, &p.ActiveProfileEffect,
		&p.Stats.QuestionsAnswered, &p.Stats.CorrectAnswers, &p.Stats.StudyTimeMinutes,
		&p.Stats.ChaptersCompleted, &p.Stats.PerfectScores, &p.Stats.QuizzesCompleted,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastActiveAt != nil {
		p.LastActiveAt = lastActiveAt.UTC()
	}
	if lastStreakAt != nil {
		p.LastStreakAt = lastStreakAt.UTC()
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}
