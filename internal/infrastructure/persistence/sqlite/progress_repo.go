package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alem-hub/progression/internal/domain/progress"
	"github.com/alem-hub/progression/internal/domain/shared"
)

const forEachPageSize = 500

const progressColumns = `user_id, total_xp, level, current_level_xp, next_level_xp,
	streak, last_active_at, last_streak_at, active_avatar_effect, active_profile_effect,
	questions_answered, correct_answers, study_time_minutes,
	chapters_completed, perfect_scores, quizzes_completed, created_at, updated_at`

var (
	_ progress.Repository = (*Store)(nil)
	_ progress.Lister     = (*Store)(nil)
)

// ══════════════════════════════════════════════════════════════════════════════
// READS
// ══════════════════════════════════════════════════════════════════════════════

// Load returns the record or ErrUserNotFound.
func (s *Store) Load(ctx context.Context, userID string) (*progress.Progress, error) {
	p, err := s.load(ctx, s.sqlDB, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrUserNotFound
	}
	return p, classify("Load", err)
}

// LoadOrInit returns the record, creating a zeroed one on first access.
func (s *Store) LoadOrInit(ctx context.Context, userID string, now time.Time) (*progress.Progress, error) {
	var p *progress.Progress
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		p, err = s.lock(ctx, tx, userID, now)
		return err
	})
	return p, classify("LoadOrInit", err)
}

// LoadMany returns records in input order, skipping unknown ids.
func (s *Store) LoadMany(ctx context.Context, userIDs []string) ([]*progress.Progress, error) {
	if len(userIDs) == 0 {
		return []*progress.Progress{}, nil
	}
	ids, err := json.Marshal(userIDs)
	if err != nil {
		return nil, classify("LoadMany", err)
	}
	found, err := s.query(ctx, s.sqlDB,
		`SELECT `+progressColumns+` FROM student_progress
		WHERE user_id IN (SELECT value FROM json_each(?))`, string(ids))
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
func (s *Store) TopByXP(ctx context.Context, limit int) ([]*progress.Progress, error) {
	if limit <= 0 {
		return []*progress.Progress{}, nil
	}
	out, err := s.query(ctx, s.sqlDB,
		`SELECT `+progressColumns+` FROM student_progress
		WHERE total_xp > 0
		ORDER BY total_xp DESC, user_id ASC
		LIMIT ?`, limit)
	return out, classify("TopByXP", err)
}

// ForEach visits every record with positive XP in user id order.
func (s *Store) ForEach(ctx context.Context, fn func(p *progress.Progress) error) error {
	after := ""
	for {
		page, err := s.query(ctx, s.sqlDB,
			`SELECT `+progressColumns+` FROM student_progress
			WHERE total_xp > 0 AND user_id > ?
			ORDER BY user_id
			LIMIT ?`, after, forEachPageSize)
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
func (s *Store) RecentActivities(ctx context.Context, userID string, limit int) ([]progress.Activity, error) {
	if limit <= 0 {
		return []progress.Activity{}, nil
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT id, user_id, activity_type, xp_gained, details, created_at
		FROM xp_activities
		WHERE user_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, classify("RecentActivities", err)
	}
	defer rows.Close()

	out := make([]progress.Activity, 0, limit)
	for rows.Next() {
		var (
			a         progress.Activity
			kind      string
			details   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&a.ID, &a.UserID, &kind, &a.XPGained, &details, &createdAt); err != nil {
			return nil, classify("RecentActivities", err)
		}
		a.Type = progress.ActivityType(kind)
		a.CreatedAt = time.Unix(0, createdAt).UTC()
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &a.Details); err != nil {
				return nil, classify("RecentActivities", fmt.Errorf("decode details: %w", err))
			}
		}
		out = append(out, a)
	}
	return out, classify("RecentActivities", rows.Err())
}

// ══════════════════════════════════════════════════════════════════════════════
// ATOMIC MUTATIONS
// ══════════════════════════════════════════════════════════════════════════════

// AddXP runs the whole grant in one immediate transaction.
func (s *Store) AddXP(ctx context.Context, grant progress.XPGrant, rule progress.UnlockRule) (progress.Update, error) {
	var upd progress.Update
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := s.lock(ctx, tx, grant.UserID, grant.At)
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
			if err := saveMutable(ctx, tx, work); err != nil {
				return err
			}
			p.AdoptMutable(work)
			if !award {
				return nil
			}
		}

		if grant.AchievementID != "" {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO unlocked_achievements (user_id, achievement_id, unlocked_at)
				VALUES (?, ?, ?)
				ON CONFLICT (user_id, achievement_id) DO NOTHING`,
				grant.UserID, grant.AchievementID, grant.At.UnixNano())
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil || n == 0 {
				return err
			}
			p.UnlockedAchievements.Add(grant.AchievementID)
		}

		if grant.Amount > 0 {
			change, err := increment(ctx, tx, p, grant)
			if err != nil {
				return err
			}
			upd.Change = change
		}

		effects, err := unlockEffects(ctx, tx, p, rule, grant.At)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE student_progress SET updated_at = ? WHERE user_id = ?`,
			grant.At.UnixNano(), grant.UserID); err != nil {
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

func increment(ctx context.Context, tx *sql.Tx, p *progress.Progress, grant progress.XPGrant) (progress.XPChange, error) {
	change := progress.XPChange{OldXP: p.TotalXP, OldLevel: p.Level}

	var total int
	if err := tx.QueryRowContext(ctx, `
		UPDATE student_progress
		SET total_xp = MIN(total_xp + ?, ?), last_active_at = ?
		WHERE user_id = ?
		RETURNING total_xp`,
		grant.Amount, progress.MaxCounter, grant.At.UnixNano(), grant.UserID).Scan(&total); err != nil {
		return change, err
	}

	p.TotalXP = total
	p.RecomputeLevel()
	p.LastActiveAt = grant.At
	if _, err := tx.ExecContext(ctx, `
		UPDATE student_progress
		SET level = ?, current_level_xp = ?, next_level_xp = ?
		WHERE user_id = ?`,
		p.Level, p.CurrentLevelXP, p.NextLevelXP, grant.UserID); err != nil {
		return change, err
	}

	a := grant.Activity()
	var details sql.NullString
	if a.Details != nil {
		data, err := json.Marshal(a.Details)
		if err != nil {
			return change, fmt.Errorf("encode activity details: %w", err)
		}
		details = sql.NullString{String: string(data), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO xp_activities (id, user_id, activity_type, xp_gained, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, string(a.Type), a.XPGained, details, a.CreatedAt.UnixNano())
	if isUniqueViolation(err) {
		return change, shared.WrapError("progress", "AppendActivity", shared.ErrAlreadyExists, "activity already recorded", err)
	}
	if err != nil {
		return change, err
	}

	change.NewXP = p.TotalXP
	change.NewLevel = p.Level
	return change, nil
}

// AddStats increments counters with one UPDATE and unlocks effects.
func (s *Store) AddStats(ctx context.Context, userID string, delta progress.StatsDelta, at time.Time, rule progress.UnlockRule) (progress.Update, error) {
	var upd progress.Update
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensure(ctx, tx, userID, at); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE student_progress SET
				questions_answered = MIN(questions_answered + ?1, ?7),
				correct_answers = MIN(correct_answers + ?2, ?7),
				study_time_minutes = MIN(study_time_minutes + ?3, ?7),
				chapters_completed = MIN(chapters_completed + ?4, ?7),
				perfect_scores = MIN(perfect_scores + ?5, ?7),
				quizzes_completed = MIN(quizzes_completed + ?6, ?7),
				updated_at = ?8
			WHERE user_id = ?9`,
			delta.QuestionsAnswered, delta.CorrectAnswers, delta.StudyTimeMinutes,
			delta.ChaptersCompleted, delta.PerfectScores, delta.QuizzesCompleted,
			progress.MaxCounter, at.UnixNano(), userID); err != nil {
			return err
		}

		p, err := s.load(ctx, tx, userID)
		if err != nil {
			return err
		}
		effects, err := unlockEffects(ctx, tx, p, rule, at)
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

// Mutate runs fn inside an immediate transaction and keeps the mutable scalar fields.
func (s *Store) Mutate(ctx context.Context, userID string, now time.Time, fn progress.MutateFunc) (*progress.Progress, error) {
	var out *progress.Progress
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := s.lock(ctx, tx, userID, now)
		if err != nil {
			return err
		}
		work := p.Clone()
		changed, err := fn(work)
		if err != nil {
			return err
		}
		if changed {
			if err := saveMutable(ctx, tx, work); err != nil {
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

func ensure(ctx context.Context, q querier, userID string, now time.Time) error {
	fresh := progress.New(userID, now)
	_, err := q.ExecContext(ctx, `
		INSERT INTO student_progress (user_id, level, current_level_xp, next_level_xp, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING`,
		userID, fresh.Level, fresh.CurrentLevelXP, fresh.NextLevelXP, now.UnixNano(), now.UnixNano())
	return err
}

// lock ensures the record exists and reads it. The caller's transaction
// already holds the database write lock.
func (s *Store) lock(ctx context.Context, tx *sql.Tx, userID string, now time.Time) (*progress.Progress, error) {
	if err := ensure(ctx, tx, userID, now); err != nil {
		return nil, err
	}
	return s.load(ctx, tx, userID)
}

func (s *Store) load(ctx context.Context, q querier, userID string) (*progress.Progress, error) {
	p, err := scanProgress(q.QueryRowContext(ctx,
		`SELECT `+progressColumns+` FROM student_progress WHERE user_id = ?`, userID))
	if err != nil {
		return nil, err
	}
	if err := loadSets(ctx, q, map[string]*progress.Progress{userID: p}); err != nil {
		return nil, err
	}
	p.Normalize()
	return p, nil
}

// query reads all rows before loading sets; the single connection cannot
// serve a second query while rows are open.
func (s *Store) query(ctx context.Context, q querier, query string, args ...any) ([]*progress.Progress, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := []*progress.Progress{}
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
		return out, nil
	}

	if err := loadSets(ctx, q, byID); err != nil {
		return nil, err
	}
	for _, p := range out {
		p.Normalize()
	}
	return out, nil
}

func loadSets(ctx context.Context, q querier, byID map[string]*progress.Progress) error {
	ids := make([]string, 0, len(byID))
	for id, p := range byID {
		ids = append(ids, id)
		p.UnlockedAchievements = progress.NewIDSet()
		p.UnlockedEffects = progress.NewIDSet()
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return err
	}

	for _, set := range []struct {
		query string
		pick  func(p *progress.Progress) progress.IDSet
	}{
		{`SELECT user_id, achievement_id FROM unlocked_achievements WHERE user_id IN (SELECT value FROM json_each(?))`,
			func(p *progress.Progress) progress.IDSet { return p.UnlockedAchievements }},
		{`SELECT user_id, effect_id FROM unlocked_effects WHERE user_id IN (SELECT value FROM json_each(?))`,
			func(p *progress.Progress) progress.IDSet { return p.UnlockedEffects }},
	} {
		rows, err := q.QueryContext(ctx, set.query, string(encoded))
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

func unlockEffects(ctx context.Context, tx *sql.Tx, p *progress.Progress, rule progress.UnlockRule, at time.Time) ([]string, error) {
	effects := p.ApplyUnlockRule(rule)
	for _, id := range effects {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO unlocked_effects (user_id, effect_id, unlocked_at)
			VALUES (?, ?, ?)
			ON CONFLICT (user_id, effect_id) DO NOTHING`,
			p.UserID, id, at.UnixNano()); err != nil {
			return nil, err
		}
	}
	return effects, nil
}

func saveMutable(ctx context.Context, tx *sql.Tx, p *progress.Progress) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE student_progress SET
			streak = ?,
			last_streak_at = ?,
			last_active_at = ?,
			active_avatar_effect = ?,
			active_profile_effect = ?,
			updated_at = ?
		WHERE user_id = ?`,
		p.Streak, toNanos(p.LastStreakAt), toNanos(p.LastActiveAt),
		p.ActiveAvatarEffect, p.ActiveProfileEffect, p.UpdatedAt.UnixNano(), p.UserID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProgress(row rowScanner) (*progress.Progress, error) {
	var (
		p                          progress.Progress
		lastActiveAt, lastStreakAt sql.NullInt64
		createdAt, updatedAt       int64
	)
	err := row.Scan(
		&p.UserID, &p.TotalXP, &p.Level, &p.CurrentLevelXP, &p.NextLevelXP,
		&p.Streak, &lastActiveAt, &lastStreakAt,
		&p.ActiveAvatarEffect, &p.ActiveProfileEffect,
		&p.Stats.QuestionsAnswered, &p.Stats.CorrectAnswers, &p.Stats.StudyTimeMinutes,
		&p.Stats.ChaptersCompleted, &p.Stats.PerfectScores, &p.Stats.QuizzesCompleted,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.LastActiveAt = fromNanos(lastActiveAt)
	p.LastStreakAt = fromNanos(lastStreakAt)
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	p.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &p, nil
}
