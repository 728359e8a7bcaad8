package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Migration is one embedded schema step.
type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

// Migrations returns the embedded schema migrations in version order.
func Migrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_student_progress", UpSQL: migration001Up},
		{Version: 2, Name: "create_unlock_sets", UpSQL: migration002Up},
		{Version: 3, Name: "create_xp_activities", UpSQL: migration003Up},
		{Version: 4, Name: "create_users", UpSQL: migration004Up},
		{Version: 5, Name: "widen_counters", UpSQL: migration005Up},
	}
}

// migrationLockKey is the pg_advisory_xact_lock key shared by every process
// that migrates this schema.
const migrationLockKey int64 = 0x70726f67

// Migrator applies embedded migrations in version order.
type Migrator struct {
	conn       *Connection
	migrations []Migration
}

// NewMigrator creates a migrator with the embedded migrations.
func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{conn: conn, migrations: Migrations()}
}

// Migrate applies pending migrations, each in its own transaction.
// The server and the worker may start together: an advisory lock
// serializes them and each step re-checks schema_migrations under it.
func (m *Migrator) Migrate(ctx context.Context) error {
	_, err := m.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("postgres: create migrations table: %w", err)
	}

	for _, mig := range m.migrations {
		err := m.conn.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
				return err
			}
			var done bool
			err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, mig.Version,
			).Scan(&done)
			if err != nil || done {
				return err
			}
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return err
			}
			_, err = tx.Exec(ctx,
				`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: migration %d (%s): %w", mig.Version, mig.Name, err)
		}
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: STUDENT PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
CREATE TABLE IF NOT EXISTS student_progress (
    user_id TEXT PRIMARY KEY,
    total_xp INTEGER NOT NULL DEFAULT 0,
    level INTEGER NOT NULL DEFAULT 1,
    current_level_xp INTEGER NOT NULL DEFAULT 0,
    next_level_xp INTEGER NOT NULL DEFAULT 100,
    streak INTEGER NOT NULL DEFAULT 0,
    last_active_at TIMESTAMPTZ,
    last_streak_at TIMESTAMPTZ,
    active_avatar_effect TEXT NOT NULL DEFAULT 'none',
    active_profile_effect TEXT NOT NULL DEFAULT 'none',

    questions_answered INTEGER NOT NULL DEFAULT 0,
    correct_answers INTEGER NOT NULL DEFAULT 0,
    study_time_minutes INTEGER NOT NULL DEFAULT 0,
    chapters_completed INTEGER NOT NULL DEFAULT 0,
    perfect_scores INTEGER NOT NULL DEFAULT 0,
    quizzes_completed INTEGER NOT NULL DEFAULT 0,

    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_total_xp CHECK (total_xp >= 0),
    CONSTRAINT valid_level CHECK (level BETWEEN 1 AND 25),
    CONSTRAINT valid_streak CHECK (streak >= 0),
    CONSTRAINT valid_stats CHECK (
        questions_answered >= 0 AND correct_answers >= 0 AND study_time_minutes >= 0 AND
        chapters_completed >= 0 AND perfect_scores >= 0 AND quizzes_completed >= 0
    )
);

CREATE INDEX IF NOT EXISTS idx_student_progress_xp
    ON student_progress(total_xp DESC, user_id ASC) WHERE total_xp > 0;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: UNLOCKED ACHIEVEMENTS AND EFFECTS
// Composite primary keys make every unlock an atomic set-add.
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
CREATE TABLE IF NOT EXISTS unlocked_achievements (
    user_id TEXT NOT NULL REFERENCES student_progress(user_id),
    achievement_id TEXT NOT NULL,
    unlocked_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (user_id, achievement_id)
);

CREATE TABLE IF NOT EXISTS unlocked_effects (
    user_id TEXT NOT NULL REFERENCES student_progress(user_id),
    effect_id TEXT NOT NULL,
    unlocked_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (user_id, effect_id)
);
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: XP ACTIVITY LOG
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
CREATE TABLE IF NOT EXISTS xp_activities (
    seq BIGINT GENERATED ALWAYS AS IDENTITY,
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES student_progress(user_id),
    activity_type VARCHAR(64) NOT NULL,
    xp_gained INTEGER NOT NULL,
    details JSONB,
    created_at TIMESTAMPTZ NOT NULL,

    CONSTRAINT valid_xp_gained CHECK (xp_gained > 0)
);

CREATE INDEX IF NOT EXISTS idx_xp_activities_user
    ON xp_activities(user_id, created_at DESC, seq DESC);
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 004: USERS
// Owned by the identity service. Created here so a standalone deployment
// has something to join the leaderboard against.
// ══════════════════════════════════════════════════════════════════════════════

const migration004Up = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    display_name VARCHAR(100) NOT NULL,
    photo_url TEXT NOT NULL DEFAULT '',
    role VARCHAR(20) NOT NULL DEFAULT 'student',

    CONSTRAINT valid_role CHECK (role IN ('student', 'teacher', 'admin', 'owner'))
);
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 005: 64-BIT COUNTERS
// ══════════════════════════════════════════════════════════════════════════════

const migration005Up = `
ALTER TABLE student_progress
    ALTER COLUMN total_xp TYPE BIGINT,
    ALTER COLUMN questions_answered TYPE BIGINT,
    ALTER COLUMN correct_answers TYPE BIGINT,
    ALTER COLUMN study_time_minutes TYPE BIGINT,
    ALTER COLUMN chapters_completed TYPE BIGINT,
    ALTER COLUMN perfect_scores TYPE BIGINT,
    ALTER COLUMN quizzes_completed TYPE BIGINT;

ALTER TABLE xp_activities
    ALTER COLUMN xp_gained TYPE BIGINT;
`
