// Package progression orchestrates XP awards, streaks, achievements and
// cosmetic unlocks on top of the progress store.
package progression

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/progression/internal/domain/catalog"
	"github.com/alem-hub/progression/internal/domain/progress"
	"github.com/alem-hub/progression/internal/domain/shared"
	"github.com/alem-hub/progression/pkg/logger"
	"github.com/alem-hub/progression/pkg/timeutil"
)

const (
	// DefaultActivityLimit is used when the caller does not pass a limit.
	DefaultActivityLimit = 20

	// MaxActivityLimit caps a single history read.
	MaxActivityLimit = 100
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVICE
// Every operation is scoped to one user and relies on the store for
// per-user atomicity. Operations never retry: a StoreUnavailable error
// surfaces to the caller unchanged.
// ══════════════════════════════════════════════════════════════════════════════

// Service is the progression engine entry point.
type Service struct {
	repo    progress.Repository
	catalog *catalog.Catalog
	log     *logger.Logger
	clock   timeutil.Clock
	newID   func() string
}

// Option configures the Service.
type Option func(*Service)

// WithClock overrides the wall clock.
func WithClock(c timeutil.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithIDGenerator overrides activity id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// NewService creates the progression service.
func NewService(repo progress.Repository, cat *catalog.Catalog, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		catalog: cat,
		log:     logger.Nop(),
		clock:   timeutil.SystemClock{},
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logger.Component("progression"))
	return s
}

// Catalog returns the catalog the service evaluates against.
func (s *Service) Catalog() *catalog.Catalog {
	return s.catalog
}

func (s *Service) logger(ctx context.Context) *logger.Logger {
	return logger.FromContext(ctx, s.log)
}

// ══════════════════════════════════════════════════════════════════════════════
// AWARD XP
// ══════════════════════════════════════════════════════════════════════════════

// AwardXPCommand contains the data for an XP award.
type AwardXPCommand struct {
	UserID       string
	Amount       int
	ActivityType progress.ActivityType
	Details      map[string]any
}

// Validate validates the command.
func (c AwardXPCommand) Validate() error {
	if _, err := shared.NewUserID(c.UserID); err != nil {
		return err
	}
	if c.Amount <= 0 || c.Amount > progress.MaxXPAward {
		return shared.ErrInvalidAmount
	}
	return c.ActivityType.Validate()
}

// AwardResult describes the outcome of an XP award.
type AwardResult struct {
	// Progress is the record after the award.
	Progress *progress.Progress

	// XPGained is the amount actually added.
	XPGained int

	// LeveledUp is true when the award crossed a level threshold.
	LeveledUp bool

	// NewLevel is set only when LeveledUp is true.
	NewLevel int

	// UnlockedEffects lists cosmetic effects unlocked by this award.
	UnlockedEffects []string
}

// AwardXP adds XP, recomputes the level, logs the activity and unlocks
// cosmetic effects in one store transaction. Achievements are not evaluated here.
func (s *Service) AwardXP(ctx context.Context, cmd AwardXPCommand) (*AwardResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	upd, err := s.repo.AddXP(ctx, progress.XPGrant{
		ActivityID: s.newID(),
		UserID:     cmd.UserID,
		Amount:     cmd.Amount,
		Type:       cmd.ActivityType,
		Details:    cmd.Details,
		At:         s.clock.Now(),
	}, s.catalog.EvaluateCosmetics)
	if err != nil {
		return nil, err
	}

	res := awardResult(upd)
	s.logAward(ctx, cmd.UserID, cmd.ActivityType, res)
	return res, nil
}

func awardResult(upd progress.Update) *AwardResult {
	res := &AwardResult{
		Progress:        upd.Progress,
		XPGained:        upd.Change.NewXP - upd.Change.OldXP,
		LeveledUp:       upd.Change.LeveledUp(),
		UnlockedEffects: upd.UnlockedEffects,
	}
	if res.LeveledUp {
		res.NewLevel = upd.Change.NewLevel
	}
	return res
}

func (s *Service) logAward(ctx context.Context, userID string, kind progress.ActivityType, res *AwardResult) {
	log := s.logger(ctx).With(logger.UserID(userID))
	log.Debug("xp awarded",
		logger.XPAmount(res.XPGained),
		logger.ActivityType(string(kind)),
	)
	if res.LeveledUp {
		log.Info("level up", logger.NewLevel(res.NewLevel))
	}
	if len(res.UnlockedEffects) > 0 {
		log.Info("effects unlocked", logger.Strings("effects", res.UnlockedEffects))
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// STATS
// ══════════════════════════════════════════════════════════════════════════════

// StatsResult describes the outcome of a stats update.
type StatsResult struct {
	Progress        *progress.Progress
	UnlockedEffects []string
}

// UpdateUserStats increments counters and unlocks cosmetic effects.
// Achievements must be re-checked by the caller with CheckAchievements.
func (s *Service) UpdateUserStats(ctx context.Context, userID string, delta progress.StatsDelta) (*StatsResult, error) {
	if _, err := shared.NewUserID(userID); err != nil {
		return nil, err
	}
	if err := delta.Validate(); err != nil {
		return nil, err
	}
	if delta.IsZero() {
		p, err := s.repo.LoadOrInit(ctx, userID, s.clock.Now())
		if err != nil {
			return nil, err
		}
		return &StatsResult{Progress: p}, nil
	}

	upd, err := s.repo.AddStats(ctx, userID, delta, s.clock.Now(), s.catalog.EvaluateCosmetics)
	if err != nil {
		return nil, err
	}
	if len(upd.UnlockedEffects) > 0 {
		s.logger(ctx).Info("effects unlocked",
			logger.UserID(userID),
			logger.Strings("effects", upd.UnlockedEffects),
		)
	}
	return &StatsResult{Progress: upd.Progress, UnlockedEffects: upd.UnlockedEffects}, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// READS
// ══════════════════════════════════════════════════════════════════════════════

// GetProgress returns the record, creating a zeroed one on first access.
// An active effect that is not unlocked is logged and returned as stored.
func (s *Service) GetProgress(ctx context.Context, userID string) (*progress.Progress, error) {
	if _, err := shared.NewUserID(userID); err != nil {
		return nil, err
	}
	p, err := s.repo.LoadOrInit(ctx, userID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	s.checkIntegrity(ctx, p)
	return p, nil
}

// GetProgressStrict returns ErrUserNotFound instead of creating a record.
func (s *Service) GetProgressStrict(ctx context.Context, userID string) (*progress.Progress, error) {
	if _, err := shared.NewUserID(userID); err != nil {
		return nil, err
	}
	p, err := s.repo.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.checkIntegrity(ctx, p)
	return p, nil
}

func (s *Service) checkIntegrity(ctx context.Context, p *progress.Progress) {
	if err := p.CheckIntegrity(); err != nil {
		s.logger(ctx).Error("inconsistent cosmetic state",
			logger.UserID(p.UserID),
			logger.String("avatar_effect", p.ActiveAvatarEffect),
			logger.String("profile_effect", p.ActiveProfileEffect),
			logger.Err(err),
		)
	}
}

// RecentActivities returns the newest history entries first.
func (s *Service) RecentActivities(ctx context.Context, userID string, limit int) ([]progress.Activity, error) {
	if _, err := shared.NewUserID(userID); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = DefaultActivityLimit
	case limit > MaxActivityLimit:
		limit = MaxActivityLimit
	}
	return s.repo.RecentActivities(ctx, userID, limit)
}

// since reports how long ago t was, for log fields.
func (s *Service) since(t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	return timeutil.Elapsed(t, s.clock.Now())
}
