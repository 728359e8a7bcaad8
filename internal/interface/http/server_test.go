package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression/internal/application/progression"
	"github.com/alem-hub/progression/internal/application/query"
	"github.com/alem-hub/progression/internal/domain/catalog"
	"github.com/alem-hub/progression/internal/domain/leaderboard"
	"github.com/alem-hub/progression/internal/domain/shared"
	"github.com/alem-hub/progression/internal/infrastructure/identity"
	"github.com/alem-hub/progression/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progression/internal/infrastructure/scheduler"
	"github.com/alem-hub/progression/internal/interface/http/handlers"
	"github.com/alem-hub/progression/pkg/logger"
	"github.com/alem-hub/progression/pkg/timeutil"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type envelope struct {
	Success   bool                   `json:"success"`
	Data      json.RawMessage        `json:"data"`
	Error     *handlers.APIError     `json:"error"`
	Meta      *handlers.ResponseMeta `json:"meta"`
	RequestID string                 `json:"request_id"`
}

type testServer struct {
	handler http.Handler
	clock   *timeutil.ManualClock
	health  *handlers.CompositeHealthChecker
}

func newTestServer(t *testing.T, cfg Config, jobs JobRunner) testServer {
	t.Helper()

	clock := timeutil.NewManualClock(epoch)
	repo := memory.NewProgressRepository()
	svc := progression.NewService(repo, catalog.Default(), progression.WithClock(clock))
	dir := identity.NewDirectory(
		leaderboard.Identity{UserID: "alice", DisplayName: "Alice", Role: leaderboard.RoleStudent},
		leaderboard.Identity{UserID: "bob", DisplayName: "Bob", Role: leaderboard.RoleTeacher},
		leaderboard.Identity{UserID: "carol", DisplayName: "Carol", Role: leaderboard.RoleStudent},
	)
	health := handlers.NewCompositeHealthChecker("test")

	srv := NewServer(cfg, Dependencies{
		Progression:   svc,
		Leaderboard:   query.NewGetLeaderboardHandler(repo, dir, query.WithLeaderboardClock(clock)),
		HealthChecker: health,
		Jobs:          jobs,
		Logger:        logger.Nop(),
		Clock:         clock,
		Version:       "test",
	})
	return testServer{handler: srv.Handler(), clock: clock, health: health}
}

func (ts testServer) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func decodeData(t *testing.T, env envelope, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

type progressBody struct {
	UserID               string   `json:"userId"`
	TotalXP              int      `json:"totalXP"`
	Level                int      `json:"level"`
	Streak               int      `json:"streak"`
	UnlockedEffects      []string `json:"unlockedEffects"`
	UnlockedAchievements []string `json:"unlockedAchievements"`
	ActiveAvatarEffect   string   `json:"activeAvatarEffect"`
	LevelProgressPercent float64  `json:"levelProgressPercent"`
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ══════════════════════════════════════════════════════════════════════════════

func TestServer_Live(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), nil)

	rec, env := ts.do(t, http.MethodGet, "/live", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.NotEmpty(t, rec.Header().Get(handlers.RequestIDHeader))
	assert.Equal(t, rec.Header().Get(handlers.RequestIDHeader), env.RequestID)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestServer_HealthAndReadiness(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), nil)
	ts.health.AddCheck("store", func(context.Context) error { return nil })
	ts.health.AddOptionalCheck("xp_index", func(context.Context) error { return errors.New("connection refused") })

	rec, _ := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code, "optional check does not fail health")

	rec, _ = ts.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ts.health.AddCheck("store", func(context.Context) error { return errors.New("disk full") })
	rec, env := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var status handlers.HealthStatus
	decodeData(t, env, &status)
	assert.False(t, status.Healthy)
	assert.Equal(t, "disk full", status.Checks["store"].Message)
}

func TestServer_UnknownRoute(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), nil)

	rec, env := ts.do(t, http.MethodGet, "/api/v1/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "route_not_found", env.Error.Code)

	rec, env = ts.do(t, http.MethodDelete, "/api/v1/users/alice/progress", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "method_not_allowed", env.Error.Code)

	rec, env = ts.do(t, http.MethodPost, "/api/v1/leaderboard", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "method_not_allowed", env.Error.Code)

	rec, env = ts.do(t, http.MethodGet, "/api/v1/users/alice/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "route_not_found", env.Error.Code)

	rec, env = ts.do(t, http.MethodPost, "/health", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "method_not_allowed", env.Error.Code)
}

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

func TestServer_GetProgressCreatesRecord(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), nil)

	rec, env := ts.do(t, http.MethodGet, "/api/v1/users/alice/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var p progressBody
	decodeData(t, env, &p)
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, 0, p.TotalXP)
	assert.Equal(t, 1, p.Level)
	assert.Equal(t, []string{"none"}, p.UnlockedEffects)
	assert.Equal(t, "none", p.ActiveAvatarEffect)
}

func TestServer_AwardXP(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), nil)

	rec, env := ts.do(t, http.MethodPost, "/api/v1/users/alice/xp", `{"amount":250,"activityType":"manual"}`)
	require.Equal(t, http.StatusOK, rec.Code, string(env.Data))

	var res struct {
		Progress        progressBody `json:"progress"`
		XPGained        int          `json:"xpGained"`
		LeveledUp       bool         `json:"leveledUp"`
		NewLevel        int          `json:"newLevel"`
		UnlockedEffects []string     `json:"unlockedEffects"`
	}
	decodeData(t, env, &res)
	assert.Equal(t, 250, res.XPGained)
	assert.True(t, res.LeveledUp)
	assert.Equal(t, 3, res.NewLevel)
	assert.Equal(t, 250, res.Progress.TotalXP)
	assert.Equal(t, []string{"sparkle"}, res.UnlockedEffects)

	rec, env = ts.do(t, http.MethodGet, "/api/v1/users/alice/activities?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var activities []struct {
		Type     string `json:"activityType"`
		XPGained int    `json:"xpGained"`
	}
	decodeData(t, env, &activities)
	require.Len(t, activities, 1)
	assert.Equal(t, "manual", activities[0].Type)
	assert.Equal(t, 250, activities[0].XPGained)
	assert.Equal(t, 1, env.Meta.TotalCount)
}

func TestServer_AwardXPRejectsBadInput(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), nil)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"zero amount", `{"amount":0}`, "invalid_amount"},
		{"negative amount", `{"amount":-5}`, "invalid_amount"},
		{"malformed", `{"amount":`, "invalid_json"},
		{"unknown field", `{"amount":5,"bonus":true}`, "invalid_json"},
		{"empty body", ``, "invalid_json"},
		{"trailing data", `{"amount":5}{}`, "invalid_json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := ts.do(t, http.MethodPost, "/api/v1/users/alice/xp", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestServer_BodyLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBodyBytes = 32
	ts := newTestServer(t, cfg, nil)

	body := `{"amount":5,"details":{"note":"` + strings.Repeat("x", 64) + `"}}`
	rec, env := ts.do(t, http.MethodPost, "/api/v1/users/alice/xp", body)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "payload_too_large", env.Error.Code)
}

func TestServer_UpdateStats(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), nil)

	rec, env := ts.do(t, http.MethodPost, "/api/v1/users/alice/stats", `{"perfectScores":5}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		UnlockedEffects []string `json:"unlockedEffects"`
	}
	decodeData(t, env, &res)
	assert.Equal(t, []string{"rainbow_frame"}, res.UnlockedEffects)

	rec, env = ts.do(t, http.MethodPost, "/api/v1/users/alice/stats", `{"questionsAnswered":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "negative_stats_delta", env.Error.Code)
}

func TestServer_StreakAndLogin(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), nil)

	rec, env := ts.do(t, http.MethodPost, "/api/v1/users/alice/streak", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var streak struct {
		Streak     int              `json:"streak"`
		Transition string           `json:"transition"`
		Bonus      *json.RawMessage `json:"bonus"`
	}
	decodeData(t, env, &streak)
	assert.Equal(t, 1, streak.Streak)
	assert.Equal(t, "started", streak.Transition)
	assert.Nil(t, streak.Bonus)

	ts.clock.Advance(25 * time.Hour)

	rec, env = ts.do(t, http.MethodPost, "/api/v1/users/alice/login", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var login struct {
		Streak struct {
			Streak     int    `json:"streak"`
			Transition string `json:"transition"`
			Bonus      *struct {
				XPGained int `json:"xpGained"`
			} `json:"bonus"`
		} `json:"streak"`
		Achievements []catalog.Achievement `json:"achievements"`
		Progress     progressBody          `json:"progress"`
	}
	decodeData(t, env, &login)
	assert.Equal(t, 2, login.Streak.Streak)
	assert.Equal(t, "extended", login.Streak.Transition)
	require.NotNil(t, login.Streak.Bonus)
	assert.Equal(t, 5, login.Streak.Bonus.XPGained)
	assert.Empty(t, login.Achievements)
	assert.Equal(t, 5, login.Progress.TotalXP)
}

func TestServer_QuizResult(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), nil)

	rec, env := ts.do(t, http.MethodPost, "/api/v1/users/alice/quiz",
		`{"correct":5,"total":5,"studyMinutes":10}`)
	require.Equal(t, http.StatusOK, rec.Code, string(env.Data))

	var res struct {
		Award *struct {
			XPGained int `json:"xpGained"`
		} `json:"award"`
		Achievements []catalog.Achievement `json:"achievements"`
		Progress     progressBody          `json:"progress"`
	}
	decodeData(t, env, &res)
	require.NotNil(t, res.Award)
	assert.Equal(t, 70, res.Award.XPGained)

	ids := make([]string, 0, len(res.Achievements))
	for _, a := range res.Achievements {
		ids = append(ids, a.ID)
	}
	assert.ElementsMatch(t, []string{"first_steps", "perfectionist"}, ids)
	assert.Equal(t, 110, res.Progress.TotalXP)
	assert.ElementsMatch(t, []string{"first_steps", "perfectionist"}, res.Progress.UnlockedAchievements)

	rec, env = ts.do(t, http.MethodPost, "/api/v1/users/alice/quiz", `{"correct":6,"total":5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_quiz_result", env.Error.Code)
}

func TestServer_CheckAchievementsIsIdempotent(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), nil)
	ts.do(t, http.MethodPost, "/api/v1/users/alice/stats", `{"questionsAnswered":1}`)

	_, env := ts.do(t, http.MethodPost, "/api/v1/users/alice/achievements/check", "")
	var first struct {
		Achievements []catalog.Achievement `json:"achievements"`
	}
	decodeData(t, env, &first)
	require.Len(t, first.Achievements, 1)
	assert.Equal(t, "first_steps", first.Achievements[0].ID)

	_, env = ts.do(t, http.MethodPost, "/api/v1/users/alice/achievements/check", "")
	var second struct {
		Achievements []catalog.Achievement `json:"achievements"`
	}
	decodeData(t, env, &second)
	assert.Empty(t, second.Achievements)
	assert.NotNil(t, second.Achievements)
}

func TestServer_SetEffects(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), nil)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"locked effect", `{"avatar":"sparkle"}`, http.StatusConflict, "effect_not_unlocked"},
		{"unknown effect", `{"avatar":"disco"}`, http.StatusNotFound, "unknown_effect"},
		{"wrong slot", `{"profile":"sparkle"}`, http.StatusBadRequest, "effect_slot_mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := ts.do(t, http.MethodPut, "/api/v1/users/alice/effects", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}

	ts.do(t, http.MethodPost, "/api/v1/users/alice/xp", `{"amount":250}`)
	rec, env := ts.do(t, http.MethodPut, "/api/v1/users/alice/effects", `{"avatar":"sparkle"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var p progressBody
	decodeData(t, env, &p)
	assert.Equal(t, "sparkle", p.ActiveAvatarEffect)
}

func TestServer_InvalidUserID(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), nil)

	rec, env := ts.do(t, http.MethodGet, "/api/v1/users/%20/progress", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_user_id", env.Error.Code)
}

// ══════════════════════════════════════════════════════════════════════════════
// LEADERBOARD & CATALOG
// ══════════════════════════════════════════════════════════════════════════════

func TestServer_Leaderboard(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), nil)
	ts.do(t, http.MethodPost, "/api/v1/users/alice/xp", `{"amount":100}`)
	ts.do(t, http.MethodPost, "/api/v1/users/bob/xp", `{"amount":900}`)
	ts.do(t, http.MethodPost, "/api/v1/users/carol/xp", `{"amount":300}`)
	ts.do(t, http.MethodPost, "/api/v1/users/dave/xp", `{"amount":500}`)

	rec, env := ts.do(t, http.MethodGet, "/api/v1/leaderboard?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var res query.GetLeaderboardResult
	decodeData(t, env, &res)
	require.Len(t, res.Entries, 2, "teachers and users without identity are excluded")
	assert.Equal(t, "carol", res.Entries[0].UserID)
	assert.Equal(t, leaderboard.Rank(1), res.Entries[0].Rank)
	assert.Equal(t, "alice", res.Entries[1].UserID)
	assert.Equal(t, leaderboard.Rank(2), res.Entries[1].Rank)
	assert.Equal(t, 10, res.Limit)
	assert.Equal(t, 2, env.Meta.TotalCount)
}

func TestServer_LeaderboardLimitValidation(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), nil)

	rec, env := ts.do(t, http.MethodGet, "/api/v1/leaderboard?limit=ten", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_limit", env.Error.Code)

	rec, env = ts.do(t, http.MethodGet, "/api/v1/leaderboard?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_limit", env.Error.Code)

	rec, env = ts.do(t, http.MethodGet, "/api/v1/leaderboard", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res query.GetLeaderboardResult
	decodeData(t, env, &res)
	assert.Equal(t, query.DefaultLeaderboardLimit, res.Limit)
	assert.Empty(t, res.Entries)
}

func TestServer_Catalog(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), nil)

	rec, env := ts.do(t, http.MethodGet, "/api/v1/catalog", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var res struct {
		Levels []struct {
			Level      int `json:"level"`
			XPRequired int `json:"xpRequired"`
		} `json:"levels"`
		Achievements []catalog.Achievement  `json:"achievements"`
		Cosmetics    []catalog.CosmeticRule `json:"cosmetics"`
	}
	decodeData(t, env, &res)
	require.Len(t, res.Levels, 25)
	assert.Equal(t, 0, res.Levels[0].XPRequired)
	assert.Equal(t, 47000, res.Levels[24].XPRequired)
	assert.Len(t, res.Achievements, catalog.Default().Size())
	assert.NotEmpty(t, res.Cosmetics)
}

// ══════════════════════════════════════════════════════════════════════════════
// ADMIN
// ══════════════════════════════════════════════════════════════════════════════

type stubJob struct {
	name string
	err  error
}

func (j stubJob) Name() string                  { return j.name }
func (j stubJob) Description() string           { return "stub" }
func (j stubJob) Run(ctx context.Context) error { return j.err }

func TestServer_AdminJobs(t *testing.T) {
	sched := scheduler.New(scheduler.Config{Logger: logger.Nop(), Clock: timeutil.NewManualClock(epoch)})
	every, err := scheduler.ParseSchedule("@every 1h")
	require.NoError(t, err)
	require.NoError(t, sched.Register(stubJob{name: "ok"}, every))
	require.NoError(t, sched.Register(stubJob{name: "broken", err: errors.New("boom")}, every))

	ts := newTestServer(t, DefaultConfig(), sched)

	rec, env := ts.do(t, http.MethodPost, "/api/v1/admin/jobs/ok/run", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var result struct {
		Job     string `json:"job"`
		Success bool   `json:"success"`
		Manual  bool   `json:"manual"`
	}
	decodeData(t, env, &result)
	assert.Equal(t, "ok", result.Job)
	assert.True(t, result.Success)
	assert.True(t, result.Manual)

	rec, env = ts.do(t, http.MethodPost, "/api/v1/admin/jobs/broken/run", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "job_failed", env.Error.Code)
	assert.Equal(t, "boom", env.Error.Details)

	rec, env = ts.do(t, http.MethodPost, "/api/v1/admin/jobs/missing/run", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "job_not_found", env.Error.Code)

	rec, env = ts.do(t, http.MethodGet, "/api/v1/admin/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []struct {
		Name      string `json:"name"`
		RunCount  int64  `json:"runCount"`
		FailCount int64  `json:"failCount"`
	}
	decodeData(t, env, &jobs)
	require.Len(t, jobs, 2)
	assert.Equal(t, "broken", jobs[0].Name)
	assert.Equal(t, int64(1), jobs[0].FailCount)
	assert.Equal(t, "ok", jobs[1].Name)
	assert.Equal(t, int64(1), jobs[1].RunCount)
}

func TestServer_AdminRoutesRequireToken(t *testing.T) {
	sched := scheduler.New(scheduler.Config{Logger: logger.Nop(), Clock: timeutil.NewManualClock(epoch)})
	hash, err := handlers.HashAdminToken("ops-token")
	require.NoError(t, err)

	srv := NewServer(DefaultConfig(), Dependencies{
		Jobs:           sched,
		AdminTokenHash: hash,
		Logger:         logger.Nop(),
		Clock:          timeutil.NewManualClock(epoch),
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/jobs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/jobs", nil)
	req.Header.Set("Authorization", "Bearer ops-token")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_AdminRoutesDisabledWithoutJobs(t *testing.T) {
	ts := newTestServer(t, DefaultConfig(), nil)

	rec, _ := ts.do(t, http.MethodGet, "/api/v1/admin/jobs", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClassifyError(t *testing.T) {
	status, code := classifyError(errors.New("unexpected"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal_error", code)

	status, code = classifyError(shared.Unavailable("Load", context.DeadlineExceeded))
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "store_unavailable", code)

	status, code = classifyError(shared.ErrUserNotFound)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "user_not_found", code)
}
