package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/alem-hub/progression/internal/application/progression"
	"github.com/alem-hub/progression/internal/application/query"
	"github.com/alem-hub/progression/internal/domain/progress"
	"github.com/alem-hub/progression/internal/infrastructure/scheduler"
	"github.com/alem-hub/progression/internal/interface/http/handlers"
	"github.com/alem-hub/progression/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & STATUS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleRoot serves basic API information.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	handlers.WriteJSON(w, r, http.StatusOK, map[string]any{
		"name":    "progression",
		"version": s.deps.Version,
		"endpoints": map[string]string{
			"health":      "/health",
			"catalog":     "/api/v1/catalog",
			"leaderboard": "/api/v1/leaderboard",
			"progress":    "/api/v1/users/{id}/progress",
		},
	})
}

// handleHealth reports 503 when a required check fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.deps.HealthChecker.Check(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	handlers.WriteJSON(w, r, code, status)
}

// handleReady reports 503 when any check fails.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := s.deps.HealthChecker.Check(r.Context())
	if !status.Ready {
		handlers.WriteJSON(w, r, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": status.Message,
		})
		return
	}
	handlers.WriteJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// handleLive always succeeds while the process serves requests.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	handlers.WriteJSON(w, r, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	handlers.WriteError(w, r, http.StatusNotFound, "route_not_found", "no route for "+r.URL.Path)
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	handlers.WriteError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" is not allowed here")
}

// ══════════════════════════════════════════════════════════════════════════════
// CATALOG & LEADERBOARD HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleGetCatalog handles GET /api/v1/catalog
func (s *Server) handleGetCatalog(w http.ResponseWriter, r *http.Request) {
	handlers.WriteJSON(w, r, http.StatusOK, newCatalogView(s.deps.Progression.Catalog()))
}

// handleGetLeaderboard handles GET /api/v1/leaderboard?limit=N
func (s *Server) handleGetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.queryInt(w, r, "limit")
	if !ok {
		return
	}

	result, err := s.deps.Leaderboard.Handle(r.Context(), query.GetLeaderboardQuery{Limit: limit})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	handlers.WriteJSONWithMeta(w, r, http.StatusOK, result, &handlers.ResponseMeta{
		TotalCount: len(result.Entries),
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleGetProgress handles GET /api/v1/users/{id}/progress
func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Progression.GetProgress(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	handlers.WriteJSON(w, r, http.StatusOK, newProgressView(p))
}

// handleGetActivities handles GET /api/v1/users/{id}/activities?limit=N
func (s *Server) handleGetActivities(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.queryInt(w, r, "limit")
	if !ok {
		return
	}
	if limit < 0 {
		handlers.WriteError(w, r, http.StatusBadRequest, "invalid_limit", "limit must not be negative")
		return
	}

	activities, err := s.deps.Progression.RecentActivities(r.Context(), userID(r), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if activities == nil {
		activities = []progress.Activity{}
	}
	handlers.WriteJSONWithMeta(w, r, http.StatusOK, activities, &handlers.ResponseMeta{
		TotalCount: len(activities),
	})
}

type awardXPRequest struct {
	Amount       int            `json:"amount"`
	ActivityType string         `json:"activityType"`
	Details      map[string]any `json:"details,omitempty"`
}

// handleAwardXP handles POST /api/v1/users/{id}/xp
func (s *Server) handleAwardXP(w http.ResponseWriter, r *http.Request) {
	var req awardXPRequest
	if !s.decode(w, r, &req) {
		return
	}
	kind := progress.ActivityType(req.ActivityType)
	if kind == "" {
		kind = progress.ActivityManual
	}

	res, err := s.deps.Progression.AwardXP(r.Context(), progression.AwardXPCommand{
		UserID:       userID(r),
		Amount:       req.Amount,
		ActivityType: kind,
		Details:      req.Details,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	handlers.WriteJSON(w, r, http.StatusOK, newAwardView(res))
}

// handleUpdateStats handles POST /api/v1/users/{id}/stats
func (s *Server) handleUpdateStats(w http.ResponseWriter, r *http.Request) {
	var delta progress.StatsDelta
	if !s.decode(w, r, &delta) {
		return
	}

	res, err := s.deps.Progression.UpdateUserStats(r.Context(), userID(r), delta)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	handlers.WriteJSON(w, r, http.StatusOK, statsView{
		Progress:        newProgressView(res.Progress),
		UnlockedEffects: nonNil(res.UnlockedEffects),
	})
}

// handleUpdateStreak handles POST /api/v1/users/{id}/streak
func (s *Server) handleUpdateStreak(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Progression.UpdateStreak(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	handlers.WriteJSON(w, r, http.StatusOK, newStreakView(res))
}

// handleLogin handles POST /api/v1/users/{id}/login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Progression.RecordLogin(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	handlers.WriteJSON(w, r, http.StatusOK, loginView{
		Streak:       newStreakView(res.Streak),
		Achievements: nonNilAchievements(res.Achievements),
		Progress:     newProgressView(res.Progress),
	})
}

// handleQuizResult handles POST /api/v1/users/{id}/quiz
func (s *Server) handleQuizResult(w http.ResponseWriter, r *http.Request) {
	var quiz progression.QuizResult
	if !s.decode(w, r, &quiz) {
		return
	}

	res, err := s.deps.Progression.RecordQuizResult(r.Context(), userID(r), quiz)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := quizView{
		UnlockedEffects: nonNil(res.UnlockedEffects),
		Achievements:    nonNilAchievements(res.Achievements),
		Progress:        newProgressView(res.Progress),
	}
	if res.Award != nil {
		award := newAwardView(res.Award)
		view.Award = &award
	}
	handlers.WriteJSON(w, r, http.StatusOK, view)
}

// handleCheckAchievements handles POST /api/v1/users/{id}/achievements/check
func (s *Server) handleCheckAchievements(w http.ResponseWriter, r *http.Request) {
	unlocked, err := s.deps.Progression.CheckAchievements(r.Context(), userID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	handlers.WriteJSON(w, r, http.StatusOK, map[string]any{
		"achievements": nonNilAchievements(unlocked),
	})
}

// handleSetEffects handles PUT /api/v1/users/{id}/effects
func (s *Server) handleSetEffects(w http.ResponseWriter, r *http.Request) {
	var cmd progression.SetEffectsCommand
	if !s.decode(w, r, &cmd) {
		return
	}

	p, err := s.deps.Progression.SetActiveEffects(r.Context(), userID(r), cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	handlers.WriteJSON(w, r, http.StatusOK, newProgressView(p))
}

// ══════════════════════════════════════════════════════════════════════════════
// ADMIN HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleListJobs handles GET /api/v1/admin/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	infos := s.deps.Jobs.ListJobs()
	views := make([]jobView, 0, len(infos))
	for _, info := range infos {
		views = append(views, newJobView(info))
	}
	handlers.WriteJSON(w, r, http.StatusOK, views)
}

// handleRunJob handles POST /api/v1/admin/jobs/{name}/run
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	result, err := s.deps.Jobs.RunNow(r.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrJobNotFound):
		handlers.WriteError(w, r, http.StatusNotFound, "job_not_found", err.Error())
	case errors.Is(err, scheduler.ErrJobBusy):
		handlers.WriteError(w, r, http.StatusConflict, "job_busy", err.Error())
	case err != nil:
		logger.FromContext(r.Context(), s.logger).Error("manual job run failed",
			logger.String("job", name),
			logger.Err(err),
		)
		handlers.WriteErrorWithDetails(w, r, http.StatusInternalServerError, "job_failed", "job failed", err.Error())
	default:
		handlers.WriteJSON(w, r, http.StatusOK, newJobResultView(result))
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func userID(r *http.Request) string {
	return mux.Vars(r)["id"]
}

// queryInt parses an optional integer query parameter. Absent means 0.
func (s *Server) queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		handlers.WriteError(w, r, http.StatusBadRequest, "invalid_"+key, key+" must be an integer")
		return 0, false
	}
	return v, true
}

// decode reads a single JSON object and rejects unknown fields.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	err := dec.Decode(dst)
	if err == nil && dec.More() {
		err = fmt.Errorf("unexpected data after JSON object")
	}
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		handlers.WriteError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
	case errors.Is(err, io.EOF):
		handlers.WriteError(w, r, http.StatusBadRequest, "invalid_json", "request body is required")
	default:
		handlers.WriteErrorWithDetails(w, r, http.StatusBadRequest, "invalid_json", "malformed JSON body", err.Error())
	}
	return false
}
