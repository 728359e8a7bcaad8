package http

import (
	"errors"
	"net/http"

	"github.com/alem-hub/progression/internal/domain/shared"
	"github.com/alem-hub/progression/internal/interface/http/handlers"
	"github.com/alem-hub/progression/pkg/logger"
)

// errorMapping ties a domain error to its HTTP status and API code.
type errorMapping struct {
	err    error
	status int
	code   string
}

// knownErrors is checked in order before falling back to the error kind.
var knownErrors = []errorMapping{
	{shared.ErrStoreUnavailable, http.StatusServiceUnavailable, "store_unavailable"},
	{shared.ErrInvalidUserID, http.StatusBadRequest, "invalid_user_id"},
	{shared.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{shared.ErrNegativeStatsDelta, http.StatusBadRequest, "negative_stats_delta"},
	{shared.ErrStatsDeltaTooLarge, http.StatusBadRequest, "stats_delta_too_large"},
	{shared.ErrInvalidQuizResult, http.StatusBadRequest, "invalid_quiz_result"},
	{shared.ErrInvalidLimit, http.StatusBadRequest, "invalid_limit"},
	{shared.ErrEffectSlot, http.StatusBadRequest, "effect_slot_mismatch"},
	{shared.ErrUserNotFound, http.StatusNotFound, "user_not_found"},
	{shared.ErrUnknownEffect, http.StatusNotFound, "unknown_effect"},
	{shared.ErrEffectNotUnlocked, http.StatusConflict, "effect_not_unlocked"},
}

// classifyError maps an error to a status and code.
func classifyError(err error) (int, string) {
	for _, m := range knownErrors {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	switch {
	case shared.IsRetryable(err):
		return http.StatusServiceUnavailable, "unavailable"
	case shared.IsValidation(err):
		return http.StatusBadRequest, "validation_error"
	case shared.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, shared.ErrInvalidState), errors.Is(err, shared.ErrAlreadyExists):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeError renders err. Server-side failures are logged and their
// message is not exposed to the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classifyError(err)

	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context(), s.logger).Error("request failed",
			logger.String("code", code),
			logger.String("path", r.URL.Path),
			logger.Err(err),
		)
		message := "internal server error"
		if status == http.StatusServiceUnavailable {
			message = "service temporarily unavailable, retry later"
		}
		handlers.WriteError(w, r, status, code, message)
		return
	}

	message := err.Error()
	var de *shared.DomainError
	if errors.As(err, &de) {
		message = de.Message
	}
	handlers.WriteError(w, r, status, code, message)
}
