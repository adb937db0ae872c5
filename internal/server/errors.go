package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cronpostps/cronpost/internal/account"
	"github.com/cronpostps/cronpost/internal/schedule"
	"github.com/cronpostps/cronpost/internal/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps domain errors onto HTTP statuses. Everything a
// caller can act on carries a machine-readable error code.
func writeDomainError(w http.ResponseWriter, err error) {
	var locked *account.LockedError
	if errors.As(err, &locked) {
		writeJSON(w, http.StatusLocked, map[string]any{
			"error":               "pin_locked",
			"retry_after_seconds": locked.RemainingSeconds(),
			"locked_until":        locked.Until.UTC().Format(time.RFC3339),
		})
		return
	}
	var incorrect *account.IncorrectPinError
	if errors.As(err, &incorrect) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":              "incorrect_pin",
			"attempts_remaining": incorrect.AttemptsRemaining,
		})
		return
	}
	var ambiguous *schedule.AmbiguousTimeError
	if errors.As(err, &ambiguous) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "ambiguous_local_time",
			"detail": ambiguous.Error(),
		})
		return
	}
	switch {
	case errors.Is(err, account.ErrStateConflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":  "state_conflict",
			"detail": err.Error(),
		})
	case errors.Is(err, schedule.ErrDependencyNotReady):
		writeError(w, http.StatusConflict, "dependency_not_ready")
	case errors.Is(err, schedule.ErrInvalidRuleConfig):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "invalid_rule",
			"detail": err.Error(),
		})
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	default:
		writeError(w, http.StatusInternalServerError, "internal")
	}
}
