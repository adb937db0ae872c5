package account

import (
	"errors"
	"fmt"
	"time"
)

// ErrStateConflict marks an action attempted outside its required
// lifecycle status. The transition performs no mutation in that case.
var ErrStateConflict = errors.New("action not allowed in current account status")

// LockedError is returned while the account is PIN-locked. No attempt is
// consumed while the lock holds.
type LockedError struct {
	Until      time.Time
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked for %s (until %s)", e.RetryAfter.Round(time.Second), e.Until.UTC().Format(time.RFC3339))
}

// RemainingSeconds is the value surfaced to callers/transports.
func (e *LockedError) RemainingSeconds() int {
	s := int(e.RetryAfter.Round(time.Second) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// IncorrectPinError is returned for a wrong PIN below the lock threshold.
type IncorrectPinError struct {
	AttemptsRemaining int
}

func (e *IncorrectPinError) Error() string {
	return fmt.Sprintf("incorrect PIN (%d attempts remaining)", e.AttemptsRemaining)
}

func stateConflict(action string, got Status) error {
	return fmt.Errorf("%w: %s requires a different status, account is %q", ErrStateConflict, action, got)
}
