package schedule

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRuleConfig marks a malformed rule (bad weekday,
	// day-of-month out of range, unparseable day/month pair, ...).
	ErrInvalidRuleConfig = errors.New("invalid schedule rule")

	// ErrDependencyNotReady means the rule is anchored to the initial
	// message's send instant and that message has not been sent yet.
	ErrDependencyNotReady = errors.New("anchor instant not available yet")
)

// InvalidRule wraps ErrInvalidRuleConfig with detail.
func InvalidRule(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRuleConfig, fmt.Sprintf(format, args...))
}

// AmbiguousTimeError reports that a computed local wall-clock instant does
// not exist (DST gap) or exists twice (DST overlap) in the user's zone.
// The caller must surface this so the user can correct the rule; the
// calculator never silently picks an offset.
type AmbiguousTimeError struct {
	Date Date
	At   TimeOfDay
	Zone string
	Gap  bool // true: non-existent, false: ambiguous/duplicated
}

func (e *AmbiguousTimeError) Error() string {
	kind := "ambiguous"
	if e.Gap {
		kind = "non-existent"
	}
	return fmt.Sprintf("local time %s %s is %s in %s (DST transition)", e.Date, e.At, kind, e.Zone)
}

// IsAmbiguousLocalTime reports whether err is an AmbiguousTimeError.
func IsAmbiguousLocalTime(err error) bool {
	var e *AmbiguousTimeError
	return errors.As(err, &e)
}
