package account

import "time"

// Policy carries the runtime-configurable lockout knobs. Zero fields
// fall back to the documented defaults.
type Policy struct {
	LockThreshold int           // consecutive failures before a lock, default 5
	BaseLockout   time.Duration // first lock length, default 15m
	MaxLogEntries int           // attempt log cap, default 50
}

func (p Policy) withDefaults() Policy {
	if p.LockThreshold <= 0 {
		p.LockThreshold = 5
	}
	if p.BaseLockout <= 0 {
		p.BaseLockout = 15 * time.Minute
	}
	if p.MaxLogEntries <= 0 {
		p.MaxLogEntries = 50
	}
	return p
}

// Guard is the single chokepoint for PIN verification. Every PIN-gated
// action (check-in, cancel-freeze, settings changes, admin actions) goes
// through Verify; there is deliberately no second implementation.
type Guard struct {
	now func() time.Time
}

func NewGuard(now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{now: now}
}

// Verify checks submittedPin against the stored hash, mutating st and
// appending to log. The caller owns the transaction: st and the log
// write must be committed together or not at all.
//
// Returns nil on success, *LockedError while locked or when this failure
// crossed the threshold, *IncorrectPinError otherwise.
func (g *Guard) Verify(st *State, submittedPin, storedHash string, log PinAttemptLog, pol Policy) error {
	pol = pol.withDefaults()
	now := g.now().UTC()

	// An active lock rejects without consuming an attempt or touching
	// the log.
	if st.LockedUntil != nil && st.LockedUntil.After(now) {
		return &LockedError{Until: *st.LockedUntil, RetryAfter: st.LockedUntil.Sub(now)}
	}

	ok := pinMatches(storedHash, submittedPin)

	if err := log.Append(now, ok, pol.MaxLogEntries); err != nil {
		return err
	}

	if ok {
		st.FailedPinAttempts = 0
		st.LockedUntil = nil
		st.LockReason = ""
		return nil
	}

	st.FailedPinAttempts++
	if st.FailedPinAttempts >= pol.LockThreshold {
		// Lock length escalates in discrete steps at each multiple of
		// the threshold: threshold 5 / base 15m gives 15m at attempt 5,
		// 30m at attempt 10, and so on.
		multiplier := st.FailedPinAttempts / pol.LockThreshold
		until := now.Add(time.Duration(multiplier) * pol.BaseLockout)
		st.LockedUntil = &until
		st.LockReason = "too many failed PIN attempts"
		return &LockedError{Until: until, RetryAfter: until.Sub(now)}
	}
	return &IncorrectPinError{AttemptsRemaining: pol.LockThreshold - st.FailedPinAttempts}
}
