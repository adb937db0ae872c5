package account

import (
	"errors"
	"testing"
	"time"
)

// memLog is an in-memory PinAttemptLog with the same bounded-ring
// contract as the sqlite implementation.
type memLog struct {
	seq     int64
	entries []Attempt
}

func (l *memLog) Append(at time.Time, success bool, maxEntries int) error {
	l.seq++
	l.entries = append(l.entries, Attempt{Seq: l.seq, At: at, Success: success})
	for maxEntries > 0 && len(l.entries) > maxEntries {
		l.entries = l.entries[1:]
	}
	return nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testPinHash(t *testing.T) string {
	t.Helper()
	h, err := HashPin("1234")
	if err != nil {
		t.Fatalf("HashPin: %v", err)
	}
	return h
}

func TestVerifyCorrectPinResetsCounters(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	g := NewGuard(clock.now)
	hash := testPinHash(t)
	log := &memLog{}

	st := State{FailedPinAttempts: 3, LockReason: "stale"}
	if err := g.Verify(&st, "1234", hash, log, Policy{}); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if st.FailedPinAttempts != 0 || st.LockedUntil != nil || st.LockReason != "" {
		t.Fatalf("counters not reset: %+v", st)
	}
	if len(log.entries) != 1 || !log.entries[0].Success {
		t.Fatalf("unexpected log: %+v", log.entries)
	}
}

func TestVerifyLockoutEscalation(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	g := NewGuard(clock.now)
	hash := testPinHash(t)
	log := &memLog{}
	pol := Policy{LockThreshold: 5, BaseLockout: 15 * time.Minute}

	var st State

	// Four failures: IncorrectPin with a decreasing allowance.
	for i := 1; i <= 4; i++ {
		err := g.Verify(&st, "0000", hash, log, pol)
		var ipErr *IncorrectPinError
		if !errors.As(err, &ipErr) {
			t.Fatalf("attempt %d: expected IncorrectPinError, got %v", i, err)
		}
		if ipErr.AttemptsRemaining != 5-i {
			t.Fatalf("attempt %d: remaining = %d, want %d", i, ipErr.AttemptsRemaining, 5-i)
		}
	}

	// Fifth failure locks for 15 minutes.
	err := g.Verify(&st, "0000", hash, log, pol)
	var lockErr *LockedError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockedError, got %v", err)
	}
	if lockErr.RetryAfter != 15*time.Minute {
		t.Fatalf("first lock = %v, want 15m", lockErr.RetryAfter)
	}

	// While locked no attempt is consumed and the log stays put.
	before := len(log.entries)
	err = g.Verify(&st, "1234", hash, log, pol)
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockedError while locked, got %v", err)
	}
	if st.FailedPinAttempts != 5 || len(log.entries) != before {
		t.Fatalf("locked verify consumed an attempt: %+v, log %d->%d", st, before, len(log.entries))
	}

	// Past the threshold every failure locks; the multiplier stays 1
	// until the failure count reaches the next multiple of the
	// threshold. Failures 6..9 each lock for 15 minutes again, the
	// 10th cumulative failure locks for 30.
	for i := 6; i <= 9; i++ {
		clock.advance(16 * time.Minute)
		err := g.Verify(&st, "0000", hash, log, pol)
		if !errors.As(err, &lockErr) {
			t.Fatalf("failure %d: expected LockedError, got %v", i, err)
		}
		if lockErr.RetryAfter != 15*time.Minute {
			t.Fatalf("failure %d: lock = %v, want 15m", i, lockErr.RetryAfter)
		}
	}

	clock.advance(16 * time.Minute)
	err = g.Verify(&st, "0000", hash, log, pol)
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockedError, got %v", err)
	}
	if lockErr.RetryAfter != 30*time.Minute {
		t.Fatalf("second-tier lock = %v, want 30m", lockErr.RetryAfter)
	}
	if st.FailedPinAttempts != 10 {
		t.Fatalf("failed attempts = %d, want 10", st.FailedPinAttempts)
	}
}

func TestAttemptLogStaysBounded(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	g := NewGuard(clock.now)
	hash := testPinHash(t)
	pol := Policy{LockThreshold: 1000, MaxLogEntries: 10}

	var st State
	log := &memLog{}
	for i := 0; i < 25; i++ {
		_ = g.Verify(&st, "0000", hash, log, pol)
	}
	if len(log.entries) != 10 {
		t.Fatalf("log size = %d, want 10", len(log.entries))
	}
	// The oldest entries were the ones evicted.
	if log.entries[0].Seq != 16 {
		t.Fatalf("oldest surviving seq = %d, want 16", log.entries[0].Seq)
	}
}

func TestPolicyDefaults(t *testing.T) {
	t.Parallel()
	p := Policy{}.withDefaults()
	if p.LockThreshold != 5 || p.BaseLockout != 15*time.Minute || p.MaxLogEntries != 50 {
		t.Fatalf("unexpected defaults: %+v", p)
	}
}

func TestHashPinRejectsBadShapes(t *testing.T) {
	t.Parallel()
	for _, bad := range []string{"", "123", "12345", "abcd", "12a4"} {
		if _, err := HashPin(bad); err == nil {
			t.Fatalf("HashPin(%q): expected error", bad)
		}
	}
}
