package account

import (
	"time"

	"github.com/cronpostps/cronpost/internal/schedule"
)

// Status is the user-visible lifecycle status. The cycle has no terminal
// state; Frozen can always be cancelled back into AwaitingCycle.
type Status string

const (
	StatusNotScheduled    Status = "not_scheduled"
	StatusAwaitingCycle   Status = "awaiting_cycle"
	StatusAwaitingCheckIn Status = "awaiting_checkin"
	StatusFrozen          Status = "frozen"
)

// CheckinMethod records how a successful check-in happened.
type CheckinMethod string

const (
	CheckinManual    CheckinMethod = "manual_button"
	CheckinPinInput  CheckinMethod = "pin_input"
	CheckinLoginAuto CheckinMethod = "login_auto"
)

// State is the per-user lockout/lifecycle state mutated exclusively by
// the guard and the state machine.
type State struct {
	Status            Status
	FailedPinAttempts int
	LockedUntil       *time.Time
	LockReason        string
}

// Account bundles the per-user rows a lifecycle transition may touch.
// The caller loads it, runs exactly one transition, and persists every
// field back inside the same transaction.
type Account struct {
	UserID string

	State State
	Rule  schedule.CheckinRule

	// Derived timestamps owned by the state machine.
	NextPromptAt *time.Time
	GraceEndsAt  *time.Time

	Location *time.Location
	Grace    time.Duration // grace window length after a prompt fires

	PinHash              string // bcrypt, empty when no PIN is set
	RequirePinForActions bool
	CheckinOnSignIn      bool

	// StopTokenUsed invalidates any emailed freeze-cancellation token
	// once the freeze has been cancelled by PIN.
	StopTokenUsed bool
}

// Attempt is one PIN verification record. Entries are never mutated
// after creation; the insertion sequence (not wall clock) orders them.
type Attempt struct {
	Seq     int64
	At      time.Time
	Success bool
}

// PinAttemptLog is the bounded per-user attempt log. Append must insert
// the record and evict the single oldest entry (lowest Seq) whenever the
// log would exceed maxEntries, all inside the caller's transaction.
type PinAttemptLog interface {
	Append(at time.Time, success bool, maxEntries int) error
}
