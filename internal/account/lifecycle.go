package account

import (
	"time"

	"github.com/cronpostps/cronpost/internal/schedule"
)

// Machine executes lifecycle transitions as named operations. Each
// method validates the current status and mutates the Account in place.
// ErrStateConflict leaves the Account untouched; guard rejections
// (*IncorrectPinError, *LockedError) still mutate the lockout counters,
// and the caller must commit those together with the attempt-log write.
// The caller applies the mutated Account inside one per-user
// transaction; the machine never talks to storage itself and never
// computes a timestamp or compares a hash on its own, delegating to the
// schedule package and the guard.
type Machine struct {
	guard  *Guard
	policy func() Policy
	now    func() time.Time
}

func NewMachine(guard *Guard, policy func() Policy, now func() time.Time) *Machine {
	if policy == nil {
		policy = func() Policy { return Policy{} }
	}
	if now == nil {
		now = time.Now
	}
	return &Machine{guard: guard, policy: policy, now: now}
}

// EnableSchedule moves NotScheduled -> AwaitingCycle once a valid
// initial message exists, computing the first prompt instant.
func (m *Machine) EnableSchedule(acct *Account, hasInitialMessage bool) error {
	if acct.State.Status != StatusNotScheduled {
		return stateConflict("enable schedule", acct.State.Status)
	}
	if !hasInitialMessage {
		return stateConflict("enable schedule without an initial message", acct.State.Status)
	}

	next, ok, err := schedule.NextPrompt(acct.Rule, acct.Location, m.now().UTC())
	if err != nil {
		return err
	}

	acct.State.Status = StatusAwaitingCycle
	acct.GraceEndsAt = nil
	if ok {
		acct.NextPromptAt = &next
	} else {
		// One-time rules yield no prompt from the calculator, so the
		// account stays armed without a scheduled check-in cycle.
		acct.NextPromptAt = nil
	}
	return nil
}

// OnCycleDue moves AwaitingCycle -> AwaitingCheckIn when the worker
// observes a due prompt. The prompt timestamp is cleared and the grace
// window opened.
func (m *Machine) OnCycleDue(acct *Account) error {
	if acct.State.Status != StatusAwaitingCycle {
		return stateConflict("cycle due", acct.State.Status)
	}

	ends := m.now().UTC().Add(acct.Grace)
	acct.State.Status = StatusAwaitingCheckIn
	acct.NextPromptAt = nil
	acct.GraceEndsAt = &ends
	return nil
}

// CheckIn moves AwaitingCheckIn -> AwaitingCycle before the grace window
// closes. When the account requires a PIN for actions the guard gates
// the transition. Returns the method to record in the check-in log.
func (m *Machine) CheckIn(acct *Account, submittedPin string, log PinAttemptLog) (CheckinMethod, error) {
	if acct.State.Status != StatusAwaitingCheckIn {
		return "", stateConflict("check-in", acct.State.Status)
	}

	method := CheckinManual
	if acct.RequirePinForActions {
		if err := m.guard.Verify(&acct.State, submittedPin, acct.PinHash, log, m.policy()); err != nil {
			return "", err
		}
		method = CheckinPinInput
	}

	if err := m.rearm(acct); err != nil {
		return "", err
	}
	return method, nil
}

// OnGraceExpired moves AwaitingCheckIn -> Frozen when the grace window
// passed without a check-in. Message release itself is the delivery
// collaborator's job; the machine only flips the status.
func (m *Machine) OnGraceExpired(acct *Account) error {
	if acct.State.Status != StatusAwaitingCheckIn {
		return stateConflict("grace expiry", acct.State.Status)
	}
	if acct.GraceEndsAt == nil || acct.GraceEndsAt.After(m.now().UTC()) {
		return stateConflict("grace expiry before the window closed", acct.State.Status)
	}

	acct.State.Status = StatusFrozen
	acct.GraceEndsAt = nil
	return nil
}

// CancelFreeze moves Frozen -> AwaitingCycle. Always PIN-gated; also
// invalidates any emailed cancellation token still outstanding.
func (m *Machine) CancelFreeze(acct *Account, submittedPin string, log PinAttemptLog) (CheckinMethod, error) {
	if acct.State.Status != StatusFrozen {
		return "", stateConflict("cancel freeze", acct.State.Status)
	}

	if err := m.guard.Verify(&acct.State, submittedPin, acct.PinHash, log, m.policy()); err != nil {
		return "", err
	}

	acct.StopTokenUsed = true
	if err := m.rearm(acct); err != nil {
		return "", err
	}
	return CheckinPinInput, nil
}

// ReconcileOnSignIn is the sign-in safeguard. A scheduled status without
// a configured initial message reverts to NotScheduled with all derived
// timestamps cleared. When the account opted into check-in-on-sign-in
// and a check-in is currently expected, it is performed without a PIN.
// Returns the check-in method recorded, or "" when nothing happened.
func (m *Machine) ReconcileOnSignIn(acct *Account, hasInitialMessage bool) (CheckinMethod, error) {
	switch acct.State.Status {
	case StatusAwaitingCycle, StatusAwaitingCheckIn:
		if !hasInitialMessage {
			acct.State.Status = StatusNotScheduled
			acct.NextPromptAt = nil
			acct.GraceEndsAt = nil
			return "", nil
		}
	default:
		return "", nil
	}

	if acct.CheckinOnSignIn && acct.State.Status == StatusAwaitingCheckIn {
		if err := m.rearm(acct); err != nil {
			return "", err
		}
		return CheckinLoginAuto, nil
	}
	return "", nil
}

// rearm closes the grace window and schedules the next cycle.
func (m *Machine) rearm(acct *Account) error {
	next, ok, err := schedule.NextPrompt(acct.Rule, acct.Location, m.now().UTC())
	if err != nil {
		return err
	}

	acct.State.Status = StatusAwaitingCycle
	acct.GraceEndsAt = nil
	if ok {
		acct.NextPromptAt = &next
	} else {
		acct.NextPromptAt = nil
	}
	return nil
}
