package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cronpostps/cronpost/internal/account"
	logx "github.com/cronpostps/cronpost/pkg/logx"
)

// Store is the persistence API used by the worker and the HTTP surface.
//
// Worker scans follow a claim/finish shape: Claim* marks matched rows
// in progress inside the same statement that selects them, so a row is
// handed to at most one dispatch attempt per tick even if a previous
// attempt is still draining.
type Store interface {
	// Accounts.
	PutAccount(ctx context.Context, acct *account.Account) error
	GetAccount(ctx context.Context, userID string) (*account.Account, error)

	// WithAccount loads the account, runs fn, and persists the result.
	// Commit rules: nil error commits everything fn changed; a guard
	// rejection (IncorrectPinError, LockedError) still commits, because
	// the lockout counters and the attempt log row must survive; any
	// other error rolls the transaction back.
	WithAccount(ctx context.Context, userID string, fn func(tx *AccountTx) error) error

	// ReleaseUser clears the in-progress claim without other writes.
	// Used when a claimed transition fails before it can be persisted.
	ReleaseUser(ctx context.Context, userID string) error

	// Worker scans.
	ClaimDuePrompts(ctx context.Context, now time.Time) ([]string, error)
	ClaimExpiredGraces(ctx context.Context, now time.Time) ([]string, error)
	ClaimDueFollowSends(ctx context.Context, now time.Time) ([]FollowJob, error)
	FinishFollowDispatch(ctx context.Context, id int64, res FollowResult) error

	// Messages and follow schedules.
	PutMessage(ctx context.Context, m Message) error
	HasInitialMessage(ctx context.Context, userID string) (bool, error)
	InitialMessage(ctx context.Context, userID string) (*Message, error)
	InitialMessageSentAt(ctx context.Context, userID string) (*time.Time, error)
	MarkInitialSent(ctx context.Context, userID string, at time.Time) error
	AddFollowSchedule(ctx context.Context, job FollowJob) (int64, error)
	FollowSchedulesForUser(ctx context.Context, userID string) ([]FollowJob, error)
	SetFollowNextSend(ctx context.Context, id int64, next *time.Time) error

	// History.
	AppendCheckin(ctx context.Context, userID string, at time.Time, method account.CheckinMethod) error
	RecentCheckins(ctx context.Context, userID string, limit int) ([]CheckinEntry, error)
	RecentPinAttempts(ctx context.Context, userID string, limit int) ([]account.Attempt, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
