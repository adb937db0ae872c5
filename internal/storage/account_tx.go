package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cronpostps/cronpost/internal/account"
)

// AccountTx is the unit of work handed to WithAccount callbacks. It
// carries the loaded account and doubles as the PIN attempt log, so a
// guard call and its log writes share one transaction.
type AccountTx struct {
	ctx    context.Context
	tx     *sql.Tx
	acct   *account.Account
	events []checkinEvent
}

type checkinEvent struct {
	at     time.Time
	method account.CheckinMethod
}

// Account returns the loaded account for fn to mutate in place.
func (t *AccountTx) Account() *account.Account { return t.acct }

// AttemptLog returns the transaction-scoped PIN attempt log.
func (t *AccountTx) AttemptLog() account.PinAttemptLog { return t }

// RecordCheckin queues a check-in log row for the commit.
func (t *AccountTx) RecordCheckin(at time.Time, method account.CheckinMethod) {
	t.events = append(t.events, checkinEvent{at: at, method: method})
}

// Append implements account.PinAttemptLog. The insert and the eviction
// of entries beyond maxEntries run inside the enclosing transaction;
// seq comes from the table's AUTOINCREMENT, so ordering survives
// concurrent wall clocks.
func (t *AccountTx) Append(at time.Time, success bool, maxEntries int) error {
	if _, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO pin_attempts(user_id, at, success) VALUES(?,?,?)`,
		t.acct.UserID, fmtTime(at), boolInt(success)); err != nil {
		return err
	}
	if maxEntries <= 0 {
		return nil
	}
	_, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM pin_attempts WHERE user_id = ? AND seq NOT IN (
			SELECT seq FROM pin_attempts WHERE user_id = ? ORDER BY seq DESC LIMIT ?
		 )`,
		t.acct.UserID, t.acct.UserID, maxEntries)
	return err
}

func (s *sqliteStore) WithAccount(ctx context.Context, userID string, fn func(tx *AccountTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	acct, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM users WHERE id = ?`, userID), s.log)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	atx := &AccountTx{ctx: ctx, tx: tx, acct: acct}
	fnErr := fn(atx)
	if fnErr != nil && !commitsOnError(fnErr) {
		_ = tx.Rollback()
		return fnErr
	}

	if err := saveAccountTx(ctx, tx, acct); err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, e := range atx.events {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO checkin_log(user_id, at, method) VALUES(?,?,?)`,
			userID, fmtTime(e.at), string(e.method)); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return fnErr
}

// commitsOnError reports whether fn's error still requires a commit.
// Guard rejections mutate lockout counters and write an attempt row;
// losing those on rollback would let PIN retries go unmetered.
func commitsOnError(err error) bool {
	var inc *account.IncorrectPinError
	var locked *account.LockedError
	return errors.As(err, &inc) || errors.As(err, &locked)
}

// saveAccountTx writes the mutated account back and drops any
// in-progress claim held on the row.
func saveAccountTx(ctx context.Context, tx *sql.Tx, acct *account.Account) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET
			status = ?, failed_pin_attempts = ?, locked_until = ?, lock_reason = ?,
			pin_hash = ?, require_pin = ?, checkin_on_signin = ?, stop_token_used = ?,
			rule_kind = ?, rule_interval_days = ?, rule_weekday = ?, rule_day_of_month = ?,
			rule_month_day = ?, rule_date = ?, prompt_time = ?, rule_enabled = ?,
			grace_seconds = ?, next_prompt_at = ?, grace_ends_at = ?,
			in_progress = 0, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		 WHERE id = ?`,
		string(acct.State.Status), acct.State.FailedPinAttempts,
		nullTime(acct.State.LockedUntil), nullStr(acct.State.LockReason),
		nullStr(acct.PinHash), boolInt(acct.RequirePinForActions),
		boolInt(acct.CheckinOnSignIn), boolInt(acct.StopTokenUsed),
		string(acct.Rule.Kind), acct.Rule.IntervalDays, int(acct.Rule.Weekday), acct.Rule.DayOfMonth,
		nullStr(monthDayStr(acct.Rule.MonthDay)), nullStr(dateStr(acct.Rule.Date)),
		acct.Rule.PromptTime.String(), boolInt(acct.Rule.Enabled), int64(acct.Grace/time.Second),
		nullTime(acct.NextPromptAt), nullTime(acct.GraceEndsAt),
		acct.UserID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("save account %s: %w", acct.UserID, ErrNotFound)
	}
	return nil
}
