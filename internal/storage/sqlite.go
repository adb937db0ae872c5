package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cronpostps/cronpost/internal/account"
	"github.com/cronpostps/cronpost/internal/schedule"
	logx "github.com/cronpostps/cronpost/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- accounts ----

const accountCols = `id, timezone, status, failed_pin_attempts, locked_until, lock_reason,
	pin_hash, require_pin, checkin_on_signin, stop_token_used,
	rule_kind, rule_interval_days, rule_weekday, rule_day_of_month, rule_month_day, rule_date,
	prompt_time, rule_enabled, grace_seconds, next_prompt_at, grace_ends_at`

func (s *sqliteStore) PutAccount(ctx context.Context, acct *account.Account) error {
	tz := "Etc/UTC"
	if acct.Location != nil {
		tz = acct.Location.String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, timezone, status, failed_pin_attempts, locked_until, lock_reason,
			pin_hash, require_pin, checkin_on_signin, stop_token_used,
			rule_kind, rule_interval_days, rule_weekday, rule_day_of_month, rule_month_day, rule_date,
			prompt_time, rule_enabled, grace_seconds, next_prompt_at, grace_ends_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			timezone=excluded.timezone, status=excluded.status,
			failed_pin_attempts=excluded.failed_pin_attempts,
			locked_until=excluded.locked_until, lock_reason=excluded.lock_reason,
			pin_hash=excluded.pin_hash, require_pin=excluded.require_pin,
			checkin_on_signin=excluded.checkin_on_signin, stop_token_used=excluded.stop_token_used,
			rule_kind=excluded.rule_kind, rule_interval_days=excluded.rule_interval_days,
			rule_weekday=excluded.rule_weekday, rule_day_of_month=excluded.rule_day_of_month,
			rule_month_day=excluded.rule_month_day, rule_date=excluded.rule_date,
			prompt_time=excluded.prompt_time, rule_enabled=excluded.rule_enabled,
			grace_seconds=excluded.grace_seconds,
			next_prompt_at=excluded.next_prompt_at, grace_ends_at=excluded.grace_ends_at,
			updated_at=strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
		acct.UserID, tz, string(acct.State.Status), acct.State.FailedPinAttempts,
		nullTime(acct.State.LockedUntil), nullStr(acct.State.LockReason),
		nullStr(acct.PinHash), boolInt(acct.RequirePinForActions),
		boolInt(acct.CheckinOnSignIn), boolInt(acct.StopTokenUsed),
		string(acct.Rule.Kind), acct.Rule.IntervalDays, int(acct.Rule.Weekday), acct.Rule.DayOfMonth,
		nullStr(monthDayStr(acct.Rule.MonthDay)), nullStr(dateStr(acct.Rule.Date)),
		acct.Rule.PromptTime.String(), boolInt(acct.Rule.Enabled), int64(acct.Grace/time.Second),
		nullTime(acct.NextPromptAt), nullTime(acct.GraceEndsAt),
	)
	return err
}

func (s *sqliteStore) GetAccount(ctx context.Context, userID string) (*account.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM users WHERE id = ?`, userID), s.log)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner, log logx.Logger) (*account.Account, error) {
	var (
		acct                         account.Account
		tz, status, kind, promptTime string
		lockedUntil, lockReason      sql.NullString
		pinHash, monthDay, ruleDate  sql.NullString
		nextPrompt, graceEnds        sql.NullString
		requirePin, onSignIn         int
		tokenUsed, enabled           int
		weekday, graceSec            int64
	)
	err := row.Scan(
		&acct.UserID, &tz, &status, &acct.State.FailedPinAttempts, &lockedUntil, &lockReason,
		&pinHash, &requirePin, &onSignIn, &tokenUsed,
		&kind, &acct.Rule.IntervalDays, &weekday, &acct.Rule.DayOfMonth, &monthDay, &ruleDate,
		&promptTime, &enabled, &graceSec, &nextPrompt, &graceEnds,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	acct.State.Status = account.Status(status)
	acct.State.LockReason = lockReason.String
	if acct.State.LockedUntil, err = parseNullTime(lockedUntil); err != nil {
		return nil, fmt.Errorf("locked_until: %w", err)
	}
	acct.PinHash = pinHash.String
	acct.RequirePinForActions = requirePin != 0
	acct.CheckinOnSignIn = onSignIn != 0
	acct.StopTokenUsed = tokenUsed != 0

	acct.Rule.Kind = schedule.RuleKind(kind)
	acct.Rule.Weekday = time.Weekday(weekday)
	if monthDay.Valid {
		if acct.Rule.MonthDay, err = schedule.ParseMonthDay(monthDay.String); err != nil {
			return nil, fmt.Errorf("rule_month_day: %w", err)
		}
	}
	if ruleDate.Valid {
		if acct.Rule.Date, err = schedule.ParseDate(ruleDate.String); err != nil {
			return nil, fmt.Errorf("rule_date: %w", err)
		}
	}
	if acct.Rule.PromptTime, err = schedule.ParseTimeOfDay(promptTime); err != nil {
		return nil, fmt.Errorf("prompt_time: %w", err)
	}
	acct.Rule.Enabled = enabled != 0
	acct.Grace = time.Duration(graceSec) * time.Second
	if acct.NextPromptAt, err = parseNullTime(nextPrompt); err != nil {
		return nil, fmt.Errorf("next_prompt_at: %w", err)
	}
	if acct.GraceEndsAt, err = parseNullTime(graceEnds); err != nil {
		return nil, fmt.Errorf("grace_ends_at: %w", err)
	}

	loc, lerr := time.LoadLocation(tz)
	if lerr != nil {
		// Corrupt or unavailable zone data must not strand the account.
		log.Warn("unknown timezone, falling back to UTC",
			logx.String("user", acct.UserID), logx.String("tz", tz))
		loc = time.UTC
	}
	acct.Location = loc
	return &acct, nil
}

func (s *sqliteStore) ReleaseUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET in_progress = 0 WHERE id = ?`, userID)
	return err
}

// ---- worker scans ----

func (s *sqliteStore) ClaimDuePrompts(ctx context.Context, now time.Time) ([]string, error) {
	return s.claimUsers(ctx,
		`UPDATE users SET in_progress = 1
		 WHERE in_progress = 0 AND status = ? AND next_prompt_at IS NOT NULL AND next_prompt_at <= ?
		 RETURNING id`,
		string(account.StatusAwaitingCycle), fmtTime(now))
}

func (s *sqliteStore) ClaimExpiredGraces(ctx context.Context, now time.Time) ([]string, error) {
	return s.claimUsers(ctx,
		`UPDATE users SET in_progress = 1
		 WHERE in_progress = 0 AND status = ? AND grace_ends_at IS NOT NULL AND grace_ends_at <= ?
		 RETURNING id`,
		string(account.StatusAwaitingCheckIn), fmtTime(now))
}

func (s *sqliteStore) claimUsers(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const followCols = `id, user_id, message_id, trigger_kind, days_after, weekday,
	day_of_month, month_day, send_date, send_time, repeats_remaining, next_send_at, status`

func (s *sqliteStore) ClaimDueFollowSends(ctx context.Context, now time.Time) ([]FollowJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE follow_schedules SET status = ?
		 WHERE status IN (?, ?) AND repeats_remaining > 0
		   AND next_send_at IS NOT NULL AND next_send_at <= ?
		 RETURNING `+followCols,
		string(DispatchProcessing), string(DispatchPending), string(DispatchPartiallySent),
		fmtTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFollowJobs(rows)
}

func (s *sqliteStore) FinishFollowDispatch(ctx context.Context, id int64, res FollowResult) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE follow_schedules SET repeats_remaining = ?, next_send_at = ?, status = ? WHERE id = ?`,
		res.RepeatsRemaining, nullTime(res.NextSendAt), string(res.Status), id)
	return err
}

// ---- messages, follow schedules ----

func (s *sqliteStore) PutMessage(ctx context.Context, m Message) error {
	if m.Status == "" {
		m.Status = string(DispatchPending)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(id, user_id, is_initial, status, sent_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			is_initial=excluded.is_initial, status=excluded.status, sent_at=excluded.sent_at`,
		m.ID, m.UserID, boolInt(m.IsInitial), m.Status, nullTime(m.SentAt))
	return err
}

func (s *sqliteStore) HasInitialMessage(ctx context.Context, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM messages WHERE user_id = ? AND is_initial = 1`, userID).Scan(&n)
	return n > 0, err
}

func (s *sqliteStore) InitialMessage(ctx context.Context, userID string) (*Message, error) {
	var (
		m         Message
		isInitial int
		sentAt    sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, is_initial, status, sent_at FROM messages
		 WHERE user_id = ? AND is_initial = 1 LIMIT 1`, userID).
		Scan(&m.ID, &m.UserID, &isInitial, &m.Status, &sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.IsInitial = isInitial != 0
	if m.SentAt, err = parseNullTime(sentAt); err != nil {
		return nil, fmt.Errorf("sent_at: %w", err)
	}
	return &m, nil
}

func (s *sqliteStore) InitialMessageSentAt(ctx context.Context, userID string) (*time.Time, error) {
	var sentAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT sent_at FROM messages WHERE user_id = ? AND is_initial = 1
		 ORDER BY sent_at LIMIT 1`, userID).Scan(&sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return parseNullTime(sentAt)
}

func (s *sqliteStore) MarkInitialSent(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, sent_at = ? WHERE user_id = ? AND is_initial = 1`,
		string(DispatchSent), fmtTime(at), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) AddFollowSchedule(ctx context.Context, job FollowJob) (int64, error) {
	if job.Status == "" {
		job.Status = DispatchPending
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO follow_schedules(user_id, message_id, trigger_kind, days_after, weekday,
			day_of_month, month_day, send_date, send_time, repeats_remaining, next_send_at, status)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		job.UserID, job.MessageID, string(job.Rule.Trigger), job.Rule.DaysAfter, int(job.Rule.Weekday),
		job.Rule.DayOfMonth, nullStr(monthDayStr(job.Rule.MonthDay)), nullStr(dateStr(job.Rule.Date)),
		job.Rule.SendTime.String(), job.RepeatsRemaining, nullTime(job.NextSendAt), string(job.Status))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) FollowSchedulesForUser(ctx context.Context, userID string) ([]FollowJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+followCols+` FROM follow_schedules WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFollowJobs(rows)
}

func (s *sqliteStore) SetFollowNextSend(ctx context.Context, id int64, next *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE follow_schedules SET next_send_at = ? WHERE id = ?`, nullTime(next), id)
	return err
}

func scanFollowJobs(rows *sql.Rows) ([]FollowJob, error) {
	var jobs []FollowJob
	for rows.Next() {
		var (
			j                  FollowJob
			trigger, sendTime  string
			status             string
			monthDay, sendDate sql.NullString
			nextSend           sql.NullString
			weekday            int64
		)
		if err := rows.Scan(&j.ID, &j.UserID, &j.MessageID, &trigger, &j.Rule.DaysAfter, &weekday,
			&j.Rule.DayOfMonth, &monthDay, &sendDate, &sendTime, &j.RepeatsRemaining,
			&nextSend, &status); err != nil {
			return nil, err
		}
		j.Rule.Trigger = schedule.TriggerKind(trigger)
		j.Rule.Weekday = time.Weekday(weekday)
		j.Status = DispatchStatus(status)
		var err error
		if monthDay.Valid {
			if j.Rule.MonthDay, err = schedule.ParseMonthDay(monthDay.String); err != nil {
				return nil, fmt.Errorf("month_day: %w", err)
			}
		}
		if sendDate.Valid {
			if j.Rule.Date, err = schedule.ParseDate(sendDate.String); err != nil {
				return nil, fmt.Errorf("send_date: %w", err)
			}
		}
		if j.Rule.SendTime, err = schedule.ParseTimeOfDay(sendTime); err != nil {
			return nil, fmt.Errorf("send_time: %w", err)
		}
		if j.NextSendAt, err = parseNullTime(nextSend); err != nil {
			return nil, fmt.Errorf("next_send_at: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ---- history ----

func (s *sqliteStore) AppendCheckin(ctx context.Context, userID string, at time.Time, method account.CheckinMethod) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkin_log(user_id, at, method) VALUES(?,?,?)`,
		userID, fmtTime(at), string(method))
	return err
}

func (s *sqliteStore) RecentCheckins(ctx context.Context, userID string, limit int) ([]CheckinEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, at, method FROM checkin_log
		 WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CheckinEntry
	for rows.Next() {
		var (
			e  CheckinEntry
			at string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &at, &e.Method); err != nil {
			return nil, err
		}
		if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("checkin at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecentPinAttempts(ctx context.Context, userID string, limit int) ([]account.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, at, success FROM pin_attempts
		 WHERE user_id = ? ORDER BY seq DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []account.Attempt
	for rows.Next() {
		var (
			a       account.Attempt
			at      string
			success int
		)
		if err := rows.Scan(&a.Seq, &at, &success); err != nil {
			return nil, err
		}
		if a.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("attempt at: %w", err)
		}
		a.Success = success != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- helpers ----

// fmtTime stores UTC RFC3339Nano; the format compares lexicographically
// in due-row scans, so every stored timestamp must go through it.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func monthDayStr(md schedule.MonthDay) string {
	if md == (schedule.MonthDay{}) {
		return ""
	}
	return md.String()
}

func dateStr(d schedule.Date) string {
	if d == (schedule.Date{}) {
		return ""
	}
	return d.String()
}
