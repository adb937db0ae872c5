package schedule

import "time"

// RuleKind enumerates the check-in cycle rule variants. The kind is
// represented once here; storage and the HTTP layer reuse these values
// verbatim so the layers cannot drift apart.
type RuleKind string

const (
	KindDaily      RuleKind = "every_day"
	KindEveryNDays RuleKind = "every_n_days"
	KindWeekday    RuleKind = "day_of_week"
	KindDayOfMonth RuleKind = "date_of_month"
	KindDayOfYear  RuleKind = "date_of_year"
	KindOneTime    RuleKind = "specific_date"
)

// CheckinRule is one user's recurring check-in configuration.
//
// Only the parameter matching Kind is consulted; the others are ignored.
// NextPromptAt / GraceEndsAt are derived values owned by the lifecycle
// state machine, not by the calculator.
type CheckinRule struct {
	Kind         RuleKind
	IntervalDays int          // KindEveryNDays, must be >= 2
	Weekday      time.Weekday // KindWeekday
	DayOfMonth   int          // KindDayOfMonth, 1..31 (clamped to month length)
	MonthDay     MonthDay     // KindDayOfYear
	Date         Date         // KindOneTime
	PromptTime   TimeOfDay
	Enabled      bool
}

// Validate checks the parameters required by Kind.
func (r CheckinRule) Validate() error {
	switch r.Kind {
	case KindDaily:
		return nil
	case KindEveryNDays:
		if r.IntervalDays < 2 {
			return InvalidRule("interval must be >= 2 days, got %d", r.IntervalDays)
		}
		return nil
	case KindWeekday:
		if r.Weekday < time.Sunday || r.Weekday > time.Saturday {
			return InvalidRule("weekday out of range: %d", int(r.Weekday))
		}
		return nil
	case KindDayOfMonth:
		if r.DayOfMonth < 1 || r.DayOfMonth > 31 {
			return InvalidRule("day of month out of range: %d", r.DayOfMonth)
		}
		return nil
	case KindDayOfYear:
		if r.MonthDay.Month < time.January || r.MonthDay.Month > time.December ||
			r.MonthDay.Day < 1 || r.MonthDay.Day > 31 {
			return InvalidRule("day/month pair out of range: %s", r.MonthDay)
		}
		return nil
	case KindOneTime:
		if !r.Date.IsValid() {
			return InvalidRule("one-time date does not exist: %s", r.Date)
		}
		return nil
	default:
		return InvalidRule("unknown rule kind %q", string(r.Kind))
	}
}
