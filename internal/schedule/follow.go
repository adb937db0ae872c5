package schedule

import "time"

// TriggerKind enumerates follow-message trigger variants. All but
// TriggerAbsoluteDate are anchored to the initial message's actual send
// instant.
type TriggerKind string

const (
	TriggerDaysAfterAnchor TriggerKind = "days_after_anchor"
	TriggerWeekday         TriggerKind = "day_of_week"
	TriggerDayOfMonth      TriggerKind = "date_of_month"
	TriggerDayOfYear       TriggerKind = "date_of_year"
	TriggerAbsoluteDate    TriggerKind = "absolute_date"
)

// PastPolicy decides what a recomputed occurrence that lands at or before
// "now" resolves to. Short repeat intervals combined with dispatch
// latency make this reachable in normal operation.
type PastPolicy int

const (
	// PastSkipForward searches forward for the next occurrence that is
	// strictly in the future. Default.
	PastSkipForward PastPolicy = iota
	// PastDefer yields no occurrence and leaves the schedule for
	// operator attention or the next recomputation.
	PastDefer
)

// FollowRule schedules one follow message.
//
// RepeatsRemaining and NextSendAt are owned by the dispatch loop: the
// worker decrements the counter after each delivery and calls
// NextFollowSend again; at zero the schedule is inactive.
type FollowRule struct {
	Trigger    TriggerKind
	DaysAfter  int          // TriggerDaysAfterAnchor, >= 0
	Weekday    time.Weekday // TriggerWeekday
	DayOfMonth int          // TriggerDayOfMonth, 1..31 (clamped)
	MonthDay   MonthDay     // TriggerDayOfYear
	Date       Date         // TriggerAbsoluteDate
	SendTime   TimeOfDay
}

// AnchorDependent reports whether the trigger needs the initial
// message's send instant before it can be evaluated.
func (r FollowRule) AnchorDependent() bool {
	switch r.Trigger {
	case TriggerDaysAfterAnchor, TriggerWeekday, TriggerDayOfMonth, TriggerDayOfYear:
		return true
	default:
		return false
	}
}

func (r FollowRule) Validate() error {
	switch r.Trigger {
	case TriggerDaysAfterAnchor:
		if r.DaysAfter < 0 {
			return InvalidRule("days after anchor must be >= 0, got %d", r.DaysAfter)
		}
		return nil
	case TriggerWeekday:
		if r.Weekday < time.Sunday || r.Weekday > time.Saturday {
			return InvalidRule("weekday out of range: %d", int(r.Weekday))
		}
		return nil
	case TriggerDayOfMonth:
		if r.DayOfMonth < 1 || r.DayOfMonth > 31 {
			return InvalidRule("day of month out of range: %d", r.DayOfMonth)
		}
		return nil
	case TriggerDayOfYear:
		if r.MonthDay.Month < time.January || r.MonthDay.Month > time.December ||
			r.MonthDay.Day < 1 || r.MonthDay.Day > 31 {
			return InvalidRule("day/month pair out of range: %s", r.MonthDay)
		}
		return nil
	case TriggerAbsoluteDate:
		if !r.Date.IsValid() {
			return InvalidRule("absolute date does not exist: %s", r.Date)
		}
		return nil
	default:
		return InvalidRule("unknown trigger kind %q", string(r.Trigger))
	}
}

// NextFollowSend computes the next send instant in UTC for a follow
// message. anchorUTC is the initial message's actual send instant, nil
// while unsent; anchor-dependent triggers fail with ErrDependencyNotReady
// until it exists. ok is false when the schedule resolves to "nothing to
// send right now" (deferred absolute date, or PastDefer policy).
func NextFollowSend(rule FollowRule, loc *time.Location, anchorUTC *time.Time, nowUTC time.Time, policy PastPolicy) (next time.Time, ok bool, err error) {
	if err := rule.Validate(); err != nil {
		return time.Time{}, false, err
	}

	if rule.Trigger == TriggerAbsoluteDate {
		return absoluteSend(rule, loc, anchorUTC)
	}

	if anchorUTC == nil {
		return time.Time{}, false, ErrDependencyNotReady
	}
	anchorLocal := anchorUTC.In(loc)
	base := anchorStartDate(anchorLocal, rule.SendTime, loc)

	target, found, err := nextTriggerDate(rule, base, anchorLocal)
	if err != nil || !found {
		return time.Time{}, false, err
	}

	local, err := Localize(target, rule.SendTime, loc)
	if err != nil {
		return time.Time{}, false, err
	}
	send := local.UTC()
	if send.After(nowUTC) {
		return send, true, nil
	}

	// Recomputed occurrence is already in the past (short intervals plus
	// dispatch latency). Policy decides between forward search and defer.
	if policy == PastDefer {
		return time.Time{}, false, nil
	}
	return skipForward(rule, loc, nowUTC)
}

// anchorStartDate derives the search's first candidate date from the
// anchor: the anchor's own local date, or the next day once the send
// time-of-day on that date has already passed (or cannot be localized).
func anchorStartDate(anchorLocal time.Time, at TimeOfDay, loc *time.Location) Date {
	day := DateOf(anchorLocal)
	sendOnAnchorDay, err := Localize(day, at, loc)
	if err != nil || !anchorLocal.Before(sendOnAnchorDay) {
		return day.AddDays(1)
	}
	return day
}

func nextTriggerDate(rule FollowRule, base Date, anchorLocal time.Time) (Date, bool, error) {
	switch rule.Trigger {
	case TriggerDaysAfterAnchor:
		// Exact offset from the anchor's date; the anchor day is day 0
		// and no time-of-day comparison applies.
		return DateOf(anchorLocal).AddDays(rule.DaysAfter), true, nil
	case TriggerWeekday:
		d := base
		for i := 0; i < 7; i++ {
			if d.Weekday() == rule.Weekday {
				return d, true, nil
			}
			d = d.AddDays(1)
		}
		return Date{}, false, InvalidRule("weekday %d never matched", int(rule.Weekday))
	case TriggerDayOfMonth:
		return nextMonthlyDate(rule.DayOfMonth, base)
	case TriggerDayOfYear:
		return nextYearlyDate(rule.MonthDay, base)
	default:
		return Date{}, false, InvalidRule("unknown trigger kind %q", string(rule.Trigger))
	}
}

// absoluteSend resolves a fixed-date trigger. The send instant must fall
// strictly after the anchor instant; otherwise the send is deferred (no
// occurrence) until the anchor moves or the rule is corrected.
func absoluteSend(rule FollowRule, loc *time.Location, anchorUTC *time.Time) (time.Time, bool, error) {
	local, err := Localize(rule.Date, rule.SendTime, loc)
	if err != nil {
		return time.Time{}, false, err
	}
	send := local.UTC()
	if anchorUTC != nil && !send.After(*anchorUTC) {
		return time.Time{}, false, nil
	}
	return send, true, nil
}

// skipForward restarts the pattern search from "now" so the result is
// the first occurrence strictly in the future. For a pure day-offset
// trigger the pattern matches any day, so the result is simply the next
// send-time instant after now.
func skipForward(rule FollowRule, loc *time.Location, nowUTC time.Time) (time.Time, bool, error) {
	base := effectiveStartDate(nowUTC, rule.SendTime, loc)

	var (
		target Date
		found  bool
		err    error
	)
	switch rule.Trigger {
	case TriggerDaysAfterAnchor:
		target, found = base, true
	case TriggerWeekday:
		d := base
		for i := 0; i < 7; i++ {
			if d.Weekday() == rule.Weekday {
				target, found = d, true
				break
			}
			d = d.AddDays(1)
		}
	case TriggerDayOfMonth:
		target, found, err = nextMonthlyDate(rule.DayOfMonth, base)
	case TriggerDayOfYear:
		target, found, err = nextYearlyDate(rule.MonthDay, base)
	}
	if err != nil || !found {
		return time.Time{}, false, err
	}

	local, err := Localize(target, rule.SendTime, loc)
	if err != nil {
		return time.Time{}, false, err
	}
	return local.UTC(), true, nil
}
