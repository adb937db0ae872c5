package schedule

import "time"

// Iteration caps. Monthly needs at most 13 candidate months (a clamped
// day always exists within one year plus the starting month); yearly
// needs at most 3 candidate years before the next Feb 29 check succeeds
// or the pair is proven invalid for ordinary years too.
const (
	maxMonthSearch = 13
	maxYearSearch  = 3
)

// NextPrompt computes the next check-in prompt instant in UTC for rule,
// evaluated in loc against refUTC. ok is false when the rule yields no
// next occurrence (disabled, or a one-time rule, which has no "next").
//
// The function is pure: same inputs, same output, no shared state.
func NextPrompt(rule CheckinRule, loc *time.Location, refUTC time.Time) (next time.Time, ok bool, err error) {
	if !rule.Enabled || rule.Kind == KindOneTime {
		return time.Time{}, false, nil
	}
	if err := rule.Validate(); err != nil {
		return time.Time{}, false, err
	}

	start := effectiveStartDate(refUTC, rule.PromptTime, loc)

	target, found, err := nextRuleDate(rule, start)
	if err != nil || !found {
		return time.Time{}, false, err
	}

	local, err := Localize(target, rule.PromptTime, loc)
	if err != nil {
		return time.Time{}, false, err
	}
	return local.UTC(), true, nil
}

// effectiveStartDate picks the first civil date the search may resolve
// to: today in loc, or tomorrow once today's prompt time has passed. A
// prompt time that is unrepresentable today (DST gap/overlap) also pushes
// the search to tomorrow rather than failing the whole calculation.
func effectiveStartDate(refUTC time.Time, at TimeOfDay, loc *time.Location) Date {
	localRef := refUTC.In(loc)
	today := DateOf(localRef)

	promptToday, err := Localize(today, at, loc)
	if err != nil || !localRef.Before(promptToday) {
		return today.AddDays(1)
	}
	return today
}

// nextRuleDate resolves the first date at or after start that satisfies
// the rule's calendar pattern. Iteration is bounded for every kind.
func nextRuleDate(rule CheckinRule, start Date) (Date, bool, error) {
	switch rule.Kind {
	case KindDaily:
		return start, true, nil

	case KindEveryNDays:
		// A fixed "wait at least N days" offset, not a phase-aligned
		// cycle anchored at some epoch.
		return start.AddDays(rule.IntervalDays), true, nil

	case KindWeekday:
		d := start
		for i := 0; i < 7; i++ {
			if d.Weekday() == rule.Weekday {
				return d, true, nil
			}
			d = d.AddDays(1)
		}
		return Date{}, false, InvalidRule("weekday %d never matched", int(rule.Weekday))

	case KindDayOfMonth:
		return nextMonthlyDate(rule.DayOfMonth, start)

	case KindDayOfYear:
		return nextYearlyDate(rule.MonthDay, start)

	case KindOneTime:
		return Date{}, false, nil

	default:
		return Date{}, false, InvalidRule("unknown rule kind %q", string(rule.Kind))
	}
}

// nextMonthlyDate walks month by month, clamping the target day to the
// length of each candidate month (day 31 in February becomes Feb 28/29).
func nextMonthlyDate(targetDay int, start Date) (Date, bool, error) {
	year, month := start.Year, start.Month
	floor := start
	for i := 0; i < maxMonthSearch; i++ {
		day := targetDay
		if last := lastDayOfMonth(year, month); day > last {
			day = last
		}
		candidate := Date{Year: year, Month: month, Day: day}
		if !candidate.Before(floor) {
			return candidate, true, nil
		}
		month++
		if month > time.December {
			month = time.January
			year++
		}
		floor = Date{Year: year, Month: month, Day: 1}
	}
	return Date{}, false, InvalidRule("no valid date within %d months for day %d", maxMonthSearch, targetDay)
}

// nextYearlyDate walks year by year and skips years where the day/month
// pair does not exist (Feb 29 outside leap years) instead of erroring.
func nextYearlyDate(md MonthDay, start Date) (Date, bool, error) {
	floor := start
	for i := 0; i < maxYearSearch; i++ {
		candidate := Date{Year: start.Year + i, Month: md.Month, Day: md.Day}
		if !candidate.IsValid() {
			floor = Date{Year: start.Year + i + 1, Month: time.January, Day: 1}
			continue
		}
		if !candidate.Before(floor) {
			return candidate, true, nil
		}
	}
	// 29/02 recurs every 4 years; widen the scan only for that pair.
	if md.Day == 29 && md.Month == time.February {
		for i := maxYearSearch; i < maxYearSearch+4; i++ {
			candidate := Date{Year: start.Year + i, Month: md.Month, Day: md.Day}
			if candidate.IsValid() && !candidate.Before(floor) {
				return candidate, true, nil
			}
		}
	}
	return Date{}, false, InvalidRule("no valid date for %s within reach", md)
}
