package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cronpostps/cronpost/internal/account"
	"github.com/cronpostps/cronpost/internal/schedule"
)

// decodeStrict mirrors the config loader: unknown fields and trailing
// tokens are rejected so client typos fail loudly.
func decodeStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON body")
	}
	return nil
}

type ruleDTO struct {
	Kind         string `json:"kind"`
	IntervalDays int    `json:"interval_days,omitempty"`
	Weekday      string `json:"weekday,omitempty"`
	DayOfMonth   int    `json:"day_of_month,omitempty"`
	MonthDay     string `json:"month_day,omitempty"` // DD/MM
	Date         string `json:"date,omitempty"`      // YYYY-MM-DD
	PromptTime   string `json:"prompt_time"`
	Enabled      bool   `json:"enabled"`
}

func (d ruleDTO) toRule() (schedule.CheckinRule, error) {
	r := schedule.CheckinRule{
		Kind:         schedule.RuleKind(d.Kind),
		IntervalDays: d.IntervalDays,
		DayOfMonth:   d.DayOfMonth,
		Enabled:      d.Enabled,
	}
	var err error
	if d.Weekday != "" {
		if r.Weekday, err = schedule.ParseWeekday(d.Weekday); err != nil {
			return r, err
		}
	}
	if d.MonthDay != "" {
		if r.MonthDay, err = schedule.ParseMonthDay(d.MonthDay); err != nil {
			return r, err
		}
	}
	if d.Date != "" {
		if r.Date, err = schedule.ParseDate(d.Date); err != nil {
			return r, err
		}
	}
	if r.PromptTime, err = schedule.ParseTimeOfDay(d.PromptTime); err != nil {
		return r, err
	}
	if err := r.Validate(); err != nil {
		return r, err
	}
	return r, nil
}

func ruleToDTO(r schedule.CheckinRule) ruleDTO {
	d := ruleDTO{
		Kind:         string(r.Kind),
		IntervalDays: r.IntervalDays,
		DayOfMonth:   r.DayOfMonth,
		PromptTime:   r.PromptTime.String(),
		Enabled:      r.Enabled,
	}
	if r.Kind == schedule.KindWeekday {
		d.Weekday = r.Weekday.String()[:3]
	}
	if r.MonthDay != (schedule.MonthDay{}) {
		d.MonthDay = r.MonthDay.String()
	}
	if r.Date != (schedule.Date{}) {
		d.Date = r.Date.String()
	}
	return d
}

type followRuleDTO struct {
	Trigger    string `json:"trigger"`
	DaysAfter  int    `json:"days_after,omitempty"`
	Weekday    string `json:"weekday,omitempty"`
	DayOfMonth int    `json:"day_of_month,omitempty"`
	MonthDay   string `json:"month_day,omitempty"`
	Date       string `json:"date,omitempty"`
	SendTime   string `json:"send_time"`
}

func (d followRuleDTO) toRule() (schedule.FollowRule, error) {
	r := schedule.FollowRule{
		Trigger:    schedule.TriggerKind(d.Trigger),
		DaysAfter:  d.DaysAfter,
		DayOfMonth: d.DayOfMonth,
	}
	var err error
	if d.Weekday != "" {
		if r.Weekday, err = schedule.ParseWeekday(d.Weekday); err != nil {
			return r, err
		}
	}
	if d.MonthDay != "" {
		if r.MonthDay, err = schedule.ParseMonthDay(d.MonthDay); err != nil {
			return r, err
		}
	}
	if d.Date != "" {
		if r.Date, err = schedule.ParseDate(d.Date); err != nil {
			return r, err
		}
	}
	if r.SendTime, err = schedule.ParseTimeOfDay(d.SendTime); err != nil {
		return r, err
	}
	if err := r.Validate(); err != nil {
		return r, err
	}
	return r, nil
}

type accountRequest struct {
	Timezone             string  `json:"timezone"`
	Rule                 ruleDTO `json:"rule"`
	Grace                string  `json:"grace,omitempty"` // Go duration string
	Pin                  string  `json:"pin,omitempty"`   // 4 digits, hashed before storage
	RequirePinForActions bool    `json:"require_pin_for_actions"`
	CheckinOnSignIn      bool    `json:"checkin_on_sign_in"`
}

type accountView struct {
	ID                string  `json:"id"`
	Status            string  `json:"status"`
	Timezone          string  `json:"timezone"`
	Rule              ruleDTO `json:"rule"`
	Grace             string  `json:"grace"`
	NextPromptAt      *string `json:"next_prompt_at,omitempty"`
	GraceEndsAt       *string `json:"grace_ends_at,omitempty"`
	FailedPinAttempts int     `json:"failed_pin_attempts"`
	LockedUntil       *string `json:"locked_until,omitempty"`
	StopTokenUsed     bool    `json:"stop_token_used"`
}

func viewOf(acct *account.Account) accountView {
	v := accountView{
		ID:                acct.UserID,
		Status:            string(acct.State.Status),
		Timezone:          acct.Location.String(),
		Rule:              ruleToDTO(acct.Rule),
		Grace:             acct.Grace.String(),
		FailedPinAttempts: acct.State.FailedPinAttempts,
		StopTokenUsed:     acct.StopTokenUsed,
	}
	v.NextPromptAt = timePtr(acct.NextPromptAt)
	v.GraceEndsAt = timePtr(acct.GraceEndsAt)
	v.LockedUntil = timePtr(acct.State.LockedUntil)
	return v
}

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func parseTimeField(name, raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", name, err)
	}
	return t.UTC(), nil
}
