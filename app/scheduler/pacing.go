package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/lead-dispatch/models"
	"github.com/amirphl/lead-dispatch/utils"
)

// RuleState is the pacing state of a rule at one instant
type RuleState string

const (
	StateDue                  RuleState = "due"
	StateWaitingInterval      RuleState = "waiting_interval"
	StateBlockedCapped        RuleState = "blocked_capped"
	StateBlockedWindow        RuleState = "blocked_window"
	StateBlockedInactive      RuleState = "blocked_inactive"
	StateBlockedMisconfigured RuleState = "blocked_misconfigured"
)

// AllRuleStates lists every state, for gauges and reports
var AllRuleStates = []RuleState{
	StateDue,
	StateWaitingInterval,
	StateBlockedCapped,
	StateBlockedWindow,
	StateBlockedInactive,
	StateBlockedMisconfigured,
}

// Verdict is the outcome of evaluating a rule at one instant
type Verdict struct {
	State  RuleState `json:"state"`
	Reason string    `json:"reason,omitempty"`
	// NextEligibleAt is the earliest time the verdict may change, when known
	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
	// DayKey is the rule-local day used for cap accounting
	DayKey string `json:"day_key,omitempty"`
	// SentToday is the attempt count of DayKey
	SentToday int `json:"sent_today"`
	// ConfigErr is set for misconfigured rules
	ConfigErr *models.RuleConfigError `json:"-"`
}

// Due reports whether the rule may fire now
func (v Verdict) Due() bool { return v.State == StateDue }

// Evaluate decides the pacing state of rule at now. It reads only the rule, so calling it
// repeatedly without an intervening dispatch yields the same verdict.
func Evaluate(rule *models.LeadRule, now time.Time) Verdict {
	if err := rule.Validate(); err != nil {
		v := Verdict{State: StateBlockedMisconfigured, Reason: err.Error()}
		var cfgErr *models.RuleConfigError
		if errors.As(err, &cfgErr) {
			v.ConfigErr = cfgErr
		}
		return v
	}

	loc, _ := rule.Location()
	local := now.In(loc)
	day := local.Format(utils.DayKeyLayout)
	v := Verdict{DayKey: day, SentToday: rule.SentOn(day)}

	if !rule.IsActive {
		v.State = StateBlockedInactive
		v.Reason = "rule is inactive"
		return v
	}
	if !rule.InActivePeriod(now) {
		v.State = StateBlockedInactive
		v.Reason = "outside send date period"
		if rule.SendDateFrom != nil && now.Before(*rule.SendDateFrom) {
			v.NextEligibleAt = utils.ToPtr(rule.SendDateFrom.UTC())
		}
		return v
	}

	if p, ok := rule.Policy().(models.Bounded); ok {
		if p.Cap != nil && v.SentToday >= *p.Cap {
			v.State = StateBlockedCapped
			v.Reason = fmt.Sprintf("daily cap %d reached for %s", *p.Cap, day)
			v.NextEligibleAt = utils.ToPtr(nextLocalMidnight(local).UTC())
			return v
		}
		if p.Window != nil && !p.Window.Contains(utils.MinuteOfDay(local)) {
			v.State = StateBlockedWindow
			v.Reason = fmt.Sprintf("outside send window %s %s", p.Window, loc)
			v.NextEligibleAt = utils.ToPtr(nextWindowStart(local, *p.Window).UTC())
			return v
		}
	}

	if rule.LastSentAt != nil {
		due := rule.LastSentAt.Add(time.Duration(intervalMinutes(rule)) * time.Minute)
		if now.Before(due) {
			v.State = StateWaitingInterval
			v.Reason = fmt.Sprintf("next send after %s", due.UTC().Format(time.RFC3339))
			v.NextEligibleAt = utils.ToPtr(due.UTC())
			return v
		}
	}

	v.State = StateDue
	return v
}

// intervalMinutes returns the delay drawn after the last send. Rules sent before any delay
// was stored fall back to the minimum interval.
func intervalMinutes(rule *models.LeadRule) int {
	if rule.NextDelayMinutes != nil {
		return *rule.NextDelayMinutes
	}
	return rule.MinIntervalMinutes
}

// NextState returns the runtime state after one attempt dispatched at now. The attempt counts
// against the daily quota whatever its outcome, and the next interval is drawn immediately.
func NextState(rule *models.LeadRule, v Verdict, now time.Time, delays DelayDrawer) models.RuleRuntimeState {
	delay := delays.Draw(rule.MinIntervalMinutes, rule.MaxIntervalMinutes)
	delay = min(max(delay, rule.MinIntervalMinutes), rule.MaxIntervalMinutes)

	sentAt := now.UTC()
	day := v.DayKey
	if day == "" {
		loc, _ := rule.Location()
		if loc == nil {
			loc = time.UTC
		}
		day = utils.DayKey(now, loc)
	}
	return models.RuleRuntimeState{
		LastSentAt:       &sentAt,
		SentTodayCount:   rule.SentOn(day) + 1,
		SentTodayDate:    day,
		NextDelayMinutes: &delay,
		NextEligibleAt:   utils.ToPtr(sentAt.Add(time.Duration(delay) * time.Minute)),
	}
}

func nextLocalMidnight(local time.Time) time.Time {
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, local.Location())
}

func nextWindowStart(local time.Time, w models.SendWindow) time.Time {
	y, m, d := local.Date()
	start := time.Date(y, m, d, w.Start/60, w.Start%60, 0, 0, local.Location())
	if !start.After(local) {
		start = time.Date(y, m, d+1, w.Start/60, w.Start%60, 0, 0, local.Location())
	}
	return start
}
