package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/lead-dispatch/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LeadRule is an operator-defined targeting and pacing policy that forwards matched leads to one
// affiliate destination. Targeting and pacing fields belong to the operator; the runtime-state
// columns are written only by the dispatcher.
// Table: lead_rules
type LeadRule struct {
	ID   uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name string    `gorm:"size:255;not null;default:''" json:"name"`

	// Targeting filters, AND-combined; nil or empty means wildcard
	LeadStatus    *string    `gorm:"size:64" json:"lead_status,omitempty"`
	LeadVertical  *string    `gorm:"size:64" json:"lead_vertical,omitempty"`
	LeadCountry   *string    `gorm:"size:8" json:"lead_country,omitempty"`
	LeadAffiliate *string    `gorm:"size:128" json:"lead_affiliate,omitempty"`
	LeadDateFrom  *time.Time `json:"lead_date_from,omitempty"`
	LeadDateTo    *time.Time `json:"lead_date_to,omitempty"`

	// Destination
	TargetProductID   string `gorm:"size:128;not null" json:"target_product_id"`
	TargetProductName string `gorm:"size:255;not null;default:''" json:"target_product_name"`
	TargetVertical    string `gorm:"size:64;not null;default:''" json:"target_vertical"`
	TargetCountry     string `gorm:"size:8;not null;default:''" json:"target_country"`
	TargetAffiliate   string `gorm:"size:128;not null;default:''" json:"target_affiliate"`

	// Pacing
	MinIntervalMinutes   int        `gorm:"not null" json:"min_interval_minutes"`
	MaxIntervalMinutes   int        `gorm:"not null" json:"max_interval_minutes"`
	DailyCapLimit        int        `gorm:"not null;default:0" json:"daily_cap_limit"`
	IsDailyCapInfinite   bool       `gorm:"not null;default:false" json:"is_daily_cap_infinite"`
	SendWindowStart      *int       `json:"send_window_start,omitempty"` // minute of day
	SendWindowEnd        *int       `json:"send_window_end,omitempty"`   // minute of day, exclusive
	IsSendWindowInfinite bool       `gorm:"not null;default:false" json:"is_send_window_infinite"`
	SendDateFrom         *time.Time `json:"send_date_from,omitempty"`
	SendDateTo           *time.Time `json:"send_date_to,omitempty"`
	Timezone             string     `gorm:"size:64;not null;default:'UTC'" json:"timezone"`

	// Lifecycle
	IsActive   bool `gorm:"not null;default:false;index:idx_lead_rules_is_active" json:"is_active"`
	IsInfinite bool `gorm:"not null;default:false" json:"is_infinite"`

	// Runtime state
	LastSentAt       *time.Time `json:"last_sent_at,omitempty"`
	SentTodayCount   int        `gorm:"not null;default:0" json:"sent_today_count"`
	SentTodayDate    *string    `gorm:"size:10" json:"sent_today_date,omitempty"`
	NextDelayMinutes *int       `json:"next_delay_minutes,omitempty"`
	NextEligibleAt   *time.Time `json:"next_eligible_at,omitempty"`
	ClaimedBy        *string    `gorm:"size:64" json:"-"`
	ClaimedAt        *time.Time `json:"-"`

	CreatedAt time.Time      `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt time.Time      `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (LeadRule) TableName() string { return "lead_rules" }

// BeforeCreate is called before creating a new record
func (r *LeadRule) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Timezone == "" {
		r.Timezone = utils.DefaultRuleTimezone
	}
	return nil
}

// SendWindow is a half-open clock-time range [Start, End) in minutes of day.
// Start > End wraps midnight.
type SendWindow struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether minute falls inside the window
func (w SendWindow) Contains(minute int) bool {
	if w.Start < w.End {
		return minute >= w.Start && minute < w.End
	}
	return minute >= w.Start || minute < w.End
}

func (w SendWindow) String() string {
	return utils.FormatMinuteOfDay(w.Start) + "-" + utils.FormatMinuteOfDay(w.End)
}

// PacingPolicy is either Unbounded or Bounded
type PacingPolicy interface {
	pacingPolicy()
}

// Unbounded bypasses both the daily cap and the send window
type Unbounded struct{}

// Bounded enforces a daily cap and a send window; a nil field is not enforced
type Bounded struct {
	Cap    *int
	Window *SendWindow
}

func (Unbounded) pacingPolicy() {}
func (Bounded) pacingPolicy()   {}

// Policy returns the cap/window policy of the rule
func (r *LeadRule) Policy() PacingPolicy {
	if r.IsInfinite {
		return Unbounded{}
	}
	var b Bounded
	if !r.IsDailyCapInfinite {
		b.Cap = utils.ToPtr(r.DailyCapLimit)
	}
	if !r.IsSendWindowInfinite && r.SendWindowStart != nil && r.SendWindowEnd != nil {
		b.Window = &SendWindow{Start: *r.SendWindowStart, End: *r.SendWindowEnd}
	}
	return b
}

// Location returns the reference timezone of the rule
func (r *LeadRule) Location() (*time.Location, error) {
	return utils.LoadLocation(r.Timezone)
}

// InActivePeriod reports whether now is inside [SendDateFrom, SendDateTo] when set
func (r *LeadRule) InActivePeriod(now time.Time) bool {
	if r.SendDateFrom != nil && now.Before(*r.SendDateFrom) {
		return false
	}
	if r.SendDateTo != nil && now.After(*r.SendDateTo) {
		return false
	}
	return true
}

// SentOn returns the daily counter for the given local day; counters of other days read as zero
func (r *LeadRule) SentOn(dayKey string) int {
	if r.SentTodayDate == nil || *r.SentTodayDate != dayKey {
		return 0
	}
	return r.SentTodayCount
}

// LeadFilter returns the targeting filters as a lead source query
func (r *LeadRule) LeadFilter() LeadFilter {
	return LeadFilter{
		Status:    utils.TrimmedPtr(r.LeadStatus),
		Vertical:  utils.TrimmedPtr(r.LeadVertical),
		Country:   utils.TrimmedPtr(r.LeadCountry),
		Affiliate: utils.TrimmedPtr(r.LeadAffiliate),
		DateFrom:  r.LeadDateFrom,
		DateTo:    r.LeadDateTo,
	}
}

// Destination returns the destination snapshot copied into every attempt
func (r *LeadRule) Destination() Destination {
	return Destination{
		ProductID:   r.TargetProductID,
		ProductName: r.TargetProductName,
		Vertical:    r.TargetVertical,
		Country:     r.TargetCountry,
		Affiliate:   r.TargetAffiliate,
	}
}

// RuntimeState returns the dispatcher-owned fields of the rule
func (r *LeadRule) RuntimeState() RuleRuntimeState {
	return RuleRuntimeState{
		LastSentAt:       r.LastSentAt,
		SentTodayCount:   r.SentTodayCount,
		SentTodayDate:    utils.Deref(r.SentTodayDate),
		NextDelayMinutes: r.NextDelayMinutes,
		NextEligibleAt:   r.NextEligibleAt,
	}
}

// ApplyRuntimeState overwrites the dispatcher-owned fields of the rule
func (r *LeadRule) ApplyRuntimeState(s RuleRuntimeState) {
	r.LastSentAt = s.LastSentAt
	r.SentTodayCount = s.SentTodayCount
	if s.SentTodayDate == "" {
		r.SentTodayDate = nil
	} else {
		r.SentTodayDate = utils.ToPtr(s.SentTodayDate)
	}
	r.NextDelayMinutes = s.NextDelayMinutes
	r.NextEligibleAt = s.NextEligibleAt
}

// Validate reports every configuration problem of the rule. A rule that fails validation is
// never dispatched and never repaired automatically.
func (r *LeadRule) Validate() error {
	var problems []string

	if r.MinIntervalMinutes <= 0 || r.MaxIntervalMinutes <= 0 {
		problems = append(problems, "interval bounds must be positive")
	}
	if r.MinIntervalMinutes > r.MaxIntervalMinutes {
		problems = append(problems, fmt.Sprintf("min interval %d exceeds max interval %d", r.MinIntervalMinutes, r.MaxIntervalMinutes))
	}
	if strings.TrimSpace(r.TargetProductID) == "" {
		problems = append(problems, "target product is required")
	}
	if _, err := r.Location(); err != nil {
		problems = append(problems, fmt.Sprintf("unknown timezone %q", r.Timezone))
	}
	if r.SendDateFrom != nil && r.SendDateTo != nil && r.SendDateFrom.After(*r.SendDateTo) {
		problems = append(problems, "send date from is after send date to")
	}

	if !r.IsInfinite {
		if !r.IsDailyCapInfinite {
			if r.DailyCapLimit < 0 {
				problems = append(problems, "daily cap must not be negative")
			} else if r.DailyCapLimit == 0 {
				problems = append(problems, "daily cap is zero while not infinite")
			}
		}
		if !r.IsSendWindowInfinite {
			switch {
			case r.SendWindowStart == nil && r.SendWindowEnd == nil:
			case r.SendWindowStart == nil || r.SendWindowEnd == nil:
				problems = append(problems, "send window needs both start and end")
			default:
				start, end := *r.SendWindowStart, *r.SendWindowEnd
				if start < 0 || start >= utils.MinutesPerDay || end < 0 || end >= utils.MinutesPerDay {
					problems = append(problems, "send window bounds must be within a day")
				} else if start == end {
					problems = append(problems, "send window start equals end")
				}
			}
		}
	}

	if len(problems) > 0 {
		return &RuleConfigError{RuleID: r.ID, Problems: problems}
	}
	return nil
}

// RuleConfigError describes a malformed rule
type RuleConfigError struct {
	RuleID   uuid.UUID
	Problems []string
}

func (e *RuleConfigError) Error() string {
	return fmt.Sprintf("rule %s misconfigured: %s", e.RuleID, strings.Join(e.Problems, "; "))
}

// RuleRuntimeState is the mutable, dispatcher-owned part of a rule
type RuleRuntimeState struct {
	LastSentAt       *time.Time `json:"last_sent_at,omitempty"`
	SentTodayCount   int        `json:"sent_today_count"`
	SentTodayDate    string     `json:"sent_today_date,omitempty"`
	NextDelayMinutes *int       `json:"next_delay_minutes,omitempty"`
	NextEligibleAt   *time.Time `json:"next_eligible_at,omitempty"`
}

// Destination is the affiliate product a rule forwards leads to
type Destination struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Vertical    string `json:"vertical,omitempty"`
	Country     string `json:"country,omitempty"`
	Affiliate   string `json:"affiliate,omitempty"`
}

// LeadRuleFilter provides filter fields for repository queries
type LeadRuleFilter struct {
	ID              *uuid.UUID
	IsActive        *bool
	TargetProductID *string
	CreatedAfter    *time.Time
	CreatedBefore   *time.Time
}
