package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LeadSendingStatus enumerates the outcome of a dispatch attempt
type LeadSendingStatus string

const (
	LeadSendingStatusSuccess LeadSendingStatus = "SUCCESS"
	LeadSendingStatusError   LeadSendingStatus = "ERROR"
	LeadSendingStatusPending LeadSendingStatus = "PENDING"
	LeadSendingStatusRetry   LeadSendingStatus = "RETRY"
)

func (s LeadSendingStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s LeadSendingStatus) Valid() bool {
	switch s {
	case LeadSendingStatusSuccess, LeadSendingStatusError,
		LeadSendingStatusPending, LeadSendingStatusRetry:
		return true
	default:
		return false
	}
}

// Terminal reports whether the row may no longer change
func (s LeadSendingStatus) Terminal() bool {
	return s == LeadSendingStatusSuccess || s == LeadSendingStatusError
}

// Scan implements the sql.Scanner interface for LeadSendingStatus
func (s *LeadSendingStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*s = LeadSendingStatus(v)
	case []byte:
		*s = LeadSendingStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into LeadSendingStatus", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for LeadSendingStatus
func (s LeadSendingStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid LeadSendingStatus: %s", s)
	}
	return string(s), nil
}

// LeadSending records one dispatch attempt of a lead under a rule. Lead and destination fields
// are snapshots taken at send time.
// Table: lead_sendings
type LeadSending struct {
	ID                 uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	RuleID             uuid.UUID         `gorm:"type:uuid;not null;index:idx_lead_sendings_rule_subid,priority:1" json:"rule_id"`
	LeadID             *uuid.UUID        `gorm:"type:uuid" json:"lead_id,omitempty"`
	LeadSubid          string            `gorm:"size:128;not null;index:idx_lead_sendings_rule_subid,priority:2" json:"lead_subid"`
	LeadName           string            `gorm:"size:255;not null;default:''" json:"lead_name"`
	LeadPhone          string            `gorm:"size:32;not null;default:''" json:"lead_phone"`
	LeadEmail          *string           `gorm:"size:255" json:"lead_email,omitempty"`
	LeadCountry        *string           `gorm:"size:8" json:"lead_country,omitempty"`
	TargetProductID    string            `gorm:"size:128;not null" json:"target_product_id"`
	TargetProductName  string            `gorm:"size:255;not null;default:''" json:"target_product_name"`
	Status             LeadSendingStatus `gorm:"type:lead_sending_status;not null;default:'PENDING';index:idx_lead_sendings_status" json:"status"`
	ResponseStatus     *int              `json:"response_status,omitempty"`
	ErrorDetails       *string           `gorm:"type:text" json:"error_details,omitempty"`
	ExternalResponseID *string           `gorm:"size:128" json:"external_response_id,omitempty"`
	SentAt             time.Time         `gorm:"not null;index:idx_lead_sendings_sent_at" json:"sent_at"`
	AttemptNumber      int               `gorm:"not null;default:1" json:"attempt_number"`
	ResponseTimeMs     *int64            `json:"response_time_ms,omitempty"`
}

func (LeadSending) TableName() string { return "lead_sendings" }

// SendingOutcome is the terminal result written onto a pending attempt
type SendingOutcome struct {
	Status             LeadSendingStatus
	ResponseStatus     *int
	ErrorDetails       *string
	ExternalResponseID *string
	ResponseTimeMs     *int64
}

// LeadSendingFilter provides filter fields for repository queries
type LeadSendingFilter struct {
	ID         *uuid.UUID
	RuleID     *uuid.UUID
	LeadSubid  *string
	Status     *LeadSendingStatus
	SentAfter  *time.Time
	SentBefore *time.Time
}

// AbandonedAttemptDetails marks an attempt whose worker stopped before recording an outcome.
// The destination may have accepted the lead, so such attempts are never retried automatically.
const AbandonedAttemptDetails = "abandoned: outcome unknown, delivery may have happened"

// AttemptSummary condenses the attempt history of one lead under one rule
type AttemptSummary struct {
	Attempts      int
	HasSuccess    bool
	LastID        uuid.UUID
	LastStatus    LeadSendingStatus
	LastResponse  *int
	LastDetails   *string
	LastAttemptAt *time.Time
}

// OutcomeUnknown reports whether the last attempt never got an outcome, or was closed as abandoned
func (s *AttemptSummary) OutcomeUnknown() bool {
	if s == nil || s.Attempts == 0 {
		return false
	}
	if !s.LastStatus.Terminal() {
		return true
	}
	return s.LastDetails != nil && *s.LastDetails == AbandonedAttemptDetails
}

// BeforeCreate is called before creating a new record
func (s *LeadSending) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
