// Package repository provides data access layer implementations and interfaces for database operations
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/amirphl/lead-dispatch/models"
	"github.com/google/uuid"
)

// RepositoryContext key for transaction in context
type contextKey string

const TxContextKey contextKey = "tx"

var (
	// ErrClaimNotHeld is returned when a claim release does not match the current holder
	ErrClaimNotHeld = errors.New("rule claim not held by token")
	// ErrSendingNotPending is returned when finalizing an attempt that is already terminal
	ErrSendingNotPending = errors.New("lead sending is not pending")
)

type Repository[T any, F any] interface {
	ByID(ctx context.Context, id uuid.UUID) (*T, error)
	ByFilter(ctx context.Context, filter F, orderBy string, limit, offset int) ([]*T, error)
	Save(ctx context.Context, entity *T) error
	SaveBatch(ctx context.Context, entities []*T) error
	Count(ctx context.Context, filter F) (int64, error)
	Exists(ctx context.Context, filter F) (bool, error)
}

// LeadRuleRepository is the rule store: definitions plus dispatcher-owned runtime state
type LeadRuleRepository interface {
	Repository[models.LeadRule, models.LeadRuleFilter]
	ListActive(ctx context.Context) ([]*models.LeadRule, error)
	State(ctx context.Context, id uuid.UUID) (*models.RuleRuntimeState, error)
	// TryClaim marks the rule as owned by token. It reports false when another live claim exists.
	TryClaim(ctx context.Context, id uuid.UUID, token string, now time.Time, ttl time.Duration) (bool, error)
	// ReleaseClaim clears the claim held by token, writing state first when it is not nil
	ReleaseClaim(ctx context.Context, id uuid.UUID, token string, state *models.RuleRuntimeState) error
	// RecordAttempt counts one attempt against the rule without holding its claim. The pacing
	// fields only move forward.
	RecordAttempt(ctx context.Context, id uuid.UUID, state models.RuleRuntimeState) error
}

// LeadRepository is the lead source
type LeadRepository interface {
	Repository[models.Lead, models.LeadFilter]
	BySubid(ctx context.Context, subid string) (*models.Lead, error)
	FindLeads(ctx context.Context, filter models.LeadFilter, limit, offset int) ([]*models.Lead, error)
}

// LeadSendingRepository is the append-only attempt ledger
type LeadSendingRepository interface {
	Repository[models.LeadSending, models.LeadSendingFilter]
	Append(ctx context.Context, row *models.LeadSending) error
	Finalize(ctx context.Context, id uuid.UUID, outcome models.SendingOutcome) error
	HasSuccessfulAttempt(ctx context.Context, ruleID uuid.UUID, leadSubid string) (bool, error)
	Summary(ctx context.Context, ruleID uuid.UUID, leadSubid string) (*models.AttemptSummary, error)
	ListByRule(ctx context.Context, ruleID uuid.UUID, limit, offset int) ([]*models.LeadSending, error)
	CountSince(ctx context.Context, ruleID uuid.UUID, from time.Time) (int64, error)
	AggregateByRule(ctx context.Context, ruleID uuid.UUID) (*SendingAggregates, error)
	AggregateGlobal(ctx context.Context) (*SendingAggregates, error)
	AggregatePerRule(ctx context.Context) ([]*RuleSendingAggregates, error)
}
