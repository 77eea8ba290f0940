package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/lead-dispatch/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LeadSendingRepositoryImpl implements LeadSendingRepository
type LeadSendingRepositoryImpl struct {
	*BaseRepository[models.LeadSending, models.LeadSendingFilter]
}

func NewLeadSendingRepository(db *gorm.DB) LeadSendingRepository {
	return &LeadSendingRepositoryImpl{BaseRepository: NewBaseRepository[models.LeadSending, models.LeadSendingFilter](db)}
}

// Append inserts a new attempt row. Rows start as PENDING, or RETRY for later attempts.
func (r *LeadSendingRepositoryImpl) Append(ctx context.Context, row *models.LeadSending) error {
	if row == nil {
		return errors.New("lead sending payload is nil")
	}
	if row.AttemptNumber < 1 {
		return fmt.Errorf("invalid attempt number %d", row.AttemptNumber)
	}
	if row.Status == "" {
		row.Status = models.LeadSendingStatusPending
		if row.AttemptNumber > 1 {
			row.Status = models.LeadSendingStatusRetry
		}
	}
	if row.Status.Terminal() {
		return fmt.Errorf("attempt must be appended as PENDING or RETRY, got %s", row.Status)
	}
	return r.Save(ctx, row)
}

// Finalize writes the terminal outcome. Rows already SUCCESS or ERROR are left untouched.
func (r *LeadSendingRepositoryImpl) Finalize(ctx context.Context, id uuid.UUID, outcome models.SendingOutcome) error {
	if !outcome.Status.Terminal() {
		return fmt.Errorf("finalize needs a terminal status, got %s", outcome.Status)
	}
	db := r.getDB(ctx)
	result := db.Model(&models.LeadSending{}).
		Where("id = ? AND status IN ?", id, []models.LeadSendingStatus{models.LeadSendingStatusPending, models.LeadSendingStatusRetry}).
		Updates(map[string]any{
			"status":               outcome.Status,
			"response_status":      outcome.ResponseStatus,
			"error_details":        outcome.ErrorDetails,
			"external_response_id": outcome.ExternalResponseID,
			"response_time_ms":     outcome.ResponseTimeMs,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to finalize lead sending %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSendingNotPending
	}
	return nil
}

func (r *LeadSendingRepositoryImpl) HasSuccessfulAttempt(ctx context.Context, ruleID uuid.UUID, leadSubid string) (bool, error) {
	status := models.LeadSendingStatusSuccess
	return r.Exists(ctx, models.LeadSendingFilter{RuleID: &ruleID, LeadSubid: &leadSubid, Status: &status})
}

func (r *LeadSendingRepositoryImpl) Summary(ctx context.Context, ruleID uuid.UUID, leadSubid string) (*models.AttemptSummary, error) {
	rows, err := r.ByFilter(ctx, models.LeadSendingFilter{RuleID: &ruleID, LeadSubid: &leadSubid}, "attempt_number DESC, sent_at DESC", 0, 0)
	if err != nil {
		return nil, err
	}
	summary := &models.AttemptSummary{Attempts: len(rows)}
	for _, row := range rows {
		if row.Status == models.LeadSendingStatusSuccess {
			summary.HasSuccess = true
		}
	}
	if len(rows) > 0 {
		last := rows[0]
		summary.LastID = last.ID
		summary.LastStatus = last.Status
		summary.LastResponse = last.ResponseStatus
		summary.LastDetails = last.ErrorDetails
		sentAt := last.SentAt
		summary.LastAttemptAt = &sentAt
	}
	return summary, nil
}

// ListByRule returns attempts of a rule, newest first
func (r *LeadSendingRepositoryImpl) ListByRule(ctx context.Context, ruleID uuid.UUID, limit, offset int) ([]*models.LeadSending, error) {
	return r.ByFilter(ctx, models.LeadSendingFilter{RuleID: &ruleID}, "sent_at DESC, attempt_number DESC", limit, offset)
}

func (r *LeadSendingRepositoryImpl) CountSince(ctx context.Context, ruleID uuid.UUID, from time.Time) (int64, error) {
	return r.Count(ctx, models.LeadSendingFilter{RuleID: &ruleID, SentAfter: &from})
}

// SendingAggregates is the rollup shape shared by rule and global analytics
type SendingAggregates struct {
	TotalSent    int64
	TotalSuccess int64
	TotalErrors  int64
	LastSentAt   *time.Time
}

// RuleSendingAggregates is SendingAggregates keyed by rule
type RuleSendingAggregates struct {
	RuleID uuid.UUID
	SendingAggregates
}

const aggregateColumns = `
	COUNT(*) AS total_sent,
	COUNT(*) FILTER (WHERE status = 'SUCCESS') AS total_success,
	COUNT(*) FILTER (WHERE status = 'ERROR') AS total_errors,
	MAX(sent_at) AS last_sent_at`

func (r *LeadSendingRepositoryImpl) AggregateByRule(ctx context.Context, ruleID uuid.UUID) (*SendingAggregates, error) {
	db := r.getDB(ctx)
	var agg SendingAggregates
	if err := db.Table(models.LeadSending{}.TableName()).
		Select(aggregateColumns).
		Where("rule_id = ?", ruleID).
		Scan(&agg).Error; err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *LeadSendingRepositoryImpl) AggregateGlobal(ctx context.Context) (*SendingAggregates, error) {
	db := r.getDB(ctx)
	var agg SendingAggregates
	if err := db.Table(models.LeadSending{}.TableName()).
		Select(aggregateColumns).
		Scan(&agg).Error; err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *LeadSendingRepositoryImpl) AggregatePerRule(ctx context.Context) ([]*RuleSendingAggregates, error) {
	db := r.getDB(ctx)
	var rows []*RuleSendingAggregates
	if err := db.Table(models.LeadSending{}.TableName()).
		Select("rule_id," + aggregateColumns).
		Group("rule_id").
		Order("rule_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *LeadSendingRepositoryImpl) applyFilter(db *gorm.DB, f models.LeadSendingFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.RuleID != nil {
		db = db.Where("rule_id = ?", *f.RuleID)
	}
	if f.LeadSubid != nil {
		db = db.Where("lead_subid = ?", *f.LeadSubid)
	}
	if f.Status != nil {
		db = db.Where("status = ?", *f.Status)
	}
	if f.SentAfter != nil {
		db = db.Where("sent_at >= ?", *f.SentAfter)
	}
	if f.SentBefore != nil {
		db = db.Where("sent_at < ?", *f.SentBefore)
	}
	return db
}

func (r *LeadSendingRepositoryImpl) ByFilter(ctx context.Context, filter models.LeadSendingFilter, orderBy string, limit, offset int) ([]*models.LeadSending, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.LeadSending{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.LeadSending
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *LeadSendingRepositoryImpl) Count(ctx context.Context, filter models.LeadSendingFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.LeadSending{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *LeadSendingRepositoryImpl) Exists(ctx context.Context, filter models.LeadSendingFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}
