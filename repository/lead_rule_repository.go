package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/lead-dispatch/models"
	"github.com/amirphl/lead-dispatch/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LeadRuleRepositoryImpl implements LeadRuleRepository
type LeadRuleRepositoryImpl struct {
	*BaseRepository[models.LeadRule, models.LeadRuleFilter]
}

func NewLeadRuleRepository(db *gorm.DB) LeadRuleRepository {
	return &LeadRuleRepositoryImpl{BaseRepository: NewBaseRepository[models.LeadRule, models.LeadRuleFilter](db)}
}

// ListActive returns every active rule in creation order
func (r *LeadRuleRepositoryImpl) ListActive(ctx context.Context) ([]*models.LeadRule, error) {
	return r.ByFilter(ctx, models.LeadRuleFilter{IsActive: utils.ToPtr(true)}, "created_at ASC, id ASC", 0, 0)
}

func (r *LeadRuleRepositoryImpl) State(ctx context.Context, id uuid.UUID) (*models.RuleRuntimeState, error) {
	rule, err := r.ByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, nil
	}
	state := rule.RuntimeState()
	return &state, nil
}

func (r *LeadRuleRepositoryImpl) TryClaim(ctx context.Context, id uuid.UUID, token string, now time.Time, ttl time.Duration) (bool, error) {
	db := r.getDB(ctx)
	result := db.Model(&models.LeadRule{}).
		Where("id = ?", id).
		Where("claimed_by IS NULL OR claimed_at IS NULL OR claimed_at < ?", now.Add(-ttl)).
		Updates(map[string]any{
			"claimed_by": token,
			"claimed_at": now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim rule %s: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *LeadRuleRepositoryImpl) ReleaseClaim(ctx context.Context, id uuid.UUID, token string, state *models.RuleRuntimeState) error {
	db := r.getDB(ctx)

	updates := map[string]any{
		"claimed_by": nil,
		"claimed_at": nil,
		"updated_at": utils.UTCNow(),
	}
	if state != nil {
		var day *string
		if state.SentTodayDate != "" {
			day = utils.ToPtr(state.SentTodayDate)
		}
		updates["last_sent_at"] = state.LastSentAt
		updates["sent_today_count"] = state.SentTodayCount
		updates["sent_today_date"] = day
		updates["next_delay_minutes"] = state.NextDelayMinutes
		updates["next_eligible_at"] = state.NextEligibleAt
	}

	result := db.Model(&models.LeadRule{}).
		Where("id = ? AND claimed_by = ?", id, token).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to release rule %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrClaimNotHeld
	}
	return nil
}

func (r *LeadRuleRepositoryImpl) RecordAttempt(ctx context.Context, id uuid.UUID, state models.RuleRuntimeState) error {
	if state.LastSentAt == nil || state.SentTodayDate == "" {
		return fmt.Errorf("record attempt on rule %s: state has no send time", id)
	}
	day, last := state.SentTodayDate, *state.LastSentAt
	db := r.getDB(ctx)

	// Every SET expression reads the row as it was before the update.
	result := db.Model(&models.LeadRule{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"sent_today_count": gorm.Expr(`CASE
				WHEN sent_today_date = ? THEN sent_today_count + 1
				WHEN sent_today_date IS NULL OR sent_today_date < ? THEN 1
				ELSE sent_today_count END`, day, day),
			"sent_today_date":    gorm.Expr("GREATEST(COALESCE(sent_today_date, ''), ?)", day),
			"next_delay_minutes": gorm.Expr("CASE WHEN last_sent_at IS NULL OR last_sent_at < ? THEN ? ELSE next_delay_minutes END", last, state.NextDelayMinutes),
			"next_eligible_at":   gorm.Expr("CASE WHEN last_sent_at IS NULL OR last_sent_at < ? THEN ? ELSE next_eligible_at END", last, state.NextEligibleAt),
			"last_sent_at":       gorm.Expr("GREATEST(last_sent_at, ?)", last),
			"updated_at":         utils.UTCNow(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to record attempt on rule %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("record attempt: rule %s not found", id)
	}
	return nil
}

func (r *LeadRuleRepositoryImpl) applyFilter(db *gorm.DB, f models.LeadRuleFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.IsActive != nil {
		db = db.Where("is_active = ?", *f.IsActive)
	}
	if f.TargetProductID != nil {
		db = db.Where("target_product_id = ?", *f.TargetProductID)
	}
	if f.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		db = db.Where("created_at < ?", *f.CreatedBefore)
	}
	return db
}

func (r *LeadRuleRepositoryImpl) ByFilter(ctx context.Context, filter models.LeadRuleFilter, orderBy string, limit, offset int) ([]*models.LeadRule, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.LeadRule{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.LeadRule
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *LeadRuleRepositoryImpl) Count(ctx context.Context, filter models.LeadRuleFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.LeadRule{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *LeadRuleRepositoryImpl) Exists(ctx context.Context, filter models.LeadRuleFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}

// IsClaimConflict reports whether err is a lost or foreign claim
func IsClaimConflict(err error) bool {
	return errors.Is(err, ErrClaimNotHeld)
}
