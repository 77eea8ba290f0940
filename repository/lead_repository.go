package repository

import (
	"context"
	"errors"

	"github.com/amirphl/lead-dispatch/models"
	"gorm.io/gorm"
)

// LeadRepositoryImpl implements LeadRepository
type LeadRepositoryImpl struct {
	*BaseRepository[models.Lead, models.LeadFilter]
}

func NewLeadRepository(db *gorm.DB) LeadRepository {
	return &LeadRepositoryImpl{BaseRepository: NewBaseRepository[models.Lead, models.LeadFilter](db)}
}

func (r *LeadRepositoryImpl) BySubid(ctx context.Context, subid string) (*models.Lead, error) {
	db := r.getDB(ctx)
	var row models.Lead
	if err := db.Where("subid = ?", subid).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// FindLeads returns leads matching filter, oldest first. Leads are never mutated here.
func (r *LeadRepositoryImpl) FindLeads(ctx context.Context, filter models.LeadFilter, limit, offset int) ([]*models.Lead, error) {
	return r.ByFilter(ctx, filter, "created_at ASC, id ASC", limit, offset)
}

func (r *LeadRepositoryImpl) applyFilter(db *gorm.DB, f models.LeadFilter) *gorm.DB {
	if f.Status != nil {
		db = db.Where("TRIM(status) = ?", *f.Status)
	}
	if f.Vertical != nil {
		db = db.Where("TRIM(vertical) = ?", *f.Vertical)
	}
	if f.Country != nil {
		db = db.Where("TRIM(country) = ?", *f.Country)
	}
	if f.Affiliate != nil {
		db = db.Where("TRIM(affiliate) = ?", *f.Affiliate)
	}
	if f.DateFrom != nil {
		db = db.Where("created_at >= ?", *f.DateFrom)
	}
	if f.DateTo != nil {
		db = db.Where("created_at <= ?", *f.DateTo)
	}
	if f.ExcludeSucceededFor != nil {
		db = db.Where(`NOT EXISTS (
			SELECT 1 FROM lead_sendings ls
			WHERE ls.rule_id = ? AND ls.lead_subid = leads.subid AND ls.status = 'SUCCESS')`, *f.ExcludeSucceededFor)
	}
	return db
}

func (r *LeadRepositoryImpl) ByFilter(ctx context.Context, filter models.LeadFilter, orderBy string, limit, offset int) ([]*models.Lead, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Lead{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.Lead
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *LeadRepositoryImpl) Count(ctx context.Context, filter models.LeadFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Lead{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *LeadRepositoryImpl) Exists(ctx context.Context, filter models.LeadFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}
