package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Lead is a contact record acquired from a traffic source
// Table: leads
type Lead struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Subid     string    `gorm:"size:128;not null;uniqueIndex:uk_leads_subid" json:"subid"`
	Name      string    `gorm:"size:255;not null;default:''" json:"name"`
	Phone     string    `gorm:"size:32;not null;default:''" json:"phone"`
	Email     *string   `gorm:"size:255" json:"email,omitempty"`
	Country   *string   `gorm:"size:8" json:"country,omitempty"`
	Vertical  *string   `gorm:"size:64" json:"vertical,omitempty"`
	Affiliate *string   `gorm:"size:128" json:"affiliate,omitempty"`
	Status    *string   `gorm:"size:64" json:"status,omitempty"`
	CreatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');index:idx_leads_created_at" json:"created_at"`
}

func (Lead) TableName() string { return "leads" }

// LeadFilter is the query accepted by the lead source. Nil fields are wildcards; string values
// are compared with the trimmed lead column.
type LeadFilter struct {
	Status    *string
	Vertical  *string
	Country   *string
	Affiliate *string
	DateFrom  *time.Time
	DateTo    *time.Time

	// ExcludeSucceededFor drops leads that already have a SUCCESS attempt under the rule
	ExcludeSucceededFor *uuid.UUID
}

// BeforeCreate is called before creating a new record
func (l *Lead) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
