package testing

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/amirphl/lead-dispatch/models"
	"github.com/amirphl/lead-dispatch/utils"
	"github.com/google/uuid"
)

// TestFixtures provides helper methods for creating test data
type TestFixtures struct {
	DB *TestDB
}

// NewTestFixtures creates a new test fixtures instance
func NewTestFixtures(db *TestDB) *TestFixtures {
	return &TestFixtures{DB: db}
}

// CreateTestRule inserts an active rule (5-15 minute interval, cap 10, no window) after applying mutators
func (tf *TestFixtures) CreateTestRule(mutators ...func(*models.LeadRule)) (*models.LeadRule, error) {
	rule := &models.LeadRule{
		Name:                 fmt.Sprintf("rule-%d", rand.IntN(1_000_000)),
		TargetProductID:      "prod-" + uuid.NewString()[:8],
		TargetProductName:    "Test Product",
		MinIntervalMinutes:   5,
		MaxIntervalMinutes:   15,
		DailyCapLimit:        10,
		IsSendWindowInfinite: true,
		Timezone:             "UTC",
		IsActive:             true,
		CreatedAt:            utils.UTCNow(),
		UpdatedAt:            utils.UTCNow(),
	}
	for _, m := range mutators {
		m(rule)
	}
	if err := tf.DB.DB.Create(rule).Error; err != nil {
		return nil, fmt.Errorf("failed to create test rule: %w", err)
	}
	return rule, nil
}

// CreateTestLead inserts a US finance lead with a random subid after applying mutators
func (tf *TestFixtures) CreateTestLead(mutators ...func(*models.Lead)) (*models.Lead, error) {
	digits := fmt.Sprintf("%09d", rand.IntN(900000000)+100000000)
	lead := &models.Lead{
		Subid:     "sub-" + digits,
		Name:      "Jane Doe",
		Phone:     "+1555" + digits,
		Email:     utils.ToPtr(fmt.Sprintf("jane.%s@example.com", digits)),
		Country:   utils.ToPtr("US"),
		Vertical:  utils.ToPtr("finance"),
		CreatedAt: utils.UTCNow(),
	}
	for _, m := range mutators {
		m(lead)
	}
	if err := tf.DB.DB.Create(lead).Error; err != nil {
		return nil, fmt.Errorf("failed to create test lead: %w", err)
	}
	return lead, nil
}

// CreateTestSending inserts a ledger row for rule and lead with the given status
func (tf *TestFixtures) CreateTestSending(rule *models.LeadRule, lead *models.Lead, status models.LeadSendingStatus, sentAt time.Time, attempt int) (*models.LeadSending, error) {
	row := &models.LeadSending{
		RuleID:            rule.ID,
		LeadID:            &lead.ID,
		LeadSubid:         lead.Subid,
		LeadName:          lead.Name,
		LeadPhone:         lead.Phone,
		LeadEmail:         lead.Email,
		LeadCountry:       lead.Country,
		TargetProductID:   rule.TargetProductID,
		TargetProductName: rule.TargetProductName,
		Status:            status,
		SentAt:            sentAt.UTC(),
		AttemptNumber:     attempt,
	}
	if err := tf.DB.DB.Create(row).Error; err != nil {
		return nil, fmt.Errorf("failed to create test sending: %w", err)
	}
	return row, nil
}
