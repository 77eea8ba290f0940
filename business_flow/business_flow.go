// Package businessflow contains the read-side business logic of the dispatcher: analytics rollups,
// attempt reports and schedule inspection.
package businessflow

import (
	"time"

	"github.com/amirphl/lead-dispatch/app/dto"
	"github.com/amirphl/lead-dispatch/models"
	"github.com/amirphl/lead-dispatch/repository"
)

// ToLeadSendingDTO converts a ledger row for the reporting API
func ToLeadSendingDTO(s models.LeadSending) dto.LeadSendingDTO {
	return dto.LeadSendingDTO{
		ID:                 s.ID.String(),
		RuleID:             s.RuleID.String(),
		LeadSubid:          s.LeadSubid,
		LeadName:           s.LeadName,
		LeadPhone:          s.LeadPhone,
		LeadEmail:          s.LeadEmail,
		LeadCountry:        s.LeadCountry,
		TargetProductID:    s.TargetProductID,
		TargetProductName:  s.TargetProductName,
		Status:             s.Status.String(),
		ResponseStatus:     s.ResponseStatus,
		ErrorDetails:       s.ErrorDetails,
		ExternalResponseID: s.ExternalResponseID,
		SentAt:             s.SentAt.UTC().Format(time.RFC3339),
		AttemptNumber:      s.AttemptNumber,
		ResponseTimeMs:     s.ResponseTimeMs,
	}
}

// ToSendingStats derives the success rate; an empty rollup yields zeros
func ToSendingStats(agg *repository.SendingAggregates) dto.SendingStats {
	if agg == nil {
		return dto.SendingStats{}
	}
	out := dto.SendingStats{
		TotalSent:    agg.TotalSent,
		TotalSuccess: agg.TotalSuccess,
		TotalErrors:  agg.TotalErrors,
		LastSentAt:   formatTimePtr(agg.LastSentAt),
	}
	if agg.TotalSent > 0 {
		out.SuccessRate = float64(agg.TotalSuccess) / float64(agg.TotalSent)
	}
	return out
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
