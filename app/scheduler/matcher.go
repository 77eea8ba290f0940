package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/amirphl/lead-dispatch/models"
	"github.com/amirphl/lead-dispatch/repository"
	"github.com/amirphl/lead-dispatch/utils"
)

// MatchesLead reports whether every non-empty targeting filter of rule equals the lead's
// corresponding field. Nil and blank strings are treated alike on both sides.
func MatchesLead(rule *models.LeadRule, lead *models.Lead) bool {
	if rule == nil || lead == nil {
		return false
	}
	if !fieldMatches(rule.LeadStatus, lead.Status) ||
		!fieldMatches(rule.LeadVertical, lead.Vertical) ||
		!fieldMatches(rule.LeadCountry, lead.Country) ||
		!fieldMatches(rule.LeadAffiliate, lead.Affiliate) {
		return false
	}
	if rule.LeadDateFrom != nil && lead.CreatedAt.Before(*rule.LeadDateFrom) {
		return false
	}
	if rule.LeadDateTo != nil && lead.CreatedAt.After(*rule.LeadDateTo) {
		return false
	}
	return true
}

func fieldMatches(want, got *string) bool {
	w := trimmed(want)
	if w == "" {
		return true
	}
	return w == trimmed(got)
}

func trimmed(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

// RulesForLead returns the active rules matching lead, preserving the order of rules
func RulesForLead(rules []*models.LeadRule, lead *models.Lead) []*models.LeadRule {
	out := make([]*models.LeadRule, 0, len(rules))
	for _, r := range rules {
		if r == nil || !r.IsActive {
			continue
		}
		if MatchesLead(r, lead) {
			out = append(out, r)
		}
	}
	return out
}

// Matcher selects the next lead a rule should send
type Matcher struct {
	leads  LeadSource
	ledger AttemptLedger
	retry  RetryPolicy
	batch  int
	logger *log.Logger

	// abandonAfter is how old a PENDING or RETRY row must be before it is closed as abandoned
	abandonAfter time.Duration
}

func NewMatcher(leads LeadSource, ledger AttemptLedger, retry RetryPolicy, batch int) *Matcher {
	if batch <= 0 {
		batch = 100
	}
	return &Matcher{leads: leads, ledger: ledger, retry: retry, batch: batch, logger: log.Default()}
}

// NextLead returns the oldest matching lead that has no successful attempt under rule and is
// still eligible for an attempt, along with its attempt history. It returns nil when none is left.
func (m *Matcher) NextLead(ctx context.Context, rule *models.LeadRule, now time.Time) (*models.Lead, *models.AttemptSummary, error) {
	filter := rule.LeadFilter()
	filter.ExcludeSucceededFor = &rule.ID

	for offset := 0; ; {
		leads, err := m.leads.FindLeads(ctx, filter, m.batch, offset)
		if err != nil {
			return nil, nil, fmt.Errorf("find leads for rule %s: %w", rule.ID, err)
		}
		for _, lead := range leads {
			if !MatchesLead(rule, lead) {
				continue
			}
			summary, err := m.ledger.Summary(ctx, rule.ID, lead.Subid)
			if err != nil {
				return nil, nil, fmt.Errorf("attempt summary for lead %s: %w", lead.Subid, err)
			}
			if !summary.LastStatus.Terminal() && summary.Attempts > 0 {
				m.closeAbandoned(ctx, rule, lead, summary, now)
				continue
			}
			if m.retry.Eligible(summary, now) {
				return lead, summary, nil
			}
		}
		if len(leads) < m.batch {
			return nil, nil, nil
		}
		offset += len(leads)
	}
}

// closeAbandoned finalizes a stale PENDING or RETRY row as ERROR so the ledger never keeps it
// open. The lead is left for the operator: the destination may already have it.
func (m *Matcher) closeAbandoned(ctx context.Context, rule *models.LeadRule, lead *models.Lead, s *models.AttemptSummary, now time.Time) {
	if s.LastAttemptAt != nil && now.Sub(*s.LastAttemptAt) < m.abandonAfter {
		return
	}
	err := m.ledger.Finalize(ctx, s.LastID, models.SendingOutcome{
		Status:       models.LeadSendingStatusError,
		ErrorDetails: utils.ToPtr(models.AbandonedAttemptDetails),
	})
	if err != nil {
		if !errors.Is(err, repository.ErrSendingNotPending) {
			storeErrorsTotal.WithLabelValues("close_abandoned").Inc()
			m.logger.Printf("scheduler: close abandoned attempt %s rule=%s lead=%s failed: %v", s.LastID, rule.ID, lead.Subid, err)
		}
		return
	}
	abandonedAttemptsTotal.Inc()
	m.logger.Printf("scheduler: operator attention: attempt %s rule=%s lead=%s attempt=%d was abandoned, delivery unknown, not retrying",
		s.LastID, rule.ID, lead.Subid, s.Attempts)
}
