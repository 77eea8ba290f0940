package scheduler

import (
	"context"
	"errors"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/lead-dispatch/models"
	"github.com/amirphl/lead-dispatch/repository"
	"github.com/amirphl/lead-dispatch/utils"
	"github.com/google/uuid"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memRuleStore struct {
	mu        sync.Mutex
	rules     map[uuid.UUID]*models.LeadRule
	claims    int
	conflicts int
}

func newMemRuleStore(rules ...*models.LeadRule) *memRuleStore {
	s := &memRuleStore{rules: make(map[uuid.UUID]*models.LeadRule)}
	for _, r := range rules {
		cp := *r
		s.rules[r.ID] = &cp
	}
	return s
}

func (s *memRuleStore) ListActive(ctx context.Context) ([]*models.LeadRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.LeadRule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.IsActive {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *memRuleStore) ByID(ctx context.Context, id uuid.UUID) (*models.LeadRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *memRuleStore) TryClaim(ctx context.Context, id uuid.UUID, token string, now time.Time, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return false, nil
	}
	if r.ClaimedBy != nil && r.ClaimedAt != nil && !r.ClaimedAt.Before(now.Add(-ttl)) {
		s.conflicts++
		return false, nil
	}
	r.ClaimedBy = utils.ToPtr(token)
	r.ClaimedAt = utils.ToPtr(now)
	s.claims++
	return true, nil
}

func (s *memRuleStore) ReleaseClaim(ctx context.Context, id uuid.UUID, token string, state *models.RuleRuntimeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok || r.ClaimedBy == nil || *r.ClaimedBy != token {
		return repository.ErrClaimNotHeld
	}
	if state != nil {
		r.ApplyRuntimeState(*state)
	}
	r.ClaimedBy = nil
	r.ClaimedAt = nil
	return nil
}

func (s *memRuleStore) RecordAttempt(ctx context.Context, id uuid.UUID, state models.RuleRuntimeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return errors.New("rule not found")
	}
	day := utils.Deref(r.SentTodayDate)
	switch {
	case day == state.SentTodayDate:
		r.SentTodayCount++
	case day < state.SentTodayDate:
		r.SentTodayCount = 1
		r.SentTodayDate = utils.ToPtr(state.SentTodayDate)
	}
	if r.LastSentAt == nil || r.LastSentAt.Before(*state.LastSentAt) {
		r.LastSentAt = state.LastSentAt
		r.NextDelayMinutes = state.NextDelayMinutes
		r.NextEligibleAt = state.NextEligibleAt
	}
	return nil
}

// steal hands the claim of a rule to another holder
func (s *memRuleStore) steal(id uuid.UUID, token string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[id].ClaimedBy = utils.ToPtr(token)
	s.rules[id].ClaimedAt = utils.ToPtr(at)
}

func (s *memRuleStore) get(id uuid.UUID) models.LeadRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rules[id]
}

type memLeadSource struct {
	leads []*models.Lead
}

func (m *memLeadSource) FindLeads(ctx context.Context, f models.LeadFilter, limit, offset int) ([]*models.Lead, error) {
	var matched []*models.Lead
	for _, l := range m.leads {
		if f.Country != nil && strings.TrimSpace(utils.Deref(l.Country)) != *f.Country {
			continue
		}
		if f.Vertical != nil && strings.TrimSpace(utils.Deref(l.Vertical)) != *f.Vertical {
			continue
		}
		if f.Status != nil && strings.TrimSpace(utils.Deref(l.Status)) != *f.Status {
			continue
		}
		if f.Affiliate != nil && strings.TrimSpace(utils.Deref(l.Affiliate)) != *f.Affiliate {
			continue
		}
		matched = append(matched, l)
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

type memLedger struct {
	mu   sync.Mutex
	rows []*models.LeadSending
}

func (l *memLedger) Append(ctx context.Context, row *models.LeadSending) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	cp := *row
	l.rows = append(l.rows, &cp)
	return nil
}

func (l *memLedger) Finalize(ctx context.Context, id uuid.UUID, out models.SendingOutcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.rows {
		if r.ID != id {
			continue
		}
		if r.Status.Terminal() {
			return repository.ErrSendingNotPending
		}
		r.Status = out.Status
		r.ResponseStatus = out.ResponseStatus
		r.ErrorDetails = out.ErrorDetails
		r.ExternalResponseID = out.ExternalResponseID
		r.ResponseTimeMs = out.ResponseTimeMs
		return nil
	}
	return repository.ErrSendingNotPending
}

func (l *memLedger) Summary(ctx context.Context, ruleID uuid.UUID, subid string) (*models.AttemptSummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := &models.AttemptSummary{}
	var last *models.LeadSending
	for _, r := range l.rows {
		if r.RuleID != ruleID || r.LeadSubid != subid {
			continue
		}
		s.Attempts++
		if r.Status == models.LeadSendingStatusSuccess {
			s.HasSuccess = true
		}
		if last == nil || r.AttemptNumber > last.AttemptNumber {
			last = r
		}
	}
	if last != nil {
		s.LastID = last.ID
		s.LastStatus = last.Status
		s.LastResponse = last.ResponseStatus
		s.LastDetails = last.ErrorDetails
		s.LastAttemptAt = utils.ToPtr(last.SentAt)
	}
	return s, nil
}

func (l *memLedger) all() []models.LeadSending {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.LeadSending, 0, len(l.rows))
	for _, r := range l.rows {
		out = append(out, *r)
	}
	return out
}

type sinkFunc func(ctx context.Context, lead *models.Lead, dest models.Destination) (*SubmitResult, error)

type recordingSink struct {
	mu    sync.Mutex
	calls []string
	fn    sinkFunc
}

func (s *recordingSink) Submit(ctx context.Context, lead *models.Lead, dest models.Destination) (*SubmitResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, lead.Subid)
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return &SubmitResult{HTTPStatus: 200}, nil
	}
	return fn(ctx, lead, dest)
}

func (s *recordingSink) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *recordingSink) setFn(fn sinkFunc) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func fixedDelay(minutes int) DelayDrawer {
	return DelayFunc(func(minMinutes, maxMinutes int) int { return minutes })
}

func newTestRule(mutators ...func(*models.LeadRule)) *models.LeadRule {
	r := &models.LeadRule{
		ID:                   uuid.New(),
		Name:                 "test rule",
		TargetProductID:      "prod-1",
		TargetProductName:    "Product One",
		MinIntervalMinutes:   5,
		MaxIntervalMinutes:   15,
		DailyCapLimit:        10,
		IsSendWindowInfinite: true,
		Timezone:             "UTC",
		IsActive:             true,
		CreatedAt:            time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, m := range mutators {
		m(r)
	}
	return r
}

func newTestLead(subid string, createdAt time.Time) *models.Lead {
	return &models.Lead{
		ID:        uuid.New(),
		Subid:     subid,
		Name:      "Lead " + subid,
		Phone:     "+100000" + subid,
		Country:   utils.ToPtr("US"),
		Vertical:  utils.ToPtr("finance"),
		CreatedAt: createdAt,
	}
}

func window(start, end int) func(*models.LeadRule) {
	return func(r *models.LeadRule) {
		r.IsSendWindowInfinite = false
		r.SendWindowStart = utils.ToPtr(start)
		r.SendWindowEnd = utils.ToPtr(end)
	}
}

func at(hh, mm int) time.Time {
	return time.Date(2024, 3, 10, hh, mm, 0, 0, time.UTC)
}
