// Package tests contains Postgres-backed integration tests for the repositories and the scheduler
package tests

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amirphl/lead-dispatch/models"
	"github.com/amirphl/lead-dispatch/repository"
	testingutil "github.com/amirphl/lead-dispatch/testing"
	"github.com/amirphl/lead-dispatch/utils"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeadRuleRepositoryClaims(t *testing.T) {
	tdb := testingutil.RequireTestDB(t)
	fx := testingutil.NewTestFixtures(tdb)
	repo := repository.NewLeadRuleRepository(tdb.DB)
	ctx := context.Background()

	rule, err := fx.CreateTestRule()
	require.NoError(t, err)
	now := utils.UTCNow()

	t.Run("SingleOwner", func(t *testing.T) {
		ok, err := repo.TryClaim(ctx, rule.ID, "worker-a", now, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.TryClaim(ctx, rule.ID, "worker-b", now.Add(time.Second), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ReleaseRequiresHolder", func(t *testing.T) {
		err := repo.ReleaseClaim(ctx, rule.ID, "worker-b", nil)
		assert.ErrorIs(t, err, repository.ErrClaimNotHeld)
	})

	t.Run("ReleaseWritesState", func(t *testing.T) {
		sentAt := now.Truncate(time.Microsecond)
		state := &models.RuleRuntimeState{
			LastSentAt:       &sentAt,
			SentTodayCount:   3,
			SentTodayDate:    sentAt.Format(utils.DayKeyLayout),
			NextDelayMinutes: utils.ToPtr(7),
			NextEligibleAt:   utils.ToPtr(sentAt.Add(7 * time.Minute)),
		}
		require.NoError(t, repo.ReleaseClaim(ctx, rule.ID, "worker-a", state))

		got, err := repo.State(ctx, rule.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 3, got.SentTodayCount)
		assert.Equal(t, state.SentTodayDate, got.SentTodayDate)
		require.NotNil(t, got.LastSentAt)
		assert.True(t, sentAt.Equal(*got.LastSentAt))
		assert.Equal(t, 7, *got.NextDelayMinutes)

		reloaded, err := repo.ByID(ctx, rule.ID)
		require.NoError(t, err)
		assert.Nil(t, reloaded.ClaimedBy)
		assert.Nil(t, reloaded.ClaimedAt)
	})

	t.Run("StaleClaimIsTakenOver", func(t *testing.T) {
		ok, err := repo.TryClaim(ctx, rule.ID, "crashed", now, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = repo.TryClaim(ctx, rule.ID, "rescuer", now.Add(2*time.Minute), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		assert.ErrorIs(t, repo.ReleaseClaim(ctx, rule.ID, "crashed", nil), repository.ErrClaimNotHeld)
		assert.NoError(t, repo.ReleaseClaim(ctx, rule.ID, "rescuer", nil))
	})

	t.Run("ConcurrentClaimsHaveOneWinner", func(t *testing.T) {
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := repo.TryClaim(ctx, rule.ID, uuid.NewString(), now.Add(5*time.Minute), time.Minute)
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("RecordAttemptWithoutClaim", func(t *testing.T) {
		ok, err := repo.TryClaim(ctx, rule.ID, "holder", now.Add(10*time.Minute), time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		before, err := repo.State(ctx, rule.ID)
		require.NoError(t, err)
		later := before.LastSentAt.Add(time.Minute)
		require.NoError(t, repo.RecordAttempt(ctx, rule.ID, models.RuleRuntimeState{
			LastSentAt:       &later,
			SentTodayCount:   1,
			SentTodayDate:    before.SentTodayDate,
			NextDelayMinutes: utils.ToPtr(9),
			NextEligibleAt:   utils.ToPtr(later.Add(9 * time.Minute)),
		}))

		got, err := repo.State(ctx, rule.ID)
		require.NoError(t, err)
		assert.Equal(t, before.SentTodayCount+1, got.SentTodayCount)
		assert.True(t, later.Equal(*got.LastSentAt))
		assert.Equal(t, 9, *got.NextDelayMinutes)

		// an older attempt still counts but does not move pacing back
		earlier := later.Add(-5 * time.Minute)
		require.NoError(t, repo.RecordAttempt(ctx, rule.ID, models.RuleRuntimeState{
			LastSentAt:       &earlier,
			SentTodayDate:    before.SentTodayDate,
			NextDelayMinutes: utils.ToPtr(3),
			NextEligibleAt:   utils.ToPtr(earlier.Add(3 * time.Minute)),
		}))
		got, err = repo.State(ctx, rule.ID)
		require.NoError(t, err)
		assert.Equal(t, before.SentTodayCount+2, got.SentTodayCount)
		assert.True(t, later.Equal(*got.LastSentAt))
		assert.Equal(t, 9, *got.NextDelayMinutes)

		reloaded, err := repo.ByID(ctx, rule.ID)
		require.NoError(t, err)
		require.NotNil(t, reloaded.ClaimedBy)
		assert.Equal(t, "holder", *reloaded.ClaimedBy)
		require.NoError(t, repo.ReleaseClaim(ctx, rule.ID, "holder", nil))
	})

	t.Run("UnknownRule", func(t *testing.T) {
		state, err := repo.State(ctx, uuid.New())
		require.NoError(t, err)
		assert.Nil(t, state)
	})
}

func TestLeadRuleRepositoryListActive(t *testing.T) {
	tdb := testingutil.RequireTestDB(t)
	fx := testingutil.NewTestFixtures(tdb)
	repo := repository.NewLeadRuleRepository(tdb.DB)
	ctx := context.Background()

	older, err := fx.CreateTestRule(func(r *models.LeadRule) { r.CreatedAt = utils.UTCNow().Add(-time.Hour) })
	require.NoError(t, err)
	newer, err := fx.CreateTestRule()
	require.NoError(t, err)
	_, err = fx.CreateTestRule(func(r *models.LeadRule) { r.IsActive = false })
	require.NoError(t, err)
	deleted, err := fx.CreateTestRule()
	require.NoError(t, err)
	require.NoError(t, tdb.DB.Delete(deleted).Error)

	rules, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, older.ID, rules[0].ID)
	assert.Equal(t, newer.ID, rules[1].ID)
}

func TestLeadRepositoryFindLeads(t *testing.T) {
	tdb := testingutil.RequireTestDB(t)
	fx := testingutil.NewTestFixtures(tdb)
	repo := repository.NewLeadRepository(tdb.DB)
	ctx := context.Background()

	base := utils.UTCNow().Add(-time.Hour).Truncate(time.Second)
	rule, err := fx.CreateTestRule()
	require.NoError(t, err)

	l1, err := fx.CreateTestLead(func(l *models.Lead) { l.CreatedAt = base })
	require.NoError(t, err)
	l2, err := fx.CreateTestLead(func(l *models.Lead) { l.CreatedAt = base.Add(time.Minute) })
	require.NoError(t, err)
	_, err = fx.CreateTestLead(func(l *models.Lead) {
		l.CreatedAt = base.Add(2 * time.Minute)
		l.Country = utils.ToPtr("DE")
	})
	require.NoError(t, err)

	_, err = fx.CreateTestSending(rule, l1, models.LeadSendingStatusSuccess, base, 1)
	require.NoError(t, err)

	leads, err := repo.FindLeads(ctx, models.LeadFilter{Country: utils.ToPtr("US")}, 10, 0)
	require.NoError(t, err)
	require.Len(t, leads, 2)
	assert.Equal(t, l1.ID, leads[0].ID)

	leads, err = repo.FindLeads(ctx, models.LeadFilter{Country: utils.ToPtr("US"), ExcludeSucceededFor: &rule.ID}, 10, 0)
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, l2.ID, leads[0].ID)

	leads, err = repo.FindLeads(ctx, models.LeadFilter{DateFrom: utils.ToPtr(base.Add(30 * time.Second))}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, leads, 2)

	padded, err := fx.CreateTestLead(func(l *models.Lead) {
		l.CreatedAt = base.Add(3 * time.Minute)
		l.Country = utils.ToPtr("NL ")
	})
	require.NoError(t, err)
	paddedRule := &models.LeadRule{LeadCountry: utils.ToPtr(" NL")}
	leads, err = repo.FindLeads(ctx, paddedRule.LeadFilter(), 10, 0)
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, padded.ID, leads[0].ID)

	got, err := repo.BySubid(ctx, l2.Subid)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, l2.ID, got.ID)

	got, err = repo.BySubid(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLeadSendingRepositoryLedger(t *testing.T) {
	tdb := testingutil.RequireTestDB(t)
	fx := testingutil.NewTestFixtures(tdb)
	repo := repository.NewLeadSendingRepository(tdb.DB)
	ctx := context.Background()

	rule, err := fx.CreateTestRule()
	require.NoError(t, err)
	lead, err := fx.CreateTestLead()
	require.NoError(t, err)
	sentAt := utils.UTCNow().Truncate(time.Second)

	newRow := func(attempt int, at time.Time) *models.LeadSending {
		return &models.LeadSending{
			RuleID:          rule.ID,
			LeadID:          &lead.ID,
			LeadSubid:       lead.Subid,
			LeadName:        lead.Name,
			LeadPhone:       lead.Phone,
			TargetProductID: rule.TargetProductID,
			SentAt:          at,
			AttemptNumber:   attempt,
		}
	}

	first := newRow(1, sentAt)
	require.NoError(t, repo.Append(ctx, first))
	assert.Equal(t, models.LeadSendingStatusPending, first.Status)

	require.NoError(t, repo.Finalize(ctx, first.ID, models.SendingOutcome{
		Status:         models.LeadSendingStatusError,
		ResponseStatus: utils.ToPtr(503),
		ErrorDetails:   utils.ToPtr("affiliate http status 503"),
		ResponseTimeMs: utils.ToPtr(int64(120)),
	}))
	assert.ErrorIs(t, repo.Finalize(ctx, first.ID, models.SendingOutcome{Status: models.LeadSendingStatusSuccess}), repository.ErrSendingNotPending)

	second := newRow(2, sentAt.Add(10*time.Minute))
	require.NoError(t, repo.Append(ctx, second))
	assert.Equal(t, models.LeadSendingStatusRetry, second.Status)
	require.NoError(t, repo.Finalize(ctx, second.ID, models.SendingOutcome{Status: models.LeadSendingStatusSuccess, ResponseStatus: utils.ToPtr(200)}))

	assert.Error(t, repo.Append(ctx, &models.LeadSending{RuleID: rule.ID, LeadSubid: lead.Subid, TargetProductID: "p", SentAt: sentAt, AttemptNumber: 3, Status: models.LeadSendingStatusSuccess}))

	t.Run("Summary", func(t *testing.T) {
		s, err := repo.Summary(ctx, rule.ID, lead.Subid)
		require.NoError(t, err)
		assert.Equal(t, 2, s.Attempts)
		assert.True(t, s.HasSuccess)
		assert.Equal(t, models.LeadSendingStatusSuccess, s.LastStatus)
		assert.Equal(t, 200, *s.LastResponse)
		assert.Equal(t, second.ID, s.LastID)
		assert.False(t, s.OutcomeUnknown())

		has, err := repo.HasSuccessfulAttempt(ctx, rule.ID, lead.Subid)
		require.NoError(t, err)
		assert.True(t, has)
	})

	t.Run("OneSuccessPerRuleAndLead", func(t *testing.T) {
		third := newRow(3, sentAt.Add(20*time.Minute))
		require.NoError(t, repo.Append(ctx, third))
		err := repo.Finalize(ctx, third.ID, models.SendingOutcome{Status: models.LeadSendingStatusSuccess})
		assert.Error(t, err, "partial unique index must reject a second SUCCESS")
		require.NoError(t, repo.Finalize(ctx, third.ID, models.SendingOutcome{Status: models.LeadSendingStatusError}))
	})

	t.Run("ListAndAggregate", func(t *testing.T) {
		rows, err := repo.ListByRule(ctx, rule.ID, 2, 0)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, 3, rows[0].AttemptNumber)
		assert.Equal(t, 2, rows[1].AttemptNumber)

		agg, err := repo.AggregateByRule(ctx, rule.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), agg.TotalSent)
		assert.Equal(t, int64(1), agg.TotalSuccess)
		assert.Equal(t, int64(2), agg.TotalErrors)
		require.NotNil(t, agg.LastSentAt)
		assert.True(t, sentAt.Add(20*time.Minute).Equal(*agg.LastSentAt))

		n, err := repo.CountSince(ctx, rule.ID, sentAt.Add(5*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		global, err := repo.AggregateGlobal(ctx)
		require.NoError(t, err)
		assert.Equal(t, agg.TotalSent, global.TotalSent)

		perRule, err := repo.AggregatePerRule(ctx)
		require.NoError(t, err)
		require.Len(t, perRule, 1)
		assert.Equal(t, rule.ID, perRule[0].RuleID)
		assert.Equal(t, int64(3), perRule[0].TotalSent)
	})

	t.Run("EmptyLedgerAggregates", func(t *testing.T) {
		agg, err := repo.AggregateByRule(ctx, uuid.New())
		require.NoError(t, err)
		assert.Equal(t, int64(0), agg.TotalSent)
		assert.Nil(t, agg.LastSentAt)
	})
}

func TestBaseRepositoryTransaction(t *testing.T) {
	tdb := testingutil.RequireTestDB(t)
	fx := testingutil.NewTestFixtures(tdb)
	repo := repository.NewLeadSendingRepository(tdb.DB)
	ctx := context.Background()

	rule, err := fx.CreateTestRule()
	require.NoError(t, err)

	err = repository.WithTransaction(ctx, tdb.DB, func(txCtx context.Context) error {
		if err := repo.Append(txCtx, &models.LeadSending{RuleID: rule.ID, LeadSubid: "tx", TargetProductID: "p", SentAt: utils.UTCNow(), AttemptNumber: 1}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	n, err := repo.Count(ctx, models.LeadSendingFilter{RuleID: &rule.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
