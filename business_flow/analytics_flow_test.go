package businessflow

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/amirphl/lead-dispatch/app/dto"
	"github.com/amirphl/lead-dispatch/app/scheduler"
	"github.com/amirphl/lead-dispatch/config"
	"github.com/amirphl/lead-dispatch/models"
	"github.com/amirphl/lead-dispatch/repository"
	"github.com/amirphl/lead-dispatch/utils"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type fakeRuleRepo struct {
	repository.LeadRuleRepository
	rules map[uuid.UUID]*models.LeadRule
}

func (r *fakeRuleRepo) ByID(_ context.Context, id uuid.UUID) (*models.LeadRule, error) {
	return r.rules[id], nil
}

func (r *fakeRuleRepo) ByFilter(_ context.Context, _ models.LeadRuleFilter, _ string, _, _ int) ([]*models.LeadRule, error) {
	out := make([]*models.LeadRule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	return out, nil
}

// fakeSendingRepo computes rollups in memory from rows
type fakeSendingRepo struct {
	repository.LeadSendingRepository
	rows       []*models.LeadSending
	aggregates int
	failAgg    error
}

func (r *fakeSendingRepo) forRule(ruleID uuid.UUID) []*models.LeadSending {
	var out []*models.LeadSending
	for _, row := range r.rows {
		if row.RuleID == ruleID {
			out = append(out, row)
		}
	}
	return out
}

func aggregate(rows []*models.LeadSending) *repository.SendingAggregates {
	agg := &repository.SendingAggregates{}
	for _, row := range rows {
		agg.TotalSent++
		switch row.Status {
		case models.LeadSendingStatusSuccess:
			agg.TotalSuccess++
		case models.LeadSendingStatusError:
			agg.TotalErrors++
		}
		if agg.LastSentAt == nil || row.SentAt.After(*agg.LastSentAt) {
			agg.LastSentAt = utils.ToPtr(row.SentAt)
		}
	}
	return agg
}

func (r *fakeSendingRepo) AggregateByRule(_ context.Context, ruleID uuid.UUID) (*repository.SendingAggregates, error) {
	r.aggregates++
	if r.failAgg != nil {
		return nil, r.failAgg
	}
	return aggregate(r.forRule(ruleID)), nil
}

func (r *fakeSendingRepo) AggregateGlobal(_ context.Context) (*repository.SendingAggregates, error) {
	r.aggregates++
	if r.failAgg != nil {
		return nil, r.failAgg
	}
	return aggregate(r.rows), nil
}

func (r *fakeSendingRepo) AggregatePerRule(_ context.Context) ([]*repository.RuleSendingAggregates, error) {
	byRule := map[uuid.UUID][]*models.LeadSending{}
	for _, row := range r.rows {
		byRule[row.RuleID] = append(byRule[row.RuleID], row)
	}
	out := make([]*repository.RuleSendingAggregates, 0, len(byRule))
	for id, rows := range byRule {
		out = append(out, &repository.RuleSendingAggregates{RuleID: id, SendingAggregates: *aggregate(rows)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID.String() < out[j].RuleID.String() })
	return out, nil
}

func (r *fakeSendingRepo) newestFirst(ruleID uuid.UUID) []*models.LeadSending {
	rows := r.forRule(ruleID)
	sort.Slice(rows, func(i, j int) bool { return rows[i].SentAt.After(rows[j].SentAt) })
	return rows
}

func (r *fakeSendingRepo) ListByRule(_ context.Context, ruleID uuid.UUID, limit, offset int) ([]*models.LeadSending, error) {
	rows := r.newestFirst(ruleID)
	if offset >= len(rows) {
		return nil, nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows, nil
}

func (r *fakeSendingRepo) Count(_ context.Context, f models.LeadSendingFilter) (int64, error) {
	return int64(len(r.forRule(*f.RuleID))), nil
}

func (r *fakeSendingRepo) ByFilter(_ context.Context, f models.LeadSendingFilter, _ string, _, _ int) ([]*models.LeadSending, error) {
	rows := r.forRule(*f.RuleID)
	sort.Slice(rows, func(i, j int) bool { return rows[i].SentAt.Before(rows[j].SentAt) })
	return rows, nil
}

var base = time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)

func newRule(name string) *models.LeadRule {
	return &models.LeadRule{
		ID:                 uuid.New(),
		Name:               name,
		TargetProductID:    "prod-1",
		TargetProductName:  "Product One",
		MinIntervalMinutes: 5,
		MaxIntervalMinutes: 15,
		DailyCapLimit:      2,
		SendWindowStart:    utils.ToPtr(9 * 60),
		SendWindowEnd:      utils.ToPtr(18 * 60),
		Timezone:           "UTC",
		IsActive:           true,
		CreatedAt:          base.AddDate(0, -1, 0),
	}
}

func sending(rule *models.LeadRule, subid string, status models.LeadSendingStatus, at time.Time) *models.LeadSending {
	return &models.LeadSending{
		ID:                uuid.New(),
		RuleID:            rule.ID,
		LeadSubid:         subid,
		LeadName:          "Lead " + subid,
		LeadPhone:         "+1555" + subid,
		TargetProductID:   rule.TargetProductID,
		TargetProductName: rule.TargetProductName,
		Status:            status,
		SentAt:            at,
		AttemptNumber:     1,
	}
}

type flowHarness struct {
	flow     *AnalyticsFlowImpl
	rules    *fakeRuleRepo
	sendings *fakeSendingRepo
}

func newFlowHarness(t *testing.T, rc *redis.Client, rules ...*models.LeadRule) *flowHarness {
	t.Helper()
	rr := &fakeRuleRepo{rules: map[uuid.UUID]*models.LeadRule{}}
	for _, r := range rules {
		rr.rules[r.ID] = r
	}
	sr := &fakeSendingRepo{}
	flow := NewAnalyticsFlow(rr, sr, rc, &config.CacheConfig{RedisPrefix: "test:", DefaultTTL: time.Minute}).(*AnalyticsFlowImpl)
	flow.now = func() time.Time { return base }
	return &flowHarness{flow: flow, rules: rr, sendings: sr}
}

func TestRuleStatsEmptyLedger(t *testing.T) {
	rule := newRule("empty")
	h := newFlowHarness(t, nil, rule)

	resp, err := h.flow.RuleStats(context.Background(), &dto.RuleStatsRequest{RuleID: rule.ID.String(), Recent: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(0), resp.Stats.TotalSent)
	assert.Equal(t, 0.0, resp.Stats.SuccessRate)
	assert.Nil(t, resp.Stats.LastSentAt)
	assert.Empty(t, resp.Recent)
	assert.Equal(t, "empty", resp.RuleName)
}

func TestRuleStatsRollupAndRecent(t *testing.T) {
	rule := newRule("r1")
	other := newRule("r2")
	h := newFlowHarness(t, nil, rule, other)
	h.sendings.rows = []*models.LeadSending{
		sending(rule, "1", models.LeadSendingStatusSuccess, base),
		sending(rule, "2", models.LeadSendingStatusError, base.Add(10*time.Minute)),
		sending(rule, "3", models.LeadSendingStatusSuccess, base.Add(20*time.Minute)),
		sending(rule, "4", models.LeadSendingStatusSuccess, base.Add(30*time.Minute)),
		sending(other, "1", models.LeadSendingStatusError, base.Add(40*time.Minute)),
	}

	resp, err := h.flow.RuleStats(context.Background(), &dto.RuleStatsRequest{RuleID: rule.ID.String(), Recent: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(4), resp.Stats.TotalSent)
	assert.Equal(t, int64(3), resp.Stats.TotalSuccess)
	assert.Equal(t, int64(1), resp.Stats.TotalErrors)
	assert.InDelta(t, 0.75, resp.Stats.SuccessRate, 1e-9)
	require.NotNil(t, resp.Stats.LastSentAt)
	assert.Equal(t, "2024-03-10T10:30:00Z", *resp.Stats.LastSentAt)

	require.Len(t, resp.Recent, 2)
	assert.Equal(t, "4", resp.Recent[0].LeadSubid)
	assert.Equal(t, "3", resp.Recent[1].LeadSubid)
}

func TestRuleStatsErrors(t *testing.T) {
	h := newFlowHarness(t, nil)

	_, err := h.flow.RuleStats(context.Background(), &dto.RuleStatsRequest{RuleID: "nope"})
	assert.True(t, IsInvalidRuleID(err))

	_, err = h.flow.RuleStats(context.Background(), &dto.RuleStatsRequest{RuleID: uuid.NewString()})
	assert.True(t, IsRuleNotFound(err))

	_, err = h.flow.RuleStats(context.Background(), &dto.RuleStatsRequest{RuleID: uuid.NewString(), Recent: 101})
	assert.ErrorIs(t, err, ErrInvalidRecent)

	rule := newRule("broken store")
	h.rules.rules[rule.ID] = rule
	h.sendings.failAgg = errors.New("connection reset")
	_, err = h.flow.RuleStats(context.Background(), &dto.RuleStatsRequest{RuleID: rule.ID.String()})
	require.Error(t, err)
	assert.Equal(t, "AGGREGATE_FAILED", BusinessCode(err))
	assert.False(t, IsValidationError(err))
}

func TestGlobalStatsSumsRules(t *testing.T) {
	r1, r2 := newRule("r1"), newRule("r2")
	h := newFlowHarness(t, nil, r1, r2)
	h.sendings.rows = []*models.LeadSending{
		sending(r1, "1", models.LeadSendingStatusSuccess, base),
		sending(r1, "2", models.LeadSendingStatusError, base.Add(time.Minute)),
		sending(r2, "1", models.LeadSendingStatusSuccess, base.Add(2*time.Minute)),
		sending(r2, "2", models.LeadSendingStatusPending, base.Add(3*time.Minute)),
	}

	resp, err := h.flow.GlobalStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), resp.Stats.TotalSent)
	assert.Equal(t, int64(2), resp.Stats.TotalSuccess)
	assert.Equal(t, int64(1), resp.Stats.TotalErrors)
	assert.InDelta(t, 0.5, resp.Stats.SuccessRate, 1e-9)
	require.Len(t, resp.Rules, 2)

	var sum int64
	for _, r := range resp.Rules {
		sum += r.Stats.TotalSent
		assert.NotEmpty(t, r.RuleName)
	}
	assert.Equal(t, resp.Stats.TotalSent, sum)
}

func TestGlobalStatsEmpty(t *testing.T) {
	h := newFlowHarness(t, nil)
	resp, err := h.flow.GlobalStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dto.SendingStats{}, resp.Stats)
	assert.Empty(t, resp.Rules)
}

func TestGlobalStatsCachedInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	rule := newRule("cached")
	h := newFlowHarness(t, rc, rule)
	h.sendings.rows = []*models.LeadSending{sending(rule, "1", models.LeadSendingStatusSuccess, base)}

	first, err := h.flow.GlobalStats(context.Background())
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:"+utils.GlobalStatsCacheKey))
	assert.Equal(t, 1, h.sendings.aggregates)

	h.sendings.rows = append(h.sendings.rows, sending(rule, "2", models.LeadSendingStatusSuccess, base.Add(time.Minute)))
	second, err := h.flow.GlobalStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Stats, second.Stats)
	assert.Equal(t, 1, h.sendings.aggregates)

	mr.FastForward(2 * time.Minute)
	third, err := h.flow.GlobalStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), third.Stats.TotalSent)
	assert.Equal(t, 2, h.sendings.aggregates)
}

func TestRuleStatsSurvivesRedisOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rc.Close() })
	mr.Close()

	rule := newRule("no cache")
	h := newFlowHarness(t, rc, rule)
	h.sendings.rows = []*models.LeadSending{sending(rule, "1", models.LeadSendingStatusError, base)}

	resp, err := h.flow.RuleStats(context.Background(), &dto.RuleStatsRequest{RuleID: rule.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Stats.TotalErrors)
}

func TestListRuleSendingsPaginates(t *testing.T) {
	rule := newRule("paged")
	h := newFlowHarness(t, nil, rule)
	for i := 0; i < 5; i++ {
		h.sendings.rows = append(h.sendings.rows, sending(rule, string(rune('a'+i)), models.LeadSendingStatusSuccess, base.Add(time.Duration(i)*time.Minute)))
	}

	resp, err := h.flow.ListRuleSendings(context.Background(), &dto.ListRuleSendingsRequest{RuleID: rule.ID.String(), Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), resp.Pagination.Total)
	require.Len(t, resp.Items, 2)
	assert.Equal(t, "c", resp.Items[0].LeadSubid)
	assert.Equal(t, "b", resp.Items[1].LeadSubid)

	_, err = h.flow.ListRuleSendings(context.Background(), &dto.ListRuleSendingsRequest{RuleID: rule.ID.String(), Limit: 0})
	assert.ErrorIs(t, err, ErrInvalidLimit)
	_, err = h.flow.ListRuleSendings(context.Background(), &dto.ListRuleSendingsRequest{RuleID: rule.ID.String(), Limit: 1, Offset: -1})
	assert.ErrorIs(t, err, ErrInvalidOffset)
}

func TestExportRuleSendingsExcel(t *testing.T) {
	rule := newRule("export: a/b")
	h := newFlowHarness(t, nil, rule)
	failed := sending(rule, "2", models.LeadSendingStatusError, base.Add(time.Minute))
	failed.ResponseStatus = utils.ToPtr(502)
	failed.ErrorDetails = utils.ToPtr("affiliate http status 502")
	h.sendings.rows = []*models.LeadSending{failed, sending(rule, "1", models.LeadSendingStatusSuccess, base)}

	name, data, err := h.flow.ExportRuleSendingsExcel(context.Background(), rule.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "rule_"+rule.ID.String()+"_sendings.xlsx", name)

	xl, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer xl.Close()

	sheet := xl.GetSheetName(0)
	assert.Equal(t, "export_ a_b", sheet)
	rows, err := xl.GetRows(sheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, sendingExportHeader, rows[0])
	assert.Equal(t, "1", rows[1][6])
	assert.Equal(t, "SUCCESS", rows[1][3])
	assert.Equal(t, "ERROR", rows[2][3])
	assert.Equal(t, "502", rows[2][4])
	assert.Equal(t, "affiliate http status 502", rows[2][14])
}

func TestRuleScheduleReportsVerdict(t *testing.T) {
	rule := newRule("sched")
	rule.LastSentAt = utils.ToPtr(base.Add(-2 * time.Minute))
	rule.SentTodayCount = 1
	rule.SentTodayDate = utils.ToPtr("2024-03-10")
	rule.NextDelayMinutes = utils.ToPtr(10)
	h := newFlowHarness(t, nil, rule)

	resp, err := h.flow.RuleSchedule(context.Background(), rule.ID.String())
	require.NoError(t, err)
	assert.Equal(t, string(scheduler.StateWaitingInterval), resp.State)
	assert.Equal(t, "bounded", resp.Policy)
	require.NotNil(t, resp.DailyCap)
	assert.Equal(t, 2, *resp.DailyCap)
	require.NotNil(t, resp.SendWindow)
	assert.Equal(t, "09:00-18:00", *resp.SendWindow)
	assert.Equal(t, 1, resp.SentToday)
	require.NotNil(t, resp.NextEligibleAt)
	assert.Equal(t, "2024-03-10T10:08:00Z", *resp.NextEligibleAt)
}

func TestRuleScheduleMisconfigured(t *testing.T) {
	rule := newRule("bad")
	rule.MinIntervalMinutes = 20
	rule.MaxIntervalMinutes = 10
	h := newFlowHarness(t, nil, rule)

	resp, err := h.flow.RuleSchedule(context.Background(), rule.ID.String())
	require.NoError(t, err)
	assert.Equal(t, string(scheduler.StateBlockedMisconfigured), resp.State)
	assert.NotEmpty(t, resp.Problems)
}

func TestSanitizeSheetNameKeepsRunesWhole(t *testing.T) {
	name := strings.Repeat("a", 30) + "ошибка"
	got := sanitizeSheetName(name)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 31, utf8.RuneCountInString(got))
	assert.Equal(t, strings.Repeat("a", 30)+"о", got)

	assert.Equal(t, "Sheet1", sanitizeSheetName("  "))
	assert.Equal(t, "a_b_c", sanitizeSheetName("a/b:c"))
}
