package businessflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/lead-dispatch/app/dto"
	"github.com/amirphl/lead-dispatch/app/scheduler"
	"github.com/amirphl/lead-dispatch/config"
	"github.com/amirphl/lead-dispatch/models"
	"github.com/amirphl/lead-dispatch/repository"
	"github.com/amirphl/lead-dispatch/utils"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xuri/excelize/v2"
)

// AnalyticsFlow is the pull-only reporting side of the attempt ledger
type AnalyticsFlow interface {
	RuleStats(ctx context.Context, req *dto.RuleStatsRequest) (*dto.RuleStatsResponse, error)
	GlobalStats(ctx context.Context) (*dto.GlobalStatsResponse, error)
	ListRuleSendings(ctx context.Context, req *dto.ListRuleSendingsRequest) (*dto.ListRuleSendingsResponse, error)
	ExportRuleSendingsExcel(ctx context.Context, ruleID string) (string, []byte, error)
	RuleSchedule(ctx context.Context, ruleID string) (*dto.RuleScheduleResponse, error)
}

// AnalyticsFlowImpl implements AnalyticsFlow
type AnalyticsFlowImpl struct {
	ruleRepo    repository.LeadRuleRepository
	sendingRepo repository.LeadSendingRepository
	rc          *redis.Client
	cacheConfig *config.CacheConfig
	now         func() time.Time
}

// NewAnalyticsFlow creates the analytics flow. rc may be nil, in which case nothing is cached.
func NewAnalyticsFlow(
	ruleRepo repository.LeadRuleRepository,
	sendingRepo repository.LeadSendingRepository,
	rc *redis.Client,
	cacheConfig *config.CacheConfig,
) AnalyticsFlow {
	return &AnalyticsFlowImpl{
		ruleRepo:    ruleRepo,
		sendingRepo: sendingRepo,
		rc:          rc,
		cacheConfig: cacheConfig,
		now:         utils.UTCNow,
	}
}

func (f *AnalyticsFlowImpl) RuleStats(ctx context.Context, req *dto.RuleStatsRequest) (*dto.RuleStatsResponse, error) {
	if req.Recent < 0 || req.Recent > utils.MaxPageSize {
		return nil, ErrInvalidRecent
	}
	rule, err := f.getRule(ctx, req.RuleID)
	if err != nil {
		return nil, err
	}

	cacheKey := f.redisKey(fmt.Sprintf("analytics:rule:%s:%d", rule.ID, req.Recent))
	var cached dto.RuleStatsResponse
	if f.cacheGet(ctx, cacheKey, &cached) {
		return &cached, nil
	}

	agg, err := f.sendingRepo.AggregateByRule(ctx, rule.ID)
	if err != nil {
		return nil, NewBusinessError("AGGREGATE_FAILED", "Failed to aggregate rule attempts", err)
	}
	recent := []dto.LeadSendingDTO{}
	if req.Recent > 0 {
		rows, err := f.sendingRepo.ListByRule(ctx, rule.ID, req.Recent, 0)
		if err != nil {
			return nil, NewBusinessError("LIST_SENDINGS_FAILED", "Failed to list recent attempts", err)
		}
		for _, r := range rows {
			recent = append(recent, ToLeadSendingDTO(*r))
		}
	}

	resp := &dto.RuleStatsResponse{
		Message:  "Rule analytics retrieved successfully",
		RuleID:   rule.ID.String(),
		RuleName: rule.Name,
		Stats:    ToSendingStats(agg),
		Recent:   recent,
	}
	f.cacheSet(ctx, cacheKey, resp)
	return resp, nil
}

func (f *AnalyticsFlowImpl) GlobalStats(ctx context.Context) (*dto.GlobalStatsResponse, error) {
	cacheKey := f.redisKey(utils.GlobalStatsCacheKey)
	var cached dto.GlobalStatsResponse
	if f.cacheGet(ctx, cacheKey, &cached) {
		return &cached, nil
	}

	agg, err := f.sendingRepo.AggregateGlobal(ctx)
	if err != nil {
		return nil, NewBusinessError("AGGREGATE_FAILED", "Failed to aggregate attempts", err)
	}
	perRule, err := f.sendingRepo.AggregatePerRule(ctx)
	if err != nil {
		return nil, NewBusinessError("AGGREGATE_FAILED", "Failed to aggregate attempts per rule", err)
	}
	rules, err := f.ruleRepo.ByFilter(ctx, models.LeadRuleFilter{}, "created_at ASC, id ASC", 0, 0)
	if err != nil {
		return nil, NewBusinessError("LIST_RULES_FAILED", "Failed to list rules", err)
	}
	names := make(map[uuid.UUID]string, len(rules))
	for _, r := range rules {
		names[r.ID] = r.Name
	}

	resp := &dto.GlobalStatsResponse{
		Message: "Analytics retrieved successfully",
		Stats:   ToSendingStats(agg),
		Rules:   make([]dto.RuleStatsSummary, 0, len(perRule)),
	}
	for _, pr := range perRule {
		resp.Rules = append(resp.Rules, dto.RuleStatsSummary{
			RuleID:   pr.RuleID.String(),
			RuleName: names[pr.RuleID],
			Stats:    ToSendingStats(&pr.SendingAggregates),
		})
	}
	f.cacheSet(ctx, cacheKey, resp)
	return resp, nil
}

func (f *AnalyticsFlowImpl) ListRuleSendings(ctx context.Context, req *dto.ListRuleSendingsRequest) (*dto.ListRuleSendingsResponse, error) {
	if req.Limit < 1 || req.Limit > utils.MaxPageSize {
		return nil, ErrInvalidLimit
	}
	if req.Offset < 0 {
		return nil, ErrInvalidOffset
	}
	rule, err := f.getRule(ctx, req.RuleID)
	if err != nil {
		return nil, err
	}

	total, err := f.sendingRepo.Count(ctx, models.LeadSendingFilter{RuleID: &rule.ID})
	if err != nil {
		return nil, NewBusinessError("COUNT_SENDINGS_FAILED", "Failed to count attempts", err)
	}
	rows, err := f.sendingRepo.ListByRule(ctx, rule.ID, req.Limit, req.Offset)
	if err != nil {
		return nil, NewBusinessError("LIST_SENDINGS_FAILED", "Failed to list attempts", err)
	}
	items := make([]dto.LeadSendingDTO, 0, len(rows))
	for _, r := range rows {
		items = append(items, ToLeadSendingDTO(*r))
	}
	return &dto.ListRuleSendingsResponse{
		Message: "Attempts retrieved successfully",
		Items:   items,
		Pagination: dto.OffsetPagination{
			Total:  total,
			Limit:  req.Limit,
			Offset: req.Offset,
		},
	}, nil
}

var sendingExportHeader = []string{
	"id", "sent_at", "attempt_number", "status", "response_status", "response_time_ms",
	"lead_subid", "lead_name", "lead_phone", "lead_email", "lead_country",
	"target_product_id", "target_product_name", "external_response_id", "error_details",
}

// ExportRuleSendingsExcel renders every attempt of a rule, oldest first, into a single-sheet workbook
func (f *AnalyticsFlowImpl) ExportRuleSendingsExcel(ctx context.Context, ruleID string) (string, []byte, error) {
	rule, err := f.getRule(ctx, ruleID)
	if err != nil {
		return "", nil, err
	}
	rows, err := f.sendingRepo.ByFilter(ctx, models.LeadSendingFilter{RuleID: &rule.ID}, "sent_at ASC, attempt_number ASC", 0, 0)
	if err != nil {
		return "", nil, NewBusinessError("LIST_SENDINGS_FAILED", "Failed to list attempts", err)
	}

	xl := excelize.NewFile()
	defer func() { _ = xl.Close() }()

	sheet := sanitizeSheetName(rule.Name)
	if err := xl.SetSheetName(xl.GetSheetName(0), sheet); err != nil {
		return "", nil, NewBusinessError("EXCEL_WRITE_ERROR", "Failed to name sheet", err)
	}
	header := sendingExportHeader
	if err := xl.SetSheetRow(sheet, "A1", &header); err != nil {
		return "", nil, NewBusinessError("EXCEL_WRITE_ERROR", "Failed to write header", err)
	}
	for i, r := range rows {
		record := []string{
			r.ID.String(),
			r.SentAt.UTC().Format(time.RFC3339),
			strconv.Itoa(r.AttemptNumber),
			r.Status.String(),
			intOrEmpty(r.ResponseStatus),
			int64OrEmpty(r.ResponseTimeMs),
			r.LeadSubid,
			r.LeadName,
			r.LeadPhone,
			utils.Deref(r.LeadEmail),
			utils.Deref(r.LeadCountry),
			r.TargetProductID,
			r.TargetProductName,
			utils.Deref(r.ExternalResponseID),
			utils.Deref(r.ErrorDetails),
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := xl.SetSheetRow(sheet, cell, &record); err != nil {
			return "", nil, NewBusinessError("EXCEL_WRITE_ERROR", "Failed to write row", err)
		}
	}

	buf, err := xl.WriteToBuffer()
	if err != nil {
		return "", nil, NewBusinessError("EXCEL_WRITE_ERROR", "Failed to write Excel file", err)
	}
	filename := fmt.Sprintf("rule_%s_sendings.xlsx", rule.ID)
	return filename, buf.Bytes(), nil
}

// RuleSchedule reports what the scheduler would decide for the rule right now
func (f *AnalyticsFlowImpl) RuleSchedule(ctx context.Context, ruleID string) (*dto.RuleScheduleResponse, error) {
	rule, err := f.getRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	now := f.now()
	v := scheduler.Evaluate(rule, now)

	resp := &dto.RuleScheduleResponse{
		Message:     "Rule schedule evaluated successfully",
		RuleID:      rule.ID.String(),
		RuleName:    rule.Name,
		State:       string(v.State),
		Reason:      v.Reason,
		Policy:      "unbounded",
		DayKey:      v.DayKey,
		SentToday:   v.SentToday,
		LastSentAt:  formatTimePtr(rule.LastSentAt),
		EvaluatedAt: now.UTC().Format(time.RFC3339),
	}
	if b, ok := rule.Policy().(models.Bounded); ok {
		resp.Policy = "bounded"
		resp.DailyCap = b.Cap
		if b.Window != nil {
			w := b.Window.String()
			resp.SendWindow = &w
		}
	}
	if v.NextEligibleAt != nil {
		resp.NextEligibleAt = formatTimePtr(v.NextEligibleAt)
	}
	if v.ConfigErr != nil {
		resp.Problems = v.ConfigErr.Problems
	}
	return resp, nil
}

func (f *AnalyticsFlowImpl) getRule(ctx context.Context, id string) (*models.LeadRule, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return nil, ErrInvalidRuleID
	}
	rule, err := f.ruleRepo.ByID(ctx, parsed)
	if err != nil {
		return nil, NewBusinessError("GET_RULE_FAILED", "Failed to load rule", err)
	}
	if rule == nil {
		return nil, ErrRuleNotFound
	}
	return rule, nil
}

func (f *AnalyticsFlowImpl) redisKey(key string) string {
	if f.cacheConfig == nil {
		return key
	}
	return f.cacheConfig.RedisPrefix + key
}

func (f *AnalyticsFlowImpl) cacheTTL() time.Duration {
	if f.cacheConfig != nil && f.cacheConfig.DefaultTTL > 0 {
		return f.cacheConfig.DefaultTTL
	}
	return utils.AnalyticsCacheTTL
}

// cacheGet reports whether a cached value was found and decoded into out
func (f *AnalyticsFlowImpl) cacheGet(ctx context.Context, key string, out any) bool {
	if f.rc == nil {
		return false
	}
	bs, err := f.rc.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("analytics: cache get %s: %v", key, err)
		}
		return false
	}
	return json.Unmarshal(bs, out) == nil
}

func (f *AnalyticsFlowImpl) cacheSet(ctx context.Context, key string, v any) {
	if f.rc == nil {
		return
	}
	bs, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := f.rc.Set(ctx, key, bs, f.cacheTTL()).Err(); err != nil {
		log.Printf("analytics: cache set %s: %v", key, err)
	}
}

func intOrEmpty(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func int64OrEmpty(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func sanitizeSheetName(name string) string {
	// Excel sheet names cannot contain : \ / ? * [ ] and must be <= 31 chars
	replacer := strings.NewReplacer(":", "_", "\\", "_", "/", "_", "?", "_", "*", "_", "[", "_", "]", "_")
	safe := strings.TrimSpace(replacer.Replace(name))
	if r := []rune(safe); len(r) > 31 {
		safe = string(r[:31])
	}
	if safe == "" {
		return "Sheet1"
	}
	return safe
}
