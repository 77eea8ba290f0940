// Package scheduler paces and dispatches leads to affiliate destinations according to lead rules
package scheduler

import (
	"context"
	"errors"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amirphl/lead-dispatch/config"
	"github.com/amirphl/lead-dispatch/models"
	"github.com/amirphl/lead-dispatch/repository"
	"github.com/amirphl/lead-dispatch/utils"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// RuleStore holds rule definitions and the dispatcher-owned runtime state
type RuleStore interface {
	ListActive(ctx context.Context) ([]*models.LeadRule, error)
	ByID(ctx context.Context, id uuid.UUID) (*models.LeadRule, error)
	TryClaim(ctx context.Context, id uuid.UUID, token string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseClaim(ctx context.Context, id uuid.UUID, token string, state *models.RuleRuntimeState) error
	RecordAttempt(ctx context.Context, id uuid.UUID, state models.RuleRuntimeState) error
}

// LeadSource finds leads; it never mutates them
type LeadSource interface {
	FindLeads(ctx context.Context, filter models.LeadFilter, limit, offset int) ([]*models.Lead, error)
}

// AttemptLedger is the append-only record of dispatch attempts
type AttemptLedger interface {
	Append(ctx context.Context, row *models.LeadSending) error
	Finalize(ctx context.Context, id uuid.UUID, outcome models.SendingOutcome) error
	Summary(ctx context.Context, ruleID uuid.UUID, leadSubid string) (*models.AttemptSummary, error)
}

// LeadScheduler periodically evaluates active rules and dispatches one lead per due rule.
// Each rule is claimed in the rule store before dispatch, so concurrent workers and
// concurrent instances never send for the same rule at once.
type LeadScheduler struct {
	rules      RuleStore
	matcher    *Matcher
	dispatcher *Dispatcher
	logger     *log.Logger
	interval   time.Duration
	claimTTL   time.Duration
	now        func() time.Time

	sem      chan struct{}
	wg       sync.WaitGroup
	stopping atomic.Bool

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
	reported map[uuid.UUID]string
}

func NewLeadScheduler(
	rules RuleStore,
	leads LeadSource,
	ledger AttemptLedger,
	sink AffiliateSink,
	delays DelayDrawer,
	cfg config.DispatchConfig,
	logger *log.Logger,
) *LeadScheduler {
	if logger == nil {
		logger = log.Default()
	}
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = time.Minute
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	claimTTL := cfg.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = 2 * time.Minute
	}
	dispatcher := NewDispatcher(ledger, sink, delays, cfg.SinkTimeout, logger)
	// A claim must outlive the slowest sink call or a second worker could send for the rule.
	if claimTTL <= dispatcher.sinkTimeout {
		logger.Printf("scheduler: claim ttl %s does not exceed sink timeout %s, using %s",
			claimTTL, dispatcher.sinkTimeout, dispatcher.sinkTimeout+time.Minute)
		claimTTL = dispatcher.sinkTimeout + time.Minute
	}
	retry := RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
	}

	matcher := NewMatcher(leads, ledger, retry, cfg.LeadBatch)
	matcher.logger = logger
	matcher.abandonAfter = claimTTL

	return &LeadScheduler{
		rules:      rules,
		matcher:    matcher,
		dispatcher: dispatcher,
		logger:     logger,
		interval:   interval,
		claimTTL:   claimTTL,
		now:        utils.UTCNow,
		sem:        make(chan struct{}, workers),
		inflight:   make(map[uuid.UUID]struct{}),
		reported:   make(map[uuid.UUID]string),
	}
}

// SetClock replaces the time source of the scheduler and its dispatcher
func (s *LeadScheduler) SetClock(now func() time.Time) {
	s.now = now
	s.dispatcher.now = now
}

// Start launches the scheduler loop in a background goroutine and returns a stop function.
// Stop issues no new claims and returns once in-flight dispatches are done.
func (s *LeadScheduler) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.RunOnce(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.stopping.Store(true)
			cancel()
			<-done
			s.wg.Wait()
			s.logger.Printf("scheduler: stopped")
		})
	}
}

// Wait blocks until every dispatch started so far has finished
func (s *LeadScheduler) Wait() {
	s.wg.Wait()
}

// RunOnce evaluates every active rule and hands due rules to the worker pool
func (s *LeadScheduler) RunOnce(ctx context.Context) {
	rules, err := s.rules.ListActive(ctx)
	if err != nil {
		storeErrorsTotal.WithLabelValues("list_active").Inc()
		s.logger.Printf("scheduler: list active rules failed: %v", err)
		return
	}

	now := s.now()
	counts := make(map[RuleState]int, len(AllRuleStates))
	due := make([]uuid.UUID, 0, len(rules))
	for _, rule := range rules {
		v := Evaluate(rule, now)
		counts[v.State]++
		if v.State == StateBlockedMisconfigured {
			s.reportMisconfigured(rule, v)
			continue
		}
		s.clearReported(rule.ID)
		if v.Due() {
			due = append(due, rule.ID)
		}
	}
	observeRuleStates(counts)

	if len(due) > 0 {
		s.logger.Printf("scheduler: %d of %d active rules due", len(due), len(rules))
	}

	for _, id := range due {
		if s.stopping.Load() || ctx.Err() != nil {
			return
		}
		if !s.markInflight(id) {
			continue
		}
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			s.unmarkInflight(id)
			return
		}
		s.wg.Add(1)
		go func(id uuid.UUID) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			defer s.unmarkInflight(id)
			s.processRule(ctx, id)
		}(id)
	}
}

// processRule claims one rule, re-checks it against fresh state and dispatches at most one lead
func (s *LeadScheduler) processRule(ctx context.Context, id uuid.UUID) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("scheduler: panic while processing rule=%s: %v\n%s", id, r, debug.Stack())
		}
	}()

	token := uuid.NewString()
	ok, err := s.rules.TryClaim(ctx, id, token, s.now(), s.claimTTL)
	if err != nil {
		storeErrorsTotal.WithLabelValues("claim").Inc()
		s.logger.Printf("scheduler: claim rule=%s failed: %v", id, err)
		return
	}
	if !ok {
		claimConflictsTotal.Inc()
		return
	}

	var newState *models.RuleRuntimeState
	defer func() {
		s.release(context.WithoutCancel(ctx), id, token, newState)
	}()

	rule, err := s.rules.ByID(ctx, id)
	if err != nil {
		storeErrorsTotal.WithLabelValues("load_rule").Inc()
		s.logger.Printf("scheduler: load rule=%s failed: %v", id, err)
		return
	}
	if rule == nil {
		return
	}

	// State may have moved since the tick listed the rule.
	now := s.now()
	v := Evaluate(rule, now)
	if !v.Due() {
		return
	}

	lead, summary, err := s.matcher.NextLead(ctx, rule, now)
	if err != nil {
		storeErrorsTotal.WithLabelValues("next_lead").Inc()
		s.logger.Printf("scheduler: select lead for rule=%s failed: %v", id, err)
		return
	}
	if lead == nil {
		return
	}

	res, err := s.dispatcher.Dispatch(ctx, rule, v, lead, summary)
	if err != nil {
		s.logger.Printf("scheduler: dispatch rule=%s lead=%s failed: %v", id, lead.Subid, err)
		return
	}
	newState = &res.State
}

// release clears the claim, writing state when given. Transient store errors are retried a few
// times. When the claim was taken over, the attempt is still counted against the rule.
func (s *LeadScheduler) release(ctx context.Context, id uuid.UUID, token string, state *models.RuleRuntimeState) {
	err := s.retryStore(ctx, func() error {
		err := s.rules.ReleaseClaim(ctx, id, token, state)
		if errors.Is(err, repository.ErrClaimNotHeld) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err == nil {
		return
	}
	if !errors.Is(err, repository.ErrClaimNotHeld) || state == nil {
		storeErrorsTotal.WithLabelValues("release").Inc()
		s.logger.Printf("scheduler: release rule=%s failed: %v", id, err)
		return
	}

	lostClaimsTotal.Inc()
	s.logger.Printf("scheduler: claim on rule=%s expired before release, recording attempt without it", id)
	if err := s.retryStore(ctx, func() error { return s.rules.RecordAttempt(ctx, id, *state) }); err != nil {
		storeErrorsTotal.WithLabelValues("record_attempt").Inc()
		s.logger.Printf("scheduler: record attempt on rule=%s failed: %v", id, err)
	}
}

func (s *LeadScheduler) retryStore(ctx context.Context, op func() error) error {
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
	), 3)
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

func (s *LeadScheduler) reportMisconfigured(rule *models.LeadRule, v Verdict) {
	s.mu.Lock()
	prev, seen := s.reported[rule.ID]
	s.reported[rule.ID] = v.Reason
	s.mu.Unlock()
	if seen && prev == v.Reason {
		return
	}
	misconfiguredRulesTotal.Inc()
	s.logger.Printf("scheduler: operator attention: %s", v.Reason)
}

func (s *LeadScheduler) clearReported(id uuid.UUID) {
	s.mu.Lock()
	delete(s.reported, id)
	s.mu.Unlock()
}

func (s *LeadScheduler) markInflight(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *LeadScheduler) unmarkInflight(id uuid.UUID) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}
