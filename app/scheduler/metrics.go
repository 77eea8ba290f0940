package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Dispatch attempts partitioned by outcome (success, error)
	dispatchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lead_dispatch_attempts_total",
			Help: "Total number of lead dispatch attempts",
		},
		[]string{"outcome"},
	)

	// Affiliate sink latency in seconds
	sinkLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lead_dispatch_sink_latency_seconds",
			Help:    "Affiliate sink call latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Non-retryable destination rejections
	permanentFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lead_dispatch_permanent_failures_total",
			Help: "Dispatch attempts rejected by the destination and not retried",
		},
	)

	// Rules per pacing state at the last tick
	ruleStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lead_dispatch_rule_state",
			Help: "Number of active rules in each pacing state",
		},
		[]string{"state"},
	)

	// Claims lost to another worker
	claimConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lead_dispatch_claim_conflicts_total",
			Help: "Rule claims that were already held by another worker",
		},
	)

	// Claims that expired while their holder was still dispatching
	lostClaimsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lead_dispatch_lost_claims_total",
			Help: "Rule claims that expired before the holder released them",
		},
	)

	// Attempts closed without a known outcome
	abandonedAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lead_dispatch_abandoned_attempts_total",
			Help: "Attempts left PENDING by a stopped worker and closed as ERROR",
		},
	)

	// Rules found misconfigured
	misconfiguredRulesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lead_dispatch_misconfigured_rules_total",
			Help: "Rules reported as misconfigured",
		},
	)

	// Rule store and ledger failures partitioned by operation
	storeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lead_dispatch_store_errors_total",
			Help: "Rule store and attempt ledger errors",
		},
		[]string{"op"},
	)
)

func observeRuleStates(counts map[RuleState]int) {
	for _, st := range AllRuleStates {
		ruleStateGauge.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
