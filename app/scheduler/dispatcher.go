package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/amirphl/lead-dispatch/models"
	"github.com/amirphl/lead-dispatch/utils"
)

const maxErrorDetails = 2000

// Dispatcher performs exactly one send attempt for a claimed, due rule and a matched lead
type Dispatcher struct {
	ledger      AttemptLedger
	sink        AffiliateSink
	delays      DelayDrawer
	sinkTimeout time.Duration
	now         func() time.Time
	logger      *log.Logger
}

func NewDispatcher(ledger AttemptLedger, sink AffiliateSink, delays DelayDrawer, sinkTimeout time.Duration, logger *log.Logger) *Dispatcher {
	if sinkTimeout <= 0 {
		sinkTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		ledger:      ledger,
		sink:        sink,
		delays:      delays,
		sinkTimeout: sinkTimeout,
		now:         utils.UTCNow,
		logger:      logger,
	}
}

// DispatchResult is the recorded attempt and the rule state to write back
type DispatchResult struct {
	Sending   *models.LeadSending
	State     models.RuleRuntimeState
	Permanent bool
}

// Dispatch writes a pending attempt row, calls the sink under a bounded timeout, records the
// terminal outcome and computes the next rule state. An error means nothing was sent and the
// rule state must stay unchanged. Once the sink has been called the attempt always advances
// the pacing clock, even if the outcome could not be stored.
func (d *Dispatcher) Dispatch(ctx context.Context, rule *models.LeadRule, v Verdict, lead *models.Lead, prior *models.AttemptSummary) (*DispatchResult, error) {
	attempt := 1
	if prior != nil {
		attempt = prior.Attempts + 1
	}
	status := models.LeadSendingStatusPending
	if attempt > 1 {
		status = models.LeadSendingStatusRetry
	}

	dest := rule.Destination()
	sentAt := d.now()
	leadID := lead.ID
	row := &models.LeadSending{
		RuleID:            rule.ID,
		LeadID:            &leadID,
		LeadSubid:         lead.Subid,
		LeadName:          lead.Name,
		LeadPhone:         lead.Phone,
		LeadEmail:         lead.Email,
		LeadCountry:       lead.Country,
		TargetProductID:   dest.ProductID,
		TargetProductName: dest.ProductName,
		Status:            status,
		SentAt:            sentAt,
		AttemptNumber:     attempt,
	}
	if err := d.ledger.Append(ctx, row); err != nil {
		storeErrorsTotal.WithLabelValues("append").Inc()
		return nil, fmt.Errorf("append attempt: %w", err)
	}

	// In-flight sends finish even when the loop is shutting down.
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.sinkTimeout)
	defer cancel()

	start := time.Now()
	res, sinkErr := d.sink.Submit(sinkCtx, lead, dest)
	latency := time.Since(start)
	if res != nil && res.Latency > 0 {
		latency = res.Latency
	}
	sinkLatency.Observe(latency.Seconds())

	outcome := classify(sinkCtx, res, sinkErr, d.sinkTimeout)
	outcome.ResponseTimeMs = utils.ToPtr(latency.Milliseconds())
	permanent := outcome.Status == models.LeadSendingStatusError && !IsTransientStatus(outcome.ResponseStatus)

	if err := d.ledger.Finalize(context.WithoutCancel(ctx), row.ID, outcome); err != nil {
		storeErrorsTotal.WithLabelValues("finalize").Inc()
		d.logger.Printf("scheduler: finalize attempt failed rule=%s lead=%s attempt=%d: %v", rule.ID, lead.Subid, attempt, err)
	} else {
		row.Status = outcome.Status
		row.ResponseStatus = outcome.ResponseStatus
		row.ErrorDetails = outcome.ErrorDetails
		row.ExternalResponseID = outcome.ExternalResponseID
		row.ResponseTimeMs = outcome.ResponseTimeMs
	}

	dispatchAttemptsTotal.WithLabelValues(outcomeLabel(outcome.Status)).Inc()
	switch {
	case outcome.Status == models.LeadSendingStatusSuccess:
		d.logger.Printf("scheduler: lead sent rule=%s lead=%s attempt=%d status=%d latency_ms=%d",
			rule.ID, lead.Subid, attempt, utils.Deref(outcome.ResponseStatus), latency.Milliseconds())
	case permanent:
		permanentFailuresTotal.Inc()
		d.logger.Printf("scheduler: operator attention: destination rejected lead rule=%s lead=%s product=%s status=%d details=%q",
			rule.ID, lead.Subid, dest.ProductID, utils.Deref(outcome.ResponseStatus), utils.Deref(outcome.ErrorDetails))
	default:
		d.logger.Printf("scheduler: lead send failed rule=%s lead=%s attempt=%d status=%d details=%q",
			rule.ID, lead.Subid, attempt, utils.Deref(outcome.ResponseStatus), utils.Deref(outcome.ErrorDetails))
	}

	return &DispatchResult{
		Sending:   row,
		State:     NextState(rule, v, sentAt, d.delays),
		Permanent: permanent,
	}, nil
}

// classify maps a sink answer to a terminal outcome: 2xx is SUCCESS, anything else ERROR
func classify(sinkCtx context.Context, res *SubmitResult, err error, timeout time.Duration) models.SendingOutcome {
	out := models.SendingOutcome{Status: models.LeadSendingStatusError}
	if res != nil && res.HTTPStatus > 0 {
		out.ResponseStatus = utils.ToPtr(res.HTTPStatus)
		out.ExternalResponseID = res.ExternalID
	}

	if err != nil {
		detail := err.Error()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(sinkCtx.Err(), context.DeadlineExceeded) {
			detail = fmt.Sprintf("timeout after %s: %v", timeout, err)
		}
		out.ErrorDetails = utils.ToPtr(utils.TruncateUTF8(detail, maxErrorDetails))
		return out
	}
	if res == nil {
		out.ErrorDetails = utils.ToPtr("empty response from affiliate")
		return out
	}
	if res.HTTPStatus >= 200 && res.HTTPStatus < 300 {
		out.Status = models.LeadSendingStatusSuccess
		return out
	}
	detail := fmt.Sprintf("affiliate http status %d", res.HTTPStatus)
	if res.Body != "" {
		detail += ": " + res.Body
	}
	out.ErrorDetails = utils.ToPtr(utils.TruncateUTF8(detail, maxErrorDetails))
	return out
}

func outcomeLabel(s models.LeadSendingStatus) string {
	if s == models.LeadSendingStatusSuccess {
		return "success"
	}
	return "error"
}
