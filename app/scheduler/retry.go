package scheduler

import (
	"net/http"
	"time"

	"github.com/amirphl/lead-dispatch/models"
	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how often a failed lead is attempted again under the same rule
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// MaxAttempts is the first attempt plus the allowed retries
func (p RetryPolicy) MaxAttempts() int {
	return 1 + max(p.MaxRetries, 0)
}

// Delay returns the wait after the given number of failed attempts. The schedule is exponential
// without jitter so that repeated evaluation yields the same answer.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts <= 0 || p.BaseDelay <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.BaseDelay),
		backoff.WithRandomizationFactor(0),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(max(p.MaxDelay, p.BaseDelay)),
		backoff.WithMaxElapsedTime(0),
	)

	var d time.Duration
	for range attempts {
		d = b.NextBackOff()
	}
	return d
}

// Eligible reports whether a lead with the given attempt history may be attempted now
func (p RetryPolicy) Eligible(s *models.AttemptSummary, now time.Time) bool {
	if s == nil || s.Attempts == 0 {
		return true
	}
	if s.HasSuccess || s.Attempts >= p.MaxAttempts() || s.OutcomeUnknown() {
		return false
	}
	if s.LastStatus == models.LeadSendingStatusError && !IsTransientStatus(s.LastResponse) {
		return false
	}
	if s.LastAttemptAt == nil {
		return true
	}
	return !now.Before(s.LastAttemptAt.Add(p.Delay(s.Attempts)))
}

// IsTransientStatus classifies a destination response code. A missing code means the request
// never completed (timeout, connection failure).
func IsTransientStatus(code *int) bool {
	if code == nil {
		return true
	}
	c := *code
	return c >= 500 || c == http.StatusRequestTimeout || c == http.StatusTooManyRequests
}
