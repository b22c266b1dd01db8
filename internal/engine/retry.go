package engine

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Tahsine/agentic-cli/internal/plan"
)

// RetryPolicy bounds the attempts of one step kind.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
}

func DefaultRetry() map[plan.Kind]RetryPolicy {
	return map[plan.Kind]RetryPolicy{
		plan.KindCommand:   {MaxAttempts: 3, Initial: 500 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2},
		plan.KindResearch:  {MaxAttempts: 3, Initial: time.Second, Max: 30 * time.Second, Multiplier: 2},
		plan.KindComposite: {MaxAttempts: 2, Initial: 500 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2},
	}
}

func (p RetryPolicy) attempts() int {
	return max(p.MaxAttempts, 1)
}

// Delay is the wait before the given retry, 1 being the first retry.
// There is no jitter so runs are reproducible.
func (p RetryPolicy) Delay(retry int) time.Duration {
	if p.Initial <= 0 {
		return 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.RandomizationFactor = 0
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	b.Reset()
	var d time.Duration
	for range max(retry, 1) {
		d = b.NextBackOff()
	}
	return d
}
