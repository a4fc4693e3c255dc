package realtime

import "time"

const (
	retryStep     = 1000 * time.Millisecond
	retryMaxDelay = 30000 * time.Millisecond
)

// RetryPlan computes reconnect delays: attempt × 1s, capped at 30s.
type RetryPlan struct {
	Attempt int
}

// Delay returns the wait before the current attempt.
func (p RetryPlan) Delay() time.Duration {
	if p.Attempt <= 0 {
		return 0
	}
	d := time.Duration(p.Attempt) * retryStep
	if d > retryMaxDelay || d <= 0 {
		return retryMaxDelay
	}
	return d
}

// Next returns the plan for the following attempt.
func (p RetryPlan) Next() RetryPlan {
	return RetryPlan{Attempt: p.Attempt + 1}
}
