// Package retry decides which errored tasks are re-attempted and when.
// Backoff is expressed as "not yet eligible" against the persisted
// finished_at, never as a blocking sleep.
package retry

import (
	"time"

	"mediaflow/internal/db"
)

// Policy bounds retry behavior.
type Policy struct {
	// MaxRetries is the highest retry_count still eligible for another
	// attempt.
	MaxRetries int
	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration
}

// DefaultPolicy mirrors the orchestrator defaults: three attempts with a
// 30s/60s/120s ladder capped at ten minutes.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  30 * time.Second,
		MaxDelay:   10 * time.Minute,
	}
}

// Manager evaluates retry eligibility against the store.
type Manager struct {
	store  *db.DB
	policy Policy
}

// New creates a Manager with the given policy.
func New(store *db.DB, policy Policy) *Manager {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 30 * time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 10 * time.Minute
	}
	return &Manager{store: store, policy: policy}
}

// ShouldRetry reports whether the task still has retry budget.
func (m *Manager) ShouldRetry(task *db.Task) bool {
	return task.RetryCount <= m.policy.MaxRetries
}

// NextRetryAt computes when the task becomes eligible for its next attempt:
// finished_at plus base * 2^(retry_count-1), capped. A task without a
// finished_at is eligible immediately.
func (m *Manager) NextRetryAt(task *db.Task) time.Time {
	if task.FinishedAt == nil {
		return time.Time{}
	}
	return task.FinishedAt.Add(m.backoff(task.RetryCount))
}

func (m *Manager) backoff(retryCount int) time.Duration {
	d := m.policy.BaseDelay
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= m.policy.MaxDelay {
			return m.policy.MaxDelay
		}
	}
	if d > m.policy.MaxDelay {
		return m.policy.MaxDelay
	}
	return d
}

// Ready returns the errored tasks whose retry budget remains and whose
// backoff has elapsed at now.
func (m *Manager) Ready(now time.Time) ([]*db.Task, error) {
	candidates, err := m.store.ErroredTasksBelowRetryLimit(m.policy.MaxRetries)
	if err != nil {
		return nil, err
	}

	var ready []*db.Task
	for _, task := range candidates {
		if !m.NextRetryAt(task).After(now) {
			ready = append(ready, task)
		}
	}
	return ready, nil
}
