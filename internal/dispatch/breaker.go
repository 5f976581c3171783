package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"mediaflow/internal/db"
	"mediaflow/internal/executor"
)

// breakerRegistry keeps one circuit breaker per task type so a flapping
// collaborator (a broken detection model, an unreachable LLM endpoint) fails
// fast instead of burning worker slots and retry budget.
type breakerRegistry struct {
	mu       sync.Mutex
	log      zerolog.Logger
	breakers map[db.TaskType]*gobreaker.CircuitBreaker
}

func newBreakerRegistry(log zerolog.Logger) *breakerRegistry {
	return &breakerRegistry{
		log:      log,
		breakers: make(map[db.TaskType]*gobreaker.CircuitBreaker),
	}
}

func (r *breakerRegistry) get(t db.TaskType) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[t]; ok {
		return cb
	}

	log := r.log
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(t),
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is not a collaborator failure.
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})
	r.breakers[t] = cb
	return cb
}

// execute runs fn through the breaker for t. An open breaker surfaces as an
// execution failure, which flows into the normal retry path.
func (r *breakerRegistry) execute(t db.TaskType, fn func() executor.Result) executor.Result {
	var result executor.Result
	_, err := r.get(t).Execute(func() (any, error) {
		result = fn()
		return nil, result.Err
	})
	if err != nil && result.Err == nil {
		// Rejected by the breaker before fn ran.
		return executor.Result{Err: err}
	}
	return result
}
