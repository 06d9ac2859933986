// Package breaker keeps a registry of named github.com/sony/gobreaker
// circuit breakers. The memory store is the only component that routes its
// calls through it; terminal backend spawns are not wrapped.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/orchflow/orchflow/internal/orcherr"
)

// Registry hands out one named circuit breaker per external dependency,
// so a terminal-backend breaker tripping doesn't affect the store breaker.
type Registry struct {
	log zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{log: log, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

// For returns the breaker for name, creating it with default settings the
// first time it is requested.
func (r *Registry) For(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	r.breakers[name] = cb
	return cb
}

// Do executes fn through the named breaker, translating a tripped breaker
// into a TransportError for the terminal backend and a StoreError for the
// memory store, per the caller-supplied kind.
func (r *Registry) Do(ctx context.Context, name string, kind orcherr.Kind, fn func(ctx context.Context) error) error {
	cb := r.For(name)
	_, err := cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return orcherr.Wrap(kind, err, "%s circuit open", name)
	}
	return err
}
