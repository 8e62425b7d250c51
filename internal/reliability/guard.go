// Package reliability isolates failing providers and bounds local
// resource usage: per-provider circuit breakers, in-flight semaphores,
// default deadlines and a global high-water admission gate.
package reliability

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/MeKo-Tech/terrapoint/internal/config"
	"github.com/MeKo-Tech/terrapoint/internal/types"
)

// Guard wraps one provider's outbound calls with its breaker, its
// in-flight semaphore and its default timeout.
type Guard struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	sem     *semaphore.Weighted
	timeout time.Duration
}

// Registry holds the per-provider guards plus the global admission gate.
// It is the only shared-mutable state in the pipeline (all mutation is
// internal to the breakers and semaphores).
type Registry struct {
	guards map[string]*Guard
	global *semaphore.Weighted
	logger *slog.Logger
}

// NewRegistry builds guards for every configured provider.
func NewRegistry(providers []config.Provider, br config.Breaker, cc config.Concurrency, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		guards: make(map[string]*Guard, len(providers)),
		global: semaphore.NewWeighted(cc.GlobalHighWater),
		logger: logger,
	}
	for _, p := range providers {
		r.guards[p.ID] = newGuard(p, br, cc.PerProviderInFlight, logger)
	}
	return r
}

func newGuard(p config.Provider, br config.Breaker, inFlight int64, logger *slog.Logger) *Guard {
	settings := gobreaker.Settings{
		Name:        p.ID,
		MaxRequests: 1, // single half-open probe
		Interval:    br.Window,
		Timeout:     br.CoolOff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(br.MinSamples) {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= br.ErrorRatio
		},
		IsSuccessful: func(err error) bool {
			// Nodata and stale-catalog 404s reflect data, not provider
			// health; they never feed the breaker.
			return err == nil ||
				errors.Is(err, types.ErrNoData) ||
				errors.Is(err, types.ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider breaker state change",
				"provider", name, "from", from.String(), "to", to.String())
		},
	}
	return &Guard{
		name:    p.ID,
		cb:      gobreaker.NewCircuitBreaker(settings),
		sem:     semaphore.NewWeighted(inFlight),
		timeout: p.Timeout,
	}
}

// Guard returns the guard for a provider id, or nil.
func (r *Registry) Guard(id string) *Guard {
	return r.guards[id]
}

// Admit reserves one slot of the global in-flight budget. It never
// queues: past the high-water mark new work is rejected immediately.
// The returned release function must be called when the query finishes.
func (r *Registry) Admit() (release func(), err error) {
	if !r.global.TryAcquire(1) {
		return nil, types.ErrOverloaded
	}
	return func() { r.global.Release(1) }, nil
}

// Allows reports whether a call to this provider would currently pass the
// breaker (Closed or HalfOpen with probe budget).
func (g *Guard) Allows() bool {
	return g.cb.State() != gobreaker.StateOpen
}

// State returns the breaker state name ("closed", "half-open", "open").
func (g *Guard) State() string {
	return g.cb.State().String()
}

// Do runs fn under the provider's semaphore, breaker and deadline. The
// context passed to fn always carries a deadline: the caller's if set,
// otherwise the provider default.
func (g *Guard) Do(ctx context.Context, fn func(context.Context) error) error {
	if _, ok := ctx.Deadline(); !ok && g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	// Queue on the in-flight semaphore only as long as the deadline allows.
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return types.ErrOverloaded
	}
	defer g.sem.Release(1)

	_, err := g.cb.Execute(func() (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, types.ErrTimeout
		}
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, types.ErrTimeout
			}
			return nil, err
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.ErrCircuitOpen
	}
	return err
}
