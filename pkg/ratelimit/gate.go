package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for the rate limit gate.
var (
	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetch_rate_limit_blocks_total",
		Help: "Total number of server-announced rate limit resets recorded by the gate",
	})

	rateLimitWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetch_rate_limit_waits_total",
		Help: "Total number of attempts delayed by an active rate limit reset",
	})

	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fetch_rate_limit_wait_seconds",
		Help:    "Time attempts spent waiting at the rate limit gate",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300},
	})
)

// Gate holds back attempts to hosts that announced a rate limit reset.
type Gate struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewGate creates a gate backed by store.
func NewGate(store Store, logger zerolog.Logger) *Gate {
	return &Gate{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// GetState returns the current state for host.
func (g *Gate) GetState(ctx context.Context, host string) (*State, error) {
	until, err := g.store.BlockedUntil(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}
	return &State{Host: host, BlockedUntil: until}, nil
}

// Block records that host asked clients to wait for d.
func (g *Gate) Block(ctx context.Context, host string, d time.Duration) error {
	until := g.now().Add(d)
	if err := g.store.Block(ctx, host, until); err != nil {
		return fmt.Errorf("block %s: %w", host, err)
	}

	rateLimitBlocksTotal.Inc()
	g.logger.Info().
		Str("host", host).
		Time("blocked_until", until).
		Dur("wait", d).
		Msg("Rate limit reset recorded")

	return nil
}

// Wait blocks until host is no longer rate limited or ctx is done, and
// returns how long it waited. A failing store does not block requests.
func (g *Gate) Wait(ctx context.Context, host string) (time.Duration, error) {
	state, err := g.GetState(ctx, host)
	if err != nil {
		g.logger.Warn().Err(err).Str("host", host).Msg("Rate limit gate unavailable, not waiting")
		return 0, nil
	}

	now := g.now()
	if !state.IsBlocked(now) {
		return 0, nil
	}

	d := state.TimeUntilReset(now)
	rateLimitWaitsTotal.Inc()
	g.logger.Debug().
		Str("host", host).
		Dur("wait", d).
		Msg("Waiting for rate limit reset")

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return 0, context.Cause(ctx)
	case <-timer.C:
	}

	rateLimitWaitSeconds.Observe(d.Seconds())
	return d, nil
}
