// Package gate bounds the number of requests a worker process serves at
// once.
//
// A Gate admits up to limit holders. Further callers wait in FIFO order
// until a holder releases its Token or their context ends. Counters are
// kept under the gate's own synchronization so they never drift: every
// admitted Token decrements the in-flight count exactly once.
package gate

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"

	qaerrors "github.com/Aman-CERP/qaserve/internal/errors"
)

const namespace = "qaserve"

var (
	inFlightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gate_in_flight",
		Help:      "The number of requests currently admitted by admission gates.",
	})

	waitHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "gate_wait_seconds",
		Help:      "Time spent waiting for admission.",
		Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 10},
	})

	admittedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gate_admitted_total",
		Help:      "The total number of admitted requests.",
	})

	abandonedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gate_abandoned_total",
		Help:      "The total number of waiters whose context ended before admission.",
	})
)

// Gate is a counting admission gate. The zero value is not usable; create
// one with New.
type Gate struct {
	limit    int64
	sem      *semaphore.Weighted
	inFlight atomic.Int64
}

// Token is proof of admission. Release it exactly once when the request
// finishes; further calls are no-ops.
type Token struct {
	gate     *Gate
	released atomic.Bool
}

// New creates a gate admitting at most limit concurrent holders.
func New(limit int) (*Gate, error) {
	if limit <= 0 {
		return nil, qaerrors.ValidationError(fmt.Sprintf("gate limit must be positive, got %d", limit), nil).
			WithDetail("limit", fmt.Sprint(limit))
	}
	return &Gate{
		limit: int64(limit),
		sem:   semaphore.NewWeighted(int64(limit)),
	}, nil
}

// Acquire blocks until the caller is admitted or ctx ends. A caller whose
// context ends while waiting is removed from the queue and ctx.Err() is
// returned; the in-flight count is unchanged.
func (g *Gate) Acquire(ctx context.Context) (*Token, error) {
	if err := ctx.Err(); err != nil {
		abandonedCounter.Inc()
		return nil, err
	}
	if tok, ok := g.TryAcquire(); ok {
		waitHistogram.Observe(0)
		return tok, nil
	}
	start := time.Now()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		abandonedCounter.Inc()
		return nil, err
	}
	waitHistogram.Observe(time.Since(start).Seconds())
	return g.admit(), nil
}

// TryAcquire admits the caller only if a slot is free and nobody is queued
// ahead of it. Acquire uses it as its uncontended path.
func (g *Gate) TryAcquire() (*Token, bool) {
	if !g.sem.TryAcquire(1) {
		return nil, false
	}
	return g.admit(), true
}

func (g *Gate) admit() *Token {
	g.inFlight.Add(1)
	inFlightGauge.Inc()
	admittedCounter.Inc()
	return &Token{gate: g}
}

// Release returns the token's slot to the gate. It is safe to call on a
// nil token and more than once.
func (t *Token) Release() {
	if t == nil || !t.released.CompareAndSwap(false, true) {
		return
	}
	g := t.gate
	g.inFlight.Add(-1)
	inFlightGauge.Dec()
	g.sem.Release(1)
}

// Do runs fn while admitted. The slot is released when fn returns or
// panics.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	tok, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	defer tok.Release()
	return fn(ctx)
}

// InFlight returns the number of admitted, unreleased tokens.
func (g *Gate) InFlight() int {
	return int(g.inFlight.Load())
}

// Limit returns the maximum number of concurrent holders.
func (g *Gate) Limit() int {
	return int(g.limit)
}
