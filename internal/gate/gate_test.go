package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	qaerrors "github.com/Aman-CERP/qaserve/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newGate(t *testing.T, limit int) *Gate {
	t.Helper()
	g, err := New(limit)
	require.NoError(t, err)
	return g
}

func TestNew_RejectsNonPositiveLimit(t *testing.T) {
	for _, limit := range []int{0, -1} {
		g, err := New(limit)
		assert.Nil(t, g)
		assert.Equal(t, qaerrors.ErrCodeInvalidInput, qaerrors.GetCode(err))
	}

	g := newGate(t, 3)
	assert.Equal(t, 3, g.Limit())
	assert.Equal(t, 0, g.InFlight())
}

func TestGate_NeverExceedsLimit(t *testing.T) {
	const limit, callers = 3, 50
	g := newGate(t, limit)

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Do(context.Background(), func(context.Context) error {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				assert.LessOrEqual(t, g.InFlight(), limit)
				time.Sleep(time.Millisecond)
				current.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, int(peak.Load()), limit)
	assert.Equal(t, 0, g.InFlight())
}

func TestGate_LimitTwoThreeCallers(t *testing.T) {
	g := newGate(t, 2)
	ctx := context.Background()

	first, err := g.Acquire(ctx)
	require.NoError(t, err)
	second, err := g.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, g.InFlight())

	admitted := make(chan *Token)
	go func() {
		tok, err := g.Acquire(ctx)
		assert.NoError(t, err)
		admitted <- tok
	}()

	select {
	case <-admitted:
		t.Fatal("third caller admitted while gate was full")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 2, g.InFlight())

	first.Release()

	var third *Token
	select {
	case third = <-admitted:
	case <-time.After(5 * time.Second):
		t.Fatal("third caller not admitted after a release")
	}
	assert.Equal(t, 2, g.InFlight())

	second.Release()
	third.Release()
	assert.Equal(t, 0, g.InFlight())
}

func TestGate_CancelledWaiterLeavesCountUnchanged(t *testing.T) {
	g := newGate(t, 1)
	held, err := g.Acquire(context.Background())
	require.NoError(t, err)

	abandonedBefore := testutil.ToFloat64(abandonedCounter)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	tok, err := g.Acquire(ctx)
	assert.Nil(t, tok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, g.InFlight())
	assert.Equal(t, abandonedBefore+1, testutil.ToFloat64(abandonedCounter))

	held.Release()
	assert.Equal(t, 0, g.InFlight())

	// The abandoned waiter must not hold a slot.
	tok, ok := g.TryAcquire()
	require.True(t, ok)
	tok.Release()
}

func TestGate_AlreadyCancelledContext(t *testing.T) {
	g := newGate(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tok, err := g.Acquire(ctx)
	assert.Nil(t, tok)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, g.InFlight())
}

func TestToken_ReleaseIdempotentAndNilSafe(t *testing.T) {
	g := newGate(t, 2)
	tok, err := g.Acquire(context.Background())
	require.NoError(t, err)

	tok.Release()
	tok.Release()
	assert.Equal(t, 0, g.InFlight())

	var nilTok *Token
	assert.NotPanics(t, nilTok.Release)

	// A double release must not grow capacity beyond the limit.
	a, ok := g.TryAcquire()
	require.True(t, ok)
	b, ok := g.TryAcquire()
	require.True(t, ok)
	_, ok = g.TryAcquire()
	assert.False(t, ok)
	a.Release()
	b.Release()
}

func TestDo_ReleasesOnErrorAndPanic(t *testing.T) {
	g := newGate(t, 1)
	boom := errors.New("boom")

	err := g.Do(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, g.InFlight())

	assert.Panics(t, func() {
		_ = g.Do(context.Background(), func(context.Context) error { panic("stage failure") })
	})
	assert.Equal(t, 0, g.InFlight())

	ran := false
	require.NoError(t, g.Do(context.Background(), func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

func TestGate_Metrics(t *testing.T) {
	g := newGate(t, 1)
	admittedBefore := testutil.ToFloat64(admittedCounter)
	gaugeBefore := testutil.ToFloat64(inFlightGauge)

	tok, err := g.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, admittedBefore+1, testutil.ToFloat64(admittedCounter))
	assert.Equal(t, gaugeBefore+1, testutil.ToFloat64(inFlightGauge))

	tok.Release()
	assert.Equal(t, gaugeBefore, testutil.ToFloat64(inFlightGauge))
}
