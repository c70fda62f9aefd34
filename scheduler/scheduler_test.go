package scheduler

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/custody/lib/logging"
	"github.com/tarancss/custody/lib/metrics"
)

func newScheduler(g Guard) *Scheduler {
	return New(logrus.NewEntry(logging.Discard()), g)
}

func TestRegister(t *testing.T) {
	s := newScheduler(nil)
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Register("b", time.Second, noop))
	require.NoError(t, s.Register("a", time.Second, noop))
	assert.ErrorIs(t, s.Register("a", time.Second, noop), ErrDuplicateJob)
	assert.ErrorIs(t, s.Register("c", 0, noop), ErrBadInterval)
	assert.Equal(t, []string{"a", "b"}, s.Jobs())

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	assert.ErrorIs(t, s.Register("d", time.Second, noop), ErrStarted)
	cancel()
	s.Wait()
}

func TestSingleFlight(t *testing.T) {
	s := newScheduler(nil)
	entered, unblock := make(chan struct{}), make(chan struct{})
	var runs int32

	require.NoError(t, s.Register("single", time.Hour, func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		entered <- struct{}{}
		<-unblock
		return nil
	}))

	skips := testutil.ToFloat64(metrics.JobSkips.WithLabelValues("single"))

	done := make(chan bool)
	go func() { done <- s.Fire(context.Background(), "single") }()
	<-entered

	assert.True(t, s.Active("single"))
	assert.False(t, s.Fire(context.Background(), "single"))
	assert.False(t, s.Fire(context.Background(), "single"))
	assert.Equal(t, skips+2, testutil.ToFloat64(metrics.JobSkips.WithLabelValues("single")))

	close(unblock)
	assert.True(t, <-done)
	assert.False(t, s.Active("single"))
	assert.EqualValues(t, 1, atomic.LoadInt32(&runs))

	// the next fire runs again
	go func() { <-entered }()
	assert.True(t, s.Fire(context.Background(), "single"))
	assert.EqualValues(t, 2, atomic.LoadInt32(&runs))
}

func TestFailuresDoNotPropagate(t *testing.T) {
	s := newScheduler(nil)
	require.NoError(t, s.Register("boom", time.Hour, func(context.Context) error { panic("boom") }))
	require.NoError(t, s.Register("err", time.Hour, func(context.Context) error { return errors.New("bad") }))

	before := testutil.ToFloat64(metrics.JobFailures.WithLabelValues("boom"))
	assert.True(t, s.Fire(context.Background(), "boom"))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.JobFailures.WithLabelValues("boom")))
	assert.False(t, s.Active("boom"))

	assert.True(t, s.Fire(context.Background(), "err"))
	assert.False(t, s.Fire(context.Background(), "unknown"))
}

func TestStartTicks(t *testing.T) {
	s := newScheduler(nil)
	var runs int32
	require.NoError(t, s.Register("tick", 10*time.Millisecond, func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	s.Wait()
}

func TestSlowJobSkipsTicks(t *testing.T) {
	s := newScheduler(nil)
	var running, overlap, runs int32
	require.NoError(t, s.Register("slow", 5*time.Millisecond, func(context.Context) error {
		if atomic.AddInt32(&running, 1) > 1 {
			atomic.StoreInt32(&overlap, 1)
		}
		atomic.AddInt32(&runs, 1)
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(150 * time.Millisecond)
	cancel()
	s.Wait()

	assert.Zero(t, atomic.LoadInt32(&overlap))
	assert.Less(t, atomic.LoadInt32(&runs), int32(10))
}

type denyGuard struct {
	mu       sync.Mutex
	deny     bool
	released int
}

func (g *denyGuard) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deny {
		return nil, false, nil
	}
	return func() {
		g.mu.Lock()
		g.released++
		g.mu.Unlock()
	}, true, nil
}

func TestGuard(t *testing.T) {
	g := &denyGuard{deny: true}
	s := newScheduler(g)
	var runs int32
	require.NoError(t, s.Register("guarded", time.Hour, func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}))

	assert.False(t, s.Fire(context.Background(), "guarded"))
	assert.Zero(t, atomic.LoadInt32(&runs))

	g.deny = false
	assert.True(t, s.Fire(context.Background(), "guarded"))
	assert.EqualValues(t, 1, atomic.LoadInt32(&runs))
	assert.Equal(t, 1, g.released)
}

// TestRedisGuard requires a server at CUSTODY_TEST_REDIS (ie. redis://localhost:6379/0).
func TestRedisGuard(t *testing.T) {
	url := os.Getenv("CUSTODY_TEST_REDIS")
	if url == "" {
		t.Skip("CUSTODY_TEST_REDIS not set")
	}

	log := logrus.NewEntry(logging.Discard())
	a, err := NewRedisGuard(url, log)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewRedisGuard(url, log)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	name := "test-" + time.Now().Format("150405.000000")

	release, ok, err := a.Acquire(ctx, name, 300*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	// renewed past its ttl while held
	time.Sleep(500 * time.Millisecond)
	_, ok, err = b.Acquire(ctx, name, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	releaseB, ok, err := b.Acquire(ctx, name, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	releaseB()
}
