package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/custody/lib/config"
	"github.com/tarancss/custody/lib/logging"
	"github.com/tarancss/custody/lib/store"
	"github.com/tarancss/custody/lib/store/memory"
)

func poolConfig(size int, timeout time.Duration) config.PoolConfig {
	return config.PoolConfig{
		Size:         size,
		UnitTimeout:  config.Duration{Duration: timeout},
		PollInterval: config.Duration{Duration: 5 * time.Millisecond},
	}
}

func status(t *testing.T, db store.DB, h uint64, s store.UnitStatus) bool {
	ok, err := db.SetBlockUnitStatus(context.Background(), "eth", h, s, s)
	require.NoError(t, err)
	return ok
}

type recorder struct {
	mu       sync.Mutex
	running  int
	max      int
	attempts map[uint64]int
}

func (r *recorder) enter(h uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running++
	if r.running > r.max {
		r.max = r.running
	}
	if r.attempts == nil {
		r.attempts = make(map[uint64]int)
	}
	r.attempts[h]++
	return r.attempts[h]
}

func (r *recorder) leave() {
	r.mu.Lock()
	r.running--
	r.mu.Unlock()
}

func start(t *testing.T, p *Pool) (cancel func()) {
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- p.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func TestNew(t *testing.T) {
	_, err := New("eth", config.PoolConfig{}, memory.New(), nil, logrus.NewEntry(logging.Discard()))
	assert.ErrorIs(t, err, config.ErrPoolSize)
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	require.NoError(t, db.EnqueueBlockUnits(ctx, "eth", 1, 3))
	_, err := db.SetBlockUnitStatus(ctx, "eth", 2, store.UnitPending, store.UnitProcessing)
	require.NoError(t, err)

	p, err := New("eth", poolConfig(2, time.Second), db, nil, logrus.NewEntry(logging.Discard()))
	require.NoError(t, err)

	n, err := p.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, status(t, db, 2, store.UnitPending))
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	require.NoError(t, db.EnqueueBlockUnits(ctx, "eth", 1, 20))
	// left over by a crashed run
	_, err := db.SetBlockUnitStatus(ctx, "eth", 5, store.UnitPending, store.UnitProcessing)
	require.NoError(t, err)

	rec := &recorder{}
	process := func(ctx context.Context, chain string, h uint64) error {
		assert.Equal(t, "eth", chain)
		rec.enter(h)
		defer rec.leave()
		time.Sleep(2 * time.Millisecond)
		return nil
	}
	p, err := New("eth", poolConfig(3, time.Second), db, process, logrus.NewEntry(logging.Discard()))
	require.NoError(t, err)

	stop := start(t, p)
	assert.Eventually(t, func() bool {
		for h := uint64(1); h <= 20; h++ {
			if !status(t, db, h, store.UnitDone) {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.LessOrEqual(t, rec.max, 3)
	assert.Len(t, rec.attempts, 20)
	for h, n := range rec.attempts {
		assert.Equal(t, 1, n, "height %d", h)
	}
}

func TestRetryAndTimeout(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	require.NoError(t, db.EnqueueBlockUnits(ctx, "eth", 1, 3))

	rec := &recorder{}
	process := func(ctx context.Context, chain string, h uint64) error {
		n := rec.enter(h)
		defer rec.leave()
		switch {
		case h == 2 && n == 1:
			return errors.New("rpc failed")
		case h == 3 && n == 1:
			<-ctx.Done() // hangs past the unit timeout
			return nil
		case h == 3 && n == 2:
			panic("decoder bug")
		}
		return nil
	}
	p, err := New("eth", poolConfig(2, 20*time.Millisecond), db, process, logrus.NewEntry(logging.Discard()))
	require.NoError(t, err)

	stop := start(t, p)
	assert.Eventually(t, func() bool {
		return status(t, db, 1, store.UnitDone) && status(t, db, 2, store.UnitDone) && status(t, db, 3, store.UnitDone)
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.attempts[1])
	assert.Equal(t, 2, rec.attempts[2])
	assert.Equal(t, 3, rec.attempts[3])
}

func TestStopReleasesUnits(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	require.NoError(t, db.EnqueueBlockUnits(ctx, "eth", 1, 4))

	entered := make(chan struct{}, 4)
	block := make(chan struct{})
	defer close(block)
	process := func(context.Context, string, uint64) error {
		entered <- struct{}{}
		<-block // ignores its context
		return nil
	}
	p, err := New("eth", poolConfig(2, time.Minute), db, process, logrus.NewEntry(logging.Discard()))
	require.NoError(t, err)

	stop := start(t, p)
	<-entered
	<-entered
	assert.True(t, status(t, db, 1, store.UnitProcessing))
	assert.True(t, status(t, db, 2, store.UnitProcessing))
	stop()

	for h := uint64(1); h <= 4; h++ {
		assert.True(t, status(t, db, h, store.UnitPending), "height %d", h)
	}
}
