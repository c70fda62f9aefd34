// Package pool processes the block units of a pool-mode chain with a fixed number of workers.
//
// The supervisor claims Pending units (Pending -> Processing) ordered by height and hands them to the workers over a
// channel. A worker runs one unit under the unit timeout and reports back; the supervisor then marks the unit Done, or
// returns it to Pending for a later retry. Units left Processing by a previous run are returned to Pending by Recover,
// which Run calls before claiming anything.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tarancss/custody/lib/config"
	"github.com/tarancss/custody/lib/metrics"
	"github.com/tarancss/custody/lib/store"
)

// Processor does the work of one block unit.
type Processor func(ctx context.Context, chain string, height uint64) error

// Unit outcomes, as counted by the pool metrics.
const (
	OutcomeDone    = "done"
	OutcomeRetry   = "retry"
	OutcomeTimeout = "timeout"
)

type unit struct {
	height  uint64
	attempt uint64
}

type result struct {
	unit
	err error
}

// Pool supervises the workers of one chain.
type Pool struct {
	chain   string
	size    int
	timeout time.Duration
	poll    time.Duration
	db      store.DB
	process Processor
	log     *logrus.Entry

	attempt uint64
	busy    map[uint64]uint64 // height -> attempt in flight
}

// New returns the pool of chain. Size must be positive.
func New(chain string, cfg config.PoolConfig, db store.DB, process Processor, log *logrus.Entry) (*Pool, error) {
	if cfg.Size <= 0 {
		return nil, config.ErrPoolSize
	}

	timeout, poll := cfg.UnitTimeout.Duration, cfg.PollInterval.Duration
	if timeout <= 0 {
		timeout = time.Minute
	}
	if poll <= 0 {
		poll = time.Second
	}

	return &Pool{
		chain:   chain,
		size:    cfg.Size,
		timeout: timeout,
		poll:    poll,
		db:      db,
		process: process,
		log:     log.WithFields(logrus.Fields{"component": "pool", "chain": chain}),
		busy:    make(map[uint64]uint64),
	}, nil
}

// Recover returns the units left Processing to Pending.
func (p *Pool) Recover(ctx context.Context) (int, error) {
	n, err := p.db.ResetProcessingUnits(ctx, p.chain)
	if err != nil {
		return 0, fmt.Errorf("recovering block units: %w", err)
	}
	if n > 0 {
		p.log.Warnf("%d block units left processing were reset to pending", n)
	}

	return n, nil
}

// Run recovers, then processes units until ctx is done. On return no worker is running and the units still in flight
// are back to Pending.
func (p *Pool) Run(ctx context.Context) error {
	if _, err := p.Recover(ctx); err != nil {
		return err
	}

	work := make(chan unit)
	results := make(chan result, p.size)

	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx, work, results)
		}()
	}

	defer func() {
		close(work)
		wg.Wait()
		p.release()
	}()

	t := time.NewTicker(p.poll)
	defer t.Stop()

	fill := true
	for {
		if fill {
			p.fill(ctx, work)
		}

		select {
		case <-ctx.Done():
			return nil
		case r := <-results:
			fill = p.finish(ctx, r)
		case <-t.C:
			fill = true
		}
	}
}

// fill claims pending units up to the free worker slots and dispatches them.
func (p *Pool) fill(ctx context.Context, work chan<- unit) {
	free := p.size - len(p.busy)
	if free <= 0 {
		return
	}

	units, err := p.db.NextBlockUnits(ctx, p.chain, free)
	if err != nil {
		if ctx.Err() == nil {
			p.log.WithError(err).Warn("reading pending block units")
		}
		return
	}

	for _, u := range units {
		if _, ok := p.busy[u.Height]; ok {
			continue
		}
		ok, err := p.db.SetBlockUnitStatus(ctx, p.chain, u.Height, store.UnitPending, store.UnitProcessing)
		if err != nil {
			p.log.WithError(err).Warnf("claiming block unit %d", u.Height)
			continue
		}
		if !ok {
			continue
		}

		p.attempt++
		p.busy[u.Height] = p.attempt
		metrics.PoolBusy.WithLabelValues(p.chain).Set(float64(len(p.busy)))

		// a worker is free: fewer units than workers are in flight and results are buffered
		select {
		case work <- unit{height: u.Height, attempt: p.attempt}:
		case <-ctx.Done():
			return
		}
	}
}

// finish settles a unit. It returns false when the unit failed, so the pool waits for the next poll before claiming.
func (p *Pool) finish(ctx context.Context, r result) bool {
	if a, ok := p.busy[r.height]; !ok || a != r.attempt {
		p.log.Debugf("stale result for block unit %d ignored", r.height)
		return true
	}
	delete(p.busy, r.height)
	metrics.PoolBusy.WithLabelValues(p.chain).Set(float64(len(p.busy)))

	to, outcome := store.UnitDone, OutcomeDone
	if r.err != nil {
		to, outcome = store.UnitPending, OutcomeRetry
		if errors.Is(r.err, context.DeadlineExceeded) {
			outcome = OutcomeTimeout
		}
		p.log.WithError(r.err).Warnf("block unit %d %s", r.height, outcome)
	}
	metrics.PoolUnits.WithLabelValues(p.chain, outcome).Inc()

	// settle even if ctx was cancelled meanwhile
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := p.db.SetBlockUnitStatus(sctx, p.chain, r.height, store.UnitProcessing, to); err != nil {
		p.log.WithError(err).Errorf("settling block unit %d", r.height)
	}

	return r.err == nil
}

// release returns the units still in flight to Pending.
func (p *Pool) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for h := range p.busy {
		if _, err := p.db.SetBlockUnitStatus(ctx, p.chain, h, store.UnitProcessing, store.UnitPending); err != nil {
			p.log.WithError(err).Errorf("releasing block unit %d", h)
		}
		delete(p.busy, h)
	}
	metrics.PoolBusy.WithLabelValues(p.chain).Set(0)
}

// worker runs units until work is closed. A unit that outlives the timeout is abandoned: its context is cancelled and
// the worker reports the timeout without waiting for it.
func (p *Pool) worker(ctx context.Context, work <-chan unit, results chan<- result) {
	for u := range work {
		results <- result{unit: u, err: p.run(ctx, u)}
	}
}

func (p *Pool) run(ctx context.Context, u unit) error {
	uctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- p.process(uctx, p.chain, u.height)
	}()

	select {
	case err := <-done:
		return err
	case <-uctx.Done():
		return uctx.Err()
	}
}
