// Package explorer implements the block scan of the worker service. Each scan cycle moves a chain's cursor towards the
// confirmed tip and records the transfers paying watched deposit addresses as Deposit transactions.
//
// Chains in inline mode fetch and record the whole window inside the cycle; the cursor only moves once the window is
// fully recorded. Chains in pool mode enqueue one block unit per height and move the cursor at once: the block units
// are then processed by the worker pool (see package explorer/pool) through ProcessBlock.
package explorer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	ne "github.com/tarancss/custody/explorer/netexplorer"
	"github.com/tarancss/custody/lib/block"
	"github.com/tarancss/custody/lib/block/types"
	"github.com/tarancss/custody/lib/config"
	"github.com/tarancss/custody/lib/metrics"
	"github.com/tarancss/custody/lib/store"
)

var ErrUnknownChain = errors.New("unknown chain")

// Explorer scans the chains of a registry.
type Explorer struct {
	db  store.DB
	reg *block.Registry
	log *logrus.Entry
	nem map[string]*ne.NetExplorer // map of net explorers, read-only after New
	now func() time.Time
}

// New instantiates a new explorer for every chain in reg.
func New(db store.DB, reg *block.Registry, log *logrus.Entry) *Explorer {
	e := &Explorer{
		db:  db,
		reg: reg,
		log: log.WithField("component", "explorer"),
		nem: make(map[string]*ne.NetExplorer),
		now: func() time.Time { return time.Now().UTC() },
	}

	for _, ch := range reg.Chains() {
		var coins []string
		for _, c := range reg.CoinsOf(ch.Name) {
			coins = append(coins, c.Symbol)
		}
		e.nem[ch.Name] = ne.New(ch.Name, coins)
	}

	return e
}

// NetExplorer returns the watch set of chain, nil if the chain is unknown.
func (e *Explorer) NetExplorer(chain string) *ne.NetExplorer {
	return e.nem[chain]
}

// Target returns the height a cycle scans up to: the confirmed tip, at most maxWindow blocks past the cursor. It
// returns cursor when there is nothing to scan. A zero maxWindow does not limit the window.
func Target(cursor, height, depth, maxWindow uint64) uint64 {
	if height < depth {
		return cursor
	}
	target := height - depth
	if maxWindow > 0 && cursor+maxWindow < target {
		target = cursor + maxWindow
	}
	if target < cursor {
		return cursor
	}
	return target
}

// Scan runs one scan cycle of chain.
func (e *Explorer) Scan(ctx context.Context, chain string) error {
	a, cfg, ok := e.reg.Chain(chain)
	if !ok {
		return fmt.Errorf("%s: %w", chain, ErrUnknownChain)
	}
	log := e.log.WithField("chain", chain)

	// reload the watch set so addresses generated since the last cycle are scanned
	if err := e.nem[chain].Load(ctx, e.db); err != nil {
		return fmt.Errorf("loading deposit addresses: %w", err)
	}
	metrics.WatchedAddresses.WithLabelValues(chain).Set(float64(e.nem[chain].Len()))

	height, err := a.Height(ctx)
	if err != nil {
		return fmt.Errorf("getting height: %w", err)
	}
	if height < cfg.Confirmations {
		log.Debugf("height %d below confirmation depth", height)
		return nil
	}

	cursor, err := e.cursor(ctx, chain, cfg, height-cfg.Confirmations)
	if err != nil {
		return err
	}

	target := Target(cursor, height, cfg.Confirmations, cfg.MaxWindow)
	if target <= cursor {
		return nil
	}

	if cfg.Mode == config.ModePool {
		if err = e.db.EnqueueBlockUnits(ctx, chain, cursor+1, target); err != nil {
			return fmt.Errorf("enqueueing block units (%d, %d]: %w", cursor, target, err)
		}
		log.Debugf("enqueued block units (%d, %d]", cursor, target)
		return e.advance(ctx, log, chain, cursor, target)
	}

	txs, err := a.BlockTxns(ctx, cursor+1, target)
	if err != nil {
		return fmt.Errorf("getting blocks (%d, %d]: %w", cursor, target, err)
	}
	n, err := e.Record(ctx, chain, txs)
	if err != nil {
		return fmt.Errorf("recording blocks (%d, %d]: %w", cursor, target, err)
	}
	log.Debugf("scanned blocks (%d, %d], %d deposits", cursor, target, n)

	return e.advance(ctx, log, chain, cursor, target)
}

// cursor returns the chain cursor, creating it at the configured start height or at the confirmed tip.
func (e *Explorer) cursor(ctx context.Context, chain string, cfg config.ChainConfig, safe uint64) (uint64, error) {
	c, err := e.db.Cursor(ctx, chain)
	if err == nil {
		return c.Height, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("reading cursor: %w", err)
	}

	start := cfg.StartHeight
	if start == 0 {
		start = safe
	}
	if _, err = e.db.InitCursor(ctx, chain, start); err != nil {
		return 0, fmt.Errorf("creating cursor: %w", err)
	}
	if c, err = e.db.Cursor(ctx, chain); err != nil {
		return 0, fmt.Errorf("reading cursor: %w", err)
	}
	e.log.WithField("chain", chain).Infof("cursor created at height %d", c.Height)

	return c.Height, nil
}

func (e *Explorer) advance(ctx context.Context, log *logrus.Entry, chain string, from, to uint64) error {
	ok, err := e.db.AdvanceCursor(ctx, chain, from, to)
	if err != nil {
		return fmt.Errorf("advancing cursor to %d: %w", to, err)
	}
	if !ok {
		log.Warnf("cursor moved away from %d, not advanced to %d", from, to)
		return nil
	}
	metrics.CursorHeight.WithLabelValues(chain).Set(float64(to))

	return nil
}

// ProcessBlock records the deposits of one block. It is the unit of work of the pool.
func (e *Explorer) ProcessBlock(ctx context.Context, chain string, height uint64) error {
	a, _, ok := e.reg.Chain(chain)
	if !ok {
		return fmt.Errorf("%s: %w", chain, ErrUnknownChain)
	}

	nexp := e.nem[chain]
	if nexp.Loaded().IsZero() {
		if err := nexp.Load(ctx, e.db); err != nil {
			return fmt.Errorf("loading deposit addresses: %w", err)
		}
	}

	txs, err := a.BlockTxns(ctx, height, height)
	if err != nil {
		return fmt.Errorf("getting block %d: %w", height, err)
	}
	_, err = e.Record(ctx, chain, txs)

	return err
}

// Record writes a Deposit transaction for every transfer paying a watched address, unless its hash is already in
// the ledger, and adds its amount to the address' unsent balance. Every transfer is attempted; the returned error
// reports the ones that could not be recorded.
func (e *Explorer) Record(ctx context.Context, chain string, txs map[string]types.Trans) (int, error) {
	nexp, ok := e.nem[chain]
	if !ok {
		return 0, fmt.Errorf("%s: %w", chain, ErrUnknownChain)
	}
	log := e.log.WithField("chain", chain)

	list := make([]types.Trans, 0, len(txs))
	for _, t := range txs {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Block != list[j].Block {
			return list[i].Block < list[j].Block
		}
		return list[i].Hash < list[j].Hash
	})

	var recorded, failed int
	for _, t := range nexp.ScanTxs(list) {
		if !t.Value.IsPositive() {
			continue
		}
		ok, err := e.deposit(ctx, t)
		if err != nil {
			log.WithError(err).WithField("hash", t.Hash).Error("recording deposit")
			failed++
			continue
		}
		nexp.Remember(t.Hash)
		if ok {
			recorded++
		}
	}

	if failed > 0 {
		return recorded, fmt.Errorf("%d deposits not recorded", failed)
	}

	return recorded, nil
}

// deposit inserts the Deposit transaction of t. It returns false when t was already in the ledger.
func (e *Explorer) deposit(ctx context.Context, t types.Trans) (bool, error) {
	exists, err := e.db.HashExists(ctx, t.Hash)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	now := e.now()
	tx := store.Transaction{
		ID:          store.NewID(),
		Kind:        store.KindDeposit,
		Coin:        t.Coin,
		Sender:      t.From,
		Recipient:   t.To,
		Amount:      t.Value,
		Status:      store.StatusPending,
		TxHash:      t.Hash,
		BlockHeight: t.Block,
		CreatedAt:   now,
		SubmittedAt: now,
	}
	if err = e.db.InsertTransaction(ctx, &tx); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return false, nil
		}
		return false, err
	}
	metrics.DepositsRecorded.WithLabelValues(t.Coin).Inc()

	if err = e.db.AddUnsent(ctx, t.Coin, t.To, t.Value); err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{"coin": t.Coin, "address": t.To}).
			Error("deposit recorded but unsent balance not updated")
	}
	e.log.WithFields(logrus.Fields{"coin": t.Coin, "hash": t.Hash, "amount": t.Value}).Info("deposit recorded")

	return true, nil
}
