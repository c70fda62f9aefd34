// Package collect forwards the funds accumulated on deposit addresses to the cold wallet of each coin.
package collect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tarancss/custody/lib/block"
	"github.com/tarancss/custody/lib/block/types"
	"github.com/tarancss/custody/lib/config"
	"github.com/tarancss/custody/lib/store"
)

// Errors returned
var (
	ErrUnknownCoin = errors.New("unknown coin")
	ErrNoCold      = errors.New("coin has no cold address")
)

// Signer returns the private key of a custodial address.
type Signer interface {
	Key(ctx context.Context, coin, address string) (string, error)
}

// Collector sends the unsent balance of deposit addresses to the cold address.
type Collector struct {
	db     store.DB
	reg    *block.Registry
	signer Signer
	mode   string
	log    *logrus.Entry
	now    func() time.Time
}

// New returns a collector running in the given forward mode.
func New(db store.DB, reg *block.Registry, signer Signer, mode string, log *logrus.Entry) *Collector {
	return &Collector{
		db:     db,
		reg:    reg,
		signer: signer,
		mode:   mode,
		log:    log.WithField("component", "collect"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run collects every coin in automatic mode and does nothing in manual mode.
func (c *Collector) Run(ctx context.Context) error {
	if c.mode != config.ForwardAutomatic {
		return nil
	}

	var failed int
	for _, coin := range c.reg.Coins() {
		if coin.ColdAddress == "" {
			continue
		}
		if _, err := c.Collect(ctx, coin.Symbol); err != nil {
			c.log.WithError(err).WithField("coin", coin.Symbol).Error("collect cycle")
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("collect failed for %d coins", failed)
	}

	return nil
}

// Collect forwards each deposit address whose unsent balance, less the fee reserve, reaches the coin's minimum. It
// returns the transfers recorded.
func (c *Collector) Collect(ctx context.Context, symbol string) ([]store.Transaction, error) {
	coin, ok := c.reg.Coin(symbol)
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, ErrUnknownCoin)
	}
	if coin.ColdAddress == "" {
		return nil, fmt.Errorf("%s: %w", symbol, ErrNoCold)
	}

	addrs, err := c.db.Addresses(ctx, symbol, store.UseDeposit)
	if err != nil {
		return nil, fmt.Errorf("reading deposit addresses: %w", err)
	}

	var out []store.Transaction
	for _, a := range addrs {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		amount := a.Unsent.Sub(coin.FeeReserve)
		if !amount.IsPositive() || amount.LessThan(coin.CollectMin) {
			continue
		}

		t, err := c.forward(ctx, coin, a, amount)
		if err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{"coin": symbol, "address": a.Address}).Warn("forwarding deposit address")
			continue
		}
		out = append(out, t)
	}

	return out, nil
}

func (c *Collector) forward(ctx context.Context, coin block.Coin, a store.Address, amount decimal.Decimal) (store.Transaction, error) {
	key, err := c.signer.Key(ctx, coin.Symbol, a.Address)
	if err != nil {
		return store.Transaction{}, fmt.Errorf("deposit address key: %w", err)
	}

	res, err := coin.Adapter.Send(ctx, types.WalletSpec{
		FromAddress: a.Address,
		ToAddress:   coin.ColdAddress,
		Key:         key,
		Amount:      amount,
		Coin:        coin.Symbol,
	})
	if err != nil {
		return store.Transaction{}, fmt.Errorf("broadcast: %w", err)
	}

	now := c.now()
	t := store.Transaction{
		ID:          store.NewID(),
		Kind:        store.KindTransfer,
		Coin:        coin.Symbol,
		Sender:      a.Address,
		Recipient:   coin.ColdAddress,
		Amount:      amount,
		Status:      store.StatusPending,
		TxHash:      res.TxHash,
		Nonce:       res.Nonce,
		CreatedAt:   now,
		SubmittedAt: now,
	}

	// the transfer is out: record it even if the cycle was cancelled meanwhile
	bctx := context.WithoutCancel(ctx)
	if err := c.db.InsertTransaction(bctx, &t); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"coin": coin.Symbol, "address": a.Address, "hash": t.TxHash}).
			Error("recording transfer failed, reconcile manually")
	}
	if err := c.db.SubUnsent(bctx, coin.Symbol, a.Address, a.Unsent); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"coin": coin.Symbol, "address": a.Address}).
			Error("resetting unsent balance failed, reconcile manually")
	}

	c.log.WithFields(logrus.Fields{"coin": coin.Symbol, "address": a.Address, "amount": amount, "hash": t.TxHash}).
		Info("deposit address forwarded to cold wallet")

	return t, nil
}
