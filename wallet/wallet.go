// Package wallet implements the wallet microservice.
//
// The wallet exposes the caller-facing operations of the custody engine: withdraw request intake and approval,
// operator actions on transactions, direct sends, address generation, deposit collection and the replay of failed
// notifications. Operations are plain methods on Wallet; the RESTful API in rest.go maps them to http endpoints.
package wallet

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tarancss/custody/collect"
	"github.com/tarancss/custody/confirm"
	"github.com/tarancss/custody/lib/block"
	"github.com/tarancss/custody/lib/block/types"
	"github.com/tarancss/custody/lib/config"
	"github.com/tarancss/custody/lib/keys"
	"github.com/tarancss/custody/lib/store"
	"github.com/tarancss/custody/notify"
	"github.com/tarancss/custody/withdraw"
)

// Wallet contains the data necessary to deliver the service
type Wallet struct {
	db        store.DB
	reg       *block.Registry
	vault     *keys.Vault
	machine   *confirm.Machine
	pipeline  *withdraw.Pipeline
	notifier  *notify.Notifier
	collector *collect.Collector
	log       *logrus.Entry
	now       func() time.Time

	jwtSecret []byte
	mu        sync.Mutex
	s         *http.Server  // http server
	sc        chan struct{} // closed once the server is shut down
	stop      sync.Once
}

// New returns a pointer to a new Wallet service. forwardMode is the deposit forwarding mode; Collect works in both.
func New(db store.DB, reg *block.Registry, vault *keys.Vault, n *notify.Notifier, forwardMode string, log *logrus.Entry) *Wallet {
	return &Wallet{
		db:        db,
		reg:       reg,
		vault:     vault,
		machine:   confirm.New(db, reg, vault, n, log),
		pipeline:  withdraw.New(db, reg, vault, n, log),
		notifier:  n,
		collector: collect.New(db, reg, vault, forwardMode, log),
		log:       log.WithField("component", "wallet"),
		now:       func() time.Time { return time.Now().UTC() },
		sc:        make(chan struct{}),
	}
}

// CreateWithdrawRequest validates and stores a withdraw request. Nothing is stored when any line item is invalid.
func (w *Wallet) CreateWithdrawRequest(ctx context.Context, coin string, items []withdraw.Item, selfApproved bool) (store.WithdrawRequest, error) {
	return w.pipeline.Create(ctx, coin, items, selfApproved)
}

// ApproveOrReject decides requests waiting for approval.
func (w *Wallet) ApproveOrReject(ctx context.Context, ids []string, approve bool) error {
	return w.pipeline.ApproveOrReject(ctx, ids, approve)
}

// MarkTransactionFailed fails the given pending transactions.
func (w *Wallet) MarkTransactionFailed(ctx context.Context, ids []string) error {
	return w.machine.MarkFailed(ctx, ids)
}

// ForceCompleteTransaction lands a transaction with the given hash, as reconciled by an operator.
func (w *Wallet) ForceCompleteTransaction(ctx context.Context, id, hash string) (store.Transaction, error) {
	return w.machine.ForceComplete(ctx, id, hash)
}

// RequestResend puts a failed transaction back to pending for one more resend, bypassing the amount threshold.
func (w *Wallet) RequestResend(ctx context.Context, id string) (store.Transaction, error) {
	return w.machine.RequestResend(ctx, id)
}

// ResendFailedNotifications replays the failed notification queue and returns how many were removed.
func (w *Wallet) ResendFailedNotifications(ctx context.Context) (int, error) {
	return w.notifier.Resend(ctx)
}

// GenerateAddress derives and stores the next address of coin.
func (w *Wallet) GenerateAddress(ctx context.Context, coin string, use store.Use) (store.Address, error) {
	if _, ok := w.reg.Coin(coin); !ok {
		return store.Address{}, fmt.Errorf("%s: %w", coin, withdraw.ErrUnknownCoin)
	}
	switch use {
	case store.UseDeposit, store.UseWithdraw, store.UseTransfer, store.UseSend:
	default:
		return store.Address{}, fmt.Errorf("%w: %q", ErrBadUse, use)
	}

	a, err := w.vault.Generate(ctx, coin, use)
	if err != nil {
		return store.Address{}, err
	}
	w.log.WithFields(logrus.Fields{"coin": coin, "use": use, "address": a.Address, "index": a.Index}).Info("address generated")

	return a, nil
}

// Send pays amount from the hot wallet of coin and records a Send transaction, notified once it lands. The trace,
// when given, must be free as for withdraw requests.
func (w *Wallet) Send(ctx context.Context, coin, recipient string, amount decimal.Decimal, trace string) (store.Transaction, error) {
	c, ok := w.reg.Coin(coin)
	if !ok {
		return store.Transaction{}, fmt.Errorf("%s: %w", coin, withdraw.ErrUnknownCoin)
	}
	if !amount.IsPositive() {
		return store.Transaction{}, withdraw.ErrInvalidAmount
	}
	if !c.Adapter.IsValidAddress(recipient) {
		return store.Transaction{}, fmt.Errorf("%q: %w", recipient, withdraw.ErrInvalidAddress)
	}

	key, err := w.vault.Key(ctx, coin, c.HotAddress)
	if err != nil {
		return store.Transaction{}, fmt.Errorf("hot wallet key: %w", err)
	}

	var t store.Transaction
	err = w.pipeline.GuardTrace(ctx, trace, func() error {
		res, sendErr := c.Adapter.Send(ctx, types.WalletSpec{
			FromAddress: c.HotAddress,
			ToAddress:   recipient,
			Key:         key,
			Amount:      amount,
			Coin:        coin,
			Trace:       trace,
		})

		now := w.now()
		t = store.Transaction{
			ID:        store.NewID(),
			Kind:      store.KindSend,
			Coin:      coin,
			Sender:    c.HotAddress,
			Recipient: recipient,
			Amount:    amount,
			Trace:     trace,
			CreatedAt: now,
		}
		if sendErr != nil {
			t.Status = store.StatusFailed
		} else {
			t.Status = store.StatusPending
			t.TxHash = res.TxHash
			t.Nonce = res.Nonce
			t.SubmittedAt = now
		}

		if err := w.db.InsertTransaction(context.WithoutCancel(ctx), &t); err != nil {
			w.log.WithError(err).WithFields(logrus.Fields{"coin": coin, "hash": t.TxHash}).
				Error("recording send failed, reconcile manually")
			return err
		}
		if sendErr != nil {
			return fmt.Errorf("broadcast: %w", sendErr)
		}
		return nil
	})
	if err != nil {
		return t, err
	}

	w.log.WithFields(logrus.Fields{"coin": coin, "id": t.ID, "recipient": recipient, "amount": amount, "hash": t.TxHash}).
		Info("send broadcast")

	return t, nil
}

// Collect forwards the deposit addresses of coin to its cold address.
func (w *Wallet) Collect(ctx context.Context, coin string) ([]store.Transaction, error) {
	return w.collector.Collect(ctx, coin)
}

// Transaction returns the transaction id.
func (w *Wallet) Transaction(ctx context.Context, id string) (store.Transaction, error) {
	return w.db.Transaction(ctx, id)
}

// WithdrawRequest returns the withdraw request id.
func (w *Wallet) WithdrawRequest(ctx context.Context, id string) (store.WithdrawRequest, error) {
	return w.db.WithdrawRequest(ctx, id)
}

// Coins returns the configured coins.
func (w *Wallet) Coins() []config.CoinConfig {
	coins := w.reg.Coins()
	out := make([]config.CoinConfig, 0, len(coins))
	for _, c := range coins {
		out = append(out, c.CoinConfig)
	}
	return out
}
