// Package confirm implements the transaction state machine. Each confirmation cycle polls the chain status of the
// pending transactions of every coin:
//
//   - not found once the pending-wait timeout has elapsed since the last broadcast: resend or cancel
//   - found with fewer confirmations than the chain requires: stays Pending
//   - confirmed and successful: Landed, then notified (deposits, withdrawals and sends) or recorded as an allowance
//     (approvals)
//   - confirmed and failed: resend or cancel
//
// A resend broadcasts the same transfer again from the same row: the superseded hash moves to PastHashes. Resends
// are bounded by the coin's resend limit and threshold (see Resendable); a transaction that cannot be resent is
// Failed for good.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tarancss/custody/lib/block"
	"github.com/tarancss/custody/lib/block/types"
	"github.com/tarancss/custody/lib/config"
	"github.com/tarancss/custody/lib/metrics"
	"github.com/tarancss/custody/lib/store"
)

// Notifier reports landed transactions to the client system.
type Notifier interface {
	Transaction(ctx context.Context, t store.Transaction)
}

// Signer returns the private key of a custodial address.
type Signer interface {
	Key(ctx context.Context, coin, address string) (string, error)
}

// Machine runs the confirmation cycle.
type Machine struct {
	db     store.DB
	reg    *block.Registry
	notify Notifier
	signer Signer
	log    *logrus.Entry
	now    func() time.Time
}

// New returns a state machine. notify may be nil.
func New(db store.DB, reg *block.Registry, signer Signer, notify Notifier, log *logrus.Entry) *Machine {
	return &Machine{
		db:     db,
		reg:    reg,
		notify: notify,
		signer: signer,
		log:    log.WithField("component", "confirm"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Resendable decides whether a transaction that failed or got lost may be broadcast again. Deposits never are.
// Without a configured threshold or with a zero limit nothing is resent. A transaction that was already resent limit
// times, or whose amount reaches the threshold, is not resent; an operator requested resend skips the threshold.
func Resendable(c config.CoinConfig, t store.Transaction) bool {
	switch {
	case t.Kind == store.KindDeposit:
		return false
	case c.ResendThreshold == nil || c.ResendLimit <= 0:
		return false
	case len(t.PastHashes) >= c.ResendLimit:
		return false
	case !t.ManualResend && t.Amount.GreaterThanOrEqual(*c.ResendThreshold):
		return false
	}
	return true
}

// Run confirms the pending transactions of every coin. A failing coin does not stop the others.
func (m *Machine) Run(ctx context.Context) error {
	var failed int
	for _, c := range m.reg.Coins() {
		if err := m.Confirm(ctx, c.Symbol); err != nil {
			m.log.WithError(err).WithField("coin", c.Symbol).Error("confirmation cycle")
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("confirmation failed for %d coins", failed)
	}

	return nil
}

// Confirm polls every pending transaction of coin, in (sender, nonce) order.
func (m *Machine) Confirm(ctx context.Context, coin string) error {
	c, ok := m.reg.Coin(coin)
	if !ok {
		return fmt.Errorf("%s: %w", coin, types.ErrUnknownCoin)
	}
	_, ch, _ := m.reg.Chain(c.Chain)

	txs, err := m.db.PendingTransactions(ctx, coin)
	if err != nil {
		return fmt.Errorf("reading pending transactions: %w", err)
	}

	for _, t := range txs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := m.check(ctx, c, ch.Confirmations, t); err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{"coin": coin, "id": t.ID, "hash": t.TxHash}).
				Warn("checking transaction")
		}
	}

	return nil
}

func (m *Machine) check(ctx context.Context, c block.Coin, depth uint64, t store.Transaction) error {
	var st types.TxStatus
	if t.TxHash != "" {
		var err error
		if st, err = c.Adapter.TxStatus(ctx, t.TxHash); err != nil {
			return err
		}
	}

	switch {
	case !st.Found:
		if m.now().Sub(t.SubmittedAt) <= c.PendingTimeout.Duration {
			return nil
		}
		return m.resendOrCancel(ctx, c, t, "not found after pending timeout")
	case st.Confirmations < depth:
		return nil
	case st.Success:
		return m.land(ctx, t, st)
	default:
		return m.resendOrCancel(ctx, c, t, "failed on chain")
	}
}

func (m *Machine) land(ctx context.Context, t store.Transaction, st types.TxStatus) error {
	t.Status = store.StatusLanded
	t.BlockHeight = st.BlockHeight
	t.Fee = st.Fee
	t.ConfirmedAt = m.now()
	t.ManualResend = false

	ok, err := m.db.UpdateTransaction(ctx, &t)
	if err != nil {
		return err
	}
	if !ok {
		m.log.WithField("id", t.ID).Debug("transaction changed meanwhile, landing skipped")
		return nil
	}
	metrics.TxTransitions.WithLabelValues(t.Coin, string(store.StatusLanded)).Inc()
	m.log.WithFields(logrus.Fields{"id": t.ID, "kind": t.Kind, "coin": t.Coin, "hash": t.TxHash}).Info("transaction landed")

	m.landed(ctx, t)

	return nil
}

// landed runs the follow-ups of a transaction that reached Landed.
func (m *Machine) landed(ctx context.Context, t store.Transaction) {
	switch {
	case t.Kind == store.KindApprove:
		a := store.Approved{
			ID:        store.NewID(),
			Coin:      t.Coin,
			Owner:     t.Sender,
			Spender:   t.Recipient,
			Amount:    t.Amount,
			TxHash:    t.TxHash,
			CreatedAt: m.now(),
		}
		if err := m.db.InsertApproved(ctx, &a); err != nil {
			m.log.WithError(err).WithField("id", t.ID).Error("recording approval")
		}
	case t.Notifiable() && m.notify != nil:
		m.notify.Transaction(ctx, t)
	}
}

func (m *Machine) resendOrCancel(ctx context.Context, c block.Coin, t store.Transaction, reason string) error {
	if !Resendable(c.CoinConfig, t) {
		return m.cancel(ctx, t, reason)
	}

	key, err := m.signer.Key(ctx, t.Coin, t.Sender)
	if err != nil {
		return fmt.Errorf("resend: %w", err)
	}
	res, err := c.Adapter.Send(ctx, types.WalletSpec{
		FromAddress: t.Sender,
		ToAddress:   t.Recipient,
		Key:         key,
		Amount:      t.Amount,
		Coin:        t.Coin,
		Trace:       t.Trace,
	})
	if err != nil {
		return fmt.Errorf("resend: %w", err)
	}

	old := t.TxHash
	if old != "" {
		t.PastHashes = append(t.PastHashes, old)
	}
	t.TxHash = res.TxHash
	t.Nonce = res.Nonce
	t.SubmittedAt = m.now()
	t.ManualResend = false

	log := m.log.WithFields(logrus.Fields{"id": t.ID, "coin": t.Coin, "old": old, "hash": res.TxHash})
	ok, err := m.db.UpdateTransaction(ctx, &t)
	if err != nil || !ok {
		// the broadcast went out but the ledger does not know its hash
		log.WithError(err).Error("resent transaction could not be recorded, reconcile manually")
		if err == nil {
			err = errors.New("transaction changed during resend")
		}
		return err
	}
	metrics.TxTransitions.WithLabelValues(t.Coin, "resent").Inc()
	log.Warnf("transaction %s, resent (%d/%d)", reason, len(t.PastHashes), c.ResendLimit)

	return nil
}

func (m *Machine) cancel(ctx context.Context, t store.Transaction, reason string) error {
	t.Status = store.StatusFailed
	t.SubmittedAt = time.Time{}
	t.ManualResend = false

	ok, err := m.db.UpdateTransaction(ctx, &t)
	if err != nil {
		return err
	}
	if !ok {
		m.log.WithField("id", t.ID).Debug("transaction changed meanwhile, cancel skipped")
		return nil
	}
	metrics.TxTransitions.WithLabelValues(t.Coin, string(store.StatusFailed)).Inc()
	m.log.WithFields(logrus.Fields{"id": t.ID, "kind": t.Kind, "coin": t.Coin, "hash": t.TxHash}).
		Warnf("transaction %s, marked failed", reason)

	return nil
}
