package withdraw

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tarancss/custody/lib/block"
	"github.com/tarancss/custody/lib/block/types"
	"github.com/tarancss/custody/lib/metrics"
	"github.com/tarancss/custody/lib/store"
)

// Dispatch outcomes.
const (
	OutcomeSent       = "sent"
	OutcomeSendFailed = "send_failed"
	OutcomeSkipped    = "skipped"
)

// ErrVerify is returned when a line item marked as sent reads back unsent. The process exits before it is returned
// unless the logger's ExitFunc was replaced.
var ErrVerify = errors.New("line item sent flag did not persist")

// Run dispatches the approved requests of every coin. A failing coin does not stop the others, except on a failed
// verification which ends the cycle.
func (p *Pipeline) Run(ctx context.Context) error {
	var failed int
	for _, c := range p.reg.Coins() {
		if err := p.Dispatch(ctx, c.Symbol); err != nil {
			if errors.Is(err, ErrVerify) {
				return err
			}
			p.log.WithError(err).WithField("coin", c.Symbol).Error("dispatch cycle")
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("dispatch failed for %d coins", failed)
	}

	return nil
}

// Dispatch pays the unsent line items of the approved requests of coin, oldest request first. Coins with serial
// dispatch send a single line item per cycle and only while no transaction of theirs is pending.
func (p *Pipeline) Dispatch(ctx context.Context, coin string) error {
	c, ok := p.reg.Coin(coin)
	if !ok {
		return fmt.Errorf("%s: %w", coin, ErrUnknownCoin)
	}

	reqs, err := p.db.DispatchableWithdrawRequests(ctx, coin)
	if err != nil {
		return fmt.Errorf("reading dispatchable requests: %w", err)
	}

	for _, r := range reqs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.SerialDispatch {
			n, err := p.db.CountPending(ctx, coin)
			if err != nil {
				return fmt.Errorf("counting pending transactions: %w", err)
			}
			if n > 0 {
				p.log.WithFields(logrus.Fields{"coin": coin, "pending": n}).Debug("serial dispatch waits for pending transactions")
				return nil
			}
		}
		if err := p.request(ctx, c, r); err != nil {
			if errors.Is(err, ErrVerify) {
				return err
			}
			p.log.WithError(err).WithFields(logrus.Fields{"coin": coin, "id": r.ID}).Warn("dispatching request")
		}
	}

	return nil
}

func (p *Pipeline) request(ctx context.Context, c block.Coin, r store.WithdrawRequest) error {
	hot := r.HotAddress
	if hot == "" {
		hot = c.HotAddress
	}
	log := p.log.WithFields(logrus.Fields{"coin": c.Symbol, "id": r.ID, "hot": hot})

	p.orphans(ctx, c, r, hot)

	balance, err := c.Adapter.Balance(ctx, hot, c.Symbol)
	if err != nil {
		return fmt.Errorf("reading hot wallet balance: %w", err)
	}
	if need := unsentTotal(r.Items).Add(c.FeeReserve); balance.LessThan(need) {
		log.WithFields(logrus.Fields{"balance": balance, "need": need}).Warn("hot wallet balance too low, request skipped")
		metrics.WithdrawItems.WithLabelValues(c.Symbol, OutcomeSkipped).Inc()
		return nil
	}

	key, err := p.signer.Key(ctx, c.Symbol, hot)
	if err != nil {
		return fmt.Errorf("hot wallet key: %w", err)
	}

	var advanced bool
	for _, it := range r.Items {
		if it.Sent {
			continue
		}
		if ctx.Err() != nil || (c.SerialDispatch && advanced) {
			break
		}

		ok, err := p.item(ctx, c, r, it, hot, key)
		if err != nil {
			if errors.Is(err, ErrVerify) {
				return err
			}
			log.WithError(err).WithField("item", it.ID).Error("dispatching line item")
		}
		if ok {
			advanced = true
		}
	}

	return p.progress(ctx, r.ID)
}

// orphans records a Failed transaction for every line item marked sent that has neither a hash nor a ledger
// transaction: a dispatcher stopped between the mark and the broadcast. The item is never sent again by dispatch, an
// operator resend of the Failed transaction pays it.
func (p *Pipeline) orphans(ctx context.Context, c block.Coin, r store.WithdrawRequest, hot string) {
	for _, it := range r.Items {
		if !it.Sent || it.TxHash != "" {
			continue
		}
		log := p.log.WithFields(logrus.Fields{"coin": c.Symbol, "id": r.ID, "item": it.ID})
		exists, err := p.db.LineItemTransactionExists(ctx, r.ID, it.ID)
		if err != nil {
			log.WithError(err).Warn("checking line item transaction")
			continue
		}
		if exists {
			continue
		}
		log.WithFields(logrus.Fields{"recipient": it.Recipient, "amount": it.Amount}).
			Error("line item marked sent without a transaction, recording it as failed")
		if err := p.db.InsertTransaction(ctx, &store.Transaction{
			ID:         store.NewID(),
			Kind:       store.KindWithdraw,
			Coin:       c.Symbol,
			Sender:     hot,
			Recipient:  it.Recipient,
			Amount:     it.Amount,
			Trace:      it.Trace,
			Status:     store.StatusFailed,
			CreatedAt:  p.now(),
			RequestID:  r.ID,
			LineItemID: it.ID,
		}); err != nil {
			log.WithError(err).Error("recording orphaned line item failed")
		}
	}
}

func unsentTotal(items []store.LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		if !it.Sent {
			total = total.Add(it.Amount)
		}
	}
	return total
}

// item marks one line item sent, broadcasts it and records its transaction. ok is false when the item was claimed by
// another dispatcher, in which case nothing was broadcast.
func (p *Pipeline) item(ctx context.Context, c block.Coin, r store.WithdrawRequest, it store.LineItem, hot, key string) (bool, error) {
	ok, err := p.db.MarkLineItemSent(ctx, r.ID, it.ID)
	if err != nil {
		return false, fmt.Errorf("marking line item: %w", err)
	}
	if !ok {
		return false, nil
	}

	// the mark must be durable before anything is broadcast
	got, err := p.db.LineItem(ctx, r.ID, it.ID)
	if err != nil || !got.Sent {
		p.log.WithError(err).WithFields(logrus.Fields{"coin": c.Symbol, "id": r.ID, "item": it.ID}).
			Fatalf("line item %s of request %s not persisted as sent, stopping to avoid a double payment", it.ID, r.ID)
		return false, ErrVerify
	}

	t := store.Transaction{
		ID:         store.NewID(),
		Kind:       store.KindWithdraw,
		Coin:       c.Symbol,
		Sender:     hot,
		Recipient:  it.Recipient,
		Amount:     it.Amount,
		Trace:      it.Trace,
		CreatedAt:  p.now(),
		RequestID:  r.ID,
		LineItemID: it.ID,
	}

	res, sendErr := c.Adapter.Send(ctx, types.WalletSpec{
		FromAddress: hot,
		ToAddress:   it.Recipient,
		Key:         key,
		Amount:      it.Amount,
		Coin:        c.Symbol,
		Trace:       it.Trace,
	})
	if sendErr != nil {
		t.Status = store.StatusFailed
		metrics.WithdrawItems.WithLabelValues(c.Symbol, OutcomeSendFailed).Inc()
	} else {
		t.Status = store.StatusPending
		t.TxHash = res.TxHash
		t.Nonce = res.Nonce
		t.SubmittedAt = p.now()
		metrics.WithdrawItems.WithLabelValues(c.Symbol, OutcomeSent).Inc()
	}

	// bookkeeping outlives a cancelled cycle once the transfer is out
	bctx := context.WithoutCancel(ctx)
	if err := p.db.InsertTransaction(bctx, &t); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{"coin": c.Symbol, "id": r.ID, "item": it.ID, "hash": t.TxHash}).
			Error("recording withdraw transaction failed, reconcile manually")
	}
	if t.TxHash != "" {
		if err := p.db.SetLineItemHash(bctx, r.ID, it.ID, t.TxHash); err != nil {
			p.log.WithError(err).WithFields(logrus.Fields{"id": r.ID, "item": it.ID}).Warn("storing line item hash")
		}
	}

	p.log.WithFields(logrus.Fields{
		"coin": c.Symbol, "id": r.ID, "item": it.ID, "recipient": it.Recipient, "amount": it.Amount,
		"hash": t.TxHash, "status": t.Status,
	}).Info("line item dispatched")

	if sendErr != nil {
		return true, fmt.Errorf("broadcast: %w", sendErr)
	}
	return true, nil
}

// progress sets the request's total to the sum of its unsent line items, as stored. A request without unsent line items
// is marked fully sent.
func (p *Pipeline) progress(ctx context.Context, id string) error {
	ctx = context.WithoutCancel(ctx)
	r, err := p.db.WithdrawRequest(ctx, id)
	if err != nil {
		return fmt.Errorf("reading request progress: %w", err)
	}

	total := unsentTotal(r.Items)
	fully := true
	for _, it := range r.Items {
		if !it.Sent {
			fully = false
			break
		}
	}
	if total.Equal(r.TotalAmount) && fully == r.FullySent {
		return nil
	}
	r.TotalAmount, r.FullySent = total, fully

	ok, err := p.db.UpdateWithdrawProgress(ctx, &r)
	if err != nil {
		return fmt.Errorf("updating request progress: %w", err)
	}
	if !ok {
		return fmt.Errorf("request %s changed concurrently, progress not written", r.ID)
	}
	if r.FullySent {
		p.log.WithFields(logrus.Fields{"coin": r.Coin, "id": r.ID}).Info("withdraw request fully sent")
	}

	return nil
}
