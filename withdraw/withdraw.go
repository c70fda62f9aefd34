// Package withdraw implements the withdrawal pipeline: intake and approval of withdraw requests, and the dispatch
// cycle that pays their line items out of the coin's hot wallet.
package withdraw

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tarancss/custody/lib/block"
	"github.com/tarancss/custody/lib/config"
	"github.com/tarancss/custody/lib/store"
)

// Intake and approval errors.
var (
	ErrUnknownCoin    = errors.New("unknown coin")
	ErrNoItems        = errors.New("withdraw request has no line items")
	ErrInvalidAmount  = errors.New("amount must be greater than zero")
	ErrInvalidAddress = errors.New("invalid recipient address")
	ErrTraceExists    = errors.New("trace already exists")
	ErrNotPending     = errors.New("withdraw request is not pending approval")
)

// Item is a requested payment.
type Item struct {
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
	Trace     string          `json:"trace,omitempty"`
}

// Signer returns the private key of a custodial address.
type Signer interface {
	Key(ctx context.Context, coin, address string) (string, error)
}

// Rejecter notifies the line items of a rejected request.
type Rejecter interface {
	Rejected(ctx context.Context, r store.WithdrawRequest)
}

// Pipeline holds the withdrawal intake and dispatch. A failed post-dispatch verification is logged at Fatal level:
// the process exits through the logger's ExitFunc.
type Pipeline struct {
	db     store.DB
	reg    *block.Registry
	signer Signer
	notify Rejecter
	log    *logrus.Entry
	now    func() time.Time

	intake sync.Mutex // serializes the trace checks and the insert of a request
}

// New returns a pipeline. notify may be nil.
func New(db store.DB, reg *block.Registry, signer Signer, notify Rejecter, log *logrus.Entry) *Pipeline {
	return &Pipeline{
		db:     db,
		reg:    reg,
		signer: signer,
		notify: notify,
		log:    log.WithField("component", "withdraw"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Approval returns the approval state of a new request: self approved requests and requests within the coin's
// ceiling are approved, the others wait for an operator. Without a ceiling every request waits.
func Approval(c config.CoinConfig, total decimal.Decimal, selfApproved bool) store.Approval {
	switch {
	case selfApproved:
		return store.ApprovalApproved
	case c.ApprovalCeiling == nil:
		return store.ApprovalPending
	case total.LessThanOrEqual(*c.ApprovalCeiling):
		return store.ApprovalApproved
	}
	return store.ApprovalPending
}

// Create validates every item, in order amount, address, trace, and stores the request. The first invalid item
// rejects the whole request and nothing is stored.
func (p *Pipeline) Create(ctx context.Context, coin string, items []Item, selfApproved bool) (store.WithdrawRequest, error) {
	c, ok := p.reg.Coin(coin)
	if !ok {
		return store.WithdrawRequest{}, fmt.Errorf("%s: %w", coin, ErrUnknownCoin)
	}
	if len(items) == 0 {
		return store.WithdrawRequest{}, ErrNoItems
	}

	p.intake.Lock()
	defer p.intake.Unlock()

	var (
		total  = decimal.Zero
		traces = make(map[string]bool)
		lines  = make([]store.LineItem, 0, len(items))
	)
	for i, it := range items {
		if !it.Amount.IsPositive() {
			return store.WithdrawRequest{}, fmt.Errorf("line item %d: %w", i, ErrInvalidAmount)
		}
		if !c.Adapter.IsValidAddress(it.Recipient) {
			return store.WithdrawRequest{}, fmt.Errorf("line item %d %q: %w", i, it.Recipient, ErrInvalidAddress)
		}
		if it.Trace != "" {
			if traces[it.Trace] {
				return store.WithdrawRequest{}, fmt.Errorf("line item %d %q: %w", i, it.Trace, ErrTraceExists)
			}
			if err := p.checkTrace(ctx, it.Trace); err != nil {
				return store.WithdrawRequest{}, fmt.Errorf("line item %d %q: %w", i, it.Trace, err)
			}
			traces[it.Trace] = true
		}

		total = total.Add(it.Amount)
		lines = append(lines, store.LineItem{
			ID:        store.NewID(),
			Recipient: it.Recipient,
			Amount:    it.Amount,
			Trace:     it.Trace,
		})
	}

	r := store.WithdrawRequest{
		ID:          store.NewID(),
		Coin:        coin,
		HotAddress:  c.HotAddress,
		Items:       lines,
		TotalAmount: total,
		EstimateFee: c.FeeReserve.Mul(decimal.NewFromInt(int64(len(lines)))),
		Approval:    Approval(c.CoinConfig, total, selfApproved),
		CreatedAt:   p.now(),
	}
	if err := p.db.InsertWithdrawRequest(ctx, &r); err != nil {
		return store.WithdrawRequest{}, err
	}

	p.log.WithFields(logrus.Fields{"id": r.ID, "coin": coin, "total": total, "items": len(lines), "approval": r.Approval}).
		Info("withdraw request created")

	return r, nil
}

// CheckTrace returns ErrTraceExists if trace is held by an active transaction or an unsent line item.
func (p *Pipeline) CheckTrace(ctx context.Context, trace string) error {
	p.intake.Lock()
	defer p.intake.Unlock()
	return p.checkTrace(ctx, trace)
}

func (p *Pipeline) checkTrace(ctx context.Context, trace string) error {
	active, err := p.db.ActiveTraceExists(ctx, trace)
	if err != nil {
		return err
	}
	if active {
		return ErrTraceExists
	}

	unsent, err := p.db.UnsentTraceExists(ctx, trace)
	if err != nil {
		return err
	}
	if unsent {
		return ErrTraceExists
	}

	return nil
}

// GuardTrace checks trace and, when it is free, runs f holding the intake lock, so whatever f records cannot race a
// request claiming the same trace. An empty trace is not checked.
func (p *Pipeline) GuardTrace(ctx context.Context, trace string, f func() error) error {
	p.intake.Lock()
	defer p.intake.Unlock()

	if trace != "" {
		if err := p.checkTrace(ctx, trace); err != nil {
			return err
		}
	}
	return f()
}

// ApproveOrReject decides the given requests pending approval. Rejected requests are notified line by line. Requests
// not pending approval are reported in the returned error; the others are still decided.
func (p *Pipeline) ApproveOrReject(ctx context.Context, ids []string, approve bool) error {
	to := store.ApprovalRejected
	if approve {
		to = store.ApprovalApproved
	}

	var errs []error
	for _, id := range ids {
		ok, err := p.db.SetApproval(ctx, id, store.ApprovalPending, to)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		if !ok {
			errs = append(errs, fmt.Errorf("%s: %w", id, ErrNotPending))
			continue
		}
		p.log.WithFields(logrus.Fields{"id": id, "approval": to}).Info("withdraw request decided")

		if to == store.ApprovalRejected && p.notify != nil {
			r, err := p.db.WithdrawRequest(ctx, id)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				continue
			}
			p.notify.Rejected(ctx, r)
		}
	}

	return errors.Join(errs...)
}
