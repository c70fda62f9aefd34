package confirm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tarancss/custody/lib/metrics"
	"github.com/tarancss/custody/lib/store"
)

// Operator action errors.
var (
	ErrLanded    = errors.New("transaction already landed")
	ErrNotFailed = errors.New("transaction is not failed")
	ErrDeposit   = errors.New("deposits cannot be resent")
	ErrConflict  = errors.New("transaction kept changing, try again")
	ErrNoHash    = errors.New("transaction hash required")
	ErrTrace     = errors.New("trace is used by another active transaction")
)

// updateAttempts bounds the retries of an operator action that lost a version race with the confirmation cycle.
const updateAttempts = 3

// update applies f to a fresh copy of the transaction until the conditional write succeeds.
func (m *Machine) update(ctx context.Context, id string, f func(t *store.Transaction) error) (store.Transaction, error) {
	for i := 0; i < updateAttempts; i++ {
		t, err := m.db.Transaction(ctx, id)
		if err != nil {
			return store.Transaction{}, err
		}
		if err = f(&t); err != nil {
			return t, err
		}
		ok, err := m.db.UpdateTransaction(ctx, &t)
		if err != nil {
			return t, err
		}
		if ok {
			return t, nil
		}
	}

	return store.Transaction{}, ErrConflict
}

// MarkFailed fails the given transactions for good. Landed transactions are left untouched and reported in the
// returned error; the others are still processed.
func (m *Machine) MarkFailed(ctx context.Context, ids []string) error {
	var errs []error

	for _, id := range ids {
		t, err := m.update(ctx, id, func(t *store.Transaction) error {
			if t.Status == store.StatusLanded {
				return ErrLanded
			}
			t.Status = store.StatusFailed
			t.SubmittedAt = time.Time{}
			t.ManualResend = false
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		metrics.TxTransitions.WithLabelValues(t.Coin, string(store.StatusFailed)).Inc()
		m.log.WithField("id", id).Warn("transaction marked failed by operator")
	}

	return errors.Join(errs...)
}

// ForceComplete lands a transaction the operator verified on chain under hash, which becomes its current hash. The
// landing follow-ups run as for a confirmed transaction.
func (m *Machine) ForceComplete(ctx context.Context, id, hash string) (store.Transaction, error) {
	if hash == "" {
		return store.Transaction{}, ErrNoHash
	}

	t, err := m.update(ctx, id, func(t *store.Transaction) error {
		if t.Status == store.StatusLanded {
			return ErrLanded
		}
		if t.TxHash != hash {
			if t.TxHash != "" {
				t.PastHashes = append(t.PastHashes, t.TxHash)
			}
			t.TxHash = hash
		}
		t.Status = store.StatusLanded
		t.ConfirmedAt = m.now()
		t.ManualResend = false
		return nil
	})
	if err != nil {
		return t, err
	}
	metrics.TxTransitions.WithLabelValues(t.Coin, string(store.StatusLanded)).Inc()
	m.log.WithFields(logrus.Fields{"id": id, "hash": hash}).Warn("transaction completed by operator")

	m.landed(ctx, t)

	return t, nil
}

// RequestResend returns a Failed transaction to Pending flagged for a manual resend: the next cycle resends it
// regardless of the amount threshold, still within the resend limit.
func (m *Machine) RequestResend(ctx context.Context, id string) (store.Transaction, error) {
	t, err := m.update(ctx, id, func(t *store.Transaction) error {
		if t.Kind == store.KindDeposit {
			return ErrDeposit
		}
		if t.Status != store.StatusFailed {
			return ErrNotFailed
		}
		if t.Trace != "" {
			exists, err := m.db.ActiveTraceExists(ctx, t.Trace)
			if err != nil {
				return err
			}
			if exists {
				return ErrTrace
			}
		}
		t.Status = store.StatusPending
		t.ManualResend = true
		return nil
	})
	if err != nil {
		return t, err
	}
	m.log.WithField("id", id).Info("resend requested by operator")

	return t, nil
}
