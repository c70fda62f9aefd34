// Package store defines the ledger interface shared by the wallet and worker services. Every write that depends on the
// current state of a record is conditional and reports with ok whether the record was still in the expected state.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// DB defines required methods for the ledger.
type DB interface {
	// transactions
	InsertTransaction(ctx context.Context, t *Transaction) error
	Transaction(ctx context.Context, id string) (Transaction, error)
	HashExists(ctx context.Context, hash string) (bool, error)
	ActiveTraceExists(ctx context.Context, trace string) (bool, error)
	// LineItemTransactionExists reports whether a transaction was recorded for the line item of a withdraw request.
	LineItemTransactionExists(ctx context.Context, requestID, itemID string) (bool, error)
	// PendingTransactions returns the pending transactions of coin ordered by sender, then nonce.
	PendingTransactions(ctx context.Context, coin string) ([]Transaction, error)
	CountPending(ctx context.Context, coin string) (int, error)
	// UpdateTransaction replaces t if its stored version still equals t.Version, then bumps t.Version.
	UpdateTransaction(ctx context.Context, t *Transaction) (bool, error)

	// withdraw requests
	InsertWithdrawRequest(ctx context.Context, r *WithdrawRequest) error
	WithdrawRequest(ctx context.Context, id string) (WithdrawRequest, error)
	// DispatchableWithdrawRequests returns approved, not fully sent requests of coin, oldest first.
	DispatchableWithdrawRequests(ctx context.Context, coin string) ([]WithdrawRequest, error)
	// UnsentTraceExists reports whether trace is held by an unsent line item of a live request.
	UnsentTraceExists(ctx context.Context, trace string) (bool, error)
	SetApproval(ctx context.Context, id string, from, to Approval) (bool, error)
	// MarkLineItemSent flags the line item as sent only if it is currently unsent.
	MarkLineItemSent(ctx context.Context, requestID, itemID string) (bool, error)
	LineItem(ctx context.Context, requestID, itemID string) (LineItem, error)
	SetLineItemHash(ctx context.Context, requestID, itemID, hash string) error
	// UpdateWithdrawProgress writes TotalAmount and FullySent if the stored version still equals r.Version.
	UpdateWithdrawProgress(ctx context.Context, r *WithdrawRequest) (bool, error)

	// addresses
	InsertAddress(ctx context.Context, a Address) error
	Address(ctx context.Context, coin, address string) (Address, error)
	Addresses(ctx context.Context, coin string, use Use) ([]Address, error)
	CountAddresses(ctx context.Context, coin string) (int, error)
	AddUnsent(ctx context.Context, coin, address string, amount decimal.Decimal) error
	SubUnsent(ctx context.Context, coin, address string, amount decimal.Decimal) error

	// chain cursors
	Cursor(ctx context.Context, chain string) (ChainCursor, error)
	// InitCursor creates the cursor at height unless one exists.
	InitCursor(ctx context.Context, chain string, height uint64) (bool, error)
	// AdvanceCursor moves the cursor from -> to only if it is still at from and to > from.
	AdvanceCursor(ctx context.Context, chain string, from, to uint64) (bool, error)

	// block units
	// EnqueueBlockUnits creates Pending units for heights [from, to], leaving existing ones untouched.
	EnqueueBlockUnits(ctx context.Context, chain string, from, to uint64) error
	// NextBlockUnits returns up to limit Pending units ordered by height.
	NextBlockUnits(ctx context.Context, chain string, limit int) ([]BlockUnit, error)
	SetBlockUnitStatus(ctx context.Context, chain string, height uint64, from, to UnitStatus) (bool, error)
	// ResetProcessingUnits moves every Processing unit of chain back to Pending and returns how many moved.
	ResetProcessingUnits(ctx context.Context, chain string) (int, error)

	// notification retry queue
	InsertFailedNotification(ctx context.Context, n *FailedNotification) error
	FailedNotifications(ctx context.Context, limit int) ([]FailedNotification, error)
	DeleteFailedNotification(ctx context.Context, id string) error

	InsertApproved(ctx context.Context, a *Approved) error
}

// Errors returned
var (
	ErrNotFound  = errors.New("record was not found in store")
	ErrDuplicate = errors.New("record already exists in store")
)
