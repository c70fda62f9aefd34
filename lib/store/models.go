package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind of a ledger transaction.
type Kind string

// Transaction kinds.
const (
	KindDeposit  Kind = "deposit"
	KindWithdraw Kind = "withdraw"
	KindTransfer Kind = "transfer"
	KindSend     Kind = "send"
	KindApprove  Kind = "approve"
	KindFreeze   Kind = "resource_freeze"
	KindUnfreeze Kind = "unfreeze"
)

// Status of a ledger transaction.
type Status string

// Transaction statuses. Landed is terminal; Failed is terminal unless an operator requests a resend.
const (
	StatusPending Status = "pending"
	StatusLanded  Status = "landed"
	StatusFailed  Status = "failed"
)

// Transaction is one movement of funds tracked until it lands or fails. SubmittedAt is the time of the last broadcast
// and is the clock used for the pending-wait timeout; it is zero once the transaction failed for good.
type Transaction struct {
	ID           string          `json:"id"`
	Kind         Kind            `json:"kind"`
	Coin         string          `json:"coin"`
	Sender       string          `json:"sender"`
	Recipient    string          `json:"recipient"`
	Amount       decimal.Decimal `json:"amount"`
	Fee          decimal.Decimal `json:"fee"`
	Status       Status          `json:"status"`
	TxHash       string          `json:"txHash,omitempty"`
	Nonce        uint64          `json:"nonce"`
	Trace        string          `json:"trace,omitempty"`
	PastHashes   []string        `json:"pastHashes,omitempty"`
	ManualResend bool            `json:"manualResend"`
	CreatedAt    time.Time       `json:"createdAt"`
	SubmittedAt  time.Time       `json:"submittedAt,omitempty"`
	ConfirmedAt  time.Time       `json:"confirmedAt,omitempty"`
	BlockHeight  uint64          `json:"blockHeight"`
	RequestID    string          `json:"requestId,omitempty"`
	LineItemID   string          `json:"lineItemId,omitempty"`
	Version      int64           `json:"version"`
}

// Notifiable reports whether landing t is reported to the client system.
func (t Transaction) Notifiable() bool {
	return t.Kind == KindDeposit || t.Kind == KindWithdraw || t.Kind == KindSend
}

// Approval state of a withdraw request.
type Approval string

// Approval states.
const (
	ApprovalApproved Approval = "approved"
	ApprovalPending  Approval = "pending_approval"
	ApprovalRejected Approval = "rejected"
)

// LineItem is one payment of a withdraw request.
type LineItem struct {
	ID        string          `json:"id"`
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
	Trace     string          `json:"trace,omitempty"`
	Sent      bool            `json:"sent"`
	TxHash    string          `json:"txHash,omitempty"`
}

// WithdrawRequest is a batch of payments out of the hot wallet of a coin. TotalAmount is the sum of the unsent line
// items and never grows.
type WithdrawRequest struct {
	ID          string          `json:"id"`
	Coin        string          `json:"coin"`
	HotAddress  string          `json:"hotAddress"`
	Items       []LineItem      `json:"lineItems"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	EstimateFee decimal.Decimal `json:"estimateFee"`
	Approval    Approval        `json:"approval"`
	FullySent   bool            `json:"fullySent"`
	CreatedAt   time.Time       `json:"createdAt"`
	Version     int64           `json:"version"`
}

// Item returns the line item with the given id.
func (r WithdrawRequest) Item(id string) (LineItem, bool) {
	for _, it := range r.Items {
		if it.ID == id {
			return it, true
		}
	}
	return LineItem{}, false
}

// Use of a custodial address.
type Use string

// Address uses.
const (
	UseDeposit  Use = "deposit"
	UseWithdraw Use = "withdraw"
	UseTransfer Use = "transfer"
	UseSend     Use = "send"
)

// Address is a custodial address with its sealed private key. Unsent accumulates deposits not yet forwarded.
type Address struct {
	Address   string          `json:"address"`
	Coin      string          `json:"coin"`
	Use       Use             `json:"use"`
	Index     uint32          `json:"index"`
	Key       string          `json:"-"`
	Unsent    decimal.Decimal `json:"unsent"`
	CreatedAt time.Time       `json:"createdAt"`
}

// ChainCursor is the last height scanned, or enqueued for pool chains.
type ChainCursor struct {
	Chain     string    `json:"chain"`
	Height    uint64    `json:"height"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UnitStatus is the state of a block unit.
type UnitStatus string

// Block unit states.
const (
	UnitPending    UnitStatus = "pending"
	UnitProcessing UnitStatus = "processing"
	UnitDone       UnitStatus = "done"
)

// BlockUnit is one height of a pool-scanned chain.
type BlockUnit struct {
	Chain     string     `json:"chain"`
	Height    uint64     `json:"height"`
	Status    UnitStatus `json:"status"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// FailedNotification is a notification whose delivery to URL failed. Payload is the signed body as sent.
type FailedNotification struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

// Approved records an allowance granted on chain by a landed Approve transaction.
type Approved struct {
	ID        string          `json:"id"`
	Coin      string          `json:"coin"`
	Owner     string          `json:"owner"`
	Spender   string          `json:"spender"`
	Amount    decimal.Decimal `json:"amount"`
	TxHash    string          `json:"txHash"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewID returns a fresh record id.
func NewID() string {
	return uuid.NewString()
}
