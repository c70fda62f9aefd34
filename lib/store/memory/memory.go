// Package memory implements the ledger in process memory. It backs tests and single node development runs; nothing
// survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tarancss/custody/lib/store"
)

// Memory implements store.DB.
type Memory struct {
	mu        sync.Mutex
	txs       map[string]store.Transaction
	requests  map[string]store.WithdrawRequest
	addresses map[string]store.Address
	cursors   map[string]store.ChainCursor
	units     map[string]store.BlockUnit
	failed    map[string]store.FailedNotification
	approved  map[string]store.Approved
}

// New returns an empty ledger.
func New() *Memory {
	return &Memory{
		txs:       make(map[string]store.Transaction),
		requests:  make(map[string]store.WithdrawRequest),
		addresses: make(map[string]store.Address),
		cursors:   make(map[string]store.ChainCursor),
		units:     make(map[string]store.BlockUnit),
		failed:    make(map[string]store.FailedNotification),
		approved:  make(map[string]store.Approved),
	}
}

func addrKey(coin, address string) string      { return coin + ":" + address }
func unitKey(chain string, height uint64) string { return fmt.Sprintf("%s:%d", chain, height) }

func copyTx(t store.Transaction) store.Transaction {
	t.PastHashes = append([]string(nil), t.PastHashes...)
	return t
}

func copyRequest(r store.WithdrawRequest) store.WithdrawRequest {
	r.Items = append([]store.LineItem(nil), r.Items...)
	return r
}

// hashTaken reports whether hash is the current hash of a transaction other than id.
func (m *Memory) hashTaken(hash, id string) bool {
	if hash == "" {
		return false
	}
	for _, t := range m.txs {
		if t.ID != id && t.TxHash == hash {
			return true
		}
	}
	return false
}

// InsertTransaction stores t, assigning id and creation time when missing.
func (m *Memory) InsertTransaction(ctx context.Context, t *store.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.ID == "" {
		t.ID = store.NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if _, ok := m.txs[t.ID]; ok || m.hashTaken(t.TxHash, t.ID) {
		return store.ErrDuplicate
	}
	m.txs[t.ID] = copyTx(*t)
	return nil
}

// Transaction returns the transaction with id.
func (m *Memory) Transaction(ctx context.Context, id string) (store.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok {
		return store.Transaction{}, store.ErrNotFound
	}
	return copyTx(t), nil
}

// HashExists looks for hash among current and superseded hashes.
func (m *Memory) HashExists(ctx context.Context, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txs {
		if t.TxHash == hash {
			return true, nil
		}
		for _, h := range t.PastHashes {
			if h == hash {
				return true, nil
			}
		}
	}
	return false, nil
}

// LineItemTransactionExists reports whether a transaction pays the given line item.
func (m *Memory) LineItemTransactionExists(ctx context.Context, requestID, itemID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txs {
		if t.RequestID == requestID && t.LineItemID == itemID {
			return true, nil
		}
	}
	return false, nil
}

// ActiveTraceExists reports whether a non failed transaction holds trace.
func (m *Memory) ActiveTraceExists(ctx context.Context, trace string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txs {
		if t.Trace == trace && t.Status != store.StatusFailed {
			return true, nil
		}
	}
	return false, nil
}

// PendingTransactions returns pending transactions of coin ordered by sender and nonce.
func (m *Memory) PendingTransactions(ctx context.Context, coin string) ([]store.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Transaction
	for _, t := range m.txs {
		if t.Coin == coin && t.Status == store.StatusPending {
			out = append(out, copyTx(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sender != out[j].Sender {
			return out[i].Sender < out[j].Sender
		}
		if out[i].Nonce != out[j].Nonce {
			return out[i].Nonce < out[j].Nonce
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CountPending counts pending transactions of coin.
func (m *Memory) CountPending(ctx context.Context, coin string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.txs {
		if t.Coin == coin && t.Status == store.StatusPending {
			n++
		}
	}
	return n, nil
}

// UpdateTransaction replaces t when the stored version matches.
func (m *Memory) UpdateTransaction(ctx context.Context, t *store.Transaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.txs[t.ID]
	if !ok || cur.Version != t.Version {
		return false, nil
	}
	if m.hashTaken(t.TxHash, t.ID) {
		return false, store.ErrDuplicate
	}
	t.Version++
	m.txs[t.ID] = copyTx(*t)
	return true, nil
}

// InsertWithdrawRequest stores r, assigning ids and creation time when missing.
func (m *Memory) InsertWithdrawRequest(ctx context.Context, r *store.WithdrawRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = store.NewID()
	}
	for i := range r.Items {
		if r.Items[i].ID == "" {
			r.Items[i].ID = store.NewID()
		}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if _, ok := m.requests[r.ID]; ok {
		return store.ErrDuplicate
	}
	m.requests[r.ID] = copyRequest(*r)
	return nil
}

// WithdrawRequest returns the request with id.
func (m *Memory) WithdrawRequest(ctx context.Context, id string) (store.WithdrawRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return store.WithdrawRequest{}, store.ErrNotFound
	}
	return copyRequest(r), nil
}

// DispatchableWithdrawRequests returns approved requests of coin not fully sent, oldest first.
func (m *Memory) DispatchableWithdrawRequests(ctx context.Context, coin string) ([]store.WithdrawRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.WithdrawRequest
	for _, r := range m.requests {
		if r.Coin == coin && r.Approval == store.ApprovalApproved && !r.FullySent {
			out = append(out, copyRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UnsentTraceExists reports whether an unsent line item of a live request holds trace.
func (m *Memory) UnsentTraceExists(ctx context.Context, trace string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.Approval == store.ApprovalRejected || r.FullySent {
			continue
		}
		for _, it := range r.Items {
			if it.Trace == trace && !it.Sent {
				return true, nil
			}
		}
	}
	return false, nil
}

// SetApproval moves the approval of request id from -> to.
func (m *Memory) SetApproval(ctx context.Context, id string, from, to store.Approval) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok || r.Approval != from {
		return false, nil
	}
	r.Approval = to
	r.Version++
	m.requests[id] = r
	return true, nil
}

// MarkLineItemSent flags the line item as sent if it is not yet.
func (m *Memory) MarkLineItemSent(ctx context.Context, requestID, itemID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return false, nil
	}
	for i := range r.Items {
		if r.Items[i].ID == itemID {
			if r.Items[i].Sent {
				return false, nil
			}
			r.Items = append([]store.LineItem(nil), r.Items...)
			r.Items[i].Sent = true
			m.requests[requestID] = r
			return true, nil
		}
	}
	return false, nil
}

// LineItem returns one line item as stored.
func (m *Memory) LineItem(ctx context.Context, requestID, itemID string) (store.LineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return store.LineItem{}, store.ErrNotFound
	}
	it, ok := r.Item(itemID)
	if !ok {
		return store.LineItem{}, store.ErrNotFound
	}
	return it, nil
}

// SetLineItemHash records the hash the line item was sent with.
func (m *Memory) SetLineItemHash(ctx context.Context, requestID, itemID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return store.ErrNotFound
	}
	for i := range r.Items {
		if r.Items[i].ID == itemID {
			r.Items = append([]store.LineItem(nil), r.Items...)
			r.Items[i].TxHash = hash
			m.requests[requestID] = r
			return nil
		}
	}
	return store.ErrNotFound
}

// UpdateWithdrawProgress writes total and fullySent when the stored version matches.
func (m *Memory) UpdateWithdrawProgress(ctx context.Context, r *store.WithdrawRequest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.requests[r.ID]
	if !ok || cur.Version != r.Version {
		return false, nil
	}
	cur.TotalAmount = r.TotalAmount
	cur.FullySent = r.FullySent
	cur.Version++
	r.Version = cur.Version
	m.requests[r.ID] = cur
	return true, nil
}

// InsertAddress stores a new address.
func (m *Memory) InsertAddress(ctx context.Context, a store.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := addrKey(a.Coin, a.Address)
	if _, ok := m.addresses[k]; ok {
		return store.ErrDuplicate
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.addresses[k] = a
	return nil
}

// Address returns the address of coin.
func (m *Memory) Address(ctx context.Context, coin, address string) (store.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.addresses[addrKey(coin, address)]
	if !ok {
		return store.Address{}, store.ErrNotFound
	}
	return a, nil
}

// Addresses returns the addresses of coin with the given use, ordered by index.
func (m *Memory) Addresses(ctx context.Context, coin string, use store.Use) ([]store.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Address
	for _, a := range m.addresses {
		if a.Coin == coin && a.Use == use {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// CountAddresses counts the addresses of coin.
func (m *Memory) CountAddresses(ctx context.Context, coin string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.addresses {
		if a.Coin == coin {
			n++
		}
	}
	return n, nil
}

func (m *Memory) incUnsent(coin, address string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := addrKey(coin, address)
	a, ok := m.addresses[k]
	if !ok {
		return store.ErrNotFound
	}
	a.Unsent = a.Unsent.Add(amount)
	m.addresses[k] = a
	return nil
}

// AddUnsent increments the unsent accumulator of an address.
func (m *Memory) AddUnsent(ctx context.Context, coin, address string, amount decimal.Decimal) error {
	return m.incUnsent(coin, address, amount)
}

// SubUnsent decrements the unsent accumulator of an address.
func (m *Memory) SubUnsent(ctx context.Context, coin, address string, amount decimal.Decimal) error {
	return m.incUnsent(coin, address, amount.Neg())
}

// Cursor returns the cursor of chain.
func (m *Memory) Cursor(ctx context.Context, chain string) (store.ChainCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[chain]
	if !ok {
		return store.ChainCursor{}, store.ErrNotFound
	}
	return c, nil
}

// InitCursor creates the cursor of chain unless it exists.
func (m *Memory) InitCursor(ctx context.Context, chain string, height uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cursors[chain]; ok {
		return false, nil
	}
	m.cursors[chain] = store.ChainCursor{Chain: chain, Height: height, UpdatedAt: time.Now().UTC()}
	return true, nil
}

// AdvanceCursor moves the cursor forward if it is still at from.
func (m *Memory) AdvanceCursor(ctx context.Context, chain string, from, to uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[chain]
	if !ok || c.Height != from || to <= from {
		return false, nil
	}
	m.cursors[chain] = store.ChainCursor{Chain: chain, Height: to, UpdatedAt: time.Now().UTC()}
	return true, nil
}

// EnqueueBlockUnits creates pending units for [from, to].
func (m *Memory) EnqueueBlockUnits(ctx context.Context, chain string, from, to uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for h := from; h <= to && h >= from; h++ {
		k := unitKey(chain, h)
		if _, ok := m.units[k]; !ok {
			m.units[k] = store.BlockUnit{Chain: chain, Height: h, Status: store.UnitPending, UpdatedAt: now}
		}
	}
	return nil
}

// NextBlockUnits returns pending units of chain, lowest heights first.
func (m *Memory) NextBlockUnits(ctx context.Context, chain string, limit int) ([]store.BlockUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.BlockUnit
	for _, u := range m.units {
		if u.Chain == chain && u.Status == store.UnitPending {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetBlockUnitStatus moves a unit from -> to.
func (m *Memory) SetBlockUnitStatus(ctx context.Context, chain string, height uint64, from, to store.UnitStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := unitKey(chain, height)
	u, ok := m.units[k]
	if !ok || u.Status != from {
		return false, nil
	}
	u.Status = to
	u.UpdatedAt = time.Now().UTC()
	m.units[k] = u
	return true, nil
}

// ResetProcessingUnits returns every processing unit of chain to pending.
func (m *Memory) ResetProcessingUnits(ctx context.Context, chain string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, u := range m.units {
		if u.Chain == chain && u.Status == store.UnitProcessing {
			u.Status = store.UnitPending
			u.UpdatedAt = time.Now().UTC()
			m.units[k] = u
			n++
		}
	}
	return n, nil
}

// InsertFailedNotification queues n.
func (m *Memory) InsertFailedNotification(ctx context.Context, n *store.FailedNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == "" {
		n.ID = store.NewID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	c := *n
	c.Payload = append([]byte(nil), n.Payload...)
	m.failed[n.ID] = c
	return nil
}

// FailedNotifications returns up to limit queued notifications, oldest first.
func (m *Memory) FailedNotifications(ctx context.Context, limit int) ([]store.FailedNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.FailedNotification, 0, len(m.failed))
	for _, n := range m.failed {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteFailedNotification removes a queued notification.
func (m *Memory) DeleteFailedNotification(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.failed[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.failed, id)
	return nil
}

// InsertApproved stores an allowance record.
func (m *Memory) InsertApproved(ctx context.Context, a *store.Approved) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = store.NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if _, ok := m.approved[a.ID]; ok {
		return store.ErrDuplicate
	}
	m.approved[a.ID] = *a
	return nil
}

// ApprovedRecords returns the allowance records, for inspection in tests.
func (m *Memory) ApprovedRecords() []store.Approved {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Approved, 0, len(m.approved))
	for _, a := range m.approved {
		out = append(out, a)
	}
	return out
}

// RequestTransactions returns the transactions paying line items of a withdraw request, for inspection in tests.
func (m *Memory) RequestTransactions(requestID string) []store.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Transaction
	for _, t := range m.txs {
		if t.RequestID == requestID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Amount.LessThan(out[j].Amount) })
	return out
}
