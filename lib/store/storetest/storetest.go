// Package storetest holds the behaviour every ledger implementation must show. Implementations call Run from their
// own tests with a constructor returning an empty ledger.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/custody/lib/store"
)

// Run runs the conformance suite. newDB is called once per subtest.
func Run(t *testing.T, newDB func(t *testing.T) store.DB) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, db store.DB)
	}{
		{"Transactions", testTransactions},
		{"TransactionVersion", testTransactionVersion},
		{"PendingOrder", testPendingOrder},
		{"WithdrawRequests", testWithdrawRequests},
		{"Addresses", testAddresses},
		{"Cursor", testCursor},
		{"BlockUnits", testBlockUnits},
		{"FailedNotifications", testFailedNotifications},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newDB(t))
		})
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testTransactions(t *testing.T, db store.DB) {
	ctx := context.Background()
	tx := &store.Transaction{
		Kind: store.KindDeposit, Coin: "ETH", Sender: "0xa", Recipient: "0xb", Amount: dec("1.5"),
		Status: store.StatusPending, TxHash: "0xh1", Trace: "tr-1",
	}
	require.NoError(t, db.InsertTransaction(ctx, tx))
	require.NotEmpty(t, tx.ID)

	got, err := db.Transaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, store.KindDeposit, got.Kind)
	assert.True(t, got.Amount.Equal(dec("1.5")))
	assert.Equal(t, "0xh1", got.TxHash)

	_, err = db.Transaction(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// same hash twice
	err = db.InsertTransaction(ctx, &store.Transaction{Kind: store.KindDeposit, Coin: "ETH", Amount: dec("1"),
		Status: store.StatusPending, TxHash: "0xh1"})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	ok, err := db.HashExists(ctx, "0xh1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = db.HashExists(ctx, "0xnone")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = db.ActiveTraceExists(ctx, "tr-1")
	require.NoError(t, err)
	assert.True(t, ok)

	got.Status = store.StatusFailed
	got.PastHashes = []string{"0xh0"}
	ok, err = db.UpdateTransaction(ctx, &got)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = db.ActiveTraceExists(ctx, "tr-1")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = db.HashExists(ctx, "0xh0")
	require.NoError(t, err)
	assert.True(t, ok, "superseded hashes count as known")

	// failed transactions without hash do not collide
	require.NoError(t, db.InsertTransaction(ctx, &store.Transaction{Kind: store.KindWithdraw, Coin: "ETH",
		Amount: dec("1"), Status: store.StatusFailed}))
	require.NoError(t, db.InsertTransaction(ctx, &store.Transaction{Kind: store.KindWithdraw, Coin: "ETH",
		Amount: dec("2"), Status: store.StatusFailed, RequestID: "req-1", LineItemID: "item-1"}))

	ok, err = db.LineItemTransactionExists(ctx, "req-1", "item-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = db.LineItemTransactionExists(ctx, "req-1", "item-2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.InsertApproved(ctx, &store.Approved{Coin: "USDT", Owner: "0xa", Spender: "0xb",
		Amount: dec("5"), TxHash: "0xap"}))
}

func testTransactionVersion(t *testing.T, db store.DB) {
	ctx := context.Background()
	tx := &store.Transaction{Kind: store.KindWithdraw, Coin: "ETH", Amount: dec("2"), Status: store.StatusPending,
		TxHash: "0xv1", SubmittedAt: time.Now().UTC().Truncate(time.Millisecond)}
	require.NoError(t, db.InsertTransaction(ctx, tx))

	a, err := db.Transaction(ctx, tx.ID)
	require.NoError(t, err)
	b := a

	a.TxHash = "0xv2"
	a.PastHashes = append(a.PastHashes, "0xv1")
	ok, err := db.UpdateTransaction(ctx, &a)
	require.NoError(t, err)
	require.True(t, ok)

	// b is stale
	b.Status = store.StatusFailed
	ok, err = db.UpdateTransaction(ctx, &b)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := db.Transaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Equal(t, "0xv2", got.TxHash)
	assert.Equal(t, []string{"0xv1"}, got.PastHashes)
	assert.Equal(t, a.Version, got.Version)
	assert.WithinDuration(t, tx.SubmittedAt, got.SubmittedAt, time.Millisecond)

	got.SubmittedAt = time.Time{}
	ok, err = db.UpdateTransaction(ctx, &got)
	require.NoError(t, err)
	require.True(t, ok)
	got, err = db.Transaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, got.SubmittedAt.IsZero())
}

func testPendingOrder(t *testing.T, db store.DB) {
	ctx := context.Background()
	for _, p := range []struct {
		sender string
		nonce  uint64
		status store.Status
	}{
		{"0xb", 2, store.StatusPending},
		{"0xa", 7, store.StatusPending},
		{"0xb", 1, store.StatusPending},
		{"0xa", 3, store.StatusLanded},
	} {
		require.NoError(t, db.InsertTransaction(ctx, &store.Transaction{Kind: store.KindWithdraw, Coin: "TRX",
			Sender: p.sender, Nonce: p.nonce, Amount: dec("1"), Status: p.status}))
	}
	require.NoError(t, db.InsertTransaction(ctx, &store.Transaction{Kind: store.KindWithdraw, Coin: "ETH",
		Sender: "0xa", Amount: dec("1"), Status: store.StatusPending}))

	txs, err := db.PendingTransactions(ctx, "TRX")
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, "0xa", txs[0].Sender)
	assert.Equal(t, uint64(1), txs[1].Nonce)
	assert.Equal(t, uint64(2), txs[2].Nonce)

	n, err := db.CountPending(ctx, "TRX")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func testWithdrawRequests(t *testing.T, db store.DB) {
	ctx := context.Background()
	r := &store.WithdrawRequest{
		Coin: "ETH", HotAddress: "0xhot", Approval: store.ApprovalPending, TotalAmount: dec("30"),
		Items: []store.LineItem{
			{Recipient: "0x1", Amount: dec("10"), Trace: "w-1"},
			{Recipient: "0x2", Amount: dec("20"), Trace: "w-2"},
		},
	}
	require.NoError(t, db.InsertWithdrawRequest(ctx, r))
	require.NotEmpty(t, r.ID)
	require.NotEmpty(t, r.Items[0].ID)
	require.NotEqual(t, r.Items[0].ID, r.Items[1].ID)

	ok, err := db.UnsentTraceExists(ctx, "w-2")
	require.NoError(t, err)
	assert.True(t, ok)

	list, err := db.DispatchableWithdrawRequests(ctx, "ETH")
	require.NoError(t, err)
	assert.Empty(t, list, "pending approval is not dispatchable")

	ok, err = db.SetApproval(ctx, r.ID, store.ApprovalPending, store.ApprovalApproved)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = db.SetApproval(ctx, r.ID, store.ApprovalPending, store.ApprovalRejected)
	require.NoError(t, err)
	assert.False(t, ok)

	list, err = db.DispatchableWithdrawRequests(ctx, "ETH")
	require.NoError(t, err)
	require.Len(t, list, 1)
	got := list[0]
	assert.Equal(t, store.ApprovalApproved, got.Approval)
	require.Len(t, got.Items, 2)

	item := got.Items[0]
	ok, err = db.MarkLineItemSent(ctx, r.ID, item.ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = db.MarkLineItemSent(ctx, r.ID, item.ID)
	require.NoError(t, err)
	assert.False(t, ok, "second mark must not succeed")

	li, err := db.LineItem(ctx, r.ID, item.ID)
	require.NoError(t, err)
	assert.True(t, li.Sent)
	require.NoError(t, db.SetLineItemHash(ctx, r.ID, item.ID, "0xsent"))
	li, err = db.LineItem(ctx, r.ID, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "0xsent", li.TxHash)

	ok, err = db.UnsentTraceExists(ctx, "w-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = db.LineItem(ctx, r.ID, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)

	got.TotalAmount = dec("20")
	ok, err = db.UpdateWithdrawProgress(ctx, &got)
	require.NoError(t, err)
	require.True(t, ok)

	stale := list[0]
	stale.FullySent = true
	ok, err = db.UpdateWithdrawProgress(ctx, &stale)
	require.NoError(t, err)
	assert.False(t, ok)

	got.TotalAmount = decimal.Zero
	got.FullySent = true
	ok, err = db.UpdateWithdrawProgress(ctx, &got)
	require.NoError(t, err)
	require.True(t, ok)

	final, err := db.WithdrawRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, final.FullySent)
	assert.True(t, final.TotalAmount.IsZero())
	assert.True(t, final.Items[0].Sent)
	assert.False(t, final.Items[1].Sent)

	ok, err = db.UnsentTraceExists(ctx, "w-2")
	require.NoError(t, err)
	assert.False(t, ok, "finished requests release their traces")

	_, err = db.WithdrawRequest(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testAddresses(t *testing.T, db store.DB) {
	ctx := context.Background()
	a := store.Address{Address: "0xdep1", Coin: "ETH", Use: store.UseDeposit, Index: 1, Key: "sealed"}
	require.NoError(t, db.InsertAddress(ctx, a))
	assert.ErrorIs(t, db.InsertAddress(ctx, a), store.ErrDuplicate)
	require.NoError(t, db.InsertAddress(ctx, store.Address{Address: "0xdep0", Coin: "ETH", Use: store.UseDeposit}))
	require.NoError(t, db.InsertAddress(ctx, store.Address{Address: "0xhot", Coin: "ETH", Use: store.UseWithdraw, Index: 2}))

	list, err := db.Addresses(ctx, "ETH", store.UseDeposit)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "0xdep0", list[0].Address)

	n, err := db.CountAddresses(ctx, "ETH")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, db.AddUnsent(ctx, "ETH", "0xdep1", dec("1.25")))
	require.NoError(t, db.AddUnsent(ctx, "ETH", "0xdep1", dec("0.75")))
	require.NoError(t, db.SubUnsent(ctx, "ETH", "0xdep1", dec("0.5")))
	got, err := db.Address(ctx, "ETH", "0xdep1")
	require.NoError(t, err)
	assert.True(t, got.Unsent.Equal(dec("1.5")), got.Unsent.String())
	assert.Equal(t, "sealed", got.Key)

	_, err = db.Address(ctx, "USDT", "0xdep1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCursor(t *testing.T, db store.DB) {
	ctx := context.Background()
	_, err := db.Cursor(ctx, "eth")
	assert.ErrorIs(t, err, store.ErrNotFound)

	ok, err := db.InitCursor(ctx, "eth", 100)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = db.InitCursor(ctx, "eth", 5)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = db.AdvanceCursor(ctx, "eth", 100, 160)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = db.AdvanceCursor(ctx, "eth", 100, 170)
	require.NoError(t, err)
	assert.False(t, ok, "stale from")
	ok, err = db.AdvanceCursor(ctx, "eth", 160, 150)
	require.NoError(t, err)
	assert.False(t, ok, "never backwards")

	c, err := db.Cursor(ctx, "eth")
	require.NoError(t, err)
	assert.Equal(t, uint64(160), c.Height)
}

func testBlockUnits(t *testing.T, db store.DB) {
	ctx := context.Background()
	require.NoError(t, db.EnqueueBlockUnits(ctx, "tron", 11, 15))

	units, err := db.NextBlockUnits(ctx, "tron", 2)
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, uint64(11), units[0].Height)
	assert.Equal(t, uint64(12), units[1].Height)

	ok, err := db.SetBlockUnitStatus(ctx, "tron", 11, store.UnitPending, store.UnitProcessing)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = db.SetBlockUnitStatus(ctx, "tron", 11, store.UnitPending, store.UnitProcessing)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = db.SetBlockUnitStatus(ctx, "tron", 12, store.UnitPending, store.UnitDone)
	require.NoError(t, err)
	require.True(t, ok)

	// re-enqueue leaves existing units alone
	require.NoError(t, db.EnqueueBlockUnits(ctx, "tron", 11, 16))
	units, err = db.NextBlockUnits(ctx, "tron", 0)
	require.NoError(t, err)
	require.Len(t, units, 4)
	assert.Equal(t, uint64(13), units[0].Height)

	n, err := db.ResetProcessingUnits(ctx, "tron")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	units, err = db.NextBlockUnits(ctx, "tron", 1)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, uint64(11), units[0].Height)
	assert.Equal(t, store.UnitPending, units[0].Status)
}

func testFailedNotifications(t *testing.T, db store.DB) {
	ctx := context.Background()
	first := &store.FailedNotification{URL: "http://a", Payload: []byte(`{"a":1}`),
		CreatedAt: time.Now().UTC().Add(-time.Minute)}
	require.NoError(t, db.InsertFailedNotification(ctx, first))
	require.NoError(t, db.InsertFailedNotification(ctx, &store.FailedNotification{URL: "http://b",
		Payload: []byte(`{"b":2}`)}))

	list, err := db.FailedNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "http://a", list[0].URL)
	assert.JSONEq(t, `{"a":1}`, string(list[0].Payload))

	require.NoError(t, db.DeleteFailedNotification(ctx, first.ID))
	list, err = db.FailedNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "http://b", list[0].URL)
}
