package confirm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/custody/lib/block"
	"github.com/tarancss/custody/lib/block/fake"
	"github.com/tarancss/custody/lib/config"
	"github.com/tarancss/custody/lib/keys"
	"github.com/tarancss/custody/lib/logging"
	"github.com/tarancss/custody/lib/store"
	"github.com/tarancss/custody/lib/store/memory"
)

const (
	hot  = "0x00000000000000000000000000000000000000f1"
	user = "0x00000000000000000000000000000000000000b2"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type notifier struct {
	mu  sync.Mutex
	txs []store.Transaction
}

func (n *notifier) Transaction(_ context.Context, t store.Transaction) {
	n.mu.Lock()
	n.txs = append(n.txs, t)
	n.mu.Unlock()
}

type env struct {
	m     *Machine
	chain *fake.Chain
	db    *memory.Memory
	sent  *notifier
	clock time.Time
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func setup(t *testing.T) *env {
	t.Helper()

	chains := []config.ChainConfig{{Name: "eth", Type: block.TypeFake, Confirmations: 3}}
	coins := []config.CoinConfig{
		{
			Symbol: "ETH", Chain: "eth", Decimals: 18, HotAddress: hot,
			PendingTimeout:  config.Duration{Duration: time.Minute},
			ResendLimit:     3,
			ResendThreshold: decPtr("100"),
		},
		// no threshold: default deny
		{Symbol: "USDC", Chain: "eth", Decimals: 6, HotAddress: hot, PendingTimeout: config.Duration{Duration: time.Minute}, ResendLimit: 3},
	}
	fc := fake.New(coins)
	fc.SetHeight(100)
	reg, err := block.NewRegistry(chains, coins, map[string]block.Adapter{"eth": fc})
	require.NoError(t, err)

	db := memory.New()
	vault := keys.NewVault(db, keys.NewKeyring("secret"), nil)
	_, err = vault.Import(context.Background(), "ETH", store.UseWithdraw, hot, "hotkey")
	require.NoError(t, err)

	e := &env{chain: fc, db: db, sent: &notifier{}, clock: base}
	e.m = New(db, reg, vault, e.sent, logrus.NewEntry(logging.Discard()))
	e.m.now = func() time.Time { return e.clock }

	return e
}

func (e *env) insert(t *testing.T, tx store.Transaction) store.Transaction {
	t.Helper()
	if tx.Status == "" {
		tx.Status = store.StatusPending
	}
	if tx.Sender == "" {
		tx.Sender = hot
	}
	if tx.Recipient == "" {
		tx.Recipient = user
	}
	if tx.Coin == "" {
		tx.Coin = "ETH"
	}
	tx.CreatedAt, tx.SubmittedAt = base, base
	require.NoError(t, e.db.InsertTransaction(context.Background(), &tx))
	return tx
}

func (e *env) get(t *testing.T, id string) store.Transaction {
	t.Helper()
	tx, err := e.db.Transaction(context.Background(), id)
	require.NoError(t, err)
	return tx
}

func TestResendable(t *testing.T) {
	c := config.CoinConfig{ResendLimit: 3, ResendThreshold: decPtr("100")}
	tx := store.Transaction{Kind: store.KindWithdraw, Amount: dec("10")}

	assert.True(t, Resendable(c, tx))

	deposit := tx
	deposit.Kind = store.KindDeposit
	assert.False(t, Resendable(c, deposit))

	big := tx
	big.Amount = dec("100")
	assert.False(t, Resendable(c, big))
	big.ManualResend = true
	assert.True(t, Resendable(c, big))

	spent := tx
	spent.PastHashes = []string{"a", "b", "c"}
	assert.False(t, Resendable(c, spent))
	spent.ManualResend = true
	assert.False(t, Resendable(c, spent))

	assert.False(t, Resendable(config.CoinConfig{ResendLimit: 3}, tx))
	assert.False(t, Resendable(config.CoinConfig{ResendThreshold: decPtr("100")}, tx))
	assert.False(t, Resendable(config.CoinConfig{}, tx))
}

func TestLand(t *testing.T) {
	ctx := context.Background()
	e := setup(t)

	w := e.insert(t, store.Transaction{Kind: store.KindWithdraw, Amount: dec("1"), TxHash: "0xw"})
	tr := e.insert(t, store.Transaction{Kind: store.KindTransfer, Amount: dec("2"), TxHash: "0xt"})
	ap := e.insert(t, store.Transaction{Kind: store.KindApprove, Amount: dec("3"), TxHash: "0xa"})
	for _, h := range []string{"0xw", "0xt", "0xa"} {
		e.chain.Land(h, 99, true, dec("0.001"))
	}

	// 2 confirmations, 3 required
	require.NoError(t, e.m.Confirm(ctx, "ETH"))
	assert.Equal(t, store.StatusPending, e.get(t, w.ID).Status)

	e.chain.SetHeight(101)
	require.NoError(t, e.m.Run(ctx))

	got := e.get(t, w.ID)
	assert.Equal(t, store.StatusLanded, got.Status)
	assert.Equal(t, uint64(99), got.BlockHeight)
	assert.True(t, got.Fee.Equal(dec("0.001")))
	assert.Equal(t, base, got.ConfirmedAt)
	assert.Equal(t, store.StatusLanded, e.get(t, tr.ID).Status)
	assert.Equal(t, store.StatusLanded, e.get(t, ap.ID).Status)

	// only the withdrawal is notified, the approval becomes an allowance
	require.Len(t, e.sent.txs, 1)
	assert.Equal(t, w.ID, e.sent.txs[0].ID)
	approved := e.db.ApprovedRecords()
	require.Len(t, approved, 1)
	assert.Equal(t, hot, approved[0].Owner)
	assert.Equal(t, user, approved[0].Spender)
	assert.Equal(t, "0xa", approved[0].TxHash)

	// landed transactions are not polled again
	require.NoError(t, e.m.Run(ctx))
	assert.Len(t, e.sent.txs, 1)
}

func TestResendAfterTimeout(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	tx := e.insert(t, store.Transaction{Kind: store.KindWithdraw, Amount: dec("10"), TxHash: "0xold"})

	// within the pending wait nothing happens
	e.clock = base.Add(time.Minute)
	require.NoError(t, e.m.Confirm(ctx, "ETH"))
	assert.Empty(t, e.chain.Sent())

	e.clock = base.Add(120 * time.Second)
	require.NoError(t, e.m.Confirm(ctx, "ETH"))

	got := e.get(t, tx.ID)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Equal(t, []string{"0xold"}, got.PastHashes)
	assert.NotEqual(t, "0xold", got.TxHash)
	assert.Equal(t, e.clock, got.SubmittedAt)
	assert.Equal(t, base, got.CreatedAt)

	sent := e.chain.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "hotkey", sent[0].Key)
	assert.Equal(t, user, sent[0].ToAddress)
	assert.True(t, sent[0].Amount.Equal(dec("10")))

	// the old hash is known to the ledger
	exists, err := e.db.HashExists(ctx, "0xold")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestResendBound(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	tx := e.insert(t, store.Transaction{Kind: store.KindSend, Amount: dec("10"), TxHash: "0x01"})

	for i := 0; i < 5; i++ {
		cur := e.get(t, tx.ID)
		if cur.Status != store.StatusPending {
			break
		}
		e.chain.Land(cur.TxHash, 98, false, decimal.Zero)
		require.NoError(t, e.m.Confirm(ctx, "ETH"))
	}

	got := e.get(t, tx.ID)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Len(t, got.PastHashes, 3)
	assert.Len(t, e.chain.Sent(), 3)
	assert.True(t, got.SubmittedAt.IsZero())
	assert.Empty(t, e.sent.txs)
}

func TestThresholdCancel(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	tx := e.insert(t, store.Transaction{Kind: store.KindWithdraw, Amount: dec("150"), TxHash: "0xbig"})
	e.chain.Land("0xbig", 98, false, decimal.Zero)

	require.NoError(t, e.m.Confirm(ctx, "ETH"))

	got := e.get(t, tx.ID)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Empty(t, got.PastHashes)
	assert.Empty(t, e.chain.Sent())

	// an operator requested resend skips the threshold
	got, err := e.m.RequestResend(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, got.ManualResend)
	assert.Equal(t, store.StatusPending, got.Status)

	require.NoError(t, e.m.Confirm(ctx, "ETH"))
	got = e.get(t, tx.ID)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Equal(t, []string{"0xbig"}, got.PastHashes)
	assert.False(t, got.ManualResend)
	assert.Len(t, e.chain.Sent(), 1)
}

func TestDefaultDeny(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	tx := e.insert(t, store.Transaction{Kind: store.KindWithdraw, Coin: "USDC", Amount: dec("1"), TxHash: "0xusdc"})
	e.chain.Land("0xusdc", 98, false, decimal.Zero)

	require.NoError(t, e.m.Confirm(ctx, "USDC"))
	assert.Equal(t, store.StatusFailed, e.get(t, tx.ID).Status)
	assert.Empty(t, e.chain.Sent())

	assert.Error(t, e.m.Confirm(ctx, "DOGE"))
}

func TestDepositNeverResent(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	tx := e.insert(t, store.Transaction{Kind: store.KindDeposit, Sender: user, Recipient: hot, Amount: dec("1"), TxHash: "0xdep"})

	e.clock = base.Add(time.Hour)
	require.NoError(t, e.m.Confirm(ctx, "ETH"))
	assert.Equal(t, store.StatusFailed, e.get(t, tx.ID).Status)
	assert.Empty(t, e.chain.Sent())

	_, err := e.m.RequestResend(ctx, tx.ID)
	assert.ErrorIs(t, err, ErrDeposit)
}

func TestTransientErrorKeepsPending(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	a := e.insert(t, store.Transaction{Kind: store.KindWithdraw, Amount: dec("1"), TxHash: "0x0a"})
	b := e.insert(t, store.Transaction{Kind: store.KindWithdraw, Amount: dec("1"), TxHash: "0x0b", Nonce: 1})
	e.chain.FailStatus("0x0a", errors.New("rpc timeout"))
	e.chain.Land("0x0b", 90, true, decimal.Zero)

	e.clock = base.Add(time.Hour)
	require.NoError(t, e.m.Confirm(ctx, "ETH"))
	assert.Equal(t, store.StatusPending, e.get(t, a.ID).Status)
	assert.Equal(t, store.StatusLanded, e.get(t, b.ID).Status)
}

func TestOperatorActions(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	p := e.insert(t, store.Transaction{Kind: store.KindWithdraw, Amount: dec("1"), TxHash: "0x01"})
	l := e.insert(t, store.Transaction{Kind: store.KindWithdraw, Amount: dec("1"), TxHash: "0x02", Status: store.StatusLanded})
	f := e.insert(t, store.Transaction{Kind: store.KindSend, Amount: dec("1"), TxHash: "0x03", Trace: "t-1"})

	err := e.m.MarkFailed(ctx, []string{p.ID, l.ID, "missing"})
	assert.ErrorIs(t, err, ErrLanded)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, store.StatusFailed, e.get(t, p.ID).Status)
	assert.Equal(t, store.StatusLanded, e.get(t, l.ID).Status)

	_, err = e.m.RequestResend(ctx, l.ID)
	assert.ErrorIs(t, err, ErrNotFailed)

	// force completing a failed transaction under a new hash
	got, err := e.m.ForceComplete(ctx, p.ID, "0x99")
	require.NoError(t, err)
	assert.Equal(t, store.StatusLanded, got.Status)
	assert.Equal(t, "0x99", got.TxHash)
	assert.Equal(t, []string{"0x01"}, got.PastHashes)
	require.Len(t, e.sent.txs, 1)
	assert.Equal(t, p.ID, e.sent.txs[0].ID)

	_, err = e.m.ForceComplete(ctx, p.ID, "0x99")
	assert.ErrorIs(t, err, ErrLanded)
	_, err = e.m.ForceComplete(ctx, f.ID, "")
	assert.ErrorIs(t, err, ErrNoHash)

	// a failed transaction whose trace was reused cannot come back
	require.NoError(t, e.m.MarkFailed(ctx, []string{f.ID}))
	e.insert(t, store.Transaction{Kind: store.KindSend, Amount: dec("1"), TxHash: "0x04", Trace: "t-1"})
	_, err = e.m.RequestResend(ctx, f.ID)
	assert.ErrorIs(t, err, ErrTrace)
}
