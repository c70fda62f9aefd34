package netexplorer

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/custody/lib/block/types"
	"github.com/tarancss/custody/lib/store"
	"github.com/tarancss/custody/lib/store/memory"
)

// TestNE covers loading the watch set, reloading it and the recorded hash cache.
func TestNE(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	require.NoError(t, db.InsertAddress(ctx, store.Address{Address: "0xaa", Coin: "ETH", Use: store.UseDeposit}))
	require.NoError(t, db.InsertAddress(ctx, store.Address{Address: "0xbb", Coin: "USDT", Use: store.UseDeposit}))
	require.NoError(t, db.InsertAddress(ctx, store.Address{Address: "0xcc", Coin: "ETH", Use: store.UseWithdraw}))
	require.NoError(t, db.InsertAddress(ctx, store.Address{Address: "0xdd", Coin: "BTC", Use: store.UseDeposit}))

	ne := New("ethereum", []string{"ETH", "USDT"})
	assert.True(t, ne.Loaded().IsZero())
	require.NoError(t, ne.Load(ctx, db))
	assert.False(t, ne.Loaded().IsZero())
	assert.Equal(t, 2, ne.Len())

	one := decimal.NewFromInt(1)
	txs := []types.Trans{
		{Hash: "0x01", To: "0xaa", Coin: "ETH", Value: one},
		{Hash: "0x02", To: "0xbb", Coin: "ETH", Value: one},  // watched for USDT only
		{Hash: "0x03", To: "0xbb", Coin: "USDT", Value: one},
		{Hash: "0x04", To: "0xcc", Coin: "ETH", Value: one},  // withdraw address
		{Hash: "0x05", To: "0xaa", Coin: "", Value: one},     // unknown token
		{Hash: "0x06", From: "0xaa", To: "0xee", Coin: "ETH"}, // outgoing
	}
	r := ne.ScanTxs(txs)
	require.Len(t, r, 2)
	assert.Equal(t, "0x01", r[0].Hash)
	assert.Equal(t, "0x03", r[1].Hash)

	ne.Remember("0x01")
	assert.True(t, ne.Seen("0x01"))
	r = ne.ScanTxs(txs)
	require.Len(t, r, 1)
	assert.Equal(t, "0x03", r[0].Hash)

	// a reload picks up addresses generated since
	require.NoError(t, db.InsertAddress(ctx, store.Address{Address: "0xff", Coin: "ETH", Use: store.UseDeposit}))
	require.NoError(t, ne.Load(ctx, db))
	assert.Equal(t, 3, ne.Len())
	r = ne.ScanTxs(append(txs, types.Trans{Hash: "0x07", To: "0xff", Coin: "ETH", Value: one}))
	require.Len(t, r, 2)
	assert.Equal(t, "0x07", r[1].Hash)
}

func TestCacheEviction(t *testing.T) {
	size := CacheSize
	CacheSize = 2
	defer func() { CacheSize = size }()

	ne := New("ethereum", nil)
	ne.Remember("a")
	ne.Remember("b")
	ne.Remember("c")

	assert.False(t, ne.Seen("a"))
	assert.True(t, ne.Seen("b"))
	assert.True(t, ne.Seen("c"))
}
