package fake

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/custody/lib/block/types"
	"github.com/tarancss/custody/lib/config"
)

const (
	hot  = "0x357dd3856d856197c1a000bbAb4aBCB97Dfc92c4"
	user = "0x1ee49d37ab544a0068d0bb8dc7b76ee8e7e4ec83"
)

func TestChain(t *testing.T) {
	ctx := context.Background()
	c := New([]config.CoinConfig{{Symbol: "ETH", Decimals: 18}})

	c.SetHeight(10)
	c.AddTrans(types.Trans{Block: 5, Hash: "0xa", To: user, Coin: "ETH", Value: decimal.NewFromInt(1)})
	c.AddTrans(types.Trans{Block: 9, Hash: "0xb", To: user, Coin: "ETH", Value: decimal.NewFromInt(2)})

	txs, err := c.BlockTxns(ctx, 1, 8)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	assert.Contains(t, txs, "0xa")

	_, err = c.BlockTxns(ctx, 9, 11)
	assert.ErrorIs(t, err, types.ErrNoBlock)
	_, err = c.BlockTxns(ctx, 9, 8)
	assert.ErrorIs(t, err, types.ErrBadRange)

	c.SetBalance(hot, "ETH", decimal.NewFromInt(5))
	res, err := c.Send(ctx, types.WalletSpec{FromAddress: hot, ToAddress: user, Coin: "ETH", Amount: decimal.NewFromInt(2)})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), res.Nonce)
	bal, err := c.Balance(ctx, hot, "ETH")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(3)))

	s, err := c.TxStatus(ctx, res.TxHash)
	require.NoError(t, err)
	assert.False(t, s.Found)

	c.Land(res.TxHash, 8, true, decimal.RequireFromString("0.001"))
	s, err = c.TxStatus(ctx, res.TxHash)
	require.NoError(t, err)
	assert.True(t, s.Found)
	assert.Equal(t, uint64(3), s.Confirmations)

	c.FailSend(errors.New("boom"))
	_, err = c.Send(ctx, types.WalletSpec{FromAddress: hot, ToAddress: user, Coin: "ETH", Amount: decimal.NewFromInt(1)})
	assert.Error(t, err)
	assert.Len(t, c.Sent(), 1)

	_, err = c.Send(ctx, types.WalletSpec{Coin: "BTC", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, types.ErrUnknownCoin)

	assert.True(t, c.IsValidAddress(hot))
	assert.False(t, c.IsValidAddress("nope"))
}
