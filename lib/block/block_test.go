package block

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/tarancss/custody/lib/block/fake"
	"github.com/tarancss/custody/lib/block/mocks"
	"github.com/tarancss/custody/lib/config"
)

func TestInit(t *testing.T) {
	conf := config.Default()
	conf.Chains = []config.ChainConfig{
		{Name: "eth", Type: TypeFake, Mode: config.ModeInline},
		{Name: "pool", Type: TypeFake, Mode: config.ModePool, Pool: config.PoolConfig{Size: 2, RPS: 10}},
		{Name: "tron", Type: "tron"},
	}
	conf.Coins = []config.CoinConfig{
		{Symbol: "USDT", Chain: "eth", Token: "0xdac17f958d2ee523a2206206994597c13d831ec7"},
		{Symbol: "ETH", Chain: "eth"},
		{Symbol: "PETH", Chain: "pool"},
		{Symbol: "TRX", Chain: "tron"},
	}

	r, err := Init(conf, logrus.New())
	require.NoError(t, err)
	defer r.Close()

	coins := r.Coins()
	require.Len(t, coins, 3) // TRX dropped with its chain
	assert.Equal(t, "ETH", coins[0].Symbol)
	assert.Len(t, r.CoinsOf("eth"), 2)
	assert.Len(t, r.Chains(), 2)

	usdt, ok := r.Coin("USDT")
	require.True(t, ok)
	assert.IsType(t, &fake.Chain{}, usdt.Adapter)

	a, ch, ok := r.Chain("pool")
	require.True(t, ok)
	assert.Equal(t, 2, ch.Pool.Size)
	assert.IsType(t, &limited{}, a)

	_, ok = r.Coin("TRX")
	assert.False(t, ok)
}

func TestNewRegistry(t *testing.T) {
	_, err := NewRegistry([]config.ChainConfig{{Name: "eth"}}, nil, map[string]Adapter{})
	assert.Error(t, err)

	_, err = NewRegistry(nil, []config.CoinConfig{{Symbol: "ETH", Chain: "eth"}}, nil)
	assert.ErrorIs(t, err, config.ErrNoChain)
}

func TestLimited(t *testing.T) {
	ctrl := gomock.NewController(t)
	m := mocks.NewMockAdapter(ctrl)
	m.EXPECT().Height(gomock.Any()).Return(uint64(7), nil).Times(1)

	// one token, next one in 100s
	a := Limited(m, "eth", 0.01, 1)
	h, err := a.Height(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), h)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Height(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	m.EXPECT().IsValidAddress("x").Return(true)
	assert.True(t, a.IsValidAddress("x"))
}
