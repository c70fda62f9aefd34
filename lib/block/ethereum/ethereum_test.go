package ethereum

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/custody/lib/block/types"
	"github.com/tarancss/custody/lib/config"
)

// block contains the sample data to decode.
var block = map[string]interface{}{"hash": "0xd44a255e40eee23bd90a54a792f7a35c175400958de22a9bbfe08a7b2c244ed6", "number": "0x29bf9b", "parentHash": "0x25e2e6cfc2f49ef320c652d91a7bea99a2d115d29ea832631e5f11911a463158", "timestamp": "0x5a952da9", "transactions": []interface{}{ //nolint:gochecknoglobals, lll // testdata
	map[string]interface{}{"blockNumber": "0x29bf9b", "from": "0xc4581843a8dacd100c7d435bb00b2a20d038e31d", "hash": "0xc39f3c2c2b5c0a772e8605bbeef7d341937b85e739a3c55d1e7384ac88f31c65", "input": "0x4bdb8ab50804004410241002040000c60890801000000000000000000000000000000000", "to": "0x7762440182222620a7435195208038708d27ee41", "value": "0x0"},
	map[string]interface{}{"blockNumber": "0x29bf9b", "from": "0x1cd434711fbae1f2d9c70001409fd82d71fdccaa", "hash": "0xdbd3184b2f947dab243071000df22cf5acc6efdce90a04aaf057521b1ee5bf60", "input": "0x", "to": "0xa34de7bd2b4270c0b12d5fd7a0c219a4d68d732f", "value": "0x16345785d8a0000"},
	map[string]interface{}{"blockNumber": "0x29bf9b", "from": "0x357dd3856d856197c1a000bbAb4aBCB97Dfc92c4", "hash": "0x2ba030485e79b5a98275b45d940e6fdd07b40dea593ef3b2a69b0a02a68a5872", "input": "0xa9059cbb0000000000000000000000001ee49d37ab544a0068d0bb8dc7b76ee8e7e4ec830000000000000000000000000000000000000000000000000000000000989680", "to": "0x7762440182222620a7435195208038708d27EE41", "value": "0x0"},
	map[string]interface{}{"blockNumber": "0x29bf9b", "from": "0x1cd434711fbae1f2d9c70001409fd82d71fdccaa", "hash": "0x8f138401bff60dbd947ccdf9eceef46c8e0ccd97043027de566c42f022a8abcc", "input": "0x23b872dd000000000000000000000000357dd3856d856197c1a000bbAb4aBCB97Dfc92c4000000000000000000000000c4581843a8dacd100c7d435bb00b2a20d038e31d000000000000000000000000000000000000000000000000000012309ce54000", "to": "0xa34de7bd2b4270c0b12d5fd7a0c219a4d68d732f", "value": "0x0"},
	map[string]interface{}{"blockNumber": "0x29bf9b", "from": "0x1cd434711fbae1f2d9c70001409fd82d71fdccaa", "hash": "0x8b2db064cdeacff34f18eb16c74298f6b5692b095c678759a39e16682c98ea7a", "input": "0x6060", "to": nil, "value": "0x0"},
}}

var coins = []config.CoinConfig{ //nolint:gochecknoglobals // testdata
	{Symbol: "ETH", Chain: "ethereum", Decimals: 18},
	{Symbol: "USDT", Chain: "ethereum", Decimals: 6, Token: "0x7762440182222620a7435195208038708d27ee41"},
}

// TestDecodeTxs tests decoding only as the other calls go directly to the node.
func TestDecodeTxs(t *testing.T) {
	e := newEthereum(config.ChainConfig{Name: "ethereum"}, coins)

	txs, err := e.DecodeTxs(block)
	require.NoError(t, err)
	require.Len(t, txs, 4) // contract creation skipped

	assert.Equal(t, uint64(0x29bf9b), txs[0].Block)
	assert.Equal(t, "ETH", txs[0].Coin)
	assert.True(t, txs[0].Value.IsZero())

	assert.Equal(t, "0xa34de7bd2b4270c0b12d5fd7a0c219a4d68d732f", txs[1].To)
	assert.Equal(t, "ETH", txs[1].Coin)
	assert.True(t, txs[1].Value.Equal(decimal.RequireFromString("0.1")), txs[1].Value.String())

	// ERC20 transfer on a configured token
	assert.Equal(t, "USDT", txs[2].Coin)
	assert.Equal(t, "0x7762440182222620a7435195208038708d27ee41", txs[2].Token)
	assert.Equal(t, "0x1ee49d37ab544a0068d0bb8dc7b76ee8e7e4ec83", txs[2].To)
	assert.Equal(t, "0x357dd3856d856197c1a000bbab4abcb97dfc92c4", txs[2].From)
	assert.True(t, txs[2].Value.Equal(decimal.NewFromInt(10)), txs[2].Value.String())

	// ERC20 transferFrom on an unknown token
	assert.Equal(t, "", txs[3].Coin)
	assert.Equal(t, "0x357dd3856d856197c1a000bbab4abcb97dfc92c4", txs[3].From)
	assert.Equal(t, "0xc4581843a8dacd100c7d435bb00b2a20d038e31d", txs[3].To)
}

func TestDecodeTxsErrors(t *testing.T) {
	e := newEthereum(config.ChainConfig{}, coins)

	_, err := e.DecodeTxs(map[string]interface{}{})
	assert.ErrorIs(t, err, types.ErrNoTrx)

	short := map[string]interface{}{"transactions": []interface{}{
		map[string]interface{}{"blockNumber": "0x1", "hash": "0x1", "from": "0x2", "to": "0x3", "input": "0xa9059cbb00"},
	}}
	_, err = e.DecodeTxs(short)
	assert.ErrorIs(t, err, types.ErrTrxWrongLen)

	// hashes only
	txs, err := e.DecodeTxs(map[string]interface{}{"transactions": []interface{}{"0xabc"}})
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestUnits(t *testing.T) {
	assert.Equal(t, "0x16345785d8a0000", toBase(decimal.RequireFromString("0.1"), 18))
	assert.Equal(t, "0x989680", toBase(decimal.NewFromInt(10), 6))

	v, err := fromBase("0x989680", 6)
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.NewFromInt(10)))

	v, err = fromBase("0x", 18)
	require.NoError(t, err)
	assert.True(t, v.IsZero())

	e := newEthereum(config.ChainConfig{}, coins)
	assert.True(t, e.IsValidAddress("0x357dd3856d856197c1a000bbAb4aBCB97Dfc92c4"))
	assert.False(t, e.IsValidAddress("0x357dd"))
}
