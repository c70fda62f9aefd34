package ethereum

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/custody/lib/config"
)

const txHash = "0xc39f3c2c2b5c0a772e8605bbeef7d341937b85e739a3c55d1e7384ac88f31c65"

// node answers the json-rpc methods used by Balance and TxStatus.
func node(t *testing.T) *httptest.Server {
	t.Helper()
	results := map[string]interface{}{
		"eth_getBalance":  "0xde0b6b3a7640000", // 1 ether
		"eth_call":        "0x00000000000000000000000000000000000000000000000000000000001e8480", // 2 USDT
		"eth_blockNumber": "0x64",
		"eth_getTransactionReceipt": map[string]interface{}{
			"transactionHash":   txHash,
			"blockNumber":       "0x62",
			"blockHash":         "0xd44a255e40eee23bd90a54a792f7a35c175400958de22a9bbfe08a7b2c244ed6",
			"status":            "0x1",
			"gasUsed":           "0x5208",
			"cumulativeGasUsed": "0x5208",
			"logs":              []interface{}{},
			"logsBloom":         "0x" + strings.Repeat("0", 512),
		},
		"eth_getTransactionByHash": map[string]interface{}{
			"hash":     txHash,
			"type":     "0x0",
			"nonce":    "0x1",
			"gasPrice": "0x3b9aca00", // 1 gwei
			"gas":      "0x5208",
			"to":       "0x7762440182222620a7435195208038708d27ee41",
			"value":    "0x0",
			"input":    "0x",
			"v":        "0x0",
			"r":        "0x0",
			"s":        "0x0",
		},
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		res, ok := results[req.Method]
		if !ok {
			t.Errorf("unexpected method %s", req.Method)
		}
		if req.ID == nil {
			req.ID = json.RawMessage("0")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": res})
	}))
}

func TestNodeCalls(t *testing.T) {
	s := node(t)
	defer s.Close()

	e, err := Init(config.ChainConfig{Name: "ethereum", Node: s.URL}, coins)
	require.NoError(t, err)
	defer e.Close()
	ctx := context.Background()

	bal, err := e.Balance(ctx, "0x357dd3856d856197c1a000bbAb4aBCB97Dfc92c4", "ETH")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1).Equal(bal), bal.String())

	bal, err = e.Balance(ctx, "0x357dd3856d856197c1a000bbAb4aBCB97Dfc92c4", "USDT")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(2).Equal(bal), bal.String())

	st, err := e.TxStatus(ctx, txHash)
	require.NoError(t, err)
	assert.True(t, st.Found)
	assert.True(t, st.Success)
	assert.Equal(t, uint64(0x62), st.BlockHeight)
	assert.Equal(t, uint64(3), st.Confirmations)
	// 21000 gas at 1 gwei
	assert.True(t, decimal.RequireFromString("0.000021").Equal(st.Fee), st.Fee.String())
}
