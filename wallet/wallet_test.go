package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
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
	"github.com/tarancss/custody/notify"
	"github.com/tarancss/custody/withdraw"
)

const (
	seed  = "642ce4e20f09c9f4d285c2b336063eaafbe4cb06dece8134f3a64bdd8f8c0c24df73e1a2e7056359b6db61e179ff45e5ada51d14f07b30becb6d92b961d35df4"
	hot   = "0x00000000000000000000000000000000000000f1"
	alice = "0x00000000000000000000000000000000000000a1"
	bob   = "0x00000000000000000000000000000000000000b2"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

type env struct {
	w     *Wallet
	chain *fake.Chain
	db    *memory.Memory
}

func setup(t *testing.T) *env {
	t.Helper()

	chains := []config.ChainConfig{{Name: "eth", Type: block.TypeFake, Confirmations: 3}}
	coins := []config.CoinConfig{
		{Symbol: "ETH", Chain: "eth", Decimals: 18, HotAddress: hot, ApprovalCeiling: decPtr("100")},
		{Symbol: "USDT", Chain: "eth", Decimals: 6, HotAddress: hot},
	}
	fc := fake.New(coins)
	fc.SetHeight(100)
	reg, err := block.NewRegistry(chains, coins, map[string]block.Adapter{"eth": fc})
	require.NoError(t, err)

	db := memory.New()
	d, err := keys.NewDeriver(seed)
	require.NoError(t, err)
	vault := keys.NewVault(db, keys.NewKeyring("secret"), d)
	for _, c := range coins {
		_, err = vault.Import(context.Background(), c.Symbol, store.UseWithdraw, hot, "hotkey")
		require.NoError(t, err)
	}

	log := logrus.NewEntry(logging.Discard())
	n := notify.New(config.NotifyConfig{Secret: "s3cret"}, db, nil, log)

	return &env{w: New(db, reg, vault, n, config.ForwardManual, log), chain: fc, db: db}
}

type result struct {
	Body  json.RawMessage `json:"body"`
	Error string          `json:"error"`
}

func call(t *testing.T, srv *httptest.Server, method, path string, body interface{}, token string) (int, result) {
	t.Helper()

	var b []byte
	if body != nil {
		var err error
		b, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, srv.URL+path, bytes.NewReader(b))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var out result
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res.StatusCode, out
}

func TestAPI(t *testing.T) {
	e := setup(t)
	srv := httptest.NewServer(e.w.Router())
	defer srv.Close()
	e.chain.SetBalance(hot, "ETH", dec("1000"))

	code, res := call(t, srv, http.MethodGet, "/", nil, "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `"Hello, this is your custody wallet!"`, string(res.Body))

	code, res = call(t, srv, http.MethodGet, "/coins", nil, "")
	require.Equal(t, http.StatusOK, code)
	var coins []config.CoinConfig
	require.NoError(t, json.Unmarshal(res.Body, &coins))
	require.Len(t, coins, 2)
	assert.Equal(t, "ETH", coins[0].Symbol)

	code, _ = call(t, srv, http.MethodPut, "/coins", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)

	// withdraw intake
	code, res = call(t, srv, http.MethodPost, "/withdraw", WithdrawReq{Coin: "ETH", Items: []withdraw.Item{
		{Recipient: alice, Amount: dec("10"), Trace: "abc123"},
		{Recipient: bob, Amount: dec("20")},
	}}, "")
	require.Equal(t, http.StatusCreated, code, res.Error)
	var wr store.WithdrawRequest
	require.NoError(t, json.Unmarshal(res.Body, &wr))
	assert.Equal(t, store.ApprovalApproved, wr.Approval)
	assert.True(t, dec("30").Equal(wr.TotalAmount))

	code, res = call(t, srv, http.MethodPost, "/withdraw", WithdrawReq{Coin: "USDT", Items: []withdraw.Item{
		{Recipient: alice, Amount: dec("1"), Trace: "abc123"},
	}}, "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, res.Error, withdraw.ErrTraceExists.Error())

	code, _ = call(t, srv, http.MethodPost, "/withdraw", WithdrawReq{Coin: "ETH", Items: []withdraw.Item{{Recipient: "x", Amount: dec("1")}}}, "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = call(t, srv, http.MethodPost, "/withdraw", "not an object", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, res = call(t, srv, http.MethodGet, "/withdraw/"+wr.ID, nil, "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = call(t, srv, http.MethodGet, "/withdraw/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, code)

	// approval: USDT has no ceiling
	code, res = call(t, srv, http.MethodPost, "/withdraw", WithdrawReq{Coin: "USDT", Items: []withdraw.Item{{Recipient: alice, Amount: dec("1")}}}, "")
	require.Equal(t, http.StatusCreated, code)
	var pending store.WithdrawRequest
	require.NoError(t, json.Unmarshal(res.Body, &pending))
	assert.Equal(t, store.ApprovalPending, pending.Approval)

	code, _ = call(t, srv, http.MethodPost, "/withdraw/decision", DecisionReq{IDs: []string{pending.ID}, Approve: true}, "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = call(t, srv, http.MethodPost, "/withdraw/decision", DecisionReq{IDs: []string{pending.ID}, Approve: false}, "")
	assert.Equal(t, http.StatusConflict, code)
	code, _ = call(t, srv, http.MethodPost, "/withdraw/decision", DecisionReq{}, "")
	assert.Equal(t, http.StatusBadRequest, code)

	// direct send and operator actions
	code, res = call(t, srv, http.MethodPost, "/send", SendReq{Coin: "ETH", Recipient: bob, Amount: dec("5"), Trace: "s-1"}, "")
	require.Equal(t, http.StatusAccepted, code, res.Error)
	var sent store.Transaction
	require.NoError(t, json.Unmarshal(res.Body, &sent))
	assert.Equal(t, store.KindSend, sent.Kind)
	assert.Equal(t, store.StatusPending, sent.Status)
	assert.NotEmpty(t, sent.TxHash)

	code, _ = call(t, srv, http.MethodGet, "/tx/"+sent.ID, nil, "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = call(t, srv, http.MethodPost, "/tx/"+sent.ID+"/resend", nil, "")
	assert.Equal(t, http.StatusConflict, code)

	code, _ = call(t, srv, http.MethodPost, "/tx/failed", []string{sent.ID}, "")
	assert.Equal(t, http.StatusOK, code)

	code, res = call(t, srv, http.MethodPost, "/tx/"+sent.ID+"/resend", nil, "")
	require.Equal(t, http.StatusOK, code, res.Error)
	var resend store.Transaction
	require.NoError(t, json.Unmarshal(res.Body, &resend))
	assert.Equal(t, store.StatusPending, resend.Status)
	assert.True(t, resend.ManualResend)

	code, res = call(t, srv, http.MethodPost, "/tx/"+sent.ID+"/complete", map[string]string{"hash": "0xabc"}, "")
	require.Equal(t, http.StatusOK, code, res.Error)
	var landed store.Transaction
	require.NoError(t, json.Unmarshal(res.Body, &landed))
	assert.Equal(t, store.StatusLanded, landed.Status)
	assert.Equal(t, "0xabc", landed.TxHash)

	code, _ = call(t, srv, http.MethodPost, "/tx/failed", []string{sent.ID}, "")
	assert.Equal(t, http.StatusConflict, code)

	code, res = call(t, srv, http.MethodPost, "/notifications/resend", nil, "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"resent":0}`, string(res.Body))

	// addresses and collection
	code, res = call(t, srv, http.MethodPost, "/address", AddressReq{Coin: "ETH", Use: store.UseDeposit}, "")
	require.Equal(t, http.StatusCreated, code, res.Error)
	var a store.Address
	require.NoError(t, json.Unmarshal(res.Body, &a))
	assert.Len(t, a.Address, 42)
	assert.Equal(t, store.UseDeposit, a.Use)

	code, _ = call(t, srv, http.MethodPost, "/address", AddressReq{Coin: "ETH", Use: "savings"}, "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, srv, http.MethodPost, "/collect/ETH", nil, "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestJWT(t *testing.T) {
	e := setup(t)
	e.w.SetJWTSecret("jwt-secret")
	srv := httptest.NewServer(e.w.Router())
	defer srv.Close()

	sign := func(secret string, exp time.Time) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "operator",
			ExpiresAt: jwt.NewNumericDate(exp),
		})
		s, err := tok.SignedString([]byte(secret))
		require.NoError(t, err)
		return s
	}

	// home stays public
	code, _ := call(t, srv, http.MethodGet, "/", nil, "")
	assert.Equal(t, http.StatusOK, code)

	code, res := call(t, srv, http.MethodGet, "/coins", nil, "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, ErrUnauthorized.Error(), res.Error)

	code, _ = call(t, srv, http.MethodGet, "/coins", nil, sign("other", time.Now().Add(time.Hour)))
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = call(t, srv, http.MethodGet, "/coins", nil, sign("jwt-secret", time.Now().Add(-time.Hour)))
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = call(t, srv, http.MethodGet, "/coins", nil, sign("jwt-secret", time.Now().Add(time.Hour)))
	assert.Equal(t, http.StatusOK, code)
}

func TestSend(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.w.Send(ctx, "DOGE", bob, dec("1"), "")
	assert.ErrorIs(t, err, withdraw.ErrUnknownCoin)
	_, err = e.w.Send(ctx, "ETH", bob, dec("0"), "")
	assert.ErrorIs(t, err, withdraw.ErrInvalidAmount)
	_, err = e.w.Send(ctx, "ETH", "bob", dec("1"), "")
	assert.ErrorIs(t, err, withdraw.ErrInvalidAddress)

	tx, err := e.w.Send(ctx, "ETH", bob, dec("1"), "pay-7")
	require.NoError(t, err)
	assert.Equal(t, "hotkey", e.chain.Sent()[0].Key)

	// the pending send holds its trace
	_, err = e.w.Send(ctx, "ETH", bob, dec("1"), "pay-7")
	assert.ErrorIs(t, err, withdraw.ErrTraceExists)
	_, err = e.w.CreateWithdrawRequest(ctx, "ETH", []withdraw.Item{{Recipient: alice, Amount: dec("1"), Trace: "pay-7"}}, true)
	assert.ErrorIs(t, err, withdraw.ErrTraceExists)
	assert.Len(t, e.chain.Sent(), 1)

	// a failed broadcast is recorded and releases the trace
	e.chain.FailSend(errors.New("rpc down"))
	failed, err := e.w.Send(ctx, "ETH", bob, dec("1"), "pay-8")
	assert.Error(t, err)
	assert.Equal(t, store.StatusFailed, failed.Status)
	got, err := e.w.Transaction(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, got.Status)

	e.chain.FailSend(nil)
	_, err = e.w.Send(ctx, "ETH", bob, dec("1"), "pay-8")
	assert.NoError(t, err)

	got, err = e.w.Transaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
}

func TestGenerateAddress(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	a1, err := e.w.GenerateAddress(ctx, "ETH", store.UseDeposit)
	require.NoError(t, err)
	a2, err := e.w.GenerateAddress(ctx, "ETH", store.UseDeposit)
	require.NoError(t, err)
	assert.NotEqual(t, a1.Address, a2.Address)
	assert.Equal(t, a1.Index+1, a2.Index)

	_, err = e.w.GenerateAddress(ctx, "DOGE", store.UseDeposit)
	assert.ErrorIs(t, err, withdraw.ErrUnknownCoin)

	deps, err := e.db.Addresses(ctx, "ETH", store.UseDeposit)
	require.NoError(t, err)
	assert.Len(t, deps, 2)
}

func TestInitStop(t *testing.T) {
	// port already taken
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)

	e := setup(t)
	done := make(chan error, 1)
	go func() { done <- e.w.Init("127.0.0.1", port) }()
	select {
	case err = <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Init did not return on a listen error")
	}
	require.NoError(t, l.Close())

	// serving until stopped
	e = setup(t)
	go func() { done <- e.w.Init("127.0.0.1", port) }()
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:" + port + "/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e.w.Stop(ctx)
	e.w.Stop(ctx)
	select {
	case err = <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Init did not return after Stop")
	}
}
