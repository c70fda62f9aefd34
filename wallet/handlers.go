package wallet

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/tarancss/custody/collect"
	"github.com/tarancss/custody/confirm"
	"github.com/tarancss/custody/lib/keys"
	"github.com/tarancss/custody/lib/store"
	"github.com/tarancss/custody/withdraw"
)

// Errors returned to client requests.
var (
	ErrBadRequest   = errors.New("bad request")
	ErrBadUse       = errors.New("address use must be deposit, withdraw, transfer or send")
	ErrUnauthorized = errors.New("a valid bearer token is required")
)

// Response defines the data structure returned to the client making the http request.
type Response struct {
	Body  interface{} `json:"body,omitempty"`
	Error string      `json:"error,omitempty"`
}

// WithdrawReq is the body of a withdraw request.
type WithdrawReq struct {
	Coin         string          `json:"coin"`
	Items        []withdraw.Item `json:"lineItems"`
	SelfApproved bool            `json:"selfApproved"`
}

// DecisionReq approves or rejects withdraw requests.
type DecisionReq struct {
	IDs     []string `json:"ids"`
	Approve bool     `json:"approve"`
}

// SendReq is the body of a direct send.
type SendReq struct {
	Coin      string          `json:"coin"`
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
	Trace     string          `json:"trace,omitempty"`
}

// AddressReq asks for a new address.
type AddressReq struct {
	Coin string    `json:"coin"`
	Use  store.Use `json:"use"`
}

// status maps an error to the http status replied.
func status(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, withdraw.ErrTraceExists), errors.Is(err, withdraw.ErrNotPending),
		errors.Is(err, confirm.ErrLanded), errors.Is(err, confirm.ErrNotFailed), errors.Is(err, confirm.ErrConflict),
		errors.Is(err, confirm.ErrTrace), errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrBadUse),
		errors.Is(err, withdraw.ErrUnknownCoin), errors.Is(err, withdraw.ErrNoItems),
		errors.Is(err, withdraw.ErrInvalidAmount), errors.Is(err, withdraw.ErrInvalidAddress),
		errors.Is(err, confirm.ErrDeposit), errors.Is(err, confirm.ErrNoHash),
		errors.Is(err, collect.ErrUnknownCoin), errors.Is(err, collect.ErrNoCold), errors.Is(err, keys.ErrNoSeed):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func reply(rw http.ResponseWriter, code int, body interface{}, err error) {
	var res Response
	if err != nil {
		res.Error = err.Error()
	} else {
		res.Body = body
	}
	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(&res)
}

// done replies body with ok, or the error with its mapped status.
func done(rw http.ResponseWriter, ok int, body interface{}, err error) {
	if err != nil {
		reply(rw, status(err), nil, err)
		return
	}
	reply(rw, ok, body, nil)
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return ErrBadRequest
	}
	return nil
}

// homeHandler just replies a welcome message to the client.
func (w *Wallet) homeHandler(rw http.ResponseWriter, r *http.Request) {
	reply(rw, http.StatusOK, "Hello, this is your custody wallet!", nil)
}

func (w *Wallet) coinsHandler(rw http.ResponseWriter, r *http.Request) {
	reply(rw, http.StatusOK, w.Coins(), nil)
}

func (w *Wallet) addressHandler(rw http.ResponseWriter, r *http.Request) {
	var req AddressReq
	if err := decode(r, &req); err != nil {
		done(rw, 0, nil, err)
		return
	}
	a, err := w.GenerateAddress(r.Context(), req.Coin, req.Use)
	done(rw, http.StatusCreated, a, err)
}

func (w *Wallet) createWithdrawHandler(rw http.ResponseWriter, r *http.Request) {
	var req WithdrawReq
	if err := decode(r, &req); err != nil {
		done(rw, 0, nil, err)
		return
	}
	wr, err := w.CreateWithdrawRequest(r.Context(), req.Coin, req.Items, req.SelfApproved)
	done(rw, http.StatusCreated, wr, err)
}

func (w *Wallet) decideHandler(rw http.ResponseWriter, r *http.Request) {
	var req DecisionReq
	if err := decode(r, &req); err != nil || len(req.IDs) == 0 {
		done(rw, 0, nil, ErrBadRequest)
		return
	}
	done(rw, http.StatusOK, req.IDs, w.ApproveOrReject(r.Context(), req.IDs, req.Approve))
}

func (w *Wallet) withdrawHandler(rw http.ResponseWriter, r *http.Request) {
	wr, err := w.WithdrawRequest(r.Context(), mux.Vars(r)["id"])
	done(rw, http.StatusOK, wr, err)
}

func (w *Wallet) sendHandler(rw http.ResponseWriter, r *http.Request) {
	var req SendReq
	if err := decode(r, &req); err != nil {
		done(rw, 0, nil, err)
		return
	}
	t, err := w.Send(r.Context(), req.Coin, req.Recipient, req.Amount, req.Trace)
	done(rw, http.StatusAccepted, t, err)
}

func (w *Wallet) failHandler(rw http.ResponseWriter, r *http.Request) {
	var ids []string
	if err := decode(r, &ids); err != nil || len(ids) == 0 {
		done(rw, 0, nil, ErrBadRequest)
		return
	}
	done(rw, http.StatusOK, ids, w.MarkTransactionFailed(r.Context(), ids))
}

func (w *Wallet) txHandler(rw http.ResponseWriter, r *http.Request) {
	t, err := w.Transaction(r.Context(), mux.Vars(r)["id"])
	done(rw, http.StatusOK, t, err)
}

func (w *Wallet) completeHandler(rw http.ResponseWriter, r *http.Request) {
	var req struct {
		Hash string `json:"hash"`
	}
	if err := decode(r, &req); err != nil {
		done(rw, 0, nil, err)
		return
	}
	t, err := w.ForceCompleteTransaction(r.Context(), mux.Vars(r)["id"], req.Hash)
	done(rw, http.StatusOK, t, err)
}

func (w *Wallet) resendHandler(rw http.ResponseWriter, r *http.Request) {
	t, err := w.RequestResend(r.Context(), mux.Vars(r)["id"])
	done(rw, http.StatusOK, t, err)
}

func (w *Wallet) resendNotificationsHandler(rw http.ResponseWriter, r *http.Request) {
	n, err := w.ResendFailedNotifications(r.Context())
	done(rw, http.StatusOK, map[string]int{"resent": n}, err)
}

func (w *Wallet) collectHandler(rw http.ResponseWriter, r *http.Request) {
	txs, err := w.Collect(r.Context(), mux.Vars(r)["coin"])
	if txs == nil {
		txs = []store.Transaction{}
	}
	done(rw, http.StatusAccepted, txs, err)
}
