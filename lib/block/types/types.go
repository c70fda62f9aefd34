// Package types common blockchain types.
package types

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Trans contains a simplified number of transaction fields as seen in a block. For the time being, we keep just one
// transfer from `From` to `To` but there are blockchains that have multiple transfers in one transaction. Coin is the
// configured symbol of the asset moved, empty when the asset is not one the service handles. Value is expressed in
// whole coin units.
type Trans struct {
	Block uint64          `json:"block"`
	Hash  string          `json:"hash"`
	From  string          `json:"from"`
	To    string          `json:"to"`
	Coin  string          `json:"coin,omitempty"`
	Token string          `json:"token,omitempty"`
	Value decimal.Decimal `json:"value"`
}

// TxStatus is the on-chain view of a broadcast transaction. Found is false while no receipt is available.
type TxStatus struct {
	Found         bool            `json:"found"`
	Confirmations uint64          `json:"confirmations"`
	Success       bool            `json:"success"`
	BlockHeight   uint64          `json:"blockHeight"`
	Fee           decimal.Decimal `json:"fee"`
}

// WalletSpec describes a transfer to be signed and broadcast. Key is the plain private key of FromAddress, hex encoded.
type WalletSpec struct {
	FromAddress string          `json:"from"`
	ToAddress   string          `json:"to"`
	Key         string          `json:"-"`
	Amount      decimal.Decimal `json:"amount"`
	Coin        string          `json:"coin"`
	Trace       string          `json:"trace,omitempty"`
}

// SendResult is returned by a successful broadcast. Nonce is meaningful only on chains with per-sender sequencing.
type SendResult struct {
	TxHash string `json:"hash"`
	Nonce  uint64 `json:"nonce"`
}

// Error codes.
var (
	ErrBlockDecode   = errors.New("unable to decode block data")
	ErrNoBlockNumber = errors.New("block data does not contain a block number")
	ErrNoBlock       = errors.New("block not available yet")
	ErrNoTrx         = errors.New("transaction not found")
	ErrNoTrxHash     = errors.New("malformed tx data in block, field 'hash' missing")
	ErrNoTrxInput    = errors.New("malformed tx data in block, field 'input' missing")
	ErrNoTrxValue    = errors.New("malformed tx data in block, field 'value' missing")
	ErrNoTrxFrom     = errors.New("malformed tx data in block, field 'from' missing")
	ErrTrxWrongLen   = errors.New("malformed tx data in block, field 'input' has wrong length for ERC20.Transfer")
	ErrBadRange      = errors.New("block range is empty or inverted")
	ErrUnknownCoin   = errors.New("coin not handled by this chain")
	ErrBadAmount     = errors.New("amount must be positive")
)
