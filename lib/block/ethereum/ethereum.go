// Package ethereum implements the block adapter for ethereum networks. Blocks and transfers go through ethcli, receipts,
// heights and nonces through the go-ethereum client.
package ethereum

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	goeth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/tarancss/ethcli"

	"github.com/tarancss/custody/lib/block/types"
	"github.com/tarancss/custody/lib/config"
)

// Ethereum implements a connection to an ethereum-type chain.
type Ethereum struct {
	c      *ethcli.EthCli
	rpc    *ethclient.Client
	name   string
	dryRun bool
	native config.CoinConfig            // coin without token contract, if configured
	coins  map[string]config.CoinConfig // by symbol
	tokens map[string]string            // lowercase contract address -> symbol
}

// Ethereum ERC20 token methodID (keccak-256 of the function name and arguments)
const (
	ERC20transfer256     = "a9059cbb" // transfer(address,uint256)
	ERC20transferFrom256 = "23b872dd" // transferFrom(address,address,uint256)
	ERC20transfer        = "6cb927d8" // transfer(address,uint)
	ERC20transferFrom    = "a978501e" // transferFrom(address,address,uint)
)

const etherDecimals = 18

// Init returns a connection to an ethereum node, using secret if necessary for authentication, handling the given
// coins.
func Init(ch config.ChainConfig, coins []config.CoinConfig) (*Ethereum, error) {
	e := newEthereum(ch, coins)

	if e.c = ethcli.Init(ch.Node, ch.Secret); e.c == nil {
		return nil, errors.New("Cannot connect to ethereum blockchain in " + ch.Node)
	}
	rpc, err := ethclient.Dial(ch.Node)
	if err != nil {
		e.c.End()
		return nil, fmt.Errorf("dial %s: %w", ch.Node, err)
	}
	e.rpc = rpc

	return e, nil
}

// newEthereum builds the coin tables without connecting.
func newEthereum(ch config.ChainConfig, coins []config.CoinConfig) *Ethereum {
	e := &Ethereum{
		name:   ch.Name,
		dryRun: ch.DryRun,
		coins:  make(map[string]config.CoinConfig, len(coins)),
		tokens: make(map[string]string, len(coins)),
		native: config.CoinConfig{Decimals: etherDecimals},
	}
	for _, c := range coins {
		e.coins[c.Symbol] = c
		if c.Token == "" {
			e.native = c
		} else {
			e.tokens[strings.ToLower(c.Token)] = c.Symbol
		}
	}
	return e
}

// Close ends a connection
func (e *Ethereum) Close() {
	if e.c != nil {
		e.c.End()
	}
	if e.rpc != nil {
		e.rpc.Close()
	}
}

// Height returns the number of the latest block.
func (e *Ethereum) Height(ctx context.Context) (uint64, error) {
	return e.rpc.BlockNumber(ctx)
}

// BlockTxns fetches blocks from..to (both included) and returns the transfers they contain keyed by hash.
func (e *Ethereum) BlockTxns(ctx context.Context, from, to uint64) (map[string]types.Trans, error) {
	if to < from {
		return nil, types.ErrBadRange
	}
	out := make(map[string]types.Trans)
	for n := from; n <= to; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var blk map[string]interface{}
		if err := e.c.GetBlockByNumber(n, true, &blk); err != nil {
			if errors.Is(err, ethcli.ErrNoBlock) {
				return nil, types.ErrNoBlock
			}
			return nil, fmt.Errorf("block %d: %w", n, err)
		}
		txs, err := e.DecodeTxs(blk)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", n, err)
		}
		for _, t := range txs {
			out[t.Hash] = t
		}
	}
	return out, nil
}

// DecodeTxs returns the transfers of a full block as returned by eth_getBlockByNumber. Ether transfers and ERC20
// transfer/transferFrom calls are decoded; other contract calls are reported as ether transfers of their value.
func (e *Ethereum) DecodeTxs(m map[string]interface{}) (txs []types.Trans, err error) {
	txList, ok := m["transactions"].([]interface{})
	if !ok {
		return nil, types.ErrNoTrx
	}

	for _, item := range txList {
		txObj, ok := item.(map[string]interface{})
		if !ok {
			// hashes only, block was not requested in full
			continue
		}
		var t types.Trans
		var tmp, value string

		if tmp, ok = txObj["blockNumber"].(string); !ok {
			return nil, types.ErrNoBlockNumber
		}
		if t.Block, err = strconv.ParseUint(tmp, 0, 64); err != nil {
			return nil, types.ErrNoBlockNumber
		}
		if t.Hash, ok = txObj["hash"].(string); !ok {
			return nil, types.ErrNoTrxHash
		}
		if t.To, ok = txObj["to"].(string); !ok {
			continue // contract creation
		}
		if t.From, ok = txObj["from"].(string); !ok {
			return nil, types.ErrNoTrxFrom
		}
		if tmp, ok = txObj["input"].(string); !ok {
			return nil, types.ErrNoTrxInput
		}

		method := ""
		if len(tmp) >= 10 {
			method = tmp[2:10]
		}
		switch method {
		case ERC20transfer, ERC20transfer256:
			if len(tmp) < 138 {
				return nil, types.ErrTrxWrongLen
			}
			t.Token = t.To
			// To comes in "input" after 24 padded 0s
			t.To = "0x" + tmp[10+24:74]
			value = "0x" + tmp[74:138]
		case ERC20transferFrom, ERC20transferFrom256:
			if len(tmp) < 202 {
				return nil, types.ErrTrxWrongLen
			}
			t.Token = t.To
			t.From = "0x" + tmp[10+24:74]
			t.To = "0x" + tmp[74+24:138]
			value = "0x" + tmp[138:202]
		default:
			if value, ok = txObj["value"].(string); !ok {
				return nil, types.ErrNoTrxValue
			}
		}

		t.From = strings.ToLower(t.From)
		t.To = strings.ToLower(t.To)
		t.Token = strings.ToLower(t.Token)

		var dec int32
		t.Coin, dec = e.coinOf(t.Token)
		if t.Value, err = fromBase(value, dec); err != nil {
			return nil, fmt.Errorf("tx %s: %w", t.Hash, err)
		}
		txs = append(txs, t)
	}
	return txs, nil
}

// coinOf resolves a token contract (empty for ether) to a configured symbol and its decimals.
func (e *Ethereum) coinOf(token string) (string, int32) {
	if token == "" {
		return e.native.Symbol, e.native.Decimals
	}
	if sym, ok := e.tokens[token]; ok {
		return sym, e.coins[sym].Decimals
	}
	return "", etherDecimals
}

// fromBase converts a hex amount in base units into whole units.
func fromBase(h string, decimals int32) (decimal.Decimal, error) {
	v, ok := new(big.Int).SetString(strings.TrimPrefix(h, "0x"), 16)
	if !ok {
		if h == "0x" || h == "0x0" {
			return decimal.Zero, nil
		}
		return decimal.Zero, types.ErrNoTrxValue
	}
	return decimal.NewFromBigInt(v, -decimals), nil
}

// toBase converts whole units into a hex amount in base units.
func toBase(d decimal.Decimal, decimals int32) string {
	return "0x" + d.Shift(decimals).BigInt().Text(16)
}

// TxStatus returns the receipt derived status of a transaction.
func (e *Ethereum) TxStatus(ctx context.Context, hash string) (s types.TxStatus, err error) {
	r, err := e.rpc.TransactionReceipt(ctx, common.HexToHash(hash))
	if errors.Is(err, goeth.NotFound) {
		return s, nil
	}
	if err != nil {
		return s, err
	}
	height, err := e.rpc.BlockNumber(ctx)
	if err != nil {
		return s, err
	}

	s.Found = true
	s.Success = r.Status == gethtypes.ReceiptStatusSuccessful
	if r.BlockNumber != nil {
		s.BlockHeight = r.BlockNumber.Uint64()
		if height >= s.BlockHeight {
			s.Confirmations = height - s.BlockHeight + 1
		}
	}
	tx, _, err := e.rpc.TransactionByHash(ctx, common.HexToHash(hash))
	if err != nil {
		return s, fmt.Errorf("fee: %w", err)
	}
	fee := new(big.Int).SetUint64(r.GasUsed)
	fee.Mul(fee, tx.GasPrice())
	s.Fee = decimal.NewFromBigInt(fee, -e.native.Decimals)
	return s, nil
}

// Balance returns the balance of address in the given coin.
func (e *Ethereum) Balance(ctx context.Context, address, coin string) (decimal.Decimal, error) {
	c, ok := e.coins[coin]
	if !ok {
		return decimal.Zero, types.ErrUnknownCoin
	}
	ethBal, tokBal, err := e.c.GetBalance(address, c.Token)
	if err != nil {
		return decimal.Zero, err
	}
	if c.Token != "" {
		return decimal.NewFromBigInt(tokBal, -c.Decimals), nil
	}
	return decimal.NewFromBigInt(ethBal, -c.Decimals), nil
}

// Send signs and broadcasts a transfer. The nonce reported is the pending nonce of the sender when the transaction was
// built.
func (e *Ethereum) Send(ctx context.Context, w types.WalletSpec) (res types.SendResult, err error) {
	c, ok := e.coins[w.Coin]
	if !ok {
		return res, types.ErrUnknownCoin
	}
	if !w.Amount.IsPositive() {
		return res, types.ErrBadAmount
	}
	if res.Nonce, err = e.rpc.PendingNonceAt(ctx, common.HexToAddress(w.FromAddress)); err != nil {
		return res, fmt.Errorf("nonce: %w", err)
	}

	price, gas, hash, err := e.c.SendTrx(w.FromAddress, w.ToAddress, c.Token, toBase(w.Amount, c.Decimals), nil,
		w.Key, 0, e.dryRun)
	if err != nil {
		return res, err
	}
	res.TxHash = "0x" + hex.EncodeToString(hash)
	log.WithFields(log.Fields{"chain": e.name, "coin": w.Coin, "hash": res.TxHash}).
		Debugf("sent %s, price %d gas %d", w.Amount, price, gas)
	return res, nil
}

// IsValidAddress reports whether address is a hex encoded ethereum address.
func (e *Ethereum) IsValidAddress(address string) bool {
	return common.IsHexAddress(address)
}
