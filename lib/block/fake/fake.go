// Package fake implements an in-memory chain used for local runs and tests. Blocks, receipts and balances are set by
// the caller; sends are recorded and answered with sequential hashes.
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/tarancss/custody/lib/block/types"
	"github.com/tarancss/custody/lib/config"
)

type receipt struct {
	height  uint64
	success bool
	fee     decimal.Decimal
}

// Chain is a scriptable chain. The zero value is not usable; call New.
type Chain struct {
	mu       sync.Mutex
	height   uint64
	blocks   map[uint64][]types.Trans
	receipts map[string]receipt
	balances map[string]decimal.Decimal
	nonces   map[string]uint64
	coins    map[string]config.CoinConfig
	sent     []types.WalletSpec
	seq      int

	sendErr   error
	heightErr error
	statusErr map[string]error
	onBlocks  func(ctx context.Context, from, to uint64) error
	closed    bool
}

// New returns an empty chain handling coins.
func New(coins []config.CoinConfig) *Chain {
	c := &Chain{
		blocks:    make(map[uint64][]types.Trans),
		receipts:  make(map[string]receipt),
		balances:  make(map[string]decimal.Decimal),
		nonces:    make(map[string]uint64),
		coins:     make(map[string]config.CoinConfig, len(coins)),
		statusErr: make(map[string]error),
	}
	for _, coin := range coins {
		c.coins[coin.Symbol] = coin
	}
	return c
}

func key(address, coin string) string { return strings.ToLower(address) + "|" + coin }

// SetHeight moves the chain tip.
func (c *Chain) SetHeight(h uint64) {
	c.mu.Lock()
	c.height = h
	c.mu.Unlock()
}

// FailHeight makes Height return err until called again with nil.
func (c *Chain) FailHeight(err error) {
	c.mu.Lock()
	c.heightErr = err
	c.mu.Unlock()
}

// AddTrans puts t in block t.Block.
func (c *Chain) AddTrans(t types.Trans) {
	c.mu.Lock()
	c.blocks[t.Block] = append(c.blocks[t.Block], t)
	c.mu.Unlock()
}

// OnBlocks installs a hook called by BlockTxns before reading; an error returned by the hook is returned to the caller.
func (c *Chain) OnBlocks(f func(ctx context.Context, from, to uint64) error) {
	c.mu.Lock()
	c.onBlocks = f
	c.mu.Unlock()
}

// Land records a receipt for hash mined at height.
func (c *Chain) Land(hash string, height uint64, success bool, fee decimal.Decimal) {
	c.mu.Lock()
	c.receipts[hash] = receipt{height: height, success: success, fee: fee}
	c.mu.Unlock()
}

// Drop forgets the receipt of hash.
func (c *Chain) Drop(hash string) {
	c.mu.Lock()
	delete(c.receipts, hash)
	c.mu.Unlock()
}

// FailStatus makes TxStatus(hash) return err; nil clears it.
func (c *Chain) FailStatus(hash string, err error) {
	c.mu.Lock()
	if err == nil {
		delete(c.statusErr, hash)
	} else {
		c.statusErr[hash] = err
	}
	c.mu.Unlock()
}

// SetBalance sets the balance of address in coin.
func (c *Chain) SetBalance(address, coin string, amount decimal.Decimal) {
	c.mu.Lock()
	c.balances[key(address, coin)] = amount
	c.mu.Unlock()
}

// FailSend makes every Send return err; nil clears it.
func (c *Chain) FailSend(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// Sent returns a copy of the transfers broadcast so far.
func (c *Chain) Sent() []types.WalletSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.WalletSpec, len(c.sent))
	copy(out, c.sent)
	return out
}

// Closed reports whether Close was called.
func (c *Chain) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Height returns the chain tip.
func (c *Chain) Height(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height, c.heightErr
}

// BlockTxns returns the transfers of blocks [from, to]. Blocks above the tip are not available.
func (c *Chain) BlockTxns(ctx context.Context, from, to uint64) (map[string]types.Trans, error) {
	if to < from {
		return nil, types.ErrBadRange
	}
	c.mu.Lock()
	hook := c.onBlocks
	c.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, from, to); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if to > c.height {
		return nil, types.ErrNoBlock
	}
	out := make(map[string]types.Trans)
	for n := from; n <= to; n++ {
		for _, t := range c.blocks[n] {
			out[t.Hash] = t
		}
	}
	return out, nil
}

// TxStatus returns the receipt status of hash relative to the current tip.
func (c *Chain) TxStatus(ctx context.Context, hash string) (types.TxStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.statusErr[hash]; err != nil {
		return types.TxStatus{}, err
	}
	r, ok := c.receipts[hash]
	if !ok {
		return types.TxStatus{}, nil
	}
	s := types.TxStatus{Found: true, Success: r.success, BlockHeight: r.height, Fee: r.fee}
	if c.height >= r.height {
		s.Confirmations = c.height - r.height + 1
	}
	return s, nil
}

// Balance returns the balance set for address in coin.
func (c *Chain) Balance(ctx context.Context, address, coin string) (decimal.Decimal, error) {
	if _, ok := c.coins[coin]; !ok {
		return decimal.Zero, types.ErrUnknownCoin
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[key(address, coin)], nil
}

// Send records w and debits the sender balance.
func (c *Chain) Send(ctx context.Context, w types.WalletSpec) (types.SendResult, error) {
	if _, ok := c.coins[w.Coin]; !ok {
		return types.SendResult{}, types.ErrUnknownCoin
	}
	if !w.Amount.IsPositive() {
		return types.SendResult{}, types.ErrBadAmount
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return types.SendResult{}, c.sendErr
	}
	c.seq++
	c.sent = append(c.sent, w)
	k := key(w.FromAddress, w.Coin)
	c.balances[k] = c.balances[k].Sub(w.Amount)
	from := strings.ToLower(w.FromAddress)
	nonce := c.nonces[from]
	c.nonces[from] = nonce + 1
	return types.SendResult{TxHash: fmt.Sprintf("0x%064x", c.seq), Nonce: nonce}, nil
}

// IsValidAddress accepts hex addresses.
func (c *Chain) IsValidAddress(address string) bool {
	return common.IsHexAddress(address)
}

// Close marks the chain closed.
func (c *Chain) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
