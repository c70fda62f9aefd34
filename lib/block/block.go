// Package block defines the interface required for all blockchain or network connections and the registry resolving
// each configured coin to the adapter of its chain.
package block

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tarancss/custody/lib/block/ethereum"
	"github.com/tarancss/custody/lib/block/fake"
	"github.com/tarancss/custody/lib/block/types"
	"github.com/tarancss/custody/lib/config"
)

//go:generate mockgen -source=block.go -destination=mocks/mock_adapter.go -package=mocks Adapter

// Adapter is the set of primitives the engine needs from a chain. Amounts are whole coin units; the adapter converts
// to and from the chain's base units using the coin decimals it was configured with.
type Adapter interface {
	Height(ctx context.Context) (uint64, error)
	// BlockTxns returns the transfers found in blocks [from, to], keyed by transaction hash.
	BlockTxns(ctx context.Context, from, to uint64) (map[string]types.Trans, error)
	TxStatus(ctx context.Context, hash string) (types.TxStatus, error)
	Balance(ctx context.Context, address, coin string) (decimal.Decimal, error)
	Send(ctx context.Context, w types.WalletSpec) (types.SendResult, error)
	IsValidAddress(address string) bool
	Close()
}

// Chain types understood by Init.
const (
	TypeEthereum = "ethereum"
	TypeFake     = "fake"
)

// Coin is a configured coin bound to the adapter of its chain.
type Coin struct {
	config.CoinConfig
	Adapter Adapter
}

// Registry resolves coins and chains to adapters. It is built once at startup and read-only afterwards.
type Registry struct {
	chains   map[string]Adapter
	chainCfg map[string]config.ChainConfig
	coins    map[string]Coin
}

// NewRegistry binds the given adapters (keyed by chain name) to the configured chains and coins.
func NewRegistry(chains []config.ChainConfig, coins []config.CoinConfig, adapters map[string]Adapter) (*Registry, error) {
	r := &Registry{
		chains:   make(map[string]Adapter, len(adapters)),
		chainCfg: make(map[string]config.ChainConfig, len(chains)),
		coins:    make(map[string]Coin, len(coins)),
	}

	for _, ch := range chains {
		a, ok := adapters[ch.Name]
		if !ok {
			return nil, fmt.Errorf("no adapter for chain %s", ch.Name)
		}
		r.chains[ch.Name] = a
		r.chainCfg[ch.Name] = ch
	}

	for _, c := range coins {
		a, ok := r.chains[c.Chain]
		if !ok {
			return nil, fmt.Errorf("coin %s: %w", c.Symbol, config.ErrNoChain)
		}
		r.coins[c.Symbol] = Coin{CoinConfig: c, Adapter: a}
	}

	return r, nil
}

// Init connects to all the chains read from the config and returns the registry. Pool-mode chains with an rps limit
// are wrapped in a rate limiter.
func Init(conf config.ServiceConfig, log *logrus.Logger) (*Registry, error) {
	adapters := make(map[string]Adapter, len(conf.Chains))

	for _, ch := range conf.Chains {
		var a Adapter
		var err error

		switch ch.Type {
		case TypeEthereum:
			if a, err = ethereum.Init(ch, conf.CoinsOf(ch.Name)); err != nil {
				End(adapters)
				return nil, fmt.Errorf("chain %s: %w", ch.Name, err)
			}
		case TypeFake:
			a = fake.New(conf.CoinsOf(ch.Name))
		default:
			log.WithField("chain", ch.Name).Warnf("Blockchain interface not defined for type %q. Ignoring...", ch.Type)
			continue
		}

		if ch.Mode == config.ModePool && ch.Pool.RPS > 0 {
			a = Limited(a, ch.Name, ch.Pool.RPS, ch.Pool.Burst)
		}
		adapters[ch.Name] = a
	}

	// drop chains without adapter so NewRegistry does not fail on ignored types
	chains := make([]config.ChainConfig, 0, len(conf.Chains))
	for _, ch := range conf.Chains {
		if _, ok := adapters[ch.Name]; ok {
			chains = append(chains, ch)
		}
	}
	coins := make([]config.CoinConfig, 0, len(conf.Coins))
	for _, c := range conf.Coins {
		if _, ok := adapters[c.Chain]; ok {
			coins = append(coins, c)
		}
	}

	return NewRegistry(chains, coins, adapters)
}

// End closes gracefully all the blockchain clients opened.
func End(adapters map[string]Adapter) {
	for _, a := range adapters {
		a.Close()
	}
}

// Close closes all the adapters of the registry.
func (r *Registry) Close() {
	End(r.chains)
}

// Coin returns the named coin.
func (r *Registry) Coin(symbol string) (Coin, bool) {
	c, ok := r.coins[symbol]
	return c, ok
}

// Coins returns all coins ordered by symbol.
func (r *Registry) Coins() []Coin {
	out := make([]Coin, 0, len(r.coins))
	for _, c := range r.coins {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// CoinsOf returns the coins of a chain ordered by symbol.
func (r *Registry) CoinsOf(chain string) []Coin {
	var out []Coin
	for _, c := range r.Coins() {
		if c.Chain == chain {
			out = append(out, c)
		}
	}
	return out
}

// Chain returns the adapter and configuration of a chain.
func (r *Registry) Chain(name string) (Adapter, config.ChainConfig, bool) {
	a, ok := r.chains[name]
	return a, r.chainCfg[name], ok
}

// Chains returns the configuration of every connected chain ordered by name.
func (r *Registry) Chains() []config.ChainConfig {
	out := make([]config.ChainConfig, 0, len(r.chainCfg))
	for _, ch := range r.chainCfg {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
