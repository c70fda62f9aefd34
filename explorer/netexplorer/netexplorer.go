// Package netexplorer keeps, per chain, the deposit addresses being watched and the hashes of recently recorded
// deposits.
package netexplorer

import (
	"context"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/tarancss/custody/lib/block/types"
	"github.com/tarancss/custody/lib/store"
)

// CacheSize is the number of recorded hashes remembered per chain.
var CacheSize = 4096

// NetExplorer contains the data structures required to scan a chain for deposits.
type NetExplorer struct {
	l      sync.Mutex // l guards every field below
	chain  string
	coins  []string
	Map    map[string]string // "coin|address" -> address use
	seen   *lru.Cache
	loaded time.Time
}

// New returns an empty NetExplorer for the coins of chain.
func New(chain string, coins []string) *NetExplorer {
	return &NetExplorer{
		chain: chain,
		coins: coins,
		Map:   make(map[string]string),
		seen:  lru.New(CacheSize),
	}
}

func key(coin, address string) string { return coin + "|" + address }

// Load replaces the watch set with the deposit addresses of the chain's coins read from db.
func (n *NetExplorer) Load(ctx context.Context, db store.DB) error {
	m := make(map[string]string)

	for _, coin := range n.coins {
		addrs, err := db.Addresses(ctx, coin, store.UseDeposit)
		if err != nil {
			return err
		}
		for _, a := range addrs {
			m[key(coin, a.Address)] = string(a.Use)
		}
	}

	n.l.Lock()
	n.Map = m
	n.loaded = time.Now()
	n.l.Unlock()

	return nil
}

// Loaded returns the time of the last Load, zero if never loaded.
func (n *NetExplorer) Loaded() time.Time {
	n.l.Lock()
	defer n.l.Unlock()
	return n.loaded
}

// Len returns the number of watched addresses.
func (n *NetExplorer) Len() int {
	n.l.Lock()
	defer n.l.Unlock()
	return len(n.Map)
}

// ScanTxs returns the transfers paying a watched address whose hash was not recorded recently.
func (n *NetExplorer) ScanTxs(txs []types.Trans) []types.Trans {
	r := make([]types.Trans, 0, 4)

	n.l.Lock()
	defer n.l.Unlock()

	for _, tx := range txs {
		if tx.Coin == "" {
			continue
		}
		if _, ok := n.Map[key(tx.Coin, tx.To)]; !ok {
			continue
		}
		if _, ok := n.seen.Get(tx.Hash); ok {
			continue
		}
		r = append(r, tx)
	}

	return r
}

// Remember marks hash as recorded.
func (n *NetExplorer) Remember(hash string) {
	n.l.Lock()
	defer n.l.Unlock()
	n.seen.Add(hash, struct{}{})
}

// Seen reports whether hash was recorded recently.
func (n *NetExplorer) Seen(hash string) bool {
	n.l.Lock()
	defer n.l.Unlock()
	_, ok := n.seen.Get(hash)
	return ok
}
