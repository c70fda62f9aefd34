package block

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/tarancss/custody/lib/block/types"
	"github.com/tarancss/custody/lib/metrics"
)

// limited wraps an Adapter so every node call first takes a token from a shared bucket.
type limited struct {
	Adapter
	chain   string
	limiter *rate.Limiter
}

// Limited returns an adapter allowing at most rps node calls per second with the given burst.
func Limited(a Adapter, chain string, rps float64, burst int) Adapter {
	if burst < 1 {
		burst = 1
	}
	return &limited{Adapter: a, chain: chain, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// wait blocks until the limiter allows one call, or ctx is done.
func (l *limited) wait(ctx context.Context) error {
	r := l.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	if delay := r.Delay(); delay > 0 {
		metrics.RPCRateLimitWaits.WithLabelValues(l.chain).Inc()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			r.Cancel()
			return ctx.Err()
		}
	}
	return nil
}

func (l *limited) Height(ctx context.Context) (uint64, error) {
	if err := l.wait(ctx); err != nil {
		return 0, err
	}
	return l.Adapter.Height(ctx)
}

func (l *limited) BlockTxns(ctx context.Context, from, to uint64) (map[string]types.Trans, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.Adapter.BlockTxns(ctx, from, to)
}

func (l *limited) TxStatus(ctx context.Context, hash string) (types.TxStatus, error) {
	if err := l.wait(ctx); err != nil {
		return types.TxStatus{}, err
	}
	return l.Adapter.TxStatus(ctx, hash)
}

func (l *limited) Balance(ctx context.Context, address, coin string) (decimal.Decimal, error) {
	if err := l.wait(ctx); err != nil {
		return decimal.Zero, err
	}
	return l.Adapter.Balance(ctx, address, coin)
}

func (l *limited) Send(ctx context.Context, w types.WalletSpec) (types.SendResult, error) {
	if err := l.wait(ctx); err != nil {
		return types.SendResult{}, err
	}
	return l.Adapter.Send(ctx, w)
}
