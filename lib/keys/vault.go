package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tarancss/custody/lib/store"
)

var ErrNoKey = errors.New("address has no key")

// maxIndexRetries bounds the index races lost to concurrent address generation.
const maxIndexRetries = 5

// Vault stores custodial addresses with sealed keys in the ledger and opens them for signing.
type Vault struct {
	db   store.DB
	ring *Keyring
	d    *Deriver // nil when no seed is configured: addresses can only be imported
}

// NewVault returns a vault. d may be nil.
func NewVault(db store.DB, ring *Keyring, d *Deriver) *Vault {
	return &Vault{db: db, ring: ring, d: d}
}

// Key returns the plain private key of a stored address.
func (v *Vault) Key(ctx context.Context, coin, address string) (string, error) {
	a, err := v.db.Address(ctx, coin, address)
	if err != nil {
		return "", fmt.Errorf("address %s %s: %w", coin, address, err)
	}
	if a.Key == "" {
		return "", fmt.Errorf("address %s %s: %w", coin, address, ErrNoKey)
	}

	return v.ring.Open(a.Key)
}

// Generate derives the next address of coin, seals its key and stores it with the given use.
func (v *Vault) Generate(ctx context.Context, coin string, use store.Use) (store.Address, error) {
	if v.d == nil {
		return store.Address{}, ErrNoSeed
	}

	n, err := v.db.CountAddresses(ctx, coin)
	if err != nil {
		return store.Address{}, err
	}

	for i := 0; i < maxIndexRetries; i++ {
		index := uint32(n + i)

		address, key, err := v.d.Derive(coin, index)
		if err != nil {
			return store.Address{}, err
		}

		a, err := v.store(ctx, coin, use, address, key, index)
		if errors.Is(err, store.ErrDuplicate) {
			continue
		}

		return a, err
	}

	return store.Address{}, fmt.Errorf("generating %s address: %w", coin, store.ErrDuplicate)
}

// Import stores an address whose key was created elsewhere, such as a hot wallet.
func (v *Vault) Import(ctx context.Context, coin string, use store.Use, address, key string) (store.Address, error) {
	return v.store(ctx, coin, use, address, key, 0)
}

func (v *Vault) store(ctx context.Context, coin string, use store.Use, address, key string, index uint32) (store.Address, error) {
	sealed, err := v.ring.Seal(key)
	if err != nil {
		return store.Address{}, err
	}

	a := store.Address{
		Address:   address,
		Coin:      coin,
		Use:       use,
		Index:     index,
		Key:       sealed,
		Unsent:    decimal.Zero,
		CreatedAt: time.Now().UTC(),
	}
	if err = v.db.InsertAddress(ctx, a); err != nil {
		return store.Address{}, err
	}

	return a, nil
}
