// Package keys derives deposit and hot addresses from the HD seed and seals their private keys for storage.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"github.com/tarancss/hd"
	"golang.org/x/crypto/nacl/secretbox"
)

// Error codes.
var (
	ErrNoSeed  = errors.New("HD seed not configured")
	ErrSealed  = errors.New("sealed key cannot be opened")
	ErrBadSeal = errors.New("sealed key is malformed")
)

// Deriver derives addresses from an HD wallet.
type Deriver struct {
	mu sync.Mutex
	w  *hd.HdWallet
}

// NewDeriver returns a Deriver for the hex encoded seed.
func NewDeriver(seedHex string) (*Deriver, error) {
	if seedHex == "" {
		return nil, ErrNoSeed
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	w, err := hd.Init(seed)
	if err != nil {
		return nil, err
	}
	return &Deriver{w: w}, nil
}

// Account maps a coin symbol to its HD account index.
func Account(coin string) uint32 {
	return crc32.ChecksumIEEE([]byte(coin)) & 0x7fffffff
}

// Derive returns the hex address and hex private key of the external chain at index id of the coin's account.
func (d *Deriver) Derive(coin string, id uint32) (address, key string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	addr, k, _, err := d.w.Address(Account(coin), hd.External, id)
	if err != nil {
		return "", "", err
	}
	return "0x" + hex.EncodeToString(addr), hex.EncodeToString(k), nil
}

// Keyring seals private keys with a symmetric key derived from the configured secret.
type Keyring struct {
	key [32]byte
}

// NewKeyring returns a keyring for secret.
func NewKeyring(secret string) *Keyring {
	return &Keyring{key: sha256.Sum256([]byte(secret))}
}

// Seal encrypts plain and returns nonce||box hex encoded.
func (k *Keyring) Seal(plain string) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	out := secretbox.Seal(nonce[:], []byte(plain), &nonce, &k.key)
	return hex.EncodeToString(out), nil
}

// Open reverses Seal.
func (k *Keyring) Open(sealed string) (string, error) {
	b, err := hex.DecodeString(sealed)
	if err != nil || len(b) < 24+secretbox.Overhead {
		return "", ErrBadSeal
	}
	var nonce [24]byte
	copy(nonce[:], b[:24])
	plain, ok := secretbox.Open(nil, b[24:], &nonce, &k.key)
	if !ok {
		return "", ErrSealed
	}
	return string(plain), nil
}
