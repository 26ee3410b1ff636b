// Package keyvault custodies private keys. Key material never leaves the
// vault except through an explicit ExportSecret call.
package keyvault

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/brojonat/ethwallet/service/wallet"
)

// Vault holds secp256k1 keys indexed by address.
type Vault struct {
	mu      sync.RWMutex
	keys    map[common.Address]*ecdsa.PrivateKey
	entropy io.Reader
	logger  *slog.Logger
}

// Option configures a Vault.
type Option func(*Vault)

// WithEntropy replaces crypto/rand as the key generation source.
func WithEntropy(r io.Reader) Option {
	return func(v *Vault) { v.entropy = r }
}

// New creates an empty vault.
func New(logger *slog.Logger, opts ...Option) *Vault {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	v := &Vault{
		keys:    make(map[common.Address]*ecdsa.PrivateKey),
		entropy: rand.Reader,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Generate creates a fresh key from the entropy source.
func (v *Vault) Generate() (wallet.Account, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), v.entropy)
	if err != nil {
		return wallet.Account{}, fmt.Errorf("%w: %v", wallet.ErrEntropy, err)
	}
	return v.add(key), nil
}

// ImportFromSecret loads a hex encoded private key (64 hex chars, 0x prefix optional).
func (v *Vault) ImportFromSecret(secret string) (wallet.Account, error) {
	key, err := ParseSecret(secret)
	if err != nil {
		return wallet.Account{}, err
	}
	return v.add(key), nil
}

// ParseSecret decodes a hex private key without storing it.
func ParseSecret(secret string) (*ecdsa.PrivateKey, error) {
	s := strings.TrimSpace(secret)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 64 {
		return nil, fmt.Errorf("%w: expected 64 hex characters", wallet.ErrInvalidKeyFormat)
	}
	key, err := crypto.HexToECDSA(s)
	if err != nil {
		// the underlying error never echoes key material
		return nil, fmt.Errorf("%w: %v", wallet.ErrInvalidKeyFormat, err)
	}
	return key, nil
}

func (v *Vault) add(key *ecdsa.PrivateKey) wallet.Account {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	v.mu.Lock()
	v.keys[addr] = key
	v.mu.Unlock()
	v.logger.Info("key loaded into vault", "address", addr.Hex())
	return wallet.Account{Address: addr}
}

func (v *Vault) key(addr common.Address) (*ecdsa.PrivateKey, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	key, ok := v.keys[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", wallet.ErrKeyUnavailable, addr.Hex())
	}
	return key, nil
}

// Has reports whether the vault holds a key for addr.
func (v *Vault) Has(addr common.Address) bool {
	_, err := v.key(addr)
	return err == nil
}

// Sign returns a 65 byte recoverable signature over keccak256(payload).
func (v *Vault) Sign(addr common.Address, payload []byte) ([]byte, error) {
	key, err := v.key(addr)
	if err != nil {
		return nil, err
	}
	return crypto.Sign(crypto.Keccak256(payload), key)
}

// SignTx signs tx for chainID with the key of addr.
func (v *Vault) SignTx(addr common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	key, err := v.key(addr)
	if err != nil {
		return nil, err
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}

// ExportSecret returns the 0x prefixed hex private key of addr.
func (v *Vault) ExportSecret(addr common.Address) (string, error) {
	key, err := v.key(addr)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(crypto.FromECDSA(key)), nil
}

// Remove forgets the key of addr. Later signing attempts fail with ErrKeyUnavailable.
func (v *Vault) Remove(addr common.Address) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.keys[addr]; !ok {
		return false
	}
	delete(v.keys, addr)
	v.logger.Info("key removed from vault", "address", addr.Hex())
	return true
}

// Accounts lists held accounts ordered by address.
func (v *Vault) Accounts() []wallet.Account {
	v.mu.RLock()
	defer v.mu.RUnlock()
	accounts := make([]wallet.Account, 0, len(v.keys))
	for addr := range v.keys {
		accounts = append(accounts, wallet.Account{Address: addr})
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Address.Cmp(accounts[j].Address) < 0
	})
	return accounts
}
