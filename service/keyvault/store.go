package keyvault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/brojonat/ethwallet/service/wallet"
)

// SecretStore persists a single opaque secret.
type SecretStore interface {
	Save(ctx context.Context, secret string) error
	// Load returns ok=false when nothing is stored.
	Load(ctx context.Context) (secret string, ok bool, err error)
	Delete(ctx context.Context) error
}

// KeystoreFile stores the secret as an Ethereum v3 keystore file encrypted with a passphrase.
type KeystoreFile struct {
	Path       string
	Passphrase string
	ScryptN    int
	ScryptP    int
}

// NewKeystoreFile uses the standard scrypt parameters.
func NewKeystoreFile(path, passphrase string) *KeystoreFile {
	return &KeystoreFile{
		Path:       path,
		Passphrase: passphrase,
		ScryptN:    keystore.StandardScryptN,
		ScryptP:    keystore.StandardScryptP,
	}
}

// Save encrypts secret and writes it atomically. The parent directory is
// created with 0700 permissions and the file with 0600.
func (k *KeystoreFile) Save(ctx context.Context, secret string) error {
	if k.Path == "" {
		return errors.New("keyvault: empty keystore path")
	}
	key, err := ParseSecret(secret)
	if err != nil {
		return err
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("%w: %v", wallet.ErrEntropy, err)
	}
	keyJSON, err := keystore.EncryptKey(&keystore.Key{
		Id:         id,
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key,
	}, k.Passphrase, k.ScryptN, k.ScryptP)
	if err != nil {
		return fmt.Errorf("encrypt keystore: %w", err)
	}

	dir := filepath.Dir(k.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".keystore-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(keyJSON); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), k.Path)
}

// Load decrypts the keystore file.
func (k *KeystoreFile) Load(ctx context.Context) (string, bool, error) {
	keyJSON, err := os.ReadFile(k.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	key, err := keystore.DecryptKey(keyJSON, k.Passphrase)
	if err != nil {
		return "", false, fmt.Errorf("%w: decrypt keystore: %v", wallet.ErrKeyUnavailable, err)
	}
	return hexutil.Encode(crypto.FromECDSA(key.PrivateKey)), true, nil
}

// Delete removes the keystore file. Deleting a missing file is not an error.
func (k *KeystoreFile) Delete(ctx context.Context) error {
	if err := os.Remove(k.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// MemorySecretStore keeps the secret in memory. Used by tests and ephemeral wallets.
type MemorySecretStore struct {
	mu     sync.Mutex
	secret string
	ok     bool
}

func (m *MemorySecretStore) Save(ctx context.Context, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secret, m.ok = secret, true
	return nil
}

func (m *MemorySecretStore) Load(ctx context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.secret, m.ok, nil
}

func (m *MemorySecretStore) Delete(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secret, m.ok = "", false
	return nil
}

// Persist writes the key of addr to store.
func (v *Vault) Persist(ctx context.Context, store SecretStore, addr common.Address) error {
	secret, err := v.ExportSecret(addr)
	if err != nil {
		return err
	}
	if err := store.Save(ctx, secret); err != nil {
		return fmt.Errorf("persist key: %w", err)
	}
	return nil
}

// Restore imports the key held by store, if any.
func (v *Vault) Restore(ctx context.Context, store SecretStore) (wallet.Account, bool, error) {
	secret, ok, err := store.Load(ctx)
	if err != nil || !ok {
		return wallet.Account{}, false, err
	}
	account, err := v.ImportFromSecret(secret)
	if err != nil {
		return wallet.Account{}, false, err
	}
	return account, true, nil
}

// Clear removes the key of addr from the vault and from store.
func (v *Vault) Clear(ctx context.Context, store SecretStore, addr common.Address) error {
	v.Remove(addr)
	if store == nil {
		return nil
	}
	return store.Delete(ctx)
}
