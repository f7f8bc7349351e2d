package infra

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/focusd/kioskd/internal/domain"
)

const (
	stateKeyName = ".state.key"
	stateKeySize = 32 // raw SQLCipher key
)

var (
	// ErrStateKeyLost means the state database exists but its key file does
	// not. A fresh key could never open it, so none is generated.
	ErrStateKeyLost = errors.New("state database exists without its key")
	// ErrStateKeyMismatch means the stored key does not open the state database.
	ErrStateKeyMismatch = errors.New("state key does not open the state database")
)

// FileKeyProvider keeps the state database key in a 0600 file beside the
// database, hex encoded as SQLCipher takes a raw key.
type FileKeyProvider struct {
	dataDir string
}

// NewFileKeyProvider creates a key provider for the state database in dataDir.
func NewFileKeyProvider(dataDir string) *FileKeyProvider {
	return &FileKeyProvider{dataDir: dataDir}
}

// Path returns the key file path.
func (p *FileKeyProvider) Path() string {
	return filepath.Join(p.dataDir, stateKeyName)
}

func (p *FileKeyProvider) dbPath() string {
	return filepath.Join(p.dataDir, stateDBName)
}

// GetKey reads the stored key. Surrounding whitespace is ignored so a key
// restored by hand still loads.
func (p *FileKeyProvider) GetKey() ([]byte, error) {
	raw, err := os.ReadFile(p.Path())
	if err != nil {
		return nil, fmt.Errorf("read state key: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil || len(key) != stateKeySize {
		return nil, fmt.Errorf("state key %s is not a %d-byte hex key", p.Path(), stateKeySize)
	}
	return key, nil
}

// StoreKey installs key. An existing key is never replaced: it may be the
// only way into a database holding an active lockdown.
func (p *FileKeyProvider) StoreKey(key []byte) error {
	if len(key) != stateKeySize {
		return fmt.Errorf("state key must be %d bytes, got %d", stateKeySize, len(key))
	}
	if err := os.MkdirAll(p.dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	tmp, err := os.CreateTemp(p.dataDir, stateKeyName+"-*")
	if err != nil {
		return fmt.Errorf("create state key: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(hex.EncodeToString(key) + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("write state key: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state key: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write state key: %w", err)
	}
	// Link, unlike rename, fails when a key is already in place.
	if err := os.Link(tmpPath, p.Path()); err != nil {
		return fmt.Errorf("install state key: %w", err)
	}
	return nil
}

// KeyExists reports whether a key file is present.
func (p *FileKeyProvider) KeyExists() bool {
	_, err := os.Stat(p.Path())
	return err == nil
}

// Ensure returns the stored key. A key is generated only while there is no
// state database yet.
func (p *FileKeyProvider) Ensure() ([]byte, error) {
	if p.KeyExists() {
		return p.GetKey()
	}
	if _, err := os.Stat(p.dbPath()); err == nil {
		return nil, fmt.Errorf("%w: %s (expected key at %s)", ErrStateKeyLost, p.dbPath(), p.Path())
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := p.StoreKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateKey creates a random state key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, stateKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate state key: %w", err)
	}
	return key, nil
}

// OpenEncryptedStateStore opens the state database in dataDir with its
// stored key, creating both on first use.
func OpenEncryptedStateStore(dataDir string) (*EncryptedStateStore, error) {
	keys := NewFileKeyProvider(dataDir)
	key, err := keys.Ensure()
	if err != nil {
		return nil, err
	}

	store, err := NewEncryptedStateStore(dataDir, key)
	if err != nil {
		var sqlErr sqlcipher.Error
		if errors.As(err, &sqlErr) && sqlErr.Code == sqlcipher.ErrNotADB {
			return nil, fmt.Errorf("%w: %s: %v", ErrStateKeyMismatch, keys.Path(), err)
		}
		return nil, err
	}
	return store, nil
}

var _ domain.KeyProvider = (*FileKeyProvider)(nil)
