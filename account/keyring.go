// keyring.go stores saved login credentials on local disk.
// Passwords are sealed with a per-installation secret key; account ids are
// listed in accounts.json so the UI can offer them at startup.
package account

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

var ErrNoSavedCredentials = errors.New("no saved credentials")

// Keyring manages saved account ids and their sealed passwords.
type Keyring struct {
	basePath string // e.g. ~/.config/iloader/accounts
	key      [keySize]byte

	mu sync.Mutex // serializes accounts.json read-modify-write
}

// NewKeyring opens the keyring under basePath, creating the secret key on
// first use.
func NewKeyring(basePath string) (*Keyring, error) {
	kr := &Keyring{basePath: basePath}
	if err := kr.loadOrGenerateKey(); err != nil {
		return nil, err
	}
	return kr, nil
}

// SavePassword seals and stores the password for id.
func (kr *Keyring) SavePassword(id, password string) error {
	dir, err := kr.accountDir(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}
	sealed := secretbox.Seal(nonce[:], []byte(password), &nonce, &kr.key)
	encoded := base64.StdEncoding.EncodeToString(sealed)
	if err := os.WriteFile(filepath.Join(dir, "password"), []byte(encoded), 0600); err != nil {
		return err
	}
	return kr.addID(id)
}

// LoadPassword returns the stored password for id.
func (kr *Keyring) LoadPassword(id string) (string, error) {
	dir, err := kr.accountDir(id)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(dir, "password"))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w for %s", ErrNoSavedCredentials, id)
	}
	if err != nil {
		return "", err
	}

	sealed, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return "", fmt.Errorf("invalid stored password: %w", err)
	}
	if len(sealed) < nonceSize+secretbox.Overhead {
		return "", errors.New("invalid stored password size")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &kr.key)
	if !ok {
		return "", errors.New("stored password does not match key")
	}
	return string(plain), nil
}

// Delete removes the stored password and forgets id.
func (kr *Keyring) Delete(id string) error {
	dir, err := kr.accountDir(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return kr.removeID(id)
}

// IDs returns the saved account ids in the order they were first saved.
func (kr *Keyring) IDs() ([]string, error) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	return kr.readIDs()
}

func (kr *Keyring) addID(id string) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	ids, err := kr.readIDs()
	if err != nil {
		return err
	}
	if slices.Contains(ids, id) {
		return nil
	}
	return kr.writeIDs(append(ids, id))
}

func (kr *Keyring) removeID(id string) error {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	ids, err := kr.readIDs()
	if err != nil {
		return err
	}
	return kr.writeIDs(slices.DeleteFunc(ids, func(s string) bool { return s == id }))
}

func (kr *Keyring) readIDs() ([]string, error) {
	data, err := os.ReadFile(filepath.Join(kr.basePath, "accounts.json"))
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("invalid accounts.json: %w", err)
	}
	return ids, nil
}

func (kr *Keyring) writeIDs(ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(kr.basePath, "accounts.json"), data, 0600)
}

// accountDir maps an id to its directory, refusing ids that would escape basePath.
func (kr *Keyring) accountDir(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid account id %q", id)
	}
	return filepath.Join(kr.basePath, "credentials", id), nil
}

// loadOrGenerateKey loads secret.key or creates a new one.
func (kr *Keyring) loadOrGenerateKey() error {
	keyPath := filepath.Join(kr.basePath, "secret.key")

	data, err := os.ReadFile(keyPath)
	if err == nil {
		decoded, err := base64.StdEncoding.DecodeString(string(data))
		if err != nil {
			return fmt.Errorf("invalid secret key: %w", err)
		}
		if len(decoded) != keySize {
			return errors.New("invalid secret key size")
		}
		copy(kr.key[:], decoded)
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if _, err := rand.Read(kr.key[:]); err != nil {
		return err
	}
	if err := os.MkdirAll(kr.basePath, 0700); err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(kr.key[:])
	return os.WriteFile(keyPath, []byte(encoded), 0600)
}
