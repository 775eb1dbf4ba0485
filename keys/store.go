package keys

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// KeyStore is a simple local-first identity store.
//
// Features:
// - Supports Ed25519 identities only
// - Stores seeds on the local filesystem, one directory per identity
// - No external dependencies
//
// This is an operator convenience; nothing on the wire depends on it.
type KeyStore struct {
	Directory string
}

// Entry describes one stored identity.
type Entry struct {
	Name     string
	OwnerKey string
}

// DefaultDirectory returns the conventional keystore location.
func DefaultDirectory() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".hashtree", "keys"), nil
}

// OpenKeyStore opens (or designates) a keystore rooted at directory; an
// empty directory selects the default location.
func OpenKeyStore(directory string) (*KeyStore, error) {
	if directory == "" {
		var err error
		directory, err = DefaultDirectory()
		if err != nil {
			return nil, err
		}
	}
	return &KeyStore{Directory: directory}, nil
}

func (ks *KeyStore) seedFilePath(name string) string {
	return filepath.Join(ks.Directory, name, "identity.key")
}

// CheckName validates an identity name for filesystem use.
func CheckName(name string) error {
	if name == "" {
		return errors.New("identity name cannot be empty")
	}
	for _, char := range name {
		if (char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z') || (char >= '0' && char <= '9') || char == '-' || char == '_' {
			continue
		}
		return fmt.Errorf("invalid character %q in identity name", char)
	}
	return nil
}

// ParseSeedHex decodes a hex-encoded Ed25519 seed, tolerating
// whitespace and an optional 0x prefix.
func ParseSeedHex(seedHex string) ([]byte, error) {
	seedHex = strings.TrimSpace(seedHex)
	seedHex = strings.TrimPrefix(seedHex, "0x")
	data, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, err
	}
	if len(data) != ed25519.SeedSize {
		return nil, fmt.Errorf("expected seed length of %d bytes, got %d", ed25519.SeedSize, len(data))
	}
	return data, nil
}

func (ks *KeyStore) saveSeedToFile(filePath string, seed []byte, overwrite bool) error {
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("expected seed length of %d bytes", ed25519.SeedSize)
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	file, err := os.OpenFile(filePath, flags, 0o600)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := file.WriteString(hex.EncodeToString(seed) + "\n"); err != nil {
		return err
	}
	return file.Close()
}

// Create generates a new identity, persists its seed under name, and
// returns it. With overwrite false an existing identity is an error.
func (ks *KeyStore) Create(name string, overwrite bool) (*Identity, error) {
	if err := CheckName(name); err != nil {
		return nil, err
	}
	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := ks.saveSeedToFile(ks.seedFilePath(name), id.Seed(), overwrite); err != nil {
		return nil, err
	}
	return id, nil
}

// Import persists an externally supplied seed under name.
func (ks *KeyStore) Import(name string, seed []byte, overwrite bool) (*Identity, error) {
	if err := CheckName(name); err != nil {
		return nil, err
	}
	id, err := FromSeed(seed)
	if err != nil {
		return nil, err
	}
	if err := ks.saveSeedToFile(ks.seedFilePath(name), seed, overwrite); err != nil {
		return nil, err
	}
	return id, nil
}

// Load reconstructs the identity stored under name.
func (ks *KeyStore) Load(name string) (*Identity, error) {
	if err := CheckName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(ks.seedFilePath(name))
	if err != nil {
		return nil, err
	}
	seed, err := ParseSeedHex(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("identity %q: %w", name, err)
	}
	return FromSeed(seed)
}

// List enumerates stored identities in name order.
func (ks *KeyStore) List() ([]Entry, error) {
	dirents, err := os.ReadDir(ks.Directory)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, de := range dirents {
		if !de.IsDir() {
			continue
		}
		id, err := ks.Load(de.Name())
		if err != nil {
			continue
		}
		out = append(out, Entry{Name: de.Name(), OwnerKey: id.OwnerKey()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
