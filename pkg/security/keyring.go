package security

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// hkdfInfoRecordKey separates the key-encryption keys derived here from any
// other use of the same master key. Changing it invalidates every sealed key.
var hkdfInfoRecordKey = []byte("ehr-access.record-key.v1")

// Keyring holds the key-encryption keys derived from the configured master
// keys. New seals use the active key; unseal looks keys up by id so old
// records stay readable after rotation.
type Keyring struct {
	active string
	keks   map[string][]byte
}

// NewKeyring derives one key-encryption key per master key.
func NewKeyring(activeID string, masters map[string][]byte) (*Keyring, error) {
	if len(masters) == 0 {
		return nil, fmt.Errorf("keyring: no master keys configured")
	}
	if _, ok := masters[activeID]; !ok {
		return nil, fmt.Errorf("keyring: active key %q is not configured", activeID)
	}

	keks := make(map[string][]byte, len(masters))
	for id, master := range masters {
		if id == "" || len(id) > 64 || strings.ContainsAny(id, ":,") {
			return nil, fmt.Errorf("keyring: invalid key id %q", id)
		}
		if len(master) != KeySize {
			return nil, fmt.Errorf("keyring: master key %q: %w (got %d bytes, want %d)", id, ErrInvalidKeySize, len(master), KeySize)
		}
		kek, err := deriveKEK(master)
		if err != nil {
			return nil, fmt.Errorf("keyring: derive %q: %w", id, err)
		}
		keks[id] = kek
	}

	return &Keyring{active: activeID, keks: keks}, nil
}

func deriveKEK(master []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, master, nil, hkdfInfoRecordKey)
	kek := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, kek); err != nil {
		return nil, err
	}
	return kek, nil
}

// ActiveID returns the id new seals are written under.
func (k *Keyring) ActiveID() string {
	return k.active
}

// IDs returns the configured key ids in sorted order.
func (k *Keyring) IDs() []string {
	ids := make([]string, 0, len(k.keks))
	for id := range k.keks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (k *Keyring) kek(id string) ([]byte, bool) {
	kek, ok := k.keks[id]
	return kek, ok
}

// ParseMasterKeys parses "kid:base64key,kid2:base64key".
func ParseMasterKeys(spec string) (map[string][]byte, error) {
	keys := make(map[string][]byte)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, encoded, ok := strings.Cut(entry, ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("master key entry %q: expected kid:base64", entry)
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("master key %q: %w", id, err)
		}
		if _, dup := keys[id]; dup {
			return nil, fmt.Errorf("master key %q configured twice", id)
		}
		keys[id] = raw
	}
	return keys, nil
}

// GenerateMasterKey returns a fresh random master key, base64 encoded.
func GenerateMasterKey() (string, error) {
	key, err := randomBytes(defaultRand(), KeySize)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
