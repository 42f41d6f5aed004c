package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size of every symmetric key used here: master keys,
// derived key-encryption keys and per-record data keys.
const KeySize = 32

var (
	ErrInvalidKeySize = errors.New("invalid key size")
	ErrEncryption     = errors.New("encryption failed")
	ErrDecryption     = errors.New("decryption failed")
)

// newPayloadAEAD returns AES-256-GCM keyed with a record data key.
func newPayloadAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrInvalidKeySize
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrEncryption
	}
	return gcm, nil
}

// newKeyWrapAEAD returns XChaCha20-Poly1305 keyed with a key-encryption key.
// The 24-byte nonce is safe to draw at random for every wrap.
func newKeyWrapAEAD(kek []byte) (cipher.AEAD, error) {
	if len(kek) != KeySize {
		return nil, ErrInvalidKeySize
	}
	return chacha20poly1305.NewX(kek)
}

func randomBytes(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("%w: reading randomness: %v", ErrEncryption, err)
	}
	return b, nil
}

func defaultRand() io.Reader {
	return rand.Reader
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
