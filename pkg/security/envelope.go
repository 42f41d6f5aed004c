package security

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	apperrors "github.com/jwalitptl/ehr-access/pkg/errors"
	"github.com/jwalitptl/ehr-access/pkg/policy"
)

// SealedPayloadVersion is authenticated as part of both AADs.
const SealedPayloadVersion byte = 1

// ErrDenied is returned by Unseal when the requester's attributes do not
// satisfy the stored policy. It is an expected outcome, not a fault.
var ErrDenied = apperrors.Denied()

var errIntegrity = apperrors.Integrity("sealed payload failed integrity check", nil)

// IntegrityError reports a malformed or tampered sealed payload. It is never
// returned for a policy refusal.
type IntegrityError struct {
	Reason string
	Err    error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sealed payload integrity: %s: %v", e.Reason, e.Err)
	}
	return "sealed payload integrity: " + e.Reason
}

func (e *IntegrityError) Unwrap() []error {
	if e.Err != nil {
		return []error{errIntegrity, e.Err}
	}
	return []error{errIntegrity}
}

func integrityErr(reason string, err error) error {
	return &IntegrityError{Reason: reason, Err: err}
}

// SealedPayload is a record's encrypted sensitive content together with the
// wrapped data key and the policy gating its release. It is replaced
// wholesale, never patched.
type SealedPayload struct {
	Version    byte          `json:"v"`
	KeyID      string        `json:"kid"`
	Ciphertext []byte        `json:"ciphertext"`
	Nonce      []byte        `json:"nonce"`
	SealedKey  []byte        `json:"sealed_key"`
	Policy     policy.Policy `json:"policy"`
}

// Value stores the payload as a JSON document.
func (p SealedPayload) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan reads a payload stored by Value.
func (p *SealedPayload) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("sealed payload: unsupported column type %T", src)
	}
	return json.Unmarshal(data, p)
}

// Sealer seals and unseals payloads under a policy.
type Sealer interface {
	Seal(plaintext []byte, p policy.Policy) (*SealedPayload, error)
	Unseal(sp *SealedPayload, attrs policy.AttributeSet) ([]byte, error)
}

// Envelope encrypts each payload under a fresh data key and wraps that key
// with a server-side key-encryption key. The wrapped key is only opened
// after the policy check passes; the policy itself is bound into both AADs
// through its fingerprint so it cannot be swapped.
type Envelope struct {
	keys *Keyring
	rand io.Reader
}

func NewEnvelope(keys *Keyring) *Envelope {
	return &Envelope{keys: keys, rand: defaultRand()}
}

func (e *Envelope) Seal(plaintext []byte, p policy.Policy) (*SealedPayload, error) {
	fingerprint, err := p.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}

	dek, err := randomBytes(e.rand, KeySize)
	if err != nil {
		return nil, err
	}
	defer wipe(dek)

	payloadAEAD, err := newPayloadAEAD(dek)
	if err != nil {
		return nil, err
	}
	nonce, err := randomBytes(e.rand, payloadAEAD.NonceSize())
	if err != nil {
		return nil, err
	}
	ciphertext := payloadAEAD.Seal(nil, nonce, plaintext, payloadAAD(SealedPayloadVersion, fingerprint))

	keyID := e.keys.ActiveID()
	kek, _ := e.keys.kek(keyID)
	wrapAEAD, err := newKeyWrapAEAD(kek)
	if err != nil {
		return nil, err
	}
	wrapNonce, err := randomBytes(e.rand, chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	sealedKey := wrapAEAD.Seal(wrapNonce, wrapNonce, dek, keyAAD(SealedPayloadVersion, keyID, fingerprint))

	return &SealedPayload{
		Version:    SealedPayloadVersion,
		KeyID:      keyID,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		SealedKey:  sealedKey,
		Policy:     policy.Policy{Version: p.Version, Clauses: append([]policy.Clause(nil), p.Clauses...)},
	}, nil
}

// Unseal returns the plaintext when attrs satisfy the stored policy,
// ErrDenied when they do not, and an *IntegrityError for anything malformed
// or tampered.
func (e *Envelope) Unseal(sp *SealedPayload, attrs policy.AttributeSet) ([]byte, error) {
	if sp == nil {
		return nil, integrityErr("missing payload", nil)
	}
	if sp.Version != SealedPayloadVersion {
		return nil, integrityErr(fmt.Sprintf("unsupported version %d", sp.Version), nil)
	}
	if err := sp.Policy.Validate(); err != nil {
		return nil, integrityErr("invalid policy", err)
	}

	if !sp.Policy.SatisfiedBy(attrs) {
		return nil, ErrDenied
	}

	fingerprint, err := sp.Policy.Fingerprint()
	if err != nil {
		return nil, integrityErr("policy fingerprint", err)
	}

	kek, ok := e.keys.kek(sp.KeyID)
	if !ok {
		return nil, integrityErr(fmt.Sprintf("unknown key id %q", sp.KeyID), nil)
	}
	if len(sp.SealedKey) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, integrityErr("sealed key too short", nil)
	}
	wrapAEAD, err := newKeyWrapAEAD(kek)
	if err != nil {
		return nil, err
	}
	wrapNonce, wrapped := sp.SealedKey[:chacha20poly1305.NonceSizeX], sp.SealedKey[chacha20poly1305.NonceSizeX:]
	dek, err := wrapAEAD.Open(nil, wrapNonce, wrapped, keyAAD(sp.Version, sp.KeyID, fingerprint))
	if err != nil {
		return nil, integrityErr("unwrap data key", ErrDecryption)
	}
	defer wipe(dek)

	payloadAEAD, err := newPayloadAEAD(dek)
	if err != nil {
		return nil, integrityErr("data key", err)
	}
	if len(sp.Nonce) != payloadAEAD.NonceSize() {
		return nil, integrityErr("nonce length", nil)
	}
	plaintext, err := payloadAEAD.Open(nil, sp.Nonce, sp.Ciphertext, payloadAAD(sp.Version, fingerprint))
	if err != nil {
		return nil, integrityErr("open payload", ErrDecryption)
	}
	return plaintext, nil
}

func payloadAAD(version byte, fingerprint [policy.FingerprintSize]byte) []byte {
	aad := make([]byte, 0, 1+len(fingerprint))
	aad = append(aad, version)
	return append(aad, fingerprint[:]...)
}

func keyAAD(version byte, keyID string, fingerprint [policy.FingerprintSize]byte) []byte {
	aad := make([]byte, 0, 2+len(keyID)+len(fingerprint))
	aad = append(aad, version, byte(len(keyID)))
	aad = append(aad, keyID...)
	return append(aad, fingerprint[:]...)
}
