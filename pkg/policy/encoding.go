package policy

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// FingerprintSize is the length of a policy fingerprint in bytes.
const FingerprintSize = 32

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("policy: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic("policy: CBOR decoder initialization failed: " + err.Error())
	}
}

// Canonical returns the deterministic CBOR encoding of p. Two policies
// with the same clauses always encode to the same bytes.
func (p Policy) Canonical() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	q := Policy{Version: p.Version, Clauses: normalize(p.Clauses)}
	return encMode.Marshal(q)
}

// Decode parses a canonical encoding produced by Canonical.
func Decode(data []byte) (Policy, error) {
	var p Policy
	if err := decMode.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Fingerprint is the BLAKE3 digest of the canonical encoding. It binds a
// sealed payload to the exact policy it was sealed under.
func (p Policy) Fingerprint() ([FingerprintSize]byte, error) {
	data, err := p.Canonical()
	if err != nil {
		return [FingerprintSize]byte{}, err
	}
	return blake3.Sum256(data), nil
}
