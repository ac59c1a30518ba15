package types

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// PublicKey is a 33-byte compressed secp256k1 public key.
type PublicKey []byte

// Valid reports whether the key has the canonical compressed form.
func (k PublicKey) Valid() bool {
	return len(k) == 33 && (k[0] == 0x02 || k[0] == 0x03)
}

// Equal reports bit equality.
func (k PublicKey) Equal(other PublicKey) bool {
	return bytes.Equal(k, other)
}

func (k PublicKey) String() string {
	if len(k) == 0 {
		return ""
	}
	return "JMZK" + hex.EncodeToString(k)
}

// MarshalJSON renders the prefixed hex form; an unset key renders empty.
func (k PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON parses the prefixed hex form.
func (k *PublicKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*k = nil
		return nil
	}
	parsed, err := ParsePublicKey(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParsePublicKey parses the prefixed hex text form.
func ParsePublicKey(s string) (PublicKey, error) {
	if len(s) < 4 || s[:4] != "JMZK" {
		return nil, fmt.Errorf("public key %q lacks JMZK prefix", s)
	}
	raw, err := hex.DecodeString(s[4:])
	if err != nil {
		return nil, fmt.Errorf("public key hex: %w", err)
	}
	k := PublicKey(raw)
	if !k.Valid() {
		return nil, fmt.Errorf("public key %q is not a compressed secp256k1 key", s)
	}
	return k, nil
}

// KeySet is a set of public keys keyed by their wire form.
type KeySet map[string]struct{}

// NewKeySet builds a set from the given keys.
func NewKeySet(keys ...PublicKey) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s.Add(k)
	}
	return s
}

// Add inserts a key.
func (s KeySet) Add(k PublicKey) {
	s[string(k)] = struct{}{}
}

// Contains reports membership.
func (s KeySet) Contains(k PublicKey) bool {
	_, ok := s[string(k)]
	return ok
}

// Keys returns the members sorted by wire form for deterministic iteration.
func (s KeySet) Keys() []PublicKey {
	out := make([]PublicKey, 0, len(s))
	for k := range s {
		out = append(out, PublicKey(k))
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i], out[j]) < 0 })
	return out
}

// Signature is a 65-byte recoverable secp256k1 signature (r ‖ s ‖ v).
type Signature []byte

// Valid reports whether the signature has the canonical length.
func (s Signature) Valid() bool {
	return len(s) == 65
}

// MarshalJSON renders the hex form.
func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(s))
}

// UnmarshalJSON parses the hex form.
func (s *Signature) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	raw, err := hex.DecodeString(str)
	if err != nil {
		return err
	}
	*s = raw
	return nil
}
