package types

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
)

// Name128 is a 128-bit packed identifier used for domains, tokens, groups,
// proposals, symbols and validators. Names keep their case, are at most 21
// characters long and draw from a 64-symbol alphabet so every character packs
// into six bits. A leading '.' marks a reserved, system-owned name.
type Name128 struct {
	Hi uint64
	Lo uint64
}

// name128Alphabet holds the 64 permitted characters. Index order is the wire
// order; changing it changes every packed name on disk.
const name128Alphabet = ".0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-"

const MaxName128Len = 21

var name128Index = buildName128Index()

// buildName128Index is a var initializer (not func init) so Go's
// package-level dependency analysis runs it before any MustName128 package
// variable that transitively calls NewName128.
func buildName128Index() [256]int8 {
	var idx [256]int8
	for i := range idx {
		idx[i] = -1
	}
	for i := 0; i < len(name128Alphabet); i++ {
		idx[name128Alphabet[i]] = int8(i)
	}
	return idx
}

// NewName128 packs a string into a Name128. The empty string packs to the
// zero value.
func NewName128(s string) (Name128, error) {
	if len(s) > MaxName128Len {
		return Name128{}, fmt.Errorf("name %q exceeds %d characters", s, MaxName128Len)
	}
	var n Name128
	for i := 0; i < len(s); i++ {
		v := name128Index[s[i]]
		if v < 0 {
			return Name128{}, fmt.Errorf("name %q contains invalid character %q", s, s[i])
		}
		bit := uint(i * 6)
		if bit < 64 {
			n.Hi |= uint64(v) << bit
			if bit > 58 {
				// Straddles the word boundary.
				n.Lo |= uint64(v) >> (64 - bit)
			}
		} else {
			n.Lo |= uint64(v) << (bit - 64)
		}
	}
	return n, nil
}

// MustName128 packs a string and panics on invalid input. Reserved for
// compile-time constants such as system prefixes.
func MustName128(s string) Name128 {
	n, err := NewName128(s)
	if err != nil {
		panic(err)
	}
	return n
}

// String unpacks the name back to its textual form.
func (n Name128) String() string {
	var sb strings.Builder
	for i := 0; i < MaxName128Len; i++ {
		bit := uint(i * 6)
		var v uint64
		if bit < 64 {
			v = n.Hi >> bit
			if bit > 58 {
				v |= n.Lo << (64 - bit)
			}
		} else {
			v = n.Lo >> (bit - 64)
		}
		v &= 0x3f
		if v == 0 && n.tailEmpty(i+1) {
			// A zero symbol is '.'; trailing zeros terminate the name.
			break
		}
		sb.WriteByte(name128Alphabet[v])
	}
	return sb.String()
}

func (n Name128) tailEmpty(from int) bool {
	for i := from; i < MaxName128Len; i++ {
		bit := uint(i * 6)
		var v uint64
		if bit < 64 {
			v = n.Hi >> bit
			if bit > 58 {
				v |= n.Lo << (64 - bit)
			}
		} else {
			v = n.Lo >> (bit - 64)
		}
		if v&0x3f != 0 {
			return false
		}
	}
	return true
}

// Empty reports whether the name is the zero value.
func (n Name128) Empty() bool {
	return n.Hi == 0 && n.Lo == 0
}

// Reserved reports whether the name starts with '.', marking it as
// system-owned.
func (n Name128) Reserved() bool {
	// '.' packs to symbol zero, so a reserved name is a non-empty name whose
	// first six bits are zero.
	return !n.Empty() && n.Hi&0x3f == 0
}

// Bytes returns the 16-byte big-endian wire form used in composite keys.
func (n Name128) Bytes() []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], n.Hi)
	binary.BigEndian.PutUint64(b[8:], n.Lo)
	return b
}

// Name128FromBytes rebuilds a name from its 16-byte wire form.
func Name128FromBytes(b []byte) (Name128, error) {
	if len(b) != 16 {
		return Name128{}, fmt.Errorf("name128 wire form must be 16 bytes, got %d", len(b))
	}
	return Name128{
		Hi: binary.BigEndian.Uint64(b[:8]),
		Lo: binary.BigEndian.Uint64(b[8:]),
	}, nil
}

// MarshalJSON renders the name as its string form.
func (n Name128) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.String())
}

// UnmarshalJSON parses the string form.
func (n *Name128) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := NewName128(s)
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}
