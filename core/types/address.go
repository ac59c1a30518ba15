package types

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
)

// AddressSize is the byte length of every address wire form. It matches the
// length of a compressed secp256k1 public key so key addresses carry the key
// verbatim.
const AddressSize = 33

// Address tags.
const (
	addrTagReserved  byte = 0x00
	addrTagGenerated byte = 0x01
	// Compressed public keys start with 0x02 or 0x03 and need no extra tag.
)

// addressHRP is the human readable prefix of the bech32 text form.
const addressHRP = "jmzk"

// Address is a tagged sum over the three account kinds of the chain:
//   - a secp256k1 public key,
//   - the reserved sentinel (also the "destroyed owner" marker),
//   - a generated address, a deterministic non-key account derived from a
//     system prefix, a name and a nonce (".domain/<name>", ".fungible/<id>",
//     ".lock/<name>", ...).
//
// The wire form is always 33 bytes and equality is bit equality on it.
type Address struct {
	raw [AddressSize]byte
}

// ReservedAddress returns the all-zero sentinel address.
func ReservedAddress() Address {
	return Address{}
}

// PublicKeyAddress wraps a compressed public key as an address.
func PublicKeyAddress(key PublicKey) (Address, error) {
	if len(key) != AddressSize {
		return Address{}, fmt.Errorf("public key must be %d bytes, got %d", AddressSize, len(key))
	}
	if key[0] != 0x02 && key[0] != 0x03 {
		return Address{}, fmt.Errorf("public key has invalid compression tag 0x%02x", key[0])
	}
	var a Address
	copy(a.raw[:], key)
	return a, nil
}

// GeneratedAddress derives the deterministic non-key address for
// (prefix, key, nonce). Only the first 12 bytes of the prefix's wire form
// are kept so the triple packs into the fixed wire size; they hold the first
// ten characters intact, and GeneratedPrefix of a longer prefix returns a
// truncated name.
func GeneratedAddress(prefix, key Name128, nonce uint32) Address {
	var a Address
	a.raw[0] = addrTagGenerated
	binary.BigEndian.PutUint32(a.raw[1:5], nonce)
	copy(a.raw[5:17], prefix.Bytes()[:12])
	copy(a.raw[17:33], key.Bytes())
	return a
}

// AddressFromBytes validates and wraps a 33-byte wire form.
func AddressFromBytes(b []byte) (Address, error) {
	if len(b) != AddressSize {
		return Address{}, fmt.Errorf("address wire form must be %d bytes, got %d", AddressSize, len(b))
	}
	switch b[0] {
	case addrTagReserved:
		for _, c := range b[1:] {
			if c != 0 {
				return Address{}, fmt.Errorf("reserved address has non-zero payload")
			}
		}
	case addrTagGenerated, 0x02, 0x03:
	default:
		return Address{}, fmt.Errorf("address has unknown tag 0x%02x", b[0])
	}
	var a Address
	copy(a.raw[:], b)
	return a, nil
}

// Bytes returns the 33-byte wire form.
func (a Address) Bytes() []byte {
	out := make([]byte, AddressSize)
	copy(out, a.raw[:])
	return out
}

// IsReserved reports whether the address is the zero sentinel.
func (a Address) IsReserved() bool {
	return a.raw == [AddressSize]byte{}
}

// IsGenerated reports whether the address is a derived system account.
func (a Address) IsGenerated() bool {
	return a.raw[0] == addrTagGenerated
}

// IsPublicKey reports whether the address wraps a compressed public key.
func (a Address) IsPublicKey() bool {
	return a.raw[0] == 0x02 || a.raw[0] == 0x03
}

// PublicKey returns the wrapped key. The second return is false for reserved
// and generated addresses.
func (a Address) PublicKey() (PublicKey, bool) {
	if !a.IsPublicKey() {
		return nil, false
	}
	return PublicKey(a.Bytes()), true
}

// GeneratedPrefix returns the prefix name of a generated address; the zero
// name otherwise.
func (a Address) GeneratedPrefix() Name128 {
	if !a.IsGenerated() {
		return Name128{}
	}
	var b [16]byte
	copy(b[:12], a.raw[5:17])
	n, _ := Name128FromBytes(b[:])
	return n
}

// GeneratedKey returns the key name of a generated address; the zero name
// otherwise.
func (a Address) GeneratedKey() Name128 {
	if !a.IsGenerated() {
		return Name128{}
	}
	n, _ := Name128FromBytes(a.raw[17:33])
	return n
}

// Equal reports bit equality.
func (a Address) Equal(b Address) bool {
	return a.raw == b.raw
}

// String renders the bech32 text form.
func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.raw[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(addressHRP, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// DecodeAddress parses the bech32 text form.
func DecodeAddress(s string) (Address, error) {
	hrp, data, err := bech32.Decode(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if hrp != addressHRP {
		return Address{}, fmt.Errorf("unexpected address prefix %q", hrp)
	}
	conv, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return Address{}, err
	}
	return AddressFromBytes(conv)
}

// MarshalJSON renders the bech32 form.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON parses the bech32 string form; any other JSON shape is
// rejected, addresses only travel as text in JSON.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := DecodeAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// CompareAddresses orders addresses by their wire form, used when a stable
// iteration order over owner sets is needed.
func CompareAddresses(a, b Address) int {
	return bytes.Compare(a.raw[:], b.raw[:])
}
