package types

import (
	"bytes"
	"testing"
)

func testKey(tag byte) PublicKey {
	k := make([]byte, 33)
	k[0] = 0x02
	k[32] = tag
	return PublicKey(k)
}

func TestAddressKinds(t *testing.T) {
	reserved := ReservedAddress()
	if !reserved.IsReserved() || reserved.IsGenerated() || reserved.IsPublicKey() {
		t.Fatal("reserved address misclassified")
	}

	keyAddr, err := PublicKeyAddress(testKey(1))
	if err != nil {
		t.Fatal(err)
	}
	if !keyAddr.IsPublicKey() {
		t.Fatal("key address misclassified")
	}
	got, ok := keyAddr.PublicKey()
	if !ok || !got.Equal(testKey(1)) {
		t.Fatal("key address lost its key")
	}

	gen := GeneratedAddress(MustName128(".lock"), MustName128("lock1"), 7)
	if !gen.IsGenerated() {
		t.Fatal("generated address misclassified")
	}
	if gen.GeneratedPrefix() != MustName128(".lock") {
		t.Fatalf("prefix = %s", gen.GeneratedPrefix())
	}
	if gen.GeneratedKey() != MustName128("lock1") {
		t.Fatalf("key = %s", gen.GeneratedKey())
	}
}

func TestAddressDeterministic(t *testing.T) {
	a := GeneratedAddress(MustName128(".fungible"), MustName128("3"), 0)
	b := GeneratedAddress(MustName128(".fungible"), MustName128("3"), 0)
	if !a.Equal(b) {
		t.Fatal("generated addresses must be deterministic")
	}
	c := GeneratedAddress(MustName128(".fungible"), MustName128("3"), 1)
	if a.Equal(c) {
		t.Fatal("nonce must change the address")
	}
}

func TestAddressWireRoundTrip(t *testing.T) {
	for _, a := range []Address{
		ReservedAddress(),
		GeneratedAddress(MustName128(".domain"), MustName128("d1"), 0),
	} {
		back, err := AddressFromBytes(a.Bytes())
		if err != nil {
			t.Fatal(err)
		}
		if !back.Equal(a) {
			t.Fatal("wire round trip changed the address")
		}
	}
	if _, err := AddressFromBytes(bytes.Repeat([]byte{0xee}, 33)); err == nil {
		t.Fatal("unknown tag must be rejected")
	}
}

func TestAddressTextRoundTrip(t *testing.T) {
	a := GeneratedAddress(MustName128(".psvbonus"), MustName128("3"), 2)
	back, err := DecodeAddress(a.String())
	if err != nil {
		t.Fatal(err)
	}
	if !back.Equal(a) {
		t.Fatal("text round trip changed the address")
	}
}
