package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"jmzkchain/core/types"
)

// PrivateKey wraps a secp256k1 private key.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// GeneratePrivateKey creates a fresh key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromBytes parses the 32-byte scalar form.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromHex parses the hex form used in config files.
func PrivateKeyFromHex(s string) (*PrivateKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("private key hex: %w", err)
	}
	return PrivateKeyFromBytes(raw)
}

// Bytes returns the 32-byte scalar form.
func (k *PrivateKey) Bytes() []byte {
	return ethcrypto.FromECDSA(k.PrivateKey)
}

// PubKey returns the compressed public key.
func (k *PrivateKey) PubKey() types.PublicKey {
	return types.PublicKey(ethcrypto.CompressPubkey(&k.PrivateKey.PublicKey))
}

// Address returns the public-key address of the key.
func (k *PrivateKey) Address() types.Address {
	addr, err := types.PublicKeyAddress(k.PubKey())
	if err != nil {
		panic(err)
	}
	return addr
}

// Sign produces a 65-byte recoverable signature over a 32-byte digest.
func (k *PrivateKey) Sign(digest [32]byte) (types.Signature, error) {
	sig, err := ethcrypto.Sign(digest[:], k.PrivateKey)
	if err != nil {
		return nil, err
	}
	return types.Signature(sig), nil
}

// RecoverKey recovers the compressed public key that produced the signature
// over the digest.
func RecoverKey(digest [32]byte, sig types.Signature) (types.PublicKey, error) {
	if !sig.Valid() {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	pub, err := ethcrypto.SigToPub(digest[:], sig)
	if err != nil {
		return nil, fmt.Errorf("recover signing key: %w", err)
	}
	return types.PublicKey(ethcrypto.CompressPubkey(pub)), nil
}

// VerifySignature checks a recoverable signature against an expected key.
func VerifySignature(digest [32]byte, sig types.Signature, expected types.PublicKey) bool {
	recovered, err := RecoverKey(digest, sig)
	if err != nil {
		return false
	}
	return recovered.Equal(expected)
}
