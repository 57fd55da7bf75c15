// Package cryptox wraps the cryptographic primitives the transport and
// discovery layers build on: secp256k1 sign/recover/ECDH, keccak-256,
// AES-CTR, HMAC-SHA-256 and the ECIES envelope (§4.1, §4.2).
//
// It deliberately holds no package-level state (no logger or RNG
// singletons, per SPEC_FULL.md's "no global state" note) — every function
// takes its randomness source or key material as an argument.
package cryptox

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
)

// ErrInvalidPubkey is returned when a 64-byte node id does not decode to a
// point on secp256k1.
var ErrInvalidPubkey = errors.New("cryptox: invalid public key")

// GenerateKey creates a fresh secp256k1 private key.
func GenerateKey(rand io.Reader) (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(crypto.S256(), rand)
}

// Keccak256 hashes its concatenated inputs with keccak-256.
func Keccak256(data ...[]byte) []byte {
	return crypto.Keccak256(data...)
}

// Sign produces a 65-byte recoverable secp256k1 signature over a 32-byte
// digest.
func Sign(digest []byte, prv *ecdsa.PrivateKey) ([]byte, error) {
	return crypto.Sign(digest, prv)
}

// Recover recovers the uncompressed public key (minus the 0x04 prefix, i.e.
// the 64-byte node id) from a signature and the digest it covers.
func Recover(digest, sig []byte) ([]byte, error) {
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return nil, err
	}
	return PubkeyToID(pub), nil
}

// PubkeyToID converts an ecdsa public key to the 64-byte node identifier
// used throughout discovery and the transport (§3 "Node identity").
func PubkeyToID(pub *ecdsa.PublicKey) []byte {
	b := elliptic.Marshal(crypto.S256(), pub.X, pub.Y)
	return b[1:] // drop the leading 0x04
}

// IDToPubkey is the inverse of PubkeyToID.
func IDToPubkey(id []byte) (*ecdsa.PublicKey, error) {
	if len(id) != 64 {
		return nil, ErrInvalidPubkey
	}
	b := make([]byte, 65)
	b[0] = 0x04
	copy(b[1:], id)
	x, y := elliptic.Unmarshal(crypto.S256(), b)
	if x == nil {
		return nil, ErrInvalidPubkey
	}
	return &ecdsa.PublicKey{Curve: crypto.S256(), X: x, Y: y}, nil
}

// ECDHX computes the x-coordinate of priv*pub, used wherever the spec calls
// for "ecdh(remoteKey, localKey)". The result is left-padded to 32 bytes:
// big.Int.Bytes strips leading zeros, and a shared x-coordinate with a
// zero high byte (~1/256 of keys) would otherwise come back short, which
// breaks every fixed-offset consumer of this output.
func ECDHX(priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey) []byte {
	x, _ := crypto.S256().ScalarMult(pub.X, pub.Y, priv.D.Bytes())
	return x.FillBytes(make([]byte, 32))
}

// SealECIES encrypts m under pub using the ECIES envelope §4.2 specifies:
// ephemeral secp256k1 key, concat-KDF over ECDH-x, AES-128-CTR, HMAC-SHA-256
// over iv‖ciphertext‖sharedMacData. s1/s2 are the shared-mac-data halves
// (may be nil).
func SealECIES(rand io.Reader, pub *ecdsa.PublicKey, m, s1, s2 []byte) ([]byte, error) {
	return ecies.Encrypt(rand, ecies.ImportECDSAPublic(pub), m, s1, s2)
}

// OpenECIES reverses SealECIES.
func OpenECIES(prv *ecdsa.PrivateKey, ct, s1, s2 []byte) ([]byte, error) {
	return ecies.ImportECDSA(prv).Decrypt(ct, s1, s2)
}
