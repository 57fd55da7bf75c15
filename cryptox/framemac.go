package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"hash"

	"golang.org/x/crypto/sha3"
)

// HashMAC implements the RLPx frame MAC construction from §4.2:
//
//	mac.update(ciphertext)
//	seed = AES-ECB(macSecret, mac.digest()[0:16])
//	mac.update(seed XOR ciphertext[0:16])
//	emit mac.digest()[0:16]
//
// It wraps a running keccak-256 state plus an AES block cipher keyed with
// macSecret, matching the RLPx spec bit-for-bit; there is no exported
// upstream package for this exact construction (see DESIGN.md).
type HashMAC struct {
	cipher cipher.Block
	hash   hash.Hash
}

// NewHashMAC seeds the MAC as specified: the keccak state starts from
// `macSecret XOR otherSideNonce` concatenated with the local or remote
// init/ack message, depending on direction (egress vs ingress).
func NewHashMAC(macSecret, seedMaterial []byte) (*HashMAC, error) {
	block, err := aes.NewCipher(macSecret)
	if err != nil {
		return nil, err
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(seedMaterial)
	return &HashMAC{cipher: block, hash: h}, nil
}

// digest returns the current 32-byte keccak digest without mutating state.
func (m *HashMAC) digest() []byte {
	return m.hash.Sum(nil)
}

// ComputeHeader folds ciphertext (a 16-byte encrypted frame header) into the
// MAC state and returns the 16-byte tag to attach to the header.
func (m *HashMAC) ComputeHeader(headerCiphertext []byte) []byte {
	m.hash.Write(headerCiphertext)
	return m.tag(headerCiphertext)
}

// ComputeFrame folds an encrypted frame body into the MAC state and returns
// the 16-byte tag to attach to the body.
func (m *HashMAC) ComputeFrame(bodyCiphertext []byte) []byte {
	m.hash.Write(bodyCiphertext)
	return m.tag(bodyCiphertext)
}

// tag implements §4.2's "seed = AES-ECB(macSecret, mac.digest()[0:16]);
// mac.update(seed XOR ciphertext[0:16])". ciphertext is the just-written
// header or body ciphertext; only its first 16 bytes feed the XOR.
func (m *HashMAC) tag(ciphertext []byte) []byte {
	prevDigest := m.digest()
	seed := make([]byte, 16)
	m.cipher.Encrypt(seed, prevDigest[:16])
	for i := range seed {
		seed[i] ^= ciphertext[i]
	}
	m.hash.Write(seed)
	sum := m.digest()
	return sum[:16]
}

// NewCTRStream builds the AES-256-CTR stream used for both the egress and
// ingress directions, always initialised with a zero IV per §4.2.
func NewCTRStream(aesSecret []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(aesSecret)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, block.BlockSize())
	return cipher.NewCTR(block, iv), nil
}
