// Package rlpx implements the authenticated, framed transport of §4.2/§4.3:
// the ECIES AUTH/ACK handshake (legacy and EIP-8), the frame cipher with
// egress/ingress MACs, and the length-prefixed frame reader/writer.
package rlpx

import (
	"crypto/ecdsa"

	"github.com/quartzchain/quartz/cryptox"
)

// handshakeState holds everything both sides accumulate during the
// AUTH/ACK exchange before secrets can be derived (§4.2).
type handshakeState struct {
	initiator bool

	localStatic  *ecdsa.PrivateKey
	localEphem   *ecdsa.PrivateKey
	localNonce   [32]byte
	remoteStatic *ecdsa.PublicKey
	remoteEphem  *ecdsa.PublicKey
	remoteNonce  [32]byte

	initMsg []byte // the raw AUTH (or ACK) ciphertext this side sent
	ackMsg  []byte // the raw ACK (or AUTH) ciphertext this side received
}

// Secrets are the symmetric keys derived at the end of the handshake
// (§4.2 "Derived secrets").
type Secrets struct {
	AES        []byte
	MAC        []byte
	EgressMAC  *cryptox.HashMAC
	IngressMAC *cryptox.HashMAC
}

// deriveSecrets computes the five keccak-chained values §4.2 specifies and
// seeds the egress/ingress MAC states from the two init messages.
func (h *handshakeState) deriveSecrets() (*Secrets, error) {
	ephemeralShared := cryptox.ECDHX(h.localEphem, h.remoteEphem)

	var hNonce []byte
	if h.initiator {
		hNonce = cryptox.Keccak256(h.remoteNonce[:], h.localNonce[:])
	} else {
		hNonce = cryptox.Keccak256(h.localNonce[:], h.remoteNonce[:])
	}

	sharedSecret := cryptox.Keccak256(ephemeralShared, hNonce)
	aesSecret := cryptox.Keccak256(ephemeralShared, sharedSecret)
	macSecret := cryptox.Keccak256(ephemeralShared, aesSecret)

	// Egress uses the remote nonce plus the message THIS side sent; ingress
	// uses our own nonce plus the message THIS side received (§4.2) — the
	// same formula for both initiator and responder, since initMsg/ackMsg
	// are already recorded relative to "this side".
	egressSeed := append(xorBytes(macSecret, h.remoteNonce[:]), h.initMsg...)
	ingressSeed := append(xorBytes(macSecret, h.localNonce[:]), h.ackMsg...)

	egressMAC, err := cryptox.NewHashMAC(macSecret, egressSeed)
	if err != nil {
		return nil, err
	}
	ingressMAC, err := cryptox.NewHashMAC(macSecret, ingressSeed)
	if err != nil {
		return nil, err
	}

	return &Secrets{AES: aesSecret, MAC: macSecret, EgressMAC: egressMAC, IngressMAC: ingressMAC}, nil
}

func xorBytes(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}
