package rlpx

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/quartzchain/quartz/cryptox"
)

// HandshakeTimeout is the default deadline for the full AUTH/ACK exchange
// (§4.2 Failure model, §5).
const HandshakeTimeout = 10 * time.Second

const (
	legacyAuthPacketSize = 307
	legacyAckPacketSize  = 210
	eip8MinPad           = 100
)

var (
	ErrHandshakeTimeout = errors.New("rlpx: handshake timed out")
	errAuthTooShort     = errors.New("rlpx: auth message too short")
)

// authMsgV4 is the EIP-8 RLP form of the AUTH body (§4.2): [sig(65),
// staticPub(64), nonce(32), version]. The legacy plaintext built by
// sealLegacyAuth is sig(65) ‖ keccak(ephemPub)(32) ‖ staticPub(64) ‖
// nonce(32) ‖ 0x00.
type authMsgV4 struct {
	Signature       [65]byte
	InitiatorPubkey [64]byte
	Nonce           [32]byte
	Version         uint `rlp:"tail"`
}

// ackMsgV4 is the plaintext ACK body (§4.2): ephemPub ‖ nonce ‖ 0x00.
type ackMsgV4 struct {
	EphemeralPubkey [64]byte
	Nonce           [32]byte
	Version         uint `rlp:"tail"`
}

// Handshake drives the Idle → AwaitAuth/AwaitAck → Framed state machine for
// one connection and returns the derived frame Secrets plus the remote
// peer's static public key (learned from the AUTH message when acting as
// responder; supplied by the caller when acting as initiator). initiator is
// true on the dialing side.
func Handshake(conn net.Conn, localStatic *ecdsa.PrivateKey, remoteStatic *ecdsa.PublicKey, initiator bool, requireEIP8 bool) (*Secrets, *ecdsa.PublicKey, error) {
	conn.SetDeadline(time.Now().Add(HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	h := &handshakeState{initiator: initiator, localStatic: localStatic}
	ephem, err := cryptox.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	h.localEphem = ephem
	if _, err := rand.Read(h.localNonce[:]); err != nil {
		return nil, nil, err
	}

	if initiator {
		h.remoteStatic = remoteStatic
		if err := h.sendAuth(conn, requireEIP8); err != nil {
			return nil, nil, err
		}
		if err := h.recvAck(conn); err != nil {
			return nil, nil, err
		}
	} else {
		if err := h.recvAuth(conn); err != nil {
			return nil, nil, err
		}
		if err := h.sendAck(conn, requireEIP8); err != nil {
			return nil, nil, err
		}
	}
	secrets, err := h.deriveSecrets()
	if err != nil {
		return nil, nil, err
	}
	return secrets, h.remoteStatic, nil
}

func (h *handshakeState) sendAuth(conn net.Conn, eip8 bool) error {
	staticShared := cryptox.ECDHX(h.localStatic, h.remoteStatic)
	toSign := xor32(staticShared, h.localNonce[:])
	sig, err := cryptox.Sign(toSign, h.localEphem)
	if err != nil {
		return err
	}

	msg := &authMsgV4{Version: 4}
	copy(msg.Signature[:], sig)
	copy(msg.InitiatorPubkey[:], cryptox.PubkeyToID(&h.localStatic.PublicKey))
	copy(msg.Nonce[:], h.localNonce[:])

	var packet []byte
	if eip8 {
		packet, err = h.sealEIP8(msg)
	} else {
		packet, err = h.sealLegacyAuth(msg)
	}
	if err != nil {
		return err
	}
	h.initMsg = packet
	_, err = conn.Write(packet)
	return err
}

func (h *handshakeState) sealLegacyAuth(msg *authMsgV4) ([]byte, error) {
	plain := make([]byte, 65+32+64+32+1)
	copy(plain[0:65], msg.Signature[:])
	hepub := cryptox.Keccak256(pointToBytes(&h.localEphem.PublicKey))
	copy(plain[65:97], hepub)
	copy(plain[97:161], msg.InitiatorPubkey[:])
	copy(plain[161:193], msg.Nonce[:])
	plain[193] = 0

	return cryptox.SealECIES(rand.Reader, h.remoteStatic, plain, nil, nil)
}

func (h *handshakeState) sealEIP8(msg *authMsgV4) ([]byte, error) {
	body, err := rlp.EncodeToBytes(msg)
	if err != nil {
		return nil, err
	}
	pad := make([]byte, eip8MinPad)
	rand.Read(pad)
	body = append(body, pad...)

	prefix := make([]byte, 2)
	// size field covers the ECIES overhead (65+16+32) plus the body.
	binary.BigEndian.PutUint16(prefix, uint16(len(body)+65+16+32))

	enc, err := cryptox.SealECIES(rand.Reader, h.remoteStatic, body, nil, prefix)
	if err != nil {
		return nil, err
	}
	return append(prefix, enc...), nil
}

func (h *handshakeState) recvAuth(conn net.Conn) error {
	buf, plain, err := readHandshakeMsg(conn, legacyAuthPacketSize, h.localStatic)
	if err != nil {
		return err
	}

	var sig [65]byte
	var initiatorPub [64]byte
	var nonce [32]byte

	if len(plain) == 193 || len(plain) == 194 {
		copy(sig[:], plain[0:65])
		copy(initiatorPub[:], plain[97:161])
		copy(nonce[:], plain[161:193])
	} else {
		var msg authMsgV4
		if err := rlp.DecodeBytes(plain, &msg); err != nil {
			return err
		}
		sig, initiatorPub, nonce = msg.Signature, msg.InitiatorPubkey, msg.Nonce
	}

	remoteStatic, err := cryptox.IDToPubkey(initiatorPub[:])
	if err != nil {
		return err
	}
	h.remoteStatic = remoteStatic
	h.remoteNonce = nonce

	staticShared := cryptox.ECDHX(h.localStatic, h.remoteStatic)
	toVerify := xor32(staticShared, nonce[:])
	recoveredEphemID, err := cryptox.Recover(toVerify, sig[:])
	if err != nil {
		return err
	}
	remoteEphem, err := cryptox.IDToPubkey(recoveredEphemID)
	if err != nil {
		return err
	}
	h.remoteEphem = remoteEphem

	// The message this side received (AUTH) seeds the ingress MAC; see
	// deriveSecrets' "remoteInitMsg" role.
	h.ackMsg = buf
	return nil
}

func (h *handshakeState) sendAck(conn net.Conn, eip8 bool) error {
	msg := &ackMsgV4{Version: 4}
	copy(msg.EphemeralPubkey[:], cryptox.PubkeyToID(&h.localEphem.PublicKey))
	copy(msg.Nonce[:], h.localNonce[:])

	var packet []byte
	var err error
	if eip8 {
		body, e := rlp.EncodeToBytes(msg)
		if e != nil {
			return e
		}
		pad := make([]byte, eip8MinPad)
		rand.Read(pad)
		body = append(body, pad...)
		prefix := make([]byte, 2)
		binary.BigEndian.PutUint16(prefix, uint16(len(body)+65+16+32))
		enc, e := cryptox.SealECIES(rand.Reader, h.remoteStatic, body, nil, prefix)
		if e != nil {
			return e
		}
		packet = append(prefix, enc...)
	} else {
		plain := make([]byte, 64+32+1)
		copy(plain[0:64], msg.EphemeralPubkey[:])
		copy(plain[64:96], msg.Nonce[:])
		packet, err = cryptox.SealECIES(rand.Reader, h.remoteStatic, plain, nil, nil)
		if err != nil {
			return err
		}
	}
	h.initMsg = packet
	_, err = conn.Write(packet)
	return err
}

func (h *handshakeState) recvAck(conn net.Conn) error {
	buf, plain, err := readHandshakeMsg(conn, legacyAckPacketSize, h.localStatic)
	if err != nil {
		return err
	}
	h.ackMsg = buf

	var ephemPub [64]byte
	var nonce [32]byte
	if len(plain) == 97 || len(plain) == 98 {
		copy(ephemPub[:], plain[0:64])
		copy(nonce[:], plain[64:96])
	} else {
		var msg ackMsgV4
		if err := rlp.DecodeBytes(plain, &msg); err != nil {
			return err
		}
		ephemPub, nonce = msg.EphemeralPubkey, msg.Nonce
	}

	remoteEphem, err := cryptox.IDToPubkey(ephemPub[:])
	if err != nil {
		return err
	}
	h.remoteEphem = remoteEphem
	h.remoteNonce = nonce
	return nil
}

// readHandshakeMsg reads either a legacy fixed-size packet or an EIP-8
// length-prefixed one, per §4.2: "reads the first 2 bytes: if they form a
// valid legacy length match it parses legacy; otherwise treats the bytes as
// an EIP-8 size and accumulates to that size."
func readHandshakeMsg(conn net.Conn, legacySize int, localStatic *ecdsa.PrivateKey) (raw, plain []byte, err error) {
	head := make([]byte, legacySize)
	if _, err := io.ReadFull(conn, head); err != nil {
		return nil, nil, err
	}

	prefix := head[:2]
	size := binary.BigEndian.Uint16(prefix)

	// A legacy packet is exactly legacySize bytes and decrypts as such.
	if plain, err := cryptox.OpenECIES(localStatic, head, nil, nil); err == nil {
		return head, plain, nil
	}

	// Otherwise treat as EIP-8: `size` more bytes follow beyond the first
	// legacySize already buffered minus the 2-byte prefix we've consumed.
	if int(size) < legacySize-2 {
		return nil, nil, errAuthTooShort
	}
	rest := make([]byte, int(size)-(legacySize-2))
	if len(rest) > 0 {
		if _, err := io.ReadFull(conn, rest); err != nil {
			return nil, nil, err
		}
	}
	full := append(head[2:], rest...)
	plain, err = cryptox.OpenECIES(localStatic, full, nil, prefix)
	if err != nil {
		return nil, nil, err
	}
	return append(append([]byte(nil), prefix...), full...), plain, nil
}

func xor32(a, b []byte) []byte {
	out := make([]byte, 32)
	for i := 0; i < 32; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func pointToBytes(pub *ecdsa.PublicKey) []byte {
	return cryptox.PubkeyToID(pub)
}
