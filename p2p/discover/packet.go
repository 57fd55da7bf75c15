package discover

import (
	"crypto/ecdsa"
	"errors"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/quartzchain/quartz/cryptox"
)

// Packet type bytes (§4.1).
const (
	pingPacket           = 0x01
	pongPacket           = 0x02
	findNeighboursPacket = 0x03
	neighboursPacket     = 0x04
)

const (
	headSize = 32 + 65 // hash || signature, type+payload follows
	// expiration gives outbound packets a validity window; anything older
	// is rejected on receipt (§4.1 "expired timestamps are rejected").
	expirationWindow = 20 * time.Second
)

var (
	errPacketTooSmall = errors.New("discover: packet too small")
	errBadHash        = errors.New("discover: hash mismatch")
	errBadSignature   = errors.New("discover: signature recovery failed")
	errExpired        = errors.New("discover: packet expired")
)

type rpcEndpoint struct {
	IP  []byte
	UDP uint16
	TCP uint16
}

// newEndpoint packs addr into the 4- or 16-byte binary form discovery-v4
// puts on the wire (§6 interop); addr is a dotted-decimal or IPv6 address
// string, not a host:port pair. An empty or unparseable addr yields a
// zero-length IP field, matching the "address unknown" case.
func newEndpoint(addr string, udpPort, tcpPort *uint16) rpcEndpoint {
	var ip net.IP
	if addr != "" {
		if parsed := net.ParseIP(addr); parsed != nil {
			if v4 := parsed.To4(); v4 != nil {
				ip = v4
			} else {
				ip = parsed
			}
		}
	}
	e := rpcEndpoint{IP: ip}
	if udpPort != nil {
		e.UDP = *udpPort
	}
	if tcpPort != nil {
		e.TCP = *tcpPort
	}
	return e
}

type rpcNode struct {
	Endpoint rpcEndpoint
	ID       [64]byte
}

type pingData struct {
	Version    uint
	From, To   rpcEndpoint
	Expiration uint64
}

type pongData struct {
	To         rpcEndpoint
	PingHash   []byte
	Expiration uint64
}

type findNeighboursData struct {
	Target     [64]byte
	Expiration uint64
}

type neighboursData struct {
	Nodes      []rpcNode
	Expiration uint64
}

func futureExpiration() uint64 {
	return uint64(nowFunc().Add(expirationWindow).Unix())
}

// nowFunc is overridable in tests.
var nowFunc = time.Now

func expired(ts uint64) bool {
	return int64(ts) < nowFunc().Unix()
}

// encodePacket signs and frames a payload: hash(32) ‖ signature(65) ‖
// type(1) ‖ rlp(payload), per §4.1.
func encodePacket(priv *ecdsa.PrivateKey, ptype byte, payload interface{}) ([]byte, error) {
	body, err := rlp.EncodeToBytes(payload)
	if err != nil {
		return nil, err
	}
	sigInput := cryptox.Keccak256([]byte{ptype}, body)
	sig, err := cryptox.Sign(sigInput, priv)
	if err != nil {
		return nil, err
	}

	packet := make([]byte, 32+65+1+len(body))
	copy(packet[32+65+1:], body)
	packet[32+65] = ptype
	copy(packet[32:32+65], sig)
	hash := cryptox.Keccak256(packet[32:])
	copy(packet[:32], hash)
	return packet, nil
}

// decodePacket verifies the hash and recovers the sender's id from the
// signature, per §4.1. Malformed/invalidly-signed packets return an error;
// callers must drop these silently rather than propagate them (§4.1 Failure
// model).
func decodePacket(buf []byte) (ptype byte, payload []byte, fromID NodeID, hash []byte, err error) {
	if len(buf) < 32+65+1 {
		return 0, nil, NodeID{}, nil, errPacketTooSmall
	}
	wantHash := cryptox.Keccak256(buf[32:])
	haveHash := buf[:32]
	if !bytesEqual(wantHash, haveHash) {
		return 0, nil, NodeID{}, nil, errBadHash
	}

	sig := buf[32 : 32+65]
	ptype = buf[32+65]
	payload = buf[32+65+1:]

	sigInput := cryptox.Keccak256([]byte{ptype}, payload)
	id, err := cryptox.Recover(sigInput, sig)
	if err != nil {
		return 0, nil, NodeID{}, nil, errBadSignature
	}
	var nid NodeID
	copy(nid[:], id)
	return ptype, payload, nid, haveHash, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
