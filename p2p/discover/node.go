// Package discover implements the Kademlia-over-UDP node discovery protocol
// (§4.1, C2): a routing table of k-buckets, signed ping/pong/findneighbours/
// neighbours messages, a refresh loop and a ban list.
package discover

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	"github.com/quartzchain/quartz/cryptox"
)

// NodeID is the 64-byte identifier derived from an uncompressed secp256k1
// public key with its 0x04 prefix stripped (§3).
type NodeID [64]byte

// String renders the full id as hex; PeerInfo.key uses it as the stable
// peer key.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// PubkeyToNodeID converts a public key to a NodeID.
func PubkeyToNodeID(pub *ecdsa.PublicKey) NodeID {
	var id NodeID
	copy(id[:], cryptox.PubkeyToID(pub))
	return id
}

// Pubkey recovers the ecdsa public key the id was derived from.
func (id NodeID) Pubkey() (*ecdsa.PublicKey, error) {
	return cryptox.IDToPubkey(id[:])
}

// logdist implements the XOR-distance bit length used to index
// k-buckets (§3: "0…511 for 64-byte ids").
func logdist(a, b NodeID) int {
	lz := 0
	for i := range a {
		x := a[i] ^ b[i]
		if x == 0 {
			lz += 8
			continue
		}
		lz += leadingZeros8(x)
		break
	}
	return len(a)*8 - lz
}

func leadingZeros8(x byte) int {
	n := 0
	for i := 7; i >= 0; i-- {
		if x&(1<<uint(i)) != 0 {
			break
		}
		n++
	}
	return n
}

// PeerInfo is the address/port/id tuple the spec names in §3. A peer placed
// in the routing table always has a resolved ID (invariant maintained by the
// Table, not by PeerInfo itself).
type PeerInfo struct {
	Addr    string
	UDPPort *uint16
	TCPPort *uint16
	ID      *NodeID
}

func (p *PeerInfo) key() string {
	if p.ID != nil {
		return p.ID.String()
	}
	return p.addrPortKey()
}

func (p *PeerInfo) addrPortKey() string {
	port := uint16(0)
	if p.UDPPort != nil {
		port = *p.UDPPort
	}
	return fmt.Sprintf("%s:%d", p.Addr, port)
}
