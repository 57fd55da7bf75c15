package eth

import (
	"errors"
	"math"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	errPeerAlreadyRegistered = errors.New("eth: peer already registered")
	errPeerNotRegistered     = errors.New("eth: peer not registered")
)

// peerSet tracks the live eth-protocol peers of one node, providing the
// gossip fan-out selection of §4.5 ("full transactions to
// max(MIN_BROADCAST_PEERS, floor(sqrt(peerCount))) peers").
type peerSet struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

func newPeerSet() *peerSet {
	return &peerSet{peers: make(map[string]*Peer)}
}

func (ps *peerSet) Register(p *Peer) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, ok := ps.peers[p.ID()]; ok {
		return errPeerAlreadyRegistered
	}
	ps.peers[p.ID()] = p
	return nil
}

func (ps *peerSet) Unregister(id string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, ok := ps.peers[id]; !ok {
		return errPeerNotRegistered
	}
	delete(ps.peers, id)
	return nil
}

func (ps *peerSet) Peer(id string) *Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.peers[id]
}

func (ps *peerSet) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.peers)
}

// AllPeers returns a snapshot slice of every registered peer.
func (ps *peerSet) AllPeers() []*Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	list := make([]*Peer, 0, len(ps.peers))
	for _, p := range ps.peers {
		list = append(list, p)
	}
	return list
}

// PeersWithoutBlock returns peers that have not yet seen hash.
func (ps *peerSet) PeersWithoutBlock(hash common.Hash) []*Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	list := make([]*Peer, 0, len(ps.peers))
	for _, p := range ps.peers {
		if !p.KnowsBlock(hash) {
			list = append(list, p)
		}
	}
	return list
}

// PeersWithoutTransaction returns peers that have not yet seen hash.
func (ps *peerSet) PeersWithoutTransaction(hash common.Hash) []*Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	list := make([]*Peer, 0, len(ps.peers))
	for _, p := range ps.peers {
		if !p.KnowsTransaction(hash) {
			list = append(list, p)
		}
	}
	return list
}

// BestPeer returns the peer advertising the greatest total difficulty.
func (ps *peerSet) BestPeer() *Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	var best *Peer
	var bestTD *big.Int
	for _, p := range ps.peers {
		_, td := p.Head()
		if best == nil || td.Cmp(bestTD) > 0 {
			best, bestTD = p, td
		}
	}
	return best
}

// broadcastFanout returns the number of peers that should receive a full
// object rather than just its hash announcement (§4.5 gossip policy).
func broadcastFanout(peerCount int) int {
	const minBroadcastPeers = 2
	n := int(math.Sqrt(float64(peerCount)))
	if n < minBroadcastPeers {
		n = minBroadcastPeers
	}
	if n > peerCount {
		n = peerCount
	}
	return n
}
