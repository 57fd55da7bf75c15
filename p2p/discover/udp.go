package discover

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
)

// Config carries the discovery tunables from SPEC_FULL.md §6.
type Config struct {
	PrivateKey           *ecdsa.PrivateKey
	Bootnodes            []*PeerInfo
	K                    int
	Concurrency          int
	Timeout              time.Duration
	RefreshInterval      time.Duration
	OnlyConfirmed        bool
	ShouldFindNeighbours bool
	Log                  log.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.K <= 0 {
		out.K = BucketSize
	}
	if out.Concurrency <= 0 {
		out.Concurrency = 3
	}
	if out.Timeout <= 0 {
		out.Timeout = 4000 * time.Millisecond
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = 60000 * time.Millisecond
	}
	if out.Log == nil {
		out.Log = log.New("module", "discover")
	}
	return out
}

// pendingReply is a registered callback for an outbound ping, keyed by the
// ping packet's hash (§4.1 "Ping/pong correlation").
type pendingReply struct {
	deadline time.Time
	resolve  chan NodeID
	failed   chan struct{}
}

// UDPv4 is the discovery transport: a single UDP socket, message-driven,
// with outstanding requests tracked in a map keyed by ping hash (§5
// "Discovery I/O").
type UDPv4 struct {
	conn net.PacketConn
	priv *ecdsa.PrivateKey
	self NodeID
	addr string // local "host:port" advertised to peers, informational

	table *Table
	bans  *BanList
	log   log.Logger

	cfg Config

	mu       sync.Mutex
	pending  map[string]*pendingReply // hex(ping hash) -> reply
	inflight map[string]chan error    // "addr:udpPort" -> coalescing channel

	confirmedMu sync.Mutex
	confirmed   map[NodeID]struct{}

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenUDP starts the discovery transport on conn.
func ListenUDP(conn net.PacketConn, cfg Config) (*UDPv4, error) {
	cfg = cfg.withDefaults()
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("discover: PrivateKey required")
	}
	self := PubkeyToNodeID(&cfg.PrivateKey.PublicKey)

	t := &UDPv4{
		conn:      conn,
		priv:      cfg.PrivateKey,
		self:      self,
		table:     NewTable(self),
		bans:      NewBanList(nil),
		log:       cfg.Log,
		cfg:       cfg,
		pending:   make(map[string]*pendingReply),
		inflight:  make(map[string]chan error),
		confirmed: make(map[NodeID]struct{}),
		closing:   make(chan struct{}),
	}

	t.wg.Add(1)
	go t.readLoop()
	if cfg.ShouldFindNeighbours {
		t.wg.Add(1)
		go t.refreshLoop()
	}
	for _, bn := range cfg.Bootnodes {
		bn := bn
		go func() {
			if _, err := t.AddPeer(bn); err != nil {
				t.log.Debug("bootnode add failed", "addr", bn.Addr, "err", err)
			}
		}()
	}
	return t, nil
}

// Self returns the local node id.
func (t *UDPv4) Self() NodeID { return t.self }

// Table exposes the routing table for callers that want a snapshot (e.g. the
// node composition root dialing TCP to discovered peers).
func (t *UDPv4) Table() *Table { return t.table }

// Close shuts the transport down.
func (t *UDPv4) Close() {
	t.closeOnce.Do(func() {
		close(t.closing)
		t.conn.Close()
	})
	t.wg.Wait()
}

func (t *UDPv4) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := t.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.closing:
				return
			default:
				t.log.Debug("discover read error", "err", err)
				return
			}
		}
		t.handlePacket(from, append([]byte(nil), buf[:n]...))
	}
}

const maxPacketSize = 1280

func (t *UDPv4) handlePacket(from net.Addr, buf []byte) {
	udpAddr, ok := from.(*net.UDPAddr)
	if !ok {
		return
	}
	key := addrKey(udpAddr)
	if t.bans.Banned(key) {
		return
	}

	ptype, payload, fromID, hash, err := decodePacket(buf)
	if err != nil {
		// Malformed or invalidly-signed messages are dropped silently
		// (§4.1 Failure model).
		t.log.Debug("discover: bad packet", "from", udpAddr, "err", err)
		return
	}
	if t.bans.Banned(fromID.String()) {
		return
	}

	switch ptype {
	case pingPacket:
		t.handlePing(udpAddr, fromID, payload, hash)
	case pongPacket:
		t.handlePong(udpAddr, fromID, payload)
	case findNeighboursPacket:
		t.handleFindNeighbours(udpAddr, fromID, payload)
	case neighboursPacket:
		t.handleNeighbours(fromID, payload)
	default:
		t.log.Debug("discover: unknown packet type", "type", ptype)
	}
}

func addrKey(addr *net.UDPAddr) string {
	return fmt.Sprintf("%s:%d", addr.IP.String(), addr.Port)
}

func (t *UDPv4) send(addr *net.UDPAddr, ptype byte, payload interface{}) ([]byte, error) {
	packet, err := encodePacket(t.priv, ptype, payload)
	if err != nil {
		return nil, err
	}
	_, err = t.conn.WriteTo(packet, addr)
	return packet[:32], err // return the packet hash
}

func (t *UDPv4) handlePing(from *net.UDPAddr, fromID NodeID, payload []byte, hash []byte) {
	var ping pingData
	if err := rlp.DecodeBytes(payload, &ping); err != nil {
		t.log.Debug("discover: bad ping", "err", err)
		return
	}
	if expired(ping.Expiration) {
		return
	}
	to := newEndpoint(from.IP.String(), u16ptr(uint16(from.Port)), nil)
	t.send(from, pongPacket, &pongData{
		To:         to,
		PingHash:   hash,
		Expiration: futureExpiration(),
	})
	t.markConfirmed(fromID)
}

func u16ptr(v uint16) *uint16 { return &v }

func (t *UDPv4) markConfirmed(id NodeID) {
	t.confirmedMu.Lock()
	t.confirmed[id] = struct{}{}
	t.confirmedMu.Unlock()
}

func (t *UDPv4) isConfirmed(id NodeID) bool {
	t.confirmedMu.Lock()
	defer t.confirmedMu.Unlock()
	_, ok := t.confirmed[id]
	return ok
}

func (t *UDPv4) handlePong(from *net.UDPAddr, fromID NodeID, payload []byte) {
	var pong pongData
	if err := rlp.DecodeBytes(payload, &pong); err != nil {
		return
	}
	if expired(pong.Expiration) {
		return
	}
	key := hex.EncodeToString(pong.PingHash)

	t.mu.Lock()
	pr, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()

	if !ok {
		return // unsolicited reply, ignore
	}
	select {
	case pr.resolve <- fromID:
	default:
	}
}

func (t *UDPv4) handleFindNeighbours(from *net.UDPAddr, fromID NodeID, payload []byte) {
	var fnd findNeighboursData
	if err := rlp.DecodeBytes(payload, &fnd); err != nil {
		return
	}
	if expired(fnd.Expiration) {
		return
	}
	if t.cfg.OnlyConfirmed && !t.isConfirmed(fromID) {
		return
	}
	closest := t.table.Closest(fnd.Target, t.cfg.K)
	nodes := make([]rpcNode, 0, len(closest))
	for _, p := range closest {
		if p.ID == nil {
			continue
		}
		nodes = append(nodes, rpcNode{
			Endpoint: newEndpoint(p.Addr, p.UDPPort, p.TCPPort),
			ID:       *p.ID,
		})
	}
	t.send(from, neighboursPacket, &neighboursData{Nodes: nodes, Expiration: futureExpiration()})
}

func (t *UDPv4) handleNeighbours(fromID NodeID, payload []byte) {
	var n neighboursData
	if err := rlp.DecodeBytes(payload, &n); err != nil {
		return
	}
	if expired(n.Expiration) {
		return
	}
	// Neighbours responses are rate-limited by staggered insertion (§4.1).
	go func() {
		for _, rn := range n.Nodes {
			id := rn.ID
			udp := rn.Endpoint.UDP
			tcp := rn.Endpoint.TCP
			ip := net.IP(rn.Endpoint.IP)
			if ip == nil {
				continue
			}
			info := &PeerInfo{Addr: ip.String(), UDPPort: &udp, TCPPort: &tcp, ID: &id}
			if _, err := t.AddPeer(info); err != nil {
				t.log.Debug("discover: neighbour add failed", "id", id, "err", err)
			}
			time.Sleep(200 * time.Millisecond)
		}
	}()
}

// ping sends a ping to addr and blocks for the matching pong, implementing
// the correlation + 4s timeout + auto-ban-on-failure behaviour of §4.1.
// Concurrent calls to the same endpoint are coalesced via the inflight map.
func (t *UDPv4) ping(addr *net.UDPAddr) (NodeID, error) {
	ikey := addrKey(addr)

	t.mu.Lock()
	if ch, ok := t.inflight[ikey]; ok {
		t.mu.Unlock()
		<-ch // wait for the in-flight ping; caller re-checks the table afterward
		return NodeID{}, errCoalesced
	}
	done := make(chan error, 1)
	t.inflight[ikey] = done
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.inflight, ikey)
		t.mu.Unlock()
		close(done)
	}()

	var localUDP uint16
	if a, ok := t.conn.LocalAddr().(*net.UDPAddr); ok {
		localUDP = uint16(a.Port)
	}
	ping := &pingData{
		Version:    4,
		From:       newEndpoint("", &localUDP, nil),
		To:         newEndpoint(addr.IP.String(), u16ptr(uint16(addr.Port)), nil),
		Expiration: futureExpiration(),
	}
	hash, err := t.send(addr, pingPacket, ping)
	if err != nil {
		return NodeID{}, err
	}

	pr := &pendingReply{deadline: nowFunc().Add(t.cfg.Timeout), resolve: make(chan NodeID, 1)}
	key := hex.EncodeToString(hash)
	t.mu.Lock()
	t.pending[key] = pr
	t.mu.Unlock()

	timer := time.NewTimer(t.cfg.Timeout)
	defer timer.Stop()
	select {
	case id := <-pr.resolve:
		t.markConfirmed(id)
		return id, nil
	case <-timer.C:
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
		t.bans.Ban(addrKey(addr), DefaultBanDuration)
		return NodeID{}, errTimeout
	case <-t.closing:
		return NodeID{}, errClosed
	}
}

// AddPeer runs the §4.1 add-peer algorithm: reject banned, short-circuit on
// existing membership, ping, and on success insert (splitting into the
// overflow-eviction dance when the target bucket is full).
func (t *UDPv4) AddPeer(p *PeerInfo) (*PeerInfo, error) {
	if p.ID != nil && t.bans.Banned(p.ID.String()) {
		return nil, errBanned
	}
	if t.bans.Banned(p.addrPortKey()) {
		return nil, errBanned
	}
	if p.ID != nil {
		if existing, ok := t.table.Get(*p.ID); ok {
			return existing, nil
		}
	}

	port := uint16(30303)
	if p.UDPPort != nil {
		port = *p.UDPPort
	}
	addr := &net.UDPAddr{IP: net.ParseIP(p.Addr), Port: int(port)}

	id, err := t.ping(addr)
	if err == errCoalesced {
		if p.ID != nil {
			if existing, ok := t.table.Get(*p.ID); ok {
				return existing, nil
			}
		}
		return nil, errCoalesced
	}
	if err != nil {
		t.bans.Ban(p.addrPortKey(), DefaultBanDuration)
		return nil, err
	}

	resolved := &PeerInfo{Addr: p.Addr, UDPPort: p.UDPPort, TCPPort: p.TCPPort, ID: &id}
	if t.table.tryAdd(resolved) {
		return resolved, nil
	}

	// Bucket full: ping the oldest member; evict it only on failure.
	oldest, ok := t.table.Oldest(id)
	if !ok {
		return resolved, nil
	}
	oldAddr := &net.UDPAddr{IP: net.ParseIP(oldest.Addr), Port: int(derefOr(oldest.UDPPort, 30303))}
	if _, err := t.ping(oldAddr); err == nil {
		// oldest survives; drop the newcomer
		return nil, errBucketFull
	}
	if !t.table.ReplaceOldest(oldest, resolved) && !t.table.tryAdd(resolved) {
		return nil, errBucketFull
	}
	return resolved, nil
}

func derefOr(p *uint16, def uint16) uint16 {
	if p == nil {
		return def
	}
	return *p
}

// refreshLoop implements §4.1's rotating-selector refresh: every
// RefreshInterval/10, ~1/10 of peers (selected by first-id-byte mod 10) are
// sent a findneighbours toward a random target, or our own id, 50/50.
func (t *UDPv4) refreshLoop() {
	defer t.wg.Done()

	tick := t.cfg.RefreshInterval / 10
	if tick <= 0 {
		tick = 6 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	selector := 0
	for {
		select {
		case <-ticker.C:
			t.refreshTick(selector)
			selector = (selector + 1) % 10
		case <-t.closing:
			return
		}
	}
}

func (t *UDPv4) refreshTick(selector int) {
	for _, p := range t.table.All() {
		if p.ID == nil || int(p.ID[0])%10 != selector {
			continue
		}
		go t.sendFindNeighbours(p)
	}
}

func (t *UDPv4) sendFindNeighbours(p *PeerInfo) {
	var target [64]byte
	if coinFlip() {
		target = t.self
	} else {
		rand.Read(target[:])
	}
	port := derefOr(p.UDPPort, 30303)
	addr := &net.UDPAddr{IP: net.ParseIP(p.Addr), Port: int(port)}
	t.send(addr, findNeighboursPacket, &findNeighboursData{Target: target, Expiration: futureExpiration()})
}

func coinFlip() bool {
	var b [1]byte
	rand.Read(b[:])
	return b[0]&1 == 0
}
