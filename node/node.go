package node

import (
	"crypto/ecdsa"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/quartzchain/quartz/core"
	"github.com/quartzchain/quartz/core/rawdb"
	"github.com/quartzchain/quartz/eth"
	"github.com/quartzchain/quartz/p2p/discover"
	"github.com/quartzchain/quartz/p2p/muxer"
	"github.com/quartzchain/quartz/p2p/rlpx"
	"github.com/quartzchain/quartz/txpool"
)

// Node is the composition root: it owns the discovery table, the TCP
// listener that accepts RLPx+muxer sessions, the ETH protocol handler,
// the mempool, and the blockchain manager, and wires them together.
type Node struct {
	cfg Config
	log log.Logger

	privateKey *ecdsa.PrivateKey

	discoverSocket *discover.UDPv4
	listener       net.Listener

	chain   *core.BlockChain
	txpool  *txpool.Pool
	handler *eth.Handler

	debugAPI *DebugAPI

	mu      sync.Mutex
	closing chan struct{}
}

// New constructs a Node from cfg and genesis, wiring C2 (discovery), C3
// (transport), C4 (muxing), C5 (eth), C6 (mempool), and C7 (chain) into
// one process, but does not yet start any network I/O; call Start for
// that.
func New(cfg Config, genesis *types.Block, privateKey *ecdsa.PrivateKey) (*Node, error) {
	n := &Node{
		cfg:        cfg,
		log:        log.New("module", "node"),
		privateKey: privateKey,
		closing:    make(chan struct{}),
	}

	db := rawdb.NewMemoryDatabase()
	if cfg.DataDir != "" {
		ldb, err := rawdb.NewLevelDBDatabase(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("node: opening datadir: %w", err)
		}
		db = ldb
	}

	chain, err := core.NewBlockChain(db, genesis, core.Config{
		ChainID:           cfg.ChainID,
		ValidateBlocks:    cfg.ValidateBlocks,
		ValidateConsensus: cfg.ValidateConsensus,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("node: opening chain: %w", err)
	}
	n.chain = chain

	pool := txpool.NewPool(&chainHeadAdapter{chain: chain}, nil)
	n.txpool = pool

	handler := eth.NewHandler(chain, pool)
	n.handler = handler
	pool.SetBroadcaster(handler)

	n.debugAPI = newDebugAPI(n)
	return n, nil
}

// Start begins listening for discovery and transport traffic.
func (n *Node) Start() error {
	bootnodes := make([]*discover.PeerInfo, 0, len(n.cfg.BootstrapNodes))

	udpConn, err := net.ListenPacket("udp", n.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("node: discovery listen: %w", err)
	}
	socket, err := discover.ListenUDP(udpConn, discover.Config{
		PrivateKey: n.privateKey,
		Bootnodes:  bootnodes,
	})
	if err != nil {
		return fmt.Errorf("node: discovery start: %w", err)
	}
	n.discoverSocket = socket

	listener, err := net.Listen("tcp", n.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("node: tcp listen: %w", err)
	}
	n.listener = listener
	go n.acceptLoop()

	if n.cfg.DebugHTTPAddr != "" {
		go n.serveDebugHTTP()
	}
	return nil
}

func (n *Node) acceptLoop() {
	for {
		nc, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.closing:
				return
			default:
				n.log.Debug("accept failed", "err", err)
				continue
			}
		}
		go n.handleIncoming(nc)
	}
}

func (n *Node) handleIncoming(nc net.Conn) {
	conn, remotePub, err := rlpx.Accept(nc, n.privateKey, n.cfg.RequireEIP8)
	if err != nil {
		n.log.Debug("rlpx handshake failed", "err", err)
		nc.Close()
		return
	}
	session := muxer.NewSession(conn, false)
	stream, err := session.AcceptStream()
	if err != nil {
		n.log.Debug("stream negotiation failed", "err", err)
		session.Close()
		return
	}

	version, ok := parseProtocolVersion(stream.Protocol())
	if !ok {
		n.log.Debug("unsupported protocol", "protocol", stream.Protocol())
		session.Close()
		return
	}
	peerID := common.Bytes2Hex(crypto.FromECDSAPub(remotePub))
	peer := eth.NewPeer(peerID, version, stream)
	if err := n.handler.RunPeer(peer); err != nil {
		n.log.Debug("eth peer session ended", "id", peerID, "err", err)
	}
}

// Dial actively connects to a remote peer and runs the ETH engine over
// the negotiated stream; used for outbound connections discovered by
// C2 or supplied via configuration.
func (n *Node) Dial(addr string, remotePub *ecdsa.PublicKey) error {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	conn, err := rlpx.Dial(nc, n.privateKey, remotePub, n.cfg.RequireEIP8)
	if err != nil {
		nc.Close()
		return err
	}
	session := muxer.NewSession(conn, true)

	candidates := make([]string, len(eth.ProtocolVersions))
	for i, v := range eth.ProtocolVersions {
		candidates[i] = eth.ProtocolString(v)
	}
	stream, err := session.OpenStream(candidates[0])
	if err != nil {
		session.Close()
		return err
	}
	version, _ := parseProtocolVersion(stream.Protocol())
	peerID := common.Bytes2Hex(crypto.FromECDSAPub(remotePub))
	peer := eth.NewPeer(peerID, version, stream)
	go func() {
		if err := n.handler.RunPeer(peer); err != nil {
			n.log.Debug("eth peer session ended", "id", peerID, "err", err)
		}
	}()
	return nil
}

func (n *Node) serveDebugHTTP() {
	n.log.Info("debug http listening", "addr", n.cfg.DebugHTTPAddr)
	if err := http.ListenAndServe(n.cfg.DebugHTTPAddr, n.debugAPI.Handler()); err != nil {
		n.log.Warn("debug http server stopped", "err", err)
	}
}

// Stop closes the TCP listener and discovery socket.
func (n *Node) Stop() error {
	close(n.closing)
	if n.listener != nil {
		n.listener.Close()
	}
	if n.discoverSocket != nil {
		n.discoverSocket.Close()
	}
	n.txpool.Stop()
	return nil
}

func parseProtocolVersion(protocol string) (uint, bool) {
	parts := strings.Split(protocol, "/")
	if len(parts) < 3 || parts[1] != eth.ProtocolName {
		return 0, false
	}
	v, err := strconv.Atoi(parts[2])
	if err != nil {
		return 0, false
	}
	return uint(v), true
}
