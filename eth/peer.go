package eth

import (
	"fmt"
	"io"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	mapset "github.com/deckarep/golang-set"
)

// streamConn is the minimal byte-stream surface a Peer needs; satisfied by
// *p2p/muxer.Stream in production and by a plain io.ReadWriter in tests.
type streamConn interface {
	io.Reader
	io.Writer
}

const (
	maxKnownBlocks = 1024
	maxKnownTxs    = 32768

	handshakeTimeout = 10 * time.Second

	maxQueuedBlocks = 4
	maxQueuedBlockAnns = 4
	maxQueuedTxs       = 128

	// requestTimeout bounds how long a Request* call waits for its
	// correlated response before giving up (§4.4 request/response
	// correlation).
	requestTimeout = 15 * time.Second
)

// statusPacket is the STATUS handshake payload of §4.4:
// [version, chainId, totalDifficulty, bestHash, genesisHash].
type statusPacket struct {
	Version    uint32
	ChainID    uint64
	TD         *big.Int
	BestHash   common.Hash
	GenesisHash common.Hash
}

type propEvent struct {
	block *types.Block
	td    *big.Int
}

// Peer wraps one negotiated eth-protocol stream, tracking the handshake
// outcome and the known-hash sets used to suppress redundant gossip.
type Peer struct {
	id      string
	version uint
	stream  streamConn
	log     log.Logger

	head common.Hash
	td   *big.Int
	mu   sync.RWMutex

	knownBlocks mapset.Set
	knownTxs    mapset.Set

	queuedBlocks    chan *propEvent
	queuedBlockAnns chan *types.Block
	queuedTxs       chan []*types.Transaction

	term chan struct{}

	writeMu sync.Mutex // serializes whole messages onto stream

	reqSeq  uint64 // atomic; next outgoing request ID
	reqMu   sync.Mutex
	pending map[uint64]chan interface{}
}

// NewPeer constructs a Peer around an already-opened, already-negotiated
// stream; Handshake must be called before the peer is usable.
func NewPeer(id string, version uint, stream streamConn) *Peer {
	p := &Peer{
		id:              id,
		version:         version,
		stream:          stream,
		log:             log.New("peer", id, "proto", "eth"),
		td:              new(big.Int),
		knownBlocks:     mapset.NewSet(),
		knownTxs:        mapset.NewSet(),
		queuedBlocks:    make(chan *propEvent, maxQueuedBlocks),
		queuedBlockAnns: make(chan *types.Block, maxQueuedBlockAnns),
		queuedTxs:       make(chan []*types.Transaction, maxQueuedTxs),
		term:            make(chan struct{}),
		pending:         make(map[uint64]chan interface{}),
	}
	go p.broadcastLoop()
	return p
}

func (p *Peer) ID() string      { return p.id }
func (p *Peer) Version() uint   { return p.version }
func (p *Peer) Log() log.Logger { return p.log }

// Head returns a copy of the peer's last-announced head hash and TD.
func (p *Peer) Head() (hash common.Hash, td *big.Int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.head, new(big.Int).Set(p.td)
}

// SetHead updates the peer's known head, called after a STATUS handshake
// or a NEW_BLOCK that validates a heavier chain tip (§4.4 "validate TD
// monotonically").
func (p *Peer) SetHead(hash common.Hash, td *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.head = hash
	p.td = new(big.Int).Set(td)
}

// Close stops the peer's broadcast loop; the caller is responsible for
// closing the underlying stream.
func (p *Peer) Close() { close(p.term) }

func (p *Peer) send(code uint64, data interface{}) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return send(p.stream, code, data)
}

func (p *Peer) readMsg() (Msg, error) {
	return readMsg(p.stream)
}

// nextRequestID allocates a request ID unique to this peer, used to tag
// the [reqId, payload] envelope of §4.4's request/response pairs.
func (p *Peer) nextRequestID() uint64 {
	return atomic.AddUint64(&p.reqSeq, 1)
}

// awaitResponse registers a correlation channel for reqId before the
// request is sent, so a response racing the send is never missed.
func (p *Peer) awaitResponse(reqId uint64) chan interface{} {
	ch := make(chan interface{}, 1)
	p.reqMu.Lock()
	p.pending[reqId] = ch
	p.reqMu.Unlock()
	return ch
}

// cancelResponse abandons a previously registered correlation channel,
// e.g. after a send failure or a timeout.
func (p *Peer) cancelResponse(reqId uint64) {
	p.reqMu.Lock()
	delete(p.pending, reqId)
	p.reqMu.Unlock()
}

// deliverResponse routes a decoded response to the goroutine awaiting
// reqId, if any. Unsolicited responses and ones that arrive after their
// requester already timed out are dropped; the caller logs that case.
func (p *Peer) deliverResponse(reqId uint64, payload interface{}) bool {
	p.reqMu.Lock()
	ch, ok := p.pending[reqId]
	if ok {
		delete(p.pending, reqId)
	}
	p.reqMu.Unlock()
	if !ok {
		return false
	}
	ch <- payload
	return true
}

// MarkBlock records hash as known to the peer, evicting the oldest entry
// once the cap is reached (§4.4 "per-peer known-hash sets").
func (p *Peer) MarkBlock(hash common.Hash) {
	for p.knownBlocks.Cardinality() >= maxKnownBlocks {
		p.knownBlocks.Pop()
	}
	p.knownBlocks.Add(hash)
}

// MarkTransaction records hash as known to the peer.
func (p *Peer) MarkTransaction(hash common.Hash) {
	for p.knownTxs.Cardinality() >= maxKnownTxs {
		p.knownTxs.Pop()
	}
	p.knownTxs.Add(hash)
}

// KnowsBlock reports whether hash has already been sent to or received
// from this peer.
func (p *Peer) KnowsBlock(hash common.Hash) bool { return p.knownBlocks.Contains(hash) }

// KnowsTransaction reports whether hash has already been exchanged with
// this peer.
func (p *Peer) KnowsTransaction(hash common.Hash) bool { return p.knownTxs.Contains(hash) }

// Handshake runs the STATUS exchange concurrently in both directions and
// validates the peer's reply (§4.4 "Mismatched genesis/chainId → close").
func (p *Peer) Handshake(chainID uint64, td *big.Int, head, genesis common.Hash) error {
	errc := make(chan error, 2)
	var status statusPacket

	go func() {
		errc <- p.send(StatusMsg, &statusPacket{
			Version:     uint32(p.version),
			ChainID:     chainID,
			TD:          td,
			BestHash:    head,
			GenesisHash: genesis,
		})
	}()
	go func() {
		errc <- p.readStatus(chainID, &status, genesis)
	}()

	timeout := time.NewTimer(handshakeTimeout)
	defer timeout.Stop()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errc:
			if err != nil {
				return err
			}
		case <-timeout.C:
			return fmt.Errorf("eth: handshake timed out")
		}
	}
	p.SetHead(status.BestHash, status.TD)
	return nil
}

func (p *Peer) readStatus(chainID uint64, status *statusPacket, genesis common.Hash) error {
	msg, err := p.readMsg()
	if err != nil {
		return err
	}
	if msg.Code != StatusMsg {
		return errResp(ErrNoStatusMsg, "first msg has code %x (!= %x)", msg.Code, StatusMsg)
	}
	if err := msg.Decode(&status); err != nil {
		return err
	}
	if status.GenesisHash != genesis {
		return errResp(ErrGenesisMismatch, "peer: %x (local: %x)", status.GenesisHash, genesis)
	}
	if status.ChainID != chainID {
		return errResp(ErrNetworkIDMismatch, "%d (!= %d)", status.ChainID, chainID)
	}
	return nil
}

// broadcastLoop drains the async propagation queues one send at a time;
// send's writeMu keeps these writes from interleaving with the handler's
// and requesters' writes on the same stream.
func (p *Peer) broadcastLoop() {
	for {
		select {
		case ev := <-p.queuedBlocks:
			if err := p.sendNewBlock(ev.block, ev.td); err != nil {
				p.log.Debug("dropping queued block propagation", "err", err)
				return
			}
		case blk := <-p.queuedBlockAnns:
			if err := p.sendNewBlockHashes([]common.Hash{blk.Hash()}, []uint64{blk.NumberU64()}); err != nil {
				p.log.Debug("dropping queued block announcement", "err", err)
				return
			}
		case txs := <-p.queuedTxs:
			if err := p.sendTransactions(txs); err != nil {
				p.log.Debug("dropping queued transactions", "err", err)
				return
			}
		case <-p.term:
			return
		}
	}
}

// AsyncSendNewBlock queues a full block for propagation; drops silently
// if the peer's queue is already full (§5 "Ordering guarantees").
func (p *Peer) AsyncSendNewBlock(block *types.Block, td *big.Int) {
	select {
	case p.queuedBlocks <- &propEvent{block: block, td: td}:
		p.MarkBlock(block.Hash())
	default:
		p.log.Debug("dropping block propagation", "number", block.NumberU64())
	}
}

// AsyncSendNewBlockHash queues a block-hash announcement.
func (p *Peer) AsyncSendNewBlockHash(block *types.Block) {
	select {
	case p.queuedBlockAnns <- block:
		p.MarkBlock(block.Hash())
	default:
		p.log.Debug("dropping block announcement", "number", block.NumberU64())
	}
}

// AsyncSendTransactions queues full transactions for propagation.
func (p *Peer) AsyncSendTransactions(txs []*types.Transaction) {
	select {
	case p.queuedTxs <- txs:
		for _, tx := range txs {
			p.MarkTransaction(tx.Hash())
		}
	default:
		p.log.Debug("dropping transaction propagation", "count", len(txs))
	}
}

func (p *Peer) sendNewBlock(block *types.Block, td *big.Int) error {
	return p.send(NewBlockMsg, []interface{}{block, td})
}

func (p *Peer) sendNewBlockHashes(hashes []common.Hash, numbers []uint64) error {
	req := make([]newBlockHashesItem, len(hashes))
	for i := range hashes {
		req[i] = newBlockHashesItem{hashes[i], numbers[i]}
	}
	return p.send(NewBlockHashesMsg, req)
}

func (p *Peer) sendTransactions(txs []*types.Transaction) error {
	return p.send(TransactionsMsg, txs)
}

// SendPooledTransactionHashes announces tx hashes only, batched to at
// most 4096 per message per §4.5 "Gossip".
func (p *Peer) SendPooledTransactionHashes(hashes []common.Hash) error {
	const maxHashesPerMsg = 4096
	for len(hashes) > 0 {
		n := len(hashes)
		if n > maxHashesPerMsg {
			n = maxHashesPerMsg
		}
		batch := hashes[:n]
		for _, h := range batch {
			p.MarkTransaction(h)
		}
		if err := p.send(NewPooledTransactionHashesMsg, batch); err != nil {
			return err
		}
		hashes = hashes[n:]
	}
	return nil
}

// RequestHeadersByNumber fetches a batch of headers by starting number,
// blocking for the correlated response (§4.4 request/response
// correlation) or until requestTimeout elapses. Callers must invoke this
// from a goroutine other than the peer's own read loop (the one calling
// RunPeer/handleLoop), since the response it waits for is itself
// delivered by that loop.
func (p *Peer) RequestHeadersByNumber(origin uint64, amount int, skip int, reverse bool) ([]*types.Header, error) {
	return p.requestHeaders(hashOrNumber{Number: origin}, amount, skip, reverse)
}

// RequestHeadersByHash fetches a batch of headers by starting hash; see
// RequestHeadersByNumber for the blocking/goroutine caveat.
func (p *Peer) RequestHeadersByHash(origin common.Hash, amount int, skip int, reverse bool) ([]*types.Header, error) {
	return p.requestHeaders(hashOrNumber{Hash: origin}, amount, skip, reverse)
}

func (p *Peer) requestHeaders(origin hashOrNumber, amount, skip int, reverse bool) ([]*types.Header, error) {
	reqId := p.nextRequestID()
	ch := p.awaitResponse(reqId)
	err := p.send(GetBlockHeadersMsg, &getBlockHeadersPacket66{
		RequestId: reqId,
		Query: &getBlockHeadersPacket{
			Origin:  origin,
			Amount:  uint64(amount),
			Skip:    uint64(skip),
			Reverse: reverse,
		},
	})
	if err != nil {
		p.cancelResponse(reqId)
		return nil, err
	}
	v, err := p.awaitPayload(reqId, ch)
	if err != nil {
		return nil, err
	}
	headers, _ := v.([]*types.Header)
	return headers, nil
}

// RequestBodies fetches the bodies of the given hashes, blocking for the
// correlated response; see RequestHeadersByNumber for the caveat.
func (p *Peer) RequestBodies(hashes []common.Hash) ([]*types.Body, error) {
	reqId := p.nextRequestID()
	ch := p.awaitResponse(reqId)
	err := p.send(GetBlockBodiesMsg, &getBlockBodiesPacket66{RequestId: reqId, Hashes: hashes})
	if err != nil {
		p.cancelResponse(reqId)
		return nil, err
	}
	v, err := p.awaitPayload(reqId, ch)
	if err != nil {
		return nil, err
	}
	bodies, _ := v.([]*types.Body)
	return bodies, nil
}

// RequestReceipts fetches receipts for the given block hashes. No
// receipt store is wired into Chain (see handler.go), so nothing ever
// answers this request; it is fire-and-forget rather than blocking, to
// avoid a guaranteed timeout for a call nothing currently makes.
func (p *Peer) RequestReceipts(hashes []common.Hash) error {
	return p.send(GetReceiptsMsg, &getReceiptsPacket66{RequestId: p.nextRequestID(), Hashes: hashes})
}

// RequestTxs fetches pooled transactions by hash, blocking for the
// correlated response; see RequestHeadersByNumber for the caveat.
func (p *Peer) RequestTxs(hashes []common.Hash) ([]*types.Transaction, error) {
	reqId := p.nextRequestID()
	ch := p.awaitResponse(reqId)
	err := p.send(GetPooledTransactionsMsg, &getPooledTransactionsPacket66{RequestId: reqId, Hashes: hashes})
	if err != nil {
		p.cancelResponse(reqId)
		return nil, err
	}
	v, err := p.awaitPayload(reqId, ch)
	if err != nil {
		return nil, err
	}
	txs, _ := v.([]*types.Transaction)
	return txs, nil
}

// awaitPayload blocks on ch for the response to reqId, or cancels and
// errors out once requestTimeout elapses.
func (p *Peer) awaitPayload(reqId uint64, ch chan interface{}) (interface{}, error) {
	select {
	case v := <-ch:
		return v, nil
	case <-time.After(requestTimeout):
		p.cancelResponse(reqId)
		return nil, fmt.Errorf("eth: request %d to peer %s timed out", reqId, p.id)
	}
}
