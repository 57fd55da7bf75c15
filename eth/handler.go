package eth

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
)

// Chain is the subset of the blockchain manager (C7) the protocol handler
// needs: header/body lookups for serving requests, and PutBlock to hand
// off a freshly received block.
type Chain interface {
	GetHeader(hash common.Hash, number uint64) *types.Header
	GetHeaderByHash(hash common.Hash) *types.Header
	GetHeaderByNumber(number uint64) *types.Header
	GetBlock(hash common.Hash, number uint64) *types.Block
	CurrentBlock() *types.Block
	GetTd(hash common.Hash, number uint64) *big.Int
	Genesis() *types.Block
	ChainID() uint64
	PutBlock(block *types.Block) error
}

// TxPool is the subset of the mempool (C6) the protocol handler needs.
type TxPool interface {
	Get(hash common.Hash) *types.Transaction
	AddRemotes(txs []*types.Transaction) []error
}

// Handler dispatches the ETH wire protocol for one registered peer until
// the stream closes or a protocol violation aborts it (§4.4).
type Handler struct {
	chain  Chain
	txpool TxPool
	peers  *peerSet
	log    log.Logger
}

// NewHandler constructs a Handler bound to the given chain and tx pool
// backends.
func NewHandler(chain Chain, txpool TxPool) *Handler {
	return &Handler{
		chain:  chain,
		txpool: txpool,
		peers:  newPeerSet(),
		log:    log.New("module", "eth"),
	}
}

// PeersSnapshot returns the currently registered peers, for inspection
// by the debug HTTP surface.
func (h *Handler) PeersSnapshot() []*Peer {
	return h.peers.AllPeers()
}

// RunPeer performs the STATUS handshake for a freshly opened stream,
// registers the peer, and serves it until the connection ends.
func (h *Handler) RunPeer(peer *Peer) error {
	head := h.chain.CurrentBlock()
	td := h.chain.GetTd(head.Hash(), head.NumberU64())
	genesis := h.chain.Genesis()

	if err := peer.Handshake(h.chain.ChainID(), td, head.Hash(), genesis.Hash()); err != nil {
		peer.Log().Debug("eth handshake failed", "err", err)
		return err
	}
	if err := h.peers.Register(peer); err != nil {
		return err
	}
	defer h.peers.Unregister(peer.ID())

	peer.Log().Debug("eth peer connected", "head", head.Hash(), "td", td)
	return h.handleLoop(peer)
}

func (h *Handler) handleLoop(peer *Peer) error {
	for {
		msg, err := peer.readMsg()
		if err != nil {
			return err
		}
		if err := h.handleMessage(peer, msg); err != nil {
			return err
		}
	}
}

// handleMessage dispatches one decoded message by code. Per §4.4's
// failure model, decoding errors close the stream; unknown codes are
// logged and ignored rather than treated as fatal.
func (h *Handler) handleMessage(peer *Peer, msg Msg) error {
	switch msg.Code {
	case StatusMsg:
		return errResp(ErrExtraStatusMsg, "uninvited status message")

	case GetBlockHeadersMsg:
		return h.handleGetBlockHeaders(peer, msg)
	case BlockHeadersMsg:
		return h.handleBlockHeaders(peer, msg)

	case GetBlockBodiesMsg:
		return h.handleGetBlockBodies(peer, msg)
	case BlockBodiesMsg:
		return h.handleBlockBodies(peer, msg)

	case NewBlockHashesMsg:
		return h.handleNewBlockHashes(peer, msg)
	case NewBlockMsg:
		return h.handleNewBlock(peer, msg)

	case TransactionsMsg:
		return h.handleTransactions(peer, msg)
	case NewPooledTransactionHashesMsg:
		return h.handleNewPooledTransactionHashes(peer, msg)
	case GetPooledTransactionsMsg:
		return h.handleGetPooledTransactions(peer, msg)
	case PooledTransactionsMsg:
		return h.handlePooledTransactions(peer, msg)

	case GetReceiptsMsg:
		return nil // no receipt store wired into Chain; left for a future backend
	case ReceiptsMsg:
		return nil

	default:
		h.log.Debug("ignoring unknown message code", "code", msg.Code, "peer", peer.ID())
		return nil
	}
}

// handleGetBlockHeaders implements §4.4's "GetBlockHeaders semantics":
// serve up to max consecutive headers stepping by skip+1, honoring
// reverse, stopping at the first missing block. From eth/66 the request
// and its response are wrapped [reqId, payload]; the reqId is echoed
// back unchanged so the requester can correlate it.
func (h *Handler) handleGetBlockHeaders(peer *Peer, msg Msg) error {
	var req getBlockHeadersPacket66
	if err := msg.Decode(&req); err != nil {
		return err
	}
	query := req.Query

	amount := query.Amount
	if amount > maxHeadersServe {
		amount = maxHeadersServe
	}

	var origin *types.Header
	if query.Origin.Hash != (common.Hash{}) {
		origin = h.chain.GetHeaderByHash(query.Origin.Hash)
	} else {
		origin = h.chain.GetHeaderByNumber(query.Origin.Number)
	}
	if origin == nil {
		return peer.send(BlockHeadersMsg, &blockHeadersPacket66{RequestId: req.RequestId, Headers: []*types.Header{}})
	}

	headers := make([]*types.Header, 0, amount)
	headers = append(headers, origin)
	next := origin

	step := query.Skip + 1
	bytes := 0
	for uint64(len(headers)) < amount && bytes < softResponseLimit {
		var num uint64
		if query.Reverse {
			if next.Number.Uint64() < step {
				break
			}
			num = next.Number.Uint64() - step
		} else {
			num = next.Number.Uint64() + step
		}
		hdr := h.chain.GetHeaderByNumber(num)
		if hdr == nil {
			break
		}
		headers = append(headers, hdr)
		next = hdr
		bytes += estHeaderSize
	}
	return peer.send(BlockHeadersMsg, &blockHeadersPacket66{RequestId: req.RequestId, Headers: headers})
}

// handleBlockHeaders routes a BLOCK_HEADERS response to whichever
// goroutine is waiting on its reqId (§4.4 request/response correlation);
// an unmatched reqId means the requester already timed out, or the peer
// sent a reply nobody asked for, so it is dropped.
func (h *Handler) handleBlockHeaders(peer *Peer, msg Msg) error {
	var resp blockHeadersPacket66
	if err := msg.Decode(&resp); err != nil {
		return err
	}
	if !peer.deliverResponse(resp.RequestId, resp.Headers) {
		h.log.Debug("dropping unsolicited block headers response", "peer", peer.ID(), "reqId", resp.RequestId)
	}
	return nil
}

const estHeaderSize = 500

func (h *Handler) handleGetBlockBodies(peer *Peer, msg Msg) error {
	var req getBlockBodiesPacket66
	if err := msg.Decode(&req); err != nil {
		return err
	}
	hashes := req.Hashes
	if len(hashes) > maxBodiesServe {
		hashes = hashes[:maxBodiesServe]
	}
	bodies := make([]*types.Body, 0, len(hashes))
	bytes := 0
	for _, hash := range hashes {
		if bytes >= softResponseLimit {
			break
		}
		header := h.chain.GetHeaderByHash(hash)
		if header == nil {
			continue
		}
		block := h.chain.GetBlock(hash, header.Number.Uint64())
		if block == nil {
			continue
		}
		bodies = append(bodies, &types.Body{Transactions: block.Transactions(), Uncles: block.Uncles()})
		bytes += int(block.Size())
	}
	return peer.send(BlockBodiesMsg, &blockBodiesPacket66{RequestId: req.RequestId, Bodies: bodies})
}

// handleBlockBodies routes a BLOCK_BODIES response to its waiting
// requester by reqId; see handleBlockHeaders.
func (h *Handler) handleBlockBodies(peer *Peer, msg Msg) error {
	var resp blockBodiesPacket66
	if err := msg.Decode(&resp); err != nil {
		return err
	}
	if !peer.deliverResponse(resp.RequestId, resp.Bodies) {
		h.log.Debug("dropping unsolicited block bodies response", "peer", peer.ID(), "reqId", resp.RequestId)
	}
	return nil
}

// handleNewBlockHashes records the announcement; actual header fetch is
// left to a fetcher component outside the scope of this handler.
func (h *Handler) handleNewBlockHashes(peer *Peer, msg Msg) error {
	var ann []newBlockHashesItem
	if err := msg.Decode(&ann); err != nil {
		return err
	}
	for _, item := range ann {
		peer.MarkBlock(item.Hash)
	}
	return nil
}

// handleNewBlock implements §4.4's "NEW_BLOCK propagation": validate TD
// monotonically, hand to the chain, then propagate.
func (h *Handler) handleNewBlock(peer *Peer, msg Msg) error {
	var packet struct {
		Block *types.Block
		TD    *big.Int
	}
	if err := msg.Decode(&packet); err != nil {
		return err
	}
	peer.MarkBlock(packet.Block.Hash())

	_, currentTD := peer.Head()
	if packet.TD.Cmp(currentTD) <= 0 && currentTD.Sign() != 0 {
		return errResp(ErrInvalidTD, "announced TD %v not greater than known %v", packet.TD, currentTD)
	}
	peer.SetHead(packet.Block.Hash(), packet.TD)

	if err := h.chain.PutBlock(packet.Block); err != nil {
		h.log.Debug("rejected propagated block", "hash", packet.Block.Hash(), "err", err)
		return nil
	}
	h.BroadcastBlock(packet.Block, packet.TD)
	return nil
}

func (h *Handler) handleTransactions(peer *Peer, msg Msg) error {
	var txs []*types.Transaction
	if err := msg.Decode(&txs); err != nil {
		return err
	}
	for _, tx := range txs {
		peer.MarkTransaction(tx.Hash())
	}
	h.txpool.AddRemotes(txs)
	return nil
}

func (h *Handler) handleNewPooledTransactionHashes(peer *Peer, msg Msg) error {
	var hashes []common.Hash
	if err := msg.Decode(&hashes); err != nil {
		return err
	}
	var unknown []common.Hash
	for _, hash := range hashes {
		peer.MarkTransaction(hash)
		if h.txpool.Get(hash) == nil {
			unknown = append(unknown, hash)
		}
	}
	if len(unknown) > 0 {
		// RequestTxs blocks on the correlated response, which this same
		// peer's read loop is responsible for delivering (handlePooledTransactions
		// below) — so it must run off this goroutine, not inline, or the
		// loop would deadlock waiting on itself.
		go h.fetchPooledTransactions(peer, unknown)
	}
	return nil
}

func (h *Handler) fetchPooledTransactions(peer *Peer, hashes []common.Hash) {
	txs, err := peer.RequestTxs(hashes)
	if err != nil {
		peer.Log().Debug("pooled transaction fetch failed", "err", err)
		return
	}
	h.txpool.AddRemotes(txs)
}

func (h *Handler) handleGetPooledTransactions(peer *Peer, msg Msg) error {
	var req getPooledTransactionsPacket66
	if err := msg.Decode(&req); err != nil {
		return err
	}
	txs := make([]*types.Transaction, 0, len(req.Hashes))
	for _, hash := range req.Hashes {
		if tx := h.txpool.Get(hash); tx != nil {
			txs = append(txs, tx)
		}
	}
	return peer.send(PooledTransactionsMsg, &pooledTransactionsPacket66{RequestId: req.RequestId, Txs: txs})
}

// handlePooledTransactions routes a POOLED_TRANSACTIONS response to its
// waiting requester by reqId; see handleBlockHeaders.
func (h *Handler) handlePooledTransactions(peer *Peer, msg Msg) error {
	var resp pooledTransactionsPacket66
	if err := msg.Decode(&resp); err != nil {
		return err
	}
	if !peer.deliverResponse(resp.RequestId, resp.Txs) {
		h.log.Debug("dropping unsolicited pooled transactions response", "peer", peer.ID(), "reqId", resp.RequestId)
	}
	return nil
}

// BroadcastBlock propagates block per the §4.5 gossip policy: the full
// block to a sqrt-fanout subset of peers that haven't seen it, a
// hash-only announcement to the rest.
func (h *Handler) BroadcastBlock(block *types.Block, td *big.Int) {
	candidates := h.peers.PeersWithoutBlock(block.Hash())
	fanout := broadcastFanout(len(candidates))

	for _, p := range candidates[:fanout] {
		p.AsyncSendNewBlock(block, td)
	}
	for _, p := range candidates[fanout:] {
		p.AsyncSendNewBlockHash(block)
	}
}

// BroadcastTransactions propagates txs per the §4.5 gossip policy.
func (h *Handler) BroadcastTransactions(txs []*types.Transaction) {
	perPeer := make(map[*Peer][]*types.Transaction)
	annPeer := make(map[*Peer][]common.Hash)

	for _, tx := range txs {
		candidates := h.peers.PeersWithoutTransaction(tx.Hash())
		fanout := broadcastFanout(len(candidates))
		for i, p := range candidates {
			if i < fanout {
				perPeer[p] = append(perPeer[p], tx)
			} else {
				annPeer[p] = append(annPeer[p], tx.Hash())
			}
		}
	}
	for p, list := range perPeer {
		p.AsyncSendTransactions(list)
	}
	for p, hashes := range annPeer {
		p.SendPooledTransactionHashes(hashes)
	}
}

// Rebroadcast re-announces pending transaction hashes to a sqrt-fanout
// subset of peers, called on the 60 s timer of §4.5.
func (h *Handler) Rebroadcast(hashes []common.Hash) {
	peers := h.peers.AllPeers()
	fanout := broadcastFanout(len(peers))
	if fanout > len(peers) {
		fanout = len(peers)
	}
	for _, p := range peers[:fanout] {
		p.SendPooledTransactionHashes(hashes)
	}
}
