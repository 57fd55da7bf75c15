package eth

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
)

// fakeChain is a minimal in-memory Chain for exercising the header-serving
// logic without a real blockchain manager.
type fakeChain struct {
	headersByNumber map[uint64]*types.Header
	headersByHash   map[common.Hash]*types.Header
	genesis         *types.Block
	head            *types.Block
	chainID         uint64
	puts            []*types.Block
}

func newFakeChain(n int) *fakeChain {
	fc := &fakeChain{
		headersByNumber: make(map[uint64]*types.Header),
		headersByHash:   make(map[common.Hash]*types.Header),
		chainID:         1337,
	}
	for i := 0; i < n; i++ {
		h := &types.Header{Number: big.NewInt(int64(i)), Extra: []byte{byte(i)}}
		fc.headersByNumber[uint64(i)] = h
		fc.headersByHash[h.Hash()] = h
	}
	fc.genesis = types.NewBlockWithHeader(fc.headersByNumber[0])
	fc.head = types.NewBlockWithHeader(fc.headersByNumber[uint64(n-1)])
	return fc
}

func (fc *fakeChain) GetHeader(hash common.Hash, number uint64) *types.Header {
	return fc.headersByNumber[number]
}
func (fc *fakeChain) GetHeaderByHash(hash common.Hash) *types.Header { return fc.headersByHash[hash] }
func (fc *fakeChain) GetHeaderByNumber(number uint64) *types.Header  { return fc.headersByNumber[number] }
func (fc *fakeChain) GetBlock(hash common.Hash, number uint64) *types.Block {
	h := fc.headersByNumber[number]
	if h == nil {
		return nil
	}
	return types.NewBlockWithHeader(h)
}
func (fc *fakeChain) CurrentBlock() *types.Block         { return fc.head }
func (fc *fakeChain) GetTd(common.Hash, uint64) *big.Int { return big.NewInt(100) }
func (fc *fakeChain) Genesis() *types.Block              { return fc.genesis }
func (fc *fakeChain) ChainID() uint64                     { return fc.chainID }
func (fc *fakeChain) PutBlock(b *types.Block) error {
	fc.puts = append(fc.puts, b)
	return nil
}

type fakeTxPool struct {
	byHash map[common.Hash]*types.Transaction
	added  []*types.Transaction
}

func newFakeTxPool() *fakeTxPool {
	return &fakeTxPool{byHash: make(map[common.Hash]*types.Transaction)}
}

func (fp *fakeTxPool) Get(hash common.Hash) *types.Transaction { return fp.byHash[hash] }
func (fp *fakeTxPool) AddRemotes(txs []*types.Transaction) []error {
	fp.added = append(fp.added, txs...)
	return make([]error, len(txs))
}

// recordingStream is a streamConn whose Write calls land in a buffer; the
// tests call handler methods directly rather than running handleLoop, then
// read the handler's reply back out of the same buffer with readMsg.
type recordingStream struct {
	bytes.Buffer
}

func newPeerWithRecorder() (*Peer, *recordingStream) {
	rs := &recordingStream{}
	p := NewPeer("peer-1", 68, rs)
	return p, rs
}

func TestHandleGetBlockHeadersForwardBySkip(t *testing.T) {
	chain := newFakeChain(20)
	h := NewHandler(chain, newFakeTxPool())
	peer, rs := newPeerWithRecorder()
	defer peer.Close()

	payload, err := encodeTestMsg(&getBlockHeadersPacket66{
		RequestId: 42,
		Query: &getBlockHeadersPacket{
			Origin:  hashOrNumber{Number: 2},
			Amount:  4,
			Skip:    1,
			Reverse: false,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := h.handleGetBlockHeaders(peer, Msg{Code: GetBlockHeadersMsg, Payload: payload}); err != nil {
		t.Fatal(err)
	}

	msg, err := readMsg(rs)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Code != BlockHeadersMsg {
		t.Fatalf("code = %d, want BlockHeadersMsg", msg.Code)
	}
	var resp blockHeadersPacket66
	if err := msg.Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.RequestId != 42 {
		t.Fatalf("RequestId = %d, want 42 (echoed from request)", resp.RequestId)
	}
	got := resp.Headers
	if len(got) != 4 {
		t.Fatalf("len(headers) = %d, want 4", len(got))
	}
	wantNumbers := []int64{2, 4, 6, 8}
	for i, hdr := range got {
		if hdr.Number.Int64() != wantNumbers[i] {
			t.Fatalf("headers[%d].Number = %d, want %d", i, hdr.Number.Int64(), wantNumbers[i])
		}
	}
}

func TestHandleGetBlockHeadersStopsOnMissingBlock(t *testing.T) {
	chain := newFakeChain(5)
	h := NewHandler(chain, newFakeTxPool())
	peer, rs := newPeerWithRecorder()
	defer peer.Close()

	payload, err := encodeTestMsg(&getBlockHeadersPacket66{
		RequestId: 7,
		Query: &getBlockHeadersPacket{
			Origin: hashOrNumber{Number: 3},
			Amount: 10,
			Skip:   0,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.handleGetBlockHeaders(peer, Msg{Code: GetBlockHeadersMsg, Payload: payload}); err != nil {
		t.Fatal(err)
	}

	msg, err := readMsg(rs)
	if err != nil {
		t.Fatal(err)
	}
	var resp blockHeadersPacket66
	if err := msg.Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.RequestId != 7 {
		t.Fatalf("RequestId = %d, want 7 (echoed from request)", resp.RequestId)
	}
	if len(resp.Headers) != 2 {
		t.Fatalf("len(headers) = %d, want 2 (blocks 3,4 then missing 5)", len(resp.Headers))
	}
}

func TestHandleNewBlockRejectsNonIncreasingTD(t *testing.T) {
	chain := newFakeChain(3)
	h := NewHandler(chain, newFakeTxPool())
	peer, _ := newPeerWithRecorder()
	defer peer.Close()
	peer.SetHead(common.Hash{}, big.NewInt(500))

	block := types.NewBlockWithHeader(&types.Header{Number: big.NewInt(10)})
	payload, err := encodeTestMsg(&struct {
		Block *types.Block
		TD    *big.Int
	}{block, big.NewInt(400)})
	if err != nil {
		t.Fatal(err)
	}

	err = h.handleNewBlock(peer, Msg{Code: NewBlockMsg, Payload: payload})
	if err == nil {
		t.Fatal("expected an error for non-increasing TD")
	}
	if len(chain.puts) != 0 {
		t.Fatal("block should not have been handed to the chain")
	}
}

func encodeTestMsg(v interface{}) ([]byte, error) {
	return rlp.EncodeToBytes(v)
}
