package eth

import (
	"errors"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
)

// hashOrNumber encodes an origin block query (§4.4 "GetBlockHeaders
// semantics": "Input: {startBlock: hash|number, ...}") as a single RLP
// value: a 32-byte string for a hash, or an integer for a number.
type hashOrNumber struct {
	Hash   common.Hash
	Number uint64
}

func (hn hashOrNumber) EncodeRLP(w io.Writer) error {
	if hn.Hash == (common.Hash{}) {
		return rlp.Encode(w, hn.Number)
	}
	if hn.Number != 0 {
		return errors.New("eth: both origin hash and number set")
	}
	return rlp.Encode(w, hn.Hash)
}

func (hn *hashOrNumber) DecodeRLP(s *rlp.Stream) error {
	kind, size, err := s.Kind()
	switch {
	case err != nil:
		return err
	case kind == rlp.List:
		return errors.New("eth: invalid list where hash or number expected")
	case kind == rlp.String && size == 32:
		hn.Number = 0
		return s.Decode(&hn.Hash)
	default:
		hn.Hash = common.Hash{}
		return s.Decode(&hn.Number)
	}
}

// getBlockHeadersPacket is the GET_BLOCK_HEADERS payload.
type getBlockHeadersPacket struct {
	Origin  hashOrNumber
	Amount  uint64
	Skip    uint64
	Reverse bool
}

// newBlockHashesItem is one entry of a NEW_BLOCK_HASHES announcement.
type newBlockHashesItem struct {
	Hash   common.Hash
	Number uint64
}

// From eth/66, every GET_*/response pair is wrapped [reqId, payload]
// (§4.4). Every version this package advertises (66, 67, 68) is eth/66 or
// newer, so the wrapping applies unconditionally; there is no bare
// pre-66 wire format to fall back to.

type getBlockHeadersPacket66 struct {
	RequestId uint64
	Query     *getBlockHeadersPacket
}

type blockHeadersPacket66 struct {
	RequestId uint64
	Headers   []*types.Header
}

type getBlockBodiesPacket66 struct {
	RequestId uint64
	Hashes    []common.Hash
}

type blockBodiesPacket66 struct {
	RequestId uint64
	Bodies    []*types.Body
}

type getPooledTransactionsPacket66 struct {
	RequestId uint64
	Hashes    []common.Hash
}

type pooledTransactionsPacket66 struct {
	RequestId uint64
	Txs       []*types.Transaction
}

type getReceiptsPacket66 struct {
	RequestId uint64
	Hashes    []common.Hash
}

type receiptsPacket66 struct {
	RequestId uint64
	Receipts  [][]*types.Receipt
}
