package rawdb

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/VictoriaMetrics/fastcache"
)

// bodyByteCache holds raw RLP-encoded body bytes keyed by bodyKey,
// sparing a KeyValueStore round trip for repeatedly fetched bodies
// (block propagation re-reads the same few bodies while serving several
// peers' GetBlockBodies requests).
var bodyByteCache = fastcache.New(32 * 1024 * 1024)

func ReadHeader(db KeyValueStore, hash common.Hash, number uint64) *types.Header {
	data, err := db.Get(headerKey(number, hash))
	if err != nil {
		return nil
	}
	header := new(types.Header)
	if err := rlp.DecodeBytes(data, header); err != nil {
		return nil
	}
	return header
}

func WriteHeader(batch *Batch, header *types.Header) error {
	data, err := rlp.EncodeToBytes(header)
	if err != nil {
		return err
	}
	batch.Put(headerKey(header.Number.Uint64(), header.Hash()), data)
	return nil
}

// rawBody is the RLP shape of a stored body: [txs, uncles]. Withdrawals
// are carried by newer forks but are out of scope here (no post-Shanghai
// hardfork in the configured hardforkManager).
type rawBody struct {
	Transactions []*types.Transaction
	Uncles       []*types.Header
}

func ReadBody(db KeyValueStore, hash common.Hash, number uint64) *types.Body {
	key := bodyKey(number, hash)
	data, ok := bodyByteCache.HasGet(nil, key)
	if !ok {
		fetched, err := db.Get(key)
		if err != nil {
			return nil
		}
		data = fetched
		bodyByteCache.Set(key, data)
	}
	var rb rawBody
	if err := rlp.DecodeBytes(data, &rb); err != nil {
		return nil
	}
	return &types.Body{Transactions: rb.Transactions, Uncles: rb.Uncles}
}

func WriteBody(batch *Batch, hash common.Hash, number uint64, body *types.Body) error {
	data, err := rlp.EncodeToBytes(rawBody{Transactions: body.Transactions, Uncles: body.Uncles})
	if err != nil {
		return err
	}
	key := bodyKey(number, hash)
	batch.Put(key, data)
	bodyByteCache.Set(key, data)
	return nil
}

func ReadTd(db KeyValueStore, hash common.Hash, number uint64) *big.Int {
	data, err := db.Get(tdKey(number, hash))
	if err != nil {
		return nil
	}
	td := new(big.Int)
	if err := rlp.DecodeBytes(data, td); err != nil {
		return nil
	}
	return td
}

func WriteTd(batch *Batch, hash common.Hash, number uint64, td *big.Int) error {
	data, err := rlp.EncodeToBytes(td)
	if err != nil {
		return err
	}
	batch.Put(tdKey(number, hash), data)
	return nil
}

func ReadCanonicalHash(db KeyValueStore, number uint64) (common.Hash, bool) {
	data, err := db.Get(numberToHashKey(number))
	if err != nil || len(data) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(data), true
}

func WriteCanonicalHash(batch *Batch, number uint64, hash common.Hash) {
	batch.Put(numberToHashKey(number), hash.Bytes())
}

func DeleteCanonicalHash(batch *Batch, number uint64) {
	batch.Delete(numberToHashKey(number))
}

func ReadHeaderNumber(db KeyValueStore, hash common.Hash) (uint64, bool) {
	data, err := db.Get(hashToNumberKey(hash))
	if err != nil || len(data) != 8 {
		return 0, false
	}
	return decodeNumber(data), true
}

func WriteHeaderNumber(batch *Batch, hash common.Hash, number uint64) {
	batch.Put(hashToNumberKey(hash), encodeNumber(number))
}

func ReadHeadHeaderHash(db KeyValueStore) (common.Hash, bool) {
	data, err := db.Get(headHeaderKey)
	if err != nil || len(data) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(data), true
}

func WriteHeadHeaderHash(batch *Batch, hash common.Hash) {
	batch.Put(headHeaderKey, hash.Bytes())
}

func ReadHeadBlockHash(db KeyValueStore) (common.Hash, bool) {
	data, err := db.Get(headBlockKey)
	if err != nil || len(data) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(data), true
}

func WriteHeadBlockHash(batch *Batch, hash common.Hash) {
	batch.Put(headBlockKey, hash.Bytes())
}

// ReadHeads reads the {name: hex(hash)} JSON object of §6 "Heads".
func ReadHeads(db KeyValueStore) map[string]common.Hash {
	data, err := db.Get(headsKey)
	if err != nil {
		return map[string]common.Hash{}
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return map[string]common.Hash{}
	}
	out := make(map[string]common.Hash, len(raw))
	for name, hex := range raw {
		out[name] = common.HexToHash(hex)
	}
	return out
}

func WriteHeads(batch *Batch, heads map[string]common.Hash) error {
	raw := make(map[string]string, len(heads))
	for name, hash := range heads {
		raw[name] = hash.Hex()
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	batch.Put(headsKey, data)
	return nil
}

func DeleteHeader(batch *Batch, hash common.Hash, number uint64) {
	batch.Delete(headerKey(number, hash))
	batch.Delete(hashToNumberKey(hash))
}

func DeleteBody(batch *Batch, hash common.Hash, number uint64) {
	batch.Delete(bodyKey(number, hash))
}

func DeleteTd(batch *Batch, hash common.Hash, number uint64) {
	batch.Delete(tdKey(number, hash))
}
