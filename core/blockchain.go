// Package core implements the canonical-chain state machine of §4.6: a
// single chain lock serializing PutBlock/iterator/head accessors, total
// difficulty bookkeeping, and common-ancestor reorg.
package core

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"

	"github.com/quartzchain/quartz/core/rawdb"
)

var (
	ErrGenesisMismatch  = errors.New("core: purported genesis does not match configured genesis")
	ErrChainIDMismatch  = errors.New("core: chain id mismatch")
	ErrUnknownParent    = errors.New("core: parent not found for non-genesis block")
	ErrAncestorNotFound = errors.New("core: failed to find ancient header")
	ErrNotFoundInDB     = errors.New("core: not found in DB")
)

const (
	headerCacheSize = 4096
	numberCacheSize = 4096
	tdCacheSize     = 4096
)

// Config carries the §6 "Configuration" knobs this package recognizes.
type Config struct {
	ChainID                   uint64
	ValidateBlocks            bool
	ValidateConsensus         bool
	HardforkByHeadBlockNumber bool
}

// Consensus is the minimal surface PutBlock needs from a consensus
// engine: whether it orders by fiat (proof-of-stake) rather than TD, and
// a post-commit notification hook.
type Consensus interface {
	IsProofOfStake() bool
	ValidateConsensus(header *types.Header) error
	NewBlock(block *types.Block, ancestors []*types.Header) error
}

// BlockChain is the canonical-chain manager described by §4.6.
type BlockChain struct {
	mu sync.Mutex

	db        rawdb.KeyValueStore
	config    Config
	consensus Consensus

	genesis *types.Block

	headHeaderHash common.Hash
	headBlockHash  common.Hash
	heads          map[string]common.Hash

	headerCache *lru.Cache
	numberCache *lru.Cache
	tdCache     *lru.Cache

	deleteListeners []func([]*types.Block)

	log log.Logger
}

// NewBlockChain opens db (writing genesis if the DB is empty) and
// returns a ready BlockChain.
func NewBlockChain(db rawdb.KeyValueStore, genesis *types.Block, config Config, consensus Consensus) (*BlockChain, error) {
	headerCache, _ := lru.New(headerCacheSize)
	numberCache, _ := lru.New(numberCacheSize)
	tdCache, _ := lru.New(tdCacheSize)

	bc := &BlockChain{
		db:          db,
		config:      config,
		consensus:   consensus,
		genesis:     genesis,
		heads:       make(map[string]common.Hash),
		headerCache: headerCache,
		numberCache: numberCache,
		tdCache:     tdCache,
		log:         log.New("module", "core"),
	}

	if head, ok := rawdb.ReadHeadHeaderHash(db); ok {
		bc.headHeaderHash = head
		blockHead, _ := rawdb.ReadHeadBlockHash(db)
		bc.headBlockHash = blockHead
		bc.heads = rawdb.ReadHeads(db)
		return bc, nil
	}

	batch := db.NewBatch()
	if err := rawdb.WriteHeader(&batch, genesis.Header()); err != nil {
		return nil, err
	}
	if err := rawdb.WriteBody(&batch, genesis.Hash(), genesis.NumberU64(), &types.Body{Transactions: genesis.Transactions(), Uncles: genesis.Uncles()}); err != nil {
		return nil, err
	}
	if err := rawdb.WriteTd(&batch, genesis.Hash(), genesis.NumberU64(), genesis.Difficulty()); err != nil {
		return nil, err
	}
	rawdb.WriteCanonicalHash(&batch, genesis.NumberU64(), genesis.Hash())
	rawdb.WriteHeaderNumber(&batch, genesis.Hash(), genesis.NumberU64())
	rawdb.WriteHeadHeaderHash(&batch, genesis.Hash())
	rawdb.WriteHeadBlockHash(&batch, genesis.Hash())
	if err := batch.Write(); err != nil {
		return nil, err
	}
	bc.headHeaderHash = genesis.Hash()
	bc.headBlockHash = genesis.Hash()
	return bc, nil
}

// AddDeleteListener registers fn to be invoked with the blocks removed
// by a reorg (§4.6 step 9, "emit deletedCanonicalBlocks").
func (bc *BlockChain) AddDeleteListener(fn func([]*types.Block)) {
	bc.deleteListeners = append(bc.deleteListeners, fn)
}

func (bc *BlockChain) Genesis() *types.Block { return bc.genesis }
func (bc *BlockChain) ChainID() uint64       { return bc.config.ChainID }

func (bc *BlockChain) GetHeader(hash common.Hash, number uint64) *types.Header {
	if h, ok := bc.headerCache.Get(hash); ok {
		return h.(*types.Header)
	}
	header := rawdb.ReadHeader(bc.db, hash, number)
	if header != nil {
		bc.headerCache.Add(hash, header)
	}
	return header
}

func (bc *BlockChain) GetHeaderByHash(hash common.Hash) *types.Header {
	number, ok := bc.headerNumber(hash)
	if !ok {
		return nil
	}
	return bc.GetHeader(hash, number)
}

func (bc *BlockChain) GetHeaderByNumber(number uint64) *types.Header {
	hash, ok := rawdb.ReadCanonicalHash(bc.db, number)
	if !ok {
		return nil
	}
	return bc.GetHeader(hash, number)
}

func (bc *BlockChain) GetBlock(hash common.Hash, number uint64) *types.Block {
	header := bc.GetHeader(hash, number)
	if header == nil {
		return nil
	}
	body := rawdb.ReadBody(bc.db, hash, number)
	if body == nil {
		return nil
	}
	return types.NewBlockWithHeader(header).WithBody(body.Transactions, body.Uncles)
}

func (bc *BlockChain) CurrentBlock() *types.Block {
	bc.mu.Lock()
	hash := bc.headBlockHash
	bc.mu.Unlock()
	number, _ := bc.headerNumber(hash)
	return bc.GetBlock(hash, number)
}

func (bc *BlockChain) CurrentHeader() *types.Header {
	bc.mu.Lock()
	hash := bc.headHeaderHash
	bc.mu.Unlock()
	number, _ := bc.headerNumber(hash)
	return bc.GetHeader(hash, number)
}

func (bc *BlockChain) GetTd(hash common.Hash, number uint64) *big.Int {
	if v, ok := bc.tdCache.Get(hash); ok {
		return new(big.Int).Set(v.(*big.Int))
	}
	td := rawdb.ReadTd(bc.db, hash, number)
	if td != nil {
		bc.tdCache.Add(hash, td)
	}
	return td
}

func (bc *BlockChain) headerNumber(hash common.Hash) (uint64, bool) {
	if n, ok := bc.numberCache.Get(hash); ok {
		return n.(uint64), true
	}
	n, ok := rawdb.ReadHeaderNumber(bc.db, hash)
	if ok {
		bc.numberCache.Add(hash, n)
	}
	return n, ok
}

// snapshot captures the mutable head state for rollback (§4.6 step 1).
type snapshot struct {
	headHeaderHash common.Hash
	headBlockHash  common.Hash
	heads          map[string]common.Hash
}

func (bc *BlockChain) snapshot() snapshot {
	heads := make(map[string]common.Hash, len(bc.heads))
	for k, v := range bc.heads {
		heads[k] = v
	}
	return snapshot{headHeaderHash: bc.headHeaderHash, headBlockHash: bc.headBlockHash, heads: heads}
}

func (bc *BlockChain) restore(s snapshot) {
	bc.headHeaderHash = s.headHeaderHash
	bc.headBlockHash = s.headBlockHash
	bc.heads = s.heads
}

// PutBlock runs the §4.6 "PutBlock sequence" under the chain lock.
func (bc *BlockChain) PutBlock(block *types.Block) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if block.NumberU64() == 0 {
		if block.Hash() == bc.genesis.Hash() {
			return nil
		}
		return ErrGenesisMismatch
	}

	snap := bc.snapshot()

	parent := bc.GetHeader(block.ParentHash(), block.NumberU64()-1)
	if parent == nil {
		return ErrUnknownParent
	}
	if bc.consensus != nil && bc.config.ValidateConsensus {
		if err := bc.consensus.ValidateConsensus(block.Header()); err != nil {
			return err
		}
	}

	parentTD := bc.GetTd(parent.Hash(), parent.Number.Uint64())
	if parentTD == nil {
		bc.restore(snap)
		return ErrAncestorNotFound
	}
	td := new(big.Int).Add(parentTD, block.Difficulty())

	batch := bc.db.NewBatch()
	if err := rawdb.WriteHeader(&batch, block.Header()); err != nil {
		return err
	}
	if err := rawdb.WriteBody(&batch, block.Hash(), block.NumberU64(), &types.Body{Transactions: block.Transactions(), Uncles: block.Uncles()}); err != nil {
		return err
	}
	if err := rawdb.WriteTd(&batch, block.Hash(), block.NumberU64(), td); err != nil {
		return err
	}
	rawdb.WriteHeaderNumber(&batch, block.Hash(), block.NumberU64())

	currentHeadTD := bc.GetTd(bc.headHeaderHash, bc.currentHeaderNumber())
	isPoS := bc.consensus != nil && bc.consensus.IsProofOfStake()
	canonical := isPoS || currentHeadTD == nil || td.Cmp(currentHeadTD) > 0

	var deleted []*types.Block
	var ancestors []*types.Header

	if canonical {
		ancestor, visited, err := bc.findCommonAncestor(block.Header())
		if err != nil {
			bc.restore(snap)
			return err
		}
		ancestors = visited

		for n := ancestor.Number.Uint64() + 1; ; n++ {
			hash, ok := rawdb.ReadCanonicalHash(bc.db, n)
			if !ok {
				break
			}
			if blk := bc.GetBlock(hash, n); blk != nil {
				deleted = append(deleted, blk)
			}
			rawdb.DeleteCanonicalHash(&batch, n)
		}

		cur := block.Header()
		for cur.Number.Uint64() > ancestor.Number.Uint64() {
			rawdb.WriteCanonicalHash(&batch, cur.Number.Uint64(), cur.Hash())
			if existingHash, ok := rawdb.ReadCanonicalHash(bc.db, cur.Number.Uint64()-1); ok && existingHash == cur.ParentHash {
				break
			}
			parentHdr := bc.GetHeader(cur.ParentHash, cur.Number.Uint64()-1)
			if parentHdr == nil {
				break
			}
			cur = parentHdr
		}

		bc.headHeaderHash = block.Hash()
		bc.headBlockHash = block.Hash()
		rawdb.WriteHeadHeaderHash(&batch, block.Hash())
		rawdb.WriteHeadBlockHash(&batch, block.Hash())
	} else {
		currentBlockTD := bc.GetTd(bc.headBlockHash, bc.currentBlockNumber())
		if currentBlockTD != nil && td.Cmp(currentBlockTD) > 0 {
			bc.headBlockHash = block.Hash()
			rawdb.WriteHeadBlockHash(&batch, block.Hash())
		}
	}

	if err := rawdb.WriteHeads(&batch, bc.heads); err != nil {
		bc.restore(snap)
		return err
	}

	if err := batch.Write(); err != nil {
		bc.restore(snap)
		return err
	}
	bc.tdCache.Add(block.Hash(), td)
	bc.headerCache.Add(block.Hash(), block.Header())
	bc.numberCache.Add(block.Hash(), block.NumberU64())

	if bc.consensus != nil {
		if err := bc.consensus.NewBlock(block, ancestors); err != nil {
			bc.log.Warn("consensus notification failed", "err", err)
		}
	}

	if len(deleted) > 0 {
		for _, fn := range bc.deleteListeners {
			fn(deleted)
		}
	}
	return nil
}

func (bc *BlockChain) currentHeaderNumber() uint64 {
	n, _ := bc.headerNumber(bc.headHeaderHash)
	return n
}

func (bc *BlockChain) currentBlockNumber() uint64 {
	n, _ := bc.headerNumber(bc.headBlockHash)
	return n
}

// findCommonAncestor implements §4.6's "Common-ancestor algorithm": walk
// the taller chain down to the shorter chain's height, then walk both
// side by side until the hashes match.
func (bc *BlockChain) findCommonAncestor(newHeader *types.Header) (*types.Header, []*types.Header, error) {
	currentHash := bc.headHeaderHash
	currentNumber := bc.currentHeaderNumber()
	current := bc.GetHeader(currentHash, currentNumber)
	if current == nil {
		current = bc.genesis.Header()
	}

	visited := make(map[common.Hash]*types.Header)
	var order []*types.Header
	visit := func(h *types.Header) {
		if _, ok := visited[h.Hash()]; !ok {
			visited[h.Hash()] = h
			order = append(order, h)
		}
	}

	a, b := newHeader, current
	for a.Number.Uint64() > b.Number.Uint64() {
		visit(a)
		parent := bc.GetHeader(a.ParentHash, a.Number.Uint64()-1)
		if parent == nil {
			return nil, nil, fmt.Errorf("%w: %s", ErrAncestorNotFound, a.ParentHash)
		}
		a = parent
	}
	for b.Number.Uint64() > a.Number.Uint64() {
		visit(b)
		parent := bc.GetHeader(b.ParentHash, b.Number.Uint64()-1)
		if parent == nil {
			return nil, nil, fmt.Errorf("%w: %s", ErrAncestorNotFound, b.ParentHash)
		}
		b = parent
	}
	for a.Hash() != b.Hash() {
		visit(a)
		visit(b)
		pa := bc.GetHeader(a.ParentHash, a.Number.Uint64()-1)
		pb := bc.GetHeader(b.ParentHash, b.Number.Uint64()-1)
		if pa == nil || pb == nil {
			return nil, nil, fmt.Errorf("%w: ancestor search exhausted", ErrAncestorNotFound)
		}
		a, b = pa, pb
	}
	return a, order, nil
}

// DeleteBlock removes a stored block symmetrically to PutBlock's write
// path, following the same snapshot/rollback discipline. The spec leaves
// deletion's existence as an open question; this package exposes it so
// the DB layout's invariants are always reachable through accessor
// methods rather than an external tool reaching into raw keys.
func (bc *BlockChain) DeleteBlock(hash common.Hash) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	number, ok := bc.headerNumber(hash)
	if !ok {
		return nil
	}
	if hash == bc.genesis.Hash() {
		return errors.New("core: cannot delete genesis")
	}

	snap := bc.snapshot()
	batch := bc.db.NewBatch()
	rawdb.DeleteHeader(&batch, hash, number)
	rawdb.DeleteBody(&batch, hash, number)
	rawdb.DeleteTd(&batch, hash, number)

	if canonical, ok := rawdb.ReadCanonicalHash(bc.db, number); ok && canonical == hash {
		rawdb.DeleteCanonicalHash(&batch, number)
		if number > 0 {
			if parentHash, ok := rawdb.ReadCanonicalHash(bc.db, number-1); ok {
				bc.headHeaderHash = parentHash
				bc.headBlockHash = parentHash
				rawdb.WriteHeadHeaderHash(&batch, parentHash)
				rawdb.WriteHeadBlockHash(&batch, parentHash)
			}
		}
	}
	if err := batch.Write(); err != nil {
		bc.restore(snap)
		return err
	}
	bc.headerCache.Remove(hash)
	bc.numberCache.Remove(hash)
	bc.tdCache.Remove(hash)
	return nil
}
