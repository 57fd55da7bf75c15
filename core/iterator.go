package core

import (
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/quartzchain/quartz/core/rawdb"
)

// IterateOptions configures Iterate, mirroring §4.6's
// `iterator(name, onBlock, maxBlocks?, releaseLockOnCallback?)`.
type IterateOptions struct {
	MaxBlocks             int
	ReleaseLockOnCallback bool
}

// Iterate walks the canonical chain one block at a time starting at
// heads[name] (or genesis if unset), invoking onBlock for each block and
// persisting heads[name] at exit under every path. It detects reorgs
// between iterations by checking that the previous block's hash still
// matches the next block's parent hash; on mismatch it re-resolves
// heads[name] and restarts from there.
func (bc *BlockChain) Iterate(name string, onBlock func(*types.Block) error, opts IterateOptions) error {
	bc.mu.Lock()
	start, ok := bc.heads[name]
	if !ok {
		start = bc.genesis.Hash()
	}
	bc.mu.Unlock()

	var last *types.Block
	current := start
	processed := 0

	for {
		if opts.MaxBlocks > 0 && processed >= opts.MaxBlocks {
			break
		}

		bc.mu.Lock()
		number, numOK := bc.headerNumber(current)
		if !numOK {
			bc.mu.Unlock()
			break
		}
		block := bc.GetBlock(current, number)
		if block == nil {
			bc.mu.Unlock()
			bc.persistHead(name, last)
			return ErrNotFoundInDB
		}

		if last != nil && last.Hash() != block.ParentHash() {
			resolved, ok := bc.heads[name]
			if !ok {
				resolved = bc.genesis.Hash()
			}
			bc.mu.Unlock()
			current = resolved
			last = nil
			continue
		}

		if opts.ReleaseLockOnCallback {
			bc.mu.Unlock()
			if err := onBlock(block); err != nil {
				bc.persistHead(name, last)
				return err
			}
			bc.mu.Lock()
			// Re-verify the block is still canonical at its number before
			// advancing; headers are never deleted on reorg (only the
			// number->hash mapping moves), so checking GetHeader's
			// existence would never catch a demoted block.
			canonicalHash, hasCanonical := rawdb.ReadCanonicalHash(bc.db, block.NumberU64())
			stillCanonical := hasCanonical && canonicalHash == block.Hash()
			bc.mu.Unlock()
			if !stillCanonical {
				continue
			}
		} else {
			bc.mu.Unlock()
			if err := onBlock(block); err != nil {
				bc.persistHead(name, last)
				return err
			}
		}

		last = block
		processed++

		next, ok := rawdb.ReadCanonicalHash(bc.db, block.NumberU64()+1)
		if !ok {
			bc.persistHead(name, last)
			return nil
		}
		current = next
	}
	bc.persistHead(name, last)
	return nil
}

func (bc *BlockChain) persistHead(name string, last *types.Block) {
	if last == nil {
		return
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.heads[name] = last.Hash()
	batch := bc.db.NewBatch()
	if err := rawdb.WriteHeads(&batch, bc.heads); err != nil {
		bc.log.Warn("failed to persist iterator head", "name", name, "err", err)
		return
	}
	if err := batch.Write(); err != nil {
		bc.log.Warn("failed to persist iterator head", "name", name, "err", err)
	}
}
