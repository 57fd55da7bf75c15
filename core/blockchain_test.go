package core

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/quartzchain/quartz/core/rawdb"
)

func newTestChain(t *testing.T) (*BlockChain, *types.Block) {
	t.Helper()
	genesis := types.NewBlockWithHeader(&types.Header{Number: big.NewInt(0), Difficulty: big.NewInt(1)})
	bc, err := NewBlockChain(rawdb.NewMemoryDatabase(), genesis, Config{ChainID: 1337}, nil)
	if err != nil {
		t.Fatalf("NewBlockChain: %v", err)
	}
	return bc, genesis
}

func child(parent *types.Block, difficulty int64, extra byte) *types.Block {
	return types.NewBlockWithHeader(&types.Header{
		ParentHash: parent.Hash(),
		Number:     new(big.Int).Add(parent.Number(), big.NewInt(1)),
		Difficulty: big.NewInt(difficulty),
		Extra:      []byte{extra},
	})
}

func TestPutBlockExtendsCanonicalChain(t *testing.T) {
	bc, genesis := newTestChain(t)

	b1 := child(genesis, 2, 1)
	if err := bc.PutBlock(b1); err != nil {
		t.Fatalf("PutBlock: %v", err)
	}

	if bc.headHeaderHash != b1.Hash() {
		t.Fatalf("headHeaderHash = %x, want %x", bc.headHeaderHash, b1.Hash())
	}
	td := bc.GetTd(b1.Hash(), b1.NumberU64())
	if td.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("td = %v, want 3 (parent td 1 + difficulty 2)", td)
	}
	hash, ok := rawdb.ReadCanonicalHash(bc.db, 1)
	if !ok || hash != b1.Hash() {
		t.Fatalf("numberToHash(1) = %x, want %x", hash, b1.Hash())
	}
}

func TestPutBlockGenesisIsNoOp(t *testing.T) {
	bc, genesis := newTestChain(t)
	if err := bc.PutBlock(genesis); err != nil {
		t.Fatalf("PutBlock(genesis): %v", err)
	}
}

func TestPutBlockRejectsForeignGenesis(t *testing.T) {
	bc, _ := newTestChain(t)
	foreign := types.NewBlockWithHeader(&types.Header{Number: big.NewInt(0), Difficulty: big.NewInt(1), Extra: []byte{9}})
	if err := bc.PutBlock(foreign); err != ErrGenesisMismatch {
		t.Fatalf("err = %v, want ErrGenesisMismatch", err)
	}
}

func TestPutBlockRejectsUnknownParent(t *testing.T) {
	bc, _ := newTestChain(t)
	orphan := types.NewBlockWithHeader(&types.Header{
		ParentHash: common.HexToHash("0xdead"),
		Number:     big.NewInt(5),
		Difficulty: big.NewInt(2),
	})
	if err := bc.PutBlock(orphan); err != ErrUnknownParent {
		t.Fatalf("err = %v, want ErrUnknownParent", err)
	}
}

// TestPutBlockReorgsToHeavierChain mirrors scenario S2 of the spec:
// chain G->A1->A2 (tds 1,3,6); B1 off G with difficulty 5 (td 6, tied,
// non-canonical); B2 on B1 with difficulty 10 (td 16) reorgs onto
// G->B1->B2 and deletes A1, A2.
func TestPutBlockReorgsToHeavierChain(t *testing.T) {
	bc, genesis := newTestChain(t)

	a1 := child(genesis, 2, 0xA1)
	if err := bc.PutBlock(a1); err != nil {
		t.Fatalf("put a1: %v", err)
	}
	a2 := child(a1, 3, 0xA2)
	if err := bc.PutBlock(a2); err != nil {
		t.Fatalf("put a2: %v", err)
	}

	var deleted []*types.Block
	bc.AddDeleteListener(func(blocks []*types.Block) { deleted = append(deleted, blocks...) })

	b1 := child(genesis, 5, 0xB1)
	if err := bc.PutBlock(b1); err != nil {
		t.Fatalf("put b1: %v", err)
	}
	if bc.headHeaderHash != a2.Hash() {
		t.Fatalf("tied TD must not become canonical; head = %x, want a2 %x", bc.headHeaderHash, a2.Hash())
	}

	b2 := child(b1, 10, 0xB2)
	if err := bc.PutBlock(b2); err != nil {
		t.Fatalf("put b2: %v", err)
	}
	if bc.headHeaderHash != b2.Hash() {
		t.Fatalf("head = %x, want b2 %x", bc.headHeaderHash, b2.Hash())
	}
	hash1, _ := rawdb.ReadCanonicalHash(bc.db, 1)
	if hash1 != b1.Hash() {
		t.Fatalf("numberToHash(1) = %x, want b1 %x", hash1, b1.Hash())
	}
	hash2, _ := rawdb.ReadCanonicalHash(bc.db, 2)
	if hash2 != b2.Hash() {
		t.Fatalf("numberToHash(2) = %x, want b2 %x", hash2, b2.Hash())
	}
	if len(deleted) != 2 {
		t.Fatalf("len(deleted) = %d, want 2 (a1, a2)", len(deleted))
	}
}
