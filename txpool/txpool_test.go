package txpool

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

type fakeChainHead struct {
	gasLimit uint64
	nonces   map[common.Address]uint64
	balances map[common.Address]*big.Int
}

func newFakeChainHead() *fakeChainHead {
	return &fakeChainHead{
		gasLimit: 30_000_000,
		nonces:   make(map[common.Address]uint64),
		balances: make(map[common.Address]*big.Int),
	}
}

func (f *fakeChainHead) GasLimit() uint64                  { return f.gasLimit }
func (f *fakeChainHead) Nonce(a common.Address) uint64     { return f.nonces[a] }
func (f *fakeChainHead) Balance(a common.Address) *big.Int {
	if b, ok := f.balances[a]; ok {
		return b
	}
	return new(big.Int)
}

type fakeBroadcaster struct {
	sent []*types.Transaction
}

func (fb *fakeBroadcaster) BroadcastTransactions(txs []*types.Transaction) {
	fb.sent = append(fb.sent, txs...)
}

func signedTx(t *testing.T, key *ecdsa.PrivateKey, chainID int64, nonce uint64, tip, feeCap int64) *types.Transaction {
	t.Helper()
	signer := types.LatestSignerForChainID(big.NewInt(chainID))
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(chainID),
		Nonce:     nonce,
		GasTipCap: big.NewInt(tip),
		GasFeeCap: big.NewInt(feeCap),
		Gas:       21000,
		To:        &common.Address{1},
		Value:     big.NewInt(0),
	})
	signed, err := types.SignTx(tx, signer, key)
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}
	return signed
}

func TestAddQueuesOutOfOrderNonce(t *testing.T) {
	key, _ := crypto.GenerateKey()
	sender := crypto.PubkeyToAddress(key.PublicKey)
	chain := newFakeChainHead()
	chain.balances[sender] = big.NewInt(1_000_000_000_000)

	pool := NewPool(chain, nil)
	defer pool.Stop()

	tx := signedTx(t, key, 1337, 1, 2, 10)
	if err := pool.add(tx, false); err != nil {
		t.Fatalf("add: %v", err)
	}
	pending, queued := pool.Stats()
	if pending != 0 || queued != 1 {
		t.Fatalf("pending=%d queued=%d, want 0,1 (nonce 1 is not the next expected nonce 0)", pending, queued)
	}
}

func TestAddPromotesSequentialNonce(t *testing.T) {
	key, _ := crypto.GenerateKey()
	sender := crypto.PubkeyToAddress(key.PublicKey)
	chain := newFakeChainHead()
	chain.balances[sender] = big.NewInt(1_000_000_000_000)

	pool := NewPool(chain, nil)
	defer pool.Stop()

	if err := pool.add(signedTx(t, key, 1337, 0, 2, 10), false); err != nil {
		t.Fatalf("add nonce0: %v", err)
	}
	pending, _ := pool.Stats()
	if pending != 1 {
		t.Fatalf("pending=%d, want 1 after adding the expected next nonce", pending)
	}

	if err := pool.add(signedTx(t, key, 1337, 2, 2, 10), false); err != nil {
		t.Fatalf("add nonce2: %v", err)
	}
	pending, queued := pool.Stats()
	if pending != 1 || queued != 1 {
		t.Fatalf("pending=%d queued=%d, want 1,1 (nonce 2 skips nonce 1)", pending, queued)
	}

	if err := pool.add(signedTx(t, key, 1337, 1, 2, 10), false); err != nil {
		t.Fatalf("add nonce1: %v", err)
	}
	pending, queued = pool.Stats()
	if pending != 3 || queued != 0 {
		t.Fatalf("pending=%d queued=%d, want 3,0 after filling the gap", pending, queued)
	}
}

func TestAddRejectsUnderpricedReplacement(t *testing.T) {
	key, _ := crypto.GenerateKey()
	sender := crypto.PubkeyToAddress(key.PublicKey)
	chain := newFakeChainHead()
	chain.balances[sender] = big.NewInt(1_000_000_000_000)

	pool := NewPool(chain, nil)
	defer pool.Stop()

	if err := pool.add(signedTx(t, key, 1337, 0, 10, 100), false); err != nil {
		t.Fatalf("add first: %v", err)
	}
	if err := pool.add(signedTx(t, key, 1337, 0, 11, 101), false); err != ErrReplaceUnderpriced {
		t.Fatalf("small-bump replacement = %v, want ErrReplaceUnderpriced", err)
	}
	if err := pool.add(signedTx(t, key, 1337, 0, 20, 200), false); err != nil {
		t.Fatalf("valid replacement should be accepted: %v", err)
	}
}

func TestAddRejectsInsufficientFunds(t *testing.T) {
	key, _ := crypto.GenerateKey()
	chain := newFakeChainHead()

	pool := NewPool(chain, nil)
	defer pool.Stop()

	tx := signedTx(t, key, 1337, 0, 2, 10)
	if err := pool.add(tx, false); err != ErrInsufficientFunds {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
}

func TestAddRemotesBroadcastsAccepted(t *testing.T) {
	key, _ := crypto.GenerateKey()
	sender := crypto.PubkeyToAddress(key.PublicKey)
	chain := newFakeChainHead()
	chain.balances[sender] = big.NewInt(1_000_000_000_000)
	bc := &fakeBroadcaster{}

	pool := NewPool(chain, bc)
	defer pool.Stop()

	tx := signedTx(t, key, 1337, 0, 2, 10)
	errs := pool.AddRemotes([]*types.Transaction{tx})
	if errs[0] != nil {
		t.Fatalf("AddRemotes: %v", errs[0])
	}
	if len(bc.sent) != 1 || bc.sent[0].Hash() != tx.Hash() {
		t.Fatalf("broadcaster did not receive the accepted tx")
	}
}
