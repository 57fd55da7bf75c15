package node

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quartzchain/quartz/core"
)

// chainHeadAdapter satisfies txpool.ChainHead. State execution (account
// nonces and balances) is out of this repository's scope — §1's "In
// scope" list stops at the chain manager's put/reorg/iterate machinery
// and never mentions a state/EVM layer — so this adapter reports the
// genesis gas limit and a zero nonce/balance for every account. A real
// deployment would back this with a state trie reachable from the
// current block's state root.
type chainHeadAdapter struct {
	chain *core.BlockChain
}

func (a *chainHeadAdapter) GasLimit() uint64 {
	return a.chain.Genesis().GasLimit()
}

func (a *chainHeadAdapter) Nonce(common.Address) uint64 { return 0 }

func (a *chainHeadAdapter) Balance(common.Address) *big.Int { return new(big.Int) }
