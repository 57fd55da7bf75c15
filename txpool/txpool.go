// Package txpool implements the dual pending/queued mempool of §4.5: a
// single internal lock guarding pending/queued maps, a price-ordered
// eviction heap, promotion/demotion on new blocks and reorgs, and a
// Broadcaster hook through which eth.Handler gossips accepted remote
// transactions with its sqrt-fanout policy.
package txpool

import (
	"container/heap"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
)

// Pool-wide limits (§4.5 "Validation").
const (
	maxTxsPerAccount = 100
	globalSlots      = 4096
	globalQueue      = 1024
	maxTxDataSize    = 128 * 1024

	// highWaterFraction is the occupancy fraction beyond which only txs
	// priced above the pool's minimum tip are admitted.
	highWaterFraction = 0.90

	// priceBumpPercent is the minimum relative increase a replacement tx
	// must clear on both tip and fee cap.
	priceBumpPercent = 10

	pooledStorageTimeLimit = 20 * time.Minute
	handledRetention       = 60 * time.Minute
	cleanupTick            = 1 * time.Minute
)

var (
	ErrAlreadyKnown      = errors.New("txpool: transaction already in pool")
	ErrNotSigned         = errors.New("txpool: transaction not signed")
	ErrOversizedData     = errors.New("txpool: transaction data too large")
	ErrAccountLimit      = errors.New("txpool: account has too many pooled transactions")
	ErrUnderpriced       = errors.New("txpool: transaction underpriced")
	ErrGasLimit          = errors.New("txpool: exceeds block gas limit")
	ErrNonceTooLow       = errors.New("txpool: nonce too low")
	ErrInsufficientFunds = errors.New("txpool: insufficient funds for gas * price + value")
	ErrReplaceUnderpriced = errors.New("txpool: replacement transaction underpriced")
)

// ChainHead is the subset of chain state the pool needs to validate and
// classify transactions against (read-only, a shallow snapshot per §5
// "validation reads a shallow copy of the VM state").
type ChainHead interface {
	GasLimit() uint64
	Nonce(addr common.Address) uint64
	Balance(addr common.Address) *big.Int
}

// entry is one pooled transaction plus its pool bookkeeping.
type entry struct {
	tx      *types.Transaction
	sender  common.Address
	local   bool
	addedAt time.Time
}

func (e *entry) nonce() uint64    { return e.tx.Nonce() }
func (e *entry) tip() *big.Int    { return e.tx.GasTipCap() }
func (e *entry) feeCap() *big.Int { return e.tx.GasFeeCap() }

// location records which pool (and sender) a hash currently lives in.
type location struct {
	sender common.Address
	pool   poolKind
}

type poolKind int

const (
	poolPending poolKind = iota
	poolQueued
)

// Pool is the dual pending/queued mempool.
type Pool struct {
	mu sync.Mutex

	chain ChainHead
	log   log.Logger

	pending map[common.Address][]*entry
	queued  map[common.Address][]*entry
	hashIdx map[common.Hash]location
	locals  map[common.Hash]bool

	accountNonces map[common.Address]uint64

	priced *pricedHeap

	pendingCount int
	queuedCount  int

	handled map[common.Hash]time.Time

	broadcaster Broadcaster

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Broadcaster is implemented by eth.Handler; kept as an interface here so
// txpool has no import-time dependency on the eth package.
type Broadcaster interface {
	BroadcastTransactions(txs []*types.Transaction)
}

// NewPool constructs an empty pool bound to chain and starts its cleanup
// timer (§4.5 "Cleanup").
func NewPool(chain ChainHead, broadcaster Broadcaster) *Pool {
	p := &Pool{
		chain:         chain,
		log:           log.New("module", "txpool"),
		pending:       make(map[common.Address][]*entry),
		queued:        make(map[common.Address][]*entry),
		hashIdx:       make(map[common.Hash]location),
		locals:        make(map[common.Hash]bool),
		accountNonces: make(map[common.Address]uint64),
		priced:        newPricedHeap(),
		handled:       make(map[common.Hash]time.Time),
		broadcaster:   broadcaster,
		stopCh:        make(chan struct{}),
	}
	p.wg.Add(1)
	go p.cleanupLoop()
	return p
}

// SetBroadcaster wires the gossip sink after construction, for callers
// that need the pool (to satisfy eth.TxPool) before the handler exists
// (to satisfy txpool.Broadcaster) — NewHandler and NewPool would
// otherwise need each other's result.
func (p *Pool) SetBroadcaster(b Broadcaster) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcaster = b
}

// Stop terminates the cleanup timer.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// Get returns the pooled transaction for hash, or nil.
func (p *Pool) Get(hash common.Hash) *types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	loc, ok := p.hashIdx[hash]
	if !ok {
		return nil
	}
	e := p.findEntry(loc, hash)
	if e == nil {
		return nil
	}
	return e.tx
}

func (p *Pool) findEntry(loc location, hash common.Hash) *entry {
	var list []*entry
	if loc.pool == poolPending {
		list = p.pending[loc.sender]
	} else {
		list = p.queued[loc.sender]
	}
	for _, e := range list {
		if e.tx.Hash() == hash {
			return e
		}
	}
	return nil
}

// AddLocal validates and inserts tx as a locally submitted transaction.
func (p *Pool) AddLocal(tx *types.Transaction) error {
	return p.add(tx, true)
}

// AddRemotes validates and inserts a batch of network-received
// transactions, returning one error per input (nil on success).
func (p *Pool) AddRemotes(txs []*types.Transaction) []error {
	errs := make([]error, len(txs))
	var accepted []*types.Transaction
	for i, tx := range txs {
		if err := p.add(tx, false); err != nil {
			errs[i] = err
		} else {
			accepted = append(accepted, tx)
		}
	}
	if len(accepted) > 0 {
		if bc := p.getBroadcaster(); bc != nil {
			bc.BroadcastTransactions(accepted)
		}
	}
	return errs
}

func (p *Pool) getBroadcaster() Broadcaster {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.broadcaster
}

func (p *Pool) add(tx *types.Transaction, local bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	hash := tx.Hash()
	if _, ok := p.hashIdx[hash]; ok {
		return ErrAlreadyKnown
	}
	if err := p.validate(tx, local); err != nil {
		return err
	}

	sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return ErrNotSigned
	}

	e := &entry{tx: tx, sender: sender, local: local, addedAt: time.Now()}

	accountNonce := p.accountNonce(sender)
	maxPendingNonce, hasPending := p.maxPendingNonce(sender)

	if tx.Nonce() == accountNonce || (hasPending && tx.Nonce() == maxPendingNonce+1) {
		if replaced, err := p.insertOrReplace(&p.pending, sender, e); err != nil {
			return err
		} else if !replaced {
			p.pendingCount++
		}
		p.hashIdx[hash] = location{sender, poolPending}
	} else {
		if replaced, err := p.insertOrReplace(&p.queued, sender, e); err != nil {
			return err
		} else if !replaced {
			p.queuedCount++
		}
		p.hashIdx[hash] = location{sender, poolQueued}
	}
	if local {
		p.locals[hash] = true
	}
	heap.Push(p.priced, e)

	p.promote(sender)
	p.evictIfOverCapacity()
	return nil
}

// insertOrReplace inserts e into pool[sender]'s sorted-by-nonce slice,
// replacing an existing same-nonce entry only if the §4.5 "Replacement
// rule" (both tip and fee cap up ≥10%) is satisfied.
func (p *Pool) insertOrReplace(pool *map[common.Address][]*entry, sender common.Address, e *entry) (replaced bool, err error) {
	list := (*pool)[sender]
	for i, existing := range list {
		if existing.nonce() == e.nonce() {
			if !exceedsByPercent(e.tip(), existing.tip(), priceBumpPercent) ||
				!exceedsByPercent(e.feeCap(), existing.feeCap(), priceBumpPercent) {
				return false, ErrReplaceUnderpriced
			}
			delete(p.hashIdx, existing.tx.Hash())
			delete(p.locals, existing.tx.Hash())
			list[i] = e
			(*pool)[sender] = list
			return true, nil
		}
	}
	list = append(list, e)
	sort.Slice(list, func(i, j int) bool { return list[i].nonce() < list[j].nonce() })
	(*pool)[sender] = list
	return false, nil
}

func exceedsByPercent(newVal, oldVal *big.Int, percent int64) bool {
	if oldVal.Sign() == 0 {
		return newVal.Sign() > 0
	}
	threshold := new(big.Int).Mul(oldVal, big.NewInt(100+percent))
	scaled := new(big.Int).Mul(newVal, big.NewInt(100))
	return scaled.Cmp(threshold) >= 0
}

func (p *Pool) accountNonce(sender common.Address) uint64 {
	if n, ok := p.accountNonces[sender]; ok {
		return n
	}
	n := p.chain.Nonce(sender)
	p.accountNonces[sender] = n
	return n
}

func (p *Pool) maxPendingNonce(sender common.Address) (uint64, bool) {
	list := p.pending[sender]
	if len(list) == 0 {
		return 0, false
	}
	return list[len(list)-1].nonce(), true
}

// validate runs §4.5's "Validation" checks.
func (p *Pool) validate(tx *types.Transaction, local bool) error {
	if len(tx.Data()) > maxTxDataSize {
		return ErrOversizedData
	}
	sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return ErrNotSigned
	}
	if !local {
		count := len(p.pending[sender]) + len(p.queued[sender])
		if count >= maxTxsPerAccount {
			return ErrAccountLimit
		}
		occupancy := float64(p.pendingCount+p.queuedCount) / float64(globalSlots+globalQueue)
		if occupancy >= highWaterFraction && tx.GasTipCap().Cmp(p.minPrice()) <= 0 {
			return ErrUnderpriced
		}
	}
	if tx.Gas() > p.chain.GasLimit() {
		return ErrGasLimit
	}
	if tx.Nonce() < p.accountNonce(sender) {
		return ErrNonceTooLow
	}
	balance := p.chain.Balance(sender)
	cost := new(big.Int).Add(tx.Value(), new(big.Int).Mul(tx.GasFeeCap(), new(big.Int).SetUint64(tx.Gas())))
	if balance.Cmp(cost) < 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (p *Pool) minPrice() *big.Int {
	if p.priced.Len() == 0 {
		return new(big.Int)
	}
	return (*p.priced)[0].tip()
}

// promote scans queued[sender] and moves the contiguous runnable prefix
// into pending (§4.5 "Promotion").
func (p *Pool) promote(sender common.Address) {
	list := p.queued[sender]
	if len(list) == 0 {
		return
	}
	sort.Slice(list, func(i, j int) bool { return list[i].nonce() < list[j].nonce() })

	accountNonce := p.accountNonce(sender)
	next := accountNonce
	if maxPending, ok := p.maxPendingNonce(sender); ok {
		next = maxPending + 1
	}

	i := 0
	for i < len(list) && list[i].nonce() < accountNonce {
		p.removeFromQueuedIndex(list[i])
		i++
	}
	var promoted []*entry
	for i < len(list) && list[i].nonce() == next {
		promoted = append(promoted, list[i])
		next++
		i++
	}
	p.queued[sender] = append([]*entry{}, list[i:]...)
	if len(p.queued[sender]) == 0 {
		delete(p.queued, sender)
	}
	p.queuedCount = p.countPool(p.queued)

	for _, e := range promoted {
		p.pending[sender] = append(p.pending[sender], e)
		p.hashIdx[e.tx.Hash()] = location{sender, poolPending}
		p.pendingCount++
	}
	sort.Slice(p.pending[sender], func(i, j int) bool { return p.pending[sender][i].nonce() < p.pending[sender][j].nonce() })
}

func (p *Pool) removeFromQueuedIndex(e *entry) {
	delete(p.hashIdx, e.tx.Hash())
	delete(p.locals, e.tx.Hash())
	p.priced.Remove(e)
}

func (p *Pool) countPool(pool map[common.Address][]*entry) int {
	n := 0
	for _, list := range pool {
		n += len(list)
	}
	return n
}

// Demote reloads account state and re-sorts pending into pending/queued
// per §4.5 "Demotion", called after a reorg or new block.
func (p *Pool) Demote() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accountNonces = make(map[common.Address]uint64)

	for sender, list := range p.pending {
		accountNonce := p.accountNonce(sender)
		balance := p.chain.Balance(sender)

		sort.Slice(list, func(i, j int) bool { return list[i].nonce() < list[j].nonce() })
		var keep []*entry
		var demote []*entry
		expectedNonce := accountNonce
		for _, e := range list {
			if e.nonce() < accountNonce {
				p.removeFromQueuedIndex(e)
				p.pendingCount--
				continue
			}
			cost := new(big.Int).Add(e.tx.Value(), new(big.Int).Mul(e.feeCap(), new(big.Int).SetUint64(e.tx.Gas())))
			if balance.Cmp(cost) < 0 || e.nonce() != expectedNonce {
				demote = append(demote, e)
				p.pendingCount--
			} else {
				keep = append(keep, e)
				expectedNonce++
			}
		}
		if len(keep) > 0 {
			p.pending[sender] = keep
		} else {
			delete(p.pending, sender)
		}
		for _, e := range demote {
			p.hashIdx[e.tx.Hash()] = location{sender, poolQueued}
			p.queued[sender] = append(p.queued[sender], e)
			p.queuedCount++
		}
	}
	for sender := range p.queued {
		p.promote(sender)
	}
}

// ReorgReinject implements §4.5 "Reorg handling": transactions mined in
// oldBlocks but not in newBlocks are re-added as local; the account-nonce
// cache is cleared; demotion then promotion follow.
func (p *Pool) ReorgReinject(oldBlocks, newBlocks []*types.Block) {
	minedAgain := make(map[common.Hash]bool)
	for _, b := range newBlocks {
		for _, tx := range b.Transactions() {
			minedAgain[tx.Hash()] = true
		}
	}

	for _, b := range oldBlocks {
		for _, tx := range b.Transactions() {
			hash := tx.Hash()
			if minedAgain[hash] {
				continue
			}
			p.mu.Lock()
			_, known := p.hashIdx[hash]
			p.mu.Unlock()
			if known {
				continue
			}
			p.add(tx, true)
		}
	}

	p.mu.Lock()
	p.accountNonces = make(map[common.Address]uint64)
	for _, b := range newBlocks {
		for _, tx := range b.Transactions() {
			if loc, ok := p.hashIdx[tx.Hash()]; ok {
				e := p.findEntry(loc, tx.Hash())
				if e != nil {
					p.removeFromPool(loc, e)
				}
			}
		}
	}
	p.mu.Unlock()

	p.Demote()
}

func (p *Pool) removeFromPool(loc location, e *entry) {
	var pool *map[common.Address][]*entry
	if loc.pool == poolPending {
		pool = &p.pending
		p.pendingCount--
	} else {
		pool = &p.queued
		p.queuedCount--
	}
	list := (*pool)[loc.sender]
	for i, x := range list {
		if x == e {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(*pool, loc.sender)
	} else {
		(*pool)[loc.sender] = list
	}
	delete(p.hashIdx, e.tx.Hash())
	delete(p.locals, e.tx.Hash())
	p.priced.Remove(e)
}

// evictIfOverCapacity drops the lowest-tip non-local entries until both
// pools are back under their global caps (§4.5 "Eviction").
func (p *Pool) evictIfOverCapacity() {
	for p.pendingCount > globalSlots || p.queuedCount > globalQueue {
		victim := p.priced.PopLowestNonLocal(p.locals)
		if victim == nil {
			return
		}
		loc, ok := p.hashIdx[victim.tx.Hash()]
		if !ok {
			continue
		}
		p.removeFromPool(loc, victim)
	}
}

// Pending returns a snapshot of every pending transaction grouped by
// sender.
func (p *Pool) Pending() map[common.Address][]*types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[common.Address][]*types.Transaction, len(p.pending))
	for sender, list := range p.pending {
		txs := make([]*types.Transaction, len(list))
		for i, e := range list {
			txs[i] = e.tx
		}
		out[sender] = txs
	}
	return out
}

// Stats returns (pendingCount, queuedCount).
func (p *Pool) Stats() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingCount, p.queuedCount
}

func (p *Pool) cleanupLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(cleanupTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.cleanupTick()
		case <-p.stopCh:
			return
		}
	}
}

// cleanupTick implements §4.5's "Cleanup": drop queued entries older than
// pooledStorageTimeLimit (pending entries are not aged out) and age out
// the handled-hash dedup map.
func (p *Pool) cleanupTick() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for sender, list := range p.queued {
		var keep []*entry
		for _, e := range list {
			if now.Sub(e.addedAt) < pooledStorageTimeLimit {
				keep = append(keep, e)
			} else {
				delete(p.hashIdx, e.tx.Hash())
				delete(p.locals, e.tx.Hash())
				p.priced.Remove(e)
				p.queuedCount--
			}
		}
		if len(keep) == 0 {
			delete(p.queued, sender)
		} else {
			p.queued[sender] = keep
		}
	}
	for hash, t := range p.handled {
		if now.Sub(t) > handledRetention {
			delete(p.handled, hash)
		}
	}
}
