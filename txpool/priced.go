package txpool

import (
	"container/heap"

	"github.com/ethereum/go-ethereum/common"
)

// pricedHeap is a container/heap min-heap of *entry ordered by gas tip,
// used by Pool.evictIfOverCapacity to find the cheapest non-local
// transaction to drop first (§4.5 "priced: min-heap by tip").
type pricedHeap []*entry

func newPricedHeap() *pricedHeap {
	h := make(pricedHeap, 0)
	heap.Init(&h)
	return &h
}

func (h pricedHeap) Len() int { return len(h) }

func (h pricedHeap) Less(i, j int) bool {
	return h[i].tip().Cmp(h[j].tip()) < 0
}

func (h pricedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pricedHeap) Push(x interface{}) {
	*h = append(*h, x.(*entry))
}

func (h *pricedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Remove deletes e from the heap, if present.
func (h *pricedHeap) Remove(e *entry) {
	for i, x := range *h {
		if x == e {
			heap.Remove(h, i)
			return
		}
	}
}

// PopLowestNonLocal pops and returns the cheapest entry that isn't a
// locally submitted transaction, leaving local entries in place. It
// re-inserts any skipped local entries before returning.
func (h *pricedHeap) PopLowestNonLocal(locals map[common.Hash]bool) *entry {
	var skipped []*entry
	var victim *entry
	for h.Len() > 0 {
		e := heap.Pop(h).(*entry)
		if locals[e.tx.Hash()] {
			skipped = append(skipped, e)
			continue
		}
		victim = e
		break
	}
	for _, e := range skipped {
		heap.Push(h, e)
	}
	return victim
}
