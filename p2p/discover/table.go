package discover

import (
	"sort"
	"sync"
)

// BucketSize is k, the maximum number of peers held per bucket (§3).
const BucketSize = 16

// numBuckets covers XOR-distance bit lengths 1..512 for 64-byte ids, stored
// at index distance-1; distance 0 (the self-distance) has no bucket of its
// own.
const numBuckets = 512

// bucket holds up to BucketSize peers in insertion order (oldest first).
type bucket struct {
	entries []*PeerInfo
}

// Table is the Kademlia routing table: k-buckets indexed by XOR-distance bit
// length between the local id and a peer's id (§3).
//
// Invariants maintained here:
//
//	(I1) no peer appears in more than one bucket — enforced by removing any
//	     existing entry for an id before inserting it elsewhere.
//	(I2) the local id is never stored — tryAdd rejects it.
//	(I3) bucket overflow triggers a ping of the oldest member; eviction only
//	     happens on ping failure (ReplaceOldest).
type Table struct {
	mu      sync.Mutex
	self    NodeID
	buckets [numBuckets]*bucket
	index   map[NodeID]int // id -> bucket index, for O(1) membership checks
}

// NewTable creates an empty routing table for the given local id.
func NewTable(self NodeID) *Table {
	t := &Table{self: self, index: make(map[NodeID]int)}
	for i := range t.buckets {
		t.buckets[i] = &bucket{}
	}
	return t
}

func (t *Table) bucketIndex(id NodeID) int {
	d := logdist(t.self, id)
	if d == 0 {
		d = 1 // self-distance is impossible for a distinct id; guard against index 0 misuse
	}
	return d - 1
}

// BucketIndex exposes the bucket index computation for callers that need to
// reason about which bucket a remote id would land in (e.g. S5's discovery
// scenario, or the refresh loop's selector).
func (t *Table) BucketIndex(id NodeID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bucketIndex(id)
}

// Contains reports whether id is currently stored in the table.
func (t *Table) Contains(id NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.index[id]
	return ok
}

// Get returns the stored entry for id, if any.
func (t *Table) Get(id NodeID) (*PeerInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bi, ok := t.index[id]
	if !ok {
		return nil, false
	}
	for _, e := range t.buckets[bi].entries {
		if e.ID != nil && *e.ID == id {
			return e, true
		}
	}
	return nil, false
}

// tryAdd inserts p into its bucket if there is room. It returns true on
// success, false if the bucket is full (caller must then run the oldest-peer
// ping/eviction dance, see Table.ReplaceOldest).
func (t *Table) tryAdd(p *PeerInfo) bool {
	if p.ID == nil {
		return false // invariant: only id-resolved peers may be stored
	}
	if *p.ID == t.self {
		return false // I2
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if bi, ok := t.index[*p.ID]; ok {
		// already present: remove from old slot before moving (I1)
		t.removeLocked(bi, *p.ID)
	}

	bi := t.bucketIndex(*p.ID)
	b := t.buckets[bi]
	if len(b.entries) >= BucketSize {
		return false
	}
	b.entries = append(b.entries, p)
	t.index[*p.ID] = bi
	return true
}

// Oldest returns the least-recently-inserted member of the bucket id would
// land in, for the overflow ping described in §4.1's add-peer algorithm.
func (t *Table) Oldest(id NodeID) (*PeerInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bi := t.bucketIndex(id)
	b := t.buckets[bi]
	if len(b.entries) == 0 {
		return nil, false
	}
	return b.entries[0], true
}

// ReplaceOldest evicts the oldest member of the bucket id would land in and
// inserts newcomer in its place (I3's "evict on failure" path). Returns
// false if the bucket wasn't actually full or the oldest mismatched (racing
// update), in which case the caller should retry tryAdd.
func (t *Table) ReplaceOldest(oldest *PeerInfo, newcomer *PeerInfo) bool {
	if newcomer.ID == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	bi := t.bucketIndex(*newcomer.ID)
	b := t.buckets[bi]
	if len(b.entries) < BucketSize || b.entries[0] != oldest {
		return false
	}
	delete(t.index, *b.entries[0].ID)
	b.entries = append(b.entries[1:], newcomer)
	t.index[*newcomer.ID] = bi
	return true
}

func (t *Table) removeLocked(bi int, id NodeID) {
	b := t.buckets[bi]
	for i, e := range b.entries {
		if e.ID != nil && *e.ID == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			break
		}
	}
	delete(t.index, id)
}

// Remove deletes id from the table, wherever it is. A no-op if absent.
func (t *Table) Remove(id NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bi, ok := t.index[id]
	if !ok {
		return
	}
	t.removeLocked(bi, id)
}

// Closest returns up to n peers ordered by ascending XOR distance to target,
// used to answer FindNeighbours (§4.1).
func (t *Table) Closest(target NodeID, n int) []*PeerInfo {
	t.mu.Lock()
	all := make([]*PeerInfo, 0, len(t.index))
	for _, b := range t.buckets {
		all = append(all, b.entries...)
	}
	t.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		a, b := all[i].ID, all[j].ID
		for k := range target {
			da, db := a[k]^target[k], b[k]^target[k]
			if da != db {
				return da < db
			}
		}
		return false
	})
	if n > len(all) {
		n = len(all)
	}
	return all[:n]
}

// Len returns the total number of peers stored across all buckets.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.index)
}

// All returns a snapshot of every stored peer, used by the refresh loop's
// rotating selector.
func (t *Table) All() []*PeerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*PeerInfo, 0, len(t.index))
	for _, b := range t.buckets {
		out = append(out, b.entries...)
	}
	return out
}
