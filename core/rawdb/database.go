package rawdb

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = leveldb.ErrNotFound

// KeyValueStore is the byte-oriented storage backend the schema in this
// package is addressed through; either a LevelDB instance or the
// in-memory map used when no `db` option is configured (§6
// "Configuration").
type KeyValueStore interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	NewBatch() Batch
	Close() error
}

// Batch groups writes for atomic application, per §6 "Batches are
// atomic".
type Batch struct {
	store KeyValueStore
	ops   []batchOp
}

type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}

func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, batchOp{key: append([]byte{}, key...), value: append([]byte{}, value...)})
}

func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{key: append([]byte{}, key...), delete: true})
}

func (b *Batch) Reset() { b.ops = b.ops[:0] }

// Write applies every queued op as one unit: a LevelDB store receives them
// as a single leveldb.Batch, and the in-memory store's Put and Delete cannot
// fail partway. blockchain.go snapshots its in-memory head state before
// calling Write and restores it on error.
func (b *Batch) Write() error {
	if l, ok := b.store.(*levelDBStore); ok {
		lb := new(leveldb.Batch)
		for _, op := range b.ops {
			if op.delete {
				lb.Delete(op.key)
			} else {
				lb.Put(op.key, op.value)
			}
		}
		return l.db.Write(lb, nil)
	}
	for _, op := range b.ops {
		if op.delete {
			if err := b.store.Delete(op.key); err != nil {
				return err
			}
			continue
		}
		if err := b.store.Put(op.key, op.value); err != nil {
			return err
		}
	}
	return nil
}

// memoryStore is the in-memory KeyValueStore used when no `db` option is
// configured.
type memoryStore struct {
	data map[string][]byte
}

// NewMemoryDatabase constructs an in-memory KeyValueStore.
func NewMemoryDatabase() KeyValueStore {
	return &memoryStore{data: make(map[string][]byte)}
}

func (m *memoryStore) Get(key []byte) ([]byte, error) {
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (m *memoryStore) Put(key, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[string(key)] = cp
	return nil
}

func (m *memoryStore) Delete(key []byte) error {
	delete(m.data, string(key))
	return nil
}

func (m *memoryStore) Has(key []byte) (bool, error) {
	_, ok := m.data[string(key)]
	return ok, nil
}

func (m *memoryStore) NewBatch() Batch { return Batch{store: m} }

func (m *memoryStore) Close() error { return nil }

// levelDBStore persists the schema through a real LevelDB instance.
type levelDBStore struct {
	db *leveldb.DB
}

// NewLevelDBDatabase opens (creating if absent) a LevelDB instance at
// path.
func NewLevelDBDatabase(path string) (KeyValueStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &levelDBStore{db: db}, nil
}

func (l *levelDBStore) Get(key []byte) ([]byte, error) {
	v, err := l.db.Get(key, nil)
	if errors.IsCorrupted(err) {
		return nil, err
	}
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return v, err
}

func (l *levelDBStore) Put(key, value []byte) error { return l.db.Put(key, value, nil) }
func (l *levelDBStore) Delete(key []byte) error      { return l.db.Delete(key, nil) }

func (l *levelDBStore) Has(key []byte) (bool, error) {
	return l.db.Has(key, nil)
}

func (l *levelDBStore) NewBatch() Batch { return Batch{store: l} }

func (l *levelDBStore) Close() error { return l.db.Close() }
