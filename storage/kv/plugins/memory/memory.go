// Package memory implements the kv storage contract in process memory.
// Values are kept as per-key version chains inside a treemap so that
// read transactions observe the snapshot pinned at Begin while a writer
// commits new versions. It backs the empty-path in-memory mode and the
// temp stores used by tests.
package memory

import (
	"bytes"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/nichtich/ukv/storage/kv"
)

const (
	// DriverName is the name this plugin registers under
	DriverName = "memory"
)

// Plugins returns the plugins implemented by this package
func Plugins() []kv.Plugin {
	return []kv.Plugin{
		&MemoryPlugin{},
	}
}

// MemoryPlugin is the in-memory kv storage plugin
type MemoryPlugin struct {
}

// Name implements Plugin.Name
func (plugin *MemoryPlugin) Name() string {
	return DriverName
}

// NewStore implements Plugin.NewStore
func (plugin *MemoryPlugin) NewStore(options kv.PluginOptions) (kv.Store, error) {
	return New(), nil
}

// NewTempStore implements Plugin.NewTempStore
func (plugin *MemoryPlugin) NewTempStore() (kv.Store, error) {
	return New(), nil
}

// version is one committed state of a key. A nil value marks a delete.
type version struct {
	seq   uint64
	value []byte
}

var _ kv.Store = (*MemoryStore)(nil)

// MemoryStore keeps per-key version chains ordered by commit sequence.
// One writer runs at a time; readers pin the sequence current at Begin.
type MemoryStore struct {
	mu      sync.RWMutex
	writeMu sync.Mutex
	tree    *treemap.Map
	seq     uint64
	readers map[uint64]int
	closed  bool
}

// New creates an empty in-memory store
func New() *MemoryStore {
	return &MemoryStore{
		tree:    treemap.NewWith(utils.StringComparator),
		readers: map[uint64]int{},
	}
}

// Begin implements Store.Begin
func (store *MemoryStore) Begin(writable bool) (kv.Transaction, error) {
	if writable {
		// Single writer at a time, like the durable backends.
		store.writeMu.Lock()
	}

	store.mu.Lock()

	if store.closed {
		store.mu.Unlock()

		if writable {
			store.writeMu.Unlock()
		}

		return nil, kv.ErrClosed
	}

	seq := store.seq
	store.readers[seq]++
	store.mu.Unlock()

	txn := &MemoryTransaction{
		store:    store,
		seq:      seq,
		writable: writable,
	}

	if writable {
		txn.staged = treemap.NewWith(utils.StringComparator)
	}

	return txn, nil
}

// Close implements Store.Close
func (store *MemoryStore) Close() error {
	// Wait for any in-flight writer.
	store.writeMu.Lock()
	defer store.writeMu.Unlock()

	store.mu.Lock()
	defer store.mu.Unlock()

	store.closed = true

	return nil
}

// Delete implements Store.Delete
func (store *MemoryStore) Delete() error {
	if err := store.Close(); err != nil {
		return err
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	store.tree = treemap.NewWith(utils.StringComparator)

	return nil
}

// latest returns the newest version of the chain visible at seq, or nil.
func latest(chain []version, seq uint64) *version {
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].seq <= seq {
			return &chain[i]
		}
	}

	return nil
}

func (store *MemoryStore) release(seq uint64) {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.readers[seq]--

	if store.readers[seq] <= 0 {
		delete(store.readers, seq)
	}
}

// pruneLocked drops versions no active reader can still observe.
// Callers must hold mu.
func (store *MemoryStore) pruneLocked() {
	floor := store.seq

	for seq := range store.readers {
		if seq < floor {
			floor = seq
		}
	}

	it := store.tree.Iterator()
	var emptied []string

	for it.Next() {
		chain := it.Value().([]version)
		keep := 0

		for i, v := range chain {
			if v.seq <= floor {
				keep = i
			}
		}

		chain = chain[keep:]

		if len(chain) == 1 && chain[0].value == nil {
			emptied = append(emptied, it.Key().(string))

			continue
		}

		store.tree.Put(it.Key(), chain)
	}

	for _, key := range emptied {
		store.tree.Remove(key)
	}
}

var _ kv.Transaction = (*MemoryTransaction)(nil)

// MemoryTransaction is a transaction on a memory store. Writes are
// staged and become one new version chain entry per key at commit.
type MemoryTransaction struct {
	store    *MemoryStore
	seq      uint64
	staged   *treemap.Map
	writable bool
	done     bool
}

// Get implements Transaction.Get
func (transaction *MemoryTransaction) Get(key []byte) ([]byte, error) {
	if transaction.done {
		return nil, kv.ErrClosed
	}

	if transaction.writable {
		if staged, ok := transaction.staged.Get(string(key)); ok {
			return staged.([]byte), nil
		}
	}

	transaction.store.mu.RLock()
	defer transaction.store.mu.RUnlock()

	chain, ok := transaction.store.tree.Get(string(key))

	if !ok {
		return nil, nil
	}

	v := latest(chain.([]version), transaction.seq)

	if v == nil {
		return nil, nil
	}

	return v.value, nil
}

// Put implements Transaction.Put
func (transaction *MemoryTransaction) Put(key, value []byte) error {
	if transaction.done {
		return kv.ErrClosed
	}

	if !transaction.writable {
		return kv.ErrReadOnly
	}

	staged := make([]byte, len(value))
	copy(staged, value)
	transaction.staged.Put(string(key), staged)

	return nil
}

// Delete implements Transaction.Delete
func (transaction *MemoryTransaction) Delete(key []byte) error {
	if transaction.done {
		return kv.ErrClosed
	}

	if !transaction.writable {
		return kv.ErrReadOnly
	}

	transaction.staged.Put(string(key), []byte(nil))

	return nil
}

// Keys implements Transaction.Keys. The matching keys are materialized
// up front so the iterator is immune to later commits.
func (transaction *MemoryTransaction) Keys(min, max []byte) (kv.Iterator, error) {
	if transaction.done {
		return nil, kv.ErrClosed
	}

	merged := treemap.NewWith(utils.StringComparator)

	transaction.store.mu.RLock()

	it := transaction.store.tree.Iterator()

	for it.Next() {
		key := it.Key().(string)

		if !inRange([]byte(key), min, max) {
			continue
		}

		if v := latest(it.Value().([]version), transaction.seq); v != nil && v.value != nil {
			merged.Put(key, v.value)
		}
	}

	transaction.store.mu.RUnlock()

	if transaction.writable {
		st := transaction.staged.Iterator()

		for st.Next() {
			key := st.Key().(string)

			if !inRange([]byte(key), min, max) {
				continue
			}

			if st.Value().([]byte) == nil {
				merged.Remove(key)
			} else {
				merged.Put(key, st.Value().([]byte))
			}
		}
	}

	kvs := make([][2][]byte, 0, merged.Size())
	mt := merged.Iterator()

	for mt.Next() {
		kvs = append(kvs, [2][]byte{[]byte(mt.Key().(string)), mt.Value().([]byte)})
	}

	return &MemoryIterator{kvs: kvs}, nil
}

func inRange(key, min, max []byte) bool {
	if min != nil && bytes.Compare(key, min) < 0 {
		return false
	}

	if max != nil && bytes.Compare(key, max) >= 0 {
		return false
	}

	return true
}

// Commit implements Transaction.Commit
func (transaction *MemoryTransaction) Commit() error {
	if transaction.done {
		return kv.ErrClosed
	}

	transaction.done = true
	store := transaction.store

	if !transaction.writable {
		store.release(transaction.seq)

		return nil
	}

	store.mu.Lock()

	store.seq++
	seq := store.seq
	it := transaction.staged.Iterator()

	for it.Next() {
		key := it.Key().(string)
		var chain []version

		if existing, ok := store.tree.Get(key); ok {
			chain = existing.([]version)
		}

		chain = append(chain, version{seq: seq, value: it.Value().([]byte)})
		store.tree.Put(key, chain)
	}

	store.readers[transaction.seq]--

	if store.readers[transaction.seq] <= 0 {
		delete(store.readers, transaction.seq)
	}

	store.pruneLocked()
	store.mu.Unlock()
	store.writeMu.Unlock()

	return nil
}

// Rollback implements Transaction.Rollback
func (transaction *MemoryTransaction) Rollback() error {
	if transaction.done {
		return nil
	}

	transaction.done = true
	transaction.store.release(transaction.seq)

	if transaction.writable {
		transaction.store.writeMu.Unlock()
	}

	return nil
}

var _ kv.Iterator = (*MemoryIterator)(nil)

// MemoryIterator iterates over a materialized key range
type MemoryIterator struct {
	kvs [][2][]byte
	pos int
}

// Next implements Iterator.Next
func (iter *MemoryIterator) Next() bool {
	if iter.pos >= len(iter.kvs) {
		return false
	}

	iter.pos++

	return true
}

// Key implements Iterator.Key
func (iter *MemoryIterator) Key() []byte {
	if iter.pos == 0 || iter.pos > len(iter.kvs) {
		return nil
	}

	return iter.kvs[iter.pos-1][0]
}

// Value implements Iterator.Value
func (iter *MemoryIterator) Value() []byte {
	if iter.pos == 0 || iter.pos > len(iter.kvs) {
		return nil
	}

	return iter.kvs[iter.pos-1][1]
}

// Error implements Iterator.Error
func (iter *MemoryIterator) Error() error {
	return nil
}
