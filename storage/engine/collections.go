package engine

import (
	"encoding/binary"
	"sync"

	"github.com/nichtich/ukv/storage/kv"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultCollection is the handle of the always-present unnamed
// collection.
const DefaultCollection uint64 = 0

// DropMode selects what dropping a collection removes.
type DropMode int

const (
	// DropKeysValsHandle removes the contents and the collection itself
	DropKeysValsHandle DropMode = iota
	// DropKeysVals removes the contents but keeps the collection
	DropKeysVals
	// DropVals keeps every key but truncates its value to length zero
	DropVals
)

// collections is the name registry. Names live in the system keyspace
// so they survive reopen; handles are allocated from a persisted
// counter and never reused. Lookups go through a concurrent cache.
type collections struct {
	store kv.Store
	mu    sync.Mutex
	cache *xsync.MapOf[string, uint64]
}

func newCollections(store kv.Store) *collections {
	return &collections{
		store: store,
		cache: xsync.NewMapOf[string, uint64](),
	}
}

// lookup resolves a name without creating it. The second return is
// false if the collection does not exist.
func (c *collections) lookup(name string) (uint64, bool, error) {
	if name == "" {
		return DefaultCollection, true, nil
	}

	if handle, ok := c.cache.Load(name); ok {
		return handle, true, nil
	}

	txn, err := c.store.Begin(false)

	if err != nil {
		return 0, false, backendError(err)
	}

	defer txn.Rollback()

	stored, err := txn.Get(nameKey(name))

	if err != nil {
		return 0, false, backendError(err)
	}

	if stored == nil {
		return 0, false, nil
	}

	handle := binary.BigEndian.Uint64(stored)
	c.cache.Store(name, handle)

	return handle, true, nil
}

// create resolves a name, registering it if needed. Creation is
// idempotent on the name.
func (c *collections) create(name string) (uint64, error) {
	if name == "" {
		return DefaultCollection, nil
	}

	if handle, ok := c.cache.Load(name); ok {
		return handle, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	txn, err := c.store.Begin(true)

	if err != nil {
		return 0, backendError(err)
	}

	defer txn.Rollback()

	stored, err := txn.Get(nameKey(name))

	if err != nil {
		return 0, backendError(err)
	}

	if stored != nil {
		handle := binary.BigEndian.Uint64(stored)
		c.cache.Store(name, handle)

		return handle, nil
	}

	seq, err := txn.Get(seqKey())

	if err != nil {
		return 0, backendError(err)
	}

	next := uint64(1)

	if seq != nil {
		next = binary.BigEndian.Uint64(seq) + 1
	}

	var buf [8]byte

	binary.BigEndian.PutUint64(buf[:], next)

	if err := txn.Put(seqKey(), buf[:]); err != nil {
		return 0, backendError(err)
	}

	if err := txn.Put(nameKey(name), buf[:]); err != nil {
		return 0, backendError(err)
	}

	if err := txn.Commit(); err != nil {
		return 0, backendError(err)
	}

	c.cache.Store(name, next)

	return next, nil
}

// list returns the registered collection names in ascending order.
func (c *collections) list() ([]string, error) {
	txn, err := c.store.Begin(false)

	if err != nil {
		return nil, backendError(err)
	}

	defer txn.Rollback()

	prefix := nameKey("")
	iter, err := txn.Keys(prefix, kv.PrefixEnd(prefix))

	if err != nil {
		return nil, backendError(err)
	}

	var names []string

	for iter.Next() {
		names = append(names, string(iter.Key()[len(prefix):]))
	}

	if iter.Error() != nil {
		return nil, backendError(iter.Error())
	}

	return names, nil
}

// drop removes a named collection's registry entry. The data prefix is
// cleared by the engine before this is called.
func (c *collections) drop(name string) error {
	if name == "" {
		return errors.Wrap(ErrArgs, "default collection cannot be dropped")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	txn, err := c.store.Begin(true)

	if err != nil {
		return backendError(err)
	}

	defer txn.Rollback()

	if err := txn.Delete(nameKey(name)); err != nil {
		return backendError(err)
	}

	if err := txn.Commit(); err != nil {
		return backendError(err)
	}

	c.cache.Delete(name)

	return nil
}
