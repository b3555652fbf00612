// Package badger implements the kv storage contract on top of badger.
package badger

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/nichtich/ukv/storage/kv"
)

const (
	// DriverName is the name this plugin registers under
	DriverName = "badger"
)

// Plugins returns the plugins implemented by this package
func Plugins() []kv.Plugin {
	return []kv.Plugin{
		&BadgerPlugin{},
	}
}

// BadgerPlugin is the badger kv storage plugin
type BadgerPlugin struct {
}

// Name implements Plugin.Name
func (plugin *BadgerPlugin) Name() string {
	return DriverName
}

// NewStore implements Plugin.NewStore
func (plugin *BadgerPlugin) NewStore(options kv.PluginOptions) (kv.Store, error) {
	var config BadgerStoreConfig

	if path, ok := options["path"]; !ok {
		return nil, fmt.Errorf("\"path\" is required")
	} else if pathString, ok := path.(string); !ok {
		return nil, fmt.Errorf("\"path\" must be a string")
	} else {
		config.Path = pathString
	}

	store, err := New(config)

	if err != nil {
		return nil, err
	}

	return store, nil
}

// NewTempStore implements Plugin.NewTempStore
func (plugin *BadgerPlugin) NewTempStore() (kv.Store, error) {
	return plugin.NewStore(kv.PluginOptions{
		"path": filepath.Join(os.TempDir(), fmt.Sprintf("badger-%s", uuid.New().String())),
	})
}

// BadgerStoreConfig contains the configuration for a badger store.
// An empty path opens the store in memory.
type BadgerStoreConfig struct {
	Path string
}

var _ kv.Store = (*BadgerStore)(nil)

// BadgerStore is a badger-backed store
type BadgerStore struct {
	db   *badgerdb.DB
	path string
}

// New creates a badger store at the configured path
func New(config BadgerStoreConfig) (*BadgerStore, error) {
	options := badgerdb.DefaultOptions(config.Path).WithLogger(nil)

	if config.Path == "" {
		options = options.WithInMemory(true)
	}

	db, err := badgerdb.Open(options)

	if err != nil {
		return nil, fmt.Errorf("could not open badger store at %s: %s", config.Path, err.Error())
	}

	return &BadgerStore{db: db, path: config.Path}, nil
}

// Begin implements Store.Begin
func (store *BadgerStore) Begin(writable bool) (kv.Transaction, error) {
	if store.db.IsClosed() {
		return nil, kv.ErrClosed
	}

	return &BadgerTransaction{transaction: store.db.NewTransaction(writable), writable: writable}, nil
}

// Close implements Store.Close
func (store *BadgerStore) Close() error {
	return store.db.Close()
}

// Delete implements Store.Delete
func (store *BadgerStore) Delete() error {
	if err := store.Close(); err != nil {
		return fmt.Errorf("could not close store: %s", err.Error())
	}

	if store.path == "" {
		return nil
	}

	if err := os.RemoveAll(store.path); err != nil {
		return fmt.Errorf("could not remove path %s: %s", store.path, err.Error())
	}

	return nil
}

var _ kv.Transaction = (*BadgerTransaction)(nil)

// BadgerTransaction is a transaction on a badger store. It tracks its
// open iterators so they can be released when the transaction ends.
type BadgerTransaction struct {
	transaction *badgerdb.Txn
	writable    bool
	iterators   []*BadgerIterator
	done        bool
}

// Get implements Transaction.Get
func (transaction *BadgerTransaction) Get(key []byte) ([]byte, error) {
	item, err := transaction.transaction.Get(key)

	if err == badgerdb.ErrKeyNotFound {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("could not get key: %s", err.Error())
	}

	value, err := item.ValueCopy(nil)

	if err != nil {
		return nil, fmt.Errorf("could not read value: %s", err.Error())
	}

	if value == nil {
		value = []byte{}
	}

	return value, nil
}

// Put implements Transaction.Put
func (transaction *BadgerTransaction) Put(key, value []byte) error {
	if !transaction.writable {
		return kv.ErrReadOnly
	}

	return transaction.transaction.Set(key, value)
}

// Delete implements Transaction.Delete
func (transaction *BadgerTransaction) Delete(key []byte) error {
	if !transaction.writable {
		return kv.ErrReadOnly
	}

	return transaction.transaction.Delete(key)
}

// Keys implements Transaction.Keys
func (transaction *BadgerTransaction) Keys(min, max []byte) (kv.Iterator, error) {
	options := badgerdb.DefaultIteratorOptions
	options.PrefetchValues = false

	iter := &BadgerIterator{
		iterator: transaction.transaction.NewIterator(options),
		min:      min,
		max:      max,
	}

	transaction.iterators = append(transaction.iterators, iter)

	return iter, nil
}

func (transaction *BadgerTransaction) closeIterators() {
	for _, iter := range transaction.iterators {
		iter.close()
	}

	transaction.iterators = nil
}

// Commit implements Transaction.Commit
func (transaction *BadgerTransaction) Commit() error {
	transaction.closeIterators()
	transaction.done = true

	return transaction.transaction.Commit()
}

// Rollback implements Transaction.Rollback
func (transaction *BadgerTransaction) Rollback() error {
	if transaction.done {
		return nil
	}

	transaction.closeIterators()
	transaction.done = true
	transaction.transaction.Discard()

	return nil
}

var _ kv.Iterator = (*BadgerIterator)(nil)

// BadgerIterator iterates over a key range of a badger store
type BadgerIterator struct {
	iterator *badgerdb.Iterator
	min      []byte
	max      []byte
	key      []byte
	value    []byte
	err      error
	started  bool
	closed   bool
}

func (iter *BadgerIterator) close() {
	if iter.closed {
		return
	}

	iter.closed = true
	iter.iterator.Close()
}

// Next implements Iterator.Next
func (iter *BadgerIterator) Next() bool {
	if iter.closed {
		return false
	}

	if !iter.started {
		iter.started = true

		if iter.min != nil {
			iter.iterator.Seek(iter.min)
		} else {
			iter.iterator.Rewind()
		}
	} else {
		iter.iterator.Next()
	}

	if !iter.iterator.Valid() {
		iter.key = nil
		iter.value = nil
		iter.close()

		return false
	}

	item := iter.iterator.Item()
	key := item.KeyCopy(nil)

	if iter.max != nil && bytes.Compare(key, iter.max) >= 0 {
		iter.key = nil
		iter.value = nil
		iter.close()

		return false
	}

	value, err := item.ValueCopy(nil)

	if err != nil {
		iter.err = fmt.Errorf("could not read value: %s", err.Error())
		iter.key = nil
		iter.value = nil
		iter.close()

		return false
	}

	iter.key = key
	iter.value = value

	return true
}

// Key implements Iterator.Key
func (iter *BadgerIterator) Key() []byte {
	return iter.key
}

// Value implements Iterator.Value
func (iter *BadgerIterator) Value() []byte {
	return iter.value
}

// Error implements Iterator.Error
func (iter *BadgerIterator) Error() error {
	return iter.err
}
