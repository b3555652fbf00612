// Package bbolt implements the kv storage contract on top of bbolt.
package bbolt

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/nichtich/ukv/storage/kv"
	bolt "go.etcd.io/bbolt"
)

const (
	// DriverName is the name this plugin registers under
	DriverName = "bbolt"
)

var rootBucket = []byte{0}

// Plugins returns the plugins implemented by this package
func Plugins() []kv.Plugin {
	return []kv.Plugin{
		&BBoltPlugin{},
	}
}

// BBoltPlugin is the bbolt kv storage plugin
type BBoltPlugin struct {
}

// Name implements Plugin.Name
func (plugin *BBoltPlugin) Name() string {
	return DriverName
}

// NewStore implements Plugin.NewStore
func (plugin *BBoltPlugin) NewStore(options kv.PluginOptions) (kv.Store, error) {
	var config BBoltStoreConfig

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
func (plugin *BBoltPlugin) NewTempStore() (kv.Store, error) {
	return plugin.NewStore(kv.PluginOptions{
		"path": filepath.Join(os.TempDir(), fmt.Sprintf("bbolt-%s", uuid.New().String())),
	})
}

// BBoltStoreConfig contains the configuration for a bbolt store
type BBoltStoreConfig struct {
	Path string
}

var _ kv.Store = (*BBoltStore)(nil)

// BBoltStore is a bbolt-backed store. All keys live in one root bucket.
type BBoltStore struct {
	db *bolt.DB
}

// New creates a bbolt store at the configured path
func New(config BBoltStoreConfig) (*BBoltStore, error) {
	db, err := bolt.Open(config.Path, 0666, nil)

	if err != nil {
		return nil, fmt.Errorf("could not open bbolt store at %s: %s", config.Path, err.Error())
	}

	if err := db.Update(func(txn *bolt.Tx) error {
		_, err := txn.CreateBucketIfNotExists(rootBucket)

		return err
	}); err != nil {
		db.Close()

		return nil, fmt.Errorf("could not ensure root bucket exists: %s", err.Error())
	}

	return &BBoltStore{db: db}, nil
}

// Begin implements Store.Begin
func (store *BBoltStore) Begin(writable bool) (kv.Transaction, error) {
	transaction, err := store.db.Begin(writable)

	if err == bolt.ErrDatabaseNotOpen {
		return nil, kv.ErrClosed
	} else if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %s", err.Error())
	}

	return &BBoltTransaction{transaction: transaction, writable: writable}, nil
}

// Close implements Store.Close
func (store *BBoltStore) Close() error {
	return store.db.Close()
}

// Delete implements Store.Delete
func (store *BBoltStore) Delete() error {
	path := store.db.Path()

	if err := store.Close(); err != nil {
		return fmt.Errorf("could not close store: %s", err.Error())
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("could not remove path %s: %s", path, err.Error())
	}

	return nil
}

var _ kv.Transaction = (*BBoltTransaction)(nil)

// BBoltTransaction is a transaction on a bbolt store
type BBoltTransaction struct {
	transaction *bolt.Tx
	writable    bool
}

func (transaction *BBoltTransaction) bucket() *bolt.Bucket {
	return transaction.transaction.Bucket(rootBucket)
}

// Get implements Transaction.Get
func (transaction *BBoltTransaction) Get(key []byte) ([]byte, error) {
	return transaction.bucket().Get(key), nil
}

// Put implements Transaction.Put
func (transaction *BBoltTransaction) Put(key, value []byte) error {
	if !transaction.writable {
		return kv.ErrReadOnly
	}

	return transaction.bucket().Put(key, value)
}

// Delete implements Transaction.Delete
func (transaction *BBoltTransaction) Delete(key []byte) error {
	if !transaction.writable {
		return kv.ErrReadOnly
	}

	return transaction.bucket().Delete(key)
}

// Keys implements Transaction.Keys
func (transaction *BBoltTransaction) Keys(min, max []byte) (kv.Iterator, error) {
	return &BBoltIterator{cursor: transaction.bucket().Cursor(), min: min, max: max}, nil
}

// Commit implements Transaction.Commit
func (transaction *BBoltTransaction) Commit() error {
	return transaction.transaction.Commit()
}

// Rollback implements Transaction.Rollback
func (transaction *BBoltTransaction) Rollback() error {
	err := transaction.transaction.Rollback()

	if err == bolt.ErrTxClosed {
		return nil
	}

	return err
}

var _ kv.Iterator = (*BBoltIterator)(nil)

// BBoltIterator iterates over a key range of a bbolt store
type BBoltIterator struct {
	cursor  *bolt.Cursor
	min     []byte
	max     []byte
	key     []byte
	value   []byte
	started bool
	done    bool
}

// Next implements Iterator.Next
func (iter *BBoltIterator) Next() bool {
	if iter.done {
		return false
	}

	var k, v []byte

	if !iter.started {
		iter.started = true

		if iter.min != nil {
			k, v = iter.cursor.Seek(iter.min)
		} else {
			k, v = iter.cursor.First()
		}
	} else {
		k, v = iter.cursor.Next()
	}

	if k == nil || (iter.max != nil && bytes.Compare(k, iter.max) >= 0) {
		iter.done = true
		iter.key = nil
		iter.value = nil

		return false
	}

	iter.key = k
	iter.value = v

	return true
}

// Key implements Iterator.Key
func (iter *BBoltIterator) Key() []byte {
	return iter.key
}

// Value implements Iterator.Value
func (iter *BBoltIterator) Value() []byte {
	return iter.value
}

// Error implements Iterator.Error
func (iter *BBoltIterator) Error() error {
	return nil
}
