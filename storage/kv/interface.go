// Package kv defines the contract for the ordered key-value backends the
// engine runs on. Any transactional ordered map can satisfy it; backends
// register themselves as plugins.
package kv

import (
	"errors"
)

var (
	// ErrClosed indicates that the store was closed
	ErrClosed = errors.New("store was closed")
	// ErrReadOnly indicates a write attempt on a read-only transaction
	ErrReadOnly = errors.New("transaction is read-only")
)

// PluginOptions contains the options used to instantiate a store
type PluginOptions map[string]interface{}

// Plugin represents a kv storage plugin
type Plugin interface {
	// Name returns the name of the storage plugin
	Name() string
	// NewStore returns an instance of the plugin store
	NewStore(options PluginOptions) (Store, error)
	// NewTempStore returns an instance of the plugin store
	// initialized with some sane defaults. It is meant for
	// tests that need an initialized instance of the plugin's
	// store without knowing how to initialize it
	NewTempStore() (Store, error)
}

// Store is a flat ordered map from byte-string keys to byte-string
// values. Keys are ordered lexicographically. The engine composes
// its own key layout on top; stores never interpret keys or values.
type Store interface {
	// Begin starts a transaction. writable should be true for
	// read-write transactions and false for read-only transactions.
	// A read-only transaction observes a consistent snapshot of the
	// store taken at Begin and is never blocked by writers. Begin
	// must return ErrClosed if its invocation starts after Close()
	// returns.
	Begin(writable bool) (Transaction, error)
	// Close closes the store. Close must not return until all
	// concurrent transactions have either rolled back or committed.
	// Calls started after Close returns must return ErrClosed and
	// have no effect.
	Close() error
	// Delete closes then deletes this store and all its contents.
	Delete() error
}

// Transaction is a transaction for a store. It must only be used by one
// goroutine at a time. A value put by the transaction must be observed
// by subsequent gets in the same transaction.
type Transaction interface {
	// Get gets a key. It returns nil with no error if the key does
	// not exist. The returned slice is only valid until the next
	// operation on the transaction.
	Get(key []byte) ([]byte, error)
	// Put puts a key. The key must not be empty. Values may be empty.
	Put(key, value []byte) error
	// Delete deletes a key. If the key doesn't exist it has no
	// effect and returns nil.
	Delete(key []byte) error
	// Keys creates an iterator over keys in [min, max) in ascending
	// lexicographical order. min = nil means the lowest key, max =
	// nil means past the highest key.
	Keys(min, max []byte) (Iterator, error)
	// Commit commits the transaction
	Commit() error
	// Rollback rolls back the transaction. Rollback after Commit has
	// no effect.
	Rollback() error
}

// Iterator iterates over a set of keys. It must only be used by one
// goroutine at a time and not after its parent transaction ends.
type Iterator interface {
	// Next advances the iterator to the next key. A fresh iterator
	// must call Next once to advance to the first key. Next returns
	// false if there is no next key or if it encounters an error.
	Next() bool
	// Key returns the current key
	Key() []byte
	// Value returns the current value
	Value() []byte
	// Error returns the error, if any.
	Error() error
}

// PrefixEnd returns the key immediately past all keys with the given
// prefix, or nil if no such key exists (the prefix is all 0xff).
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)

	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++

			return end[:i+1]
		}
	}

	return nil
}
