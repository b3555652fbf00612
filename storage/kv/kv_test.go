package kv_test

import (
	"fmt"
	"testing"

	"github.com/nichtich/ukv/storage/kv"
	"github.com/nichtich/ukv/storage/kv/plugins"
	"github.com/stretchr/testify/require"
)

// tempStore runs a test against a fresh store of every registered
// plugin.
func tempStore(t *testing.T, test func(t *testing.T, store kv.Store)) {
	for _, plugin := range plugins.Plugins() {
		t.Run(plugin.Name(), func(t *testing.T) {
			store, err := plugin.NewTempStore()
			require.NoError(t, err)

			defer store.Delete()

			test(t, store)
		})
	}
}

func put(t *testing.T, store kv.Store, pairs map[string]string) {
	txn, err := store.Begin(true)
	require.NoError(t, err)

	for key, value := range pairs {
		require.NoError(t, txn.Put([]byte(key), []byte(value)))
	}

	require.NoError(t, txn.Commit())
}

func TestPutGetRoundTrip(t *testing.T) {
	tempStore(t, func(t *testing.T, store kv.Store) {
		put(t, store, map[string]string{"a": "1", "b": "2"})

		txn, err := store.Begin(false)
		require.NoError(t, err)

		defer txn.Rollback()

		value, err := txn.Get([]byte("a"))
		require.NoError(t, err)
		require.Equal(t, []byte("1"), value)

		missing, err := txn.Get([]byte("nope"))
		require.NoError(t, err)
		require.Nil(t, missing)
	})
}

func TestEmptyValuesArePresent(t *testing.T) {
	tempStore(t, func(t *testing.T, store kv.Store) {
		put(t, store, map[string]string{"empty": ""})

		txn, err := store.Begin(false)
		require.NoError(t, err)

		defer txn.Rollback()

		value, err := txn.Get([]byte("empty"))
		require.NoError(t, err)
		require.NotNil(t, value)
		require.Len(t, value, 0)
	})
}

func TestDeleteRemovesKey(t *testing.T) {
	tempStore(t, func(t *testing.T, store kv.Store) {
		put(t, store, map[string]string{"a": "1"})

		txn, err := store.Begin(true)
		require.NoError(t, err)
		require.NoError(t, txn.Delete([]byte("a")))
		require.NoError(t, txn.Delete([]byte("never-existed")))
		require.NoError(t, txn.Commit())

		read, err := store.Begin(false)
		require.NoError(t, err)

		defer read.Rollback()

		value, err := read.Get([]byte("a"))
		require.NoError(t, err)
		require.Nil(t, value)
	})
}

func TestKeysRangeAscending(t *testing.T) {
	tempStore(t, func(t *testing.T, store kv.Store) {
		put(t, store, map[string]string{"a": "1", "b": "2", "c": "3", "d": "4"})

		txn, err := store.Begin(false)
		require.NoError(t, err)

		defer txn.Rollback()

		iter, err := txn.Keys([]byte("b"), []byte("d"))
		require.NoError(t, err)

		var keys []string

		for iter.Next() {
			keys = append(keys, string(iter.Key()))
		}

		require.NoError(t, iter.Error())
		require.Equal(t, []string{"b", "c"}, keys)
	})
}

func TestKeysUnboundedRange(t *testing.T) {
	tempStore(t, func(t *testing.T, store kv.Store) {
		put(t, store, map[string]string{"a": "1", "b": "2"})

		txn, err := store.Begin(false)
		require.NoError(t, err)

		defer txn.Rollback()

		iter, err := txn.Keys(nil, nil)
		require.NoError(t, err)

		var keys []string

		for iter.Next() {
			keys = append(keys, string(iter.Key()))
		}

		require.NoError(t, iter.Error())
		require.Equal(t, []string{"a", "b"}, keys)
	})
}

func TestReadOnlyTransactionRejectsWrites(t *testing.T) {
	tempStore(t, func(t *testing.T, store kv.Store) {
		txn, err := store.Begin(false)
		require.NoError(t, err)

		defer txn.Rollback()

		require.ErrorIs(t, txn.Put([]byte("a"), []byte("1")), kv.ErrReadOnly)
		require.ErrorIs(t, txn.Delete([]byte("a")), kv.ErrReadOnly)
	})
}

func TestSnapshotIsolation(t *testing.T) {
	tempStore(t, func(t *testing.T, store kv.Store) {
		put(t, store, map[string]string{"k": "before"})

		snap, err := store.Begin(false)
		require.NoError(t, err)

		defer snap.Rollback()

		put(t, store, map[string]string{"k": "after"})

		value, err := snap.Get([]byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("before"), value)
	})
}

func TestReadYourWrites(t *testing.T) {
	tempStore(t, func(t *testing.T, store kv.Store) {
		txn, err := store.Begin(true)
		require.NoError(t, err)

		require.NoError(t, txn.Put([]byte("k"), []byte("v")))

		value, err := txn.Get([]byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("v"), value)
		require.NoError(t, txn.Commit())
	})
}

func TestRollbackDiscardsStagedWrites(t *testing.T) {
	tempStore(t, func(t *testing.T, store kv.Store) {
		txn, err := store.Begin(true)
		require.NoError(t, err)
		require.NoError(t, txn.Put([]byte("k"), []byte("v")))
		require.NoError(t, txn.Rollback())

		read, err := store.Begin(false)
		require.NoError(t, err)

		defer read.Rollback()

		value, err := read.Get([]byte("k"))
		require.NoError(t, err)
		require.Nil(t, value)
	})
}

func TestManyKeysKeepOrder(t *testing.T) {
	tempStore(t, func(t *testing.T, store kv.Store) {
		txn, err := store.Begin(true)
		require.NoError(t, err)

		for i := 0; i < 200; i++ {
			key := []byte(fmt.Sprintf("key-%03d", i))
			require.NoError(t, txn.Put(key, []byte{byte(i)}))
		}

		require.NoError(t, txn.Commit())

		read, err := store.Begin(false)
		require.NoError(t, err)

		defer read.Rollback()

		iter, err := read.Keys(nil, nil)
		require.NoError(t, err)

		last := ""
		count := 0

		for iter.Next() {
			require.Greater(t, string(iter.Key()), last)
			last = string(iter.Key())
			count++
		}

		require.NoError(t, iter.Error())
		require.Equal(t, 200, count)
	})
}
