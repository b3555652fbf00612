package ukv_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nichtich/ukv"
	"github.com/nichtich/ukv/arena"
	"github.com/nichtich/ukv/graph"
	"github.com/stretchr/testify/require"
)

// open runs a test against a database on every backend.
func open(t *testing.T, test func(t *testing.T, db *ukv.DB)) {
	backends := map[string]ukv.Config{
		"memory": {},
		"bbolt":  {Plugin: "bbolt", Path: filepath.Join(t.TempDir(), "db.bolt")},
		"badger": {Plugin: "badger", Path: filepath.Join(t.TempDir(), "badger")},
	}

	for name, config := range backends {
		t.Run(name, func(t *testing.T) {
			db, err := ukv.OpenConfig(config)
			require.NoError(t, err)

			defer db.Close()

			test(t, db)
		})
	}
}

// Scenario: basic binary KV lifecycle on the default collection.
func TestBasicKVLifecycle(t *testing.T) {
	open(t, func(t *testing.T, db *ukv.DB) {
		ctx := context.Background()
		a := arena.New()

		keys := []int64{34, 35, 36}
		vals := [][]byte{{0x22}, {0x23}, {0x24}}

		require.NoError(t, db.Write(ctx, nil, ukv.DefaultCollection, keys, vals))

		result, err := db.Read(ctx, nil, a, ukv.DefaultCollection, keys)
		require.NoError(t, err)

		for i := range keys {
			require.True(t, result.Presence.Get(i))
			require.Equal(t, vals[i], result.Tape.At(i))
		}

		// Overwrite with shifted values.
		shifted := [][]byte{{0x22 + 100}, {0x23 + 100}, {0x24 + 100}}
		require.NoError(t, db.Write(ctx, nil, ukv.DefaultCollection, keys, shifted))

		result, err = db.Read(ctx, nil, a, ukv.DefaultCollection, keys)
		require.NoError(t, err)

		for i := range keys {
			require.Equal(t, shifted[i], result.Tape.At(i))
		}

		// Clear: keys stay present with zero length.
		require.NoError(t, db.Clear(ctx, nil, ukv.DefaultCollection, keys))

		measured, err := db.Measure(ctx, nil, a, ukv.DefaultCollection, keys)
		require.NoError(t, err)

		for i := range keys {
			require.True(t, measured.Presence.Get(i))
			require.Equal(t, uint64(0), measured.Lengths[i])
		}

		// Erase: keys disappear.
		require.NoError(t, db.Erase(ctx, nil, ukv.DefaultCollection, keys))

		measured, err = db.Measure(ctx, nil, a, ukv.DefaultCollection, keys)
		require.NoError(t, err)

		for i := range keys {
			require.False(t, measured.Presence.Get(i))
			require.Equal(t, ukv.LenMissing, measured.Lengths[i])
		}
	})
}

func TestScanAfterWrites(t *testing.T) {
	open(t, func(t *testing.T, db *ukv.DB) {
		ctx := context.Background()
		a := arena.New()

		keys := []int64{36, 34, 35}
		require.NoError(t, db.Write(ctx, nil, ukv.DefaultCollection, keys, [][]byte{{1}, {1}, {1}}))

		scanned, err := db.Scan(ctx, nil, a, ukv.DefaultCollection, 0, -1)
		require.NoError(t, err)
		require.Equal(t, []int64{34, 35, 36}, scanned)
	})
}

// Scenario: named collections hold independent key spaces.
func TestNamedCollections(t *testing.T) {
	open(t, func(t *testing.T, db *ukv.DB) {
		ctx := context.Background()
		a := arena.New()

		col1, err := db.Collection("col1")
		require.NoError(t, err)

		col2, err := db.Collection("col2")
		require.NoError(t, err)

		keys := []int64{34, 35, 36}
		vals := [][]byte{{1}, {2}, {3}}

		require.NoError(t, db.Write(ctx, nil, col1, keys, vals))
		require.NoError(t, db.Write(ctx, nil, col2, keys, vals))

		_, found, err := db.FindCollection("col1")
		require.NoError(t, err)
		require.True(t, found)

		_, found, err = db.FindCollection("unknown")
		require.NoError(t, err)
		require.False(t, found)

		for _, col := range []uint64{col1, col2} {
			scanned, err := db.Scan(ctx, nil, a, col, 0, -1)
			require.NoError(t, err)
			require.Equal(t, keys, scanned)
		}

		// Dropping one leaves the other alone.
		require.NoError(t, db.DropCollection("col1", ukv.DropKeysValsHandle))

		_, found, err = db.FindCollection("col1")
		require.NoError(t, err)
		require.False(t, found)

		scanned, err := db.Scan(ctx, nil, a, col2, 0, -1)
		require.NoError(t, err)
		require.Equal(t, keys, scanned)
	})
}

func TestTransactionAcrossModalities(t *testing.T) {
	open(t, func(t *testing.T, db *ukv.DB) {
		ctx := context.Background()
		a := arena.New()

		graphCol, err := db.Collection("graph")
		require.NoError(t, err)

		txn, err := db.Begin()
		require.NoError(t, err)

		require.NoError(t, db.Write(ctx, txn, ukv.DefaultCollection, []int64{1}, [][]byte{{0x01}}))

		g := db.Graph(graphCol)
		require.NoError(t, g.UpsertEdges(ctx, txn, a, []graph.Edge{{Source: 7, Target: 8, ID: 1}}))

		require.NoError(t, txn.Commit())

		degree, err := g.Degree(ctx, nil, a, 7, graph.Any)
		require.NoError(t, err)
		require.Equal(t, 1, degree)

		result, err := db.Read(ctx, nil, a, ukv.DefaultCollection, []int64{1})
		require.NoError(t, err)
		require.True(t, result.Presence.Get(0))
	})
}

func TestContainsIndependentOfLength(t *testing.T) {
	open(t, func(t *testing.T, db *ukv.DB) {
		ctx := context.Background()
		a := arena.New()

		require.NoError(t, db.Write(ctx, nil, ukv.DefaultCollection, []int64{1}, [][]byte{{}}))

		contains, err := db.Contains(ctx, nil, a, ukv.DefaultCollection, 1)
		require.NoError(t, err)
		require.True(t, contains)

		contains, err = db.Contains(ctx, nil, a, ukv.DefaultCollection, 2)
		require.NoError(t, err)
		require.False(t, contains)
	})
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.bolt")
	ctx := context.Background()

	db, err := ukv.Open(path)
	require.NoError(t, err)

	col, err := db.Collection("durable")
	require.NoError(t, err)

	require.NoError(t, db.Write(ctx, nil, col, []int64{1}, [][]byte{{0xaa}}))
	require.NoError(t, db.Close())

	db, err = ukv.Open(path)
	require.NoError(t, err)

	defer db.Close()

	reopened, found, err := db.FindCollection("durable")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, col, reopened)

	result, err := db.Read(ctx, nil, arena.New(), col, []int64{1})
	require.NoError(t, err)
	require.Equal(t, []byte{0xaa}, result.Tape.At(0))
}

func TestUnknownPluginIsMissingFeature(t *testing.T) {
	_, err := ukv.OpenConfig(ukv.Config{Plugin: "no-such-backend"})
	require.ErrorIs(t, err, ukv.ErrMissingFeature)
}
