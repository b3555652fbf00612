// Package ukv is a transactional multi-modal key-value store. One
// ordered key-value engine carries named collections, point reads and
// writes, range scans and serializable transactions; on top of it a
// document modality serves field-level reads, patches and columnar
// projection, and a graph modality serves adjacency queries.
//
// The ordered byte store underneath is pluggable: bbolt and badger
// back durable databases, an in-memory backend serves the empty-path
// mode.
package ukv

import (
	"context"

	"github.com/nichtich/ukv/arena"
	"github.com/nichtich/ukv/docs"
	"github.com/nichtich/ukv/graph"
	"github.com/nichtich/ukv/soa"
	"github.com/nichtich/ukv/storage/engine"
	"github.com/nichtich/ukv/storage/kv"
	"github.com/nichtich/ukv/storage/kv/plugins"
	"github.com/nichtich/ukv/utils/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Re-exported engine types so most callers only import this package.
type (
	// Txn is a serializable transaction
	Txn = engine.Txn
	// Options carries per-call flags
	Options = engine.Options
	// DropMode selects what dropping a collection removes
	DropMode = engine.DropMode
)

// Error kinds, re-exported for errors.Is matching.
var (
	ErrUninitialized     = engine.ErrUninitialized
	ErrArgs              = engine.ErrArgs
	ErrOutOfMemory       = engine.ErrOutOfMemory
	ErrMissingFeature    = engine.ErrMissingFeature
	ErrConflict          = engine.ErrConflict
	ErrUnknownCollection = engine.ErrUnknownCollection
	ErrBackend           = engine.ErrBackend
)

const (
	// DefaultCollection is the handle of the unnamed collection
	DefaultCollection = engine.DefaultCollection
	// LenMissing marks absent keys in length tables
	LenMissing = arena.LenMissing
	// DropKeysValsHandle removes contents and collection
	DropKeysValsHandle = engine.DropKeysValsHandle
	// DropKeysVals removes contents, keeps the collection
	DropKeysVals = engine.DropKeysVals
	// DropVals truncates every value to length zero
	DropVals = engine.DropVals
)

// Config selects and configures the storage backend.
type Config struct {
	// Plugin is a registered kv plugin name. Empty selects "memory"
	// for an empty path and "bbolt" otherwise.
	Plugin string
	// Path is where the backend keeps its files. Empty means
	// memory-only mode.
	Path string
	// Options is passed to the plugin verbatim, with "path" filled
	// from Path when unset.
	Options kv.PluginOptions
	// Logger receives debug logging. Nil disables logging.
	Logger *zap.Logger
}

// DB is a database handle. It is safe for concurrent use; arenas and
// transactions are not shared between goroutines.
type DB struct {
	engine *engine.Engine
	docs   *docs.Docs
	logger *zap.Logger
}

// Open opens a database at the given path. An empty path runs the
// database in memory-only mode.
func Open(path string) (*DB, error) {
	return OpenConfig(Config{Path: path})
}

// OpenConfig opens a database with explicit backend configuration.
func OpenConfig(config Config) (*DB, error) {
	name := config.Plugin

	if name == "" {
		if config.Path == "" {
			name = "memory"
		} else {
			name = "bbolt"
		}
	}

	plugin := plugins.Plugin(name)

	if plugin == nil {
		return nil, errors.Wrapf(ErrMissingFeature, "no kv plugin named %q", name)
	}

	options := kv.PluginOptions{}

	for key, value := range config.Options {
		options[key] = value
	}

	if _, ok := options["path"]; !ok {
		options["path"] = config.Path
	}

	store, err := plugin.NewStore(options)

	if err != nil {
		return nil, errors.Wrap(ErrBackend, err.Error())
	}

	logger := config.Logger

	if logger == nil {
		logger = zap.NewNop()
	}

	db := &DB{
		engine: engine.New(store, logger),
		logger: logger,
	}

	// The modalities share the engine so transactions cross layers.
	db.docs = docs.New(db.engine, logger)

	return db, nil
}

// Close closes the database and its backend store.
func (db *DB) Close() error {
	if db == nil {
		return ErrUninitialized
	}

	return db.engine.Close()
}

// Engine exposes the batched engine for callers that drive the SoA
// entry points directly.
func (db *DB) Engine() *engine.Engine {
	return db.engine
}

// Docs returns the document modality.
func (db *DB) Docs() *docs.Docs {
	return db.docs
}

// Graph returns the graph modality over a collection.
func (db *DB) Graph(collection uint64) *graph.Graph {
	return graph.New(db.engine, collection, db.logger)
}

// Begin starts a serializable transaction.
func (db *DB) Begin() (*Txn, error) {
	if db == nil {
		return nil, ErrUninitialized
	}

	return db.engine.Begin()
}

// Collection opens a named collection, creating it on first access.
// The empty name is the default collection.
func (db *DB) Collection(name string) (uint64, error) {
	if db == nil {
		return 0, ErrUninitialized
	}

	return db.engine.CreateCollection(name)
}

// FindCollection resolves a collection name without creating it.
func (db *DB) FindCollection(name string) (uint64, bool, error) {
	if db == nil {
		return 0, false, ErrUninitialized
	}

	return db.engine.FindCollection(name)
}

// Collections lists the named collections in ascending order.
func (db *DB) Collections() ([]string, error) {
	if db == nil {
		return nil, ErrUninitialized
	}

	return db.engine.ListCollections()
}

// DropCollection removes a collection according to mode.
func (db *DB) DropCollection(name string, mode DropMode) error {
	if db == nil {
		return ErrUninitialized
	}

	return db.engine.DropCollection(name, mode)
}

// Write writes values to keys of one collection. A nil value erases
// its key, an empty one writes a present empty value.
func (db *DB) Write(ctx context.Context, txn *Txn, collection uint64, keys []int64, vals [][]byte) error {
	if db == nil {
		return ErrUninitialized
	}

	logger := log.WithContext(ctx, db.logger)
	logger.Debug("write", zap.Int("keys", len(keys)))

	return db.engine.Write(txn, len(keys), soa.Repeat(collection), soa.Slice(keys), engine.ValuesFromSlices(vals), Options{})
}

// Read reads the values of keys of one collection into the arena.
func (db *DB) Read(ctx context.Context, txn *Txn, a *arena.Arena, collection uint64, keys []int64) (*engine.ReadResult, error) {
	if db == nil {
		return nil, ErrUninitialized
	}

	return db.engine.Read(txn, a, len(keys), soa.Repeat(collection), soa.Slice(keys), Options{TrackReads: txn != nil})
}

// Measure returns presence and length of keys without copying values.
func (db *DB) Measure(ctx context.Context, txn *Txn, a *arena.Arena, collection uint64, keys []int64) (*engine.MeasureResult, error) {
	if db == nil {
		return nil, ErrUninitialized
	}

	return db.engine.Measure(txn, a, len(keys), soa.Repeat(collection), soa.Slice(keys), Options{TrackReads: txn != nil})
}

// Contains reports whether a key is present, independently of its
// value length.
func (db *DB) Contains(ctx context.Context, txn *Txn, a *arena.Arena, collection uint64, key int64) (bool, error) {
	result, err := db.Measure(ctx, txn, a, collection, []int64{key})

	if err != nil {
		return false, err
	}

	return result.Presence.Get(0), nil
}

// Scan returns up to limit keys of a collection starting at start, in
// ascending order. limit < 0 means no limit.
func (db *DB) Scan(ctx context.Context, txn *Txn, a *arena.Arena, collection uint64, start int64, limit int) ([]int64, error) {
	if db == nil {
		return nil, ErrUninitialized
	}

	return db.engine.Scan(txn, a, collection, start, limit, Options{})
}

// Clear truncates keys to present zero-length values. The keys remain
// observable; Erase is the operation that removes them.
func (db *DB) Clear(ctx context.Context, txn *Txn, collection uint64, keys []int64) error {
	vals := make([][]byte, len(keys))

	for i := range vals {
		vals[i] = []byte{}
	}

	return db.Write(ctx, txn, collection, keys, vals)
}

// Erase removes keys entirely.
func (db *DB) Erase(ctx context.Context, txn *Txn, collection uint64, keys []int64) error {
	return db.Write(ctx, txn, collection, keys, make([][]byte, len(keys)))
}
