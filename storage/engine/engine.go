// Package engine implements the batched transactional engine every
// modality runs on: an ordered map from (collection, key) to an opaque
// blob with bulk structure-of-arrays operations and serializable
// optimistic transactions. The ordered byte store underneath is
// pluggable.
package engine

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/VictoriaMetrics/metrics"
	"github.com/nichtich/ukv/arena"
	"github.com/nichtich/ukv/soa"
	"github.com/nichtich/ukv/storage/kv"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// commitRecord remembers the write set of one committed transaction for
// validating transactions that overlapped with it.
type commitRecord struct {
	ts     uint64
	writes *roaring64.Bitmap
}

// Engine is the transactional batched KV engine. It is safe for
// concurrent use by independent sessions.
type Engine struct {
	store       kv.Store
	logger      *zap.Logger
	collections *collections

	commitMu  sync.Mutex
	commitTS  uint64
	commitLog []commitRecord
	active    *xsync.MapOf[uint64, uint64]
	txnSeq    atomic.Uint64

	reads     *metrics.Counter
	writes    *metrics.Counter
	commits   *metrics.Counter
	conflicts *metrics.Counter
}

// New creates an engine on top of an opened backend store.
func New(store kv.Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		store:       store,
		logger:      logger,
		collections: newCollections(store),
		active:      xsync.NewMapOf[uint64, uint64](),
		reads:       metrics.GetOrCreateCounter(`ukv_ops_total{op="read"}`),
		writes:      metrics.GetOrCreateCounter(`ukv_ops_total{op="write"}`),
		commits:     metrics.GetOrCreateCounter(`ukv_txn_commits_total`),
		conflicts:   metrics.GetOrCreateCounter(`ukv_txn_conflicts_total`),
	}
}

// Close closes the engine and its backend store.
func (engine *Engine) Close() error {
	return backendError(engine.store.Close())
}

// CreateCollection resolves a collection name, registering it if
// needed. Creation is idempotent on the name. The empty name resolves
// to the default collection.
func (engine *Engine) CreateCollection(name string) (uint64, error) {
	return engine.collections.create(name)
}

// FindCollection resolves a collection name without creating it.
func (engine *Engine) FindCollection(name string) (uint64, bool, error) {
	return engine.collections.lookup(name)
}

// ListCollections returns all registered collection names in ascending
// order.
func (engine *Engine) ListCollections() ([]string, error) {
	return engine.collections.list()
}

// Options carries the per-call flags of the batched operations.
type Options struct {
	// TrackReads records every key the call reads into the
	// transaction's read set so commit validation can enforce
	// serializability.
	TrackReads bool
	// WatchOnWrite additionally records written keys into the read
	// set, turning blind writes into watched ones.
	WatchOnWrite bool
	// DontDiscardMemory keeps earlier allocations in the call's arena
	// alive instead of resetting it on entry.
	DontDiscardMemory bool
}

// ReadResult is the arena-resident output of a batched read: one
// presence bit and one tape entry per task, in task order. Absent keys
// hold LenMissing in the length table.
type ReadResult struct {
	Presence arena.Bitmap
	Tape     *arena.Tape
}

// Read performs a batched point read. All tasks observe one snapshot:
// the transaction's if txn is not nil, otherwise a snapshot taken for
// the duration of the call.
func (engine *Engine) Read(txn *Txn, a *arena.Arena, count int, cols soa.Strided[uint64], keys soa.Strided[int64], opts Options) (*ReadResult, error) {
	if engine == nil {
		return nil, ErrUninitialized
	}

	if a == nil {
		return nil, errors.Wrap(ErrArgs, "arena is required")
	}

	if count > 0 && (cols.IsEmpty() || keys.IsEmpty()) {
		return nil, errors.Wrap(ErrArgs, "collections and keys are required")
	}

	if !opts.DontDiscardMemory {
		a.Reset()
	}

	result := &ReadResult{
		Presence: a.NewBitmap(count),
		Tape:     a.NewTape(),
	}

	get, release, err := engine.reader(txn)

	if err != nil {
		return nil, err
	}

	defer release()

	for i := 0; i < count; i++ {
		backendKey := dataKey(cols.At(i), keys.At(i))
		stored, err := get(backendKey)

		if err != nil {
			return nil, err
		}

		if txn != nil && opts.TrackReads {
			txn.trackRead(backendKey)
		}

		if stored == nil {
			result.Tape.AppendMissing()

			continue
		}

		result.Presence.Set(i)
		result.Tape.Append(decodeValue(stored))
	}

	engine.reads.Inc()

	return result, nil
}

// MeasureResult carries presence and length per task without copying
// values.
type MeasureResult struct {
	Presence arena.Bitmap
	Lengths  []uint64
}

// Measure returns presence and value length for each task.
func (engine *Engine) Measure(txn *Txn, a *arena.Arena, count int, cols soa.Strided[uint64], keys soa.Strided[int64], opts Options) (*MeasureResult, error) {
	if engine == nil {
		return nil, ErrUninitialized
	}

	if a == nil {
		return nil, errors.Wrap(ErrArgs, "arena is required")
	}

	if !opts.DontDiscardMemory {
		a.Reset()
	}

	result := &MeasureResult{
		Presence: a.NewBitmap(count),
		Lengths:  a.AllocUint64(count),
	}

	get, release, err := engine.reader(txn)

	if err != nil {
		return nil, err
	}

	defer release()

	for i := 0; i < count; i++ {
		backendKey := dataKey(cols.At(i), keys.At(i))
		stored, err := get(backendKey)

		if err != nil {
			return nil, err
		}

		if txn != nil && opts.TrackReads {
			txn.trackRead(backendKey)
		}

		if stored == nil {
			result.Lengths[i] = arena.LenMissing

			continue
		}

		result.Presence.Set(i)
		result.Lengths[i] = uint64(len(decodeValue(stored)))
	}

	return result, nil
}

// reader returns a point-get function over the right snapshot plus its
// release hook.
func (engine *Engine) reader(txn *Txn) (func([]byte) ([]byte, error), func(), error) {
	if txn != nil {
		return txn.get, func() {}, nil
	}

	snap, err := engine.store.Begin(false)

	if err != nil {
		return nil, nil, backendError(err)
	}

	get := func(backendKey []byte) ([]byte, error) {
		stored, err := snap.Get(backendKey)

		if err != nil {
			return nil, backendError(err)
		}

		return stored, nil
	}

	return get, func() { snap.Rollback() }, nil
}

// Values is the SoA input of a batched write: parallel offset and
// length views over one joined buffer. A length of LenMissing (or a
// clear presence bit) marks a task as a delete.
type Values struct {
	Presence arena.Bitmap
	Offsets  soa.Strided[uint64]
	Lengths  soa.Strided[uint64]
	Bytes    []byte
}

// At returns the value of task i and whether the task carries one.
func (v Values) At(i int) ([]byte, bool) {
	if v.Presence != nil && !v.Presence.Get(i) {
		return nil, false
	}

	length := v.Lengths.At(i)

	if length == arena.LenMissing {
		return nil, false
	}

	offset := v.Offsets.At(i)

	return v.Bytes[offset : offset+length], true
}

// ValuesFromSlices builds a Values view from plain slices. A nil slice
// marks its task as a delete; an empty one writes an empty value.
func ValuesFromSlices(vals [][]byte) Values {
	offsets := make([]uint64, len(vals))
	lengths := make([]uint64, len(vals))
	var joined []byte

	for i, v := range vals {
		offsets[i] = uint64(len(joined))

		if v == nil {
			lengths[i] = arena.LenMissing

			continue
		}

		lengths[i] = uint64(len(v))
		joined = append(joined, v...)
	}

	return Values{
		Offsets: soa.Slice(offsets),
		Lengths: soa.Slice(lengths),
		Bytes:   joined,
	}
}

// Write performs a batched write. Within a transaction the writes are
// staged; without one they commit atomically before Write returns,
// retrying internally on conflicts with concurrent committers.
// Duplicate keys in one batch resolve last-wins.
func (engine *Engine) Write(txn *Txn, count int, cols soa.Strided[uint64], keys soa.Strided[int64], vals Values, opts Options) error {
	if engine == nil {
		return ErrUninitialized
	}

	if count > 0 && (cols.IsEmpty() || keys.IsEmpty()) {
		return errors.Wrap(ErrArgs, "collections and keys are required")
	}

	if txn != nil {
		engine.stageBatch(txn, count, cols, keys, vals, opts)
		engine.writes.Inc()

		return nil
	}

	for {
		auto, err := engine.Begin()

		if err != nil {
			return err
		}

		engine.stageBatch(auto, count, cols, keys, vals, opts)
		err = auto.Commit()

		if errors.Is(err, ErrConflict) {
			continue
		}

		if err == nil {
			engine.writes.Inc()
		}

		return err
	}
}

func (engine *Engine) stageBatch(txn *Txn, count int, cols soa.Strided[uint64], keys soa.Strided[int64], vals Values, opts Options) {
	for i := 0; i < count; i++ {
		backendKey := dataKey(cols.At(i), keys.At(i))
		value, present := vals.At(i)

		if present {
			txn.stagePut(backendKey, encodeValue(value))
		} else {
			txn.stageDelete(backendKey)
		}

		if opts.WatchOnWrite {
			txn.trackRead(backendKey)
		}
	}
}

// Scan returns up to limit keys of a collection starting at start, in
// ascending numeric order. limit < 0 means no limit. Inside a
// transaction the result merges the snapshot with the staged writes.
func (engine *Engine) Scan(txn *Txn, a *arena.Arena, collection uint64, start int64, limit int, opts Options) ([]int64, error) {
	if engine == nil {
		return nil, ErrUninitialized
	}

	if a == nil {
		return nil, errors.Wrap(ErrArgs, "arena is required")
	}

	if !opts.DontDiscardMemory {
		a.Reset()
	}

	min := dataKey(collection, start)
	max := kv.PrefixEnd(dataPrefix(collection))

	var snap kv.Transaction

	if txn != nil {
		snap = txn.snap
	} else {
		temp, err := engine.store.Begin(false)

		if err != nil {
			return nil, backendError(err)
		}

		defer temp.Rollback()

		snap = temp
	}

	iter, err := snap.Keys(min, max)

	if err != nil {
		return nil, backendError(err)
	}

	var keys []int64

	emit := func(backendKey []byte) bool {
		if limit >= 0 && len(keys) >= limit {
			return false
		}

		keys = append(keys, dataKeyUser(backendKey))

		return true
	}

	if txn == nil {
		for iter.Next() {
			if !emit(iter.Key()) {
				break
			}
		}

		if iter.Error() != nil {
			return nil, backendError(iter.Error())
		}

		return keys, nil
	}

	if err := mergeScan(iter, txn.stagedRange(min, max), emit); err != nil {
		return nil, err
	}

	return keys, nil
}

// stagedEntry is one staged write inside the scanned range.
type stagedEntry struct {
	key     []byte
	deleted bool
}

// stagedRange collects the transaction's staged writes within
// [min, max) in key order.
func (txn *Txn) stagedRange(min, max []byte) []stagedEntry {
	var entries []stagedEntry

	iter := txn.staged.Iterator()

	for iter.Next() {
		key := []byte(iter.Key().(string))

		if bytes.Compare(key, min) < 0 {
			continue
		}

		if max != nil && bytes.Compare(key, max) >= 0 {
			break
		}

		entries = append(entries, stagedEntry{key: key, deleted: iter.Value().([]byte) == nil})
	}

	return entries
}

// mergeScan merges the snapshot iterator with the staged entries.
// Staged deletes shadow snapshot keys, staged puts surface keys the
// snapshot does not have. emit returns false to stop early.
func mergeScan(iter kv.Iterator, staged []stagedEntry, emit func([]byte) bool) error {
	si := 0
	snapOK := iter.Next()

	for snapOK || si < len(staged) {
		var cmp int

		switch {
		case !snapOK:
			cmp = 1
		case si >= len(staged):
			cmp = -1
		default:
			cmp = bytes.Compare(iter.Key(), staged[si].key)
		}

		switch {
		case cmp < 0:
			if !emit(iter.Key()) {
				return nil
			}

			snapOK = iter.Next()
		case cmp > 0:
			if !staged[si].deleted {
				if !emit(staged[si].key) {
					return nil
				}
			}

			si++
		default:
			if !staged[si].deleted {
				if !emit(staged[si].key) {
					return nil
				}
			}

			si++
			snapOK = iter.Next()
		}
	}

	return backendError(iter.Error())
}

// DropCollection removes a collection according to mode. The removal
// of the contents runs as one transaction, retried on conflict.
func (engine *Engine) DropCollection(name string, mode DropMode) error {
	if engine == nil {
		return ErrUninitialized
	}

	handle, ok, err := engine.collections.lookup(name)

	if err != nil {
		return err
	}

	if !ok {
		return errors.Wrapf(ErrUnknownCollection, "%q", name)
	}

	if handle == DefaultCollection && mode == DropKeysValsHandle {
		return errors.Wrap(ErrArgs, "default collection cannot be dropped")
	}

	for {
		err := engine.dropContents(handle, mode)

		if errors.Is(err, ErrConflict) {
			continue
		}

		if err != nil {
			return err
		}

		break
	}

	if mode == DropKeysValsHandle {
		return engine.collections.drop(name)
	}

	return nil
}

// dropContents clears or truncates every key of a collection in one
// transaction.
func (engine *Engine) dropContents(handle uint64, mode DropMode) error {
	txn, err := engine.Begin()

	if err != nil {
		return err
	}

	prefix := dataPrefix(handle)
	iter, err := txn.snap.Keys(prefix, kv.PrefixEnd(prefix))

	if err != nil {
		txn.Abort()

		return backendError(err)
	}

	for iter.Next() {
		key := append([]byte(nil), iter.Key()...)

		if mode == DropVals {
			txn.stagePut(key, encodeValue(nil))
		} else {
			txn.stageDelete(key)
		}
	}

	if iter.Error() != nil {
		txn.Abort()

		return backendError(iter.Error())
	}

	return txn.Commit()
}
