package engine

import (
	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/nichtich/ukv/storage/kv"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Txn is a serializable transaction. Reads come from a backend snapshot
// taken at Begin, writes are staged locally and applied at Commit after
// validation. A transaction must only be used by one goroutine.
type Txn struct {
	engine   *Engine
	id       uint64
	startTS  uint64
	snap     kv.Transaction
	staged   *treemap.Map
	readSet  *roaring64.Bitmap
	writeSet *roaring64.Bitmap
	commitTS uint64
	done     bool
}

// Begin starts a transaction. The snapshot is pinned under the commit
// lock so it contains exactly the commits with timestamps <= startTS.
func (engine *Engine) Begin() (*Txn, error) {
	if engine == nil {
		return nil, ErrUninitialized
	}

	id := engine.txnSeq.Add(1)

	// Registering as active under the commit lock keeps a concurrent
	// commit from pruning records this transaction must validate against.
	engine.commitMu.Lock()
	startTS := engine.commitTS
	snap, err := engine.store.Begin(false)

	if err == nil {
		engine.active.Store(id, startTS)
	}

	engine.commitMu.Unlock()

	if err != nil {
		return nil, backendError(err)
	}

	txn := &Txn{
		engine:   engine,
		id:       id,
		startTS:  startTS,
		snap:     snap,
		staged:   treemap.NewWith(utils.StringComparator),
		readSet:  roaring64.New(),
		writeSet: roaring64.New(),
	}

	return txn, nil
}

// stagePut records a pending write for a backend key. Later stages of
// the same key win.
func (txn *Txn) stagePut(backendKey []byte, stored []byte) {
	txn.staged.Put(string(backendKey), stored)
	txn.writeSet.Add(placeHash(backendKey))
}

// stageDelete records a pending delete for a backend key.
func (txn *Txn) stageDelete(backendKey []byte) {
	txn.staged.Put(string(backendKey), []byte(nil))
	txn.writeSet.Add(placeHash(backendKey))
}

// get reads a backend key through the transaction: staged writes first,
// then the snapshot.
func (txn *Txn) get(backendKey []byte) ([]byte, error) {
	if staged, ok := txn.staged.Get(string(backendKey)); ok {
		return staged.([]byte), nil
	}

	stored, err := txn.snap.Get(backendKey)

	if err != nil {
		return nil, backendError(err)
	}

	return stored, nil
}

// trackRead adds a backend key to the read set for commit validation.
func (txn *Txn) trackRead(backendKey []byte) {
	txn.readSet.Add(placeHash(backendKey))
}

// StartTimestamp returns the logical timestamp the snapshot was taken
// at.
func (txn *Txn) StartTimestamp() uint64 {
	return txn.startTS
}

// CommitTimestamp returns the timestamp assigned at Commit. It is zero
// until Commit succeeds.
func (txn *Txn) CommitTimestamp() uint64 {
	return txn.commitTS
}

func (txn *Txn) finish() {
	txn.done = true
	txn.snap.Rollback()
	txn.engine.active.Delete(txn.id)
}

// Commit validates the transaction against every commit that happened
// after startTS and, on success, applies the staged writes atomically
// and assigns the next commit timestamp. On validation failure it
// returns ErrConflict and the transaction is rolled back; the caller
// must retry with a fresh transaction.
func (txn *Txn) Commit() error {
	if txn.done {
		return errors.Wrap(ErrArgs, "transaction already finished")
	}

	engine := txn.engine

	// Read-only transactions validate trivially.
	if txn.staged.Empty() {
		txn.finish()

		return nil
	}

	engine.commitMu.Lock()
	defer engine.commitMu.Unlock()

	for _, record := range engine.commitLog {
		if record.ts <= txn.startTS {
			continue
		}

		if record.writes.Intersects(txn.readSet) || record.writes.Intersects(txn.writeSet) {
			engine.conflicts.Inc()
			txn.finish()

			engine.logger.Debug("commit validation failed",
				zap.Uint64("txn", txn.id),
				zap.Uint64("start_ts", txn.startTS),
				zap.Uint64("conflicting_ts", record.ts))

			return errors.Wrapf(ErrConflict, "transaction %d", txn.id)
		}
	}

	writer, err := engine.store.Begin(true)

	if err != nil {
		txn.finish()

		return backendError(err)
	}

	iter := txn.staged.Iterator()

	for iter.Next() {
		key := []byte(iter.Key().(string))

		if iter.Value().([]byte) == nil {
			err = writer.Delete(key)
		} else {
			err = writer.Put(key, iter.Value().([]byte))
		}

		if err != nil {
			writer.Rollback()
			txn.finish()

			return backendError(err)
		}
	}

	if err := writer.Commit(); err != nil {
		txn.finish()

		return backendError(err)
	}

	engine.commitTS++
	txn.commitTS = engine.commitTS
	engine.commitLog = append(engine.commitLog, commitRecord{ts: txn.commitTS, writes: txn.writeSet})
	engine.commits.Inc()
	txn.finish()
	engine.pruneCommitLogLocked()

	return nil
}

// Abort rolls back the transaction, releasing all staged changes. It
// has no effect on a finished transaction.
func (txn *Txn) Abort() error {
	if txn.done {
		return nil
	}

	txn.finish()

	return nil
}

// pruneCommitLogLocked drops validation records no active transaction
// can conflict with. Callers must hold commitMu.
func (engine *Engine) pruneCommitLogLocked() {
	floor := engine.commitTS

	engine.active.Range(func(id uint64, startTS uint64) bool {
		if startTS < floor {
			floor = startTS
		}

		return true
	})

	cut := 0

	for cut < len(engine.commitLog) && engine.commitLog[cut].ts <= floor {
		cut++
	}

	if cut > 0 {
		engine.commitLog = append(engine.commitLog[:0:0], engine.commitLog[cut:]...)
	}
}
