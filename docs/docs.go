// Package docs is the document modality: it parses stored blobs as
// structured documents and serves field-level reads, patches, schema
// discovery and columnar projection on top of the batched engine.
package docs

import (
	"context"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/nichtich/ukv/arena"
	"github.com/nichtich/ukv/soa"
	"github.com/nichtich/ukv/storage/engine"
	"github.com/nichtich/ukv/utils/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Docs serves document operations. It is stateless and reentrant; all
// state lives in the engine and the caller's arena.
type Docs struct {
	engine *engine.Engine
	logger *zap.Logger
}

// New creates a document modality on an engine.
func New(e *engine.Engine, logger *zap.Logger) *Docs {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Docs{engine: e, logger: logger}
}

// docBatch is a deduplicated read of the documents a batch addresses.
// trees holds one parsed document per unique place (nil when absent);
// slots maps each original task to its tree.
type docBatch struct {
	trees []interface{}
	slots []int
	cols  []uint64
	keys  []int64
}

// readBatch engine-reads the places of a batch with one call and parses
// each returned blob from the internal format. Places are deduplicated
// only when they are not already strictly ascending, preserving the
// common scan case.
func (docs *Docs) readBatch(txn *engine.Txn, a *arena.Arena, count int, cols soa.Strided[uint64], keys soa.Strided[int64], opts engine.Options) (*docBatch, error) {
	batch := &docBatch{slots: make([]int, count)}

	ascending := true

	for i := 1; i < count && ascending; i++ {
		prev := place{cols.At(i - 1), keys.At(i - 1)}
		cur := place{cols.At(i), keys.At(i)}

		if cur.collection < prev.collection || (cur.collection == prev.collection && cur.key <= prev.key) {
			ascending = false
		}
	}

	if ascending {
		for i := 0; i < count; i++ {
			batch.slots[i] = i
			batch.cols = append(batch.cols, cols.At(i))
			batch.keys = append(batch.keys, keys.At(i))
		}
	} else {
		seen := make(map[place]int, count)

		for i := 0; i < count; i++ {
			p := place{cols.At(i), keys.At(i)}

			slot, ok := seen[p]

			if !ok {
				slot = len(batch.cols)
				seen[p] = slot
				batch.cols = append(batch.cols, p.collection)
				batch.keys = append(batch.keys, p.key)
			}

			batch.slots[i] = slot
		}
	}

	result, err := docs.engine.Read(txn, a, len(batch.cols), soa.Slice(batch.cols), soa.Slice(batch.keys), opts)

	if err != nil {
		return nil, err
	}

	batch.trees = make([]interface{}, len(batch.cols))

	for i := range batch.cols {
		stored := result.Tape.At(i)

		if stored == nil {
			continue
		}

		tree, err := decodeDocument(FormatInternal, stored)

		if err != nil {
			return nil, err
		}

		batch.trees[i] = tree
	}

	return batch, nil
}

// Read reads documents or document fields, serialized into the
// requested format. Each task gets its own tape slot in input order.
// JSON output is NUL-terminated on the tape. When no fields are
// requested and the format is the internal one, the call degenerates to
// a raw engine read.
func (docs *Docs) Read(ctx context.Context, txn *engine.Txn, a *arena.Arena, count int, cols soa.Strided[uint64], keys soa.Strided[int64], fields soa.Strided[string], format Format, opts engine.Options) (*engine.ReadResult, error) {
	if docs == nil || docs.engine == nil {
		return nil, engine.ErrUninitialized
	}

	logger := log.WithContext(ctx, docs.logger).With(zap.String("operation", "docs.Read"))

	if format.IsPatch() {
		return nil, errors.Wrapf(engine.ErrArgs, "cannot read into format %s", format)
	}

	if fields.IsEmpty() && format == FormatInternal {
		return docs.engine.Read(txn, a, count, cols, keys, opts)
	}

	batch, err := docs.readBatch(txn, a, count, cols, keys, opts)

	if err != nil {
		return nil, err
	}

	result := &engine.ReadResult{
		Presence: a.NewBitmap(count),
		Tape:     a.NewTape(),
	}

	for i := 0; i < count; i++ {
		tree := batch.trees[batch.slots[i]]

		if tree != nil {
			result.Presence.Set(i)
		}

		field := ""

		if !fields.IsEmpty() {
			field = fields.At(i)
		}

		tokens, err := fieldTokens(field)

		if err != nil {
			return nil, err
		}

		value, ok := lookup(tree, tokens)

		if !ok {
			// Unresolved fields serialize as null, or as an empty
			// payload in the raw binary form.
			value = nil
		}

		encoded, err := encodeDocument(format, value)

		if err != nil {
			return nil, err
		}

		if format == FormatJSON {
			result.Tape.AppendTerminated(encoded)
		} else {
			result.Tape.Append(encoded)
		}
	}

	logger.Debug("read", zap.Int("tasks", count), zap.String("format", format.String()))

	return result, nil
}

// Write writes documents, fields or patches. All staged changes of one
// call flush in a single batched engine write, so field updates inherit
// transactional atomicity. Without a transaction the read-modify-write
// runs in an internal one, retried on conflict.
func (docs *Docs) Write(ctx context.Context, txn *engine.Txn, a *arena.Arena, count int, cols soa.Strided[uint64], keys soa.Strided[int64], fields soa.Strided[string], contents engine.Values, format Format, opts engine.Options) error {
	if docs == nil || docs.engine == nil {
		return engine.ErrUninitialized
	}

	logger := log.WithContext(ctx, docs.logger).With(zap.String("operation", "docs.Write"))

	wholeDocs := fields.IsEmpty() && !format.IsPatch()

	if wholeDocs {
		vals := make([][]byte, count)

		for i := 0; i < count; i++ {
			content, present := contents.At(i)

			if !present {
				continue
			}

			tree, err := decodeDocument(format, content)

			if err != nil {
				return err
			}

			encoded, err := encodeDocument(FormatInternal, tree)

			if err != nil {
				return err
			}

			vals[i] = encoded
		}

		logger.Debug("replace", zap.Int("tasks", count), zap.String("format", format.String()))

		return docs.engine.Write(txn, count, cols, keys, engine.ValuesFromSlices(vals), opts)
	}

	if txn != nil {
		return docs.writeFields(txn, a, count, cols, keys, fields, contents, format, opts)
	}

	for {
		auto, err := docs.engine.Begin()

		if err != nil {
			return err
		}

		err = docs.writeFields(auto, a, count, cols, keys, fields, contents, format, opts)

		if err != nil {
			auto.Abort()

			return err
		}

		err = auto.Commit()

		if errors.Is(err, engine.ErrConflict) {
			logger.Debug("retrying after conflict")

			continue
		}

		return err
	}
}

// writeFields performs the read-modify-write path of Write inside a
// transaction. Tasks touching the same document apply in input order
// against one shared tree.
func (docs *Docs) writeFields(txn *engine.Txn, a *arena.Arena, count int, cols soa.Strided[uint64], keys soa.Strided[int64], fields soa.Strided[string], contents engine.Values, format Format, opts engine.Options) error {
	readOpts := opts
	readOpts.TrackReads = true

	batch, err := docs.readBatch(txn, a, count, cols, keys, readOpts)

	if err != nil {
		return err
	}

	// A slot no task ends up touching stays deleted if the document
	// was absent, so untouched places are not materialized.
	deleted := make([]bool, len(batch.trees))

	for slot, tree := range batch.trees {
		deleted[slot] = tree == nil
	}

	for i := 0; i < count; i++ {
		slot := batch.slots[i]
		field := ""

		if !fields.IsEmpty() {
			field = fields.At(i)
		}

		tokens, err := fieldTokens(field)

		if err != nil {
			return err
		}

		content, present := contents.At(i)

		switch {
		case format.IsPatch():
			patched, err := applyPatch(batch.trees[slot], tokens, format, content)

			if err != nil {
				return err
			}

			batch.trees[slot] = patched
			deleted[slot] = false
		case present:
			value, err := decodeDocument(format, content)

			if err != nil {
				return err
			}

			updated, err := insert(batch.trees[slot], tokens, value)

			if err != nil {
				return err
			}

			batch.trees[slot] = updated
			deleted[slot] = false
		case len(tokens) == 0:
			// No content and no field: erase the document.
			batch.trees[slot] = nil
			deleted[slot] = true
		default:
			batch.trees[slot] = remove(batch.trees[slot], tokens)
		}
	}

	vals := make([][]byte, len(batch.trees))

	for slot, tree := range batch.trees {
		if deleted[slot] {
			continue
		}

		encoded, err := encodeDocument(FormatInternal, tree)

		if err != nil {
			return err
		}

		vals[slot] = encoded
	}

	return docs.engine.Write(txn, len(batch.cols), soa.Slice(batch.cols), soa.Slice(batch.keys), engine.ValuesFromSlices(vals), opts)
}

// applyPatch applies an RFC 6902 or RFC 7396 patch to the subtree at
// the token path and returns the updated document. An absent target
// subtree patches as an empty object.
func applyPatch(doc interface{}, tokens []string, format Format, patch []byte) (interface{}, error) {
	target, ok := lookup(doc, tokens)

	var targetJSON []byte

	if !ok || target == nil {
		targetJSON = []byte("{}")
	} else {
		encoded, err := encodeDocument(FormatJSON, target)

		if err != nil {
			return nil, err
		}

		targetJSON = encoded
	}

	var patchedJSON []byte

	switch format {
	case FormatJSONPatch:
		decoded, err := jsonpatch.DecodePatch(patch)

		if err != nil {
			return nil, errors.Wrapf(engine.ErrArgs, "bad json patch: %s", err)
		}

		patchedJSON, err = decoded.Apply(targetJSON)

		if err != nil {
			return nil, errors.Wrapf(engine.ErrArgs, "could not apply patch: %s", err)
		}
	case FormatJSONMergePatch:
		patched, err := jsonpatch.MergePatch(targetJSON, patch)

		if err != nil {
			return nil, errors.Wrapf(engine.ErrArgs, "could not apply merge patch: %s", err)
		}

		patchedJSON = patched
	default:
		return nil, errors.Wrapf(engine.ErrArgs, "format %s is not a patch", format)
	}

	patched, err := decodeDocument(FormatJSON, patchedJSON)

	if err != nil {
		return nil, err
	}

	return insert(doc, tokens, patched)
}

// Gist returns the union of all leaf field paths across the addressed
// documents: a packed tape of NUL-terminated JSON-pointer strings in
// ascending order.
func (docs *Docs) Gist(ctx context.Context, txn *engine.Txn, a *arena.Arena, count int, cols soa.Strided[uint64], keys soa.Strided[int64], opts engine.Options) (*arena.Tape, error) {
	if docs == nil || docs.engine == nil {
		return nil, engine.ErrUninitialized
	}

	logger := log.WithContext(ctx, docs.logger).With(zap.String("operation", "docs.Gist"))

	batch, err := docs.readBatch(txn, a, count, cols, keys, opts)

	if err != nil {
		return nil, err
	}

	set := map[string]struct{}{}

	for _, tree := range batch.trees {
		if tree == nil {
			continue
		}

		leafPaths(tree, "", set)
	}

	tape := a.NewTape()

	for _, path := range sortedPaths(set) {
		tape.AppendTerminated([]byte(path))
	}

	logger.Debug("gist", zap.Int("documents", count), zap.Int("paths", tape.Len()))

	return tape, nil
}
