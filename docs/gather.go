package docs

import (
	"context"
	"encoding/binary"
	"math"
	"strconv"

	"github.com/google/uuid"
	"github.com/nichtich/ukv/arena"
	"github.com/nichtich/ukv/soa"
	"github.com/nichtich/ukv/storage/engine"
	"github.com/nichtich/ukv/utils/log"
	"github.com/x448/float16"
	"go.uber.org/zap"
)

// FieldType is the declared type of a gathered column.
type FieldType int

const (
	// TypeNull matches only null cells
	TypeNull FieldType = iota
	// TypeBool is a 1-byte boolean
	TypeBool
	// TypeUUID is a 16-byte UUID
	TypeUUID
	// TypeI8 is a signed 8-bit integer
	TypeI8
	// TypeI16 is a signed 16-bit integer
	TypeI16
	// TypeI32 is a signed 32-bit integer
	TypeI32
	// TypeI64 is a signed 64-bit integer
	TypeI64
	// TypeU8 is an unsigned 8-bit integer
	TypeU8
	// TypeU16 is an unsigned 16-bit integer
	TypeU16
	// TypeU32 is an unsigned 32-bit integer
	TypeU32
	// TypeU64 is an unsigned 64-bit integer
	TypeU64
	// TypeF16 is a half-precision float
	TypeF16
	// TypeF32 is a single-precision float
	TypeF32
	// TypeF64 is a double-precision float
	TypeF64
	// TypeBin is a variable-length binary
	TypeBin
	// TypeStr is a variable-length string
	TypeStr
)

// Width returns the packed byte width of a fixed-size type, or 0 for
// variable-length and null types.
func (t FieldType) Width() int {
	switch t {
	case TypeBool, TypeI8, TypeU8:
		return 1
	case TypeI16, TypeU16, TypeF16:
		return 2
	case TypeI32, TypeU32, TypeF32:
		return 4
	case TypeI64, TypeU64, TypeF64:
		return 8
	case TypeUUID:
		return 16
	default:
		return 0
	}
}

func (t FieldType) isVariable() bool {
	return t == TypeBin || t == TypeStr
}

// Column declares one field to gather and the type to coerce it into.
type Column struct {
	Field string
	Type  FieldType
}

// ColumnResult is one gathered column. Fixed-width types fill Scalars
// with Width() bytes per row; variable-length types fill the
// offsets/lengths/joined-bytes triple. Validity, Conversion and
// Collision carry one bit per row in little-endian bit order.
type ColumnResult struct {
	Field      string
	Type       FieldType
	Validity   arena.Bitmap
	Conversion arena.Bitmap
	Collision  arena.Bitmap
	Scalars    []byte
	Offsets    []uint64
	Lengths    []uint64
	Bytes      []byte
}

// GatherResult carries the per-field columns of one gather call.
type GatherResult struct {
	Rows    int
	Columns []ColumnResult
}

// Gather projects fields of the addressed documents into tightly
// packed columns with per-cell validity, conversion and collision
// metadata.
func (docs *Docs) Gather(ctx context.Context, txn *engine.Txn, a *arena.Arena, count int, cols soa.Strided[uint64], keys soa.Strided[int64], columns []Column, opts engine.Options) (*GatherResult, error) {
	if docs == nil || docs.engine == nil {
		return nil, engine.ErrUninitialized
	}

	logger := log.WithContext(ctx, docs.logger).With(zap.String("operation", "docs.Gather"))

	batch, err := docs.readBatch(txn, a, count, cols, keys, opts)

	if err != nil {
		return nil, err
	}

	tokens := make([][]string, len(columns))

	for c, column := range columns {
		t, err := fieldTokens(column.Field)

		if err != nil {
			return nil, err
		}

		tokens[c] = t
	}

	result := &GatherResult{Rows: count, Columns: make([]ColumnResult, len(columns))}

	for c, column := range columns {
		out := ColumnResult{
			Field:      column.Field,
			Type:       column.Type,
			Validity:   a.NewBitmap(count),
			Conversion: a.NewBitmap(count),
			Collision:  a.NewBitmap(count),
		}

		if column.Type.isVariable() {
			out.Offsets = a.AllocUint64(count)
			out.Lengths = a.AllocUint64(count)
		} else {
			out.Scalars = a.Alloc(count * column.Type.Width())
		}

		for row := 0; row < count; row++ {
			tree := batch.trees[batch.slots[row]]
			cell, ok := lookup(tree, tokens[c])

			if !ok {
				cell = nil
			}

			if column.Type.isVariable() {
				gatherVariable(&out, row, column.Type, cell)
			} else {
				gatherScalar(&out, row, column.Type, cell)
			}
		}

		result.Columns[c] = out
	}

	logger.Debug("gather", zap.Int("rows", count), zap.Int("columns", len(columns)))

	return result, nil
}

// cellClass partitions canonical tree nodes for the coercion rules.
type cellClass int

const (
	classNull cellClass = iota
	classBool
	classInt
	classUint
	classFloat
	classString
	classBinary
	classNested
)

func classify(cell interface{}) cellClass {
	switch cell.(type) {
	case nil:
		return classNull
	case bool:
		return classBool
	case int64:
		return classInt
	case uint64:
		return classUint
	case float64:
		return classFloat
	case string:
		return classString
	case []byte:
		return classBinary
	default:
		return classNested
	}
}

// gatherScalar coerces one cell into a fixed-width slot, setting the
// validity, conversion and collision bits per the coercion rules.
func gatherScalar(out *ColumnResult, row int, t FieldType, cell interface{}) {
	class := classify(cell)

	if t == TypeNull {
		if class == classNull {
			out.Validity.Set(row)
		} else {
			out.Collision.Set(row)
		}

		return
	}

	switch class {
	case classNull:
		return
	case classNested:
		out.Collision.Set(row)

		return
	case classBinary:
		// A binary leaf of matching width is copied verbatim.
		b := cell.([]byte)

		if len(b) != t.Width() {
			out.Collision.Set(row)

			return
		}

		copy(out.slot(row), b)
		out.Validity.Set(row)

		return
	case classString:
		if t == TypeUUID {
			gatherUUID(out, row, cell)

			return
		}

		value, ok := parseScalar(t, cell.(string))

		if !ok {
			out.Collision.Set(row)

			return
		}

		out.store(row, t, value)
		out.Validity.Set(row)
		out.Conversion.Set(row)

		return
	case classBool:
		var value float64

		if cell.(bool) {
			value = 1
		}

		out.store(row, t, value)
		out.Validity.Set(row)

		if t != TypeBool {
			out.Conversion.Set(row)
		}

		return
	}

	// Numeric cell into a numeric slot. The conversion bit marks a
	// change of numeric kind, not of width.
	var value float64
	var sameKind bool

	switch class {
	case classInt:
		value = float64(cell.(int64))
		sameKind = t == TypeI8 || t == TypeI16 || t == TypeI32 || t == TypeI64
	case classUint:
		value = float64(cell.(uint64))
		sameKind = t == TypeU8 || t == TypeU16 || t == TypeU32 || t == TypeU64
	case classFloat:
		value = cell.(float64)
		sameKind = t == TypeF16 || t == TypeF32 || t == TypeF64
	}

	if t == TypeUUID {
		out.Collision.Set(row)

		return
	}

	// Exact integer slots avoid the float round trip.
	switch class {
	case classInt:
		out.storeInt(row, t, cell.(int64))
	case classUint:
		out.storeInt(row, t, int64(cell.(uint64)))
	default:
		out.store(row, t, value)
	}

	out.Validity.Set(row)

	if !sameKind {
		out.Conversion.Set(row)
	}
}

// parseScalar parses a whole string into the slot type, from_chars
// style: trailing garbage fails the parse.
func parseScalar(t FieldType, s string) (float64, bool) {
	switch t {
	case TypeBool:
		b, err := strconv.ParseBool(s)

		if err != nil {
			return 0, false
		}

		if b {
			return 1, true
		}

		return 0, true
	case TypeI8, TypeI16, TypeI32, TypeI64:
		i, err := strconv.ParseInt(s, 10, 64)

		if err != nil {
			return 0, false
		}

		return float64(i), true
	case TypeU8, TypeU16, TypeU32, TypeU64:
		u, err := strconv.ParseUint(s, 10, 64)

		if err != nil {
			return 0, false
		}

		return float64(u), true
	case TypeF16, TypeF32, TypeF64:
		f, err := strconv.ParseFloat(s, 64)

		if err != nil {
			return 0, false
		}

		return f, true
	case TypeUUID:
		// Handled by the caller through gatherUUID.
		return 0, false
	default:
		return 0, false
	}
}

// slot returns the scalar bytes of one row.
func (out *ColumnResult) slot(row int) []byte {
	w := out.Type.Width()

	return out.Scalars[row*w : (row+1)*w]
}

// store writes a numeric value into the row's slot, truncating to the
// slot width C-style.
func (out *ColumnResult) store(row int, t FieldType, value float64) {
	switch t {
	case TypeF16:
		binary.LittleEndian.PutUint16(out.slot(row), float16.Fromfloat32(float32(value)).Bits())
	case TypeF32:
		binary.LittleEndian.PutUint32(out.slot(row), math.Float32bits(float32(value)))
	case TypeF64:
		binary.LittleEndian.PutUint64(out.slot(row), math.Float64bits(value))
	default:
		out.storeInt(row, t, int64(value))
	}
}

// storeInt writes an integer value into the row's slot.
func (out *ColumnResult) storeInt(row int, t FieldType, value int64) {
	switch t {
	case TypeBool, TypeI8, TypeU8:
		out.slot(row)[0] = byte(value)
	case TypeI16, TypeU16:
		binary.LittleEndian.PutUint16(out.slot(row), uint16(value))
	case TypeI32, TypeU32:
		binary.LittleEndian.PutUint32(out.slot(row), uint32(value))
	case TypeI64, TypeU64:
		binary.LittleEndian.PutUint64(out.slot(row), uint64(value))
	case TypeF16:
		binary.LittleEndian.PutUint16(out.slot(row), float16.Fromfloat32(float32(value)).Bits())
	case TypeF32:
		binary.LittleEndian.PutUint32(out.slot(row), math.Float32bits(float32(value)))
	case TypeF64:
		binary.LittleEndian.PutUint64(out.slot(row), math.Float64bits(float64(value)))
	}
}

// gatherVariable coerces one cell into a variable-length column.
func gatherVariable(out *ColumnResult, row int, t FieldType, cell interface{}) {
	emit := func(b []byte, converted bool) {
		out.Offsets[row] = uint64(len(out.Bytes))
		out.Lengths[row] = uint64(len(b))
		out.Bytes = append(out.Bytes, b...)
		out.Validity.Set(row)

		if converted {
			out.Conversion.Set(row)
		}
	}

	switch x := cell.(type) {
	case nil:
		out.Lengths[row] = arena.LenMissing
	case string:
		emit([]byte(x), false)
	case []byte:
		emit(x, false)
	case bool:
		if t == TypeStr {
			if x {
				emit([]byte("true"), true)
			} else {
				emit([]byte("false"), true)
			}

			return
		}

		out.Collision.Set(row)
		out.Lengths[row] = arena.LenMissing
	case int64:
		if t == TypeStr {
			emit(strconv.AppendInt(nil, x, 10), true)

			return
		}

		out.Collision.Set(row)
		out.Lengths[row] = arena.LenMissing
	case uint64:
		if t == TypeStr {
			emit(strconv.AppendUint(nil, x, 10), true)

			return
		}

		out.Collision.Set(row)
		out.Lengths[row] = arena.LenMissing
	case float64:
		if t == TypeStr {
			emit(strconv.AppendFloat(nil, x, 'f', -1, 64), true)

			return
		}

		out.Collision.Set(row)
		out.Lengths[row] = arena.LenMissing
	default:
		out.Collision.Set(row)
		out.Lengths[row] = arena.LenMissing
	}
}

// gatherUUID handles string cells for UUID columns before the scalar
// path rejects them.
func gatherUUID(out *ColumnResult, row int, cell interface{}) bool {
	s, ok := cell.(string)

	if !ok {
		return false
	}

	id, err := uuid.Parse(s)

	if err != nil {
		out.Collision.Set(row)

		return true
	}

	copy(out.slot(row), id[:])
	out.Validity.Set(row)

	return true
}
