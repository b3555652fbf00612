package docs_test

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/nichtich/ukv/arena"
	"github.com/nichtich/ukv/docs"
	"github.com/nichtich/ukv/soa"
	"github.com/nichtich/ukv/storage/engine"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, d *docs.Docs, keys []int64, columns []docs.Column) *docs.GatherResult {
	t.Helper()

	result, err := d.Gather(context.Background(), nil, arena.New(), len(keys),
		soa.Repeat(engine.DefaultCollection), soa.Slice(keys), columns, engine.Options{})
	require.NoError(t, err)

	return result
}

func i64At(t *testing.T, col docs.ColumnResult, row int) int64 {
	t.Helper()

	return int64(binary.LittleEndian.Uint64(col.Scalars[row*8 : row*8+8]))
}

// Two documents with mixed types, gathered as two i64 columns.
func TestGatherCoercionMatrix(t *testing.T) {
	d, _ := newDocs(t)

	writeJSON(t, d, []int64{1, 2}, []string{
		`{"a": 1, "b": "2"}`,
		`{"a": "x", "b": 3}`,
	})

	result := gather(t, d, []int64{1, 2}, []docs.Column{
		{Field: "a", Type: docs.TypeI64},
		{Field: "b", Type: docs.TypeI64},
	})

	a := result.Columns[0]
	require.True(t, a.Validity.Get(0))
	require.False(t, a.Validity.Get(1))
	require.False(t, a.Conversion.Get(0))
	require.False(t, a.Conversion.Get(1))
	require.False(t, a.Collision.Get(0))
	require.True(t, a.Collision.Get(1))
	require.Equal(t, int64(1), i64At(t, a, 0))

	b := result.Columns[1]
	require.True(t, b.Validity.Get(0))
	require.True(t, b.Validity.Get(1))
	require.True(t, b.Conversion.Get(0))
	require.False(t, b.Conversion.Get(1))
	require.False(t, b.Collision.Get(0))
	require.False(t, b.Collision.Get(1))
	require.Equal(t, int64(2), i64At(t, b, 0))
	require.Equal(t, int64(3), i64At(t, b, 1))
}

func TestGatherStringParseBoundaries(t *testing.T) {
	d, _ := newDocs(t)

	writeJSON(t, d, []int64{1, 2}, []string{
		`{"v": "123"}`,
		`{"v": "12abc"}`,
	})

	result := gather(t, d, []int64{1, 2}, []docs.Column{{Field: "v", Type: docs.TypeI64}})

	col := result.Columns[0]
	require.True(t, col.Validity.Get(0))
	require.True(t, col.Conversion.Get(0))
	require.Equal(t, int64(123), i64At(t, col, 0))

	require.False(t, col.Validity.Get(1))
	require.True(t, col.Collision.Get(1))
}

func TestGatherNullAndNested(t *testing.T) {
	d, _ := newDocs(t)

	writeJSON(t, d, []int64{1, 2, 3}, []string{
		`{"v": null}`,
		`{"v": [1]}`,
		`{"w": 1}`,
	})

	result := gather(t, d, []int64{1, 2, 3}, []docs.Column{{Field: "v", Type: docs.TypeI32}})

	col := result.Columns[0]

	// Null: invalid, no conversion, no collision.
	require.False(t, col.Validity.Get(0))
	require.False(t, col.Conversion.Get(0))
	require.False(t, col.Collision.Get(0))

	// Array where a scalar was expected: collision.
	require.False(t, col.Validity.Get(1))
	require.True(t, col.Collision.Get(1))

	// Missing field behaves like null.
	require.False(t, col.Validity.Get(2))
	require.False(t, col.Collision.Get(2))
}

func TestGatherBoolIntoNumeric(t *testing.T) {
	d, _ := newDocs(t)

	writeJSON(t, d, []int64{1, 2}, []string{
		`{"v": true}`,
		`{"v": false}`,
	})

	result := gather(t, d, []int64{1, 2}, []docs.Column{{Field: "v", Type: docs.TypeU8}})

	col := result.Columns[0]
	require.True(t, col.Validity.Get(0))
	require.True(t, col.Conversion.Get(0))
	require.Equal(t, byte(1), col.Scalars[0])
	require.Equal(t, byte(0), col.Scalars[1])
}

func TestGatherFloatWidths(t *testing.T) {
	d, _ := newDocs(t)

	writeJSON(t, d, []int64{1}, []string{`{"v": 1.5}`})

	result := gather(t, d, []int64{1}, []docs.Column{
		{Field: "v", Type: docs.TypeF64},
		{Field: "v", Type: docs.TypeF32},
		{Field: "v", Type: docs.TypeF16},
	})

	f64 := result.Columns[0]
	require.True(t, f64.Validity.Get(0))
	require.False(t, f64.Conversion.Get(0))
	require.InDelta(t, 1.5, float64FromBits(f64.Scalars), 0)

	f32 := result.Columns[1]
	require.True(t, f32.Validity.Get(0))
	require.Len(t, f32.Scalars, 4)

	f16 := result.Columns[2]
	require.True(t, f16.Validity.Get(0))
	require.Len(t, f16.Scalars, 2)
}

func float64FromBits(b []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b[:8]))
}

func TestGatherIntoString(t *testing.T) {
	d, _ := newDocs(t)

	writeJSON(t, d, []int64{1, 2, 3, 4}, []string{
		`{"v": "plain"}`,
		`{"v": true}`,
		`{"v": 42}`,
		`{"v": {"nested": 1}}`,
	})

	result := gather(t, d, []int64{1, 2, 3, 4}, []docs.Column{{Field: "v", Type: docs.TypeStr}})

	col := result.Columns[0]

	require.True(t, col.Validity.Get(0))
	require.False(t, col.Conversion.Get(0))
	require.Equal(t, "plain", cellString(col, 0))

	require.True(t, col.Validity.Get(1))
	require.True(t, col.Conversion.Get(1))
	require.Equal(t, "true", cellString(col, 1))

	require.True(t, col.Validity.Get(2))
	require.True(t, col.Conversion.Get(2))
	require.Equal(t, "42", cellString(col, 2))

	require.False(t, col.Validity.Get(3))
	require.True(t, col.Collision.Get(3))
	require.Equal(t, arena.LenMissing, col.Lengths[3])
}

func cellString(col docs.ColumnResult, row int) string {
	off := col.Offsets[row]

	return string(col.Bytes[off : off+col.Lengths[row]])
}

func TestGatherUUID(t *testing.T) {
	d, _ := newDocs(t)

	writeJSON(t, d, []int64{1, 2}, []string{
		`{"id": "6ba7b810-9dad-11d1-80b4-00c04fd430c8"}`,
		`{"id": "not-a-uuid"}`,
	})

	result := gather(t, d, []int64{1, 2}, []docs.Column{{Field: "id", Type: docs.TypeUUID}})

	col := result.Columns[0]
	require.True(t, col.Validity.Get(0))
	require.Len(t, col.Scalars, 32)
	require.Equal(t, byte(0x6b), col.Scalars[0])

	require.False(t, col.Validity.Get(1))
	require.True(t, col.Collision.Get(1))
}

func TestGatherPointerFields(t *testing.T) {
	d, _ := newDocs(t)

	writeJSON(t, d, []int64{1}, []string{`{"outer":{"inner": 5}}`})

	result := gather(t, d, []int64{1}, []docs.Column{{Field: "/outer/inner", Type: docs.TypeI64}})

	col := result.Columns[0]
	require.True(t, col.Validity.Get(0))
	require.Equal(t, int64(5), i64At(t, col, 0))
}
