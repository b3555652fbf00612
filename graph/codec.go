package graph

import (
	"encoding/binary"
	"sort"

	"github.com/nichtich/ukv/storage/engine"
	"github.com/pkg/errors"
)

// Direction of an adjacency entry relative to the vertex holding it.
type Direction byte

const (
	// Out marks an edge leaving the vertex
	Out Direction = iota
	// In marks an edge arriving at the vertex
	In
	// Undirected marks an edge with no orientation
	Undirected
	// Any matches every direction in queries
	Any Direction = 0xff
)

func (d Direction) String() string {
	switch d {
	case Out:
		return "out"
	case In:
		return "in"
	case Undirected:
		return "undirected"
	default:
		return "any"
	}
}

// entry is one element of a vertex's adjacency list.
type entry struct {
	neighbor int64
	edge     int64
	dir      Direction
}

// matches reports whether the entry satisfies a direction filter.
// Undirected entries match every filter.
func (e entry) matches(dir Direction) bool {
	return dir == Any || e.dir == dir || e.dir == Undirected
}

// entryLess orders entries by (neighbor, edge, direction).
func entryLess(a, b entry) bool {
	if a.neighbor != b.neighbor {
		return a.neighbor < b.neighbor
	}

	if a.edge != b.edge {
		return a.edge < b.edge
	}

	return a.dir < b.dir
}

const entrySize = 17

// encodeList serializes a sorted adjacency list as fixed-width
// little-endian records.
func encodeList(entries []entry) []byte {
	sort.Slice(entries, func(i, j int) bool {
		return entryLess(entries[i], entries[j])
	})

	b := make([]byte, 0, len(entries)*entrySize)

	for _, e := range entries {
		var rec [entrySize]byte

		binary.LittleEndian.PutUint64(rec[0:8], uint64(e.neighbor))
		binary.LittleEndian.PutUint64(rec[8:16], uint64(e.edge))
		rec[16] = byte(e.dir)
		b = append(b, rec[:]...)
	}

	return b
}

// decodeList parses an adjacency value.
func decodeList(value []byte) ([]entry, error) {
	if len(value)%entrySize != 0 {
		return nil, errors.Wrapf(engine.ErrBackend, "adjacency record of length %d is torn", len(value))
	}

	entries := make([]entry, 0, len(value)/entrySize)

	for off := 0; off < len(value); off += entrySize {
		entries = append(entries, entry{
			neighbor: int64(binary.LittleEndian.Uint64(value[off : off+8])),
			edge:     int64(binary.LittleEndian.Uint64(value[off+8 : off+16])),
			dir:      Direction(value[off+16]),
		})
	}

	return entries, nil
}

// upsertEntry inserts e into the list unless an identical entry is
// already present.
func upsertEntry(entries []entry, e entry) []entry {
	for _, existing := range entries {
		if existing == e {
			return entries
		}
	}

	return append(entries, e)
}

// removeEntry removes the exact entry from the list.
func removeEntry(entries []entry, e entry) []entry {
	out := entries[:0]

	for _, existing := range entries {
		if existing != e {
			out = append(out, existing)
		}
	}

	return out
}

// removeNeighbor removes every entry pointing at the neighbor.
func removeNeighbor(entries []entry, neighbor int64) []entry {
	out := entries[:0]

	for _, existing := range entries {
		if existing.neighbor != neighbor {
			out = append(out, existing)
		}
	}

	return out
}
