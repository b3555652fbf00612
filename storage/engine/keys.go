package engine

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Key layout. Every backend key starts with a one-byte family tag.
//
//	famSystem: collection registry
//	  [famSystem][sysHandleSeq]         -> next handle counter
//	  [famSystem][sysName][name bytes]  -> collection handle
//	famData: user data
//	  [famData][handle be64][key sign-flipped be64] -> [0][value bytes]
//
// The sign flip makes lexicographic byte order equal numeric order over
// int64 keys, so backend scans yield keys in ascending numeric order.
var (
	famSystem = []byte{0x00}
	famData   = []byte{0x01}

	sysHandleSeq = []byte{0x00}
	sysName      = []byte{0x01}
)

const signBit = uint64(1) << 63

func encodeKey(k int64) uint64 {
	return uint64(k) ^ signBit
}

func decodeKey(u uint64) int64 {
	return int64(u ^ signBit)
}

// dataKey builds the backend key for (collection, key).
func dataKey(collection uint64, key int64) []byte {
	b := make([]byte, 17)
	b[0] = famData[0]
	binary.BigEndian.PutUint64(b[1:9], collection)
	binary.BigEndian.PutUint64(b[9:17], encodeKey(key))

	return b
}

// dataKeyUser extracts the user key from a backend data key.
func dataKeyUser(b []byte) int64 {
	return decodeKey(binary.BigEndian.Uint64(b[9:17]))
}

// dataPrefix is the prefix shared by all keys of one collection.
func dataPrefix(collection uint64) []byte {
	b := make([]byte, 9)
	b[0] = famData[0]
	binary.BigEndian.PutUint64(b[1:9], collection)

	return b
}

// nameKey builds the registry key for a collection name.
func nameKey(name string) []byte {
	b := make([]byte, 0, 2+len(name))
	b = append(b, famSystem[0])
	b = append(b, sysName[0])
	b = append(b, name...)

	return b
}

// seqKey is the registry key of the handle counter.
func seqKey() []byte {
	return []byte{famSystem[0], sysHandleSeq[0]}
}

// placeHash condenses a backend data key into the 64-bit element the
// read and write sets are built from. A hash collision can only cause a
// spurious conflict, never a missed one.
func placeHash(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// Stored values carry a one-byte marker so a present-but-empty value is
// distinguishable from an absent key on every backend.
func encodeValue(value []byte) []byte {
	b := make([]byte, len(value)+1)
	copy(b[1:], value)

	return b
}

func decodeValue(stored []byte) []byte {
	if stored == nil {
		return nil
	}

	return stored[1:]
}
