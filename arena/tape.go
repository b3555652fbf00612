package arena

// LenMissing marks an absent entry in a length table. Presence and size
// share one return shape: a key that exists with an empty value has
// length 0, a key that does not exist has length LenMissing.
const LenMissing = ^uint64(0)

// Tape is the canonical "list of variable-length blobs" output shape:
// one contiguous byte buffer plus parallel offset and length tables.
// Entries are appended, never modified. Mutation is confined to the
// arena owner.
type Tape struct {
	arena   *Arena
	buf     []byte
	offsets []uint64
	lengths []uint64
}

// Append adds one entry to the tape and returns its index.
func (t *Tape) Append(b []byte) int {
	t.offsets = append(t.offsets, uint64(len(t.buf)))
	t.lengths = append(t.lengths, uint64(len(b)))
	t.buf = append(t.buf, b...)

	return len(t.offsets) - 1
}

// AppendMissing adds a zero-length entry whose length is LenMissing.
func (t *Tape) AppendMissing() int {
	t.offsets = append(t.offsets, uint64(len(t.buf)))
	t.lengths = append(t.lengths, LenMissing)

	return len(t.offsets) - 1
}

// AppendTerminated adds an entry followed by a NUL byte on the buffer.
// The recorded length excludes the terminator, so the entry can be read
// both as a sized slice and as a C string view.
func (t *Tape) AppendTerminated(b []byte) int {
	i := t.Append(b)
	t.buf = append(t.buf, 0)

	return i
}

// Len returns the number of entries on the tape.
func (t *Tape) Len() int {
	return len(t.offsets)
}

// At returns entry i, or nil if its length is LenMissing.
func (t *Tape) At(i int) []byte {
	if t.lengths[i] == LenMissing {
		return nil
	}

	off := t.offsets[i]

	return t.buf[off : off+t.lengths[i]]
}

// Bytes returns the joined buffer.
func (t *Tape) Bytes() []byte {
	return t.buf
}

// Offsets returns the offset table.
func (t *Tape) Offsets() []uint64 {
	return t.offsets
}

// Lengths returns the length table. Absent entries hold LenMissing.
func (t *Tape) Lengths() []uint64 {
	return t.lengths
}
