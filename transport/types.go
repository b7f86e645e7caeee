package transport

import (
	"sync/atomic"

	"github.com/oklog/ulid/v2"
)

// UndefinedValue is the type of Undefined.
type UndefinedValue struct{}

// Undefined marks an absent value. It is distinct from nil, which is null.
var Undefined = UndefinedValue{}

// SharedBuffer is a byte buffer whose memory may be referenced from several
// execution contexts at once.
type SharedBuffer struct {
	data []byte
}

// NewSharedBuffer allocates a zeroed shared buffer of size bytes.
func NewSharedBuffer(size int) *SharedBuffer {
	return &SharedBuffer{data: make([]byte, size)}
}

// Bytes returns the backing memory. Writes are visible to every context
// holding a buffer over the same memory.
func (b *SharedBuffer) Bytes() []byte {
	return b.data
}

func (b *SharedBuffer) Len() int {
	return len(b.data)
}

// Token is the ownership handle of externalized shared memory. Every
// ShareTable that adopts a buffer holds one reference.
type Token struct {
	id   string
	size int
	refs atomic.Int32
}

func newToken(size int) *Token {
	return &Token{id: ulid.Make().String(), size: size}
}

func (t *Token) ID() string {
	return t.id
}

func (t *Token) Size() int {
	return t.size
}

// Retain adds a reference.
func (t *Token) Retain() {
	t.refs.Add(1)
}

// Release drops a reference and returns the remaining count.
func (t *Token) Release() int32 {
	return t.refs.Add(-1)
}

// Refs returns the number of tables holding the token.
func (t *Token) Refs() int32 {
	return t.refs.Load()
}

// SharedEntry is one captured shared buffer: its memory and its token.
// Entries are ordered by transfer index.
type SharedEntry struct {
	Contents []byte
	Token    *Token
}

// SerializedData is the transferable form of a value. It is consumed by
// exactly one Deserializer; use Clone to hand the same value to several.
type SerializedData struct {
	data     []byte
	shared   []SharedEntry
	consumed atomic.Bool
}

// NewSerializedData wraps an existing byte stream, e.g. one received from a
// peer or written by an older serializer.
func NewSerializedData(data []byte, shared []SharedEntry) *SerializedData {
	return &SerializedData{data: data, shared: shared}
}

// Bytes returns the encoded stream.
func (d *SerializedData) Bytes() []byte {
	return d.data
}

func (d *SerializedData) Size() int {
	return len(d.data)
}

// SharedBuffers returns the captured shared buffers in transfer order.
func (d *SerializedData) SharedBuffers() []SharedEntry {
	return d.shared
}

// Consumed reports whether a Deserializer has already read the data.
func (d *SerializedData) Consumed() bool {
	return d.consumed.Load()
}

// Clone returns an unconsumed copy. The byte stream is copied; shared entries
// keep pointing at the same memory and tokens.
func (d *SerializedData) Clone() *SerializedData {
	if d == nil {
		return nil
	}
	data := make([]byte, len(d.data))
	copy(data, d.data)
	var shared []SharedEntry
	if len(d.shared) > 0 {
		shared = make([]SharedEntry, len(d.shared))
		copy(shared, d.shared)
	}
	return &SerializedData{data: data, shared: shared}
}

func (d *SerializedData) claim() bool {
	return d.consumed.CompareAndSwap(false, true)
}
