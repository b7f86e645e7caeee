// Package transport moves values between isolated execution contexts.
//
// A value produced on one worker is written by a Serializer into a
// SerializedData (a self-describing byte stream plus the shared-memory
// buffers it references). A Deserializer in the destination context reads it
// back into fresh Go values, so the two contexts never share an object graph.
//
// # Value Kinds
//
// The Go type of every value survives a round trip:
//
//	Kind            Go type
//	────────────────────────────────────────
//	undefined       transport.UndefinedValue
//	null            nil
//	boolean         bool
//	integer         int, int32, int64, uint32, uint64
//	float           float32, float64
//	bigint          *big.Int
//	string          string (UTF-8)
//	array buffer    []byte (copied)
//	date            time.Time (UTC)
//	array           []any
//	object          map[string]any
//	shared buffer   *transport.SharedBuffer (not copied)
//
// # Shared Buffers
//
// A SharedBuffer is the one value kind that is not copied. The serializer
// captures its backing memory together with an ownership Token; the
// deserializer creates a new SharedBuffer in the destination context over the
// same memory and records the token in the destination's ShareTable. When the
// destination later serializes that buffer again, the table supplies the
// original token instead of minting a new one:
//
//	src := transport.NewShareTable()
//	buf := transport.NewSharedBuffer(64)
//	data, _ := transport.NewSerializer(src).Write(buf)
//
//	dst := transport.NewShareTable()
//	v, _ := transport.NewDeserializer(dst, data).ReadValue()
//	v.(*transport.SharedBuffer).Bytes()[0] = 1 // visible through buf
//
// Access to shared memory is not synchronized; callers coordinate.
//
// # Wire Format
//
// Streams start with 0xFF followed by the wire version. Streams without the
// header are read as the legacy fixed-width format. Malformed headers,
// truncated streams, unknown tags and trailing bytes are reported as
// *errors.Error values in errors.PhaseTransport, never as a nil value.
package transport
