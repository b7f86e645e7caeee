package transport

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/wippyai/wasm-zones/errors"
)

// Deserializer reads one SerializedData into the context owning its table.
// It is single-use and not safe for concurrent use.
type Deserializer struct {
	table   *ShareTable
	data    *SerializedData
	buf     []byte
	shared  []*SharedBuffer
	pos     int
	version byte
	used    bool
}

// NewDeserializer prepares to read data into the context owning table.
// A nil table skips token bookkeeping.
func NewDeserializer(table *ShareTable, data *SerializedData) *Deserializer {
	return &Deserializer{table: table, data: data}
}

// Unmarshal deserializes data in the context owning table.
func Unmarshal(table *ShareTable, data *SerializedData) (any, error) {
	return NewDeserializer(table, data).ReadValue()
}

// Version returns the wire version read from the header.
func (d *Deserializer) Version() byte {
	return d.version
}

// ReadValue validates the header, re-links the captured shared buffers and
// decodes the value. Any failure yields a nil value and a non-nil error; a
// successfully decoded null yields (nil, nil).
func (d *Deserializer) ReadValue() (any, error) {
	if d.used {
		return nil, transportError(errors.New(errors.PhaseDecode, errors.KindConsumed).
			Detail("deserializer already used").
			Build())
	}
	d.used = true

	if d.data == nil {
		return nil, transportError(errors.InvalidInput(errors.PhaseDecode, "no serialized data"))
	}
	if !d.data.claim() {
		return nil, transportError(errors.New(errors.PhaseDecode, errors.KindConsumed).
			Detail("serialized data already consumed").
			Build())
	}
	d.buf = d.data.data

	if err := d.readHeader(); err != nil {
		return nil, transportError(err)
	}

	for _, entry := range d.data.shared {
		buf := &SharedBuffer{data: entry.Contents}
		if d.table != nil && entry.Token != nil {
			d.table.Adopt(buf, entry.Token)
		}
		d.shared = append(d.shared, buf)
	}

	v, err := d.readValue(nil, 0)
	if err != nil {
		return nil, transportError(err)
	}
	if d.pos != len(d.buf) {
		return nil, transportError(errors.InvalidData(errors.PhaseDecode, nil,
			fmt.Sprintf("%d trailing byte(s) after value", len(d.buf)-d.pos)))
	}
	return v, nil
}

func transportError(cause *errors.Error) *errors.Error {
	return &errors.Error{
		Phase:  errors.PhaseTransport,
		Kind:   cause.Kind,
		Detail: "read value",
		Cause:  cause,
	}
}

func (d *Deserializer) readHeader() *errors.Error {
	if len(d.buf) == 0 {
		return errors.InvalidData(errors.PhaseDecode, nil, "missing header: empty stream")
	}
	if d.buf[0] != tagVersion {
		d.version = LegacyVersion
		return nil
	}
	if len(d.buf) < 2 {
		return errors.Truncated(errors.PhaseDecode, 1, 1)
	}
	version := d.buf[1]
	if version == LegacyVersion || version > WireVersion {
		return errors.New(errors.PhaseDecode, errors.KindUnsupported).
			Value(version).
			Detail("unsupported wire version %d", version).
			Build()
	}
	d.version = version
	d.pos = 2
	return nil
}

func (d *Deserializer) legacy() bool {
	return d.version == LegacyVersion
}

func (d *Deserializer) readByte() (byte, *errors.Error) {
	if d.pos >= len(d.buf) {
		return 0, errors.Truncated(errors.PhaseDecode, d.pos, 1)
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *Deserializer) readRaw(n int) ([]byte, *errors.Error) {
	if n < 0 || len(d.buf)-d.pos < n {
		return nil, errors.Truncated(errors.PhaseDecode, d.pos, n)
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// readLength reads a length or count. Counts can never exceed the bytes left,
// which bounds allocations on hostile input.
func (d *Deserializer) readLength() (int, *errors.Error) {
	var n uint64
	if d.legacy() {
		b, err := d.readRaw(4)
		if err != nil {
			return 0, err
		}
		n = uint64(binary.LittleEndian.Uint32(b))
	} else {
		v, size := binary.Uvarint(d.buf[d.pos:])
		if size == 0 {
			return 0, errors.Truncated(errors.PhaseDecode, d.pos, 1)
		}
		if size < 0 {
			return 0, errors.InvalidData(errors.PhaseDecode, nil, "varint overflows 64 bits")
		}
		d.pos += size
		n = v
	}
	if n > uint64(len(d.buf)-d.pos) {
		return 0, errors.Truncated(errors.PhaseDecode, d.pos, int(min(n, math.MaxInt32)))
	}
	return int(n), nil
}

func (d *Deserializer) readSigned() (int64, *errors.Error) {
	if d.legacy() {
		b, err := d.readRaw(8)
		if err != nil {
			return 0, err
		}
		return int64(binary.LittleEndian.Uint64(b)), nil
	}
	v, size := binary.Varint(d.buf[d.pos:])
	if size == 0 {
		return 0, errors.Truncated(errors.PhaseDecode, d.pos, 1)
	}
	if size < 0 {
		return 0, errors.InvalidData(errors.PhaseDecode, nil, "varint overflows 64 bits")
	}
	d.pos += size
	return v, nil
}

func (d *Deserializer) readUnsigned() (uint64, *errors.Error) {
	if d.legacy() {
		b, err := d.readRaw(8)
		if err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(b), nil
	}
	v, size := binary.Uvarint(d.buf[d.pos:])
	if size == 0 {
		return 0, errors.Truncated(errors.PhaseDecode, d.pos, 1)
	}
	if size < 0 {
		return 0, errors.InvalidData(errors.PhaseDecode, nil, "varint overflows 64 bits")
	}
	d.pos += size
	return v, nil
}

func (d *Deserializer) readBlob() ([]byte, *errors.Error) {
	n, err := d.readLength()
	if err != nil {
		return nil, err
	}
	return d.readRaw(n)
}

func (d *Deserializer) readString(path []string) (string, *errors.Error) {
	b, err := d.readBlob()
	if err != nil {
		return "", err
	}
	if len(b) > MaxStringSize {
		return "", errors.Overflow(errors.PhaseDecode, path, len(b), "string")
	}
	if !utf8.Valid(b) {
		return "", errors.InvalidUTF8(errors.PhaseDecode, path, b)
	}
	return string(b), nil
}

func (d *Deserializer) readValue(path []string, depth int) (any, *errors.Error) {
	if depth > MaxDepth {
		return nil, errors.New(errors.PhaseDecode, errors.KindOverflow).
			Path(path...).
			Detail("value nesting exceeds %d", MaxDepth).
			Build()
	}

	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}

	switch tag {
	case tagUndefined:
		return Undefined, nil
	case tagNull:
		return nil, nil
	case tagTrue:
		return true, nil
	case tagFalse:
		return false, nil
	case tagInt:
		return d.readInt(path)
	case tagUint:
		return d.readUint(path)
	case tagFloat32:
		b, err := d.readRaw(4)
		if err != nil {
			return nil, err
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
	case tagFloat64:
		b, err := d.readRaw(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	case tagBigInt:
		sign, err := d.readByte()
		if err != nil {
			return nil, err
		}
		if sign > 1 {
			return nil, errors.InvalidData(errors.PhaseDecode, path, "invalid bigint sign")
		}
		mag, err := d.readBlob()
		if err != nil {
			return nil, err
		}
		n := new(big.Int).SetBytes(mag)
		if sign == 1 {
			n.Neg(n)
		}
		return n, nil
	case tagString:
		return d.readString(path)
	case tagBytes:
		b, err := d.readBlob()
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	case tagDate:
		ns, err := d.readSigned()
		if err != nil {
			return nil, err
		}
		return time.Unix(0, ns).UTC(), nil
	case tagArray:
		return d.readArray(path, depth)
	case tagObject:
		return d.readObject(path, depth)
	case tagShared:
		idx, err := d.readUnsigned()
		if err != nil {
			return nil, err
		}
		if idx >= uint64(len(d.shared)) {
			return nil, errors.OutOfBounds(errors.PhaseDecode, path, int(min(idx, math.MaxInt32)), len(d.shared))
		}
		return d.shared[idx], nil
	default:
		return nil, errors.New(errors.PhaseDecode, errors.KindInvalidData).
			Path(path...).
			Value(tag).
			Detail("unknown tag 0x%02x at offset %d", tag, d.pos-1).
			Build()
	}
}

func (d *Deserializer) readInt(path []string) (any, *errors.Error) {
	width, err := d.readByte()
	if err != nil {
		return nil, err
	}
	v, err := d.readSigned()
	if err != nil {
		return nil, err
	}
	switch width {
	case widthNative:
		if strconv.IntSize == 32 && (v < math.MinInt32 || v > math.MaxInt32) {
			return nil, errors.Overflow(errors.PhaseDecode, path, v, "int")
		}
		return int(v), nil
	case width32:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return nil, errors.Overflow(errors.PhaseDecode, path, v, "int32")
		}
		return int32(v), nil
	case width64:
		return v, nil
	default:
		return nil, errors.InvalidData(errors.PhaseDecode, path, fmt.Sprintf("invalid integer width %d", width))
	}
}

func (d *Deserializer) readUint(path []string) (any, *errors.Error) {
	width, err := d.readByte()
	if err != nil {
		return nil, err
	}
	v, err := d.readUnsigned()
	if err != nil {
		return nil, err
	}
	switch width {
	case width32:
		if v > math.MaxUint32 {
			return nil, errors.Overflow(errors.PhaseDecode, path, v, "uint32")
		}
		return uint32(v), nil
	case width64:
		return v, nil
	default:
		return nil, errors.InvalidData(errors.PhaseDecode, path, fmt.Sprintf("invalid unsigned width %d", width))
	}
}

func (d *Deserializer) readArray(path []string, depth int) (any, *errors.Error) {
	n, err := d.readLength()
	if err != nil {
		return nil, err
	}
	out := make([]any, n)
	for i := 0; i < n; i++ {
		v, err := d.readValue(child(path, strconv.Itoa(i)), depth+1)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	end, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if end != tagArrayEnd {
		return nil, errors.InvalidData(errors.PhaseDecode, path, "array is not terminated")
	}
	return out, nil
}

func (d *Deserializer) readObject(path []string, depth int) (any, *errors.Error) {
	n, err := d.readLength()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, n)
	for i := 0; i < n; i++ {
		key, err := d.readString(path)
		if err != nil {
			return nil, err
		}
		v, err := d.readValue(child(path, key), depth+1)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	end, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if end != tagObjectEnd {
		return nil, errors.InvalidData(errors.PhaseDecode, path, "object is not terminated")
	}
	return out, nil
}
