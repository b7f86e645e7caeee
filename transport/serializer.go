package transport

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/wippyai/wasm-zones/errors"
)

// Serializer writes values into SerializedData. Shared buffers are resolved
// against the table of the context the serializer runs in.
type Serializer struct {
	table  *ShareTable
	index  map[*SharedBuffer]uint32
	buf    []byte
	shared []SharedEntry
}

// NewSerializer creates a serializer for the context owning table.
// A nil table gives the serializer a private one.
func NewSerializer(table *ShareTable) *Serializer {
	if table == nil {
		table = NewShareTable()
	}
	return &Serializer{table: table}
}

// Write encodes v. The serializer may be reused; each call produces
// independent data.
func (s *Serializer) Write(v any) (*SerializedData, error) {
	s.buf = make([]byte, 0, 64)
	s.shared = nil
	s.index = nil

	s.buf = append(s.buf, tagVersion, WireVersion)
	if err := s.writeValue(v, nil, 0); err != nil {
		return nil, err
	}

	data := &SerializedData{data: s.buf, shared: s.shared}
	s.buf = nil
	s.shared = nil
	s.index = nil
	return data, nil
}

// Marshal serializes v in the context owning table.
func Marshal(table *ShareTable, v any) (*SerializedData, error) {
	return NewSerializer(table).Write(v)
}

func (s *Serializer) writeValue(v any, path []string, depth int) error {
	if depth > MaxDepth {
		return errors.New(errors.PhaseEncode, errors.KindOverflow).
			Path(path...).
			Detail("value nesting exceeds %d", MaxDepth).
			Build()
	}

	switch val := v.(type) {
	case nil:
		s.buf = append(s.buf, tagNull)
	case UndefinedValue:
		s.buf = append(s.buf, tagUndefined)
	case bool:
		if val {
			s.buf = append(s.buf, tagTrue)
		} else {
			s.buf = append(s.buf, tagFalse)
		}
	case int:
		s.buf = append(s.buf, tagInt, widthNative)
		s.buf = binary.AppendVarint(s.buf, int64(val))
	case int32:
		s.buf = append(s.buf, tagInt, width32)
		s.buf = binary.AppendVarint(s.buf, int64(val))
	case int64:
		s.buf = append(s.buf, tagInt, width64)
		s.buf = binary.AppendVarint(s.buf, val)
	case uint32:
		s.buf = append(s.buf, tagUint, width32)
		s.buf = binary.AppendUvarint(s.buf, uint64(val))
	case uint64:
		s.buf = append(s.buf, tagUint, width64)
		s.buf = binary.AppendUvarint(s.buf, val)
	case float32:
		s.buf = append(s.buf, tagFloat32)
		s.buf = binary.LittleEndian.AppendUint32(s.buf, math.Float32bits(val))
	case float64:
		s.buf = append(s.buf, tagFloat64)
		s.buf = binary.LittleEndian.AppendUint64(s.buf, math.Float64bits(val))
	case *big.Int:
		if val == nil {
			s.buf = append(s.buf, tagNull)
			return nil
		}
		s.buf = append(s.buf, tagBigInt)
		if val.Sign() < 0 {
			s.buf = append(s.buf, 1)
		} else {
			s.buf = append(s.buf, 0)
		}
		s.writeBlob(val.Bytes())
	case string:
		if !utf8.ValidString(val) {
			return errors.InvalidUTF8(errors.PhaseEncode, path, []byte(val))
		}
		if len(val) > MaxStringSize {
			return errors.Overflow(errors.PhaseEncode, path, len(val), "string")
		}
		s.buf = append(s.buf, tagString)
		s.writeBlob([]byte(val))
	case []byte:
		s.buf = append(s.buf, tagBytes)
		s.writeBlob(val)
	case time.Time:
		s.buf = append(s.buf, tagDate)
		s.buf = binary.AppendVarint(s.buf, val.UnixNano())
	case []any:
		s.buf = append(s.buf, tagArray)
		s.buf = binary.AppendUvarint(s.buf, uint64(len(val)))
		for i, elem := range val {
			if err := s.writeValue(elem, child(path, strconv.Itoa(i)), depth+1); err != nil {
				return err
			}
		}
		s.buf = append(s.buf, tagArrayEnd)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		s.buf = append(s.buf, tagObject)
		s.buf = binary.AppendUvarint(s.buf, uint64(len(keys)))
		for _, k := range keys {
			if !utf8.ValidString(k) {
				return errors.InvalidUTF8(errors.PhaseEncode, child(path, k), []byte(k))
			}
			s.writeBlob([]byte(k))
			if err := s.writeValue(val[k], child(path, k), depth+1); err != nil {
				return err
			}
		}
		s.buf = append(s.buf, tagObjectEnd)
	case *SharedBuffer:
		if val == nil {
			s.buf = append(s.buf, tagNull)
			return nil
		}
		s.buf = append(s.buf, tagShared)
		s.buf = binary.AppendUvarint(s.buf, uint64(s.transfer(val)))
	default:
		return errors.New(errors.PhaseEncode, errors.KindUnsupported).
			Path(path...).
			GoType(fmt.Sprintf("%T", v)).
			Detail("value kind cannot be transported").
			Build()
	}
	return nil
}

func (s *Serializer) writeBlob(b []byte) {
	s.buf = binary.AppendUvarint(s.buf, uint64(len(b)))
	s.buf = append(s.buf, b...)
}

// transfer assigns buf its transfer index, capturing memory and token the
// first time the buffer is seen in this write.
func (s *Serializer) transfer(buf *SharedBuffer) uint32 {
	if idx, ok := s.index[buf]; ok {
		return idx
	}
	if s.index == nil {
		s.index = make(map[*SharedBuffer]uint32)
	}
	idx := uint32(len(s.shared))
	s.index[buf] = idx
	s.shared = append(s.shared, SharedEntry{
		Contents: buf.data,
		Token:    s.table.externalize(buf),
	})
	return idx
}
