package wasm

import (
	"errors"
)

// LEB128 encoding utilities for the WebAssembly binary format

// ErrOverflow is returned when a LEB128 value exceeds the maximum bit width.
var ErrOverflow = errors.New("leb128: overflow")

// AppendULEB128 appends the unsigned LEB128 encoding of v.
func AppendULEB128(dst []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if v == 0 {
			return dst
		}
	}
}

// AppendSLEB128 appends the signed LEB128 encoding of v.
func AppendSLEB128(dst []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		dst = append(dst, b)
		if done {
			return dst
		}
	}
}

// ReadULEB128 decodes an unsigned value of at most 32 bits and returns it
// with the number of bytes consumed.
func ReadULEB128(src []byte) (uint32, int, error) {
	var result uint32
	var shift uint
	for i, b := range src {
		if shift >= 35 {
			return 0, 0, ErrOverflow
		}
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, errors.New("leb128: unexpected end of input")
}

// ReadSLEB128 decodes a signed value of at most 64 bits and returns it with
// the number of bytes consumed.
func ReadSLEB128(src []byte) (int64, int, error) {
	var result int64
	var shift uint
	for i, b := range src {
		if shift >= 70 {
			return 0, 0, ErrOverflow
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			// Sign extend
			if shift < 64 && b&0x40 != 0 {
				result |= ^int64(0) << shift
			}
			return result, i + 1, nil
		}
	}
	return 0, 0, errors.New("leb128: unexpected end of input")
}
