package wasm

import (
	"encoding/binary"
	"math"
)

// WebAssembly binary format magic number and version.
const (
	Magic   uint32 = 0x6D736100
	Version uint32 = 0x01
)

// Section IDs used by the builder.
const (
	SectionType     byte = 1
	SectionImport   byte = 2
	SectionFunction byte = 3
	SectionMemory   byte = 5
	SectionExport   byte = 7
	SectionCode     byte = 10
)

// Import/Export descriptor kinds.
const (
	KindFunc   byte = 0
	KindMemory byte = 2
)

const funcTypeByte = 0x60

// ValType is a core value type.
type ValType byte

const (
	I32 ValType = 0x7F
	I64 ValType = 0x7E
	F32 ValType = 0x7D
	F64 ValType = 0x7C
)

func (v ValType) String() string {
	switch v {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	default:
		return "unknown"
	}
}

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

func (f FuncType) equal(o FuncType) bool {
	if len(f.Params) != len(o.Params) || len(f.Results) != len(o.Results) {
		return false
	}
	for i := range f.Params {
		if f.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range f.Results {
		if f.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

type funcImport struct {
	module  string
	name    string
	typeIdx uint32
}

type funcDef struct {
	locals  []ValType
	body    []byte
	typeIdx uint32
}

type export struct {
	name string
	kind byte
	idx  uint32
}

// Builder assembles a module. It is not safe for concurrent use.
type Builder struct {
	memory  *memoryDef
	types   []FuncType
	imports []funcImport
	funcs   []funcDef
	exports []export
}

type memoryDef struct {
	max *uint32
	min uint32
}

// NewBuilder creates an empty module builder.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) typeIndex(ft FuncType) uint32 {
	for i, t := range b.types {
		if t.equal(ft) {
			return uint32(i)
		}
	}
	b.types = append(b.types, ft)
	return uint32(len(b.types) - 1)
}

// Import declares an imported function and returns its function index.
// It panics when called after Func.
func (b *Builder) Import(module, name string, ft FuncType) uint32 {
	if len(b.funcs) > 0 {
		panic("wasm: Import after Func")
	}
	b.imports = append(b.imports, funcImport{
		module:  module,
		name:    name,
		typeIdx: b.typeIndex(ft),
	})
	return uint32(len(b.imports) - 1)
}

// Func defines a function and returns its function index.
func (b *Builder) Func(ft FuncType, locals []ValType, code *Code) uint32 {
	var body []byte
	if code != nil {
		body = code.buf
	}
	b.funcs = append(b.funcs, funcDef{
		typeIdx: b.typeIndex(ft),
		locals:  locals,
		body:    body,
	})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

// Export exports function idx under name.
func (b *Builder) Export(name string, idx uint32) {
	b.exports = append(b.exports, export{name: name, kind: KindFunc, idx: idx})
}

// Memory declares memory 0 with the given page limits and exports it as
// "memory". A nil max leaves the memory unbounded.
func (b *Builder) Memory(min uint32, max *uint32) {
	b.memory = &memoryDef{min: min, max: max}
	b.exports = append(b.exports, export{name: "memory", kind: KindMemory, idx: 0})
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	out := binary.LittleEndian.AppendUint32(nil, Magic)
	out = binary.LittleEndian.AppendUint32(out, Version)

	if len(b.types) > 0 {
		sec := AppendULEB128(nil, uint64(len(b.types)))
		for _, ft := range b.types {
			sec = append(sec, funcTypeByte)
			sec = appendValTypes(sec, ft.Params)
			sec = appendValTypes(sec, ft.Results)
		}
		out = appendSection(out, SectionType, sec)
	}

	if len(b.imports) > 0 {
		sec := AppendULEB128(nil, uint64(len(b.imports)))
		for _, imp := range b.imports {
			sec = appendName(sec, imp.module)
			sec = appendName(sec, imp.name)
			sec = append(sec, KindFunc)
			sec = AppendULEB128(sec, uint64(imp.typeIdx))
		}
		out = appendSection(out, SectionImport, sec)
	}

	if len(b.funcs) > 0 {
		sec := AppendULEB128(nil, uint64(len(b.funcs)))
		for _, fn := range b.funcs {
			sec = AppendULEB128(sec, uint64(fn.typeIdx))
		}
		out = appendSection(out, SectionFunction, sec)
	}

	if b.memory != nil {
		sec := AppendULEB128(nil, 1)
		if b.memory.max != nil {
			sec = append(sec, 0x01)
			sec = AppendULEB128(sec, uint64(b.memory.min))
			sec = AppendULEB128(sec, uint64(*b.memory.max))
		} else {
			sec = append(sec, 0x00)
			sec = AppendULEB128(sec, uint64(b.memory.min))
		}
		out = appendSection(out, SectionMemory, sec)
	}

	if len(b.exports) > 0 {
		sec := AppendULEB128(nil, uint64(len(b.exports)))
		for _, exp := range b.exports {
			sec = appendName(sec, exp.name)
			sec = append(sec, exp.kind)
			sec = AppendULEB128(sec, uint64(exp.idx))
		}
		out = appendSection(out, SectionExport, sec)
	}

	if len(b.funcs) > 0 {
		sec := AppendULEB128(nil, uint64(len(b.funcs)))
		for _, fn := range b.funcs {
			body := appendLocals(nil, fn.locals)
			body = append(body, fn.body...)
			body = append(body, OpEnd)
			sec = AppendULEB128(sec, uint64(len(body)))
			sec = append(sec, body...)
		}
		out = appendSection(out, SectionCode, sec)
	}

	return out
}

// IsModule reports whether bin starts with the core module preamble.
func IsModule(bin []byte) bool {
	return len(bin) >= 8 &&
		binary.LittleEndian.Uint32(bin[0:4]) == Magic &&
		binary.LittleEndian.Uint32(bin[4:8]) == Version
}

func appendSection(dst []byte, id byte, content []byte) []byte {
	dst = append(dst, id)
	dst = AppendULEB128(dst, uint64(len(content)))
	return append(dst, content...)
}

func appendName(dst []byte, name string) []byte {
	dst = AppendULEB128(dst, uint64(len(name)))
	return append(dst, name...)
}

func appendValTypes(dst []byte, types []ValType) []byte {
	dst = AppendULEB128(dst, uint64(len(types)))
	for _, t := range types {
		dst = append(dst, byte(t))
	}
	return dst
}

// appendLocals groups consecutive locals of the same type.
func appendLocals(dst []byte, locals []ValType) []byte {
	type group struct {
		n uint32
		t ValType
	}
	var groups []group
	for _, l := range locals {
		if len(groups) > 0 && groups[len(groups)-1].t == l {
			groups[len(groups)-1].n++
			continue
		}
		groups = append(groups, group{n: 1, t: l})
	}
	dst = AppendULEB128(dst, uint64(len(groups)))
	for _, g := range groups {
		dst = AppendULEB128(dst, uint64(g.n))
		dst = append(dst, byte(g.t))
	}
	return dst
}

// Opcodes emitted by Code.
const (
	OpUnreachable byte = 0x00
	OpNop         byte = 0x01
	OpEnd         byte = 0x0B
	OpReturn      byte = 0x0F
	OpCall        byte = 0x10
	OpDrop        byte = 0x1A
	OpLocalGet    byte = 0x20
	OpLocalSet    byte = 0x21
	OpI32Const    byte = 0x41
	OpI64Const    byte = 0x42
	OpF32Const    byte = 0x43
	OpF64Const    byte = 0x44
	OpI32Add      byte = 0x6A
	OpI32Sub      byte = 0x6B
	OpI32Mul      byte = 0x6C
	OpI64Add      byte = 0x7C
	OpI64Sub      byte = 0x7D
	OpI64Mul      byte = 0x7E
	OpF32Add      byte = 0x92
	OpF64Add      byte = 0xA0
	OpF64Mul      byte = 0xA2
)

// Code is an instruction sequence under construction.
type Code struct {
	buf []byte
}

// NewCode returns an empty instruction sequence.
func NewCode() *Code {
	return &Code{}
}

// Bytes returns the encoded instructions without the terminating end.
func (c *Code) Bytes() []byte {
	return c.buf
}

func (c *Code) op(b byte) *Code {
	c.buf = append(c.buf, b)
	return c
}

func (c *Code) Unreachable() *Code { return c.op(OpUnreachable) }
func (c *Code) Nop() *Code         { return c.op(OpNop) }
func (c *Code) Return() *Code      { return c.op(OpReturn) }
func (c *Code) Drop() *Code        { return c.op(OpDrop) }
func (c *Code) I32Add() *Code      { return c.op(OpI32Add) }
func (c *Code) I32Sub() *Code      { return c.op(OpI32Sub) }
func (c *Code) I32Mul() *Code      { return c.op(OpI32Mul) }
func (c *Code) I64Add() *Code      { return c.op(OpI64Add) }
func (c *Code) I64Sub() *Code      { return c.op(OpI64Sub) }
func (c *Code) I64Mul() *Code      { return c.op(OpI64Mul) }
func (c *Code) F32Add() *Code      { return c.op(OpF32Add) }
func (c *Code) F64Add() *Code      { return c.op(OpF64Add) }
func (c *Code) F64Mul() *Code      { return c.op(OpF64Mul) }

func (c *Code) Call(idx uint32) *Code {
	c.buf = append(c.buf, OpCall)
	c.buf = AppendULEB128(c.buf, uint64(idx))
	return c
}

func (c *Code) LocalGet(idx uint32) *Code {
	c.buf = append(c.buf, OpLocalGet)
	c.buf = AppendULEB128(c.buf, uint64(idx))
	return c
}

func (c *Code) LocalSet(idx uint32) *Code {
	c.buf = append(c.buf, OpLocalSet)
	c.buf = AppendULEB128(c.buf, uint64(idx))
	return c
}

func (c *Code) I32Const(v int32) *Code {
	c.buf = append(c.buf, OpI32Const)
	c.buf = AppendSLEB128(c.buf, int64(v))
	return c
}

func (c *Code) I64Const(v int64) *Code {
	c.buf = append(c.buf, OpI64Const)
	c.buf = AppendSLEB128(c.buf, v)
	return c
}

func (c *Code) F32Const(v float32) *Code {
	c.buf = append(c.buf, OpF32Const)
	c.buf = binary.LittleEndian.AppendUint32(c.buf, math.Float32bits(v))
	return c
}

func (c *Code) F64Const(v float64) *Code {
	c.buf = append(c.buf, OpF64Const)
	c.buf = binary.LittleEndian.AppendUint64(c.buf, math.Float64bits(v))
	return c
}
