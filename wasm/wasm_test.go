package wasm

import (
	"bytes"
	"context"
	"math"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

func TestLEB128_Unsigned(t *testing.T) {
	tests := []struct {
		value uint64
		want  []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{624485, []byte{0xe5, 0x8e, 0x26}},
		{math.MaxUint32, []byte{0xff, 0xff, 0xff, 0xff, 0x0f}},
	}

	for _, tt := range tests {
		got := AppendULEB128(nil, tt.value)
		if !bytes.Equal(got, tt.want) {
			t.Errorf("AppendULEB128(%d) = %x, want %x", tt.value, got, tt.want)
		}
		if tt.value > math.MaxUint32 {
			continue
		}
		v, n, err := ReadULEB128(got)
		if err != nil {
			t.Fatalf("ReadULEB128(%x): %v", got, err)
		}
		if uint64(v) != tt.value || n != len(got) {
			t.Errorf("ReadULEB128(%x) = %d, %d", got, v, n)
		}
	}
}

func TestLEB128_Signed(t *testing.T) {
	tests := []struct {
		value int64
		want  []byte
	}{
		{0, []byte{0x00}},
		{-1, []byte{0x7f}},
		{63, []byte{0x3f}},
		{64, []byte{0xc0, 0x00}},
		{-64, []byte{0x40}},
		{-65, []byte{0xbf, 0x7f}},
		{-123456, []byte{0xc0, 0xbb, 0x78}},
	}

	for _, tt := range tests {
		got := AppendSLEB128(nil, tt.value)
		if !bytes.Equal(got, tt.want) {
			t.Errorf("AppendSLEB128(%d) = %x, want %x", tt.value, got, tt.want)
		}
		v, n, err := ReadSLEB128(got)
		if err != nil {
			t.Fatalf("ReadSLEB128(%x): %v", got, err)
		}
		if v != tt.value || n != len(got) {
			t.Errorf("ReadSLEB128(%x) = %d, %d", got, v, n)
		}
	}
}

func TestLEB128_Errors(t *testing.T) {
	if _, _, err := ReadULEB128([]byte{0x80}); err == nil {
		t.Error("expected error for truncated input")
	}
	if _, _, err := ReadULEB128([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01}); err != ErrOverflow {
		t.Errorf("expected overflow, got %v", err)
	}
}

func TestIsModule(t *testing.T) {
	if !IsModule(NewBuilder().Bytes()) {
		t.Error("empty module should have a valid preamble")
	}
	if IsModule([]byte("not wasm")) {
		t.Error("text accepted as module")
	}
	if IsModule(nil) {
		t.Error("nil accepted as module")
	}
}

func TestBuilder_TypeDedup(t *testing.T) {
	b := NewBuilder()
	ft := FuncType{Params: []ValType{I32}, Results: []ValType{I32}}
	b.Func(ft, nil, NewCode().LocalGet(0))
	b.Func(ft, nil, NewCode().LocalGet(0))
	if len(b.types) != 1 {
		t.Errorf("types = %d, want 1", len(b.types))
	}
}

func TestBuilder_ImportAfterFuncPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	b := NewBuilder()
	b.Func(FuncType{}, nil, nil)
	b.Import("env", "f", FuncType{})
}

func instantiate(t *testing.T, r wazero.Runtime, bin []byte) api.Module {
	t.Helper()
	mod, err := r.Instantiate(context.Background(), bin)
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	return mod
}

func TestBuilder_Executes(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	t.Cleanup(func() { r.Close(ctx) })

	b := NewBuilder()
	b.Func(FuncType{Params: []ValType{I64, I64}, Results: []ValType{I64}}, nil,
		NewCode().LocalGet(0).LocalGet(1).I64Add())
	b.Export("add", 0)
	b.Func(FuncType{Params: []ValType{I32}, Results: []ValType{I32}}, []ValType{I32, I32},
		NewCode().LocalGet(0).I32Const(3).I32Mul().LocalSet(1).LocalGet(1).I32Const(-1).I32Add())
	b.Export("triple_minus_one", 1)
	b.Func(FuncType{Results: []ValType{F64}}, nil, NewCode().F64Const(1.25).F64Const(2).F64Mul())
	b.Export("two_and_a_half", 2)
	b.Memory(1, nil)

	mod := instantiate(t, r, b.Bytes())

	tests := []struct {
		name string
		args []uint64
		want uint64
	}{
		{"add", []uint64{api.EncodeI64(40), api.EncodeI64(2)}, api.EncodeI64(42)},
		{"triple_minus_one", []uint64{api.EncodeI32(5)}, api.EncodeI32(14)},
		{"two_and_a_half", nil, api.EncodeF64(2.5)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn := mod.ExportedFunction(tt.name)
			if fn == nil {
				t.Fatalf("export %q missing", tt.name)
			}
			res, err := fn.Call(ctx, tt.args...)
			if err != nil {
				t.Fatal(err)
			}
			if len(res) != 1 || res[0] != tt.want {
				t.Errorf("got %v, want %v", res, tt.want)
			}
		})
	}

	if mod.Memory() == nil {
		t.Error("memory not exported")
	}
}

func TestBuilder_Imports(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	t.Cleanup(func() { r.Close(ctx) })

	_, err := r.NewHostModuleBuilder("host").
		NewFunctionBuilder().
		WithFunc(func() int64 { return 7 }).
		Export("seven").
		Instantiate(ctx)
	if err != nil {
		t.Fatal(err)
	}

	b := NewBuilder()
	seven := b.Import("host", "seven", FuncType{Results: []ValType{I64}})
	fn := b.Func(FuncType{Results: []ValType{I64}}, nil, NewCode().Call(seven).I64Const(1).I64Add())
	b.Export("eight", fn)

	if fn != 1 {
		t.Fatalf("function index = %d, want 1", fn)
	}

	mod := instantiate(t, r, b.Bytes())
	res, err := mod.ExportedFunction("eight").Call(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res[0] != 8 {
		t.Errorf("got %d, want 8", res[0])
	}
}

func TestBuilder_Trap(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	t.Cleanup(func() { r.Close(ctx) })

	b := NewBuilder()
	b.Export("boom", b.Func(FuncType{}, nil, NewCode().Unreachable()))

	mod := instantiate(t, r, b.Bytes())
	if _, err := mod.ExportedFunction("boom").Call(ctx); err == nil {
		t.Error("expected trap")
	}
}

func TestValType_String(t *testing.T) {
	for v, want := range map[ValType]string{I32: "i32", I64: "i64", F32: "f32", F64: "f64", 0: "unknown"} {
		if got := v.String(); got != want {
			t.Errorf("%#x.String() = %q, want %q", byte(v), got, want)
		}
	}
}
