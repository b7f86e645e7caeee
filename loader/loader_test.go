package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/wippyai/wasm-zones/engine"
	"github.com/wippyai/wasm-zones/errors"
	"github.com/wippyai/wasm-zones/wasm"
)

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.New(context.Background(), engine.Config{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

func constModule(v int32) []byte {
	b := wasm.NewBuilder()
	b.Export("value", b.Func(wasm.FuncType{Results: []wasm.ValType{wasm.I32}}, nil, wasm.NewCode().I32Const(v)))
	return b.Bytes()
}

func writeModule(t *testing.T, root, name string, bin []byte) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, bin, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	m := engine.NewNativeModule("native")

	if err := r.Register(m); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(m); !errors.HasKind(err, errors.KindAlreadyExists) {
		t.Errorf("duplicate: expected already exists, got %v", err)
	}
	if err := r.Register(engine.NewNativeModule("")); !errors.HasKind(err, errors.KindInvalidInput) {
		t.Errorf("empty name: expected invalid input, got %v", err)
	}
	if got, ok := r.Lookup("native"); !ok || got != m {
		t.Error("Lookup did not return the registered module")
	}
	if names := r.Names(); len(names) != 1 || names[0] != "native" {
		t.Errorf("names = %v", names)
	}
	if !r.Unregister("native") || r.Unregister("native") {
		t.Error("Unregister should succeed exactly once")
	}
}

func TestBuiltins(t *testing.T) {
	m := engine.NewNativeModule("loader-test-builtin")
	if err := Register(m); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { Builtins().Unregister(m.Name()) })

	if _, ok := Builtins().Lookup(m.Name()); !ok {
		t.Error("Register did not reach the process-wide registry")
	}
}

func TestRequire_Builtin(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	reg := NewRegistry()
	native := engine.NewNativeModule("native")
	if err := reg.Register(native); err != nil {
		t.Fatal(err)
	}

	l := New("", reg, eng, nil)
	m, err := l.Require(ctx, "native")
	if err != nil {
		t.Fatal(err)
	}
	if m != native {
		t.Error("Require returned a different module")
	}
	if _, ok := eng.Module("native"); !ok {
		t.Error("builtin not cached in the engine")
	}
	if again, err := l.Require(ctx, "native"); err != nil || again != native {
		t.Errorf("second Require = %v, %v", again, err)
	}
}

func TestRequire_File(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeModule(t, root, "answer.wasm", constModule(42))
	writeModule(t, root, "lib/seven.wasm", constModule(7))

	eng := newEngine(t)
	l := New(root, nil, eng, nil)
	if l.Root() != root {
		t.Errorf("root = %q", l.Root())
	}

	tests := []struct {
		name string
		want int32
	}{
		{"answer", 42},
		{"lib/seven", 7},
		{"lib/seven.wasm", 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := l.Require(ctx, tt.name)
			if err != nil {
				t.Fatal(err)
			}
			v, err := m.Call(ctx, "value", nil)
			if err != nil {
				t.Fatal(err)
			}
			if v != tt.want {
				t.Errorf("value = %v, want %d", v, tt.want)
			}
		})
	}
}

func TestRequire_Errors(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeModule(t, root, "broken.wasm", []byte("not a module"))

	eng := newEngine(t)
	l := New(root, NewRegistry(), eng, nil)

	tests := []struct {
		name string
		kind errors.Kind
	}{
		{"", errors.KindInvalidInput},
		{"missing", errors.KindNotFound},
		{"../outside", errors.KindInvalidInput},
		{"/etc/passwd", errors.KindInvalidInput},
		{"broken", errors.KindInvalidData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Require(ctx, tt.name)
			e, ok := err.(*errors.Error)
			if !ok {
				t.Fatalf("expected *errors.Error, got %T (%v)", err, err)
			}
			if e.Kind != tt.kind {
				t.Errorf("kind = %s, want %s (%v)", e.Kind, tt.kind, err)
			}
		})
	}
}

func TestRequire_NoRoot(t *testing.T) {
	l := New("", nil, newEngine(t), nil)
	if _, err := l.Require(context.Background(), "anything"); !errors.HasKind(err, errors.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}
