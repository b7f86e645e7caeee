package engine

import (
	"strings"

	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"
)

// Signature describes one function of a module in WIT terms.
type Signature struct {
	Name    string
	Params  []wit.Type
	Results []wit.Type
}

// String renders the signature as name(p0, p1) -> r.
func (s Signature) String() string {
	var b strings.Builder
	b.WriteString(s.Name)
	b.WriteByte('(')
	for i, p := range s.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(TypeName(p))
	}
	b.WriteByte(')')

	switch len(s.Results) {
	case 0:
	case 1:
		b.WriteString(" -> ")
		b.WriteString(TypeName(s.Results[0]))
	default:
		b.WriteString(" -> (")
		for i, r := range s.Results {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(TypeName(r))
		}
		b.WriteByte(')')
	}
	return b.String()
}

func signatureOf(name string, def api.FunctionDefinition) Signature {
	sig := Signature{Name: name}
	for _, t := range def.ParamTypes() {
		sig.Params = append(sig.Params, witType(t))
	}
	for _, t := range def.ResultTypes() {
		sig.Results = append(sig.Results, witType(t))
	}
	return sig
}

// witType maps a core value type to the WIT type a caller passes for it.
func witType(t api.ValueType) wit.Type {
	switch t {
	case api.ValueTypeI32:
		return wit.S32{}
	case api.ValueTypeI64:
		return wit.S64{}
	case api.ValueTypeF32:
		return wit.F32{}
	case api.ValueTypeF64:
		return wit.F64{}
	default:
		return nil
	}
}

// TypeName returns the WIT spelling of a primitive type, or "any" for types
// without a fixed spelling.
func TypeName(t wit.Type) string {
	switch t.(type) {
	case wit.Bool:
		return "bool"
	case wit.S8:
		return "s8"
	case wit.U8:
		return "u8"
	case wit.S16:
		return "s16"
	case wit.U16:
		return "u16"
	case wit.S32:
		return "s32"
	case wit.U32:
		return "u32"
	case wit.S64:
		return "s64"
	case wit.U64:
		return "u64"
	case wit.F32:
		return "f32"
	case wit.F64:
		return "f64"
	case wit.Char:
		return "char"
	case wit.String:
		return "string"
	default:
		return "any"
	}
}
