package sandbox

import (
	"fmt"

	"go.starlark.net/starlark"
)

// ToStarlark converts a Go value (the JSON-shaped subset plus a few
// integer widths) into a Starlark value. Unknown types fall back to
// their string form.
func ToStarlark(v any) starlark.Value {
	switch x := v.(type) {
	case nil:
		return starlark.None
	case bool:
		return starlark.Bool(x)
	case int:
		return starlark.MakeInt(x)
	case int64:
		return starlark.MakeInt64(x)
	case float64:
		return starlark.Float(x)
	case string:
		return starlark.String(x)
	case []any:
		elems := make([]starlark.Value, len(x))
		for i, e := range x {
			elems[i] = ToStarlark(e)
		}
		return starlark.NewList(elems)
	case []string:
		elems := make([]starlark.Value, len(x))
		for i, e := range x {
			elems[i] = starlark.String(e)
		}
		return starlark.NewList(elems)
	case map[string]any:
		d := starlark.NewDict(len(x))
		for k, e := range x {
			_ = d.SetKey(starlark.String(k), ToStarlark(e))
		}
		return d
	default:
		return starlark.String(fmt.Sprintf("%v", x))
	}
}

// FromStarlark converts a Starlark value back into plain Go data.
// Non-data values (functions, builtins) come back as name tags.
func FromStarlark(v starlark.Value) any {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(x)
	case starlark.Int:
		if i, ok := x.Int64(); ok {
			return i
		}
		return x.String()
	case starlark.Float:
		return float64(x)
	case starlark.String:
		return string(x)
	case *starlark.List:
		out := make([]any, x.Len())
		for i := 0; i < x.Len(); i++ {
			out[i] = FromStarlark(x.Index(i))
		}
		return out
	case starlark.Tuple:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = FromStarlark(e)
		}
		return out
	case *starlark.Dict:
		out := make(map[string]any, x.Len())
		for _, item := range x.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				key = item[0].String()
			}
			out[key] = FromStarlark(item[1])
		}
		return out
	default:
		return Serialize(v)
	}
}

// Serialize maps a namespace value to its snapshot form: primitives and
// plain collections pass through, callables and modules become name
// tags, anything else becomes its repr.
func Serialize(v starlark.Value) any {
	switch x := v.(type) {
	case starlark.NoneType, starlark.Bool, starlark.Int, starlark.Float, starlark.String,
		*starlark.List, starlark.Tuple, *starlark.Dict:
		return FromStarlark(v)
	case *starlark.Function:
		return fmt.Sprintf("<function %s>", x.Name())
	case *starlark.Builtin:
		return fmt.Sprintf("<function %s>", x.Name())
	default:
		if v.Type() == "module" {
			return fmt.Sprintf("<module %s>", v.String())
		}
		return v.String()
	}
}

// ValueString renders a value the way the model sees it: strings
// unquoted, everything else as its repr.
func ValueString(v starlark.Value) string {
	if s, ok := starlark.AsString(v); ok {
		return s
	}
	return v.String()
}
