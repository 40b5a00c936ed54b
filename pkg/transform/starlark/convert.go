package starlark

import (
	"fmt"

	starlib "go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/slateboard/slateboard/pkg/engine"
)

// toStarlark builds the starlark mirror of a Go value. Maps and slices
// convert recursively; anything outside the JSON-shaped set is rejected.
func toStarlark(v interface{}) (starlib.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlib.None, nil
	case bool:
		return starlib.Bool(val), nil
	case int:
		return starlib.MakeInt(val), nil
	case int64:
		return starlib.MakeInt64(val), nil
	case float64:
		return starlib.Float(val), nil
	case string:
		return starlib.String(val), nil
	case []string:
		elems := make([]starlib.Value, len(val))
		for i, s := range val {
			elems[i] = starlib.String(s)
		}
		return starlib.NewList(elems), nil
	case []interface{}:
		elems := make([]starlib.Value, len(val))
		for i, item := range val {
			conv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			elems[i] = conv
		}
		return starlib.NewList(elems), nil
	case engine.Values:
		return mapToStarlark(val)
	case map[string]interface{}:
		return mapToStarlark(val)
	default:
		return nil, fmt.Errorf("cannot represent %T in starlark", v)
	}
}

func mapToStarlark(m map[string]interface{}) (*starlib.Dict, error) {
	dict := starlib.NewDict(len(m))
	for key, item := range m {
		conv, err := toStarlark(item)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", key, err)
		}
		if err := dict.SetKey(starlib.String(key), conv); err != nil {
			return nil, err
		}
	}
	return dict, nil
}

// fromStarlark maps a starlark value back onto plain Go data. Structs
// flatten to maps, and any indexable sequence flattens to a slice.
func fromStarlark(v starlib.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlib.NoneType:
		return nil, nil
	case starlib.Bool:
		return bool(val), nil
	case starlib.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("starlark int overflows int64")
		}
		return i, nil
	case starlib.Float:
		return float64(val), nil
	case starlib.String:
		return string(val), nil
	case *starlib.Dict:
		out := make(map[string]interface{}, val.Len())
		for _, kv := range val.Items() {
			key, ok := starlib.AsString(kv[0])
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", kv[0])
			}
			conv, err := fromStarlark(kv[1])
			if err != nil {
				return nil, err
			}
			out[key] = conv
		}
		return out, nil
	case *starlarkstruct.Struct:
		out := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			conv, err := fromStarlark(attr)
			if err != nil {
				return nil, err
			}
			out[name] = conv
		}
		return out, nil
	case starlib.Indexable:
		out := make([]interface{}, val.Len())
		for i := range out {
			elem, err := fromStarlark(val.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = elem
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cannot convert starlark %s", v.Type())
	}
}
