package engine

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// maxPlainDepth bounds the nesting Plain accepts.
const maxPlainDepth = 64

// Plain reduces a host value to the shapes every runtime understands:
// nil, bool, int64, float64, string, []any and map[string]any.
// Structs become maps keyed by their json names; times become RFC 3339
// strings. Functions, channels and non-nil pointers are rejected.
func Plain(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	return plain(reflect.ValueOf(v), 0)
}

func plain(rv reflect.Value, depth int) (any, error) {
	if depth > maxPlainDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrNotConvertible, maxPlainDepth)
	}
	if !rv.IsValid() {
		return nil, nil
	}
	if rv.Type() == reflect.TypeOf(time.Time{}) {
		return rv.Interface().(time.Time).Format(time.RFC3339Nano), nil
	}

	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.String:
		return rv.String(), nil

	case reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return plain(rv.Elem(), depth+1)

	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: pointer %s", ErrNotConvertible, rv.Type())

	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return string(rv.Bytes()), nil
		}
		if rv.IsNil() {
			return []any{}, nil
		}
		fallthrough
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			elem, err := plain(rv.Index(i), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = elem
		}
		return out, nil

	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			val, err := plain(iter.Value(), depth+1)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(iter.Key().Interface())] = val
		}
		return out, nil

	case reflect.Struct:
		out := make(map[string]any, rv.NumField())
		rt := rv.Type()
		for i := 0; i < rt.NumField(); i++ {
			field := rt.Field(i)
			if !field.IsExported() {
				continue
			}
			name, omitEmpty, skip := jsonName(field)
			if skip || (omitEmpty && rv.Field(i).IsZero()) {
				continue
			}
			val, err := plain(rv.Field(i), depth+1)
			if err != nil {
				return nil, err
			}
			out[name] = val
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrNotConvertible, rv.Kind())
	}
}

func jsonName(field reflect.StructField) (name string, omitEmpty, skip bool) {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	name, opts, _ := strings.Cut(tag, ",")
	if name == "" {
		name = field.Name
	}
	return name, strings.Contains(opts, "omitempty"), false
}
