// Package clone implements structured cloning of values that cross an
// isolation boundary.
//
// A cloneable value is a tree of plain data: booleans, numbers, strings,
// byte slices, time.Time, slices, arrays, maps with cloneable keys, and
// structs whose fields are all exported and cloneable. Functions, channels,
// unsafe pointers and non-nil pointers are live references and are rejected,
// as are cyclic structures.
package clone

import (
	"errors"
	"fmt"
	"reflect"
	"time"
)

// MaxDepth bounds the nesting of a cloneable value.
const MaxDepth = 64

// ErrNotCloneable indicates a value holding a live reference.
var ErrNotCloneable = errors.New("value is not structurally cloneable")

var timeType = reflect.TypeOf(time.Time{})

// Value returns a deep copy of v that shares no memory with it.
func Value(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	c := cloner{seen: make(map[uintptr]bool)}
	out, err := c.clone(reflect.ValueOf(v), "$", 0)
	if err != nil {
		return nil, err
	}
	return out.Interface(), nil
}

// Check reports whether v is cloneable without copying it.
func Check(v any) error {
	_, err := Value(v)
	return err
}

type cloner struct {
	seen map[uintptr]bool
}

func reject(path, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrNotCloneable, path, fmt.Sprintf(format, args...))
}

func (c *cloner) clone(v reflect.Value, path string, depth int) (reflect.Value, error) {
	if depth > MaxDepth {
		return reflect.Value{}, reject(path, "nesting deeper than %d", MaxDepth)
	}

	switch v.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		out := reflect.New(v.Type()).Elem()
		out.Set(v)
		return out, nil

	case reflect.Interface:
		out := reflect.New(v.Type()).Elem()
		if v.IsNil() {
			return out, nil
		}
		inner, err := c.clone(v.Elem(), path, depth+1)
		if err != nil {
			return reflect.Value{}, err
		}
		out.Set(inner)
		return out, nil

	case reflect.Slice:
		out := reflect.New(v.Type()).Elem()
		if v.IsNil() {
			return out, nil
		}
		ptr := v.Pointer()
		if v.Len() > 0 {
			if c.seen[ptr] {
				return reflect.Value{}, reject(path, "cycle")
			}
			c.seen[ptr] = true
			defer delete(c.seen, ptr)
		}
		out = reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			elem, err := c.clone(v.Index(i), fmt.Sprintf("%s[%d]", path, i), depth+1)
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(elem)
		}
		return out, nil

	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			elem, err := c.clone(v.Index(i), fmt.Sprintf("%s[%d]", path, i), depth+1)
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(elem)
		}
		return out, nil

	case reflect.Map:
		out := reflect.New(v.Type()).Elem()
		if v.IsNil() {
			return out, nil
		}
		ptr := v.Pointer()
		if c.seen[ptr] {
			return reflect.Value{}, reject(path, "cycle")
		}
		c.seen[ptr] = true
		defer delete(c.seen, ptr)

		out = reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			key, err := c.clone(iter.Key(), path, depth+1)
			if err != nil {
				return reflect.Value{}, err
			}
			val, err := c.clone(iter.Value(), fmt.Sprintf("%s.%v", path, iter.Key()), depth+1)
			if err != nil {
				return reflect.Value{}, err
			}
			out.SetMapIndex(key, val)
		}
		return out, nil

	case reflect.Struct:
		out := reflect.New(v.Type()).Elem()
		if v.Type() == timeType {
			out.Set(v)
			return out, nil
		}
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				return reflect.Value{}, reject(path+"."+field.Name, "unexported field")
			}
			fv, err := c.clone(v.Field(i), path+"."+field.Name, depth+1)
			if err != nil {
				return reflect.Value{}, err
			}
			out.Field(i).Set(fv)
		}
		return out, nil

	case reflect.Pointer:
		if v.IsNil() {
			return reflect.New(v.Type()).Elem(), nil
		}
		return reflect.Value{}, reject(path, "pointer %s is a live reference", v.Type())

	case reflect.Func:
		return reflect.Value{}, reject(path, "function")

	case reflect.Chan:
		return reflect.Value{}, reject(path, "channel")

	default:
		return reflect.Value{}, reject(path, "unsupported kind %s", v.Kind())
	}
}
