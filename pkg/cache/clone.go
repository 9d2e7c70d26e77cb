package cache

import (
	"errors"
	"fmt"
	"reflect"
	"time"
)

// ErrNotCopyable is returned when a result contains values that cannot be
// deep copied: functions, channels, unsafe pointers, unexported fields that
// hold references, or nesting deeper than maxCopyDepth (which also catches
// pointer cycles).
var ErrNotCopyable = errors.New("value cannot be deep copied")

const maxCopyDepth = 64

var timeType = reflect.TypeOf(time.Time{})

// deepCopy returns a structurally independent copy of src.
//
// Exported struct fields are copied recursively. Unexported fields cannot be
// set through reflection, so they are copied by value and any that could
// hold a slice, map, pointer or interface make the value not copyable.
// time.Time is treated as a plain value.
func deepCopy(src interface{}) (interface{}, error) {
	if src == nil {
		return nil, nil
	}
	v, err := copyValue(reflect.ValueOf(src), 0)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

func copyValue(v reflect.Value, depth int) (reflect.Value, error) {
	if depth > maxCopyDepth {
		return reflect.Value{}, fmt.Errorf("%w: nesting deeper than %d", ErrNotCopyable, maxCopyDepth)
	}

	switch v.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return reflect.Value{}, fmt.Errorf("%w: %s", ErrNotCopyable, v.Type())

	case reflect.Interface:
		if v.IsNil() {
			return reflect.Zero(v.Type()), nil
		}
		inner, err := copyValue(v.Elem(), depth+1)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(inner)
		return out, nil

	case reflect.Pointer:
		if v.IsNil() {
			return reflect.Zero(v.Type()), nil
		}
		inner, err := copyValue(v.Elem(), depth+1)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(v.Type().Elem())
		out.Elem().Set(inner)
		return out, nil

	case reflect.Slice:
		if v.IsNil() {
			return reflect.Zero(v.Type()), nil
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		if v.Type().Elem().Kind() == reflect.Uint8 {
			reflect.Copy(out, v)
			return out, nil
		}
		for i := 0; i < v.Len(); i++ {
			elem, err := copyValue(v.Index(i), depth+1)
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(elem)
		}
		return out, nil

	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			elem, err := copyValue(v.Index(i), depth+1)
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(elem)
		}
		return out, nil

	case reflect.Map:
		if v.IsNil() {
			return reflect.Zero(v.Type()), nil
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			key, err := copyValue(iter.Key(), depth+1)
			if err != nil {
				return reflect.Value{}, err
			}
			val, err := copyValue(iter.Value(), depth+1)
			if err != nil {
				return reflect.Value{}, err
			}
			out.SetMapIndex(key, val)
		}
		return out, nil

	case reflect.Struct:
		if v.Type() == timeType {
			return v, nil
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(v)
		for i := 0; i < v.NumField(); i++ {
			field := out.Field(i)
			if !field.CanSet() {
				if holdsReferences(field.Type()) {
					return reflect.Value{}, fmt.Errorf("%w: unexported field %s.%s",
						ErrNotCopyable, v.Type(), v.Type().Field(i).Name)
				}
				continue
			}
			copied, err := copyValue(v.Field(i), depth+1)
			if err != nil {
				return reflect.Value{}, err
			}
			field.Set(copied)
		}
		return out, nil

	default:
		return v, nil
	}
}

// holdsReferences reports whether a value of type t, copied by assignment,
// would share memory with the original.
func holdsReferences(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Slice, reflect.Map, reflect.Pointer, reflect.Interface:
		return true
	case reflect.Array:
		return holdsReferences(t.Elem())
	case reflect.Struct:
		if t == timeType {
			return false
		}
		for i := 0; i < t.NumField(); i++ {
			if holdsReferences(t.Field(i).Type) {
				return true
			}
		}
	}
	return false
}
