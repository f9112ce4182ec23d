package util

import "reflect"

func IsZero(i interface{}) bool {
	return IsZeroVal(reflect.ValueOf(i))
}

// IsZeroVal works for non comparable kinds too, so config structs may
// contain slices and maps.
func IsZeroVal(v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}
	return v.IsZero()
}
