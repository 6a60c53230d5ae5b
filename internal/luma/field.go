package luma

import (
	"bytes"
	"encoding/json"
)

// Field records whether a JSON key was present in the payload and whether it
// was null. A missing key leaves Set false; "key": null sets Set with a nil Value.
type Field[T any] struct {
	Value *T
	Set   bool
}

func (f *Field[T]) UnmarshalJSON(b []byte) error {
	f.Set = true
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		f.Value = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	f.Value = &v
	return nil
}

func (f Field[T]) MarshalJSON() ([]byte, error) {
	if f.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*f.Value)
}

// Present returns a set field holding v.
func Present[T any](v T) Field[T] {
	return Field[T]{Value: &v, Set: true}
}
