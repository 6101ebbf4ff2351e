package common

import (
	"errors"
	"testing"
)

func TestDeviceIds(t *testing.T) {
	ids, err := NewDeviceIds("tk103", 8)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	id, err := ids.Encode(57045206556)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(id) < 8 {
		t.Fatalf("id %q shorter than min length", id)
	}
	serial, err := ids.Decode(id)
	if err != nil || serial != 57045206556 {
		t.Fatalf("decode %q: %d %v", id, serial, err)
	}

	other, _ := NewDeviceIds("other-salt", 8)
	if _, err := other.Decode(id); !errors.Is(err, ErrInvalidDeviceId) {
		t.Fatalf("id from another salt must not decode, got %v", err)
	}
	if _, err := ids.Decode(""); !errors.Is(err, ErrInvalidDeviceId) {
		t.Fatalf("empty id must not decode")
	}
}
