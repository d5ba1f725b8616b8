package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Value is an opaque encoded mod payload. The store never interprets
// it; decoding is keyed by the field and the owning node's kind. The
// encoding is JSON so payloads survive every codec and the wire as-is.
type Value []byte

// MarshalJSON emits the raw payload.
func (v Value) MarshalJSON() ([]byte, error) {
	if len(v) == 0 {
		return []byte("null"), nil
	}
	return v, nil
}

// UnmarshalJSON stores the raw payload.
func (v *Value) UnmarshalJSON(data []byte) error {
	*v = append((*v)[:0], data...)
	return nil
}

// Equal compares two payloads byte-wise.
func (v Value) Equal(o Value) bool {
	return bytes.Equal(bytes.TrimSpace(v), bytes.TrimSpace(o))
}

// StringValue encodes a name or text-file data payload.
func StringValue(s string) Value {
	b, _ := json.Marshal(s)
	return b
}

// AsString decodes a name or text-file data payload.
func (v Value) AsString() (string, error) {
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", fmt.Errorf("decode string value: %w", err)
	}
	return s, nil
}

// BytesValue encodes binary-file data (base64 inside JSON).
func BytesValue(b []byte) Value {
	enc, _ := json.Marshal(b)
	return enc
}

// AsBytes decodes binary-file data.
func (v Value) AsBytes() ([]byte, error) {
	var b []byte
	if err := json.Unmarshal(v, &b); err != nil {
		return nil, fmt.Errorf("decode bytes value: %w", err)
	}
	return b, nil
}

// BoolValue encodes a deleted-flag payload.
func BoolValue(b bool) Value {
	enc, _ := json.Marshal(b)
	return enc
}

// AsBool decodes a deleted-flag payload.
func (v Value) AsBool() (bool, error) {
	var b bool
	if err := json.Unmarshal(v, &b); err != nil {
		return false, fmt.Errorf("decode bool value: %w", err)
	}
	return b, nil
}

// ChildrenValue encodes a directory's child-ID set. The set is sorted
// before encoding so equal sets always produce equal payloads.
func ChildrenValue(ids []NodeID) Value {
	sorted := make([]NodeID, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	enc, _ := json.Marshal(sorted)
	return enc
}

// AsChildren decodes a directory's child-ID set.
func (v Value) AsChildren() ([]NodeID, error) {
	var ids []NodeID
	if err := json.Unmarshal(v, &ids); err != nil {
		return nil, fmt.Errorf("decode children value: %w", err)
	}
	return ids, nil
}
