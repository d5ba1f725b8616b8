package models

import (
	"encoding/json"
	"testing"
)

func TestStringValueRoundTrip(t *testing.T) {
	for _, s := range []string{"", "notes.txt", "line one\nline two", "uni — ✓"} {
		got, err := StringValue(s).AsString()
		if err != nil {
			t.Fatalf("AsString(%q): %v", s, err)
		}
		if got != s {
			t.Errorf("round trip = %q, want %q", got, s)
		}
	}
}

func TestBytesValueRoundTrip(t *testing.T) {
	in := []byte{0x00, 0xff, 0x10, 0x80}
	got, err := BytesValue(in).AsBytes()
	if err != nil {
		t.Fatalf("AsBytes: %v", err)
	}
	if string(got) != string(in) {
		t.Errorf("round trip = %x, want %x", got, in)
	}
}

func TestBoolValueRoundTrip(t *testing.T) {
	for _, b := range []bool{true, false} {
		got, err := BoolValue(b).AsBool()
		if err != nil {
			t.Fatalf("AsBool(%v): %v", b, err)
		}
		if got != b {
			t.Errorf("round trip = %v, want %v", got, b)
		}
	}
}

func TestChildrenValueSortsBeforeEncoding(t *testing.T) {
	a := ChildrenValue([]NodeID{"c", "a", "b"})
	b := ChildrenValue([]NodeID{"b", "c", "a"})
	if !a.Equal(b) {
		t.Errorf("equal sets should encode identically: %s vs %s", a, b)
	}
	ids, err := a.AsChildren()
	if err != nil {
		t.Fatalf("AsChildren: %v", err)
	}
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Errorf("decoded children = %v, want sorted [a b c]", ids)
	}
}

func TestChildrenValueDoesNotMutateInput(t *testing.T) {
	in := []NodeID{"c", "a"}
	ChildrenValue(in)
	if in[0] != "c" || in[1] != "a" {
		t.Errorf("input slice was reordered: %v", in)
	}
}

func TestValueDecodeWrongShape(t *testing.T) {
	if _, err := StringValue("x").AsBool(); err == nil {
		t.Error("decoding a string payload as bool should fail")
	}
	if _, err := BoolValue(true).AsChildren(); err == nil {
		t.Error("decoding a bool payload as children should fail")
	}
}

func TestValueSurvivesJSONEmbedding(t *testing.T) {
	type envelope struct {
		Payload Value `json:"payload"`
	}
	in := envelope{Payload: StringValue("hello")}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out envelope
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !in.Payload.Equal(out.Payload) {
		t.Errorf("payload changed across JSON embedding: %s vs %s", in.Payload, out.Payload)
	}
	s, err := out.Payload.AsString()
	if err != nil || s != "hello" {
		t.Errorf("decoded payload = %q, %v", s, err)
	}
}

func TestValueEqualIgnoresWhitespace(t *testing.T) {
	a := Value(`"x"`)
	b := Value(` "x" `)
	if !a.Equal(b) {
		t.Error("payloads differing only in surrounding whitespace should be equal")
	}
	if a.Equal(Value(`"y"`)) {
		t.Error("distinct payloads should not be equal")
	}
}
