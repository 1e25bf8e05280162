package codec

import (
	"bytes"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

func TestJSONRoundTrip(t *testing.T) {
	c := JSON()
	in := map[string]any{"name": "OUT0", "dims": []any{2.0, 3.0}}
	b, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["name"].(string) != "OUT0" {
		t.Fatalf("roundtrip mismatch: %#v", out)
	}
}

func TestCBORDeterministic(t *testing.T) {
	c := CBOR()
	in := map[string]any{"b": 2, "a": 1}
	b1, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b2, err := c.Marshal(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("canonical CBOR must not depend on insertion order")
	}
}

func TestProtoRoundTrip(t *testing.T) {
	c := Proto()
	s, err := structpb.NewStruct(map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	b, err := c.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out structpb.Struct
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Fields["k"].GetStringValue() != "v" {
		t.Fatal("roundtrip mismatch")
	}
	if _, err := c.Marshal("not a message"); err == nil {
		t.Fatal("expected error for non-proto value")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	for _, f := range []Format{FormatJSON, FormatCBOR, FormatProto} {
		if r.Get(f) == nil {
			t.Fatalf("missing built-in codec for format %d", f)
		}
	}
	if r.Get(Format(99)) != nil {
		t.Fatal("unknown format must resolve to nil")
	}
}
