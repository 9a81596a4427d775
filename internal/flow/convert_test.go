package flow

import (
	"encoding/json"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestAssert(t *testing.T) {
	conv := Assert[string]()
	if v, err := conv("x"); err != nil || v != "x" {
		t.Fatalf("Assert(\"x\") = %q, %v", v, err)
	}
	if _, err := conv(42); err == nil {
		t.Fatal("Assert accepted an int for string")
	}
}

func TestJSON(t *testing.T) {
	conv := JSON[map[string]int]()
	v, err := conv(json.RawMessage(`{"a":1}`))
	if err != nil || v["a"] != 1 {
		t.Fatalf("JSON = %v, %v", v, err)
	}
	if _, err := conv([]byte(`{`)); err == nil {
		t.Fatal("JSON accepted truncated input")
	}
	if _, err := conv(3.14); err == nil {
		t.Fatal("JSON accepted a float")
	}
}

func TestCBOR(t *testing.T) {
	data, err := cbor.Marshal(map[string]any{"level": 7, "name": "tank"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	v, err := CBOR[any]()(data)
	if err != nil {
		t.Fatalf("CBOR: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("decoded %T, want map[string]any", v)
	}
	if m["name"] != "tank" {
		t.Fatalf("name = %v", m["name"])
	}
	// string-keyed maps must survive a JSON round trip
	if _, err := json.Marshal(m); err != nil {
		t.Fatalf("json.Marshal of decoded cbor: %v", err)
	}

	if _, err := CBOR[int]()([]byte{0xff}); err == nil {
		t.Fatal("CBOR accepted garbage")
	}
}
