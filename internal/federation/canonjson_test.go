package federation

import (
	"encoding/json"
	"testing"
)

func TestCanonicalJSON_SortsKeys(t *testing.T) {
	v := map[string]interface{}{"b": 1, "a": 2, "c": 3}
	got, err := CanonicalJSON(v)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"a":2,"b":1,"c":3}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalJSON_NestedAndArrays(t *testing.T) {
	v := map[string]interface{}{
		"z": []interface{}{3, 1, map[string]interface{}{"y": 1, "x": 2}},
		"a": "hello",
	}
	got, err := CanonicalJSON(v)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	want := `{"a":"hello","z":[3,1,{"x":2,"y":1}]}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalJSON_Deterministic(t *testing.T) {
	v := map[string]interface{}{"one": 1, "two": 2, "three": map[string]interface{}{"nested": true, "also": nil}}

	first, err := CanonicalJSON(v)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := CanonicalJSON(v)
		if err != nil {
			t.Fatalf("CanonicalJSON: %v", err)
		}
		if string(again) != string(first) {
			t.Fatalf("canonical output not deterministic across calls: %s vs %s", again, first)
		}
	}
}

func TestCanonicalJSONFromBytes_MatchesCanonicalJSON(t *testing.T) {
	raw := []byte(`{"b": 1, "a": [2, 1]}`)
	fromBytes, err := CanonicalJSONFromBytes(raw)
	if err != nil {
		t.Fatalf("CanonicalJSONFromBytes: %v", err)
	}

	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	fromValue, err := CanonicalJSON(decoded)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}

	if string(fromBytes) != string(fromValue) {
		t.Errorf("CanonicalJSONFromBytes = %s, want %s", fromBytes, fromValue)
	}
}

func TestCanonicalJSON_InvalidValueErrors(t *testing.T) {
	_, err := CanonicalJSON(make(chan int))
	if err == nil {
		t.Error("expected an error marshaling an unsupported type")
	}
}
