package filters

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

var errDecode = errors.New("decode failed")

func TestInitialStateFilterDecodesAndReshapes(t *testing.T) {
	raw, err := msgpack.Marshal(map[string][]interface{}{
		"7": {1.5, 2.5, 0.0, "area-1"},
	})
	if err != nil {
		t.Fatalf("msgpack marshal: %v", err)
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	payload, err := json.Marshal(encoded)
	if err != nil {
		t.Fatalf("json marshal: %v", err)
	}

	filter := InitialStateFilter([]string{"x", "y", "z", "areaId"})
	out, ok := filter(map[string]interface{}{}, payload)
	if !ok {
		t.Fatal("expected keep")
	}

	var reshaped map[string]map[string]interface{}
	if err := json.Unmarshal(out, &reshaped); err != nil {
		t.Fatalf("unmarshal reshaped payload: %v", err)
	}
	entry, ok := reshaped["7"]
	if !ok {
		t.Fatalf("expected device 7 in reshaped payload, got %v", reshaped)
	}
	if entry["areaId"] != "area-1" {
		t.Fatalf("expected areaId %q, got %v", "area-1", entry["areaId"])
	}
}

type stubDecoder struct {
	out map[string][]interface{}
	err error
}

func (s stubDecoder) Decode(data []byte) (map[string][]interface{}, error) {
	return s.out, s.err
}

func TestInitialStateFilterUsesOverriddenDecoder(t *testing.T) {
	prev := Decoder
	defer func() { Decoder = prev }()
	Decoder = stubDecoder{out: map[string][]interface{}{"9": {3.0, 4.0}}}

	encoded := base64.StdEncoding.EncodeToString([]byte("ignored-by-stub"))
	payload, _ := json.Marshal(encoded)

	filter := InitialStateFilter([]string{"x", "y"})
	out, ok := filter(map[string]interface{}{}, payload)
	if !ok {
		t.Fatal("expected keep")
	}

	var reshaped map[string]map[string]interface{}
	if err := json.Unmarshal(out, &reshaped); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := reshaped["9"]; !ok {
		t.Fatalf("expected device 9 from stub decoder, got %v", reshaped)
	}
}

func TestInitialStateFilterDropsOnDecodeError(t *testing.T) {
	prev := Decoder
	defer func() { Decoder = prev }()
	Decoder = stubDecoder{err: errDecode}

	encoded := base64.StdEncoding.EncodeToString([]byte("ignored"))
	payload, _ := json.Marshal(encoded)

	filter := InitialStateFilter([]string{"x", "y"})
	if _, ok := filter(map[string]interface{}{}, payload); ok {
		t.Fatal("expected drop on decode error")
	}
}

func TestInitialStateFilterAppliesDeviceFilterAfterReshape(t *testing.T) {
	raw, err := msgpack.Marshal(map[string][]interface{}{
		"5": {1.0, 1.0},
		"7": {2.0, 2.0},
	})
	if err != nil {
		t.Fatalf("msgpack marshal: %v", err)
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	payload, _ := json.Marshal(encoded)

	filter := InitialStateFilter([]string{"x", "y"})
	out, ok := filter(map[string]interface{}{"deviceIds": []string{"7"}}, payload)
	if !ok {
		t.Fatal("expected keep")
	}

	var reshaped map[string]map[string]interface{}
	if err := json.Unmarshal(out, &reshaped); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(reshaped) != 1 {
		t.Fatalf("expected exactly one device after filtering, got %v", reshaped)
	}
	if _, ok := reshaped["7"]; !ok {
		t.Fatalf("expected device 7 to survive, got %v", reshaped)
	}
}
