package filters

import (
	"encoding/json"
	"testing"
)

func TestTWRFilterRequiresBothSets(t *testing.T) {
	filter := TWRFilter()
	payload := json.RawMessage(`{"tId":"t1","bId":"b1","distance":3.2}`)

	args := map[string]interface{}{
		"tagDeviceIds":    []string{"t1"},
		"beaconDeviceIds": []string{"b1"},
	}
	if _, ok := filter(args, payload); !ok {
		t.Fatal("expected keep when both ids are admitted")
	}

	args["beaconDeviceIds"] = []string{"other"}
	if _, ok := filter(args, payload); ok {
		t.Fatal("expected drop when beacon id is not admitted")
	}
}

func TestTWRFilterWildcardSides(t *testing.T) {
	filter := TWRFilter()
	payload := json.RawMessage(`{"tId":"t1","bId":"b1"}`)

	out, ok := filter(map[string]interface{}{}, payload)
	if !ok {
		t.Fatal("expected keep with both sides wildcard")
	}
	if string(out) != string(payload) {
		t.Fatalf("expected payload to pass through unchanged, got %s", out)
	}
}

func TestNoOpFilterPassesThrough(t *testing.T) {
	filter := NoOpFilter()
	payload := json.RawMessage(`{"name":"site-1"}`)
	out, ok := filter(map[string]interface{}{"anything": true}, payload)
	if !ok || string(out) != string(payload) {
		t.Fatalf("expected unchanged pass-through, got ok=%v out=%s", ok, out)
	}
}
