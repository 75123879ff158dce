package filters

import (
	"encoding/json"
	"testing"
)

func TestDeviceIDFilterKeepsOnlyAllowedMapKeys(t *testing.T) {
	filter := DeviceIDFilter(KeyIsMapKey)
	payload := json.RawMessage(`{"5":{"x":1,"y":1},"7":{"x":2,"y":2}}`)
	args := map[string]interface{}{"deviceIds": []string{"7", "8"}}

	out, ok := filter(args, payload)
	if !ok {
		t.Fatal("expected keep, got drop")
	}

	var kept map[string]json.RawMessage
	if err := json.Unmarshal(out, &kept); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(kept) != 1 {
		t.Fatalf("expected exactly one surviving key, got %v", kept)
	}
	if _, ok := kept["7"]; !ok {
		t.Fatalf("expected key %q to survive, got %v", "7", kept)
	}
}

func TestDeviceIDFilterWildcardPassesEverything(t *testing.T) {
	filter := DeviceIDFilter(KeyIsMapKey)
	payload := json.RawMessage(`{"5":{"x":1},"7":{"x":2}}`)

	out, ok := filter(map[string]interface{}{}, payload)
	if !ok {
		t.Fatal("expected keep with no deviceIds filter")
	}
	var kept map[string]json.RawMessage
	if err := json.Unmarshal(out, &kept); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(kept) != 2 {
		t.Fatalf("expected both entries to survive, got %v", kept)
	}
}

func TestDeviceIDFilterEmptyResultDrops(t *testing.T) {
	filter := DeviceIDFilter(KeyIsMapKey)
	payload := json.RawMessage(`{"5":{"x":1}}`)
	args := map[string]interface{}{"deviceIds": []string{"9"}}

	if _, ok := filter(args, payload); ok {
		t.Fatal("expected drop when no entries match")
	}
}

func TestDeviceIDFilterFieldDeviceID(t *testing.T) {
	filter := DeviceIDFilter(KeyFieldDeviceID)
	payload := json.RawMessage(`{"a1":{"deviceId":"7","alertType":"geofence"}}`)
	args := map[string]interface{}{"deviceIds": []string{"7"}}

	out, ok := filter(args, payload)
	if !ok {
		t.Fatal("expected keep")
	}
	var kept map[string]json.RawMessage
	_ = json.Unmarshal(out, &kept)
	if _, ok := kept["a1"]; !ok {
		t.Fatalf("expected entry keyed %q to survive, got %v", "a1", kept)
	}
}

func TestDeviceIDFilterFieldTagPair(t *testing.T) {
	filter := DeviceIDFilter(KeyFieldTagPair)
	payload := json.RawMessage(`{"p1":{"tag1":"7","tag2":"9"},"p2":{"tag1":"1","tag2":"2"}}`)
	args := map[string]interface{}{"deviceIds": []string{"9"}}

	out, ok := filter(args, payload)
	if !ok {
		t.Fatal("expected keep")
	}
	var kept map[string]json.RawMessage
	_ = json.Unmarshal(out, &kept)
	if len(kept) != 1 {
		t.Fatalf("expected exactly the pair containing tag %q, got %v", "9", kept)
	}
	if _, ok := kept["p1"]; !ok {
		t.Fatalf("expected entry %q to survive, got %v", "p1", kept)
	}
}
