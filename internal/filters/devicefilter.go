// Package filters implements the Filter Registry: a static table mapping
// an event type to its wire verbs and its filtering strategy, plus the
// strategies themselves. Kept separate from the core package so the
// positional MessagePack schemas for domain entities live next to the
// filtering code that interprets them, not in the core.
package filters

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// FilterFunc evaluates one inbound server-push payload against a filter
// object, returning the (possibly narrowed) payload to deliver, or
// ok=false to signal "drop" (a filter must return nothing to deliver
// when the payload narrows to an empty result).
type FilterFunc func(filterArgs map[string]interface{}, payload json.RawMessage) (out json.RawMessage, ok bool)

// KeyStrategy selects how a device-id set filter locates the identifying
// device id within each entry of a keyed payload.
type KeyStrategy int

const (
	// KeyIsMapKey: payload is {"<deviceId>": <entry>, ...}; the map key
	// itself is the device id (location update, tag diff).
	KeyIsMapKey KeyStrategy = iota
	// KeyFieldDeviceID: each entry carries its own "deviceId" field
	// (alert diff, contact trace update).
	KeyFieldDeviceID
	// KeyFieldTagPair: each entry carries "tag1"/"tag2" fields; match if
	// either is in the set (p2p distance).
	KeyFieldTagPair
)

// DeviceIDFilter builds a FilterFunc implementing a device-id set filter
// for the given key strategy. A missing or nil "deviceIds"
// filter argument passes every entry through unfiltered; an empty result
// after filtering signals drop.
func DeviceIDFilter(strategy KeyStrategy) FilterFunc {
	return func(filterArgs map[string]interface{}, payload json.RawMessage) (json.RawMessage, bool) {
		allowed, wildcard := deviceIDSet(filterArgs, "deviceIds")

		var entries map[string]json.RawMessage
		if err := json.Unmarshal(payload, &entries); err != nil {
			return nil, false
		}

		kept := make(map[string]json.RawMessage, len(entries))
		for key, raw := range entries {
			if wildcard || matchesEntry(strategy, key, raw, allowed) {
				kept[key] = raw
			}
		}
		if len(kept) == 0 {
			return nil, false
		}
		out, err := json.Marshal(kept)
		if err != nil {
			return nil, false
		}
		return out, true
	}
}

func matchesEntry(strategy KeyStrategy, key string, raw json.RawMessage, allowed map[string]struct{}) bool {
	switch strategy {
	case KeyIsMapKey:
		_, ok := allowed[key]
		return ok
	case KeyFieldDeviceID:
		var v struct {
			DeviceID string `json:"deviceId"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return false
		}
		_, ok := allowed[v.DeviceID]
		return ok
	case KeyFieldTagPair:
		var v struct {
			Tag1 string `json:"tag1"`
			Tag2 string `json:"tag2"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return false
		}
		if _, ok := allowed[v.Tag1]; ok {
			return true
		}
		_, ok := allowed[v.Tag2]
		return ok
	default:
		return false
	}
}

// deviceIDSet reads filterArgs[key] as a device-id set. Returns
// (nil, true) when the argument is absent, nil, or not a recognized
// shape, meaning "wildcard: pass everything".
func deviceIDSet(filterArgs map[string]interface{}, key string) (map[string]struct{}, bool) {
	raw, present := filterArgs[key]
	if !present || raw == nil {
		return nil, true
	}

	set := make(map[string]struct{})
	switch list := raw.(type) {
	case []string:
		for _, v := range list {
			set[v] = struct{}{}
		}
	case []interface{}:
		for _, v := range list {
			set[stringify(v)] = struct{}{}
		}
	default:
		return nil, true
	}
	return set, false
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}
