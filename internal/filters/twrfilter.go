package filters

import "encoding/json"

// TWRFilter is a two-set filter for time-of-arrival ranging payloads:
// keep the payload only if both "tagDeviceIds" and
// "beaconDeviceIds" (each independently wildcard when nil/absent) admit
// the payload's tId/bId.
func TWRFilter() FilterFunc {
	return func(filterArgs map[string]interface{}, payload json.RawMessage) (json.RawMessage, bool) {
		tagSet, tagWildcard := deviceIDSet(filterArgs, "tagDeviceIds")
		beaconSet, beaconWildcard := deviceIDSet(filterArgs, "beaconDeviceIds")

		var entry struct {
			TID string `json:"tId"`
			BID string `json:"bId"`
		}
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, false
		}

		if !tagWildcard {
			if _, ok := tagSet[entry.TID]; !ok {
				return nil, false
			}
		}
		if !beaconWildcard {
			if _, ok := beaconSet[entry.BID]; !ok {
				return nil, false
			}
		}
		return payload, true
	}
}

// NoOpFilter passes every payload through unchanged (site info lookups,
// and any event type with no filtering strategy).
func NoOpFilter() FilterFunc {
	return func(_ map[string]interface{}, payload json.RawMessage) (json.RawMessage, bool) {
		return payload, true
	}
}
