package filters

// Kind distinguishes a long-lived server-push subscription from a
// one-shot initial-state fetch: the two shapes the register algorithm
// supports.
type Kind int

const (
	KindStreaming Kind = iota
	KindOneShot
)

// EventType names one row of the Filter Registry.
type EventType string

const (
	EventLocationUpdate       EventType = "locationUpdate"
	EventTagDiffStream        EventType = "tagDiffStream"
	EventP2PDistanceStream    EventType = "p2pDistanceStream"
	EventAlertDiffStream      EventType = "alertDiffStream"
	EventTwrStream            EventType = "twrStream"
	EventContactTracingStream EventType = "contactTracingStream"
	EventTagState             EventType = "tagState"
	EventAlertState           EventType = "alertState"
	EventSite                 EventType = "site"
)

// Entry is everything the Event Channel needs to know about one event
// type: the wire verbs and the filtering strategy.
type Entry struct {
	Kind Kind

	// Streaming fields.
	SubscribeAction   string
	UnsubscribeAction string
	ResponseAction    string

	// One-shot fields. FetchUniqueID overrides the outbound uniqueId
	// when it differs from FetchAction (the getInitialTagState quirk).
	// ResponseUniqueID, when set, is the key the response is expected to
	// resolve under after the Request Handler's special-case rewrite
	// (see wire.go); callers track the request under this key instead of
	// FetchUniqueID. Empty means no rewrite applies: FetchUniqueID is
	// used for both the outbound frame and the tracked-request key.
	FetchAction      string
	FetchUniqueID    string
	ResponseUniqueID string

	AllowedKeys map[string]struct{}
	Filter      FilterFunc
}

func keySet(ks ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(ks))
	for _, k := range ks {
		m[k] = struct{}{}
	}
	return m
}

// Registry is the static table of event types and their subscribe,
// unsubscribe and fetch verbs. The refreshToken verb and the
// contact-tracing history fetch are sent without going through it.
var Registry = map[EventType]Entry{
	EventLocationUpdate: {
		Kind:              KindStreaming,
		SubscribeAction:   "registerTagLocation",
		UnsubscribeAction: "unregisterTagLocation",
		ResponseAction:    "locationUpdate",
		AllowedKeys:       keySet("deviceIds"),
		Filter:            DeviceIDFilter(KeyIsMapKey),
	},
	EventTagDiffStream: {
		Kind:              KindStreaming,
		SubscribeAction:   "registerTagDiffStream",
		UnsubscribeAction: "unregisterTagDiffStream",
		ResponseAction:    "tagDiffUpdate",
		AllowedKeys:       keySet("deviceIds"),
		Filter:            DeviceIDFilter(KeyIsMapKey),
	},
	EventP2PDistanceStream: {
		Kind:              KindStreaming,
		SubscribeAction:   "registerP2PDistanceStream",
		UnsubscribeAction: "unregisterP2PDistanceStream",
		ResponseAction:    "p2pDistanceUpdate",
		AllowedKeys:       keySet("deviceIds"),
		Filter:            DeviceIDFilter(KeyFieldTagPair),
	},
	EventAlertDiffStream: {
		Kind:              KindStreaming,
		SubscribeAction:   "registerAlertDiffStream",
		UnsubscribeAction: "unregisterAlertDiffStream",
		ResponseAction:    "alertDiffUpdate",
		AllowedKeys:       keySet("deviceIds"),
		Filter:            DeviceIDFilter(KeyFieldDeviceID),
	},
	EventTwrStream: {
		Kind:              KindStreaming,
		SubscribeAction:   "registerTwrStream",
		UnsubscribeAction: "unregisterTwrStream",
		ResponseAction:    "twrUpdate",
		AllowedKeys:       keySet("tagDeviceIds", "beaconDeviceIds"),
		Filter:            TWRFilter(),
	},
	EventContactTracingStream: {
		Kind:              KindStreaming,
		SubscribeAction:   "registerContactTracingStream",
		UnsubscribeAction: "unregisterContactTracingStream",
		ResponseAction:    "contactTracingUpdate",
		AllowedKeys:       keySet("deviceIds"),
		Filter:            DeviceIDFilter(KeyFieldDeviceID),
	},
	EventTagState: {
		Kind:             KindOneShot,
		FetchAction:      "initialTagState",
		FetchUniqueID:    "getInitialTagState",
		ResponseUniqueID: "initialTagState",
		AllowedKeys:      keySet("deviceIds"),
		Filter:           InitialStateFilter(TagStateAttributes),
	},
	EventAlertState: {
		Kind:          KindOneShot,
		FetchAction:   "initialAlertState",
		FetchUniqueID: "getInitialAlertState",
		AllowedKeys:   keySet("deviceIds"),
		Filter:        InitialStateFilter(AlertStateAttributes),
	},
	EventSite: {
		Kind:          KindOneShot,
		FetchAction:   "getSite",
		FetchUniqueID: "getSite",
		AllowedKeys:   keySet(),
		Filter:        NoOpFilter(),
	},
}

// Lookup returns the registry entry for t and whether it exists.
func Lookup(t EventType) (Entry, bool) {
	e, ok := Registry[t]
	return e, ok
}

// ValidateKeys reports whether every key in filterArgs is in e's allowed
// set, the first validation step of register.
func (e Entry) ValidateKeys(filterArgs map[string]interface{}) (badKey string, ok bool) {
	for k := range filterArgs {
		if _, allowed := e.AllowedKeys[k]; !allowed {
			return k, false
		}
	}
	return "", true
}
