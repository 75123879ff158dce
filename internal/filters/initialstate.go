package filters

import (
	"encoding/base64"
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackDecoder decodes a MessagePack-encoded deviceId -> positional
// attribute array map. Exists as an interface, not a direct
// vmihailenco/msgpack call, so a caller whose server emits a different
// binary envelope can substitute their own decoder via Decoder.
type MsgpackDecoder interface {
	Decode(data []byte) (map[string][]interface{}, error)
}

type defaultMsgpackDecoder struct{}

func (defaultMsgpackDecoder) Decode(data []byte) (map[string][]interface{}, error) {
	var decoded map[string][]interface{}
	if err := msgpack.Unmarshal(data, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

// Decoder is the package-wide MsgpackDecoder used by InitialStateFilter.
// Overridable for callers whose server encodes initial-state snapshots
// differently than vmihailenco/msgpack's default map decode.
var Decoder MsgpackDecoder = defaultMsgpackDecoder{}

// InitialStateFilter is the initial state filter: the
// inbound payload is a Base64 string encoding a MessagePack map of
// deviceId -> positional attribute array. Decode it, reshape each array
// into named attributes via attrNames, then apply a map-key device-id
// filter to the reshaped result.
//
// Grounded on the decode-then-reshape pattern in
// other_examples/25c2baf8_kwsantiago-orly__pkg-protocol-ws-client.go.go,
// the one example in the retrieved pack that decodes MessagePack off a
// WebSocket frame.
func InitialStateFilter(attrNames []string) FilterFunc {
	narrow := DeviceIDFilter(KeyIsMapKey)

	return func(filterArgs map[string]interface{}, payload json.RawMessage) (json.RawMessage, bool) {
		var encoded string
		if err := json.Unmarshal(payload, &encoded); err != nil {
			return nil, false
		}

		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, false
		}

		decoded, err := Decoder.Decode(raw)
		if err != nil {
			return nil, false
		}

		named := make(map[string]map[string]interface{}, len(decoded))
		for deviceID, fields := range decoded {
			entry := make(map[string]interface{}, len(attrNames))
			for i, name := range attrNames {
				if i < len(fields) {
					entry[name] = fields[i]
				}
			}
			named[deviceID] = entry
		}

		reshaped, err := json.Marshal(named)
		if err != nil {
			return nil, false
		}
		return narrow(filterArgs, reshaped)
	}
}
