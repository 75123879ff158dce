package filters

// TagStateAttributes is the positional schema for a tag's MessagePack
// array entry in an initial-state snapshot: element i names attribute
// TagStateAttributes[i]. This table lives in the filter module, next to
// the decode logic that interprets it, not in the core.
var TagStateAttributes = []string{
	"x",
	"y",
	"z",
	"areaId",
	"batteryLevel",
	"batteryVoltage",
	"temperature",
	"txPower",
	"lastSeen",
	"isMoving",
}

// AlertStateAttributes is the positional schema for an alert's
// MessagePack array entry in an initial-state snapshot.
var AlertStateAttributes = []string{
	"alertType",
	"areaId",
	"deviceId",
	"triggeredAt",
	"acknowledged",
	"priority",
}
