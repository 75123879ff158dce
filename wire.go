package rtchannel

import "encoding/json"

// Envelope is the wire shape of every JSON frame exchanged after the auth
// handshake: {uniqueId, action, status, payload}. Payload decoding is
// deferred to the caller (an RPC response body, or an event-type-specific
// filter) per the "RawValue" guidance for loosely-typed server payloads.
type Envelope struct {
	UniqueID string          `json:"uniqueId"`
	Action   *string         `json:"action"`
	Status   string          `json:"status"`
	Payload  json.RawMessage `json:"payload"`
}

// OK reports whether the envelope carries a successful status.
func (e Envelope) OK() bool {
	return e.Status == statusOK
}

// outboundRequest is the shape of every frame the core sends once connected.
type outboundRequest struct {
	UniqueID string      `json:"uniqueId"`
	Action   string      `json:"action"`
	Payload  interface{} `json:"payload"`
}

// authSuccessPayload is the body of the first inbound frame after the raw
// JWT handshake frame, and also the body of a successful refreshToken
// response (see authchannel.go's refresh scheduling).
type authSuccessPayload struct {
	TokenIssued     int64 `json:"tokenIssued"`
	TokenExpiration int64 `json:"tokenExpiration"`
}

// refreshTokenPayload is the outbound payload of a refreshToken request.
type refreshTokenPayload struct {
	Token string `json:"token"`
}

const (
	statusOK = "ok"

	uniqueIDAuthSuccess = "authSuccess"

	// Special-case uniqueId rewrites, reproduced verbatim for wire
	// compatibility with a server quirk. Do not generalize these without
	// server coordination (see DESIGN.md's Open Question on this asymmetry).
	uniqueIDGetInitialTagState = "getInitialTagState"
	uniqueIDInitialTagState    = "initialTagState"
	actionInitialTagState      = "initialTagState"

	// pingFrame is the empty text frame the server sends as a liveness
	// check; pongFrame is the single-character reply.
	pingFrame = ""
	pongFrame = "1"

	actionRefreshToken = "refreshToken"
)
