// Package protocol defines the wire formats lobbyrelay speaks: the JSON
// bodies of the auth, relay and lobby REST services, and the bind envelope
// exchanged with a relay endpoint.
//
// A relay link begins with a single JSON bind exchange (one text WebSocket
// message in each direction), followed by raw binary WebSocket frames for
// game data.
package protocol

// Bind roles.
const (
	RoleHost   = "host"
	RolePlayer = "player"
)

// BindRequest is sent to the relay endpoint immediately after the WebSocket
// is established. It proves possession of the allocation key.
type BindRequest struct {
	// Version is the protocol version (currently 1).
	Version int `json:"version"`

	// Role is RoleHost or RolePlayer.
	Role string `json:"role"`

	AllocationID   []byte `json:"allocationId"`
	ConnectionData []byte `json:"connectionData"`

	// HostConnectionData identifies the host a player pairs with. For a
	// host it equals ConnectionData.
	HostConnectionData []byte `json:"hostConnectionData"`

	Nonce uint64 `json:"nonce"`

	// Signature is base64(HMAC-SHA256(key, allocationId|connectionData|nonce)).
	Signature string `json:"signature"`
}

// BindResponse is sent by the relay endpoint after verifying a BindRequest.
type BindResponse struct {
	// Version is the protocol version (currently 1).
	Version int `json:"version"`

	// OK is true if the relay accepted the binding.
	OK bool `json:"ok"`

	// Error is a human-readable error message if OK is false.
	Error string `json:"error,omitempty"`
}

// CurrentVersion is the current bind protocol version.
const CurrentVersion = 1
