package relay

import (
	"bytes"
	"errors"
	"net"
	"strconv"

	"github.com/philsphicas/lobbyrelay/internal/protocol"
)

// Relay connection types.
const (
	TransportUDP  = "udp"
	TransportDTLS = "dtls"
	TransportWS   = "ws"
	TransportWSS  = "wss"
)

// DefaultTransport is the connection type Negotiate selects when none is
// requested.
const DefaultTransport = TransportDTLS

// ErrEndpointNotFound means the allocation offers no endpoint for the
// requested connection type. It is a configuration mismatch and retrying
// the same negotiation cannot succeed.
var ErrEndpointNotFound = errors.New("relay endpoint for connection type not found")

// Endpoint is a relay server address.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// SessionParameters are the resolved, transport-ready connection data for
// one relay allocation. Values are immutable: accessors return copies.
type SessionParameters struct {
	endpoint     Endpoint
	transport    string
	allocationID []byte
	connData     []byte
	peerConnData []byte
	key          []byte
}

// Endpoint returns the chosen relay server address.
func (p SessionParameters) Endpoint() Endpoint { return p.endpoint }

// Transport returns the negotiated connection type.
func (p SessionParameters) Transport() string { return p.transport }

// Secure reports whether the connection type is encrypted.
func (p SessionParameters) Secure() bool {
	return p.transport == TransportDTLS || p.transport == TransportWSS
}

// AllocationID returns the allocation id bytes.
func (p SessionParameters) AllocationID() []byte { return bytes.Clone(p.allocationID) }

// ConnectionData returns this side's connection data.
func (p SessionParameters) ConnectionData() []byte { return bytes.Clone(p.connData) }

// PeerConnectionData returns the host's connection data. For a host it
// equals ConnectionData.
func (p SessionParameters) PeerConnectionData() []byte { return bytes.Clone(p.peerConnData) }

// Key returns the allocation's HMAC key.
func (p SessionParameters) Key() []byte { return bytes.Clone(p.key) }

// IsZero reports whether p is the zero value.
func (p SessionParameters) IsZero() bool { return p.transport == "" }

// Negotiate resolves an allocation into session parameters. A host passes
// its own connection data as both own and peer; a joiner passes its own and
// the host's. The first endpoint whose connection type equals transport
// (DefaultTransport if empty) is chosen. Negotiate performs no I/O and
// returns the same result for the same inputs.
func Negotiate(alloc protocol.Allocation, own, peer []byte, transport string) (SessionParameters, error) {
	if transport == "" {
		transport = DefaultTransport
	}
	for _, ep := range alloc.ServerEndpoints {
		if ep.ConnectionType != transport {
			continue
		}
		return SessionParameters{
			endpoint:     Endpoint{Host: ep.Host, Port: ep.Port},
			transport:    transport,
			allocationID: allocationIDBytes(alloc),
			connData:     bytes.Clone(own),
			peerConnData: bytes.Clone(peer),
			key:          bytes.Clone(alloc.Key),
		}, nil
	}
	return SessionParameters{}, ErrEndpointNotFound
}

// NegotiateHost is Negotiate for a host allocation.
func NegotiateHost(alloc protocol.Allocation, transport string) (SessionParameters, error) {
	return Negotiate(alloc, alloc.ConnectionData, alloc.ConnectionData, transport)
}

// NegotiateJoin is Negotiate for a joiner allocation.
func NegotiateJoin(alloc protocol.JoinAllocation, transport string) (SessionParameters, error) {
	return Negotiate(alloc.Allocation, alloc.ConnectionData, alloc.HostConnectionData, transport)
}

func allocationIDBytes(alloc protocol.Allocation) []byte {
	if len(alloc.AllocationIDBytes) > 0 {
		return bytes.Clone(alloc.AllocationIDBytes)
	}
	return []byte(alloc.AllocationID)
}
