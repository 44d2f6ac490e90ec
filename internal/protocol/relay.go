package protocol

// Region is a relay region returned by the regions listing.
type Region struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

// RegionsResponse is the body of GET /v1/regions.
type RegionsResponse struct {
	Regions []Region `json:"regions"`
}

// Endpoint is one way to reach the relay server holding an allocation.
type Endpoint struct {
	ConnectionType string `json:"connectionType"` // udp, dtls, ws, wss
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Network        string `json:"network,omitempty"`
	Reliable       bool   `json:"reliable,omitempty"`
	Secure         bool   `json:"secure,omitempty"`
}

// Allocation is a reserved relay resource. A host receives one from
// POST /v1/allocate.
type Allocation struct {
	AllocationID      string     `json:"allocationId"`
	AllocationIDBytes []byte     `json:"allocationIdBytes"`
	ConnectionData    []byte     `json:"connectionData"`
	Key               []byte     `json:"key"`
	Region            string     `json:"region,omitempty"`
	ServerEndpoints   []Endpoint `json:"serverEndpoints"`
}

// JoinAllocation is the allocation a joining player receives from
// POST /v1/join. HostConnectionData identifies the host it pairs with.
type JoinAllocation struct {
	Allocation
	HostConnectionData []byte `json:"hostConnectionData"`
}

// AllocateRequest is the body of POST /v1/allocate.
type AllocateRequest struct {
	MaxConnections int    `json:"maxConnections"`
	Region         string `json:"region,omitempty"`
}

// JoinCodeRequest is the body of POST /v1/joincode.
type JoinCodeRequest struct {
	AllocationID string `json:"allocationId"`
}

// JoinCodeResponse is the response of POST /v1/joincode.
type JoinCodeResponse struct {
	JoinCode string `json:"joinCode"`
}

// JoinRequest is the body of POST /v1/join.
type JoinRequest struct {
	JoinCode string `json:"joinCode"`
}
