package protocol

import (
	"maps"
	"slices"
	"time"
)

// Lobby data keys. The host publishes the relay join code under
// KeyRelayCode; KeyJoinCode is the older key some hosts still write.
const (
	KeyRelayCode = "RELAY_CODE"
	KeyJoinCode  = "JoinCode"
)

// Player data keys of a roster entry.
const (
	PlayerKeyName = "Name"
	PlayerKeyTeam = "Team"
)

// Visibility controls who can read a lobby or player data entry.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityMember  Visibility = "member"
	VisibilityPrivate Visibility = "private"
)

// DataObject is a lobby metadata value.
type DataObject struct {
	Visibility Visibility `json:"visibility"`
	Value      string     `json:"value"`
}

// PlayerDataObject is a player metadata value.
type PlayerDataObject struct {
	Visibility Visibility `json:"visibility"`
	Value      string     `json:"value"`
}

// Player is a lobby roster entry.
type Player struct {
	ID     string                      `json:"id"`
	Data   map[string]PlayerDataObject `json:"data,omitempty"`
	Joined time.Time                   `json:"joined,omitzero"`
}

// Lobby is a lobby snapshot as returned by the directory.
type Lobby struct {
	ID             string                `json:"id"`
	LobbyCode      string                `json:"lobbyCode,omitempty"`
	Name           string                `json:"name"`
	MaxPlayers     int                   `json:"maxPlayers"`
	AvailableSlots int                   `json:"availableSlots"`
	IsPrivate      bool                  `json:"isPrivate"`
	IsLocked       bool                  `json:"isLocked"`
	HasPassword    bool                  `json:"hasPassword"`
	HostID         string                `json:"hostId"`
	Data           map[string]DataObject `json:"data,omitempty"`
	Players        []Player              `json:"players"`
	Created        time.Time             `json:"created,omitzero"`
	LastUpdated    time.Time             `json:"lastUpdated,omitzero"`
}

// RelayCode returns the published relay join code, or "" if the host has
// not published one yet.
func (l *Lobby) RelayCode() string {
	if l == nil {
		return ""
	}
	if d, ok := l.Data[KeyRelayCode]; ok && d.Value != "" {
		return d.Value
	}
	return l.Data[KeyJoinCode].Value
}

// Clone returns a deep copy of the lobby.
func (l *Lobby) Clone() *Lobby {
	if l == nil {
		return nil
	}
	c := *l
	c.Data = maps.Clone(l.Data)
	c.Players = slices.Clone(l.Players)
	for i := range c.Players {
		c.Players[i].Data = maps.Clone(c.Players[i].Data)
	}
	return &c
}

// CreateLobbyRequest is the body of POST /v1/create.
type CreateLobbyRequest struct {
	Name       string                `json:"name"`
	MaxPlayers int                   `json:"maxPlayers"`
	IsPrivate  bool                  `json:"isPrivate"`
	IsLocked   bool                  `json:"isLocked"`
	Player     *Player               `json:"player,omitempty"`
	Data       map[string]DataObject `json:"data,omitempty"`
}

// UpdateLobbyRequest is the body of POST /v1/{id}. Nil fields are left
// unchanged; Data entries are merged into the lobby's data.
type UpdateLobbyRequest struct {
	IsPrivate *bool                 `json:"isPrivate,omitempty"`
	IsLocked  *bool                 `json:"isLocked,omitempty"`
	Data      map[string]DataObject `json:"data,omitempty"`
}

// Query filter fields.
const (
	FieldName           = "name"
	FieldAvailableSlots = "availableSlots"
	FieldMaxPlayers     = "maxPlayers"
)

// Query filter operators.
const (
	OpContains = "CONTAINS"
	OpEqual    = "EQ"
	OpNotEqual = "NE"
	OpGreater  = "GT"
	OpLess     = "LT"
)

// QueryFilter restricts a lobby query.
type QueryFilter struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value string `json:"value"`
}

// QueryRequest is the body of POST /v1/query.
type QueryRequest struct {
	Count             int           `json:"count,omitempty"`
	ContinuationToken string        `json:"continuationToken,omitempty"`
	Filter            []QueryFilter `json:"filter,omitempty"`
}

// QueryResponse is one page of lobby query results.
type QueryResponse struct {
	Results           []Lobby `json:"results"`
	ContinuationToken string  `json:"continuationToken,omitempty"`
}

// JoinByIDRequest is the body of POST /v1/{id}/join.
type JoinByIDRequest struct {
	Player *Player `json:"player,omitempty"`
}

// JoinByCodeRequest is the body of POST /v1/joinbycode.
type JoinByCodeRequest struct {
	LobbyCode string  `json:"lobbyCode"`
	Player    *Player `json:"player,omitempty"`
}
