package protocol

import "testing"

func TestLobbyRelayCode(t *testing.T) {
	tests := []struct {
		name  string
		lobby *Lobby
		want  string
	}{
		{"nil lobby", nil, ""},
		{"no data", &Lobby{}, ""},
		{"empty relay code", &Lobby{Data: map[string]DataObject{KeyRelayCode: {Value: ""}}}, ""},
		{"relay code", &Lobby{Data: map[string]DataObject{KeyRelayCode: {Value: "JOIN1"}}}, "JOIN1"},
		{"legacy key", &Lobby{Data: map[string]DataObject{KeyJoinCode: {Value: "OLD"}}}, "OLD"},
		{"relay code wins", &Lobby{Data: map[string]DataObject{
			KeyRelayCode: {Value: "NEW"},
			KeyJoinCode:  {Value: "OLD"},
		}}, "NEW"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.lobby.RelayCode(); got != tt.want {
				t.Errorf("RelayCode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLobbyCloneIsDeep(t *testing.T) {
	orig := &Lobby{
		ID:   "L1",
		Data: map[string]DataObject{KeyRelayCode: {Value: ""}},
		Players: []Player{{
			ID:   "p1",
			Data: map[string]PlayerDataObject{"Name": {Value: "alice"}},
		}},
	}
	c := orig.Clone()
	c.Data[KeyRelayCode] = DataObject{Value: "changed"}
	c.Players[0].ID = "p2"
	c.Players[0].Data["Name"] = PlayerDataObject{Value: "bob"}

	if orig.Data[KeyRelayCode].Value != "" {
		t.Error("clone shares Data with original")
	}
	if orig.Players[0].ID != "p1" {
		t.Error("clone shares Players with original")
	}
	if orig.Players[0].Data["Name"].Value != "alice" {
		t.Error("clone shares player Data with original")
	}
}
