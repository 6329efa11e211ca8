// Package types holds the websocket and HTTP wire shapes.
//
// Client -> Server
//
//	{"t":"had","d":Hook,"v":version}     open, update or cancel one hook
//	{"t":"hrm","d":id,"v":version}       remove one hook; id is a string or number
//	{"t":"hli","d":"id1,id2,...","v":v}  ids the server still has
//	{"t":"reload_seeks"}                 refetch the full list
//	{"t":"filter","d":Criteria}          change this connection's criteria
//
// Server -> Client
//
//	{"type":"LobbyView","version":n,"tab":...,"mode":...,"visible":[Hook],"hidden":n}
//	{"type":"Error","error":"unknown type"}
package types

import (
	"encoding/json"

	"github.com/DoyleJ11/lobby-sync/internal/lobby"
	"github.com/DoyleJ11/lobby-sync/internal/seek"
)

// ClientMessage is one inbound socket frame. "filter" frames carry Criteria
// in Data and never reach the lobby.
type ClientMessage struct {
	Type    string          `json:"t"`
	Data    json.RawMessage `json:"d,omitempty"`
	Version int64           `json:"v,omitempty"`
}

type ServerMessage struct {
	Type    string      `json:"type"` // "LobbyView" | "Error"
	Version int         `json:"version,omitempty"`
	Tab     string      `json:"tab,omitempty"`
	Mode    string      `json:"mode,omitempty"`
	Visible []seek.Hook `json:"visible,omitempty"`
	Hidden  int         `json:"hidden,omitempty"`
	Error   string      `json:"error,omitempty"`
}

const TypeFilter = "filter"

func (m ClientMessage) ToLobby() lobby.Message {
	return lobby.Message{Type: m.Type, Data: m.Data, Version: m.Version}
}
