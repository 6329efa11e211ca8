package lobby

import (
	"context"
	"encoding/json"

	"github.com/DoyleJ11/lobby-sync/internal/seek"
)

// Inbound message types pushed by the lobby socket.
const (
	TypeHookAdd     = "had"          // open or update, payload is a hook
	TypeHookRemove  = "hrm"          // payload is a single id
	TypeHookList    = "hli"          // payload is a comma separated id list
	TypeReloadSeeks = "reload_seeks" // no payload
)

// Message is one inbound socket event. Version is the server sequence of the
// delta when the server sends one, zero otherwise.
type Message struct {
	Type    string
	Data    json.RawMessage
	Version int64
}

type Tab string

const (
	TabRealTime Tab = "real_time"
	TabSeeks    Tab = "seeks"
)

type Mode string

const (
	ModeList  Mode = "list"
	ModeChart Mode = "chart"
)

type FeatureState string

const (
	FeatureAbsent  FeatureState = "absent"
	FeatureLoading FeatureState = "loading"
	FeatureActive  FeatureState = "active"
)

// SoundSetMusic is the sound preference that turns the side feature on.
const SoundSetMusic = "music"

// Preference is a user preference change event.
type Preference struct {
	SoundSet string
}

// Feature is the optional side capability. It sees every raw message before
// normal dispatch.
type Feature interface {
	Receive(typ string, data json.RawMessage)
}

// Reporter is implemented by features that expose numbers for the chart mode.
type Reporter interface {
	Report() map[string]float64
}

type Loader func(ctx context.Context) (Feature, error)

// Fetcher returns a fresh authoritative seek list.
type Fetcher interface {
	FetchSeeks(ctx context.Context) (seek.Snapshot, error)
}
