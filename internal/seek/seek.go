package seek

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var ErrBadID = errors.New("invalid hook id")
var ErrBadCriteria = errors.New("invalid filter criteria")

type Action string

const (
	ActionOpen   Action = "open"
	ActionCancel Action = "cancel"
)

// ID is a server-assigned hook id. The server sends either a string or a
// number; both decode to the same string form.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return ErrBadID
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: %v", ErrBadID, err)
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: %v", ErrBadID, err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("%w: %s", ErrBadID, n)
	}
	*id = ID(n.String())
	return nil
}

// Hook is an open game-seek offer. Hooks are never mutated; an update is a
// new Hook with the same ID.
type Hook struct {
	ID          ID     `json:"id"`
	Action      Action `json:"action,omitempty"`
	Variant     string `json:"variant"`
	Speed       int    `json:"s"`
	TimeControl string `json:"t"`
	Rated       int    `json:"ra,omitempty"`
	Rating      *int   `json:"rating,omitempty"`
}

func (h Hook) IsTombstone() bool { return h.Action == ActionCancel }

// Snapshot is an authoritative seek list fetched out of band. Version is the
// source's sequence at read time, zero when unknown.
type Snapshot struct {
	Version int64
	Hooks   []Hook
}

// Key collapses visually identical seeks.
type Key struct {
	Rated       int
	Variant     string
	TimeControl string
	Rating      int
	Anonymous   bool // no rating; distinct from Rating == 0
}

func (h Hook) Key() Key {
	k := Key{Rated: h.Rated, Variant: h.Variant, TimeControl: h.TimeControl}
	if h.Rating == nil {
		k.Anonymous = true
	} else {
		k.Rating = *h.Rating
	}
	return k
}

func IntPtr(v int) *int { return &v }
