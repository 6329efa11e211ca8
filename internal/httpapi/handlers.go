package httpapi

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/lobby-sync/internal/hub"
	"github.com/DoyleJ11/lobby-sync/internal/lobby"
	"github.com/DoyleJ11/lobby-sync/internal/seek"
	"github.com/DoyleJ11/lobby-sync/internal/types"
	"github.com/DoyleJ11/lobby-sync/internal/ws"
)

func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := 0; i < 6; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

type handlers struct {
	hub *hub.Hub
	log *zap.Logger
}

func (hd handlers) CreateLobby(w http.ResponseWriter, r *http.Request) {
	var code string
	for {
		c, err := GenerateCode()
		if err != nil {
			http.Error(w, "failed to generate code", http.StatusInternalServerError)
			return
		}
		reply := make(chan *hub.Session, 1)
		hd.hub.Inbox() <- hub.GetLobby{Code: c, Reply: reply}
		if <-reply == nil {
			code = c
			break
		}
		hd.log.Debug("collision on code, regenerating", zap.String("code", c))
	}

	reply := make(chan *hub.Session, 1)
	hd.hub.Inbox() <- hub.EnsureLobby{Code: code, Reply: reply}
	if <-reply == nil {
		http.Error(w, "failed to create lobby", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, struct {
		Code string `json:"code"`
	}{Code: code})
}

func (hd handlers) DeleteLobby(w http.ResponseWriter, r *http.Request) {
	if hd.session(w, r) == nil {
		return
	}
	hd.hub.Inbox() <- hub.RemoveLobby{Code: chi.URLParam(r, "code")}
	w.WriteHeader(http.StatusNoContent)
}

// Hooks returns the filtered partition of the lobby's current hooks.
func (hd handlers) Hooks(w http.ResponseWriter, r *http.Request) {
	s := hd.session(w, r)
	if s == nil {
		return
	}
	criteria, err := seek.ParseCriteria(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	v, err := s.Lobby.State(r.Context())
	if err != nil {
		lobbyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws.View(lobby.Snapshot{
		Version: v.Version,
		Tab:     v.Tab,
		Mode:    v.Mode,
		Hooks:   v.Hooks,
	}, criteria))
}

// Message pushes one socket event into the lobby, for feeds that post
// instead of holding a websocket.
func (hd handlers) Message(w http.ResponseWriter, r *http.Request) {
	s := hd.session(w, r)
	if s == nil {
		return
	}
	var cm types.ClientMessage
	if err := json.NewDecoder(r.Body).Decode(&cm); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	handled, err := s.Lobby.Receive(r.Context(), cm.ToLobby())
	if err != nil {
		lobbyError(w, err)
		return
	}
	if !handled {
		http.Error(w, "unknown type", http.StatusUnprocessableEntity)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (hd handlers) SetTab(w http.ResponseWriter, r *http.Request) {
	s := hd.session(w, r)
	if s == nil {
		return
	}
	var body struct {
		Tab lobby.Tab `json:"tab"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if body.Tab != lobby.TabRealTime && body.Tab != lobby.TabSeeks {
		http.Error(w, "unknown tab", http.StatusBadRequest)
		return
	}
	select {
	case s.Lobby.Inbox() <- lobby.SetTab{Tab: body.Tab}:
	case <-s.Lobby.Done():
		lobbyError(w, lobby.ErrClosed)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (hd handlers) SetPreferences(w http.ResponseWriter, r *http.Request) {
	s := hd.session(w, r)
	if s == nil {
		return
	}
	var body struct {
		SoundSet string `json:"sound_set"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.SetPreference(r.Context(), lobby.Preference{SoundSet: body.SoundSet}); err != nil {
		lobbyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Activity reports the side feature's numbers while it is active.
func (hd handlers) Activity(w http.ResponseWriter, r *http.Request) {
	s := hd.session(w, r)
	if s == nil {
		return
	}
	v, err := s.Lobby.State(r.Context())
	if err != nil {
		lobbyError(w, err)
		return
	}
	if v.Feature != lobby.FeatureActive {
		http.Error(w, "activity feature is "+string(v.Feature), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Mode     lobby.Mode         `json:"mode"`
		Activity map[string]float64 `json:"activity"`
	}{Mode: v.Mode, Activity: v.Activity})
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (hd handlers) session(w http.ResponseWriter, r *http.Request) *hub.Session {
	reply := make(chan *hub.Session, 1)
	hd.hub.Inbox() <- hub.GetLobby{Code: chi.URLParam(r, "code"), Reply: reply}
	s := <-reply
	if s == nil {
		http.Error(w, "lobby not found", http.StatusNotFound)
	}
	return s
}

func lobbyError(w http.ResponseWriter, err error) {
	if errors.Is(err, lobby.ErrClosed) {
		http.Error(w, "lobby closed", http.StatusGone)
		return
	}
	http.Error(w, err.Error(), http.StatusServiceUnavailable)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
