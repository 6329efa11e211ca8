package hub

import (
	"context"

	"go.uber.org/zap"

	"github.com/DoyleJ11/lobby-sync/internal/lobby"
)

type HubMsg interface{ isHubMsg() }

// Session is one lobby view plus the preference source feeding it.
type Session struct {
	Code        string
	Lobby       *lobby.Lobby
	Preferences chan<- lobby.Preference
}

type CreateLobby struct {
	Code  string
	Reply chan *Session
}

type GetLobby struct {
	Code  string
	Reply chan *Session
}

type EnsureLobby struct {
	Code  string
	Reply chan *Session
}

type RemoveLobby struct {
	Code string
}

type Hub struct {
	inbox    chan HubMsg
	sessions map[string]*Session
	opts     lobby.Options
	root     *zap.Logger
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

type ShutdownHub struct{}

func (CreateLobby) isHubMsg() {}
func (GetLobby) isHubMsg()    {}
func (EnsureLobby) isHubMsg() {}
func (RemoveLobby) isHubMsg() {}
func (ShutdownHub) isHubMsg() {}

// NewHub starts the hub loop. opts is the template for every lobby it
// creates; Preferences and Logger are set per session.
func NewHub(parent context.Context, opts lobby.Options) *Hub {
	ctx, cancel := context.WithCancel(parent)
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		inbox:    make(chan HubMsg, 64),
		sessions: make(map[string]*Session),
		opts:     opts,
		root:     log,
		log:      log.Named("hub"),
		ctx:      ctx,
		cancel:   cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateLobby, EnsureLobby:
				code, reply := createArgs(msg)
				if s := h.sessions[code]; s != nil {
					reply <- s
					break
				}
				reply <- h.open(code)

			case GetLobby:
				msg.Reply <- h.sessions[msg.Code] // May be nil

			case RemoveLobby:
				if s := h.sessions[msg.Code]; s != nil {
					s.stop()
					delete(h.sessions, msg.Code)
					h.log.Info("lobby removed", zap.String("code", msg.Code))
				}

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func createArgs(m HubMsg) (string, chan *Session) {
	switch msg := m.(type) {
	case CreateLobby:
		return msg.Code, msg.Reply
	case EnsureLobby:
		return msg.Code, msg.Reply
	}
	return "", nil
}

func (h *Hub) open(code string) *Session {
	prefs := make(chan lobby.Preference)
	opts := h.opts
	opts.Preferences = prefs
	opts.Logger = h.root.With(zap.String("code", code))

	s := &Session{
		Code:        code,
		Lobby:       lobby.NewLobby(h.ctx, opts),
		Preferences: prefs,
	}
	h.sessions[code] = s
	h.log.Info("lobby created", zap.String("code", code), zap.Int("lobbies", len(h.sessions)))
	return s
}

func (h *Hub) shutdown() {
	for code, s := range h.sessions {
		s.stop()
		delete(h.sessions, code)
	}
	h.cancel()
}

func (s *Session) stop() {
	select {
	case s.Lobby.Inbox() <- lobby.Shutdown{}:
	case <-s.Lobby.Done():
	}
}

// SetPreference delivers p to the session's lobby.
func (s *Session) SetPreference(ctx context.Context, p lobby.Preference) error {
	select {
	case s.Preferences <- p:
		return nil
	case <-s.Lobby.Done():
		return lobby.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
