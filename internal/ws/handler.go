package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/lobby-sync/internal/hub"
	"github.com/DoyleJ11/lobby-sync/internal/lobby"
	"github.com/DoyleJ11/lobby-sync/internal/seek"
	"github.com/DoyleJ11/lobby-sync/internal/types"
)

// Handler serves /ws?code=XXXXXX. Inbound frames feed the lobby; every redraw is
// filtered with the connection's criteria and written back as a LobbyView.
func Handler(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	log = log.Named("ws")
	return func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}

		initial, err := seek.ParseCriteria(r.URL.Query())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		reply := make(chan *hub.Session, 1)
		h.Inbox() <- hub.GetLobby{Code: code, Reply: reply}
		s := <-reply
		if s == nil {
			http.Error(w, "lobby not found", http.StatusNotFound)
			return
		}
		lb := s.Lobby

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// In dev ONLY, you can loosen origin checks:
			// OriginPatterns: []string{"http://localhost:*", "http://127.0.0.1:*"},
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		var criteria atomic.Pointer[seek.Criteria]
		criteria.Store(&initial)

		out := make(chan lobby.Snapshot, 8)
		clientID := uuid.NewString()
		clog := log.With(zap.String("code", code), zap.String("client", clientID))

		select {
		case lb.Inbox() <- lobby.Join{ClientID: clientID, Outbox: out}:
		case <-lb.Done():
			return
		}
		defer func() {
			select {
			case lb.Inbox() <- lobby.Leave{ClientID: clientID}:
			case <-lb.Done():
			}
		}()
		clog.Debug("client joined")

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for snap := range out {
				if err := writeView(writeCtx, conn, snap, *criteria.Load()); err != nil {
					clog.Debug("write failed", zap.Error(err))
				}
			}
			// out is closed on Leave, shutdown or when the lobby dropped us as slow
			conn.Close(websocket.StatusGoingAway, "lobby gone")
		}()

		// Reader loop
		for {
			ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				// Treat clean close/going-away as normal:
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					clog.Debug("client left")
					return
				}
				// Otherwise, just exit (lobby.Leave in defer):
				clog.Debug("read failed", zap.Error(err))
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				writeError(r.Context(), conn, "bad json")
				continue
			}

			if cm.Type == types.TypeFilter {
				var c seek.Criteria
				if err := json.Unmarshal(cm.Data, &c); err != nil {
					writeError(r.Context(), conn, "bad filter")
					continue
				}
				criteria.Store(&c)
				v, err := lb.State(r.Context())
				if err != nil {
					return
				}
				writeView(r.Context(), conn, lobby.Snapshot{Version: v.Version, Tab: v.Tab, Mode: v.Mode, Hooks: v.Hooks}, c)
				continue
			}

			handled, err := lb.Receive(r.Context(), cm.ToLobby())
			if err != nil {
				clog.Debug("lobby gone", zap.Error(err))
				return
			}
			if !handled {
				writeError(r.Context(), conn, "unknown type")
			}
		}
	}
}

// View renders one snapshot for a client.
func View(snap lobby.Snapshot, c seek.Criteria) types.ServerMessage {
	p := seek.Filter(snap.Hooks, c)
	return types.ServerMessage{
		Type:    "LobbyView",
		Version: snap.Version,
		Tab:     string(snap.Tab),
		Mode:    string(snap.Mode),
		Visible: p.Visible,
		Hidden:  p.Hidden,
	}
}

func writeView(ctx context.Context, conn *websocket.Conn, snap lobby.Snapshot, c seek.Criteria) error {
	payload, err := json.Marshal(View(snap, c))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}

func writeError(ctx context.Context, conn *websocket.Conn, msg string) {
	payload, _ := json.Marshal(types.ServerMessage{Type: "Error", Error: msg})
	_ = conn.Write(ctx, websocket.MessageText, payload)
}
