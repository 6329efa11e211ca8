package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/lobby-sync/internal/hub"
	"github.com/DoyleJ11/lobby-sync/internal/ws"
)

func SetupRoutes(h *hub.Hub, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	hd := handlers{hub: h, log: log.Named("http")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Public routes
	r.Post("/lobbies", hd.CreateLobby)
	r.Route("/lobbies/{code}", func(r chi.Router) {
		r.Delete("/", hd.DeleteLobby)
		r.Get("/hooks", hd.Hooks)
		r.Post("/messages", hd.Message)
		r.Put("/tab", hd.SetTab)
		r.Put("/preferences", hd.SetPreferences)
		r.Get("/activity", hd.Activity)
	})
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(h, log))
	return r
}
