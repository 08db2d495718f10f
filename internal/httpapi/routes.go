package httpapi

import (
	"net/http"

	"github.com/antioch-platform/livesync/internal/hub"
	"github.com/antioch-platform/livesync/internal/metrics"
	"github.com/antioch-platform/livesync/internal/store"
	"github.com/antioch-platform/livesync/internal/ws"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type Deps struct {
	Hub    *hub.Hub
	Repo   store.SessionRepository
	Logger *zap.Logger
	Socket ws.Options
}

func SetupRoutes(d Deps) http.Handler {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if d.Socket.Logger == nil {
		d.Socket.Logger = log
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, metrics.Middleware)

	r.Get("/healthz", Healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", CreateSession(d.Hub, d.Repo, log))
		r.Get("/", ListSessions(d.Repo, log))
		r.Get("/{id}", GetSession(d.Hub, d.Repo, log))
		r.Delete("/{id}", EndSession(d.Hub, d.Repo, log))
		r.Get("/{id}/ws", ws.Handler(d.Hub, d.Socket))
	})
	return r
}
