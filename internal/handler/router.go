package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/voice-chatter/backend/internal/handler/health"
	"github.com/zhouzirui/voice-chatter/backend/internal/handler/persona"
	"github.com/zhouzirui/voice-chatter/backend/internal/handler/speech"
	"github.com/zhouzirui/voice-chatter/backend/internal/service/session"
)

// NewRouter wires HTTP routes to core services. metrics 为 nil 时不暴露 /metrics。
func NewRouter(manager *session.Manager, metrics http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	health.New(manager).RegisterRoutes(r)
	persona.New(manager).RegisterRoutes(r)
	speech.NewWebSocketHandler(manager).RegisterRoutes(r)
	speech.New(manager).RegisterRoutes(r)

	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	return r
}
