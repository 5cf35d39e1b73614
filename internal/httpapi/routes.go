package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/exoview/collab/internal/config"
	"github.com/exoview/collab/internal/hub"
	"github.com/exoview/collab/internal/ws"
)

func SetupRoutes(h *hub.Hub, cfg config.Config, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(h, cfg, log))
	r.Get("/rooms/{roomID}", RoomState(h))
	return r
}
