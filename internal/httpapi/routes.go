package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/openscore/darts-live-backend/internal/hub"
	"github.com/openscore/darts-live-backend/internal/ws"
)

func SetupRoutes(h *hub.Hub, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(h, log))

	r.Get("/matches", ListMatches(h))
	r.Get("/tournaments", ListTournaments(h))
	r.Post("/tournaments", CreateTournament(h))
	r.Post("/tournaments/{id}/join", JoinTournament(h))
	r.Post("/tournaments/{id}/winner", SetTournamentWinner(h))
	r.Delete("/tournaments/{id}", DeleteTournament(h))

	return r
}
