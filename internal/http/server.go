// README: API gateway; builds the gin engine and delegates to module services.
package http

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"carpool/internal/infra"
	"carpool/internal/modules/booking"
	"carpool/internal/modules/matching"
	"carpool/internal/modules/offer"
)

type ServerDeps struct {
	Offers   *offer.Service
	Matching *matching.Service
	Bookings *booking.Coordinator
	Verifier infra.TokenVerifier
	Logger   *slog.Logger
}

type Server struct {
	deps ServerDeps
}

func NewServer(deps ServerDeps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{deps: deps}
}

// Routes returns the engine with every route registered.
func (s *Server) Routes() *gin.Engine {
	engine := gin.New()
	registerRoutes(engine, s.deps)
	return engine
}
