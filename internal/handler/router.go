package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/vetosce/osce-tavern/backend/internal/handler/chat"
	"github.com/vetosce/osce-tavern/backend/internal/handler/events"
	"github.com/vetosce/osce-tavern/backend/internal/handler/persona"
	"github.com/vetosce/osce-tavern/backend/internal/handler/scenario"
	"github.com/vetosce/osce-tavern/backend/internal/handler/stream"
	middlewarePkg "github.com/vetosce/osce-tavern/backend/internal/middleware"
	personaModel "github.com/vetosce/osce-tavern/backend/internal/model/persona"
	scenarioModel "github.com/vetosce/osce-tavern/backend/internal/model/scenario"
	chatService "github.com/vetosce/osce-tavern/backend/internal/service/chat"
	"github.com/vetosce/osce-tavern/backend/internal/telemetry"
	"github.com/vetosce/osce-tavern/backend/pkg/utils"
)

// Deps are the services the HTTP layer is built on. AI may be nil.
type Deps struct {
	Personas personaModel.Store
	Catalog  *scenarioModel.Catalog
	Chat     *chatService.Service
	AI       stream.Responder
	Hub      *telemetry.Hub
	Logger   *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{"status": "ok", "ai": deps.AI != nil})
	})

	r.Route("/api", func(api chi.Router) {
		persona.New(deps.Personas).RegisterRoutes(api)
		scenario.New(deps.Catalog).RegisterRoutes(api)
		chat.New(deps.Chat, logger).RegisterRoutes(api)

		if deps.Hub != nil {
			events.New(deps.Hub, deps.Chat, logger).RegisterRoutes(api)
		}

		if deps.AI != nil {
			api.Get("/stream/{sessionID}", stream.New(deps.AI, deps.Chat, deps.Personas, logger).HandleStream)
		} else {
			api.Get("/stream/{sessionID}", func(w http.ResponseWriter, r *http.Request) {
				utils.RespondError(w, http.StatusServiceUnavailable, "ai streaming unavailable")
			})
		}
	})

	return r
}
