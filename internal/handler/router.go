package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/z-studio/backend/internal/handler/catalog"
	"github.com/zhouzirui/z-studio/backend/internal/handler/playback"
	"github.com/zhouzirui/z-studio/backend/internal/handler/relay"
	"github.com/zhouzirui/z-studio/backend/internal/handler/session"
	"github.com/zhouzirui/z-studio/backend/internal/handler/sync"
	middlewarePkg "github.com/zhouzirui/z-studio/backend/internal/middleware"
	"github.com/zhouzirui/z-studio/backend/pkg/utils"
)

// Handlers groups the route sets mounted under /api. A nil entry leaves
// its routes out.
type Handlers struct {
	Session  *session.Handler
	Catalog  *catalog.Handler
	Sync     *sync.Handler
	Relay    *relay.Handler
	Playback *playback.Handler
}

// NewRouter wires HTTP routes to core services.
func NewRouter(h Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		if h.Session != nil {
			h.Session.RegisterRoutes(api)
		}
		if h.Catalog != nil {
			h.Catalog.RegisterRoutes(api)
		}
		if h.Sync != nil {
			h.Sync.RegisterRoutes(api)
		}
		if h.Relay != nil {
			h.Relay.RegisterRoutes(api)
		}
		if h.Playback != nil {
			h.Playback.RegisterRoutes(api)
		} else {
			api.HandleFunc("/playback/*", func(w http.ResponseWriter, r *http.Request) {
				utils.RespondError(w, http.StatusServiceUnavailable, "speech playback unavailable")
			})
		}
	})

	return r
}
