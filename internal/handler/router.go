package handler

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/datadrape/datadrape-ai/backend/internal/config"
	"github.com/datadrape/datadrape-ai/backend/internal/handler/chat"
	"github.com/datadrape/datadrape-ai/backend/internal/handler/health"
	"github.com/datadrape/datadrape-ai/backend/internal/handler/upload"
	"github.com/datadrape/datadrape-ai/backend/internal/metrics"
	"github.com/datadrape/datadrape-ai/backend/internal/middleware"
	"github.com/datadrape/datadrape-ai/backend/pkg/utils"
)

// Relay is the chat relay as seen by the HTTP layer.
type Relay interface {
	chat.Streamer
	Model() string
}

// NewRouter wires HTTP routes to core services. m may be nil when metrics
// are disabled.
func NewRouter(cfg *config.Config, logger logrus.FieldLogger, relay Relay, encoder upload.ImageEncoder, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()

	cors := middleware.DefaultCORSConfig(cfg.CORS.AllowedOrigins)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Trace)
	r.Use(middleware.AccessLog(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.CORS(cors))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		utils.RespondError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		utils.RespondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	r.Get("/", serveIndex(cfg.Server.StaticDir))
	health.New(relay.Model()).RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		chat.New(relay, cors.OriginAllowed, cfg.Upload.ChatBodyLimit(), logger).RegisterRoutes(api)
		upload.New(encoder, logger).RegisterRoutes(api)
	})

	if m != nil && cfg.Metrics.Enabled {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	return r
}

// serveIndex serves the single-page client from dir.
func serveIndex(dir string) http.HandlerFunc {
	index := filepath.Join(dir, "index.html")
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := os.Stat(index); err != nil {
			utils.RespondError(w, http.StatusNotFound, "Not found")
			return
		}
		http.ServeFile(w, r, index)
	}
}
