package health

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/datadrape/datadrape-ai/backend/pkg/utils"
)

// Response is the body of GET /health.
type Response struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Model     string `json:"model"`
}

// Handler reports liveness and the configured model.
type Handler struct {
	model string
	now   func() time.Time
}

// New creates a health handler.
func New(model string) *Handler {
	return &Handler{model: model, now: time.Now}
}

// RegisterRoutes mounts GET /health on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.handleHealth)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, Response{
		Status:    "healthy",
		Timestamp: h.now().UTC().Format(time.RFC3339),
		Model:     h.model,
	})
}
