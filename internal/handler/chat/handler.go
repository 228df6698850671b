package chat

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/datadrape/datadrape-ai/backend/internal/logging"
	"github.com/datadrape/datadrape-ai/backend/internal/model/chat"
	chatService "github.com/datadrape/datadrape-ai/backend/internal/service/chat"
	"github.com/datadrape/datadrape-ai/backend/internal/service/relay"
	"github.com/datadrape/datadrape-ai/backend/pkg/utils"
)

const (
	msgInvalidBody  = "invalid request body"
	msgBodyTooLarge = "request body too large"

	defaultMaxBody = 16 << 20
)

// Streamer relays a normalized conversation to the model API.
type Streamer interface {
	Ready() error
	Stream(ctx context.Context, messages []chat.Message) (*schema.StreamReader[chat.Delta], error)
}

// Handler serves the chat relay endpoints.
type Handler struct {
	relay    Streamer
	upgrader websocket.Upgrader
	maxBody  int64
	log      *logrus.Entry
}

// New creates a chat handler. checkOrigin decides which browser origins
// may open the WebSocket endpoint; maxBody caps a request body or a
// WebSocket frame.
func New(relay Streamer, checkOrigin func(origin string) bool, maxBody int64, logger logrus.FieldLogger) *Handler {
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return &Handler{
		relay:   relay,
		maxBody: maxBody,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || checkOrigin == nil || checkOrigin(origin)
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		log: logging.Component(logger, "chat"),
	}
}

// RegisterRoutes mounts the chat routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
	r.Get("/chat/ws", h.handleWebSocket)
}

type chatRequest struct {
	Messages []chat.InboundMessage `json:"messages"`
}

// handleChat relays one conversation as Server-Sent Events.
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	if err := h.relay.Ready(); err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.RespondError(w, http.StatusRequestEntityTooLarge, msgBodyTooLarge)
			return
		}
		utils.RespondError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}

	var payload chatRequest
	if err := sonic.Unmarshal(body, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}

	messages, err := chatService.Normalize(payload.Messages)
	if err != nil {
		h.respondStartError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	stream, err := h.relay.Stream(r.Context(), messages)
	if err != nil {
		h.respondStartError(w, r, err)
		return
	}
	defer stream.Close()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := logging.WithRequest(r.Context(), h.log)
	for {
		delta, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			return
		}
		if recvErr != nil {
			log.WithError(recvErr).Warn("relay stream failed")
			return
		}

		if err := utils.WriteDelta(w, flusher, delta); err != nil {
			log.WithError(err).Debug("client went away mid-stream")
			return
		}
	}
}

// respondStartError maps a failure that happens before the stream opens
// to a JSON error response.
func (h *Handler) respondStartError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := startErrorStatus(err)
	if status >= http.StatusInternalServerError {
		logging.WithRequest(r.Context(), h.log).WithError(err).Error("failed to start chat stream")
	}
	utils.RespondError(w, status, message)
}

func startErrorStatus(err error) (int, string) {
	var validationErr *chatService.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, validationErr.Message
	case errors.Is(err, relay.ErrNoMessages):
		return http.StatusBadRequest, chatService.MsgNoMessages
	default:
		return http.StatusInternalServerError, err.Error()
	}
}
