package chat

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/datadrape/datadrape-ai/backend/internal/logging"
	"github.com/datadrape/datadrape-ai/backend/internal/model/chat"
	chatService "github.com/datadrape/datadrape-ai/backend/internal/service/chat"
	"github.com/datadrape/datadrape-ai/backend/pkg/utils"
)

const (
	wsReadTimeout  = 60 * time.Second
	wsPingInterval = 54 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsMaxPending   = 8

	msgNotText = "expected a text frame"
	msgBusy    = "too many pending messages"
)

type wsFrame struct {
	text bool
	data []byte
}

// wsConn serializes data frame writes. Control frames may be written
// concurrently by gorilla itself.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) writeDelta(delta chat.Delta) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.WriteJSON(delta)
}

// handleWebSocket runs one conversation per inbound text frame and writes
// each relayed delta back as a JSON frame.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if err := h.relay.Ready(); err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	upgraded, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.WithRequest(r.Context(), h.log).WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer upgraded.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	log := logging.WithRequest(ctx, h.log)
	log.Debug("websocket connected")

	conn := &wsConn{Conn: upgraded}
	conn.SetReadLimit(h.maxBody)

	frames := make(chan wsFrame, wsMaxPending)
	go h.readLoop(ctx, cancel, conn, frames)
	go h.pingLoop(ctx, conn)

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-frames:
			if ctx.Err() != nil {
				return
			}
			if !frame.text {
				if err := conn.writeDelta(chat.ErrorDelta(msgNotText)); err != nil {
					return
				}
				continue
			}
			if err := h.converse(ctx, conn, frame.data); err != nil {
				log.WithError(err).Debug("websocket write failed")
				return
			}
		}
	}
}

// readLoop owns the read side of the connection for its whole life, so
// pongs and close frames are handled while a conversation is running. It
// cancels ctx once the peer is gone, which aborts the upstream request.
func (h *Handler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *wsConn, frames chan<- wsFrame) {
	defer cancel()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.WithRequest(ctx, h.log).WithError(err).Debug("websocket read failed")
			}
			return
		}

		select {
		case frames <- wsFrame{text: msgType == websocket.TextMessage, data: data}:
		default:
			if err := conn.writeDelta(chat.ErrorDelta(msgBusy)); err != nil {
				return
			}
		}
	}
}

// converse relays one conversation. It returns an error only when the
// connection can no longer be written to.
func (h *Handler) converse(ctx context.Context, conn *wsConn, data []byte) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := logging.WithRequest(ctx, h.log).WithField("conversation_id", uuid.NewString())

	var payload chatRequest
	if err := sonic.Unmarshal(data, &payload); err != nil {
		return conn.writeDelta(chat.ErrorDelta(msgInvalidBody))
	}

	messages, err := chatService.Normalize(payload.Messages)
	if err != nil {
		_, message := startErrorStatus(err)
		return conn.writeDelta(chat.ErrorDelta(message))
	}

	stream, err := h.relay.Stream(ctx, messages)
	if err != nil {
		_, message := startErrorStatus(err)
		log.WithError(err).Warn("failed to start chat stream")
		return conn.writeDelta(chat.ErrorDelta(message))
	}
	defer stream.Close()

	for {
		delta, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			return nil
		}
		if recvErr != nil {
			log.WithError(recvErr).Warn("relay stream failed")
			return nil
		}
		if err := conn.writeDelta(delta); err != nil {
			return err
		}
	}
}

// pingLoop keeps idle connections alive. WriteControl may run alongside
// the frame writer.
func (h *Handler) pingLoop(ctx context.Context, conn *wsConn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				h.log.WithError(err).Debug("websocket ping failed")
				return
			}
		}
	}
}
