package utils

import (
	"fmt"
	"net/http"

	"github.com/bytedance/sonic"

	"github.com/datadrape/datadrape-ai/backend/internal/model/chat"
)

// SetupSSEHeaders prepares w for a Server-Sent Events response.
func SetupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// SendSSEChunk writes one "data: <json>" event and flushes it.
func SendSSEChunk(w http.ResponseWriter, flusher http.Flusher, payload interface{}) error {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal sse payload: %w", err)
	}
	return sendSSEData(w, flusher, data)
}

// SendSSEDone writes the literal completion marker.
func SendSSEDone(w http.ResponseWriter, flusher http.Flusher) error {
	return sendSSEData(w, flusher, []byte(chat.DoneSentinel))
}

// WriteDelta renders d in its wire form: the completion marker for done
// events and a JSON object otherwise.
func WriteDelta(w http.ResponseWriter, flusher http.Flusher, d chat.Delta) error {
	if d.Kind == chat.DeltaDone {
		return SendSSEDone(w, flusher)
	}
	return SendSSEChunk(w, flusher, d)
}

func sendSSEData(w http.ResponseWriter, flusher http.Flusher, data []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
