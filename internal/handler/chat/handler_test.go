package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datadrape/datadrape-ai/backend/internal/config"
	"github.com/datadrape/datadrape-ai/backend/internal/model/chat"
	"github.com/datadrape/datadrape-ai/backend/internal/service/relay"
)

type fakeStreamer struct {
	ready  error
	deltas []chat.Delta
	calls  int
	got    []chat.Message
}

func (f *fakeStreamer) Ready() error {
	return f.ready
}

func (f *fakeStreamer) Stream(_ context.Context, messages []chat.Message) (*schema.StreamReader[chat.Delta], error) {
	f.calls++
	f.got = messages
	return schema.StreamReaderFromArray(f.deltas), nil
}

const testMaxBody = 64 << 10

func setupRouter(streamer Streamer) *chi.Mux {
	r := chi.NewRouter()
	New(streamer, func(origin string) bool { return origin == "https://datadrape.com" }, testMaxBody, nil).RegisterRoutes(r)
	return r
}

func postChat(t *testing.T, r http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func upstream(t *testing.T, handler http.HandlerFunc) config.UpstreamConfig {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return config.UpstreamConfig{
		APIKey:   "sk-test",
		BaseURL:  srv.URL,
		Model:    "test/model",
		SiteURL:  "https://datadrape.com",
		SiteName: "DataDrape AI",
		Timeout:  5 * time.Second,
	}
}

func TestChatMissingAPIKey(t *testing.T) {
	streamer := &fakeStreamer{ready: config.ErrMissingAPIKey}
	resp := postChat(t, setupRouter(streamer), `{"messages":[{"role":"user","content":"hi"}]}`)

	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.JSONEq(t, `{"error":"OpenRouter API key not configured"}`, resp.Body.String())
	assert.Zero(t, streamer.calls)
}

func TestChatRejectsBadInputBeforeStreaming(t *testing.T) {
	cases := map[string]struct {
		body    string
		message string
	}{
		"empty list":     {`{"messages":[]}`, "No messages provided"},
		"missing list":   {`{}`, "No messages provided"},
		"malformed json": {`{"messages":`, "invalid request body"},
		"unknown part": {
			`{"messages":[{"role":"user","content":[{"type":"audio","data":"..."}]}]}`,
			`message 0: unsupported content part type "audio"`,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			streamer := &fakeStreamer{}
			resp := postChat(t, setupRouter(streamer), tc.body)

			assert.Equal(t, http.StatusBadRequest, resp.Code)
			assert.JSONEq(t, fmt.Sprintf(`{"error":%q}`, tc.message), resp.Body.String())
			assert.Zero(t, streamer.calls)
		})
	}
}

func TestChatRejectsOversizedBody(t *testing.T) {
	streamer := &fakeStreamer{}
	body := `{"messages":[{"role":"user","content":"` + strings.Repeat("a", testMaxBody) + `"}]}`
	resp := postChat(t, setupRouter(streamer), body)

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)
	assert.JSONEq(t, `{"error":"request body too large"}`, resp.Body.String())
	assert.Zero(t, streamer.calls)
}

func TestChatNormalizesAndStreams(t *testing.T) {
	streamer := &fakeStreamer{deltas: []chat.Delta{chat.ContentDelta("Hel"), chat.ContentDelta("lo"), chat.DoneDelta()}}
	resp := postChat(t, setupRouter(streamer), `{"messages":[{"role":"system","content":"be brief"},{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "text/event-stream", resp.Header().Get("Content-Type"))
	assert.Equal(t,
		"data: {\"content\":\"Hel\"}\n\ndata: {\"content\":\"lo\"}\n\ndata: [DONE]\n\n",
		resp.Body.String())

	require.Len(t, streamer.got, 2)
	assert.Equal(t, chat.RoleSystem, streamer.got[0].Role)
	assert.Equal(t, []chat.ContentPart{chat.TextPart("be brief")}, streamer.got[0].Content)
	assert.Equal(t, []chat.ContentPart{chat.TextPart("hi")}, streamer.got[1].Content)
}

func TestChatRelaysUpstreamEndToEnd(t *testing.T) {
	cfg := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	resp := postChat(t, setupRouter(relay.NewClient(cfg)), `{"messages":[{"role":"user","content":"hello"}]}`)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "data: {\"content\":\"Hi\"}\n\ndata: [DONE]\n\n", resp.Body.String())
}

func TestChatForwardsMessagesVerbatim(t *testing.T) {
	messages := `[{"role":"user","cache_control":{"type":"ephemeral"},` +
		`"content":[{"type":"text","text":"x","cache_control":{"type":"ephemeral"}}]}]`

	forwarded := make(chan string, 1)
	cfg := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages json.RawMessage `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			forwarded <- string(body.Messages)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	resp := postChat(t, setupRouter(relay.NewClient(cfg)), `{"messages":`+messages+`}`)
	require.Equal(t, http.StatusOK, resp.Code)

	select {
	case got := <-forwarded:
		assert.JSONEq(t, messages, got)
	case <-time.After(time.Second):
		t.Fatal("upstream did not receive a decodable body")
	}
}

func TestChatRelaysUpstreamFailureInStream(t *testing.T) {
	cfg := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "overloaded")
	})

	resp := postChat(t, setupRouter(relay.NewClient(cfg)), `{"messages":[{"role":"user","content":"hello"}]}`)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "data: {\"error\":\"API error: overloaded\"}\n\n", resp.Body.String())
}

func dialChat(t *testing.T, streamer Streamer, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	srv := httptest.NewServer(setupRouter(streamer))
	t.Cleanup(srv.Close)
	return websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/chat/ws", header)
}

func TestWebSocketConversation(t *testing.T) {
	streamer := &fakeStreamer{deltas: []chat.Delta{chat.ContentDelta("Hi"), chat.DoneDelta()}}
	conn, _, err := dialChat(t, streamer, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"messages":[{"role":"user","content":"hello"}]}`)))

	var frames []string
	for range 2 {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		frames = append(frames, string(data))
	}
	assert.JSONEq(t, `{"content":"Hi"}`, frames[0])
	assert.JSONEq(t, `{"done":true}`, frames[1])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"messages":[]}`)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"No messages provided"}`, string(data))
}

func TestWebSocketDisconnectReleasesUpstream(t *testing.T) {
	released := make(chan struct{})
	cfg := upstream(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(released)
	})

	conn, _, err := dialChat(t, relay.NewClient(cfg), nil)
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"messages":[{"role":"user","content":"hello"}]}`)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"Hi"}`, string(data))

	require.NoError(t, conn.Close())

	select {
	case <-released:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream request still open after the client went away")
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	_, resp, err := dialChat(t, &fakeStreamer{}, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocketMissingAPIKey(t *testing.T) {
	_, resp, err := dialChat(t, &fakeStreamer{ready: config.ErrMissingAPIKey}, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
