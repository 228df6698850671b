package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datadrape/datadrape-ai/backend/internal/config"
	"github.com/datadrape/datadrape-ai/backend/internal/metrics"
	"github.com/datadrape/datadrape-ai/backend/internal/model/chat"
)

var userHello = []chat.Message{{Role: chat.RoleUser, Content: []chat.ContentPart{chat.TextPart("hello")}}}

func testConfig(baseURL string) config.UpstreamConfig {
	return config.UpstreamConfig{
		APIKey:   "sk-test",
		BaseURL:  baseURL,
		Model:    "test/model",
		SiteURL:  "https://datadrape.com",
		SiteName: "DataDrape AI",
		Timeout:  5 * time.Second,
	}
}

func sseServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n", line)
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func collect(t *testing.T, reader *schema.StreamReader[chat.Delta]) []chat.Delta {
	t.Helper()
	defer reader.Close()

	var out []chat.Delta
	for {
		delta, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, delta)
	}
}

type capturedRequest struct {
	header http.Header
	body   struct {
		Model    string          `json:"model"`
		Messages json.RawMessage `json:"messages"`
		Stream   bool            `json:"stream"`
	}
}

func TestStreamRelaysContentThenDone(t *testing.T) {
	captured := make(chan capturedRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req capturedRequest
		req.header = r.Header.Clone()
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req.body))
		captured <- req

		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL + "/v1"))
	reader, err := client.Stream(context.Background(), userHello)
	require.NoError(t, err)

	got := collect(t, reader)
	assert.Equal(t, []chat.Delta{chat.ContentDelta("Hi"), chat.DoneDelta()}, got)

	req := <-captured
	assert.Equal(t, "Bearer sk-test", req.header.Get("Authorization"))
	assert.Equal(t, "https://datadrape.com", req.header.Get("HTTP-Referer"))
	assert.Equal(t, "DataDrape AI", req.header.Get("X-Title"))
	assert.Equal(t, "application/json", req.header.Get("Content-Type"))
	assert.Equal(t, "text/event-stream", req.header.Get("Accept"))
	assert.Equal(t, "test/model", req.body.Model)
	assert.True(t, req.body.Stream)
	assert.JSONEq(t, `[{"role":"user","content":[{"type":"text","text":"hello"}]}]`, string(req.body.Messages))
}

func TestStreamReportsUpstreamStatusOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "overloaded")
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	client := NewClient(testConfig(srv.URL), WithMetrics(metrics.New(reg)))
	reader, err := client.Stream(context.Background(), userHello)
	require.NoError(t, err)

	got := collect(t, reader)
	assert.Equal(t, []chat.Delta{chat.ErrorDelta("API error: overloaded")}, got)
	assert.Eventually(t, func() bool {
		return testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP datadrape_relay_streams_total Relayed chat streams by terminal outcome
# TYPE datadrape_relay_streams_total counter
datadrape_relay_streams_total{outcome="upstream_status"} 1
`), "datadrape_relay_streams_total") == nil
	}, time.Second, 10*time.Millisecond)
}

func TestStreamSkipsNoiseAndCountsDroppedLines(t *testing.T) {
	srv := sseServer(t,
		": OPENROUTER PROCESSING",
		"",
		"event: ping",
		"data: {not json",
		`data: {"choices":[]}`,
		`data: {"choices":[{"delta":{"role":"assistant"}}]}`,
		`data: {"choices":[{"delta":{"content":"A"}}]}`,
		`data:{"choices":[{"delta":{"content":"B"}}]}`,
		`data: {"choices":[{"delta":{"content":""}}]}`,
		"data: [DONE]",
		`data: {"choices":[{"delta":{"content":"after done"}}]}`,
	)

	reg := prometheus.NewRegistry()
	client := NewClient(testConfig(srv.URL), WithMetrics(metrics.New(reg)))
	reader, err := client.Stream(context.Background(), userHello)
	require.NoError(t, err)

	got := collect(t, reader)
	assert.Equal(t, []chat.Delta{
		chat.ContentDelta("A"),
		chat.ContentDelta("B"),
		chat.ContentDelta(""),
		chat.DoneDelta(),
	}, got)
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP datadrape_relay_dropped_lines_total Upstream data lines skipped because their payload was not valid JSON
# TYPE datadrape_relay_dropped_lines_total counter
datadrape_relay_dropped_lines_total 1
`), "datadrape_relay_dropped_lines_total"))
}

func TestStreamEndsWithoutMarkerOnUpstreamEOF(t *testing.T) {
	srv := sseServer(t, `data: {"choices":[{"delta":{"content":"partial"}}]}`)

	client := NewClient(testConfig(srv.URL))
	reader, err := client.Stream(context.Background(), userHello)
	require.NoError(t, err)

	assert.Equal(t, []chat.Delta{chat.ContentDelta("partial")}, collect(t, reader))
}

func TestStreamReportsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient(testConfig(url))
	reader, err := client.Stream(context.Background(), userHello)
	require.NoError(t, err)

	got := collect(t, reader)
	require.Len(t, got, 1)
	assert.Equal(t, chat.DeltaError, got[0].Kind)
	assert.NotEmpty(t, got[0].Text)
}

func TestStreamTimeoutIsTransportFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"slow\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig(srv.URL)
	cfg.Timeout = 200 * time.Millisecond
	reader, err := NewClient(cfg).Stream(context.Background(), userHello)
	require.NoError(t, err)

	got := collect(t, reader)
	require.Len(t, got, 2)
	assert.Equal(t, chat.ContentDelta("slow"), got[0])
	assert.Equal(t, chat.DeltaError, got[1].Kind)
}

// endlessServer streams numbered deltas until the client goes away and
// closes the returned channel once it has.
func endlessServer(t *testing.T) (*httptest.Server, <-chan struct{}) {
	t.Helper()
	upstreamDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(upstreamDone)
		flusher := w.(http.Flusher)
		for i := 0; ; i++ {
			if _, err := fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"%d\"}}]}\n\n", i); err != nil {
				return
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, upstreamDone
}

func recvFirst(t *testing.T, reader *schema.StreamReader[chat.Delta], n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		delta, err := reader.Recv()
		require.NoError(t, err)
		assert.Equal(t, chat.ContentDelta(fmt.Sprint(i)), delta)
	}
}

func waitReleased(t *testing.T, upstreamDone <-chan struct{}) {
	t.Helper()
	select {
	case <-upstreamDone:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream request was not released")
	}
}

func TestStreamReleasesUpstreamWhenReaderClosed(t *testing.T) {
	srv, upstreamDone := endlessServer(t)

	reader, err := NewClient(testConfig(srv.URL)).Stream(context.Background(), userHello)
	require.NoError(t, err)
	recvFirst(t, reader, 2)

	reader.Close()

	waitReleased(t, upstreamDone)
}

func TestStreamReleasesUpstreamWhenContextCancelled(t *testing.T) {
	srv, upstreamDone := endlessServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	reader, err := NewClient(testConfig(srv.URL)).Stream(ctx, userHello)
	require.NoError(t, err)
	defer reader.Close()
	recvFirst(t, reader, 2)

	cancel()

	waitReleased(t, upstreamDone)

	// Deltas already read off the wire may still arrive, but no error does.
	for {
		delta, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, chat.DeltaContent, delta.Kind)
	}
}

func TestStreamPreconditions(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	_, err := NewClient(testConfig(srv.URL)).Stream(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoMessages)

	cfg := testConfig(srv.URL)
	cfg.APIKey = ""
	_, err = NewClient(cfg).Stream(context.Background(), userHello)
	assert.ErrorIs(t, err, config.ErrMissingAPIKey)

	assert.Zero(t, hits.Load())
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Stream {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Model == "broken" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"Hello, DataDrape AI is working!"}}]}`)
	}))
	defer srv.Close()

	text, err := NewClient(testConfig(srv.URL)).Complete(context.Background(), userHello)
	require.NoError(t, err)
	assert.Equal(t, "Hello, DataDrape AI is working!", text)

	cfg := testConfig(srv.URL)
	cfg.Model = "broken"
	_, err = NewClient(cfg).Complete(context.Background(), userHello)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.Equal(t, `API error: {"error":{"message":"bad key"}}`, err.Error())
}

func TestDataPayload(t *testing.T) {
	cases := []struct {
		line    string
		payload string
		ok      bool
	}{
		{"data: [DONE]", "[DONE]", true},
		{"  data: {}  ", "{}", true},
		{"data:{}", "{}", true},
		{"", "", false},
		{": comment", "", false},
		{"event: message", "", false},
	}
	for _, tc := range cases {
		payload, ok := dataPayload(tc.line)
		assert.Equal(t, tc.ok, ok, tc.line)
		assert.Equal(t, tc.payload, payload, tc.line)
	}
}
