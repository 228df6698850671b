package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/schema"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/datadrape/datadrape-ai/backend/internal/config"
	"github.com/datadrape/datadrape-ai/backend/internal/logging"
	"github.com/datadrape/datadrape-ai/backend/internal/metrics"
	"github.com/datadrape/datadrape-ai/backend/internal/model/chat"
)

const tracerName = "datadrape-ai/relay"

// Client relays chat conversations to the upstream model API.
type Client struct {
	cfg        config.UpstreamConfig
	httpClient *http.Client
	metrics    *metrics.Metrics
	log        *logrus.Entry
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithMetrics records stream outcomes and dropped lines.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithLogger sets the logger used by the client.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Client) {
		c.log = logging.Component(logger, "relay")
	}
}

// NewClient creates a relay client. The default HTTP client is bounded by
// cfg.Timeout for the whole exchange, streamed body included.
func NewClient(cfg config.UpstreamConfig, opts ...Option) *Client {
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        logging.Component(nil, "relay"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ready returns config.ErrMissingAPIKey when no credential is configured.
func (c *Client) Ready() error {
	return c.cfg.Validate()
}

// Model returns the upstream model identifier.
func (c *Client) Model() string {
	return c.cfg.Model
}

type completionRequest struct {
	Model    string         `json:"model"`
	Messages []chat.Message `json:"messages"`
	Stream   bool           `json:"stream"`
}

// Stream starts relaying messages and returns the outbound event sequence.
// Events are produced lazily: the upstream body is read one event ahead of
// the consumer at most. The reader yields io.EOF after the final event and
// must be closed by the caller; closing it early, or cancelling ctx, aborts
// the upstream request.
func (c *Client) Stream(ctx context.Context, messages []chat.Message) (*schema.StreamReader[chat.Delta], error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, ErrNoMessages
	}

	body, err := sonic.Marshal(completionRequest{Model: c.cfg.Model, Messages: messages, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upstream request: %w", err)
	}

	reader, writer := schema.Pipe[chat.Delta](0)
	go c.pump(ctx, body, len(messages), writer)
	return reader, nil
}

// Complete sends a non-streamed request and returns the reply text.
func (c *Client) Complete(ctx context.Context, messages []chat.Message) (string, error) {
	if err := c.cfg.Validate(); err != nil {
		return "", err
	}
	if len(messages) == 0 {
		return "", ErrNoMessages
	}

	body, err := sonic.Marshal(completionRequest{Model: c.cfg.Model, Messages: messages, Stream: false})
	if err != nil {
		return "", fmt.Errorf("failed to marshal upstream request: %w", err)
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "relay.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", c.cfg.Model),
		attribute.Int("llm.input_messages", len(messages)),
	)

	resp, err := c.send(ctx, body, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	var out completion
	if err := sonic.Unmarshal(raw, &out); err != nil {
		return "", &ParseError{Raw: string(raw), Err: err}
	}
	if len(out.Choices) == 0 {
		return "", &ParseError{Raw: string(raw), Err: fmt.Errorf("response has no choices")}
	}

	span.SetStatus(codes.Ok, "")
	return out.Choices[0].Message.Content, nil
}

// send issues the upstream request with the attribution headers.
func (c *Client) send(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.CompletionsURL(), bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("HTTP-Referer", c.cfg.SiteURL)
	req.Header.Set("X-Title", c.cfg.SiteName)
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return resp, nil
}
