package relay

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/datadrape/datadrape-ai/backend/internal/logging"
	"github.com/datadrape/datadrape-ai/backend/internal/model/chat"
)

// Stream outcomes, used as metric labels.
const (
	outcomeCompleted = "completed"
	outcomeStatus    = "upstream_status"
	outcomeTransport = "transport_error"
	outcomeEOF       = "eof"
	outcomeCancelled = "cancelled"
)

const maxLineBytes = 1 << 20

type streamStats struct {
	events  int
	dropped int
}

// pump drives one upstream conversation and feeds w until the stream ends.
func (c *Client) pump(ctx context.Context, body []byte, inputs int, w *schema.StreamWriter[chat.Delta]) {
	defer w.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "relay.stream")
	defer span.End()

	started := time.Now()
	stats := &streamStats{}
	outcome, err := c.relay(ctx, body, w, stats)
	elapsed := time.Since(started)

	span.SetAttributes(
		attribute.String("llm.model", c.cfg.Model),
		attribute.Int("llm.input_messages", inputs),
		attribute.Int("relay.events", stats.events),
		attribute.Int("relay.dropped_lines", stats.dropped),
		attribute.String("relay.outcome", outcome),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	c.metrics.ObserveStream(outcome, elapsed)

	entry := logging.WithRequest(ctx, c.log).WithFields(logrus.Fields{
		"outcome":  outcome,
		"events":   stats.events,
		"dropped":  stats.dropped,
		"duration": elapsed.Round(time.Millisecond).String(),
	})
	if err != nil && outcome != outcomeCancelled {
		entry.WithError(err).Warn("upstream stream failed")
		return
	}
	entry.Info("upstream stream finished")
}

// relay reads the upstream response and emits deltas in arrival order.
// It reports the terminal outcome and, for failures, the cause.
func (c *Client) relay(ctx context.Context, body []byte, w *schema.StreamWriter[chat.Delta], stats *streamStats) (string, error) {
	resp, err := c.send(ctx, body, true)
	if err != nil {
		return c.fail(ctx, w, stats, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return c.fail(ctx, w, stats, &TransportError{Err: err})
		}
		return c.fail(ctx, w, stats, &StatusError{StatusCode: resp.StatusCode, Body: string(raw)})
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		payload, ok := dataPayload(scanner.Text())
		if !ok {
			continue
		}

		if payload == chat.DoneSentinel {
			if c.emit(w, chat.DoneDelta(), stats) {
				return outcomeCancelled, nil
			}
			return outcomeCompleted, nil
		}

		text, err := parseChunk(payload)
		if err != nil {
			// Keep-alive noise and broken chunks look the same; skip both.
			stats.dropped++
			c.metrics.IncDroppedLine()
			logging.WithRequest(ctx, c.log).WithError(err).
				WithField("payload", truncate(payload, 256)).
				Debug("skipping unparseable upstream line")
			continue
		}
		if text == nil {
			continue
		}

		if c.emit(w, chat.ContentDelta(*text), stats) {
			return outcomeCancelled, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return c.fail(ctx, w, stats, &TransportError{Err: err})
	}
	return outcomeEOF, nil
}

// fail emits the single error event for err. Nothing is emitted when the
// request context is already gone, since no one is left to read it.
func (c *Client) fail(ctx context.Context, w *schema.StreamWriter[chat.Delta], stats *streamStats, err error) (string, error) {
	if ctx.Err() != nil {
		return outcomeCancelled, err
	}

	outcome := outcomeTransport
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		outcome = outcomeStatus
	}

	if c.emit(w, chat.ErrorDelta(err.Error()), stats) {
		return outcomeCancelled, err
	}
	return outcome, err
}

// emit hands d to the consumer, blocking until it is received. It reports
// whether the consumer has closed the stream.
func (c *Client) emit(w *schema.StreamWriter[chat.Delta], d chat.Delta, stats *streamStats) bool {
	if closed := w.Send(d, nil); closed {
		return true
	}
	stats.events++
	c.metrics.IncEvent(string(d.Kind))
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
