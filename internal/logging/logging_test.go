package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datadrape/datadrape-ai/backend/internal/config"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.LogConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-1")
	WithRequest(ctx, Component(logger, "relay")).Debug("hello")

	out := buf.String()
	assert.Contains(t, out, `"component":"relay"`)
	assert.Contains(t, out, `"request_id":"req-1"`)
	assert.Contains(t, out, `"msg":"hello"`)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "chatty", Format: "text"}, nil)
	assert.Error(t, err)
}
