package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/datadrape/datadrape-ai/backend/internal/logging"
)

// AccessLog writes one structured line per request once it completes.
// Streaming responses are logged when the stream ends.
func AccessLog(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	log := logging.Component(logger, "http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}

				entry := logging.WithRequest(r.Context(), log).WithFields(logrus.Fields{
					"method":      r.Method,
					"path":        r.URL.Path,
					"status":      status,
					"bytes":       ww.BytesWritten(),
					"latency_ms":  time.Since(start).Milliseconds(),
					"remote_addr": r.RemoteAddr,
					"user_agent":  r.UserAgent(),
				})
				if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
					entry = entry.WithField("trace_id", sc.TraceID().String())
				}

				if status >= http.StatusInternalServerError {
					entry.Warn("request completed")
					return
				}
				entry.Info("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
