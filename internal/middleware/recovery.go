package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"github.com/datadrape/datadrape-ai/backend/internal/logging"
	"github.com/datadrape/datadrape-ai/backend/pkg/utils"
)

// MsgInternalError is the body returned for unexpected failures.
const MsgInternalError = "Internal server error"

// Recoverer turns handler panics into a JSON 500 and logs the stack.
// http.ErrAbortHandler is re-raised so the server can abort the response.
func Recoverer(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	log := logging.Component(logger, "http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				logging.WithRequest(r.Context(), log).WithFields(logrus.Fields{
					"panic":  rec,
					"method": r.Method,
					"path":   r.URL.Path,
					"stack":  string(debug.Stack()),
				}).Error("panic in handler")

				if r.Header.Get("Connection") != "Upgrade" {
					utils.RespondError(w, http.StatusInternalServerError, MsgInternalError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
