// logging.go -- Request-scoped logging helpers.
//
// Every handler log line carries the request id, client address, method and
// path. Records go through the request context so handlers that understand
// trace context can pick it up.
package auth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

func logAt(r *http.Request, level slog.Level, msg string, args []any) {
	ctx := r.Context()
	logger := slog.Default()
	if !logger.Enabled(ctx, level) {
		return
	}
	attrs := make([]any, 0, len(args)+10)
	attrs = append(attrs,
		"ip", r.RemoteAddr,
		"user_agent", r.UserAgent(),
		"method", r.Method,
		"path", r.URL.Path,
	)
	if id := middleware.GetReqID(ctx); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	logger.Log(context.WithoutCancel(ctx), level, msg, append(attrs, args...)...)
}

func logDebug(r *http.Request, msg string, args ...any) { logAt(r, slog.LevelDebug, msg, args) }
func logInfo(r *http.Request, msg string, args ...any) { logAt(r, slog.LevelInfo, msg, args) }
func logWarn(r *http.Request, msg string, args ...any) { logAt(r, slog.LevelWarn, msg, args) }
func logError(r *http.Request, msg string, args ...any) { logAt(r, slog.LevelError, msg, args) }
