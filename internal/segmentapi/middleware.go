package segmentapi

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/crewscope/segmenta/internal/logger"
	"github.com/crewscope/segmenta/internal/observability"
)

// RequestLogger logs the start and end of each request. It integrates
// with slog to provide structured logs including RequestID, Method,
// Path, Status, and Duration, and feeds the HTTP Prometheus metrics.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := middleware.GetReqID(r.Context())

		// Handlers pick this up via logger.FromContext so every log line
		// they emit carries the request ID.
		reqLog := logger.FromContext(r.Context()).With("request_id", reqID)
		r = r.WithContext(logger.WithContext(r.Context(), reqLog))

		// Wrap the ResponseWriter to capture the status code
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		status := ww.Status()

		observability.APIReqDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration.Seconds())
		observability.APIReqTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(status)).Inc()

		// Info for success, Warn for 4xx, Error for 5xx
		level := slog.LevelInfo
		if status >= 500 {
			level = slog.LevelError
		} else if status >= 400 {
			level = slog.LevelWarn
		}

		slog.Log(r.Context(), level, "HTTP request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", duration.String(),
			"request_id", reqID,
			"remote_ip", r.RemoteAddr,
		)
	})
}

// authenticateAPIKey validates the X-API-Key header against the stored
// SHA-256 hash. Comparison is constant-time to avoid timing oracles.
func (a *API) authenticateAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.skipAuth {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, ErrorResponse{
				Code:    "ERR_UNAUTHORIZED",
				Message: "Missing X-API-Key header",
			})
			return
		}

		sum := sha256.Sum256([]byte(key))
		got := hex.EncodeToString(sum[:])

		if subtle.ConstantTimeCompare([]byte(got), []byte(a.apiKeyHash)) != 1 {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, ErrorResponse{
				Code:    "ERR_UNAUTHORIZED",
				Message: "Invalid API key",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
