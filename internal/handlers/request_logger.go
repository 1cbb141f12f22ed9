package handlers

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/gitshopapp/checkout/internal/logging"
)

const maxRequestIDLength = 128

// requestScope is shared by the middleware chain for one request.
// RequireUser fills in the user so the completion log can name them.
type requestScope struct {
	id     string
	route  string
	userID string
}

type requestScopeKey struct{}

func scopeFromContext(ctx context.Context) *requestScope {
	scope, _ := ctx.Value(requestScopeKey{}).(*requestScope)
	return scope
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *statusRecorder) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// RequestLogger tags the request with an id, puts a request logger in the
// context and logs one line when the response is written.
func (h *Handlers) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		scope := &requestScope{id: requestIDFromRequest(r), route: routeLabel(r)}
		w.Header().Set("X-Request-ID", scope.id)

		logger := h.logger.With(
			"request_id", scope.id,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_ip", clientIP(r),
		)
		if scope.route != "" {
			logger = logger.With("route", scope.route)
		}

		ctx := context.WithValue(r.Context(), requestScopeKey{}, scope)
		ctx = logging.WithLogger(ctx, logger)

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r.WithContext(ctx))

		status := rec.code()
		elapsed := time.Since(start)
		recordRequestMetrics(ctx, r.Method, scope.route, status, elapsed)

		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case r.URL.Path == "/health":
			level = slog.LevelDebug
		}
		attrs := []any{"status", status, "duration_ms", elapsed.Milliseconds(), "bytes", rec.bytes}
		if scope.userID != "" {
			attrs = append(attrs, "user_id", scope.userID)
		}
		logger.Log(ctx, level, "request completed", attrs...)
	})
}

func recordRequestMetrics(ctx context.Context, method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unknown"
	}
	meter := sentry.NewMeter(ctx).WithCtx(ctx)
	base := []attribute.Builder{
		attribute.String("http.method", method),
		attribute.String("http.route", route),
	}
	meter.Count("http.server.requests", 1, sentry.WithAttributes(append(base, attribute.Int("http.status_code", status))...))
	meter.Distribution(
		"http.server.duration",
		float64(elapsed.Milliseconds()),
		sentry.WithUnit(sentry.UnitMillisecond),
		sentry.WithAttributes(append(base, attribute.String("http.status_class", strconv.Itoa(status/100)+"xx"))...),
	)
	if status >= http.StatusInternalServerError {
		meter.Count("http.server.errors", 1, sentry.WithAttributes(base...))
	}
}

// requestIDFromRequest accepts a caller supplied id when it is short and
// printable and otherwise mints one.
func requestIDFromRequest(r *http.Request) string {
	if r != nil {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id != "" && len(id) <= maxRequestIDLength && printableASCII(id) {
			return id
		}
	}
	return uuid.NewString()
}

func printableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if forwarded, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); strings.TrimSpace(forwarded) != "" {
		return strings.TrimSpace(forwarded)
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-Ip")); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// routeLabel prefers the route name so metrics do not fan out per order id.
func routeLabel(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return ""
	}
	if name := route.GetName(); name != "" {
		return name
	}
	if template, err := route.GetPathTemplate(); err == nil {
		return template
	}
	return ""
}
