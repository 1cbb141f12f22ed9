package handlers

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"

	"github.com/gitshopapp/checkout/internal/observability"
)

// SecurityHeaders sets baseline headers for JSON API responses. Order and
// payment bodies carry personal data, so nothing is cacheable.
func (h *Handlers) SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Referrer-Policy", "no-referrer")
		headers.Set("Cache-Control", "no-store")
		headers.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		if h.config != nil && h.config.IsProduction() {
			headers.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

// RequireSameOrigin rejects unsafe requests whose Origin names a site other
// than this API or the storefront. Server-to-server callers send no Origin
// and pass; they are still subject to bearer authentication.
func (h *Handlers) RequireSameOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" || isSafeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		meter := observability.MeterFromContext(r.Context())
		if h.originAllowed(origin, r.Host) {
			next.ServeHTTP(w, r)
			return
		}

		meter.Count("security.origin.rejected", 1, sentry.WithAttributes(attribute.String("http.method", r.Method)))
		h.loggerFromContext(r.Context()).Warn("rejected cross-origin request", "origin", origin)
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Message: "cross-origin request rejected"})
	})
}

func isSafeMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

// originAllowed matches the origin's hostname against the request host and
// the configured storefront URL.
func (h *Handlers) originAllowed(origin, requestHost string) bool {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Hostname() == "" {
		return false
	}
	host := strings.ToLower(parsed.Hostname())

	if host == bareHost(requestHost) {
		return true
	}
	if h.config == nil || h.config.ShopURL == "" {
		return false
	}
	shop, err := url.Parse(h.config.ShopURL)
	return err == nil && strings.EqualFold(shop.Hostname(), host)
}

func bareHost(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		hostport = host
	}
	return strings.ToLower(hostport)
}
