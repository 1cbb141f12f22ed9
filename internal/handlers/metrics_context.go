package handlers

import (
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"

	"github.com/gitshopapp/checkout/internal/observability"
)

// MetricsContext gives services a meter already tagged with the request id
// and route, so checkout and payment counters can be joined to requests.
func (h *Handlers) MetricsContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		attrs := []attribute.Builder{attribute.String("http.method", r.Method)}
		if scope := scopeFromContext(ctx); scope != nil {
			attrs = append(attrs, attribute.String("http.request_id", scope.id))
			if scope.route != "" {
				attrs = append(attrs, attribute.String("http.route", scope.route))
			}
		} else if route := routeLabel(r); route != "" {
			attrs = append(attrs, attribute.String("http.route", route))
		}

		meter := sentry.NewMeter(ctx).WithCtx(ctx)
		meter.SetAttributes(attrs...)
		next.ServeHTTP(w, r.WithContext(observability.WithMeter(ctx, meter)))
	})
}
