package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/gorilla/mux"

	"github.com/gitshopapp/checkout/internal/config"
	"github.com/gitshopapp/checkout/internal/handlers"
)

type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	handlers   *handlers.Handlers
	httpServer *http.Server
}

func New(cfg *config.Config, logger *slog.Logger, h *handlers.Handlers) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if h == nil {
		return nil, fmt.Errorf("handlers are required")
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		handlers: h,
	}

	sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})
	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           sentryHandler.Handle(s.buildRouter()),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Run() error {
	s.logger.Info("server starting", "port", s.cfg.Port)

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Close(ctx context.Context) error {
	if s == nil || s.httpServer == nil {
		return nil
	}

	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) buildRouter() *mux.Router {
	h := s.handlers

	r := mux.NewRouter()
	r.Use(h.RequestLogger)
	r.Use(h.MetricsContext)
	r.Use(h.SecurityHeaders)
	r.HandleFunc("/health", h.Health).Methods("GET").Name("health")

	// Webhooks authenticate with their own signatures.
	r.HandleFunc("/webhooks/payments", h.PaymentWebhook).Methods("POST").Name("webhooks.payments")
	r.HandleFunc("/webhooks/stripe", h.StripeWebhook).Methods("POST").Name("webhooks.stripe")

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found"}` + "\n"))
	})

	// Admin routes must be registered before the catch-all customer subrouter.
	adminRouter := r.PathPrefix("/admin").Subrouter()
	adminRouter.Use(h.RequireSameOrigin)
	adminRouter.Use(h.RequireUser)
	adminRouter.Use(h.RequireAdmin)
	adminRouter.HandleFunc("/orders/{id}", h.GetOrder).Methods("GET").Name("admin.orders.get")
	adminRouter.HandleFunc("/orders/{id}/status", h.UpdateOrderStatus).Methods("POST").Name("admin.orders.status")

	customerRouter := r.NewRoute().Subrouter()
	customerRouter.Use(h.RequireSameOrigin)
	customerRouter.Use(h.RequireUser)
	customerRouter.HandleFunc("/checkout/preview", h.PreviewCheckout).Methods("POST").Name("checkout.preview")
	customerRouter.HandleFunc("/checkout", h.Checkout).Methods("POST").Name("checkout.create")
	customerRouter.HandleFunc("/orders/{id}", h.GetOrder).Methods("GET").Name("orders.get")
	customerRouter.HandleFunc("/orders/{id}/cancel", h.CancelOrder).Methods("POST").Name("orders.cancel")
	customerRouter.HandleFunc("/orders/{id}/payment/intent", h.RetryPaymentIntent).Methods("POST").Name("orders.payment.intent")
	customerRouter.HandleFunc("/orders/{id}/payment/confirm", h.ConfirmPayment).Methods("POST").Name("orders.payment.confirm")

	return r
}
