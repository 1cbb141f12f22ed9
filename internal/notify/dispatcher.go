// Package notify delivers order status notifications off the request path.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"

	"github.com/gitshopapp/checkout/internal/email"
	"github.com/gitshopapp/checkout/internal/models"
	"github.com/gitshopapp/checkout/internal/observability"
)

const defaultSendTimeout = 15 * time.Second

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, order *models.Order) error
}

// EmailSender renders the status template and hands it to the provider.
type EmailSender struct {
	provider email.Provider
	renderer *email.Renderer
	shop     email.Shop
}

func NewEmailSender(provider email.Provider, shop email.Shop) (*EmailSender, error) {
	renderer, err := email.NewRenderer()
	if err != nil {
		return nil, err
	}
	return &EmailSender{provider: provider, renderer: renderer, shop: shop}, nil
}

func (s *EmailSender) Send(ctx context.Context, order *models.Order) error {
	_, err := email.SendOrderUpdate(ctx, s.provider, s.renderer, order, s.shop)
	return err
}

type Config struct {
	Workers     int
	QueueSize   int
	SendTimeout time.Duration
}

// Dispatcher is a bounded queue drained by a fixed worker pool. Enqueueing
// never blocks; when the queue is full the notification is dropped and
// logged.
type Dispatcher struct {
	sender      Sender
	workers     int
	sendTimeout time.Duration
	logger      *slog.Logger

	jobs   chan *models.Order
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	cancel context.CancelFunc
}

func NewDispatcher(sender Sender, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	return &Dispatcher{
		sender:      sender,
		workers:     cfg.Workers,
		sendTimeout: cfg.SendTimeout,
		logger:      logger,
		jobs:        make(chan *models.Order, cfg.QueueSize),
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(runCtx)
	}
}

// Stop closes the queue and waits for workers to drain what was accepted.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	d.wg.Wait()
	if d.cancel != nil {
		d.cancel()
	}
}

// OrderStatusChanged queues a copy of order for delivery.
func (d *Dispatcher) OrderStatusChanged(ctx context.Context, order *models.Order) {
	if order == nil {
		return
	}
	snapshot := *order
	meter := observability.MeterFromContext(ctx)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("notification dropped, dispatcher stopped", "order_id", order.ID, "status", order.Status)
		return
	}

	select {
	case d.jobs <- &snapshot:
	default:
		meter.Count("notification.dropped", 1, sentry.WithAttributes(attribute.String("status", string(order.Status))))
		d.logger.Warn("notification dropped, queue full", "order_id", order.ID, "status", order.Status)
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for order := range d.jobs {
		d.deliver(ctx, order)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, order *models.Order) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.sendTimeout)
	defer cancel()

	if err := d.sender.Send(sendCtx, order); err != nil {
		d.logger.Error("failed to send order notification", "order_id", order.ID, "status", order.Status, "error", err)
		return
	}
	d.logger.Debug("order notification sent", "order_id", order.ID, "status", order.Status)
}
