package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/checkout/internal/email"
	"github.com/gitshopapp/checkout/internal/models"
)

type recordingSender struct {
	mu      sync.Mutex
	sent    []models.OrderStatus
	release chan struct{}
	err     error
}

func (s *recordingSender) Send(_ context.Context, order *models.Order) error {
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, order.Status)
	return s.err
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatcherDeliversQueuedNotifications(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	d := NewDispatcher(sender, Config{Workers: 2, QueueSize: 10}, discardLogger())
	d.Start(context.Background())

	for _, status := range []models.OrderStatus{models.StatusConfirmed, models.StatusShipped, models.StatusDelivered} {
		d.OrderStatusChanged(context.Background(), &models.Order{ID: uuid.New(), Status: status})
	}
	d.Stop()

	if got := sender.count(); got != 3 {
		t.Fatalf("sent = %d, want 3", got)
	}
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{release: make(chan struct{})}
	d := NewDispatcher(sender, Config{Workers: 1, QueueSize: 1}, discardLogger())

	// Without workers running, the second enqueue finds the buffer full.
	d.OrderStatusChanged(context.Background(), &models.Order{ID: uuid.New(), Status: models.StatusConfirmed})
	d.OrderStatusChanged(context.Background(), &models.Order{ID: uuid.New(), Status: models.StatusShipped})

	d.Start(context.Background())
	close(sender.release)
	d.Stop()

	if got := sender.count(); got != 1 {
		t.Fatalf("sent = %d, want 1", got)
	}
}

func TestDispatcherIgnoresAfterStop(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	d := NewDispatcher(sender, Config{}, discardLogger())
	d.Start(context.Background())
	d.Stop()
	d.Stop()

	d.OrderStatusChanged(context.Background(), &models.Order{ID: uuid.New(), Status: models.StatusConfirmed})
	if got := sender.count(); got != 0 {
		t.Fatalf("sent = %d, want 0", got)
	}
}

func TestDispatcherSurvivesSendErrors(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{err: errors.New("smtp down")}
	d := NewDispatcher(sender, Config{Workers: 1, QueueSize: 4}, discardLogger())
	d.Start(context.Background())
	d.OrderStatusChanged(context.Background(), &models.Order{ID: uuid.New(), Status: models.StatusConfirmed})
	d.OrderStatusChanged(context.Background(), &models.Order{ID: uuid.New(), Status: models.StatusCancelled})
	d.Stop()

	if got := sender.count(); got != 2 {
		t.Fatalf("sent = %d, want 2", got)
	}
}

type capturingProvider struct {
	mu     sync.Mutex
	emails []*email.Email
}

func (p *capturingProvider) SendEmail(_ context.Context, e *email.Email) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emails = append(p.emails, e)
	return nil
}

func (p *capturingProvider) ValidateAPIKey(context.Context) error { return nil }

func TestEmailSender(t *testing.T) {
	t.Parallel()

	provider := &capturingProvider{}
	sender, err := NewEmailSender(provider, email.Shop{Name: "Kiln & Co"})
	if err != nil {
		t.Fatalf("NewEmailSender() error = %v", err)
	}

	order := &models.Order{
		ID:            uuid.New(),
		OrderNumber:   "ORD-20261015-0001",
		CustomerEmail: "buyer@example.com",
		Status:        models.StatusConfirmed,
		Currency:      "INR",
		Total:         decimal.NewFromInt(2610),
	}
	if err := sender.Send(context.Background(), order); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	pending := *order
	pending.Status = models.StatusPending
	if err := sender.Send(context.Background(), &pending); err != nil {
		t.Fatalf("Send(pending) error = %v", err)
	}

	if len(provider.emails) != 1 {
		t.Fatalf("emails = %d, want 1", len(provider.emails))
	}
	got := provider.emails[0]
	if got.To != "buyer@example.com" || !strings.Contains(got.Subject, "ORD-20261015-0001") {
		t.Fatalf("unexpected email %+v", got)
	}
	if !strings.Contains(got.Text, "INR 2610.00") {
		t.Fatalf("text body missing total:\n%s", got.Text)
	}
	if !strings.Contains(got.HTML, "Kiln &amp; Co") && !strings.Contains(got.Subject, "Kiln & Co") {
		t.Fatalf("shop name missing: %q", got.Subject)
	}
}
