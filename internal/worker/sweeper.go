// Package worker runs background maintenance for the order ledger.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/gitshopapp/checkout/internal/db"
	"github.com/gitshopapp/checkout/internal/services"
)

// Reconciler settles pending orders that outlived their payment window.
type Reconciler interface {
	ReconcileStale(ctx context.Context, ttl time.Duration, after db.PendingCursor, limit int) (services.SweepResult, error)
}

type SweeperConfig struct {
	Interval  time.Duration
	TTL       time.Duration
	BatchSize int
}

// PendingOrderSweeper periodically hands stale pending orders to the
// reconciler. One sweep runs at a time.
type PendingOrderSweeper struct {
	reconciler Reconciler
	cfg        SweeperConfig
	logger     *slog.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewPendingOrderSweeper(reconciler Reconciler, cfg SweeperConfig, logger *slog.Logger) *PendingOrderSweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &PendingOrderSweeper{reconciler: reconciler, cfg: cfg, logger: logger}
}

func (s *PendingOrderSweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(runCtx)
}

// Stop cancels the loop and waits for an in-flight sweep to return.
func (s *PendingOrderSweeper) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *PendingOrderSweeper) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single pass over every stale order, one page at a time.
// Each page starts after the last order of the previous one, so orders that
// stay pending are not read twice in a pass.
func (s *PendingOrderSweeper) SweepOnce(ctx context.Context) services.SweepResult {
	hub := sentry.CurrentHub().Clone()
	ctx = sentry.SetHubOnContext(ctx, hub)
	span := sentry.StartTransaction(ctx, "worker.sweep_pending_orders", sentry.WithOpName("worker"))
	defer span.Finish()
	ctx = span.Context()

	var (
		total  services.SweepResult
		cursor db.PendingCursor
	)
	for ctx.Err() == nil {
		result, err := s.reconciler.ReconcileStale(ctx, s.cfg.TTL, cursor, s.cfg.BatchSize)
		if err != nil {
			span.Status = sentry.SpanStatusInternalError
			hub.CaptureException(err)
			s.logger.Error("pending order sweep failed", "error", err)
			return total
		}
		total.Confirmed += result.Confirmed
		total.Cancelled += result.Cancelled
		total.Skipped += result.Skipped
		total.Failed += result.Failed
		total.Seen += result.Seen
		total.Next = result.Next

		if result.Seen < s.cfg.BatchSize || (result.Next.ID == cursor.ID && result.Next.CreatedAt.Equal(cursor.CreatedAt)) {
			break
		}
		cursor = result.Next
	}

	span.Status = sentry.SpanStatusOK
	if total.Seen > 0 {
		s.logger.Info("pending order sweep finished",
			"confirmed", total.Confirmed,
			"cancelled", total.Cancelled,
			"skipped", total.Skipped,
			"failed", total.Failed,
			"seen", total.Seen,
		)
	}
	return total
}
