package db

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/shopspring/decimal"

	"github.com/gitshopapp/checkout/internal/crypto"
	"github.com/gitshopapp/checkout/internal/models"
)

var serializableTx = pgx.TxOptions{IsoLevel: pgx.Serializable}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	t.Cleanup(mock.Close)

	enc, err := crypto.NewEncryptor(strings.Repeat("k", 32))
	if err != nil {
		t.Fatalf("failed to build encryptor: %v", err)
	}

	store, err := NewStore(mock, enc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store, mock
}

func TestNewStoreRequiresDependencies(t *testing.T) {
	t.Parallel()

	if _, err := NewStore(nil, nil, nil); err == nil {
		t.Fatal("expected error for missing pool")
	}

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	defer mock.Close()
	if _, err := NewStore(mock, nil, nil); err == nil {
		t.Fatal("expected error for missing encryptor")
	}
}

func TestWithinTx(t *testing.T) {
	t.Parallel()

	t.Run("commit", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)

		mock.ExpectBeginTx(serializableTx)
		mock.ExpectCommit()

		if err := store.WithinTx(context.Background(), func(Tx) error { return nil }); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("expectations not met: %v", err)
		}
	})

	t.Run("rollback on error", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)

		mock.ExpectBeginTx(serializableTx)
		mock.ExpectRollback()

		errBoom := errors.New("boom")
		err := store.WithinTx(context.Background(), func(Tx) error { return errBoom })
		if !errors.Is(err, errBoom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("expectations not met: %v", err)
		}
	})

	t.Run("retries serialization failures", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)

		conflict := &pgconn.PgError{Code: pgerrcode.SerializationFailure}
		mock.ExpectBeginTx(serializableTx)
		mock.ExpectCommit().WillReturnError(conflict)
		mock.ExpectRollback()
		mock.ExpectBeginTx(serializableTx)
		mock.ExpectCommit()

		calls := 0
		err := store.WithinTx(context.Background(), func(Tx) error {
			calls++
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 2 {
			t.Fatalf("expected 2 attempts, got %d", calls)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("expectations not met: %v", err)
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)

		deadlock := &pgconn.PgError{Code: pgerrcode.DeadlockDetected}
		for i := 0; i < maxTxAttempts; i++ {
			mock.ExpectBeginTx(serializableTx)
			mock.ExpectRollback()
		}

		calls := 0
		err := store.WithinTx(context.Background(), func(Tx) error {
			calls++
			return deadlock
		})
		if !isRetryable(err) {
			t.Fatalf("expected deadlock error, got %v", err)
		}
		if calls != maxTxAttempts {
			t.Fatalf("expected %d attempts, got %d", maxTxAttempts, calls)
		}
	})

	t.Run("begin error", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)

		mock.ExpectBeginTx(serializableTx).WillReturnError(errors.New("begin"))
		if err := store.WithinTx(context.Background(), func(Tx) error { return nil }); err == nil {
			t.Fatal("expected begin error")
		}
	})
}

func TestDecrementStock(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	productID := uuid.New()

	mock.ExpectBeginTx(serializableTx)
	mock.ExpectExec("UPDATE products").WithArgs(productID, 2).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE products").WithArgs(productID, 5).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(tx Tx) error {
		ok, err := tx.DecrementStock(context.Background(), productID, 2)
		if err != nil || !ok {
			t.Fatalf("expected reservation, got ok=%v err=%v", ok, err)
		}
		ok, err = tx.DecrementStock(context.Background(), productID, 5)
		if err != nil || ok {
			t.Fatalf("expected shortfall, got ok=%v err=%v", ok, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations not met: %v", err)
	}
}

func TestIncrementCouponUsage(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	couponID := uuid.New()

	mock.ExpectBeginTx(serializableTx)
	mock.ExpectExec("UPDATE coupons").WithArgs(couponID).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectCommit()

	err := store.WithinTx(context.Background(), func(tx Tx) error {
		ok, err := tx.IncrementCouponUsage(context.Background(), couponID)
		if err != nil {
			return err
		}
		if ok {
			t.Fatal("expected exhausted coupon to be rejected")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUpdateOrderState(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	orderID := uuid.New()

	mock.ExpectBeginTx(serializableTx)
	mock.ExpectExec("UPDATE orders").
		WithArgs(orderID, "confirmed", pgtype.Text{String: "paid", Valid: true}, pgtype.Text{String: "txn_1", Valid: true}, "pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE orders").
		WithArgs(orderID, "confirmed", pgtype.Text{String: "paid", Valid: true}, pgtype.Text{String: "txn_1", Valid: true}, "pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	update := StateUpdate{
		OrderID:       orderID,
		From:          models.StatusPending,
		To:            models.StatusConfirmed,
		PaymentStatus: models.PaymentPaid,
		TransactionID: "txn_1",
	}
	err := store.WithinTx(context.Background(), func(tx Tx) error {
		if err := tx.UpdateOrderState(context.Background(), update); err != nil {
			t.Fatalf("unexpected first update error: %v", err)
		}
		return tx.UpdateOrderState(context.Background(), update)
	})
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations not met: %v", err)
	}
}

func TestNextOrderNumberSkipsTakenNumbers(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	day := time.Date(2026, 3, 9, 22, 0, 0, 0, time.UTC)

	mock.ExpectBeginTx(serializableTx)
	mock.ExpectQuery("INSERT INTO order_number_sequences").WithArgs("2026-03-09").
		WillReturnRows(pgxmock.NewRows([]string{"last_value"}).AddRow(7))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("ORD-20260309-0007").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("INSERT INTO order_number_sequences").WithArgs("2026-03-09").
		WillReturnRows(pgxmock.NewRows([]string{"last_value"}).AddRow(8))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("ORD-20260309-0008").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectCommit()

	var number string
	err := store.WithinTx(context.Background(), func(tx Tx) error {
		var err error
		number, err = tx.NextOrderNumber(context.Background(), day)
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if number != "ORD-20260309-0008" {
		t.Fatalf("unexpected order number %q", number)
	}
}

func TestCouponByCode(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	couponID := uuid.New()

	columns := []string{"id", "code", "discount_type", "discount_value", "min_order_value", "max_uses", "usage_count", "valid_from", "valid_until", "is_active"}
	mock.ExpectQuery("FROM coupons").WithArgs("SAVE10").
		WillReturnRows(pgxmock.NewRows(columns).AddRow(couponID.String(), "SAVE10", "percentage", "10.00", "500.00", int64(3), 1, nil, nil, true))
	mock.ExpectQuery("FROM coupons").WithArgs("MISSING").WillReturnError(pgx.ErrNoRows)

	coupon, err := store.CouponByCode(context.Background(), "SAVE10")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if coupon.ID != couponID || coupon.DiscountType != models.DiscountPercentage {
		t.Fatalf("unexpected coupon: %+v", coupon)
	}
	if !coupon.DiscountValue.Equal(decimal.NewFromInt(10)) || !coupon.MinOrderValue.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("unexpected amounts: %s %s", coupon.DiscountValue, coupon.MinOrderValue)
	}
	if coupon.MaxUses == nil || *coupon.MaxUses != 3 {
		t.Fatalf("unexpected max uses: %v", coupon.MaxUses)
	}
	if coupon.ValidFrom != nil || coupon.ValidUntil != nil {
		t.Fatal("expected open validity window")
	}

	if _, err := store.CouponByCode(context.Background(), "MISSING"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCartItems(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	productID := uuid.New()

	mock.ExpectQuery("FROM cart_items").WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows([]string{"product_id", "name", "quantity", "price", "is_active"}).
			AddRow(productID.String(), "Mug", 2, "249.50", true))

	lines, err := store.CartItems(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d", len(lines))
	}
	if lines[0].ProductID != productID || lines[0].Quantity != 2 || !lines[0].UnitPrice.Equal(decimal.RequireFromString("249.50")) {
		t.Fatalf("unexpected line: %+v", lines[0])
	}
}

func TestGetOrderNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	orderID := uuid.New()

	mock.ExpectQuery("FROM orders").WithArgs(orderID).WillReturnError(pgx.ErrNoRows)

	if _, err := store.GetOrder(context.Background(), orderID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPendingOrdersBeforeResumesAfterCursor(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	cutoff := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	after := PendingCursor{CreatedAt: cutoff.Add(-2 * time.Hour), ID: uuid.New()}

	mock.ExpectQuery(`\(created_at, id\) > \(\$2, \$3\)`).
		WithArgs(cutoff, after.CreatedAt, after.ID, 25).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	orders, err := store.PendingOrdersBefore(context.Background(), cutoff, after, 25)
	if err != nil {
		t.Fatalf("PendingOrdersBefore() error = %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("expected no orders, got %d", len(orders))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "serialization failure", err: &pgconn.PgError{Code: pgerrcode.SerializationFailure}, want: true},
		{name: "deadlock", err: &pgconn.PgError{Code: pgerrcode.DeadlockDetected}, want: true},
		{name: "unique violation", err: &pgconn.PgError{Code: pgerrcode.UniqueViolation}, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isRetryable(tt.err); got != tt.want {
				t.Fatalf("isRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatementShape(t *testing.T) {
	t.Parallel()

	tests := []struct {
		stmt      string
		wantVerb  string
		wantTable string
	}{
		{stmt: "UPDATE products SET stock_quantity = stock_quantity - $1 WHERE id = $2 AND stock_quantity >= $1", wantVerb: "UPDATE", wantTable: "products"},
		{stmt: "INSERT INTO order_items (order_id) VALUES ($1)", wantVerb: "INSERT", wantTable: "order_items"},
		{stmt: "SELECT id FROM orders WHERE id = $1 FOR UPDATE SKIP LOCKED", wantVerb: "SELECT", wantTable: "orders"},
		{stmt: "select 1", wantVerb: "SELECT"},
		{stmt: "", wantVerb: "QUERY"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.wantVerb+" "+tt.wantTable, func(t *testing.T) {
			t.Parallel()

			verb, table := statementShape(tt.stmt)
			if verb != tt.wantVerb || table != tt.wantTable {
				t.Fatalf("statementShape(%q) = %q, %q; want %q, %q", tt.stmt, verb, table, tt.wantVerb, tt.wantTable)
			}
		})
	}
}

func TestContendedSQLStates(t *testing.T) {
	t.Parallel()

	for code, want := range map[string]bool{
		pgerrcode.SerializationFailure: true,
		pgerrcode.DeadlockDetected:     true,
		pgerrcode.LockNotAvailable:     true,
		pgerrcode.UniqueViolation:      false,
		"":                             false,
	} {
		if got := contended(code); got != want {
			t.Fatalf("contended(%q) = %v, want %v", code, got, want)
		}
	}
	if got := sqlState(&pgconn.PgError{Code: pgerrcode.LockNotAvailable}); got != pgerrcode.LockNotAvailable {
		t.Fatalf("unexpected sqlstate %q", got)
	}
}
