package db

import (
	"context"
	"errors"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gitshopapp/checkout/internal/observability"
)

type ledgerSpanKey struct{}

// ledgerTracer opens a span per statement when the request is traced and
// counts lock contention on the ledger tables whether traced or not.
type ledgerTracer struct{}

func newLedgerTracer() *ledgerTracer {
	return &ledgerTracer{}
}

func (ledgerTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	if sentry.SpanFromContext(ctx) == nil {
		return ctx
	}

	stmt := compactSQL(data.SQL)
	verb, table := statementShape(stmt)
	span := sentry.StartSpan(
		ctx,
		"db.sql."+strings.ToLower(verb),
		sentry.WithDescription(stmt),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	span.SetData("db.system", "postgresql")
	span.SetData("db.operation", verb)
	if table != "" {
		span.SetData("db.sql.table", table)
	}
	if strings.Contains(stmt, "SKIP LOCKED") || strings.Contains(stmt, "FOR UPDATE") {
		span.SetData("db.row_lock", true)
	}

	return context.WithValue(span.Context(), ledgerSpanKey{}, span)
}

func (ledgerTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	code := sqlState(data.Err)
	if contended(code) {
		observability.MeterFromContext(ctx).Count("db.contention", 1, sentry.WithAttributes(attribute.String("db.sqlstate", code)))
	}

	span, _ := ctx.Value(ledgerSpanKey{}).(*sentry.Span)
	if span == nil {
		return
	}
	defer span.Finish()

	switch {
	case data.Err == nil:
		span.Status = sentry.SpanStatusOK
		span.SetData("db.rows_affected", data.CommandTag.RowsAffected())
	case contended(code):
		span.Status = sentry.SpanStatusAborted
		span.SetData("db.sqlstate", code)
	case code == pgerrcode.UniqueViolation:
		span.Status = sentry.SpanStatusAlreadyExists
		span.SetData("db.sqlstate", code)
	default:
		span.Status = sentry.SpanStatusInternalError
		span.SetData("db.error", data.Err.Error())
	}
}

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func contended(code string) bool {
	switch code {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
		return true
	}
	return false
}

func compactSQL(sql string) string {
	stmt := strings.Join(strings.Fields(sql), " ")
	if stmt == "" {
		return "sql.query"
	}
	if len(stmt) > 512 {
		stmt = stmt[:512]
	}
	return stmt
}

// statementShape returns the leading verb and the first table the
// statement names.
func statementShape(stmt string) (verb, table string) {
	words := strings.Fields(stmt)
	if len(words) == 0 {
		return "QUERY", ""
	}
	verb = strings.ToUpper(words[0])

	marker := "FROM"
	switch verb {
	case "INSERT":
		marker = "INTO"
	case "UPDATE":
		if len(words) > 1 {
			return verb, words[1]
		}
		return verb, ""
	}
	for i, word := range words[:len(words)-1] {
		if strings.EqualFold(word, marker) {
			return verb, strings.TrimRight(words[i+1], ",;()")
		}
	}
	return verb, ""
}
