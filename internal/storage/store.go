// Package storage is the only package that knows SQL. It wraps a
// pgx connection pool with the exact statements C3 and C4 need:
// atomic audit+outbox writes, DLQ writes, and the advisory-lock-scoped
// outbox lease query.
package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pms-org/pms-trade-capture/internal/model"
)

// Store owns the pool and exposes one method per statement shape the
// core needs. Every mutation that must be atomic across tables takes
// place inside one caller-managed pgx.Tx (WithTx), so its separate
// Exec calls commit or roll back together.
type Store struct {
	pool *pgxpool.Pool
	psql sq.StatementBuilderType
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
		psql: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// WithTx runs fn inside one transaction, committing on success and
// rolling back on any error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit tx: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a Postgres/CockroachDB
// unique-constraint error (SQLSTATE 23505), which C3 treats as an
// idempotent success on tradeId replay.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if ok := asPgError(err, &pgErr); ok {
		return pgErr.Code == "23505"
	}
	return false
}

func asPgError(err error, target **pgconn.PgError) bool {
	for err != nil {
		if pe, ok := err.(*pgconn.PgError); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// InsertAuditAndOutbox atomically inserts one AuditRow(valid=true) and
// its paired PENDING OutboxRow, per §4.3's write composition.
func (s *Store) InsertAuditAndOutbox(ctx context.Context, tx pgx.Tx, audit model.AuditRow, outbox model.OutboxRow) error {
	auditSQL, auditArgs, err := s.psql.Insert("audit").
		Columns("received_at", "portfolio_id", "trade_id", "symbol", "side", "price", "quantity", "event_time", "valid").
		Values(audit.ReceivedAt, audit.PortfolioID, audit.TradeID, audit.Symbol, audit.Side, audit.Price, audit.Quantity, audit.EventTime, true).
		ToSql()
	if err != nil {
		return fmt.Errorf("storage: build audit insert: %w", err)
	}
	if _, err := tx.Exec(ctx, auditSQL, auditArgs...); err != nil {
		return err
	}

	outboxSQL, outboxArgs, err := s.psql.Insert("outbox").
		Columns("created_at", "portfolio_id", "trade_id", "payload", "status", "attempts").
		Values(outbox.CreatedAt, outbox.PortfolioID, outbox.TradeID, outbox.Payload, model.OutboxPending, 0).
		ToSql()
	if err != nil {
		return fmt.Errorf("storage: build outbox insert: %w", err)
	}
	if _, err := tx.Exec(ctx, outboxSQL, outboxArgs...); err != nil {
		return err
	}
	return nil
}

// InsertAuditInvalidAndDlq atomically inserts one AuditRow(valid=false)
// carrying the raw bytes and its paired DlqRow; no OutboxRow is created.
func (s *Store) InsertAuditInvalidAndDlq(ctx context.Context, tx pgx.Tx, audit model.AuditRow, dlq model.DlqRow) error {
	auditSQL, auditArgs, err := s.psql.Insert("audit").
		Columns("received_at", "valid", "raw_payload").
		Values(audit.ReceivedAt, false, audit.RawPayload).
		ToSql()
	if err != nil {
		return fmt.Errorf("storage: build invalid audit insert: %w", err)
	}
	if _, err := tx.Exec(ctx, auditSQL, auditArgs...); err != nil {
		return err
	}

	return s.insertDlq(ctx, tx, dlq)
}

// InsertDlqOnly writes a single DLQ row in its own statement; used by
// C3's saveToDlq fallback and by C4's poison-pill handling.
func (s *Store) InsertDlqOnly(ctx context.Context, tx pgx.Tx, dlq model.DlqRow) error {
	return s.insertDlq(ctx, tx, dlq)
}

func (s *Store) insertDlq(ctx context.Context, tx pgx.Tx, dlq model.DlqRow) error {
	dlqSQL, dlqArgs, err := s.psql.Insert("dlq").
		Columns("failed_at", "raw_payload", "error_detail").
		Values(dlq.FailedAt, dlq.RawPayload, dlq.ErrorDetail).
		ToSql()
	if err != nil {
		return fmt.Errorf("storage: build dlq insert: %w", err)
	}
	_, err = tx.Exec(ctx, dlqSQL, dlqArgs...)
	return err
}

// LeasedRow is one outbox row returned by LeaseOutboxRows, ordered by
// (created_at, id) ascending within its portfolio.
type LeasedRow = model.OutboxRow

// LeaseOutboxRows returns up to limit PENDING rows drawn only from
// portfolios this transaction could try-lock. The lock is released
// automatically when tx commits or rolls back.
func (s *Store) LeaseOutboxRows(ctx context.Context, tx pgx.Tx, limit int) ([]LeasedRow, error) {
	const q = `
SELECT id, created_at, portfolio_id, trade_id, payload, status, attempts, sent_at
FROM outbox o
WHERE o.status = 'PENDING'
  AND pg_try_advisory_xact_lock(hashtext(o.portfolio_id::text)::bigint)
ORDER BY o.created_at ASC, o.id ASC
LIMIT $1`

	rows, err := tx.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: lease outbox rows: %w", err)
	}
	defer rows.Close()

	var out []LeasedRow
	if err := pgxscan.ScanAll(&out, rows); err != nil {
		return nil, fmt.Errorf("storage: scan leased outbox rows: %w", err)
	}
	return out, nil
}

// MarkSent marks every id SENT with sentAt=now in a single update
// statement, preserving the collapsed-ack design from §9.
func (s *Store) MarkSent(ctx context.Context, tx pgx.Tx, ids []int64, sentAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	q, args, err := s.psql.Update("outbox").
		Set("status", model.OutboxSent).
		Set("sent_at", sentAt).
		Where(sq.Eq{"id": ids}).
		ToSql()
	if err != nil {
		return fmt.Errorf("storage: build mark-sent update: %w", err)
	}
	_, err = tx.Exec(ctx, q, args...)
	return err
}

// DeletePoisoned removes one outbox row after its payload has been
// copied to the DLQ, within the same transaction as MarkSent.
func (s *Store) DeletePoisoned(ctx context.Context, tx pgx.Tx, id int64) error {
	_, err := tx.Exec(ctx, `DELETE FROM outbox WHERE id = $1`, id)
	return err
}

// FindOutboxRow fetches a single outbox row by id, used to build the
// DLQ row for a poison pill.
func (s *Store) FindOutboxRow(ctx context.Context, tx pgx.Tx, id int64) (model.OutboxRow, error) {
	var row model.OutboxRow
	err := pgxscan.Get(ctx, tx, &row,
		`SELECT id, created_at, portfolio_id, trade_id, payload, status, attempts, sent_at FROM outbox WHERE id = $1`, id)
	return row, err
}

// FirstPendingForPortfolio is a diagnostics helper for checking the
// no-skip invariant: it returns the first pending row for a portfolio
// in (created_at, id) order, to compare before and after a failed
// iteration.
func (s *Store) FirstPendingForPortfolio(ctx context.Context, portfolioID uuid.UUID) (model.OutboxRow, error) {
	var row model.OutboxRow
	err := pgxscan.Get(ctx, s.pool, &row,
		`SELECT id, created_at, portfolio_id, trade_id, payload, status, attempts, sent_at
		 FROM outbox WHERE portfolio_id = $1 AND status = 'PENDING'
		 ORDER BY created_at ASC, id ASC LIMIT 1`, portfolioID)
	return row, err
}
