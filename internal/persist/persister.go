// Package persist implements the transactional batch persister (C3):
// the layered write path's two database-facing primitives, guarded by
// a circuit breaker, plus the DLQ fallback that tolerates its own
// failure.
package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pms-org/pms-trade-capture/internal/diskqueue"
	"github.com/pms-org/pms-trade-capture/internal/model"
	"github.com/pms-org/pms-trade-capture/internal/storage"
)

// CircuitConfig mirrors the db.circuit.* configuration surface from
// §6: failure-rate threshold, minimum request volume, open duration,
// half-open trial count.
type CircuitConfig struct {
	FailureRatio      float64
	MinRequestVolume  uint32
	OpenDuration      time.Duration
	HalfOpenMaxProbes uint32
}

func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureRatio:      0.5,
		MinRequestVolume:  10,
		OpenDuration:      30 * time.Second,
		HalfOpenMaxProbes: 3,
	}
}

// dbStore is the narrow slice of *storage.Store that the persister
// needs, named here so tests can substitute a fake without a live
// database.
type dbStore interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	InsertAuditAndOutbox(ctx context.Context, tx pgx.Tx, audit model.AuditRow, outbox model.OutboxRow) error
	InsertAuditInvalidAndDlq(ctx context.Context, tx pgx.Tx, audit model.AuditRow, dlq model.DlqRow) error
	InsertDlqOnly(ctx context.Context, tx pgx.Tx, dlq model.DlqRow) error
}

// Persister is C3: it exposes exactly the three primitives the ingest
// buffer's layered write path calls. It never advances the stream
// cursor itself — that remains the buffer's responsibility per §5.
type Persister struct {
	store   dbStore
	breaker *gobreaker.CircuitBreaker
	fallback *diskqueue.Log
	log     *zap.Logger
}

func New(store *storage.Store, cfg CircuitConfig, fallback *diskqueue.Log, log *zap.Logger) *Persister {
	settings := gobreaker.Settings{
		Name:        "db-write-path",
		MaxRequests: cfg.HalfOpenMaxProbes,
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequestVolume {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
	}
	return &Persister{
		store:    store,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		fallback: fallback,
		log:      log,
	}
}

// PersistBatch writes an entire batch atomically: one AuditRow (+
// OutboxRow when valid, or + DlqRow when invalid) per message, all in
// one transaction. It returns ErrCircuitOpen when the breaker has
// tripped; any other non-nil error signals the caller to fall back to
// PersistSingle per message.
func (p *Persister) PersistBatch(ctx context.Context, batch []model.PendingMessage) error {
	_, err := p.breaker.Execute(func() (any, error) {
		return nil, p.store.WithTx(ctx, func(tx pgx.Tx) error {
			now := time.Now().UTC()
			for _, msg := range batch {
				if err := p.writeOne(ctx, tx, msg, now); err != nil {
					return err
				}
			}
			return nil
		})
	})
	return p.translateBreakerErr(err)
}

// PersistSingle writes one message in its own transaction. It returns
// nil whenever the message has "completed" per §4.3 — either a
// successful write or a deliberate DLQ routing — and ErrCircuitOpen
// when the breaker is tripped, which the caller must treat as an abort
// of the whole safe-path loop.
func (p *Persister) PersistSingle(ctx context.Context, msg model.PendingMessage) error {
	_, err := p.breaker.Execute(func() (any, error) {
		return nil, p.store.WithTx(ctx, func(tx pgx.Tx) error {
			return p.writeOne(ctx, tx, msg, time.Now().UTC())
		})
	})
	if err := p.translateBreakerErr(err); err != nil {
		if err == ErrCircuitOpen {
			return err
		}
		// Any other failure writing a single message (not the known
		// idempotent duplicate-tradeId case, already swallowed in
		// writeOne) is routed to the DLQ so the batch can still make
		// forward progress.
		p.SaveToDlq(ctx, msg, fmt.Sprintf("persist-single failed: %v", err))
	}
	return nil
}

func (p *Persister) writeOne(ctx context.Context, tx pgx.Tx, msg model.PendingMessage, now time.Time) error {
	if msg.Valid() {
		audit := model.NewAuditFromTrade(msg.Trade, now)
		outbox := model.NewOutboxRow(msg.Trade, now)
		err := p.store.InsertAuditAndOutbox(ctx, tx, audit, outbox)
		if err != nil && storage.IsUniqueViolation(err) {
			// Stream replay after a crash: treated as idempotent success.
			return nil
		}
		return err
	}

	audit := model.NewAuditFromInvalid(msg.Raw, now)
	dlq := model.DlqRow{FailedAt: now, RawPayload: msg.Raw, ErrorDetail: msg.ParseError}
	err := p.store.InsertAuditInvalidAndDlq(ctx, tx, audit, dlq)
	if err != nil && storage.IsUniqueViolation(err) {
		return nil
	}
	return err
}

// SaveToDlq writes one DLQ row in its own transaction. If even that
// fails, it tolerates the failure by writing the raw payload
// hex-encoded to the durable local log and returning quietly: the DLQ
// write itself must never be allowed to stall the stream cursor.
func (p *Persister) SaveToDlq(ctx context.Context, msg model.PendingMessage, reason string) {
	raw := msg.Raw
	if raw == nil && msg.Trade != nil {
		raw = msg.Trade.RawPayload
	}

	err := p.store.WithTx(ctx, func(tx pgx.Tx) error {
		return p.store.InsertDlqOnly(ctx, tx, model.DlqRow{
			FailedAt:    time.Now().UTC(),
			RawPayload:  raw,
			ErrorDetail: reason,
		})
	})
	if err == nil {
		return
	}

	if p.log != nil {
		p.log.Warn("dlq write failed, falling back to disk log", zap.Error(err))
	}
	if p.fallback != nil {
		if ferr := p.fallback.Append(reason, raw); ferr != nil && p.log != nil {
			p.log.Error("disk fallback log write failed, payload may be lost", zap.Error(ferr))
		}
	}
}

func (p *Persister) translateBreakerErr(err error) error {
	if err == nil {
		return nil
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return ErrCircuitOpen
	}
	return err
}
