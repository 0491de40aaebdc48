package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/pms-org/pms-trade-capture/internal/model"
	"github.com/pms-org/pms-trade-capture/internal/storage"
)

// BackoffParams configure C4's exponential backoff on system failure.
type BackoffParams struct {
	Base time.Duration
	Max  time.Duration
}

func DefaultBackoffParams() BackoffParams {
	return BackoffParams{Base: 1 * time.Second, Max: 30 * time.Second}
}

// IdleSleep is how long the dispatcher sleeps after an iteration that
// fetched zero rows (§4.4 step 2).
const IdleSleep = 50 * time.Millisecond

// leaseStore is the narrow slice of *storage.Store the dispatcher
// needs, named here so tests can substitute a fake without a live
// database.
type leaseStore interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
	LeaseOutboxRows(ctx context.Context, tx pgx.Tx, limit int) ([]model.OutboxRow, error)
	MarkSent(ctx context.Context, tx pgx.Tx, ids []int64, sentAt time.Time) error
	DeletePoisoned(ctx context.Context, tx pgx.Tx, id int64) error
	FindOutboxRow(ctx context.Context, tx pgx.Tx, id int64) (model.OutboxRow, error)
	InsertDlqOnly(ctx context.Context, tx pgx.Tx, dlq model.DlqRow) error
}

// Dispatcher is C4: it leases pending outbox rows across portfolios
// this process can try-lock, dispatches each portfolio's group through
// a DispatchWorker sequentially, and commits the successful prefix of
// every group, all within the one transaction that holds the
// portfolios' advisory locks for the whole iteration.
type Dispatcher struct {
	store   leaseStore
	sizer   *AdaptiveBatchSizer
	worker  *DispatchWorker
	backoff BackoffParams
	log     *zap.Logger

	curBackoff time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewDispatcher(store *storage.Store, sizer *AdaptiveBatchSizer, worker *DispatchWorker, backoff BackoffParams, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		sizer:   sizer,
		worker:  worker,
		backoff: backoff,
		log:     log,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs the dispatcher loop on its own goroutine until Stop is
// called. Iterations run sequentially on a single goroutine to
// preserve per-portfolio ordering.
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		defer close(d.done)
		for {
			select {
			case <-d.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}

			if d.curBackoff > 0 {
				select {
				case <-d.stopCh:
					return
				case <-time.After(d.curBackoff):
				}
			}

			d.runIteration(ctx)
		}
	}()
}

// Stop requests the loop to exit after the current group has committed
// or rolled back; it does not interrupt mid-transaction.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	<-d.done
}

// runIteration runs the whole of §4.4's per-iteration protocol — lease,
// dispatch every portfolio group, commit the successful prefixes — in
// a single transaction. The advisory lock taken by LeaseOutboxRows is
// scoped to this transaction (pg_try_advisory_xact_lock), so it must
// stay open for as long as a portfolio's rows are being dispatched and
// committed: closing it any earlier would let a second instance
// try-lock and re-lease the same still-PENDING rows while this
// instance is still sending them, breaking the one-process-per-
// portfolio invariant.
func (d *Dispatcher) runIteration(ctx context.Context) {
	start := time.Now()

	var totalRows int
	anySystemFailure := false

	err := d.store.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := d.store.LeaseOutboxRows(ctx, tx, d.sizer.CurrentSize())
		if err != nil {
			return fmt.Errorf("outbox: lease outbox rows: %w", err)
		}
		totalRows = len(rows)
		if len(rows) == 0 {
			return nil
		}

		for _, group := range groupByPortfolio(rows) {
			select {
			case <-d.stopCh:
				return nil
			default:
			}

			result := d.worker.ProcessBatch(ctx, group)
			if err := d.commitGroupResult(ctx, tx, result); err != nil {
				return err
			}
			if result.SystemFailure {
				anySystemFailure = true
				// Abort the remaining groups for this iteration; the
				// lock on their portfolios releases when this
				// transaction commits below, and the next lease will
				// re-fetch whatever remains PENDING.
				break
			}
		}
		return nil
	})

	if err != nil {
		if d.log != nil {
			d.log.Error("dispatch iteration failed", zap.Error(err))
		}
		anySystemFailure = true
	}

	if totalRows == 0 {
		d.sizer.Reset()
		d.curBackoff = 0
		time.Sleep(IdleSleep)
		return
	}

	if anySystemFailure {
		if d.curBackoff == 0 {
			d.curBackoff = d.backoff.Base
		} else {
			d.curBackoff = minDuration(d.curBackoff*2, d.backoff.Max)
		}
		return
	}

	d.curBackoff = 0
	d.sizer.Adjust(time.Since(start).Milliseconds(), totalRows)
}

// commitGroupResult marks one portfolio group's successful prefix
// SENT, and if a poison pill was reported, moves it to the DLQ and
// deletes it from the outbox — all against the iteration's single
// open transaction, never a transaction of its own.
func (d *Dispatcher) commitGroupResult(ctx context.Context, tx pgx.Tx, result BatchResult) error {
	if err := d.store.MarkSent(ctx, tx, result.SuccessfulIDs, time.Now().UTC()); err != nil {
		return fmt.Errorf("outbox: mark sent: %w", err)
	}

	if result.Poison == nil {
		return nil
	}

	row, err := d.store.FindOutboxRow(ctx, tx, result.Poison.EventID)
	if err != nil {
		return fmt.Errorf("outbox: find poisoned row: %w", err)
	}

	dlq := model.DlqRow{
		FailedAt:    time.Now().UTC(),
		RawPayload:  row.Payload,
		ErrorDetail: "Poison Pill: " + result.Poison.Reason,
	}
	if err := d.store.InsertDlqOnly(ctx, tx, dlq); err != nil {
		return fmt.Errorf("outbox: insert poison dlq row: %w", err)
	}
	if err := d.store.DeletePoisoned(ctx, tx, result.Poison.EventID); err != nil {
		return fmt.Errorf("outbox: delete poisoned row: %w", err)
	}
	return nil
}

// groupByPortfolio partitions rows by portfolioId preserving
// first-seen order; each group is already internally ordered because
// the lease query sorts by (created_at, id).
func groupByPortfolio(rows []model.OutboxRow) [][]model.OutboxRow {
	order := make([]uuid.UUID, 0, 4)
	byPortfolio := make(map[uuid.UUID][]model.OutboxRow, 4)

	for _, r := range rows {
		if _, seen := byPortfolio[r.PortfolioID]; !seen {
			order = append(order, r.PortfolioID)
		}
		byPortfolio[r.PortfolioID] = append(byPortfolio[r.PortfolioID], r)
	}

	groups := make([][]model.OutboxRow, 0, len(order))
	for _, pid := range order {
		groups = append(groups, byPortfolio[pid])
	}
	return groups
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
