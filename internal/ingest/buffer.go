package ingest

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pms-org/pms-trade-capture/internal/model"
	"github.com/pms-org/pms-trade-capture/internal/persist"
)

// Pauser is the broker-side half of the backpressure protocol: the
// buffer calls Pause when it fills and Resume once a flush has drained
// it below the resume threshold. Both must be idempotent.
type Pauser interface {
	Pause()
	Resume()
}

// WriteLayer is the two primitives C3 exposes to the layered write
// path (§4.3). *persist.Persister satisfies it; tests substitute a
// fake to exercise the fast/circuit-open/safe-path cascade without a
// database.
type WriteLayer interface {
	PersistBatch(ctx context.Context, batch []model.PendingMessage) error
	PersistSingle(ctx context.Context, msg model.PendingMessage) error
}

// Params is the IngestBuffer's configuration surface (§4.2), with the
// spec's stated defaults.
type Params struct {
	MaxBatchSize    int
	FlushInterval   time.Duration
	BufferCapacity  int
	ResumeThreshold int
}

func DefaultParams() Params {
	p := Params{
		MaxBatchSize:   500,
		FlushInterval:  100 * time.Millisecond,
		BufferCapacity: 10_000,
	}
	p.ResumeThreshold = p.BufferCapacity / 10
	return p
}

// retryBackoff is the fixed sleep the layered write path uses between
// retries of the same batch while the circuit is open (§4.3 step 1).
const retryBackoff = 5 * time.Second

// Buffer is C2: a bounded, mutex-guarded FIFO queue that absorbs
// bursts, flushes on size or time, and backpressures the receiver.
// It also owns the layered write path that drives C3 (§4.3), since the
// spec places that orchestration in the component that calls
// persistBatch/persistSingle.
type Buffer struct {
	params    Params
	persister WriteLayer
	pauser    Pauser
	log       *zap.Logger

	mu       sync.Mutex
	notFull  *sync.Cond
	items    []model.PendingMessage
	paused   bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewBuffer(params Params, persister WriteLayer, pauser Pauser, log *zap.Logger) *Buffer {
	b := &Buffer{
		params:    params,
		persister: persister,
		pauser:    pauser,
		log:       log,
		stopCh:    make(chan struct{}),
	}
	b.notFull = sync.NewCond(&b.mu)
	return b
}

// Start launches the periodic flush watchdog. The watchdog fires at
// roughly half the configured flush interval, per §4.2.
func (b *Buffer) Start() {
	interval := b.params.FlushInterval / 2
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	b.wg.Add(1)
	go b.watchdog(interval)
}

func (b *Buffer) watchdog(interval time.Duration) {
	defer b.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastFlush := time.Now()
	for {
		select {
		case <-b.stopCh:
			return
		case now := <-ticker.C:
			if now.Sub(lastFlush) >= b.params.FlushInterval {
				b.flushIfAny(context.Background())
				lastFlush = now
			}
		}
	}
}

// Add appends one message. The fast path is non-blocking; when the
// buffer is at capacity it signals backpressure and blocks until space
// opens up or the buffer is shutting down. It never drops or reorders.
func (b *Buffer) Add(msg model.PendingMessage) {
	b.mu.Lock()
	for len(b.items) >= b.params.BufferCapacity && !b.stopping() {
		if !b.paused {
			b.paused = true
			b.mu.Unlock()
			if b.pauser != nil {
				b.pauser.Pause()
			}
			b.mu.Lock()
			continue
		}
		b.notFull.Wait()
	}
	b.items = append(b.items, msg)
	shouldFlush := len(b.items) >= b.params.MaxBatchSize
	b.mu.Unlock()

	if shouldFlush {
		b.flushIfAny(context.Background())
	}
}

func (b *Buffer) stopping() bool {
	select {
	case <-b.stopCh:
		return true
	default:
		return false
	}
}

// flushIfAny drains up to MaxBatchSize items (in offset order) and
// submits the slice to the layered write path, outside the buffer
// lock.
func (b *Buffer) flushIfAny(ctx context.Context) {
	batch := b.drain()
	if len(batch) == 0 {
		return
	}
	b.runLayeredWritePath(ctx, batch)
	b.maybeResume()
}

func (b *Buffer) drain() []model.PendingMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.items)
	if n > b.params.MaxBatchSize {
		n = b.params.MaxBatchSize
	}
	if n == 0 {
		return nil
	}
	batch := make([]model.PendingMessage, n)
	copy(batch, b.items[:n])
	b.items = b.items[n:]
	b.notFull.Broadcast()
	return batch
}

func (b *Buffer) maybeResume() {
	b.mu.Lock()
	depth := len(b.items)
	wasPaused := b.paused
	if wasPaused && depth < b.params.ResumeThreshold {
		b.paused = false
	}
	stillPaused := b.paused
	b.mu.Unlock()

	if wasPaused && !stillPaused && b.pauser != nil {
		b.pauser.Resume()
	}
}

// runLayeredWritePath implements §4.3's fast/safe cascade and the
// cursor-advancement rule: a stream offset is committed only after
// every message up to and including it has been durably persisted or
// deliberately routed to DLQ.
func (b *Buffer) runLayeredWritePath(ctx context.Context, batch []model.PendingMessage) {
	for {
		err := b.persister.PersistBatch(ctx, batch)
		if err == nil {
			b.advanceCursor(batch[len(batch)-1])
			return
		}
		if err == persist.ErrCircuitOpen {
			if b.log != nil {
				b.log.Warn("db circuit open, pausing and retrying batch", zap.Int("batch_size", len(batch)))
			}
			b.mu.Lock()
			b.paused = true
			b.mu.Unlock()
			if b.pauser != nil {
				b.pauser.Pause()
			}
			select {
			case <-b.stopCh:
				return
			case <-time.After(retryBackoff):
			}
			continue
		}

		// Any other failure: fall through to the safe path.
		if b.log != nil {
			b.log.Warn("batch persist failed, falling back to per-item path", zap.Error(err))
		}
		b.runSafePath(ctx, batch)
		return
	}
}

func (b *Buffer) runSafePath(ctx context.Context, batch []model.PendingMessage) {
	var lastCompleted *model.PendingMessage
	for i := range batch {
		msg := batch[i]
		err := b.persister.PersistSingle(ctx, msg)
		if err == persist.ErrCircuitOpen {
			break
		}
		m := msg
		lastCompleted = &m
	}
	if lastCompleted != nil {
		b.advanceCursor(*lastCompleted)
	}
}

func (b *Buffer) advanceCursor(msg model.PendingMessage) {
	if msg.Context != nil {
		msg.Context.MarkOffset(msg.Offset)
	}
}

// Stop cancels the watchdog timer, then performs one final
// drain-and-flush so nothing buffered in memory is lost.
func (b *Buffer) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.mu.Lock()
		b.notFull.Broadcast()
		b.mu.Unlock()
	})
	b.wg.Wait()
	b.flushIfAny(context.Background())
}
