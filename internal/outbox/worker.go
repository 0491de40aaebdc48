package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/pms-org/pms-trade-capture/internal/model"
)

// Sender is the downstream log's publish contract (§6): key-partitioned,
// blocking until broker acknowledgement. It is satisfied by a
// sarama.SyncProducer wrapper (internal/broker).
type Sender interface {
	Send(ctx context.Context, partitionKey string, value []byte) error
}

// Poison describes a permanently unacceptable event: the payload will
// never be accepted by the downstream no matter how often it's retried.
type Poison struct {
	EventID int64
	Reason  string
}

// BatchResult is what DispatchWorker.ProcessBatch returns to C4: a
// possibly-empty successful prefix, at most one poison descriptor, and
// a flag distinguishing "stop trying this portfolio for now" from
// "this one row can never succeed".
type BatchResult struct {
	SuccessfulIDs []int64
	Poison        *Poison
	SystemFailure bool
}

// downstreamRecord is the deserialized shape sent to the downstream
// log; payload bytes are forwarded byte-for-byte per the non-goal that
// the core never transforms message content.
type downstreamRecord struct {
	TradeID     string `json:"tradeId"`
	PortfolioID string `json:"portfolioId"`
}

// DispatchWorker is C5: it sends one group's events to the downstream
// log in order, classifying any failure as poison or system, and
// returns as soon as it hits the first failure.
type DispatchWorker struct {
	sender         Sender
	sendTimeout    time.Duration
	log            *zap.Logger
}

func NewDispatchWorker(sender Sender, sendTimeout time.Duration, log *zap.Logger) *DispatchWorker {
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}
	return &DispatchWorker{sender: sender, sendTimeout: sendTimeout, log: log}
}

// ProcessBatch sends rows in order, one at a time, halting on the
// first failure (§4.5 algorithm).
func (w *DispatchWorker) ProcessBatch(ctx context.Context, rows []model.OutboxRow) BatchResult {
	var successful []int64

	for _, row := range rows {
		var rec downstreamRecord
		if err := json.Unmarshal(row.Payload, &rec); err != nil {
			return BatchResult{
				SuccessfulIDs: successful,
				Poison:        &Poison{EventID: row.ID, Reason: fmt.Sprintf("invalid payload: %v", err)},
			}
		}

		sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout)
		err := w.sender.Send(sendCtx, row.PortfolioID.String(), row.Payload)
		cancel()

		if err == nil {
			successful = append(successful, row.ID)
			continue
		}

		if poisonReason, isPoison := classify(err); isPoison {
			return BatchResult{
				SuccessfulIDs: successful,
				Poison:        &Poison{EventID: row.ID, Reason: poisonReason},
			}
		}

		if w.log != nil {
			w.log.Warn("downstream send failed, treating as system failure",
				zap.Int64("outbox_id", row.ID), zap.Error(err))
		}
		return BatchResult{SuccessfulIDs: successful, SystemFailure: true}
	}

	return BatchResult{SuccessfulIDs: successful}
}

// classify implements the exhaustive table from §4.5. It returns
// (reason, true) for poison, ("", false) for system failure — the
// fail-safe default for any unrecognized error.
func classify(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "", false // timeout waiting for ack: system
	}
	if errors.Is(err, context.Canceled) {
		return "", false // goroutine interrupted mid-send: system, forces graceful stop
	}

	var kerr sarama.KError
	if errors.As(err, &kerr) {
		switch kerr {
		case sarama.ErrInvalidMessage, sarama.ErrInvalidTimestamp:
			return fmt.Sprintf("schema/serialization error: %v", kerr), true
		case sarama.ErrMessageSizeTooLarge, sarama.ErrMessageSetSizeTooLarge:
			return fmt.Sprintf("record too large: %v", kerr), true
		case sarama.ErrNotLeaderForPartition, sarama.ErrLeaderNotAvailable,
			sarama.ErrUnknownTopicOrPartition, sarama.ErrBrokerNotAvailable,
			sarama.ErrNetworkException:
			return "", false // network / leadership / metadata error: system
		}
		// Any other broker error code: fail safe as system.
		return "", false
	}

	if errors.Is(err, ErrNullArgument) {
		return fmt.Sprintf("argument validation failed: %v", err), true
	}

	// Unrecognized error class: fail safe, per §4.5's rationale that
	// misclassifying system-as-poison silently loses data.
	return "", false
}

// ErrNullArgument is returned by Sender implementations that validate
// the key/value before handing off to the broker client.
var ErrNullArgument = errors.New("null key or value")
