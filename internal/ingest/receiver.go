// Package ingest implements the receive loop (C1) and the bounded,
// backpressured buffer (C2) that sits between the stream and the
// batch persister.
package ingest

import (
	"time"

	"go.uber.org/zap"

	"github.com/pms-org/pms-trade-capture/internal/model"
	"github.com/pms-org/pms-trade-capture/internal/wire"
)

// Sink is what the Receiver hands decoded messages to. *Buffer
// implements it; tests can substitute a recording fake.
type Sink interface {
	Add(msg model.PendingMessage)
}

// Receiver translates one broker delivery at a time into a
// model.PendingMessage and forwards it to Sink. It never surfaces a
// decode or validation error to its caller: doing so would stall the
// partition, which violates C1's liveness contract.
type Receiver struct {
	sink Sink
	log  *zap.Logger
	now  func() time.Time
}

// NewReceiver builds a Receiver that forwards decoded messages to sink.
func NewReceiver(sink Sink, log *zap.Logger) *Receiver {
	return &Receiver{sink: sink, log: log, now: time.Now}
}

// Deliver is called once per broker delivery, in strictly increasing
// offset order for one logical partition. It never blocks except when
// Sink.Add blocks under backpressure (§4.2).
func (r *Receiver) Deliver(offset int64, raw []byte, brokerCtx model.BrokerContext) {
	trade, err := wire.Decode(raw)
	if err != nil {
		r.forwardInvalid(offset, raw, brokerCtx, err.Error())
		return
	}
	if !trade.Valid() {
		r.forwardInvalid(offset, raw, brokerCtx, "decoded payload failed validity predicate: missing portfolioId or tradeId")
		return
	}

	r.sink.Add(model.PendingMessage{
		Offset:  offset,
		Context: brokerCtx,
		Trade:   trade,
	})
}

func (r *Receiver) forwardInvalid(offset int64, raw []byte, brokerCtx model.BrokerContext, reason string) {
	if r.log != nil {
		r.log.Debug("routing invalid message",
			zap.Int64("offset", offset),
			zap.String("reason", reason),
		)
	}
	r.sink.Add(model.PendingMessage{
		Offset:     offset,
		Context:    brokerCtx,
		Raw:        append([]byte(nil), raw...),
		ParseError: reason,
	})
}
