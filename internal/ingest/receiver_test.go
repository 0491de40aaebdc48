package ingest_test

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pms-org/pms-trade-capture/internal/ingest"
	"github.com/pms-org/pms-trade-capture/internal/model"
	"github.com/pms-org/pms-trade-capture/internal/wire"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []model.PendingMessage
}

func (s *recordingSink) Add(msg model.PendingMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

type fakeBrokerContext struct {
	marked []int64
}

func (f *fakeBrokerContext) MarkOffset(offset int64) {
	f.marked = append(f.marked, offset)
}

func TestReceiverDeliverValidTrade(t *testing.T) {
	sink := &recordingSink{}
	r := ingest.NewReceiver(sink, zap.NewNop())

	frame := wire.Encode(wire.TradeFields{
		PortfolioID: uuid.New().String(),
		TradeID:     uuid.New().String(),
		Symbol:      "MSFT",
		Side:        "SELL",
	})

	ctx := &fakeBrokerContext{}
	r.Deliver(42, frame, ctx)

	require.Len(t, sink.msgs, 1)
	msg := sink.msgs[0]
	assert.True(t, msg.Valid())
	assert.Equal(t, int64(42), msg.Offset)
	assert.Same(t, ctx, msg.Context)
}

func TestReceiverDeliverUndecodableRoutesInvalid(t *testing.T) {
	sink := &recordingSink{}
	r := ingest.NewReceiver(sink, zap.NewNop())

	raw := []byte("not a wire frame at all")
	r.Deliver(1, raw, nil)

	require.Len(t, sink.msgs, 1)
	msg := sink.msgs[0]
	assert.False(t, msg.Valid())
	assert.NotEmpty(t, msg.ParseError)
	assert.Equal(t, raw, msg.Raw)
}

func TestReceiverDeliverDecodedButInvalidRoutesInvalid(t *testing.T) {
	sink := &recordingSink{}
	r := ingest.NewReceiver(sink, zap.NewNop())

	frame := wire.Encode(wire.TradeFields{
		// Missing both identities: decodes fine, fails the validity predicate.
		Symbol: "AAPL",
	})
	r.Deliver(2, frame, nil)

	require.Len(t, sink.msgs, 1)
	msg := sink.msgs[0]
	assert.False(t, msg.Valid())
	assert.Equal(t, frame, msg.Raw)
}

func TestReceiverNeverPanicsOnEmptyPayload(t *testing.T) {
	sink := &recordingSink{}
	r := ingest.NewReceiver(sink, zap.NewNop())

	assert.NotPanics(t, func() {
		r.Deliver(0, nil, nil)
	})
	require.Len(t, sink.msgs, 1)
	assert.False(t, sink.msgs[0].Valid())
}
