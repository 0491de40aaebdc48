package wire_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pms-org/pms-trade-capture/internal/model"
	"github.com/pms-org/pms-trade-capture/internal/wire"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	portfolioID := uuid.New()
	tradeID := uuid.New()
	ts := time.Now().UTC().Truncate(time.Second)

	frame := wire.Encode(wire.TradeFields{
		PortfolioID:    portfolioID.String(),
		TradeID:        tradeID.String(),
		Symbol:         "AAPL",
		Side:           "BUY",
		PricePerStock:  123.45,
		Quantity:       10,
		EventTimestamp: ts.Format(time.RFC3339Nano),
	})

	trade, err := wire.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, portfolioID, trade.PortfolioID)
	assert.Equal(t, tradeID, trade.TradeID)
	assert.Equal(t, "AAPL", trade.Symbol)
	assert.Equal(t, model.SideBuy, trade.Side)
	assert.Equal(t, 123.45, trade.PricePerStock)
	assert.True(t, trade.EventTimestamp.Equal(ts))
	assert.True(t, trade.Valid())
}

func TestDecodeEmptyPayload(t *testing.T) {
	_, err := wire.Decode(nil)
	assert.Error(t, err)
}

func TestDecodeUnknownFormatTag(t *testing.T) {
	_, err := wire.Decode([]byte{0xff, 'x'})
	assert.Error(t, err)
}

func TestDecodeMalformedJSON(t *testing.T) {
	frame := append([]byte{byte(wire.FormatJSONTradeV1)}, []byte("{not json")...)
	_, err := wire.Decode(frame)
	assert.Error(t, err)
}

func TestDecodeBadTimestampStillDecodes(t *testing.T) {
	frame := wire.Encode(wire.TradeFields{
		PortfolioID:    uuid.New().String(),
		TradeID:        uuid.New().String(),
		EventTimestamp: "not-a-timestamp",
	})

	trade, err := wire.Decode(frame)
	require.NoError(t, err)
	assert.True(t, trade.EventTimestamp.IsZero())
	assert.True(t, trade.Valid())
}

func TestDecodeUnparsableIdentitiesAreInvalid(t *testing.T) {
	frame := wire.Encode(wire.TradeFields{
		PortfolioID: "not-a-uuid",
		TradeID:     "also-not-a-uuid",
	})

	trade, err := wire.Decode(frame)
	require.NoError(t, err)
	assert.False(t, trade.Valid())
}
