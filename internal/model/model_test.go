package model_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/pms-org/pms-trade-capture/internal/model"
)

func TestDecodedTradeValid(t *testing.T) {
	cases := map[string]struct {
		trade *model.DecodedTrade
		want  bool
	}{
		"nil": {trade: nil, want: false},
		"zero value": {trade: &model.DecodedTrade{}, want: false},
		"missing trade id": {
			trade: &model.DecodedTrade{PortfolioID: uuid.New()},
			want:  false,
		},
		"missing portfolio id": {
			trade: &model.DecodedTrade{TradeID: uuid.New()},
			want:  false,
		},
		"fully populated": {
			trade: &model.DecodedTrade{PortfolioID: uuid.New(), TradeID: uuid.New()},
			want:  true,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.trade.Valid())
		})
	}
}

func TestPendingMessageValid(t *testing.T) {
	valid := &model.PendingMessage{Trade: &model.DecodedTrade{PortfolioID: uuid.New(), TradeID: uuid.New()}}
	assert.True(t, valid.Valid())

	withParseError := &model.PendingMessage{Trade: valid.Trade, ParseError: "boom"}
	assert.False(t, withParseError.Valid())

	noTrade := &model.PendingMessage{Raw: []byte("garbage"), ParseError: "bad json"}
	assert.False(t, noTrade.Valid())
}

func TestNewAuditFromTrade(t *testing.T) {
	now := time.Now()
	trade := &model.DecodedTrade{
		PortfolioID:    uuid.New(),
		TradeID:        uuid.New(),
		Symbol:         "AAPL",
		Side:           model.SideBuy,
		PricePerStock:  100.5,
		Quantity:       10,
		EventTimestamp: now,
	}

	row := model.NewAuditFromTrade(trade, now)
	assert.True(t, row.Valid)
	assert.True(t, row.PortfolioID.Valid)
	assert.Equal(t, trade.PortfolioID, row.PortfolioID.UUID)
	assert.Equal(t, "BUY", row.Side)
	assert.Nil(t, row.RawPayload)
}

func TestNewAuditFromInvalid(t *testing.T) {
	raw := []byte("not json")
	row := model.NewAuditFromInvalid(raw, time.Now())
	assert.False(t, row.Valid)
	assert.Equal(t, raw, row.RawPayload)
	assert.False(t, row.PortfolioID.Valid)
}

func TestNewOutboxRow(t *testing.T) {
	trade := &model.DecodedTrade{
		PortfolioID: uuid.New(),
		TradeID:     uuid.New(),
		RawPayload:  []byte("payload"),
	}
	row := model.NewOutboxRow(trade, time.Now())
	assert.Equal(t, model.OutboxPending, row.Status)
	assert.Equal(t, trade.PortfolioID, row.PortfolioID)
	assert.Equal(t, trade.RawPayload, row.Payload)
	assert.Nil(t, row.SentAt)
}
