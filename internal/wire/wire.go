// Package wire decodes the self-describing binary frame the stream
// carries into a model.DecodedTrade, or reports why it could not.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pms-org/pms-trade-capture/internal/model"
)

// FormatTag identifies the frame body encoding. Unknown tags are a
// decode failure, not a panic: the receiver must keep running.
type FormatTag byte

const (
	FormatJSONTradeV1 FormatTag = 1
)

// tradeV1 mirrors the JSON shape carried after a FormatJSONTradeV1 tag.
type tradeV1 struct {
	PortfolioID    string  `json:"portfolioId"`
	TradeID        string  `json:"tradeId"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	PricePerStock  float64 `json:"pricePerStock"`
	Quantity       float64 `json:"quantity"`
	EventTimestamp string  `json:"eventTimestamp"` // RFC3339
}

// Decode turns raw stream bytes into a DecodedTrade. The returned error
// is never fatal to the caller: the receiver downgrades any error here
// into an invalid PendingMessage with a preserved raw payload.
func Decode(raw []byte) (*model.DecodedTrade, error) {
	if len(raw) < 1 {
		return nil, fmt.Errorf("wire: empty payload")
	}

	tag := FormatTag(raw[0])
	body := raw[1:]

	switch tag {
	case FormatJSONTradeV1:
		return decodeJSONTradeV1(body, raw)
	default:
		return nil, fmt.Errorf("wire: unrecognized format tag %d", tag)
	}
}

func decodeJSONTradeV1(body, raw []byte) (*model.DecodedTrade, error) {
	var v tradeV1
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("wire: malformed json-trade-v1 body: %w", err)
	}

	portfolioID, _ := uuid.Parse(v.PortfolioID)
	tradeID, _ := uuid.Parse(v.TradeID)

	eventTS, err := time.Parse(time.RFC3339Nano, v.EventTimestamp)
	if err != nil {
		// A bad timestamp does not make the message undecodable; the
		// validity predicate only cares about portfolio/trade identity.
		eventTS = time.Time{}
	}

	return &model.DecodedTrade{
		PortfolioID:    portfolioID,
		TradeID:        tradeID,
		Symbol:         v.Symbol,
		Side:           model.Side(v.Side),
		PricePerStock:  v.PricePerStock,
		Quantity:       v.Quantity,
		EventTimestamp: eventTS,
		RawPayload:     append([]byte(nil), body...),
	}, nil
}

// TradeFields is the exported mirror of tradeV1, used by callers (tests,
// the admin replay hook's fixtures) that need to build a wire frame
// without reaching into package-private types.
type TradeFields struct {
	PortfolioID    string
	TradeID        string
	Symbol         string
	Side           string
	PricePerStock  float64
	Quantity       float64
	EventTimestamp string
}

// Encode produces the wire frame for a trade.
func Encode(t TradeFields) []byte {
	body, _ := json.Marshal(tradeV1(t))
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(FormatJSONTradeV1))
	out = append(out, body...)
	return out
}
