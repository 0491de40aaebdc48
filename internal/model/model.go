// Package model holds the data types shared by every ingest component:
// the transient shapes the stream hands to the receiver and buffer, and
// the durable row shapes the persister and dispatcher read and write.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Side is the trade direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// DecodedTrade is a successfully decoded stream payload. It is transient:
// it never outlives the persist call that turns it into an AuditRow and,
// if valid, an OutboxRow.
type DecodedTrade struct {
	PortfolioID    uuid.UUID
	TradeID        uuid.UUID
	Symbol         string
	Side           Side
	PricePerStock  float64
	Quantity       float64
	EventTimestamp time.Time

	// RawPayload is the byte-exact downstream representation. C3 stores
	// this verbatim in OutboxRow.Payload; C5 forwards it verbatim.
	RawPayload []byte
}

// Valid implements the validity predicate from the data model: a trade
// is valid iff it carries a non-nil portfolio and trade identity.
func (t *DecodedTrade) Valid() bool {
	return t != nil && t.PortfolioID != uuid.Nil && t.TradeID != uuid.Nil
}

// BrokerContext is the opaque handle a PendingMessage carries back to the
// stream adapter so the stream's resumption cursor can be advanced. It is
// nil for messages injected through the admin replay hook.
type BrokerContext interface {
	// MarkOffset advances the reader cursor for this message's partition
	// to (at least) offset. Implementations must be idempotent.
	MarkOffset(offset int64)
}

// PendingMessage is the unit C1 hands to C2, and C2 batches for C3. It
// carries exactly one of Trade (valid) or ParseError (invalid).
type PendingMessage struct {
	Offset  int64
	Context BrokerContext

	Trade *DecodedTrade

	// Raw and ParseError are set only for invalid messages: either the
	// payload did not decode, or it decoded but failed the validity
	// predicate.
	Raw        []byte
	ParseError string
}

// Valid reports whether this message carries a decodable, validated trade.
func (m *PendingMessage) Valid() bool {
	return m.Trade != nil && m.ParseError == ""
}

// OutboxStatus is the lifecycle state of an OutboxRow.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "PENDING"
	OutboxSent    OutboxStatus = "SENT"
)

// AuditRow is one immutable row per received message, valid or not.
type AuditRow struct {
	ID          int64
	ReceivedAt  time.Time
	PortfolioID uuid.NullUUID
	TradeID     uuid.NullUUID
	Symbol      string
	Side        string
	Price       float64
	Quantity    float64
	EventTime   time.Time
	Valid       bool
	RawPayload  []byte // set iff !Valid
}

// OutboxRow is one row per valid trade, mutated exactly once
// PENDING -> SENT.
type OutboxRow struct {
	ID          int64
	CreatedAt   time.Time
	PortfolioID uuid.UUID
	TradeID     uuid.UUID
	Payload     []byte
	Status      OutboxStatus
	Attempts    int
	SentAt      *time.Time
}

// DlqRow is one row per permanently failed message. It is write-only
// from the core's perspective; it never drives control flow.
type DlqRow struct {
	ID          int64
	FailedAt    time.Time
	RawPayload  []byte
	ErrorDetail string
}

// NewAuditFromTrade builds the audit row for a valid message.
func NewAuditFromTrade(t *DecodedTrade, receivedAt time.Time) AuditRow {
	return AuditRow{
		ReceivedAt:  receivedAt,
		PortfolioID: uuid.NullUUID{UUID: t.PortfolioID, Valid: true},
		TradeID:     uuid.NullUUID{UUID: t.TradeID, Valid: true},
		Symbol:      t.Symbol,
		Side:        string(t.Side),
		Price:       t.PricePerStock,
		Quantity:    t.Quantity,
		EventTime:   t.EventTimestamp,
		Valid:       true,
	}
}

// NewAuditFromInvalid builds the audit row for an invalid message.
func NewAuditFromInvalid(raw []byte, receivedAt time.Time) AuditRow {
	return AuditRow{
		ReceivedAt: receivedAt,
		Valid:      false,
		RawPayload: raw,
	}
}

// NewOutboxRow builds the pending outbox row that must be created
// atomically with a valid message's AuditRow.
func NewOutboxRow(t *DecodedTrade, createdAt time.Time) OutboxRow {
	return OutboxRow{
		CreatedAt:   createdAt,
		PortfolioID: t.PortfolioID,
		TradeID:     t.TradeID,
		Payload:     t.RawPayload,
		Status:      OutboxPending,
	}
}
