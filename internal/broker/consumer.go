// Package broker adapts the external stream and downstream log
// contracts (§6) onto github.com/IBM/sarama: a consumer group handler
// that feeds C1, a try-pause/resume adapter that backs C2's
// backpressure protocol, and a sync-producer wrapper that backs C5's
// Sender.
package broker

import (
	"context"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/pms-org/pms-trade-capture/internal/model"
)

// Deliverer is the Receiver's Deliver method, accepted here as an
// interface so tests can substitute a recording fake without pulling
// in the ingest package.
type Deliverer interface {
	Deliver(offset int64, raw []byte, brokerCtx model.BrokerContext)
}

// sessionContext implements model.BrokerContext by closing over one
// consumer-group session and claim, so MarkOffset turns into Sarama's
// own cursor commit call.
type sessionContext struct {
	session sarama.ConsumerGroupSession
	topic   string
	partition int32
}

func (c *sessionContext) MarkOffset(offset int64) {
	// Sarama's MarkOffset takes "next offset to read", matching the
	// broker contract's storeOffset(offset) semantics of resuming at
	// offset+1 after offset has been durably processed.
	c.session.MarkOffset(c.topic, c.partition, offset+1, "")
}

// ConsumerGroupHandler implements sarama.ConsumerGroupHandler, handing
// the messages of every partition claim to one shared Deliverer.
type ConsumerGroupHandler struct {
	deliverer Deliverer
	log       *zap.Logger

	mu      sync.Mutex
	paused  map[topicPartition]bool
	client  sarama.Client
	group   string
}

type topicPartition struct {
	topic     string
	partition int32
}

func NewConsumerGroupHandler(deliverer Deliverer, client sarama.Client, log *zap.Logger) *ConsumerGroupHandler {
	return &ConsumerGroupHandler{
		deliverer: deliverer,
		log:       log,
		paused:    make(map[topicPartition]bool),
		client:    client,
	}
}

func (h *ConsumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *ConsumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim is sarama's per-partition delivery loop. Per the
// upstream broker contract, messages arrive here in strictly
// increasing offset order for this partition.
func (h *ConsumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.deliverer.Deliver(msg.Offset, msg.Value, &sessionContext{
				session:   session,
				topic:     msg.Topic,
				partition: msg.Partition,
			})
		case <-session.Context().Done():
			return nil
		}
	}
}

// Pause implements ingest.Pauser by pausing every partition currently
// assigned to this consumer group member, via the underlying client's
// pause primitive. Idempotent: pausing an already-paused partition is
// a no-op at the sarama layer.
type GroupPauser struct {
	consumer sarama.ConsumerGroup
	topics   []string
}

func NewGroupPauser(consumer sarama.ConsumerGroup, topics []string) *GroupPauser {
	return &GroupPauser{consumer: consumer, topics: topics}
}

func (p *GroupPauser) Pause() {
	p.consumer.PauseAll()
}

func (p *GroupPauser) Resume() {
	p.consumer.ResumeAll()
}

// RunConsumerGroup drives the consumer group's Consume loop until ctx
// is cancelled, re-joining after each rebalance.
func RunConsumerGroup(ctx context.Context, cg sarama.ConsumerGroup, topics []string, handler sarama.ConsumerGroupHandler, log *zap.Logger) {
	for {
		if err := cg.Consume(ctx, topics, handler); err != nil {
			if log != nil {
				log.Error("consumer group session ended with error", zap.Error(err))
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}
