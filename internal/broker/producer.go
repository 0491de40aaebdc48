package broker

import (
	"context"

	"github.com/IBM/sarama"

	"github.com/pms-org/pms-trade-capture/internal/outbox"
)

// SyncProducerSender adapts a sarama.SyncProducer to outbox.Sender: it
// sends with the given partition key and blocks until the broker has
// acknowledged, or the context deadline (sendTimeoutMs) elapses.
type SyncProducerSender struct {
	producer sarama.SyncProducer
	topic    string
}

func NewSyncProducerSender(producer sarama.SyncProducer, topic string) *SyncProducerSender {
	return &SyncProducerSender{producer: producer, topic: topic}
}

// Send publishes value keyed by partitionKey so that same-key messages
// land on a single downstream partition, preserving per-portfolio
// order end-to-end.
func (s *SyncProducerSender) Send(ctx context.Context, partitionKey string, value []byte) error {
	if partitionKey == "" || value == nil {
		return outbox.ErrNullArgument
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(partitionKey),
		Value: sarama.ByteEncoder(value),
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := s.producer.SendMessage(msg)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
