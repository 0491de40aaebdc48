package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pms-org/pms-trade-capture/internal/outbox"
)

type fakeSyncProducer struct {
	sendErr      error
	sendDelay    time.Duration
	sentMessages []*sarama.ProducerMessage
}

func (f *fakeSyncProducer) SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error) {
	if f.sendDelay > 0 {
		time.Sleep(f.sendDelay)
	}
	if f.sendErr != nil {
		return 0, 0, f.sendErr
	}
	f.sentMessages = append(f.sentMessages, msg)
	return 0, 1, nil
}
func (f *fakeSyncProducer) SendMessages(msgs []*sarama.ProducerMessage) error { return nil }
func (f *fakeSyncProducer) Close() error                                      { return nil }
func (f *fakeSyncProducer) TxnStatus() sarama.ProducerTxnStatusFlag            { return 0 }
func (f *fakeSyncProducer) IsTransactional() bool                             { return false }
func (f *fakeSyncProducer) BeginTxn() error                                   { return nil }
func (f *fakeSyncProducer) CommitTxn() error                                  { return nil }
func (f *fakeSyncProducer) AbortTxn() error                                   { return nil }
func (f *fakeSyncProducer) AddOffsetsToTxn(offsets map[string][]*sarama.PartitionOffsetMetadata, groupId string) error {
	return nil
}
func (f *fakeSyncProducer) AddMessageToTxn(msg *sarama.ConsumerMessage, groupId string, metadata *string) error {
	return nil
}

func TestSyncProducerSenderPublishesWithPartitionKey(t *testing.T) {
	fake := &fakeSyncProducer{}
	sender := NewSyncProducerSender(fake, "trades.confirmed")

	err := sender.Send(context.Background(), "portfolio-123", []byte(`{"tradeId":"x"}`))
	require.NoError(t, err)

	require.Len(t, fake.sentMessages, 1)
	assert.Equal(t, "trades.confirmed", fake.sentMessages[0].Topic)
	key, _ := fake.sentMessages[0].Key.Encode()
	assert.Equal(t, "portfolio-123", string(key))
}

func TestSyncProducerSenderRejectsEmptyKey(t *testing.T) {
	sender := NewSyncProducerSender(&fakeSyncProducer{}, "trades.confirmed")
	err := sender.Send(context.Background(), "", []byte("x"))
	assert.ErrorIs(t, err, outbox.ErrNullArgument)
}

func TestSyncProducerSenderRejectsNilValue(t *testing.T) {
	sender := NewSyncProducerSender(&fakeSyncProducer{}, "trades.confirmed")
	err := sender.Send(context.Background(), "portfolio-123", nil)
	assert.ErrorIs(t, err, outbox.ErrNullArgument)
}

func TestSyncProducerSenderPropagatesBrokerError(t *testing.T) {
	boom := errors.New("broker unavailable")
	sender := NewSyncProducerSender(&fakeSyncProducer{sendErr: boom}, "trades.confirmed")
	err := sender.Send(context.Background(), "portfolio-123", []byte("x"))
	assert.ErrorIs(t, err, boom)
}

func TestSyncProducerSenderHonorsContextDeadline(t *testing.T) {
	sender := NewSyncProducerSender(&fakeSyncProducer{sendDelay: 200 * time.Millisecond}, "trades.confirmed")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := sender.Send(ctx, "portfolio-123", []byte("x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
