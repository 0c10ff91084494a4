package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestKafkaPublisher_PublishRawPayload(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	raw := json.RawMessage(`{"orderId":7}`)

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, "payment.paid.v1", msg.Topic)
		key, err := msg.Key.Encode()
		require.NoError(t, err)
		assert.Equal(t, "7", string(key))
		value, err := msg.Value.Encode()
		require.NoError(t, err)
		assert.JSONEq(t, `{"orderId":7}`, string(value))
		return nil
	})

	publisher := NewKafkaPublisherWithProducer(producer, zap.NewNop())
	require.NoError(t, publisher.Publish(context.Background(), "payment.paid.v1", OrderKey(7), raw))
	require.NoError(t, publisher.Close())
}

func TestKafkaPublisher_PublishMarshalsStruct(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Nil(t, msg.Key)
		value, _ := msg.Value.Encode()
		assert.JSONEq(t, `{"name":"x"}`, string(value))
		return nil
	})

	publisher := NewKafkaPublisherWithProducer(producer, zap.NewNop())
	err := publisher.Publish(context.Background(), "topic", "", struct {
		Name string `json:"name"`
	}{Name: "x"})
	require.NoError(t, err)
	require.NoError(t, publisher.Close())
}

func TestKafkaPublisher_PublishFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(errors.New("broker down"))

	publisher := NewKafkaPublisherWithProducer(producer, zap.NewNop())
	err := publisher.Publish(context.Background(), "topic", "1", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	require.NoError(t, publisher.Close())
}
