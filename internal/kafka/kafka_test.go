package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lvdashuaibi/livevote/config"
	"github.com/lvdashuaibi/livevote/internal/model"
)

func TestEncodeVoteEventKeyedByPoll(t *testing.T) {
	event := &model.VoteEvent{
		Type:         model.VoteEventCast,
		VoteID:       uuid.NewString(),
		PollID:       uuid.NewString(),
		PollOptionID: uuid.NewString(),
		OccurredAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	msg, err := encodeVoteEvent(event)
	require.NoError(t, err)
	assert.Equal(t, event.PollID, string(msg.Key))
	assert.Equal(t, event.OccurredAt, msg.Time)
	assert.Contains(t, string(msg.Value), `"type":"vote.cast"`)
	assert.NotContains(t, string(msg.Value), "previousOptionId")

	decoded, err := decodeVoteEvent(msg.Value)
	require.NoError(t, err)
	assert.Equal(t, event, decoded)
}

func TestDecodeVoteEventRejectsIncompletePayloads(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"type":`},
		{"missing type", `{"pollId":"p"}`},
		{"missing poll", `{"type":"counter.drift"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeVoteEvent([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestConsumerHandleDispatchesDecodedEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &Consumer{logger: zaptest.NewLogger(t), ctx: ctx, cancel: cancel}

	var got []*model.VoteEvent
	handler := func(_ context.Context, event *model.VoteEvent) error {
		got = append(got, event)
		return errors.New("reconcile failed")
	}

	c.handle(0, kafka.Message{Value: []byte(`garbage`)}, handler)
	c.handle(0, kafka.Message{Value: []byte(`{"type":"counter.drift","pollId":"p1","reason":"timeout"}`)}, handler)

	require.Len(t, got, 1)
	assert.Equal(t, model.VoteEventCounterDrift, got[0].Type)
	assert.Equal(t, "p1", got[0].PollID)
	assert.Equal(t, "timeout", got[0].Reason)
}

func TestReaderConfigsJoinConsumerGroup(t *testing.T) {
	cfg := config.KafkaConfig{
		Brokers: []string{"localhost:9092"},
		Topic:   "vote-events",
		GroupID: "livevote-reconciler",
		Workers: 3,
	}

	configs := readerConfigs(cfg)
	require.Len(t, configs, 3)
	for _, rc := range configs {
		assert.Equal(t, cfg.GroupID, rc.GroupID)
		assert.Equal(t, cfg.Topic, rc.Topic)
		assert.Zero(t, rc.Partition)
		assert.Equal(t, kafka.LastOffset, rc.StartOffset)
		assert.NoError(t, rc.Validate())
	}

	cfg.Workers = 0
	assert.Len(t, readerConfigs(cfg), 1)
}

func TestNewConsumerRequiresGroupID(t *testing.T) {
	_, err := NewConsumer(config.KafkaConfig{
		Brokers: []string{"localhost:9092"},
		Topic:   "vote-events",
	}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
