package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/livevote/config"
	"github.com/lvdashuaibi/livevote/internal/model"
)

// Producer writes vote events to the configured topic, keyed by poll id so
// every event of one poll lands in the same partition.
type Producer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewProducer(cfg config.KafkaConfig, logger *zap.Logger) (*Producer, error) {
	logger = logger.Named("kafka-producer")

	partitions, err := topicPartitions(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("kafka topic detected",
		zap.String("topic", cfg.Topic),
		zap.Int("partitions", len(partitions)),
	)

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
		// Events are sent after the ledger commit; the request must not wait on the broker.
		Async: true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("vote events not delivered",
					zap.Int("count", len(messages)),
					zap.Error(err),
				)
			}
		},
	}

	return &Producer{writer: writer, logger: logger}, nil
}

// topicPartitions reads the partition ids of the topic from the first broker.
func topicPartitions(cfg config.KafkaConfig) ([]int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := kafka.DialLeader(ctx, "tcp", cfg.Brokers[0], cfg.Topic, 0)
	if err != nil {
		return nil, fmt.Errorf("connect to kafka: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("read kafka partitions: %w", err)
	}

	var ids []int
	for _, p := range partitions {
		if p.Topic == cfg.Topic {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

func encodeVoteEvent(event *model.VoteEvent) (kafka.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode vote event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(event.PollID),
		Value: data,
		Time:  event.OccurredAt,
	}, nil
}

// SendVoteEvent queues the event for delivery.
func (p *Producer) SendVoteEvent(ctx context.Context, event *model.VoteEvent) error {
	msg, err := encodeVoteEvent(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("send vote event: %w: %w", model.ErrUnavailable, err)
	}
	return nil
}

// Close flushes pending events.
func (p *Producer) Close() error {
	return p.writer.Close()
}
