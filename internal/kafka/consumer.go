package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/livevote/config"
	"github.com/lvdashuaibi/livevote/internal/model"
)

// MessageHandler processes one decoded vote event.
type MessageHandler func(ctx context.Context, event *model.VoteEvent) error

// Consumer reads vote events with one reader per worker.
type Consumer struct {
	readers []*kafka.Reader
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConsumer starts one consumer group reader per worker. Group membership
// spreads every partition across the workers and commits offsets, so a
// restart resumes where the group stopped instead of replaying the topic.
func NewConsumer(cfg config.KafkaConfig, logger *zap.Logger) (*Consumer, error) {
	logger = logger.Named("kafka-consumer")
	if cfg.GroupID == "" {
		return nil, errors.New("kafka consumer requires a group id")
	}

	var readers []*kafka.Reader
	for _, rc := range readerConfigs(cfg) {
		readers = append(readers, kafka.NewReader(rc))
	}
	logger.Info("kafka readers created",
		zap.String("group_id", cfg.GroupID),
		zap.Int("readers", len(readers)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		readers: readers,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func readerConfigs(cfg config.KafkaConfig) []kafka.ReaderConfig {
	numWorkers := cfg.Workers
	if numWorkers <= 0 {
		numWorkers = 1
	}
	configs := make([]kafka.ReaderConfig, 0, numWorkers)
	for i := 0; i < numWorkers; i++ {
		configs = append(configs, kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          cfg.Topic,
			GroupID:        cfg.GroupID,
			StartOffset:    kafka.LastOffset,
			CommitInterval: time.Second,
			MinBytes:       1,
			MaxBytes:       10e6,
		})
	}
	return configs
}

// StartConsuming starts one goroutine per reader.
func (c *Consumer) StartConsuming(handler MessageHandler) {
	for i, reader := range c.readers {
		c.wg.Add(1)
		go func(workerID int, r *kafka.Reader) {
			defer c.wg.Done()
			c.consumeMessages(workerID, r, handler)
		}(i, reader)
	}
	c.logger.Info("kafka consumers started", zap.Int("workers", len(c.readers)))
}

func (c *Consumer) consumeMessages(workerID int, reader *kafka.Reader, handler MessageHandler) {
	for {
		m, err := reader.ReadMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("read message failed", zap.Int("worker", workerID), zap.Error(err))
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		c.handle(workerID, m, handler)
	}
}

func (c *Consumer) handle(workerID int, m kafka.Message, handler MessageHandler) {
	event, err := decodeVoteEvent(m.Value)
	if err != nil {
		c.logger.Warn("skipping malformed vote event",
			zap.Int("worker", workerID),
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Error(err),
		)
		return
	}
	if err := handler(c.ctx, event); err != nil {
		c.logger.Error("vote event handler failed",
			zap.Int("worker", workerID),
			zap.String("type", string(event.Type)),
			zap.String("poll_id", event.PollID),
			zap.Error(err),
		)
	}
}

func decodeVoteEvent(data []byte) (*model.VoteEvent, error) {
	var event model.VoteEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("decode vote event: %w", err)
	}
	if event.Type == "" || event.PollID == "" {
		return nil, errors.New("decode vote event: missing type or poll id")
	}
	return &event, nil
}

// Stop cancels every worker, waits for them and closes the readers.
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	var errs []error
	for _, reader := range c.readers {
		if err := reader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.logger.Info("kafka consumers stopped")
	return errors.Join(errs...)
}
