package publisher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lvdashuaibi/livevote/config"
	"github.com/lvdashuaibi/livevote/internal/model"
)

// Sink delivers one delta to every live subscriber of a poll.
type Sink interface {
	PublishDelta(ctx context.Context, pollID string, delta model.VoteDelta) error
}

type message struct {
	pollID string
	delta  model.VoteDelta
}

// Broadcaster decouples vote handling from delivery. Publish never blocks: a
// delta that does not fit in the queue is dropped. A single drain goroutine
// preserves the order in which deltas were accepted.
type Broadcaster struct {
	sink    Sink
	queue   chan message
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewBroadcaster(sink Sink, cfg config.PublisherConfig, logger *zap.Logger) *Broadcaster {
	size := cfg.BufferSize
	if size <= 0 {
		size = 1
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = time.Second
	}

	b := &Broadcaster{
		sink:    sink,
		queue:   make(chan message, size),
		timeout: timeout,
		logger:  logger.Named("publisher"),
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

// Publish enqueues the delta and reports whether it was accepted.
func (b *Broadcaster) Publish(pollID string, delta model.VoteDelta) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.dropped.Add(1)
		return false
	}

	select {
	case b.queue <- message{pollID: pollID, delta: delta}:
		return true
	default:
		b.dropped.Add(1)
		b.logger.Debug("publish queue full, dropping vote delta",
			zap.String("poll_id", pollID),
			zap.String("poll_option_id", delta.PollOptionID),
		)
		return false
	}
}

func (b *Broadcaster) run() {
	defer close(b.done)

	for msg := range b.queue {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		err := b.sink.PublishDelta(ctx, msg.pollID, msg.delta)
		cancel()
		if err != nil {
			b.failed.Add(1)
			b.logger.Warn("vote delta not delivered",
				zap.String("poll_id", msg.pollID),
				zap.String("poll_option_id", msg.delta.PollOptionID),
				zap.Error(err),
			)
		}
	}
}

// Dropped counts deltas rejected because the queue was full or closed.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Failed counts deltas the sink could not deliver.
func (b *Broadcaster) Failed() uint64 {
	return b.failed.Load()
}

// Close stops accepting deltas and waits until the queue is drained or ctx ends.
func (b *Broadcaster) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
