// Package reconcile rebuilds rankings from the ledger when the two drift apart.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvdashuaibi/livevote/config"
	"github.com/lvdashuaibi/livevote/internal/lock"
	"github.com/lvdashuaibi/livevote/internal/model"
)

// LockName elects the single instance that runs the periodic sweep.
const LockName = "livevote:reconcile:lock"

type Ledger interface {
	CountByOption(ctx context.Context, pollID string) (map[string]int64, error)
	PollIDs(ctx context.Context) ([]string, error)
}

type Counter interface {
	Ranking(ctx context.Context, pollID string, limit int64) ([]model.RankEntry, error)
	// ReplaceRanking applies counts only while the ranking still equals observed.
	ReplaceRanking(ctx context.Context, pollID string, observed []model.RankEntry, counts map[string]int64) (bool, error)
}

type Publisher interface {
	Publish(pollID string, delta model.VoteDelta) bool
}

// Reconciler periodically replaces every poll's ranking with the ledger's
// counts. The replace is skipped when any increment reached the ranking after
// it was read, so reconciliation never erases a counted vote; a skipped poll
// is retried on the next pass.
type Reconciler struct {
	ledger    Ledger
	counter   Counter
	publisher Publisher
	lock      lock.Lock
	logger    *zap.Logger

	interval time.Duration
	lockTTL  time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewReconciler(
	ledger Ledger,
	counter Counter,
	publisher Publisher,
	distributedLock lock.Lock,
	reconcileCfg config.ReconcileConfig,
	lockCfg config.LockConfig,
	logger *zap.Logger,
) *Reconciler {
	interval := reconcileCfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	lockTTL := lockCfg.TTL
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	return &Reconciler{
		ledger:    ledger,
		counter:   counter,
		publisher: publisher,
		lock:      distributedLock,
		logger:    logger.Named("reconciler"),
		interval:  interval,
		lockTTL:   lockTTL,
		stopChan:  make(chan struct{}),
	}
}

// Start runs a sweep every interval until Stop.
func (r *Reconciler) Start() {
	ticker := time.NewTicker(r.interval)
	ctx, cancel := context.WithCancel(context.Background())

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()
		defer cancel()

		for {
			select {
			case <-ticker.C:
				if err := r.Sweep(ctx); err != nil {
					r.logger.Error("reconcile sweep failed", zap.Error(err))
				}
			case <-r.stopChan:
				return
			}
		}
	}()

	// cancel an in-flight sweep on Stop
	go func() {
		<-r.stopChan
		cancel()
	}()

	r.logger.Info("reconciler started", zap.Duration("interval", r.interval))
}

// Stop ends the loop and waits for an in-flight sweep.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
		r.wg.Wait()
		r.logger.Info("reconciler stopped")
	})
}

// Sweep reconciles every poll that has votes. It does nothing unless this
// instance wins the reconcile lock.
func (r *Reconciler) Sweep(ctx context.Context) error {
	acquired, err := r.lock.AcquireLock(ctx, LockName, r.lockTTL)
	if err != nil {
		return fmt.Errorf("acquire reconcile lock: %w", err)
	}
	if !acquired {
		r.logger.Debug("reconcile lock held elsewhere, skipping sweep")
		return nil
	}
	defer func() {
		if err := r.lock.ReleaseLock(context.WithoutCancel(ctx), LockName); err != nil {
			r.logger.Warn("release reconcile lock failed", zap.Error(err))
		}
	}()

	pollIDs, err := r.ledger.PollIDs(ctx)
	if err != nil {
		return fmt.Errorf("list polls: %w", err)
	}

	lockRefreshedAt := time.Now()
	repaired := 0
	for _, pollID := range pollIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(lockRefreshedAt) > r.lockTTL/2 {
			held, err := r.lock.RefreshLock(ctx, LockName, r.lockTTL)
			if err != nil || !held {
				r.logger.Warn("reconcile lock lost, stopping sweep", zap.Error(err))
				return nil
			}
			lockRefreshedAt = time.Now()
		}

		changed, err := r.ReconcilePoll(ctx, pollID)
		if err != nil {
			r.logger.Error("reconcile poll failed", zap.String("poll_id", pollID), zap.Error(err))
			continue
		}
		if changed > 0 {
			repaired++
		}
	}

	r.logger.Info("reconcile sweep finished",
		zap.Int("polls", len(pollIDs)),
		zap.Int("repaired", repaired),
	)
	return nil
}

// ReconcilePoll replaces the poll's ranking with the ledger counts when they
// differ and publishes a delta for every option whose score changed. It
// returns the number of changed options, zero when the ranking moved between
// the read and the replace.
func (r *Reconciler) ReconcilePoll(ctx context.Context, pollID string) (int, error) {
	ranking, err := r.counter.Ranking(ctx, pollID, 0)
	if err != nil {
		return 0, err
	}
	counts, err := r.ledger.CountByOption(ctx, pollID)
	if err != nil {
		return 0, err
	}

	current := make(map[string]int64, len(ranking))
	for _, entry := range ranking {
		current[entry.PollOptionID] = entry.Votes
	}

	var deltas []model.VoteDelta
	for optionID, votes := range counts {
		if current[optionID] != votes {
			deltas = append(deltas, model.VoteDelta{PollOptionID: optionID, Votes: votes})
		}
	}
	for optionID, votes := range current {
		if _, ok := counts[optionID]; !ok && votes != 0 {
			deltas = append(deltas, model.VoteDelta{PollOptionID: optionID, Votes: 0})
		}
	}
	if len(deltas) == 0 {
		return 0, nil
	}

	replaced, err := r.counter.ReplaceRanking(ctx, pollID, ranking, counts)
	if err != nil {
		return 0, err
	}
	if !replaced {
		r.logger.Info("ranking moved during reconcile, retrying next pass", zap.String("poll_id", pollID))
		return 0, nil
	}
	for _, delta := range deltas {
		r.publisher.Publish(pollID, delta)
	}

	r.logger.Warn("ranking drift repaired",
		zap.String("poll_id", pollID),
		zap.Int("options", len(deltas)),
	)
	return len(deltas), nil
}

// ProcessVoteEvent reconciles the poll named by a counter drift event. Other
// event types are ignored.
func (r *Reconciler) ProcessVoteEvent(ctx context.Context, event *model.VoteEvent) error {
	if event.Type != model.VoteEventCounterDrift {
		return nil
	}
	if _, err := r.ReconcilePoll(ctx, event.PollID); err != nil {
		return fmt.Errorf("reconcile poll %s: %w", event.PollID, err)
	}
	return nil
}
