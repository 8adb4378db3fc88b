package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/livevote/internal/model"
)

// maxCastAttempts bounds how often a cast is re-evaluated after losing a race
// on the ledger's (voter, poll) uniqueness.
const maxCastAttempts = 3

// Ledger is the durable, authoritative vote store.
type Ledger interface {
	FindByVoterAndPoll(ctx context.Context, voterID, pollID string) (*model.Vote, bool, error)
	OptionExists(ctx context.Context, pollID, optionID string) (bool, error)
	Create(ctx context.Context, vote *model.Vote) error
	Delete(ctx context.Context, voteID string) (bool, error)
}

// RankCounter keeps the per-poll ranking. IncrementScore must be atomic and
// return the score after the update.
type RankCounter interface {
	IncrementScore(ctx context.Context, pollID, optionID string, delta int64) (int64, error)
	Ranking(ctx context.Context, pollID string, limit int64) ([]model.RankEntry, error)
}

// ChangePublisher fans deltas out to live subscribers without blocking.
type ChangePublisher interface {
	Publish(pollID string, delta model.VoteDelta) bool
}

// EventSink receives vote events for audit and counter reconciliation.
type EventSink interface {
	SendVoteEvent(ctx context.Context, event *model.VoteEvent) error
}

type nopEventSink struct{}

func (nopEventSink) SendVoteEvent(context.Context, *model.VoteEvent) error { return nil }

// VoteService coordinates the ledger, the rank counter and the publisher. The
// ledger is always mutated before the counter: a counter ahead of the ledger
// can be reconciled, a ledger change the counter never saw leaves no trace.
type VoteService struct {
	ledger    Ledger
	counter   RankCounter
	publisher ChangePublisher
	events    EventSink
	logger    *zap.Logger

	newID func() string
	now   func() time.Time
}

func NewVoteService(
	ledger Ledger,
	counter RankCounter,
	publisher ChangePublisher,
	events EventSink,
	logger *zap.Logger,
) *VoteService {
	if events == nil {
		events = nopEventSink{}
	}
	return &VoteService{
		ledger:    ledger,
		counter:   counter,
		publisher: publisher,
		events:    events,
		logger:    logger.Named("coordinator"),
		newID:     uuid.NewString,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CastVote records the voter's choice for a poll.
//
// A repeated vote for the same option fails with model.ErrDuplicateVote and
// changes nothing. A vote for another option switches: the old record is
// deleted and its option decremented before the new record is created. An
// empty VoterID mints a new identity, returned in the result.
//
// Once the ledger record is created the vote stands: ranking or publish
// failures after that point are logged and reported as drift, not returned.
func (s *VoteService) CastVote(ctx context.Context, req model.CastVoteRequest) (*model.CastVoteResult, error) {
	if err := validateCast(req); err != nil {
		return nil, err
	}

	voterID := req.VoterID
	newIdentity := false
	previousOptionID := ""

	for attempt := 1; attempt <= maxCastAttempts; attempt++ {
		if voterID == "" {
			voterID = s.newID()
			newIdentity = true
		} else {
			existing, found, err := s.ledger.FindByVoterAndPoll(ctx, voterID, req.PollID)
			if err != nil {
				return nil, fmt.Errorf("look up previous vote: %w", err)
			}
			if found {
				if existing.PollOptionID == req.PollOptionID {
					s.logger.Info("duplicate vote rejected",
						zap.String("poll_id", req.PollID),
						zap.String("poll_option_id", req.PollOptionID),
					)
					return nil, model.ErrDuplicateVote
				}

				// the old vote stays when the new option is unknown
				exists, err := s.ledger.OptionExists(ctx, req.PollID, req.PollOptionID)
				if err != nil {
					return nil, fmt.Errorf("look up poll option: %w", err)
				}
				if !exists {
					return nil, fmt.Errorf("%w: poll option %s", model.ErrNotFound, req.PollOptionID)
				}

				removed, err := s.ledger.Delete(ctx, existing.ID)
				if err != nil {
					return nil, fmt.Errorf("delete previous vote: %w", err)
				}
				if !removed {
					// another request changed this vote first
					continue
				}
				previousOptionID = existing.PollOptionID
				s.adjustRanking(ctx, req.PollID, existing.PollOptionID, -1)
			}
		}

		vote := &model.Vote{
			ID:           s.newID(),
			VoterID:      voterID,
			PollID:       req.PollID,
			PollOptionID: req.PollOptionID,
			CreatedAt:    s.now(),
		}
		if err := s.ledger.Create(ctx, vote); err != nil {
			if errors.Is(err, model.ErrConflict) {
				s.logger.Info("concurrent vote on the same poll, re-evaluating",
					zap.String("poll_id", req.PollID),
					zap.Int("attempt", attempt),
				)
				continue
			}
			return nil, fmt.Errorf("record vote: %w", err)
		}

		s.adjustRanking(ctx, req.PollID, req.PollOptionID, 1)

		status := model.CastStatusCreated
		eventType := model.VoteEventCast
		if previousOptionID != "" {
			status = model.CastStatusSwitched
			eventType = model.VoteEventSwitched
		}
		s.emit(ctx, &model.VoteEvent{
			Type:             eventType,
			VoteID:           vote.ID,
			PollID:           vote.PollID,
			PollOptionID:     vote.PollOptionID,
			PreviousOptionID: previousOptionID,
			OccurredAt:       vote.CreatedAt,
		})

		return &model.CastVoteResult{
			VoterID:     voterID,
			NewIdentity: newIdentity,
			Status:      status,
			VoteID:      vote.ID,
		}, nil
	}

	s.logger.Warn("vote kept conflicting, treating as duplicate",
		zap.String("poll_id", req.PollID),
		zap.Int("attempts", maxCastAttempts),
	)
	return nil, model.ErrDuplicateVote
}

// Ranking returns the live ranking of a poll, highest first.
func (s *VoteService) Ranking(ctx context.Context, pollID string, limit int64) ([]model.RankEntry, error) {
	if _, err := uuid.Parse(pollID); err != nil {
		return nil, fmt.Errorf("%w: poll id must be a uuid", model.ErrInvalidInput)
	}
	return s.counter.Ranking(ctx, pollID, limit)
}

// adjustRanking runs after a ledger mutation has committed, so it ignores the
// caller's cancellation.
func (s *VoteService) adjustRanking(ctx context.Context, pollID, optionID string, delta int64) {
	ctx = context.WithoutCancel(ctx)

	votes, err := s.counter.IncrementScore(ctx, pollID, optionID, delta)
	if err != nil {
		s.logger.Error("ranking update failed after ledger commit",
			zap.String("poll_id", pollID),
			zap.String("poll_option_id", optionID),
			zap.Int64("delta", delta),
			zap.Error(err),
		)
		s.emit(ctx, &model.VoteEvent{
			Type:         model.VoteEventCounterDrift,
			PollID:       pollID,
			PollOptionID: optionID,
			Reason:       err.Error(),
			OccurredAt:   s.now(),
		})
		return
	}

	if !s.publisher.Publish(pollID, model.VoteDelta{PollOptionID: optionID, Votes: votes}) {
		s.logger.Debug("vote delta dropped",
			zap.String("poll_id", pollID),
			zap.String("poll_option_id", optionID),
		)
	}
}

func (s *VoteService) emit(ctx context.Context, event *model.VoteEvent) {
	if err := s.events.SendVoteEvent(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warn("vote event not sent",
			zap.String("type", string(event.Type)),
			zap.String("poll_id", event.PollID),
			zap.Error(err),
		)
	}
}

func validateCast(req model.CastVoteRequest) error {
	if _, err := uuid.Parse(req.PollID); err != nil {
		return fmt.Errorf("%w: poll id must be a uuid", model.ErrInvalidInput)
	}
	if _, err := uuid.Parse(req.PollOptionID); err != nil {
		return fmt.Errorf("%w: poll option id must be a uuid", model.ErrInvalidInput)
	}
	if req.VoterID != "" {
		if _, err := uuid.Parse(req.VoterID); err != nil {
			return fmt.Errorf("%w: voter identity is malformed", model.ErrInvalidInput)
		}
	}
	return nil
}
