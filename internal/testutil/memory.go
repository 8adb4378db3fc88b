// Package testutil provides in-memory ledger, counter, publisher and event
// sink implementations that record every call in order.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lvdashuaibi/livevote/internal/model"
)

// Op is one recorded side effect.
type Op struct {
	Kind         string // ledger.create, ledger.delete, counter.increment, publish
	PollOptionID string
	Delta        int64
	Votes        int64
}

// Recorder keeps the global order of side effects across fakes.
type Recorder struct {
	mu  sync.Mutex
	ops []Op
}

func (r *Recorder) add(op Op) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func (r *Recorder) Ops() []Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Op(nil), r.ops...)
}

// Count returns how many recorded ops have the given kind.
func (r *Recorder) Count(kind string) int {
	n := 0
	for _, op := range r.Ops() {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

// MemoryLedger enforces the (voter, poll) uniqueness and the option-belongs-to-poll
// reference like the SQL schema does.
type MemoryLedger struct {
	rec *Recorder

	mu      sync.Mutex
	options map[string]string // option id -> poll id
	votes   map[string]model.Vote
	byVoter map[string]string // voter|poll -> vote id

	// Hooks run outside the lock.
	BeforeCreate func(vote *model.Vote)
	FindErr      error
	CreateErr    error
}

func NewMemoryLedger(rec *Recorder) *MemoryLedger {
	return &MemoryLedger{
		rec:     rec,
		options: make(map[string]string),
		votes:   make(map[string]model.Vote),
		byVoter: make(map[string]string),
	}
}

// AddPoll registers a poll and its options.
func (l *MemoryLedger) AddPoll(pollID string, optionIDs ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range optionIDs {
		l.options[id] = pollID
	}
}

func voterKey(voterID, pollID string) string {
	return voterID + "|" + pollID
}

func (l *MemoryLedger) FindByVoterAndPoll(_ context.Context, voterID, pollID string) (*model.Vote, bool, error) {
	if l.FindErr != nil {
		return nil, false, l.FindErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.byVoter[voterKey(voterID, pollID)]
	if !ok {
		return nil, false, nil
	}
	vote := l.votes[id]
	return &vote, true, nil
}

func (l *MemoryLedger) OptionExists(_ context.Context, pollID, optionID string) (bool, error) {
	if l.FindErr != nil {
		return false, l.FindErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.options[optionID] == pollID, nil
}

func (l *MemoryLedger) Create(_ context.Context, vote *model.Vote) error {
	if l.BeforeCreate != nil {
		l.BeforeCreate(vote)
	}
	if l.CreateErr != nil {
		return l.CreateErr
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.options[vote.PollOptionID] != vote.PollID {
		return fmt.Errorf("create vote: %w", model.ErrNotFound)
	}
	key := voterKey(vote.VoterID, vote.PollID)
	if _, exists := l.byVoter[key]; exists {
		return fmt.Errorf("create vote: %w", model.ErrConflict)
	}
	l.votes[vote.ID] = *vote
	l.byVoter[key] = vote.ID
	l.rec.add(Op{Kind: "ledger.create", PollOptionID: vote.PollOptionID})
	return nil
}

func (l *MemoryLedger) Delete(_ context.Context, voteID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	vote, ok := l.votes[voteID]
	if !ok {
		return false, nil
	}
	delete(l.votes, voteID)
	delete(l.byVoter, voterKey(vote.VoterID, vote.PollID))
	l.rec.add(Op{Kind: "ledger.delete", PollOptionID: vote.PollOptionID})
	return true, nil
}

func (l *MemoryLedger) CountByOption(_ context.Context, pollID string) (map[string]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := make(map[string]int64)
	for _, vote := range l.votes {
		if vote.PollID == pollID {
			counts[vote.PollOptionID]++
		}
	}
	return counts, nil
}

func (l *MemoryLedger) PollIDs(context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := make(map[string]bool)
	var ids []string
	for _, vote := range l.votes {
		if !seen[vote.PollID] {
			seen[vote.PollID] = true
			ids = append(ids, vote.PollID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Len returns the number of stored votes.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.votes)
}

// MemoryCounter is an in-process ranking with atomic increments.
type MemoryCounter struct {
	rec *Recorder

	mu     sync.Mutex
	scores map[string]map[string]int64

	IncrementErr error
}

func NewMemoryCounter(rec *Recorder) *MemoryCounter {
	return &MemoryCounter{rec: rec, scores: make(map[string]map[string]int64)}
}

func (c *MemoryCounter) IncrementScore(_ context.Context, pollID, optionID string, delta int64) (int64, error) {
	if c.IncrementErr != nil {
		return 0, c.IncrementErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scores[pollID] == nil {
		c.scores[pollID] = make(map[string]int64)
	}
	c.scores[pollID][optionID] += delta
	votes := c.scores[pollID][optionID]
	c.rec.add(Op{Kind: "counter.increment", PollOptionID: optionID, Delta: delta, Votes: votes})
	return votes, nil
}

func (c *MemoryCounter) Ranking(_ context.Context, pollID string, limit int64) ([]model.RankEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ranking := make([]model.RankEntry, 0, len(c.scores[pollID]))
	for optionID, votes := range c.scores[pollID] {
		ranking = append(ranking, model.RankEntry{PollOptionID: optionID, Votes: votes})
	}
	sort.Slice(ranking, func(i, j int) bool {
		if ranking[i].Votes != ranking[j].Votes {
			return ranking[i].Votes > ranking[j].Votes
		}
		return ranking[i].PollOptionID > ranking[j].PollOptionID
	})
	if limit > 0 && int64(len(ranking)) > limit {
		ranking = ranking[:limit]
	}
	return ranking, nil
}

// ReplaceRanking swaps in counts only while the poll's scores still equal observed.
func (c *MemoryCounter) ReplaceRanking(_ context.Context, pollID string, observed []model.RankEntry, counts map[string]int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.scores[pollID]
	if len(current) != len(observed) {
		return false, nil
	}
	for _, entry := range observed {
		votes, ok := current[entry.PollOptionID]
		if !ok || votes != entry.Votes {
			return false, nil
		}
	}

	scores := make(map[string]int64, len(counts))
	for optionID, votes := range counts {
		if votes > 0 {
			scores[optionID] = votes
		}
	}
	c.scores[pollID] = scores
	return true, nil
}

// Score returns the current score of one option.
func (c *MemoryCounter) Score(pollID, optionID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scores[pollID][optionID]
}

// SetScore overwrites one option's score, simulating drift.
func (c *MemoryCounter) SetScore(pollID, optionID string, votes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scores[pollID] == nil {
		c.scores[pollID] = make(map[string]int64)
	}
	c.scores[pollID][optionID] = votes
}

// Delivery is one published delta.
type Delivery struct {
	PollID string
	Delta  model.VoteDelta
}

// RecordingPublisher accepts every delta.
type RecordingPublisher struct {
	rec *Recorder

	mu         sync.Mutex
	deliveries []Delivery
}

func NewRecordingPublisher(rec *Recorder) *RecordingPublisher {
	return &RecordingPublisher{rec: rec}
}

func (p *RecordingPublisher) Publish(pollID string, delta model.VoteDelta) bool {
	p.mu.Lock()
	p.deliveries = append(p.deliveries, Delivery{PollID: pollID, Delta: delta})
	p.mu.Unlock()
	p.rec.add(Op{Kind: "publish", PollOptionID: delta.PollOptionID, Votes: delta.Votes})
	return true
}

func (p *RecordingPublisher) Deliveries() []Delivery {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Delivery(nil), p.deliveries...)
}

// RecordingEvents collects vote events.
type RecordingEvents struct {
	mu     sync.Mutex
	events []model.VoteEvent
}

func (e *RecordingEvents) SendVoteEvent(_ context.Context, event *model.VoteEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, *event)
	return nil
}

func (e *RecordingEvents) Events() []model.VoteEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.VoteEvent(nil), e.events...)
}
