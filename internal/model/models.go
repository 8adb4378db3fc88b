package model

import (
	"time"
)

// Vote is the ledger record. At most one exists per (VoterID, PollID).
type Vote struct {
	ID           string    `json:"id"`
	VoterID      string    `json:"sessionId"`
	PollID       string    `json:"pollId"`
	PollOptionID string    `json:"pollOptionId"`
	CreatedAt    time.Time `json:"createdAt"`
}

// RankEntry is one option's score in a poll ranking.
type RankEntry struct {
	PollOptionID string `json:"pollOptionId"`
	Votes        int64  `json:"votes"`
}

// VoteDelta is broadcast on the poll channel after every counter mutation.
type VoteDelta struct {
	PollOptionID string `json:"pollOptionId"`
	Votes        int64  `json:"votes"`
}

// CastStatus tells whether a cast vote was a first vote or a switch.
type CastStatus string

const (
	CastStatusCreated  CastStatus = "created"
	CastStatusSwitched CastStatus = "switched"
)

// CastVoteRequest asks to cast a vote. An empty VoterID means a first-time voter on this device.
type CastVoteRequest struct {
	PollID       string
	PollOptionID string
	VoterID      string
}

// CastVoteResult is returned once the ledger record is committed.
type CastVoteResult struct {
	VoterID     string     `json:"-"`
	NewIdentity bool       `json:"-"`
	Status      CastStatus `json:"status"`
	VoteID      string     `json:"voteId"`
}

// VoteEventType enumerates the records written to the vote event stream.
type VoteEventType string

const (
	VoteEventCast     VoteEventType = "vote.cast"
	VoteEventSwitched VoteEventType = "vote.switched"
	// VoteEventCounterDrift marks a poll whose ranking missed a ledger change.
	VoteEventCounterDrift VoteEventType = "counter.drift"
)

// VoteEvent is the JSON payload written to the vote event topic.
type VoteEvent struct {
	Type             VoteEventType `json:"type"`
	VoteID           string        `json:"voteId,omitempty"`
	PollID           string        `json:"pollId"`
	PollOptionID     string        `json:"pollOptionId,omitempty"`
	PreviousOptionID string        `json:"previousOptionId,omitempty"`
	Reason           string        `json:"reason,omitempty"`
	OccurredAt       time.Time     `json:"occurredAt"`
}
