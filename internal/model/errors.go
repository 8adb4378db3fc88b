package model

import "errors"

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotFound      = errors.New("poll or poll option not found")
	ErrDuplicateVote = errors.New("you already vote on this poll")
	ErrConflict      = errors.New("vote conflict")
	ErrUnavailable   = errors.New("backend unavailable")
)
