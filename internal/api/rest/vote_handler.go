package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/livevote/internal/model"
)

const duplicateVoteMessage = "You already vote on this poll"

type castVoteRequest struct {
	PollOptionID string `json:"pollOptionId"`
}

type rankingResponse struct {
	PollID  string            `json:"pollId"`
	Ranking []model.RankEntry `json:"ranking"`
}

// CastVote handles POST /polls/:pollId/votes.
func (h *Handler) CastVote(c *gin.Context) {
	var body castVoteRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body"})
		return
	}

	voterID, _ := h.identity.Resolve(c.Request)
	result, err := h.votes.CastVote(c.Request.Context(), model.CastVoteRequest{
		PollID:       c.Param("pollId"),
		PollOptionID: body.PollOptionID,
		VoterID:      voterID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	if result.NewIdentity {
		h.identity.Issue(c.Writer, result.VoterID)
	}
	c.Status(http.StatusCreated)
}

// Ranking handles GET /polls/:pollId/ranking?limit=N.
func (h *Handler) Ranking(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	pollID := c.Param("pollId")
	ranking, err := h.votes.Ranking(c.Request.Context(), pollID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rankingResponse{PollID: pollID, Ranking: ranking})
}

func parseLimit(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || limit < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return limit, nil
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrDuplicateVote):
		c.JSON(http.StatusBadRequest, gin.H{"message": duplicateVoteMessage})
	case errors.Is(err, model.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": "poll or option not found"})
	case errors.Is(err, model.ErrUnavailable):
		h.logger.Error("backend unavailable", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "service temporarily unavailable"})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"message": "internal server error"})
	}
	_ = c.Error(err)
}
