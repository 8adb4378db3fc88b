package rest

import (
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/livevote/internal/model"
)

// Results handles GET /polls/:pollId/results: a Server-Sent Events stream
// that opens with a "snapshot" event and then sends one "delta" event per
// count change. Deltas may be dropped under load; clients re-read the ranking
// when they need an exact view.
func (h *Handler) Results(c *gin.Context) {
	ctx := c.Request.Context()
	pollID := c.Param("pollId")
	if _, err := uuid.Parse(pollID); err != nil {
		h.writeError(c, fmt.Errorf("%w: poll id must be a uuid", model.ErrInvalidInput))
		return
	}

	// subscribe before the snapshot so no change falls between the two
	deltas, err := h.feed.SubscribeDeltas(ctx, pollID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	ranking, err := h.votes.Ranking(ctx, pollID, 0)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent("snapshot", rankingResponse{PollID: pollID, Ranking: ranking})
	c.Writer.Flush()

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case delta, ok := <-deltas:
			if !ok {
				return false
			}
			c.SSEvent("delta", delta)
			return true
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				h.logger.Debug("results stream closed", zap.String("poll_id", pollID), zap.Error(err))
				return false
			}
			return true
		}
	})
}
