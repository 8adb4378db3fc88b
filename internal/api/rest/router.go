// Package rest exposes the vote coordinator over HTTP with gin.
package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/livevote/internal/identity"
	"github.com/lvdashuaibi/livevote/internal/model"
)

type VoteService interface {
	CastVote(ctx context.Context, req model.CastVoteRequest) (*model.CastVoteResult, error)
	Ranking(ctx context.Context, pollID string, limit int64) ([]model.RankEntry, error)
}

// DeltaFeed streams a poll's deltas until ctx ends.
type DeltaFeed interface {
	SubscribeDeltas(ctx context.Context, pollID string) (<-chan model.VoteDelta, error)
}

// HealthCheck reports whether a backend answers.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	votes     VoteService
	feed      DeltaFeed
	identity  *identity.Resolver
	checks    map[string]HealthCheck
	logger    *zap.Logger
	keepAlive time.Duration
}

func NewHandler(
	votes VoteService,
	feed DeltaFeed,
	resolver *identity.Resolver,
	checks map[string]HealthCheck,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		votes:     votes,
		feed:      feed,
		identity:  resolver,
		checks:    checks,
		logger:    logger.Named("http"),
		keepAlive: 15 * time.Second,
	}
}

// Register mounts the routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.Health)

	polls := r.Group("/polls/:pollId")
	polls.POST("/votes", h.CastVote)
	polls.GET("/ranking", h.Ranking)
	polls.GET("/results", h.Results)
}

// NewRouter builds a gin engine with recovery and request logging.
func NewRouter(logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(logger.Named("access")))
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"message": "route not found"})
	})
	return r
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			logger.Error("request", fields...)
		case status >= http.StatusBadRequest:
			logger.Info("request", fields...)
		default:
			logger.Debug("request", fields...)
		}
	}
}

func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	result := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			result[name] = err.Error()
			continue
		}
		result[name] = "ok"
	}
	c.JSON(status, gin.H{"status": http.StatusText(status), "checks": result})
}
