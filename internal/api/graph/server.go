// Package graph serves the vote coordinator over GraphQL.
package graph

import (
	"context"
	"errors"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"
	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/livevote/internal/identity"
	"github.com/lvdashuaibi/livevote/internal/model"
)

const schemaString = `
schema {
  query: Query
  mutation: Mutation
}

type RankEntry {
  pollOptionId: ID!
  votes: Int!
}

type CastVoteResult {
  voteId: ID!
  status: String!
}

type Query {
  # options ordered by votes, highest first; a missing or non-positive limit returns all
  ranking(pollId: ID!, limit: Int): [RankEntry!]!
}

type Mutation {
  castVote(pollId: ID!, pollOptionId: ID!): CastVoteResult!
}
`

type VoteService interface {
	CastVote(ctx context.Context, req model.CastVoteRequest) (*model.CastVoteResult, error)
	Ranking(ctx context.Context, pollID string, limit int64) ([]model.RankEntry, error)
}

// GraphQLServer wraps the parsed schema and its HTTP handler.
type GraphQLServer struct {
	schema   *graphql.Schema
	handler  *relay.Handler
	identity *identity.Resolver
}

func NewGraphQLServer(votes VoteService, resolver *identity.Resolver, logger *zap.Logger) *GraphQLServer {
	schema := graphql.MustParseSchema(schemaString,
		&Resolver{votes: votes, identity: resolver, logger: logger.Named("graphql")},
		graphql.UseFieldResolvers(),
	)
	return &GraphQLServer{
		schema:   schema,
		handler:  &relay.Handler{Schema: schema},
		identity: resolver,
	}
}

// Register mounts the endpoint (POST) and the playground (GET) on path.
func (s *GraphQLServer) Register(r gin.IRouter, path string) {
	r.POST(path, s.Serve)
	r.GET(path, func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(playgroundHTML(path)))
	})
}

// Serve runs one GraphQL request. Resolvers reach the HTTP exchange through
// the context to read and issue the voter cookie.
func (s *GraphQLServer) Serve(c *gin.Context) {
	ctx := withExchange(c.Request.Context(), c.Writer, c.Request)
	s.handler.ServeHTTP(c.Writer, c.Request.WithContext(ctx))
}

type exchangeKey struct{}

type exchange struct {
	w http.ResponseWriter
	r *http.Request
}

func withExchange(ctx context.Context, w http.ResponseWriter, r *http.Request) context.Context {
	return context.WithValue(ctx, exchangeKey{}, &exchange{w: w, r: r})
}

func exchangeFrom(ctx context.Context) *exchange {
	ex, _ := ctx.Value(exchangeKey{}).(*exchange)
	return ex
}

// Resolver is the root resolver.
type Resolver struct {
	votes    VoteService
	identity *identity.Resolver
	logger   *zap.Logger
}

type rankingArgs struct {
	PollID graphql.ID
	Limit  *int32
}

func (r *Resolver) Ranking(ctx context.Context, args rankingArgs) ([]*RankEntryResolver, error) {
	var limit int64
	if args.Limit != nil {
		limit = int64(*args.Limit)
	}
	ranking, err := r.votes.Ranking(ctx, string(args.PollID), limit)
	if err != nil {
		return nil, r.toGraphQLError(err)
	}

	resolvers := make([]*RankEntryResolver, len(ranking))
	for i := range ranking {
		resolvers[i] = &RankEntryResolver{entry: ranking[i]}
	}
	return resolvers, nil
}

type castVoteArgs struct {
	PollID       graphql.ID
	PollOptionID graphql.ID
}

func (r *Resolver) CastVote(ctx context.Context, args castVoteArgs) (*CastVoteResultResolver, error) {
	ex := exchangeFrom(ctx)

	var voterID string
	if ex != nil {
		voterID, _ = r.identity.Resolve(ex.r)
	}

	result, err := r.votes.CastVote(ctx, model.CastVoteRequest{
		PollID:       string(args.PollID),
		PollOptionID: string(args.PollOptionID),
		VoterID:      voterID,
	})
	if err != nil {
		return nil, r.toGraphQLError(err)
	}

	if result.NewIdentity && ex != nil {
		r.identity.Issue(ex.w, result.VoterID)
	}
	return &CastVoteResultResolver{result: result}, nil
}

// voteError carries a stable code in the GraphQL error extensions.
type voteError struct {
	message string
	code    string
}

func (e *voteError) Error() string { return e.message }

func (e *voteError) Extensions() map[string]interface{} {
	return map[string]interface{}{"code": e.code}
}

func (r *Resolver) toGraphQLError(err error) error {
	switch {
	case errors.Is(err, model.ErrDuplicateVote):
		return &voteError{message: "You already vote on this poll", code: "DUPLICATE_VOTE"}
	case errors.Is(err, model.ErrInvalidInput):
		return &voteError{message: err.Error(), code: "BAD_USER_INPUT"}
	case errors.Is(err, model.ErrNotFound):
		return &voteError{message: "poll or option not found", code: "NOT_FOUND"}
	case errors.Is(err, model.ErrUnavailable):
		r.logger.Error("backend unavailable", zap.Error(err))
		return &voteError{message: "service temporarily unavailable", code: "UNAVAILABLE"}
	default:
		r.logger.Error("graphql request failed", zap.Error(err))
		return &voteError{message: "internal server error", code: "INTERNAL"}
	}
}

type RankEntryResolver struct {
	entry model.RankEntry
}

func (r *RankEntryResolver) PollOptionID() graphql.ID {
	return graphql.ID(r.entry.PollOptionID)
}

// Votes saturates at the bounds of the GraphQL Int.
func (r *RankEntryResolver) Votes() int32 {
	switch {
	case r.entry.Votes > math.MaxInt32:
		return math.MaxInt32
	case r.entry.Votes < math.MinInt32:
		return math.MinInt32
	}
	return int32(r.entry.Votes)
}

type CastVoteResultResolver struct {
	result *model.CastVoteResult
}

func (r *CastVoteResultResolver) VoteID() graphql.ID {
	return graphql.ID(r.result.VoteID)
}

func (r *CastVoteResultResolver) Status() string {
	return string(r.result.Status)
}

func playgroundHTML(endpoint string) string {
	return `<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <title>livevote GraphQL Playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root"></div>
  <script>window.addEventListener('load', function () {
      GraphQLPlayground.init(document.getElementById('root'), { endpoint: '` + endpoint + `' })
    })</script>
</body>
</html>
`
}
