package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/lvdashuaibi/livevote/config"
	"github.com/lvdashuaibi/livevote/internal/model"
)

func setupRedis(t *testing.T) *RedisRepository {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := testcontainers.Run(ctx, "redis:7-alpine",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").WithStartupTimeout(30*time.Second),
		),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	endpoint, err := ctr.Endpoint(ctx, "")
	require.NoError(t, err)

	repo, err := NewRedisRepository(config.RedisConfig{
		DataAddress: endpoint,
		PoolSize:    20,
		Timeout:     3 * time.Second,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRedisIncrementScoreReturnsPostUpdateValue(t *testing.T) {
	repo := setupRedis(t)
	ctx := context.Background()
	pollID, optionID := uuid.NewString(), uuid.NewString()

	score, err := repo.IncrementScore(ctx, pollID, optionID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), score)

	score, err = repo.IncrementScore(ctx, pollID, optionID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), score)

	score, err = repo.IncrementScore(ctx, pollID, optionID, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), score)
}

func TestRedisConcurrentIncrementsAccumulate(t *testing.T) {
	repo := setupRedis(t)
	ctx := context.Background()
	pollID, optionID := uuid.NewString(), uuid.NewString()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.IncrementScore(ctx, pollID, optionID, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	ranking, err := repo.Ranking(ctx, pollID, 0)
	require.NoError(t, err)
	require.Len(t, ranking, 1)
	assert.Equal(t, int64(50), ranking[0].Votes)
}

func TestRedisRankingOrdersAndLimits(t *testing.T) {
	repo := setupRedis(t)
	ctx := context.Background()
	pollID := uuid.NewString()
	a, b, c := uuid.NewString(), uuid.NewString(), uuid.NewString()

	for option, votes := range map[string]int64{a: 2, b: 5, c: 1} {
		_, err := repo.IncrementScore(ctx, pollID, option, votes)
		require.NoError(t, err)
	}

	ranking, err := repo.Ranking(ctx, pollID, 2)
	require.NoError(t, err)
	assert.Equal(t, []model.RankEntry{
		{PollOptionID: b, Votes: 5},
		{PollOptionID: a, Votes: 2},
	}, ranking)
}

func TestRedisReplaceRankingSurvivesScriptFlush(t *testing.T) {
	repo := setupRedis(t)
	ctx := context.Background()
	pollID := uuid.NewString()
	a, b := uuid.NewString(), uuid.NewString()

	_, err := repo.IncrementScore(ctx, pollID, a, 7)
	require.NoError(t, err)
	observed, err := repo.Ranking(ctx, pollID, 0)
	require.NoError(t, err)

	require.NoError(t, repo.client.ScriptFlush(ctx).Err())
	replaced, err := repo.ReplaceRanking(ctx, pollID, observed, map[string]int64{a: 3, b: 4})
	require.NoError(t, err)
	require.True(t, replaced)

	ranking, err := repo.Ranking(ctx, pollID, 0)
	require.NoError(t, err)
	assert.Equal(t, []model.RankEntry{
		{PollOptionID: b, Votes: 4},
		{PollOptionID: a, Votes: 3},
	}, ranking)

	replaced, err = repo.ReplaceRanking(ctx, pollID, ranking, map[string]int64{})
	require.NoError(t, err)
	require.True(t, replaced)
	ranking, err = repo.Ranking(ctx, pollID, 0)
	require.NoError(t, err)
	assert.Empty(t, ranking)
}

func TestRedisReplaceRankingAbortsWhenRankingMoved(t *testing.T) {
	repo := setupRedis(t)
	ctx := context.Background()
	pollID := uuid.NewString()
	a, b := uuid.NewString(), uuid.NewString()

	_, err := repo.IncrementScore(ctx, pollID, a, 2)
	require.NoError(t, err)
	observed, err := repo.Ranking(ctx, pollID, 0)
	require.NoError(t, err)

	// a vote counted after the snapshot was taken
	_, err = repo.IncrementScore(ctx, pollID, b, 1)
	require.NoError(t, err)

	replaced, err := repo.ReplaceRanking(ctx, pollID, observed, map[string]int64{a: 5})
	require.NoError(t, err)
	assert.False(t, replaced)

	ranking, err := repo.Ranking(ctx, pollID, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.RankEntry{
		{PollOptionID: a, Votes: 2},
		{PollOptionID: b, Votes: 1},
	}, ranking)

	// an empty snapshot only matches an empty ranking
	replaced, err = repo.ReplaceRanking(ctx, pollID, nil, map[string]int64{a: 5})
	require.NoError(t, err)
	assert.False(t, replaced)
}

func TestRedisPublishReachesSubscriber(t *testing.T) {
	repo := setupRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pollID := uuid.NewString()

	sub, err := repo.Subscribe(ctx, pollID)
	require.NoError(t, err)
	defer sub.Close()

	want := model.VoteDelta{PollOptionID: uuid.NewString(), Votes: 3}
	require.NoError(t, repo.PublishDelta(ctx, pollID, want))

	select {
	case got := <-sub.Deltas():
		assert.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for vote delta")
	}
}
