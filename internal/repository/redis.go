package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/livevote/config"
	"github.com/lvdashuaibi/livevote/internal/model"
)

const (
	// RankingKeyPrefix prefixes the per-poll sorted set (member = option id, score = votes).
	RankingKeyPrefix = "poll:ranking:"

	replaceRankingScriptName = "replaceRanking"

	// Rebuilds a whole ranking atomically, but only while the sorted set still
	// equals the observed snapshot. ARGV[1] is the number of snapshot pairs,
	// followed by the snapshot option/score pairs and then the new pairs.
	// Returns -1 when the ranking moved since the snapshot.
	ReplaceRankingScript = `
		local n = tonumber(ARGV[1])
		local current = redis.call('ZRANGE', KEYS[1], 0, -1, 'WITHSCORES')
		if #current ~= n * 2 then
			return -1
		end
		local expected = {}
		for i = 2, n * 2, 2 do
			expected[ARGV[i]] = tonumber(ARGV[i + 1])
		end
		for i = 1, #current, 2 do
			if expected[current[i]] ~= tonumber(current[i + 1]) then
				return -1
			end
		end
		redis.call('DEL', KEYS[1])
		for i = n * 2 + 2, #ARGV, 2 do
			local score = tonumber(ARGV[i + 1])
			if score and score > 0 then
				redis.call('ZADD', KEYS[1], score, ARGV[i])
			end
		end
		return redis.call('ZCARD', KEYS[1])
	`
)

// RedisRepository holds the rank counter and the live delta channel of every poll.
type RedisRepository struct {
	client *redis.Client
	logger *zap.Logger

	mu           sync.RWMutex
	scriptHashes map[string]string // script name -> SHA1
}

func NewRedisRepository(cfg config.RedisConfig, logger *zap.Logger) (*RedisRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.DataAddress,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout(cfg))
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis data node: %w", err)
	}

	repo := &RedisRepository{
		client:       client,
		logger:       logger.Named("redis"),
		scriptHashes: make(map[string]string),
	}

	if err := repo.preloadScripts(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("preload lua scripts: %w", err)
	}

	return repo, nil
}

func pingTimeout(cfg config.RedisConfig) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return 3 * time.Second
}

// preloadScripts loads every Lua script once so hot paths can use EVALSHA.
func (r *RedisRepository) preloadScripts(ctx context.Context) error {
	sha1, err := r.client.ScriptLoad(ctx, ReplaceRankingScript).Result()
	if err != nil {
		return fmt.Errorf("load %s script: %w", replaceRankingScriptName, err)
	}
	r.mu.Lock()
	r.scriptHashes[replaceRankingScriptName] = sha1
	r.mu.Unlock()
	return nil
}

func rankingKey(pollID string) string {
	return RankingKeyPrefix + pollID
}

// IncrementScore atomically adds delta to the option's score and returns the
// score after the update.
func (r *RedisRepository) IncrementScore(ctx context.Context, pollID, optionID string, delta int64) (int64, error) {
	score, err := r.client.ZIncrBy(ctx, rankingKey(pollID), float64(delta), optionID).Result()
	if err != nil {
		return 0, fmt.Errorf("increment ranking score: %w: %w", model.ErrUnavailable, err)
	}
	return int64(math.Round(score)), nil
}

// Ranking returns the poll's options ordered by votes, highest first. A limit
// of zero or less returns every option.
func (r *RedisRepository) Ranking(ctx context.Context, pollID string, limit int64) ([]model.RankEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = limit - 1
	}

	members, err := r.client.ZRevRangeWithScores(ctx, rankingKey(pollID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read ranking: %w: %w", model.ErrUnavailable, err)
	}

	ranking := make([]model.RankEntry, 0, len(members))
	for _, m := range members {
		optionID, ok := m.Member.(string)
		if !ok {
			continue
		}
		ranking = append(ranking, model.RankEntry{
			PollOptionID: optionID,
			Votes:        int64(math.Round(m.Score)),
		})
	}
	return ranking, nil
}

// ReplaceRanking rebuilds the poll's ranking from authoritative counts in one
// atomic script run, provided the ranking still equals observed (as returned
// by Ranking with no limit). It reports false without changing anything when
// an increment landed after observed was read.
func (r *RedisRepository) ReplaceRanking(ctx context.Context, pollID string, observed []model.RankEntry, counts map[string]int64) (bool, error) {
	args := make([]interface{}, 0, 1+len(observed)*2+len(counts)*2)
	args = append(args, len(observed))
	for _, entry := range observed {
		args = append(args, entry.PollOptionID, strconv.FormatInt(entry.Votes, 10))
	}
	for optionID, count := range counts {
		args = append(args, optionID, strconv.FormatInt(count, 10))
	}

	result, err := r.evalScript(ctx, replaceRankingScriptName, ReplaceRankingScript, []string{rankingKey(pollID)}, args...)
	if err != nil {
		return false, fmt.Errorf("replace ranking: %w: %w", model.ErrUnavailable, err)
	}
	if n, ok := result.(int64); ok && n < 0 {
		return false, nil
	}
	return true, nil
}

// evalScript runs a preloaded script by SHA1 and reloads it once when the
// server answers NOSCRIPT (after a restart or SCRIPT FLUSH).
func (r *RedisRepository) evalScript(ctx context.Context, name, source string, keys []string, args ...interface{}) (interface{}, error) {
	r.mu.RLock()
	sha1, ok := r.scriptHashes[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("script %s not preloaded", name)
	}

	result, err := r.client.EvalSha(ctx, sha1, keys, args...).Result()
	if err == nil || err == redis.Nil {
		return result, nil
	}
	if !strings.HasPrefix(err.Error(), "NOSCRIPT") {
		return nil, err
	}

	sha1, err = r.client.ScriptLoad(ctx, source).Result()
	if err != nil {
		return nil, fmt.Errorf("reload %s script: %w", name, err)
	}
	r.mu.Lock()
	r.scriptHashes[name] = sha1
	r.mu.Unlock()

	result, err = r.client.EvalSha(ctx, sha1, keys, args...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	return result, nil
}

// PublishDelta broadcasts the delta on the channel named by the poll id.
func (r *RedisRepository) PublishDelta(ctx context.Context, pollID string, delta model.VoteDelta) error {
	data, err := json.Marshal(delta)
	if err != nil {
		return fmt.Errorf("encode vote delta: %w", err)
	}
	if err := r.client.Publish(ctx, pollID, data).Err(); err != nil {
		return fmt.Errorf("publish vote delta: %w: %w", model.ErrUnavailable, err)
	}
	return nil
}

// DeltaSubscription is a live feed of one poll's deltas.
type DeltaSubscription struct {
	pubsub *redis.PubSub
	deltas chan model.VoteDelta
}

// Deltas is closed when the subscription is closed or its context ends.
func (s *DeltaSubscription) Deltas() <-chan model.VoteDelta {
	return s.deltas
}

func (s *DeltaSubscription) Close() error {
	return s.pubsub.Close()
}

// Subscribe attaches to the poll channel. Deltas published before the call are
// not replayed; callers read a Ranking snapshot for the current state.
func (r *RedisRepository) Subscribe(ctx context.Context, pollID string) (*DeltaSubscription, error) {
	pubsub := r.client.Subscribe(ctx, pollID)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to poll channel: %w: %w", model.ErrUnavailable, err)
	}

	sub := &DeltaSubscription{
		pubsub: pubsub,
		deltas: make(chan model.VoteDelta, 16),
	}

	go func() {
		defer close(sub.deltas)
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var delta model.VoteDelta
				if err := json.Unmarshal([]byte(msg.Payload), &delta); err != nil {
					r.logger.Warn("discarding malformed vote delta",
						zap.String("poll_id", pollID), zap.Error(err))
					continue
				}
				select {
				case sub.deltas <- delta:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return sub, nil
}

// SubscribeDeltas is Subscribe for callers that only hold ctx: the feed is
// released when ctx ends.
func (r *RedisRepository) SubscribeDeltas(ctx context.Context, pollID string) (<-chan model.VoteDelta, error) {
	sub, err := r.Subscribe(ctx, pollID)
	if err != nil {
		return nil, err
	}
	return sub.Deltas(), nil
}

// Ping reports whether the data node answers.
func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client and every subscription built on it.
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
