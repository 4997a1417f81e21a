// Package cache keeps derived ATP workflow state in Redis: cached read
// models, an index of open SLA deadlines and a transition event channel.
// Postgres stays the source of truth; everything here can be rebuilt.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aribuy/apms-sub002/internal/workflow"
)

const (
	readModelPrefix   = "atp:readmodel:"
	slaDeadlinesKey   = "atp:sla:deadlines"
	TransitionChannel = "atp:transitions"
)

// Connect parses redisURL and checks the server is reachable.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// ReadModelCache stores document read models as JSON with a TTL.
type ReadModelCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewReadModelCache(client *redis.Client, ttl time.Duration) *ReadModelCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ReadModelCache{client: client, ttl: ttl}
}

func (c *ReadModelCache) key(documentID string) string {
	return readModelPrefix + documentID
}

// Get returns false without error on a cache miss.
func (c *ReadModelCache) Get(ctx context.Context, documentID string) (workflow.ReadModel, bool, error) {
	raw, err := c.client.Get(ctx, c.key(documentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return workflow.ReadModel{}, false, nil
	}
	if err != nil {
		return workflow.ReadModel{}, false, fmt.Errorf("get read model: %w", err)
	}
	var model workflow.ReadModel
	if err := json.Unmarshal(raw, &model); err != nil {
		return workflow.ReadModel{}, false, fmt.Errorf("unmarshal read model: %w", err)
	}
	return model, true, nil
}

// Each cached model is paired with a version key holding the highest
// Document.UpdatedAt (unix micros) written for it. Put and Invalidate raise
// the version; Add refuses a model older than it.
var (
	putScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
local v = redis.call('GET', KEYS[2])
if not v or tonumber(v) < tonumber(ARGV[2]) then
  redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
end
return 1`)

	addScript = redis.NewScript(`
local v = redis.call('GET', KEYS[2])
if v and tonumber(v) > tonumber(ARGV[2]) then
  return 0
end
if redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3], 'NX') then
  return 1
end
return 0`)

	invalidateScript = redis.NewScript(`
redis.call('DEL', KEYS[1])
local v = redis.call('GET', KEYS[2])
if not v or tonumber(v) < tonumber(ARGV[1]) then
  redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
end
return 1`)
)

func (c *ReadModelCache) versionKey(documentID string) string {
	return readModelPrefix + documentID + ":version"
}

func version(t time.Time) int64 { return t.UnixMicro() }

// Put overwrites the cached model. The transition observer uses it.
func (c *ReadModelCache) Put(ctx context.Context, model workflow.ReadModel) error {
	raw, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("marshal read model: %w", err)
	}
	id := model.Document.ID
	err = putScript.Run(ctx, c.client, []string{c.key(id), c.versionKey(id)},
		raw, version(model.Document.UpdatedAt), c.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("save read model: %w", err)
	}
	return nil
}

// Add stores model only when no entry exists and no newer version of the
// document was written. Read-through fills use it so a model loaded before a
// transition cannot replace or outlive the one the transition produced.
// It reports whether the model was stored.
func (c *ReadModelCache) Add(ctx context.Context, model workflow.ReadModel) (bool, error) {
	raw, err := json.Marshal(model)
	if err != nil {
		return false, fmt.Errorf("marshal read model: %w", err)
	}
	id := model.Document.ID
	added, err := addScript.Run(ctx, c.client, []string{c.key(id), c.versionKey(id)},
		raw, version(model.Document.UpdatedAt), c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("add read model: %w", err)
	}
	return added == 1, nil
}

// Invalidate drops the cached model and records updatedAt as the minimum
// version a later fill must carry.
func (c *ReadModelCache) Invalidate(ctx context.Context, documentID string, updatedAt time.Time) error {
	err := invalidateScript.Run(ctx, c.client, []string{c.key(documentID), c.versionKey(documentID)},
		version(updatedAt), c.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("invalidate read model: %w", err)
	}
	return nil
}

// SLATracker indexes pending stages by deadline in a sorted set so overdue
// stages can be listed without scanning the database.
type SLATracker struct {
	client *redis.Client
}

func NewSLATracker(client *redis.Client) *SLATracker {
	return &SLATracker{client: client}
}

// Sync makes the index reflect the stages of one document: pending stages
// with a deadline are tracked, everything else is dropped.
func (t *SLATracker) Sync(ctx context.Context, stages []workflow.ReviewStage) error {
	pipe := t.client.TxPipeline()
	for _, stage := range stages {
		if stage.ReviewStatus == workflow.ReviewPending && stage.SLADeadline != nil {
			pipe.ZAdd(ctx, slaDeadlinesKey, redis.Z{
				Score:  float64(stage.SLADeadline.UnixMilli()),
				Member: stage.ID,
			})
			continue
		}
		pipe.ZRem(ctx, slaDeadlinesKey, stage.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sync sla deadlines: %w", err)
	}
	return nil
}

// Overdue returns the ids of tracked stages whose deadline is before now,
// earliest first.
func (t *SLATracker) Overdue(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := t.client.ZRangeByScore(ctx, slaDeadlinesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list overdue stages: %w", err)
	}
	return ids, nil
}

func (t *SLATracker) Len(ctx context.Context) (int64, error) {
	return t.client.ZCard(ctx, slaDeadlinesKey).Result()
}

// Publisher broadcasts committed transitions as JSON on TransitionChannel.
type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) Publish(ctx context.Context, event workflow.TransitionEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal transition: %w", err)
	}
	if err := p.client.Publish(ctx, TransitionChannel, raw).Err(); err != nil {
		return fmt.Errorf("publish transition: %w", err)
	}
	return nil
}
