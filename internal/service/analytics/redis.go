package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/redis/go-redis/v9"

	model "github.com/zhouzirui/voice-genai/backend/internal/model/analytics"
)

const defaultKeyPrefix = "voice-genai:analytics"

// RedisOptions configures a RedisSink.
type RedisOptions struct {
	KeyPrefix   string
	RecentLimit int
}

// RedisSink stores counters in hashes and recent records in capped lists.
type RedisSink struct {
	client *redis.Client
	prefix string
	limit  int64
}

// NewRedisSink wraps an existing client.
func NewRedisSink(client *redis.Client, opts RedisOptions) *RedisSink {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	limit := opts.RecentLimit
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	return &RedisSink{client: client, prefix: prefix, limit: int64(limit)}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func (r *RedisSink) key(name string) string {
	return r.prefix + ":" + name
}

func (r *RedisSink) SaveUsage(ctx context.Context, record model.UsageRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.HIncrBy(ctx, r.key("requests"), record.Service, 1)
	pipe.HIncrByFloat(ctx, r.key("confidence"), record.Service, record.Confidence)
	pipe.LPush(ctx, r.key("usage"), payload)
	pipe.LTrim(ctx, r.key("usage"), 0, r.limit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save usage record: %w", err)
	}
	return nil
}

func (r *RedisSink) SaveConversation(ctx context.Context, record model.ConversationRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal conversation record: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Incr(ctx, r.key("conversation_count"))
	pipe.LPush(ctx, r.key("conversations"), payload)
	pipe.LTrim(ctx, r.key("conversations"), 0, r.limit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save conversation record: %w", err)
	}
	return nil
}

func (r *RedisSink) Stats(ctx context.Context) (model.Stats, error) {
	rawRequests, err := r.client.HGetAll(ctx, r.key("requests")).Result()
	if err != nil {
		return model.Stats{}, fmt.Errorf("load request counters: %w", err)
	}
	rawConfidence, err := r.client.HGetAll(ctx, r.key("confidence")).Result()
	if err != nil {
		return model.Stats{}, fmt.Errorf("load confidence counters: %w", err)
	}
	conversations, err := r.client.Get(ctx, r.key("conversation_count")).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return model.Stats{}, fmt.Errorf("load conversation count: %w", err)
	}

	requests := make(map[string]int64, len(rawRequests))
	for service, v := range rawRequests {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			log.Printf("[analytics] skip malformed request counter %s=%q", service, v)
			continue
		}
		requests[service] = n
	}
	confidence := make(map[string]float64, len(rawConfidence))
	for service, v := range rawConfidence {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		confidence[service] = f
	}

	usage, err := loadRecent[model.UsageRecord](ctx, r.client, r.key("usage"), r.limit)
	if err != nil {
		return model.Stats{}, err
	}
	convos, err := loadRecent[model.ConversationRecord](ctx, r.client, r.key("conversations"), r.limit)
	if err != nil {
		return model.Stats{}, err
	}

	return summarize(requests, confidence, conversations, usage, convos), nil
}

func (r *RedisSink) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func loadRecent[T any](ctx context.Context, client *redis.Client, key string, limit int64) ([]T, error) {
	raw, err := client.LRange(ctx, key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	out := make([]T, 0, len(raw))
	for _, item := range raw {
		var v T
		if err := json.Unmarshal([]byte(item), &v); err != nil {
			log.Printf("[analytics] skip malformed entry in %s: %v", key, err)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
