package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lfedgeai/SPEAR-sub001/internal/errs"
	"github.com/lfedgeai/SPEAR-sub001/pkg/types"
)

const (
	DefaultStream     = "spear:task_events"
	DefaultTaskPrefix = "spear:task:"
	DefaultBlock      = 5 * time.Second
	DefaultBatch      = 64
)

// RedisConfig locates the feed stream and the task records.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	Stream     string
	TaskPrefix string
	// Block bounds each XREAD wait; it must be positive since a zero block
	// waits forever.
	Block time.Duration
	Batch int64
}

// Redis reads task events from a stream and task records from JSON keys.
// It implements both Source and Lookup.
type Redis struct {
	client *redis.Client
	stream string
	prefix string
	block  time.Duration
	batch  int64
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     4,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, errs.Wrap(errs.ClassRuntime, errs.KindConnectFailed, err, "redis %s", cfg.Addr)
	}
	return NewRedis(client, cfg), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, cfg RedisConfig) *Redis {
	r := &Redis{client: client, stream: cfg.Stream, prefix: cfg.TaskPrefix, block: cfg.Block, batch: cfg.Batch}
	if r.stream == "" {
		r.stream = DefaultStream
	}
	if r.prefix == "" {
		r.prefix = DefaultTaskPrefix
	}
	if r.block <= 0 {
		r.block = DefaultBlock
	}
	if r.batch <= 0 {
		r.batch = DefaultBatch
	}
	return r
}

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) Next(ctx context.Context, after string) ([]Event, error) {
	if after == "" {
		after = "0"
	}
	streams, err := r.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{r.stream, after},
		Count:   r.batch,
		Block:   r.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.FromContext(err, "xread %s", r.stream)
	}
	var out []Event
	for _, s := range streams {
		for _, msg := range s.Messages {
			out = append(out, Event{
				ID:     msg.ID,
				Kind:   Kind(field(msg.Values, "kind")),
				TaskID: field(msg.Values, "task_id"),
				NodeID: field(msg.Values, "node_id"),
			})
		}
	}
	return out, nil
}

func field(values map[string]any, key string) string {
	switch v := values[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Publish appends ev to the stream and returns the id Redis assigned.
func (r *Redis) Publish(ctx context.Context, ev Event) (string, error) {
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{"kind": string(ev.Kind), "task_id": ev.TaskID, "node_id": ev.NodeID},
	}).Result()
}

func (r *Redis) GetTask(ctx context.Context, taskID string) (types.TaskRecord, error) {
	b, err := r.client.Get(ctx, r.prefix+taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.TaskRecord{}, errs.Task(errs.KindNotFound, "task %s not found in cluster", taskID)
	}
	if err != nil {
		return types.TaskRecord{}, errs.FromContext(err, "get task %s", taskID)
	}
	var rec types.TaskRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return types.TaskRecord{}, errs.Wrap(errs.ClassTask, errs.KindValidation, err, "decode task %s", taskID)
	}
	if rec.TaskID == "" {
		rec.TaskID = taskID
	}
	return rec, nil
}

// PutTask stores rec as JSON under its task key.
func (r *Redis) PutTask(ctx context.Context, rec types.TaskRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.prefix+rec.TaskID, b, 0).Err()
}
