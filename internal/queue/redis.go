package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/signal305/rag-service/internal/scope"
)

const (
	progressKeyPrefix = "progress:"
	progressTTL       = time.Hour

	pausedKey      = "rag:workers_paused_at"
	concurrencyKey = "rag:workers_concurrency"
)

// Redis implements Queue, ProgressStore, ProgressBus and WorkerControl on a
// single Redis connection.
type Redis struct {
	client   *redis.Client
	queueKey string
	channel  string
}

// NewRedis connects to Redis using a redis:// URL.
func NewRedis(redisURL, queueKey, channel string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	return &Redis{
		client:   redis.NewClient(opts),
		queueKey: queueKey,
		channel:  channel,
	}, nil
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Push enqueues a job on the ingestion list.
func (r *Redis) Push(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := r.client.LPush(ctx, r.queueKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to push job: %w", err)
	}
	return nil
}

// BlockingPop waits up to timeout for a job. Returns (nil, nil) on timeout.
func (r *Redis) BlockingPop(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := r.client.BRPop(ctx, timeout, r.queueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop job: %w", err)
	}
	// BRPOP returns [key, value]
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Depth returns the current queue length.
func (r *Redis) Depth(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, r.queueKey).Result()
}

// wireEvent carries the scope coordinate alongside the event so subscribers
// can apply the visibility filter. The scope never reaches API responses.
type wireEvent struct {
	ProgressEvent
	TenantID    string `json:"tenant_id"`
	ScopeLevel  string `json:"scope"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	PrincipalID string `json:"principal_id,omitempty"`
}

func toWire(ev ProgressEvent) wireEvent {
	return wireEvent{
		ProgressEvent: ev,
		TenantID:      ev.Scope.TenantID,
		ScopeLevel:    string(ev.Scope.Scope),
		WorkspaceID:   ev.Scope.WorkspaceID,
		PrincipalID:   ev.Scope.PrincipalID,
	}
}

func (w wireEvent) event() ProgressEvent {
	ev := w.ProgressEvent
	ev.Scope = scope.Key{
		TenantID:    w.TenantID,
		Scope:       scope.Scope(w.ScopeLevel),
		WorkspaceID: w.WorkspaceID,
		PrincipalID: w.PrincipalID,
	}
	return ev
}

// SetProgress stores the latest snapshot for a document with a TTL.
func (r *Redis) SetProgress(ctx context.Context, ev ProgressEvent) error {
	payload, err := json.Marshal(toWire(ev))
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	key := progressKeyPrefix + ev.DocID
	if err := r.client.Set(ctx, key, payload, progressTTL).Err(); err != nil {
		return fmt.Errorf("failed to store progress: %w", err)
	}
	return nil
}

// GetProgress returns the latest snapshot, or (nil, nil) when none exists.
func (r *Redis) GetProgress(ctx context.Context, docID string) (*ProgressEvent, error) {
	raw, err := r.client.Get(ctx, progressKeyPrefix+docID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}
	var w wireEvent
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
	}
	ev := w.event()
	return &ev, nil
}

// DeleteProgress removes a document's snapshot.
func (r *Redis) DeleteProgress(ctx context.Context, docID string) error {
	return r.client.Del(ctx, progressKeyPrefix+docID).Err()
}

// ClearProgress removes every snapshot key.
func (r *Redis) ClearProgress(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, progressKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete progress key: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan progress keys: %w", err)
	}
	return nil
}

// Publish broadcasts a progress event on the pub/sub channel.
func (r *Redis) Publish(ctx context.Context, ev ProgressEvent) error {
	payload, err := json.Marshal(toWire(ev))
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish progress event: %w", err)
	}
	return nil
}

// Subscribe listens on the progress channel until cancel is called or the
// context ends. Undecodable messages are skipped.
func (r *Redis) Subscribe(ctx context.Context) (<-chan ProgressEvent, func(), error) {
	sub := r.client.Subscribe(ctx, r.channel)
	// Force the subscription to be established before returning.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan ProgressEvent)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var w wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
				continue
			}
			select {
			case out <- w.event():
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}

// Paused reports whether the pause flag is set.
func (r *Redis) Paused(ctx context.Context) (bool, error) {
	_, err := r.client.Get(ctx, pausedKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read pause flag: %w", err)
	}
	return true, nil
}

// SetPaused sets or clears the pause flag. The value records when the
// workers were stopped.
func (r *Redis) SetPaused(ctx context.Context, paused bool) error {
	if paused {
		return r.client.Set(ctx, pausedKey, time.Now().UTC().Format(time.RFC3339), 0).Err()
	}
	return r.client.Del(ctx, pausedKey).Err()
}

// DesiredConcurrency reads the runtime concurrency target.
func (r *Redis) DesiredConcurrency(ctx context.Context, fallback int) (int, error) {
	raw, err := r.client.Get(ctx, concurrencyKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fallback, nil
		}
		return fallback, fmt.Errorf("failed to read concurrency: %w", err)
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback, nil
	}
	return n, nil
}

// SetConcurrency stores the runtime concurrency target.
func (r *Redis) SetConcurrency(ctx context.Context, n int) error {
	return r.client.Set(ctx, concurrencyKey, strconv.Itoa(n), 0).Err()
}

var (
	_ Queue         = (*Redis)(nil)
	_ ProgressStore = (*Redis)(nil)
	_ ProgressBus   = (*Redis)(nil)
	_ WorkerControl = (*Redis)(nil)
)
