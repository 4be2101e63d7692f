// Package queue defines the ingestion job queue, the progress store and the
// progress pub/sub used between the API and the worker.
package queue

import (
	"context"
	"time"

	"github.com/signal305/rag-service/internal/scope"
)

// Stage is a step of the ingestion pipeline.
type Stage string

const (
	StageQueued     Stage = "queued"
	StageProcessing Stage = "processing"
	StageReading    Stage = "reading"
	StageChunking   Stage = "chunking"
	StageEmbedding  Stage = "embedding"
	StageEntities   Stage = "entities"
	StageNeo4j      Stage = "neo4j"
	StageIndexed    Stage = "indexed"
	StageFailed     Stage = "failed"
)

// StageProgress maps each stage to its percent-complete value.
var StageProgress = map[Stage]int{
	StageQueued:     0,
	StageProcessing: 5,
	StageReading:    10,
	StageChunking:   35,
	StageEmbedding:  55,
	StageEntities:   85,
	StageNeo4j:      95,
	StageIndexed:    100,
	StageFailed:     0,
}

// Job is one unit of ingestion work.
type Job struct {
	DocID string `json:"doc_id"`
}

// ProgressEvent is published on every stage transition and stored as the
// latest snapshot per document.
type ProgressEvent struct {
	Type      string    `json:"type"`
	DocID     string    `json:"doc_id"`
	Filename  string    `json:"filename,omitempty"`
	Status    string    `json:"status"`
	Stage     Stage     `json:"stage"`
	Progress  int       `json:"progress"`
	Error     string    `json:"error,omitempty"`
	Scope     scope.Key `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// Queue carries ingestion jobs from the API to the worker.
type Queue interface {
	// Push enqueues a job.
	Push(ctx context.Context, job Job) error

	// BlockingPop waits up to timeout for a job. Returns (nil, nil) when
	// the timeout elapses without a job.
	BlockingPop(ctx context.Context, timeout time.Duration) (*Job, error)

	// Depth returns the number of queued jobs.
	Depth(ctx context.Context) (int64, error)
}

// ProgressStore keeps the latest progress snapshot per document, with a TTL
// so finished documents age out.
type ProgressStore interface {
	SetProgress(ctx context.Context, ev ProgressEvent) error

	// GetProgress returns (nil, nil) when no snapshot exists.
	GetProgress(ctx context.Context, docID string) (*ProgressEvent, error)

	// DeleteProgress removes a document's snapshot (admin reset).
	DeleteProgress(ctx context.Context, docID string) error

	// ClearProgress removes every snapshot (admin global reset).
	ClearProgress(ctx context.Context) error
}

// ProgressBus fans progress events out to SSE subscribers.
type ProgressBus interface {
	Publish(ctx context.Context, ev ProgressEvent) error

	// Subscribe returns a channel of events. The returned cancel func
	// closes the subscription and the channel.
	Subscribe(ctx context.Context) (<-chan ProgressEvent, func(), error)
}

// WorkerControl holds the shared pause flag and desired concurrency the
// admin surface adjusts at runtime.
type WorkerControl interface {
	// Paused reports whether workers should stop pulling new jobs.
	Paused(ctx context.Context) (bool, error)
	SetPaused(ctx context.Context, paused bool) error

	// DesiredConcurrency returns the runtime concurrency target, or
	// fallback when none is set.
	DesiredConcurrency(ctx context.Context, fallback int) (int, error)
	SetConcurrency(ctx context.Context, n int) error
}
