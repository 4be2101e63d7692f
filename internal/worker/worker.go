// Package worker consumes ingestion jobs and drives documents through the
// extract, chunk, embed, entity and graph stages.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signal305/rag-service/internal/embedder"
	"github.com/signal305/rag-service/internal/graphstore"
	"github.com/signal305/rag-service/internal/ingestion"
	"github.com/signal305/rag-service/internal/queue"
	"github.com/signal305/rag-service/internal/repository"
	"github.com/signal305/rag-service/internal/vectorstore"
)

const (
	popTimeout       = 1 * time.Second
	pausePollEvery   = 1 * time.Second
	embedBatchSize   = 16
	maxConcurrency   = 32
	maxStageAttempts = 3
)

// Chunker produces chunks for a document's pages.
type Chunker interface {
	ChunkPages(ctx context.Context, docID, docType string, pages []ingestion.PageText) ([]ingestion.Chunk, error)
}

// EntityExtractor pulls named entities out of chunk text.
type EntityExtractor interface {
	Extract(ctx context.Context, text string) ([]ingestion.Entity, error)
}

// ExtractFunc reads a stored file into page texts.
type ExtractFunc func(path, contentType, filename string) ([]ingestion.PageText, error)

// Options configure a worker Service.
type Options struct {
	Concurrency int           // fallback when no runtime override is set
	DrainWait   time.Duration // how long to wait for in-flight jobs on shutdown
}

// Service is the ingestion worker loop.
type Service struct {
	repo     repository.DocumentRepository
	jobs     queue.Queue
	progress queue.ProgressStore
	bus      queue.ProgressBus
	control  queue.WorkerControl
	chunker  Chunker
	entities EntityExtractor
	embedder embedder.Embedder
	vectors  vectorstore.VectorStore
	graph    graphstore.GraphStore
	extract  ExtractFunc
	opts     Options
	logger   *slog.Logger

	inFlight atomic.Int64
}

// New creates a worker service. The page extractor defaults to the built-in
// file reader.
func New(
	repo repository.DocumentRepository,
	jobs queue.Queue,
	progress queue.ProgressStore,
	bus queue.ProgressBus,
	control queue.WorkerControl,
	chunker Chunker,
	entities EntityExtractor,
	emb embedder.Embedder,
	vectors vectorstore.VectorStore,
	graph graphstore.GraphStore,
	opts Options,
) *Service {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.DrainWait <= 0 {
		opts.DrainWait = 60 * time.Second
	}
	return &Service{
		repo:     repo,
		jobs:     jobs,
		progress: progress,
		bus:      bus,
		control:  control,
		chunker:  chunker,
		entities: entities,
		embedder: emb,
		vectors:  vectors,
		graph:    graph,
		extract:  ingestion.Extract,
		opts:     opts,
		logger:   slog.Default(),
	}
}

// Run pulls jobs until ctx is canceled, then waits up to DrainWait for
// in-flight documents to finish. Pause and concurrency are re-read from the
// shared control on every iteration so admin changes apply without restart.
func (s *Service) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	// In-flight documents keep running during drain.
	workCtx := context.WithoutCancel(ctx)
	retry := backoff{base: 500 * time.Millisecond, max: 30 * time.Second}

	for {
		select {
		case <-ctx.Done():
			return s.drain(&wg)
		default:
		}

		paused, err := s.control.Paused(ctx)
		if err != nil {
			s.logger.Warn("failed to read pause flag", "error", err)
		} else if paused {
			sleepCtx(ctx, pausePollEvery)
			continue
		}

		desired := s.desiredConcurrency(ctx)
		if int(s.inFlight.Load()) >= desired {
			sleepCtx(ctx, 100*time.Millisecond)
			continue
		}

		job, err := s.jobs.BlockingPop(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return s.drain(&wg)
			}
			s.logger.Error("failed to pop job", "error", err)
			sleepCtx(ctx, retry.next())
			continue
		}
		retry.reset()
		if job == nil {
			continue
		}

		wg.Add(1)
		s.inFlight.Add(1)
		go func(docID string) {
			defer wg.Done()
			defer s.inFlight.Add(-1)
			s.process(workCtx, docID)
		}(job.DocID)
	}
}

func (s *Service) drain(wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(s.opts.DrainWait):
		return fmt.Errorf("shutdown with %d documents still in flight", s.inFlight.Load())
	}
}

func (s *Service) desiredConcurrency(ctx context.Context) int {
	n, err := s.control.DesiredConcurrency(ctx, s.opts.Concurrency)
	if err != nil {
		s.logger.Warn("failed to read concurrency", "error", err)
		return s.opts.Concurrency
	}
	if n < 1 {
		n = 1
	}
	if n > maxConcurrency {
		n = maxConcurrency
	}
	return n
}

// process runs one document through the pipeline. Failures mark the row
// failed and emit a terminal event; the job is never re-queued.
func (s *Service) process(ctx context.Context, docID string) {
	doc, err := s.repo.Get(ctx, docID)
	if err != nil {
		s.logger.Error("dropping job for unknown document", "doc_id", docID, "error", err)
		return
	}
	// The queue is at-least-once; a redelivered job for a finished document
	// must not re-run the pipeline.
	if doc.Status == repository.StatusIndexed || doc.Status == repository.StatusFailed {
		s.logger.Info("dropping job for terminal document", "doc_id", docID, "status", doc.Status)
		return
	}

	start := time.Now()
	chunkCount, entityCount, err := s.ingest(ctx, doc)
	if err != nil {
		s.logger.Error("ingestion failed", "doc_id", docID, "error", err)
		s.fail(ctx, doc, err)
		return
	}
	s.finish(ctx, doc, chunkCount, entityCount)
	s.logger.Info("document indexed",
		"doc_id", docID,
		"chunks", chunkCount,
		"entities", entityCount,
		"elapsed", time.Since(start).Round(time.Millisecond))
}

func (s *Service) ingest(ctx context.Context, doc *repository.Document) (int, int, error) {
	s.advance(ctx, doc, queue.StageProcessing)

	s.advance(ctx, doc, queue.StageReading)
	pages, err := s.extract(doc.StoragePath, doc.ContentType, doc.Filename)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read document: %w", err)
	}

	s.advance(ctx, doc, queue.StageChunking)
	chunks, err := s.chunker.ChunkPages(ctx, doc.DocID, docTypeFor(doc.ContentType), pages)
	if err != nil {
		return 0, 0, fmt.Errorf("chunking failed: %w", err)
	}

	s.advance(ctx, doc, queue.StageEmbedding)
	uuids, err := s.embedAndStore(ctx, doc, chunks)
	if err != nil {
		return 0, 0, err
	}

	s.advance(ctx, doc, queue.StageEntities)
	links, entityCount := s.extractEntities(ctx, doc, chunks, uuids)

	s.advance(ctx, doc, queue.StageNeo4j)
	if s.graph.Enabled() && len(links) > 0 {
		// Graph write failures degrade: the document still counts as
		// indexed, retrieval just loses expansion for it.
		if err := s.graph.LinkChunkEntities(ctx, doc.DocID, doc.Scope, links); err != nil {
			s.logger.Warn("failed to write entity graph", "doc_id", doc.DocID, "error", err)
		}
	}

	return len(chunks), entityCount, nil
}

func (s *Service) embedAndStore(ctx context.Context, doc *repository.Document, chunks []ingestion.Chunk) ([]string, error) {
	now := time.Now().UTC()
	stored := make([]vectorstore.Chunk, len(chunks))
	vectors := make([][]float32, 0, len(chunks))

	for i, ch := range chunks {
		stored[i] = vectorstore.Chunk{
			ChunkID:      ch.ChunkID,
			ParentDocID:  doc.DocID,
			Text:         ch.Text,
			Title:        ch.Title,
			Section:      ch.Section,
			Summary:      ch.Summary,
			WhyThisChunk: ch.WhyThisChunk,
			DocType:      ch.DocType,
			Pages:        ch.Pages,
			StartChar:    ch.StartChar,
			EndChar:      ch.EndChar,
			CreatedAt:    now,
			Scope:        doc.Scope,
		}
	}

	for start := 0; start < len(chunks); start += embedBatchSize {
		end := min(start+embedBatchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, ch := range chunks[start:end] {
			texts = append(texts, ch.Text)
		}
		vecs, err := s.embedBatch(ctx, doc.DocID, texts)
		if err != nil {
			return nil, fmt.Errorf("embedding failed: %w", err)
		}
		vectors = append(vectors, vecs...)
	}

	uuids, err := s.vectors.InsertChunks(ctx, stored, vectors)
	if err != nil {
		return nil, fmt.Errorf("failed to store chunks: %w", err)
	}
	return uuids, nil
}

// embedBatch retries transient embedding failures with jittered backoff
// before giving up on the document.
func (s *Service) embedBatch(ctx context.Context, docID string, texts []string) ([][]float32, error) {
	retry := backoff{base: 500 * time.Millisecond, max: 5 * time.Second}
	var lastErr error
	for attempt := 1; attempt <= maxStageAttempts; attempt++ {
		vecs, err := s.embedder.EmbedBatch(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < maxStageAttempts {
			s.logger.Warn("embedding batch failed, retrying",
				"doc_id", docID, "attempt", attempt, "error", err)
			sleepCtx(ctx, retry.next())
		}
	}
	return nil, lastErr
}

// extractEntities runs entity extraction per chunk, best effort. A chunk
// whose extraction fails simply contributes no entities. Returns the graph
// links and the number of distinct entities across the document.
func (s *Service) extractEntities(ctx context.Context, doc *repository.Document, chunks []ingestion.Chunk, uuids []string) ([]graphstore.ChunkEntities, int) {
	if s.entities == nil {
		return nil, 0
	}

	var links []graphstore.ChunkEntities
	distinct := make(map[string]struct{})

	for i, ch := range chunks {
		if i >= len(uuids) {
			break
		}
		ents, err := s.entities.Extract(ctx, ch.Text)
		if err != nil {
			s.logger.Warn("entity extraction failed for chunk", "doc_id", doc.DocID, "chunk_id", ch.ChunkID, "error", err)
			continue
		}
		if len(ents) == 0 {
			continue
		}

		link := graphstore.ChunkEntities{ChunkUUID: uuids[i], ChunkID: ch.ChunkID}
		for _, e := range ents {
			id := ingestion.EntityID(doc.Scope.TenantID, e.Type, e.Name)
			distinct[id] = struct{}{}
			link.Entities = append(link.Entities, graphstore.Entity{
				EntityID: id,
				Type:     e.Type,
				Name:     e.Name,
			})
		}
		links = append(links, link)
	}
	return links, len(distinct)
}

// advance records a stage transition on the row, in the progress snapshot
// and on the bus. Persistence errors are logged, not fatal.
func (s *Service) advance(ctx context.Context, doc *repository.Document, stage queue.Stage) {
	status := repository.StatusProcessing
	progress := queue.StageProgress[stage]
	s.update(ctx, doc.DocID, repository.Fields{
		Status:   &status,
		Stage:    stageStr(stage),
		Progress: &progress,
	})
	s.emit(ctx, doc, "progress", string(status), stage, "")
}

func (s *Service) finish(ctx context.Context, doc *repository.Document, chunkCount, entityCount int) {
	status := repository.StatusIndexed
	progress := queue.StageProgress[queue.StageIndexed]
	s.update(ctx, doc.DocID, repository.Fields{
		Status:      &status,
		Stage:       stageStr(queue.StageIndexed),
		Progress:    &progress,
		ChunkCount:  &chunkCount,
		EntityCount: &entityCount,
	})
	s.emit(ctx, doc, "complete", string(status), queue.StageIndexed, "")
}

// fail marks the row failed. Progress is left untouched so the row keeps the
// value of the last stage reached; only the event reports 0.
func (s *Service) fail(ctx context.Context, doc *repository.Document, cause error) {
	status := repository.StatusFailed
	msg := cause.Error()
	s.update(ctx, doc.DocID, repository.Fields{
		Status:       &status,
		Stage:        stageStr(queue.StageFailed),
		ErrorMessage: &msg,
	})
	s.emit(ctx, doc, "error", string(status), queue.StageFailed, msg)
}

func (s *Service) update(ctx context.Context, docID string, fields repository.Fields) {
	if err := s.repo.UpdateFields(ctx, docID, fields); err != nil {
		s.logger.Warn("failed to update document row", "doc_id", docID, "error", err)
	}
}

func (s *Service) emit(ctx context.Context, doc *repository.Document, typ, status string, stage queue.Stage, errMsg string) {
	ev := queue.ProgressEvent{
		Type:      typ,
		DocID:     doc.DocID,
		Filename:  doc.Filename,
		Status:    status,
		Stage:     stage,
		Progress:  queue.StageProgress[stage],
		Error:     errMsg,
		Scope:     doc.Scope,
		Timestamp: time.Now().UTC(),
	}
	if err := s.progress.SetProgress(ctx, ev); err != nil {
		s.logger.Warn("failed to store progress snapshot", "doc_id", doc.DocID, "error", err)
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Warn("failed to publish progress event", "doc_id", doc.DocID, "error", err)
	}
}

func stageStr(stage queue.Stage) *string {
	s := string(stage)
	return &s
}

func docTypeFor(contentType string) string {
	if contentType == "application/pdf" {
		return "pdf"
	}
	return "text"
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// backoff grows the wait between retries exponentially with jitter.
type backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func (b *backoff) next() time.Duration {
	d := b.base << b.attempt
	if d > b.max || d <= 0 {
		d = b.max
	} else {
		b.attempt++
	}
	return d/2 + rand.N(d/2)
}

func (b *backoff) reset() { b.attempt = 0 }
