package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/signal305/rag-service/internal/auth"
	"github.com/signal305/rag-service/internal/graphstore"
	"github.com/signal305/rag-service/internal/queue"
	"github.com/signal305/rag-service/internal/repository"
	"github.com/signal305/rag-service/internal/retrieval"
	"github.com/signal305/rag-service/internal/scope"
)

const maxUploadBytes = 64 << 20

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	vis, ok := auth.VisibilityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		TenantID    string `json:"tenant_id"`
		WorkspaceID string `json:"workspace_id,omitempty"`
		PrincipalID string `json:"principal_id,omitempty"`
	}{vis.TenantID, vis.WorkspaceID, vis.PrincipalID})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	vis, _ := auth.VisibilityFromContext(r.Context())

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	sc, err := scope.ParseScope(r.FormValue("scope"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key, err := vis.KeyFor(sc)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	docID := uuid.New().String()
	filename := SanitizeFilename(header.Filename)
	dir := filepath.Join(s.deps.DataDir, "uploads", key.TenantID, docID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}
	path := filepath.Join(dir, filename)

	written, err := copyToFile(path, file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}
	if written == 0 {
		_ = os.RemoveAll(dir)
		writeError(w, http.StatusBadRequest, "empty file")
		return
	}

	now := time.Now().UTC()
	doc := &repository.Document{
		DocID:       docID,
		Scope:       key,
		Filename:    filename,
		ContentType: header.Header.Get("Content-Type"),
		StoragePath: path,
		Status:      repository.StatusQueued,
		Stage:       string(queue.StageQueued),
		Progress:    0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.deps.Repo.Insert(r.Context(), doc); err != nil {
		s.logger.Error("failed to insert document", "doc_id", docID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create document")
		return
	}

	ev := queue.ProgressEvent{
		Type:      "progress",
		DocID:     docID,
		Filename:  filename,
		Status:    string(repository.StatusQueued),
		Stage:     queue.StageQueued,
		Progress:  0,
		Scope:     key,
		Timestamp: now,
	}
	if err := s.deps.Progress.SetProgress(r.Context(), ev); err != nil {
		s.logger.Warn("failed to store initial progress", "doc_id", docID, "error", err)
	}
	if err := s.deps.Bus.Publish(r.Context(), ev); err != nil {
		s.logger.Warn("failed to publish initial progress", "doc_id", docID, "error", err)
	}

	if err := s.deps.Jobs.Push(r.Context(), queue.Job{DocID: docID}); err != nil {
		s.logger.Error("failed to enqueue ingestion job", "doc_id", docID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue ingestion")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"doc_id": docID,
		"status": string(repository.StatusQueued),
	})
}

func copyToFile(path string, src io.Reader) (int64, error) {
	dst, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer dst.Close()
	return io.Copy(dst, src)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	vis, _ := auth.VisibilityFromContext(r.Context())
	docID := chi.URLParam(r, "doc_id")

	doc, err := s.deps.Repo.GetByID(r.Context(), vis, docID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		s.logger.Error("failed to get document", "doc_id", docID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get document")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	vis, _ := auth.VisibilityFromContext(r.Context())

	opts := repository.ListOptions{Sort: "created_at", Order: "desc"}

	limit, err := intParam(r, "limit", 100, 1, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts.Limit = limit

	offset, err := intParam(r, "offset", 0, 0, 1<<30)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts.Offset = offset

	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := repository.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.Status = status
	}
	if raw := r.URL.Query().Get("sort"); raw != "" {
		if !repository.SortColumns[raw] {
			writeError(w, http.StatusBadRequest, "invalid sort column: "+raw)
			return
		}
		opts.Sort = raw
	}
	if raw := r.URL.Query().Get("order"); raw != "" {
		order := strings.ToLower(raw)
		if order != "asc" && order != "desc" {
			writeError(w, http.StatusBadRequest, "invalid order: "+raw)
			return
		}
		opts.Order = order
	}

	docs, err := s.deps.Repo.List(r.Context(), vis, opts)
	if err != nil {
		s.logger.Error("failed to list documents", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}
	if docs == nil {
		docs = []*repository.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents": docs,
		"limit":     opts.Limit,
		"offset":    opts.Offset,
	})
}

func (s *Server) handleDocumentCounts(w http.ResponseWriter, r *http.Request) {
	vis, _ := auth.VisibilityFromContext(r.Context())

	counts, err := s.deps.Repo.CountsByStatus(r.Context(), vis)
	if err != nil {
		s.logger.Error("failed to count documents", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to count documents")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleActiveIngestions(w http.ResponseWriter, r *http.Request) {
	vis, _ := auth.VisibilityFromContext(r.Context())

	docs, err := s.deps.Repo.ListActive(r.Context(), vis, 500)
	if err != nil {
		s.logger.Error("failed to list active ingestions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list active ingestions")
		return
	}

	active := make([]queue.ProgressEvent, 0, len(docs))
	for _, doc := range docs {
		snap, err := s.deps.Progress.GetProgress(r.Context(), doc.DocID)
		if err != nil {
			s.logger.Warn("failed to load progress snapshot", "doc_id", doc.DocID, "error", err)
		}
		if snap == nil {
			// No snapshot yet; synthesize one from the row.
			snap = &queue.ProgressEvent{
				Type:      "progress",
				DocID:     doc.DocID,
				Filename:  doc.Filename,
				Status:    string(doc.Status),
				Stage:     queue.Stage(doc.Stage),
				Progress:  doc.Progress,
				Timestamp: doc.UpdatedAt,
			}
		}
		active = append(active, *snap)
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active})
}

func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	vis, _ := auth.VisibilityFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, cancel := s.deps.Broadcast.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "data: %s\n\n", `{"type":"connected"}`)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !vis.Allows(ev.Scope) {
				continue
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	vis, _ := auth.VisibilityFromContext(r.Context())

	var req retrieval.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.deps.Retrieval.Retrieve(r.Context(), vis, req)
	if err != nil {
		s.logger.Error("retrieval failed", "error", err)
		writeError(w, http.StatusInternalServerError, "retrieval failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTopEntities(w http.ResponseWriter, r *http.Request) {
	vis, _ := auth.VisibilityFromContext(r.Context())

	limit, err := intParam(r, "limit", 50, 1, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query().Get("q")
	entityType := r.URL.Query().Get("entity_type")

	entities, err := s.deps.Graph.TopEntities(r.Context(), vis, q, entityType, limit)
	if err != nil {
		s.logger.Warn("graph browse failed", "error", err)
		entities = nil
	}
	if entities == nil {
		entities = []graphstore.Entity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

func (s *Server) handleEntityChunks(w http.ResponseWriter, r *http.Request) {
	vis, _ := auth.VisibilityFromContext(r.Context())

	limit, err := intParam(r, "limit", 25, 1, 200)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entityID := chi.URLParam(r, "entity_id")

	chunks, err := s.deps.Graph.ChunksForEntity(r.Context(), vis, entityID, limit)
	if err != nil {
		s.logger.Warn("graph browse failed", "entity_id", entityID, "error", err)
		chunks = nil
	}
	if chunks == nil {
		chunks = []graphstore.ChunkRef{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": chunks})
}

func (s *Server) handleDocumentEntities(w http.ResponseWriter, r *http.Request) {
	vis, _ := auth.VisibilityFromContext(r.Context())

	limit, err := intParam(r, "limit", 50, 1, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	docID := chi.URLParam(r, "doc_id")

	entities, err := s.deps.Graph.EntitiesForDocument(r.Context(), vis, docID, limit)
	if err != nil {
		s.logger.Warn("graph browse failed", "doc_id", docID, "error", err)
		entities = nil
	}
	if entities == nil {
		entities = []graphstore.Entity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

// handleHealth probes every dependency concurrently. Dependency faults are
// reported in the body, never as a 5xx.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type depState struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}

	var mu sync.Mutex
	deps := make(map[string]depState, len(s.deps.Probes))

	g, ctx := errgroup.WithContext(r.Context())
	for _, probe := range s.deps.Probes {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			state := depState{Status: "ok"}
			if err := probe.Ping(probeCtx); err != nil {
				state = depState{Status: "error", Error: err.Error()}
			}
			mu.Lock()
			deps[probe.Name] = state
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	status := "healthy"
	for _, state := range deps {
		if state.Status != "ok" {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       status,
		"dependencies": deps,
	})
}

func intParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%s must be between %d and %d", name, lo, hi)
	}
	return n, nil
}
