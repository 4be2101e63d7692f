package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/signal305/rag-service/internal/auth"
)

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	token, err := s.deps.Admin.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrAdminDisabled) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleWorkersStart(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Control.SetPaused(r.Context(), false); err != nil {
		s.logger.Error("failed to resume workers", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resume workers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleWorkersStop(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Control.SetPaused(r.Context(), true); err != nil {
		s.logger.Error("failed to pause workers", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to pause workers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleWorkersConcurrency(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Concurrency int `json:"concurrency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Concurrency < 1 || req.Concurrency > 32 {
		writeError(w, http.StatusBadRequest, "concurrency must be between 1 and 32")
		return
	}

	if err := s.deps.Control.SetConcurrency(r.Context(), req.Concurrency); err != nil {
		s.logger.Error("failed to set concurrency", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to set concurrency")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"concurrency": req.Concurrency})
}

// handleResetTenant deletes one tenant's rows, vectors, graph nodes and
// progress snapshots. Requires an explicit confirmation string.
func (s *Server) handleResetTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenant_id"`
		Confirm  string `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if req.Confirm != "RESET" {
		writeError(w, http.StatusBadRequest, `confirm must be "RESET"`)
		return
	}

	docIDs, err := s.deps.Repo.DeleteByTenant(r.Context(), req.TenantID)
	if err != nil {
		s.logger.Error("failed to delete tenant documents", "tenant_id", req.TenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reset tenant")
		return
	}
	if err := s.deps.Vectors.DeleteByTenant(r.Context(), req.TenantID); err != nil {
		s.logger.Error("failed to delete tenant vectors", "tenant_id", req.TenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reset tenant")
		return
	}
	if err := s.deps.Graph.DeleteByTenant(r.Context(), req.TenantID); err != nil {
		s.logger.Error("failed to delete tenant graph", "tenant_id", req.TenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reset tenant")
		return
	}
	for _, docID := range docIDs {
		if err := s.deps.Progress.DeleteProgress(r.Context(), docID); err != nil {
			s.logger.Warn("failed to delete progress snapshot", "doc_id", docID, "error", err)
		}
	}

	s.logger.Info("tenant reset", "tenant_id", req.TenantID, "documents", len(docIDs))
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":         req.TenantID,
		"documents_deleted": len(docIDs),
	})
}

// handleResetAll wipes every store. Requires the stronger confirmation.
func (s *Server) handleResetAll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Confirm string `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Confirm != "RESET ALL" {
		writeError(w, http.StatusBadRequest, `confirm must be "RESET ALL"`)
		return
	}

	deleted, err := s.deps.Repo.DeleteAll(r.Context())
	if err != nil {
		s.logger.Error("failed to delete documents", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reset")
		return
	}
	if err := s.deps.Vectors.DeleteAll(r.Context()); err != nil {
		s.logger.Error("failed to reset vector store", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reset")
		return
	}
	if err := s.deps.Graph.DeleteAll(r.Context()); err != nil {
		s.logger.Error("failed to reset graph store", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reset")
		return
	}
	if err := s.deps.Progress.ClearProgress(r.Context()); err != nil {
		s.logger.Warn("failed to clear progress snapshots", "error", err)
	}

	s.logger.Info("global reset", "documents", deleted)
	writeJSON(w, http.StatusOK, map[string]any{"documents_deleted": deleted})
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Repo.CountsAll(r.Context())
	if err != nil {
		s.logger.Error("failed to count documents", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load status")
		return
	}

	depth, err := s.deps.Jobs.Depth(r.Context())
	if err != nil {
		s.logger.Warn("failed to read queue depth", "error", err)
		depth = -1
	}
	paused, err := s.deps.Control.Paused(r.Context())
	if err != nil {
		s.logger.Warn("failed to read pause flag", "error", err)
	}
	concurrency, err := s.deps.Control.DesiredConcurrency(r.Context(), 0)
	if err != nil {
		s.logger.Warn("failed to read concurrency", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"documents":   counts,
		"queue_depth": depth,
		"workers": map[string]any{
			"paused":      paused,
			"concurrency": concurrency,
		},
	})
}
