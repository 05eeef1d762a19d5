package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/permitwatch/backend/internal/core"
	"github.com/permitwatch/backend/internal/ingest"
)

// Store is the slice of the storage layer the HTTP surface reads and writes.
type Store interface {
	Ping(ctx context.Context) error
	GetSources(ctx context.Context) ([]core.Source, error)
	GetSource(ctx context.Context, id int64) (*core.Source, error)
	CreateSource(ctx context.Context, src *core.Source) (*core.Source, error)
	UpdateSource(ctx context.Context, id int64, patch core.SourcePatch) (*core.Source, error)
	GetSourceState(ctx context.Context, sourceID int64) (*core.SourceState, error)
	GetAllSourceStates(ctx context.Context) ([]core.SourceState, error)
	GetSourcePermitCount(ctx context.Context, sourceID int64) (int64, error)
	GetPermit(ctx context.Context, id string) (*core.Permit, error)
	GetPermits(ctx context.Context, f core.PermitFilter) ([]core.Permit, int64, error)
	GetPermitStats(ctx context.Context) (core.PermitStats, error)
}

func sourceID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.GetSources(r.Context())
	if err != nil {
		s.logger.Printf("list sources failed: %v", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if sources == nil {
		sources = []core.Source{}
	}
	writeJSON(w, http.StatusOK, sources)
}

func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var src core.Source
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if src.Name == "" || src.EndpointURL == "" {
		writeError(w, http.StatusBadRequest, "name and endpoint_url are required")
		return
	}
	switch src.Platform {
	case core.PlatformJSONDataset, core.PlatformFeatureService, core.PlatformOther:
	case "":
		src.Platform = core.PlatformOther
	default:
		writeError(w, http.StatusBadRequest, "unknown platform")
		return
	}

	created, err := s.store.CreateSource(r.Context(), &src)
	if err != nil {
		s.logger.Printf("create source failed: %v", err)
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	id, ok := sourceID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid source id")
		return
	}
	src, err := s.store.GetSource(r.Context(), id)
	if err != nil {
		s.logger.Printf("get source %d failed: %v", id, err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if src == nil {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}

	state, err := s.store.GetSourceState(r.Context(), id)
	if err != nil {
		s.logger.Printf("get source %d state failed: %v", id, err)
	}
	count, err := s.store.GetSourcePermitCount(r.Context(), id)
	if err != nil {
		s.logger.Printf("get source %d permit count failed: %v", id, err)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"source":       src,
		"state":        state,
		"permit_count": count,
	})
}

func (s *Server) handlePatchSource(w http.ResponseWriter, r *http.Request) {
	id, ok := sourceID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid source id")
		return
	}
	var patch core.SourcePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	src, err := s.store.UpdateSource(r.Context(), id, patch)
	if err != nil {
		s.logger.Printf("patch source %d failed: %v", id, err)
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	if src == nil {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) handleSourceStates(w http.ResponseWriter, r *http.Request) {
	states, err := s.store.GetAllSourceStates(r.Context())
	if err != nil {
		s.logger.Printf("list source states failed: %v", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if states == nil {
		states = []core.SourceState{}
	}
	writeJSON(w, http.StatusOK, states)
}

// handleTriggerIngest kicks off a run in the background and returns 202
// immediately. mode: incremental (default), backfill, or deep.
func (s *Server) handleTriggerIngest(w http.ResponseWriter, r *http.Request) {
	id, ok := sourceID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid source id")
		return
	}
	src, err := s.store.GetSource(r.Context(), id)
	if err != nil {
		s.logger.Printf("get source %d failed: %v", id, err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if src == nil {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}

	mode := r.URL.Query().Get("mode")
	switch mode {
	case "", "incremental", "backfill", "deep":
	default:
		writeError(w, http.StatusBadRequest, "mode must be incremental, backfill, or deep")
		return
	}
	if mode == "" {
		mode = "incremental"
	}

	// Detached from the request context: the run outlives the response.
	go func() {
		ctx := context.Background()
		var runErr error
		switch mode {
		case "deep":
			_, runErr = s.orch.RunDeep(ctx, src)
		case "backfill":
			_, runErr = s.orch.Run(ctx, src, ingest.ModeBackfill)
		default:
			_, runErr = s.orch.Run(ctx, src, ingest.ModeIncremental)
		}
		if runErr != nil {
			s.logger.Printf("triggered %s run for source %d failed: %v", mode, id, runErr)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":    "accepted",
		"source_id": id,
		"mode":      mode,
	})
}
