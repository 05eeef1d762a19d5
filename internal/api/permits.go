package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/permitwatch/backend/internal/core"
)

// parseBBox parses "west,south,east,north" in decimal degrees.
func parseBBox(raw string) (*core.BBox, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bbox needs 4 comma-separated values, got %d", len(parts))
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bbox value %q is not a number", p)
		}
		vals[i] = v
	}
	return &core.BBox{West: vals[0], South: vals[1], East: vals[2], North: vals[3]}, nil
}

func permitFilterFrom(r *http.Request) (core.PermitFilter, error) {
	q := r.URL.Query()
	f := core.PermitFilter{
		City:       q.Get("city"),
		State:      q.Get("state"),
		PermitType: q.Get("type"),
		DateFrom:   q.Get("date_from"),
		DateTo:     q.Get("date_to"),
	}
	if raw := q.Get("bbox"); raw != "" {
		bbox, err := parseBBox(raw)
		if err != nil {
			return f, err
		}
		f.BBox = bbox
	}
	if q.Get("roofing_only") == "true" {
		f.RoofingOnly = true
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return f, fmt.Errorf("limit %q is not a number", raw)
		}
		f.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return f, fmt.Errorf("offset %q is not a number", raw)
		}
		f.Offset = n
	}
	return f, nil
}

func (s *Server) handleListPermits(w http.ResponseWriter, r *http.Request) {
	filter, err := permitFilterFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	permits, total, err := s.store.GetPermits(r.Context(), filter)
	if err != nil {
		s.logger.Printf("list permits failed: %v", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if permits == nil {
		permits = []core.Permit{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"permits": permits,
		"total":   total,
	})
}

func (s *Server) handleGetPermit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	permit, err := s.store.GetPermit(r.Context(), id)
	if err != nil {
		s.logger.Printf("get permit %s failed: %v", id, err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if permit == nil {
		writeError(w, http.StatusNotFound, "permit not found")
		return
	}
	writeJSON(w, http.StatusOK, permit)
}

func (s *Server) handlePermitStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetPermitStats(r.Context())
	if err != nil {
		s.logger.Printf("permit stats failed: %v", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
