// Package api exposes the ingestion service over REST/JSON: source
// management, ingestion triggers, permit queries, and operational state.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/permitwatch/backend/internal/ingest"
)

// Server wires the store and orchestrator behind the HTTP surface.
type Server struct {
	store  Store
	orch   *ingest.Orchestrator
	logger *log.Logger

	httpSrv *http.Server
}

func NewServer(store Store, orch *ingest.Orchestrator) *Server {
	return &Server{
		store:  store,
		orch:   orch,
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table. Split out so tests can drive handlers
// through httptest without binding a port.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// CORS Middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	// --- Endpoints ---

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Sources
	r.HandleFunc("/sources", s.handleListSources).Methods("GET")
	r.HandleFunc("/sources", s.handleCreateSource).Methods("POST")
	r.HandleFunc("/sources/state", s.handleSourceStates).Methods("GET")
	r.HandleFunc("/sources/{id:[0-9]+}", s.handleGetSource).Methods("GET")
	r.HandleFunc("/sources/{id:[0-9]+}", s.handlePatchSource).Methods("PATCH")
	r.HandleFunc("/sources/{id:[0-9]+}/ingest", s.handleTriggerIngest).Methods("POST")

	// Permits
	r.HandleFunc("/permits", s.handleListPermits).Methods("GET")
	r.HandleFunc("/permits/stats", s.handlePermitStats).Methods("GET")
	r.HandleFunc("/permits/{id}", s.handleGetPermit).Methods("GET")

	return r
}

// Start listens on the port and blocks until the server stops.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	s.logger.Printf("🚀 listening on %s", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
