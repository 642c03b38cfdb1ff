package coordinator

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	coreerrors "arcesc/core/errors"
)

// AdminServer exposes HTTP endpoints for operator controls.
type AdminServer struct {
	coordinator *Coordinator
	mux         *http.ServeMux
}

// NewAdminServer constructs a server wrapping the provided coordinator.
func NewAdminServer(c *Coordinator) *AdminServer {
	mux := http.NewServeMux()
	server := &AdminServer{coordinator: c, mux: mux}
	mux.HandleFunc("/pause", server.handlePause)
	mux.HandleFunc("/resume", server.handleResume)
	mux.HandleFunc("/retry", server.handleRetry)
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/watches", server.handleWatches)
	mux.HandleFunc("/attempts", server.handleAttempts)
	return server
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *AdminServer) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.coordinator.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.coordinator.Resume()
	w.WriteHeader(http.StatusNoContent)
}

type retryRequest struct {
	EscrowID uint64 `json:"escrowId"`
}

func (s *AdminServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if err := s.coordinator.Retry(r.Context(), req.EscrowID); err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, coreerrors.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, coreerrors.ErrInvalidState):
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.coordinator.Status())
}

func (s *AdminServer) handleWatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if raw := r.URL.Query().Get("escrowId"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid escrowId", http.StatusBadRequest)
			return
		}
		watch, ok := s.coordinator.Watch(id)
		if !ok {
			http.Error(w, "not watched", http.StatusNotFound)
			return
		}
		writeJSON(w, watch)
		return
	}
	writeJSON(w, s.coordinator.Watches())
}

func (s *AdminServer) handleAttempts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := strconv.ParseUint(r.URL.Query().Get("escrowId"), 10, 64)
	if err != nil {
		http.Error(w, "invalid escrowId", http.StatusBadRequest)
		return
	}
	attempts, err := s.coordinator.Attempts(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, attempts)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
