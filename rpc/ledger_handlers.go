package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	coreerrors "arcesc/core/errors"
	"arcesc/ledger"
)

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var call ledger.Call
	if err := decodeBody(r, &call); err != nil {
		writeError(w, err)
		return
	}
	call.Caller = callerOf(r)
	receipt, err := s.backend.Submit(r.Context(), call)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("X-Tx-Id", receipt.TxID)
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	var view ledger.View
	if err := decodeBody(r, &view); err != nil {
		writeError(w, err)
		return
	}
	var out json.RawMessage
	if err := s.backend.Read(r.Context(), view, &out); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	txID := strings.TrimSpace(chi.URLParam(r, "txID"))
	if txID == "" {
		writeError(w, fmt.Errorf("tx id required: %w", coreerrors.ErrInvalidInput))
		return
	}
	receipt, err := s.backend.Receipt(txID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func parseAfter(r *http.Request) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("after"))
	if raw == "" {
		return 0, nil
	}
	after, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid after %q: %w", raw, coreerrors.ErrInvalidInput)
	}
	return after, nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	after, err := parseAfter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			writeError(w, fmt.Errorf("invalid limit %q: %w", raw, coreerrors.ErrInvalidInput))
			return
		}
	}
	events, err := s.backend.Events(after, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []ledger.Notification{}
	}
	writeJSON(w, http.StatusOK, events)
}
