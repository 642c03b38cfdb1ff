package rpc

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	coreerrors "arcesc/core/errors"
	"arcesc/crypto"
	"arcesc/ledger"
	"arcesc/native/arbitration"
)

// DecisionRequest is the optional body of the settlement mutations.
type DecisionRequest struct {
	Reason string `json:"reason"`
}

// SettledResponse answers GET /v1/settlements/{id}/settled.
type SettledResponse struct {
	EscrowID uint64 `json:"escrowId"`
	Settled  bool   `json:"settled"`
	Cached   bool   `json:"cached"`
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	settlement, err := s.oracle(r).GetSettlement(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlement)
}

func (s *Server) handleIsSettled(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	cached, _ := strconv.ParseBool(r.URL.Query().Get("cached"))
	oracle := s.oracle(r)
	var settled bool
	if cached {
		settled, err = oracle.CachedIsSettled(r.Context(), id)
	} else {
		settled, err = oracle.IsSettled(r.Context(), id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SettledResponse{EscrowID: id, Settled: settled, Cached: cached})
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req DecisionRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	oracle := s.oracle(r)
	var (
		settlement *arbitration.Settlement
		receipt    *ledger.Receipt
	)
	switch action := chi.URLParam(r, "action"); action {
	case "open":
		settlement, receipt, err = oracle.OpenReview(r.Context(), id)
	case "settle":
		settlement, receipt, err = oracle.Settle(r.Context(), id, req.Reason)
	case "dispute":
		settlement, receipt, err = oracle.MarkDisputed(r.Context(), id, req.Reason)
	case "cancel":
		settlement, receipt, err = oracle.Cancel(r.Context(), id, req.Reason)
	case "triggered":
		settlement, receipt, err = oracle.MarkTriggered(r.Context(), id)
	case "cache":
		receipt, err = oracle.UpdateSettledCache(r.Context(), id)
	default:
		writeErrorStatus(w, http.StatusNotFound, coreerrors.CodeNotFound, fmt.Sprintf("unknown settlement action %q", action))
		return
	}
	if err != nil {
		writeRejected(w, receipt, err)
		return
	}
	writeTx(w, http.StatusOK, receipt, TxResponse{Settlement: settlement})
}

func (s *Server) handleListArbitrators(w http.ResponseWriter, r *http.Request) {
	list, err := s.oracle(r).Arbitrators(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := ledger.AddressListResult{Addresses: make([]string, 0, len(list))}
	for _, addr := range list {
		out.Addresses = append(out.Addresses, crypto.FormatAddress(addr))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleIsArbitrator(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ok, err := s.oracle(r).IsAuthorizedArbitrator(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger.BoolResult{Value: ok})
}

func (s *Server) handleAddArbitrator(w http.ResponseWriter, r *http.Request) {
	addr, err := s.decodeAddress(r)
	if err != nil {
		writeError(w, err)
		return
	}
	receipt, err := s.oracle(r).AddArbitrator(r.Context(), addr)
	if err != nil {
		writeRejected(w, receipt, err)
		return
	}
	writeTx(w, http.StatusOK, receipt, TxResponse{})
}

func (s *Server) handleRemoveArbitrator(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		writeError(w, err)
		return
	}
	receipt, err := s.oracle(r).RemoveArbitrator(r.Context(), addr)
	if err != nil {
		writeRejected(w, receipt, err)
		return
	}
	writeTx(w, http.StatusOK, receipt, TxResponse{})
}
