package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"arcesc/core/amount"
	coreerrors "arcesc/core/errors"
	"arcesc/crypto"
	"arcesc/ledger"
	"arcesc/native/arbitration"
	"arcesc/native/escrow"
)

// CreateEscrowRequest is the body of POST /v1/escrows. Amount is a decimal
// string in whole stable units (up to six fractional digits).
type CreateEscrowRequest struct {
	Payee        string `json:"payee"`
	Amount       string `json:"amount"`
	LockDuration int64  `json:"lockDuration"`
	Description  string `json:"description"`
}

// TxResponse reports a committed mutation.
type TxResponse struct {
	TxID       string                  `json:"txId"`
	Height     uint64                  `json:"height"`
	Escrow     *escrow.Escrow          `json:"escrow,omitempty"`
	Settlement *arbitration.Settlement `json:"settlement,omitempty"`
}

// EscrowView is the detailed read returned by GET /v1/escrows/{id}.
type EscrowView struct {
	Escrow                    *escrow.Escrow `json:"escrow"`
	TimeRemaining             int64          `json:"timeRemaining"`
	CanReleaseWithArbitration bool           `json:"canReleaseWithArbitration"`
}

func (s *Server) registry(r *http.Request) *ledger.RegistryClient {
	return ledger.NewRegistryClient(s.backend, callerOf(r))
}

func (s *Server) oracle(r *http.Request) *ledger.OracleClient {
	return ledger.NewOracleClient(s.backend, callerOf(r))
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid request body: %v: %w", err, coreerrors.ErrInvalidInput)
	}
	return nil
}

// decodeOptionalBody tolerates an empty body.
func decodeOptionalBody(r *http.Request, out any) error {
	if r.Body == nil {
		return nil
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("read body: %v: %w", err, coreerrors.ErrInvalidInput)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid request body: %v: %w", err, coreerrors.ErrInvalidInput)
	}
	return nil
}

func pathID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid escrow id %q: %w", raw, coreerrors.ErrInvalidInput)
	}
	return id, nil
}

func pathAddress(r *http.Request) ([20]byte, error) {
	raw := chi.URLParam(r, "addr")
	addr, err := crypto.ParseAddress(raw)
	if err != nil {
		return [20]byte{}, fmt.Errorf("invalid address %q: %w", raw, coreerrors.ErrInvalidInput)
	}
	return addr, nil
}

func writeTx(w http.ResponseWriter, status int, receipt *ledger.Receipt, resp TxResponse) {
	if receipt != nil {
		resp.TxID = receipt.TxID
		resp.Height = receipt.Height
		w.Header().Set("X-Tx-Id", receipt.TxID)
	}
	writeJSON(w, status, resp)
}

func writeRejected(w http.ResponseWriter, receipt *ledger.Receipt, err error) {
	if receipt != nil {
		w.Header().Set("X-Tx-Id", receipt.TxID)
	}
	writeError(w, err)
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req CreateEscrowRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	payee, err := crypto.ParseAddress(req.Payee)
	if err != nil {
		writeError(w, fmt.Errorf("payee: %v: %w", err, coreerrors.ErrInvalidInput))
		return
	}
	value, err := amount.Parse(req.Amount)
	if err != nil {
		writeError(w, fmt.Errorf("amount: %v: %w", err, coreerrors.ErrInvalidInput))
		return
	}
	esc, receipt, err := s.registry(r).CreateEscrow(r.Context(), payee, value, req.LockDuration, req.Description)
	if err != nil {
		writeRejected(w, receipt, err)
		return
	}
	writeTx(w, http.StatusCreated, receipt, TxResponse{Escrow: esc})
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	party := callerOf(r).Address
	if raw := strings.TrimSpace(q.Get("party")); raw != "" {
		addr, err := crypto.ParseAddress(raw)
		if err != nil {
			writeError(w, fmt.Errorf("party: %v: %w", err, coreerrors.ErrInvalidInput))
			return
		}
		party = addr
	}
	side, err := escrow.ParseSide(q.Get("side"))
	if err != nil {
		writeError(w, fmt.Errorf("side: %v: %w", err, coreerrors.ErrInvalidInput))
		return
	}
	list, err := s.registry(r).ListEscrows(r.Context(), party, side)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*escrow.Escrow{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleEscrowCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.registry(r).GetEscrowCount(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger.CountResult{Count: count})
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	registry := s.registry(r)
	esc, err := registry.GetEscrow(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	view := EscrowView{Escrow: esc}
	if esc.Status == escrow.EscrowPending {
		if view.TimeRemaining, err = registry.GetTimeRemaining(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		if view.CanReleaseWithArbitration, err = registry.CanReleaseWithArbitration(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleTimeRemaining(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	secs, err := s.registry(r).GetTimeRemaining(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger.TimeRemainingResult{EscrowID: id, Seconds: secs})
}

func (s *Server) handleReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	esc, receipt, err := s.registry(r).ReleaseEscrow(r.Context(), id)
	if err != nil {
		writeRejected(w, receipt, err)
		return
	}
	writeTx(w, http.StatusOK, receipt, TxResponse{Escrow: esc})
}

func (s *Server) handleRefundEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	esc, receipt, err := s.registry(r).RefundEscrow(r.Context(), id)
	if err != nil {
		writeRejected(w, receipt, err)
		return
	}
	writeTx(w, http.StatusOK, receipt, TxResponse{Escrow: esc})
}

// AddressRequest is the body of the allow-list add endpoints.
type AddressRequest struct {
	Address string `json:"address"`
}

func (s *Server) decodeAddress(r *http.Request) ([20]byte, error) {
	var req AddressRequest
	if err := decodeBody(r, &req); err != nil {
		return [20]byte{}, err
	}
	addr, err := crypto.ParseAddress(req.Address)
	if err != nil {
		return [20]byte{}, fmt.Errorf("address: %v: %w", err, coreerrors.ErrInvalidInput)
	}
	return addr, nil
}

func (s *Server) handleAddCoordinator(w http.ResponseWriter, r *http.Request) {
	addr, err := s.decodeAddress(r)
	if err != nil {
		writeError(w, err)
		return
	}
	receipt, err := s.registry(r).AddCoordinator(r.Context(), addr)
	if err != nil {
		writeRejected(w, receipt, err)
		return
	}
	writeTx(w, http.StatusOK, receipt, TxResponse{})
}

func (s *Server) handleRemoveCoordinator(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		writeError(w, err)
		return
	}
	receipt, err := s.registry(r).RemoveCoordinator(r.Context(), addr)
	if err != nil {
		writeRejected(w, receipt, err)
		return
	}
	writeTx(w, http.StatusOK, receipt, TxResponse{})
}

func (s *Server) handleIsCoordinator(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ok, err := s.registry(r).IsCoordinator(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger.BoolResult{Value: ok})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var out ledger.BalanceResult
	view, err := ledger.NewView(ledger.ViewBankBalance, ledger.AddressParams{Address: crypto.FormatAddress(addr)})
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.backend.Read(r.Context(), view, &out); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
