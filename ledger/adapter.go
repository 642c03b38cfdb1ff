// Package ledger defines the narrow contract the escrow services use to talk
// to the settlement ledger, along with an in-process implementation and an
// HTTP client for remote nodes.
package ledger

import (
	"context"
	"encoding/json"
	"time"

	coreerrors "arcesc/core/errors"
	"arcesc/core/identity"
	"arcesc/core/types"
)

// Call is a state-changing request submitted to the ledger.
type Call struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	// Caller is the pre-authorized identity. Remote adapters ignore it; the
	// node derives the caller from the request credentials instead.
	Caller identity.Caller `json:"-"`
}

// View is a read-only query.
type View struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Outcome is the final disposition of a submitted call.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeRejected  Outcome = "rejected"
)

// Receipt describes how the ledger disposed of a call. Rejected calls carry
// the taxonomy code of the error that rejected them.
type Receipt struct {
	TxID             string          `json:"txId"`
	Committed        bool            `json:"committed"`
	Height           uint64          `json:"height"`
	Timestamp        int64           `json:"timestamp"`
	Method           string          `json:"method"`
	Caller           string          `json:"caller,omitempty"`
	Role             string          `json:"role,omitempty"`
	Code             string          `json:"code,omitempty"`
	Error            string          `json:"error,omitempty"`
	RemainingSeconds int64           `json:"remainingSeconds,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Events           []*types.Event  `json:"events,omitempty"`
}

// Outcome maps the receipt onto its final disposition.
func (r *Receipt) Outcome() Outcome {
	if r != nil && r.Committed {
		return OutcomeCommitted
	}
	return OutcomeRejected
}

// Err reconstructs the rejection error so callers can match it with
// errors.Is against the core taxonomy.
func (r *Receipt) Err() error {
	if r == nil || r.Committed {
		return nil
	}
	if r.Code == coreerrors.CodeNotYetEligible {
		return &coreerrors.NotYetEligibleError{Remaining: time.Duration(r.RemainingSeconds) * time.Second}
	}
	return coreerrors.FromCode(r.Code, r.Error)
}

// Notification is a committed event delivered to subscribers.
type Notification struct {
	Seq       uint64       `json:"seq"`
	Height    uint64       `json:"height"`
	TxID      string       `json:"txId"`
	Timestamp int64        `json:"timestamp"`
	Event     *types.Event `json:"event"`
}

// Info describes the ledger a client is connected to.
type Info struct {
	ChainID  string `json:"chainId"`
	FeeAsset string `json:"feeAsset"`
	Height   uint64 `json:"height"`
	EventSeq uint64 `json:"eventSeq"`
	Time     int64  `json:"time"`
}

// Adapter is the ledger contract: submit a call, read a view and wait for
// finality. Every implementation serializes calls so that each one is applied
// atomically against the latest committed state.
type Adapter interface {
	ChainID() string
	FeeAsset() string
	Submit(ctx context.Context, call Call) (*Receipt, error)
	Read(ctx context.Context, view View, out any) error
	WaitForFinality(ctx context.Context, txID string) (Outcome, error)
}

// Subscriber is implemented by adapters that can push committed events.
// The channel is closed when ctx ends or the subscription breaks.
type Subscriber interface {
	Subscribe(ctx context.Context, afterSeq uint64) (<-chan Notification, error)
}

// NewCall builds a Call with JSON-encoded params.
func NewCall(method string, caller identity.Caller, params any) (Call, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return Call{}, err
	}
	return Call{Method: method, Params: raw, Caller: caller}, nil
}

// NewView builds a View with JSON-encoded params.
func NewView(method string, params any) (View, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return View{}, err
	}
	return View{Method: method, Params: raw}, nil
}

func encodeParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
