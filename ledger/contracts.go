package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"arcesc/core/identity"
	"arcesc/crypto"
	"arcesc/native/arbitration"
	"arcesc/native/escrow"
)

// submit sends a call and turns rejected receipts into taxonomy errors. The
// receipt is returned in both cases so callers can log the tx id.
func submit(ctx context.Context, adapter Adapter, method string, caller identity.Caller, params, out any) (*Receipt, error) {
	call, err := NewCall(method, caller, params)
	if err != nil {
		return nil, err
	}
	receipt, err := adapter.Submit(ctx, call)
	if err != nil {
		return nil, err
	}
	if !receipt.Committed {
		return receipt, receipt.Err()
	}
	if out != nil && len(receipt.Result) > 0 {
		if err := json.Unmarshal(receipt.Result, out); err != nil {
			return receipt, fmt.Errorf("ledger: decode %s result: %w", method, err)
		}
	}
	return receipt, nil
}

func read(ctx context.Context, adapter Adapter, method string, params, out any) error {
	view, err := NewView(method, params)
	if err != nil {
		return err
	}
	return adapter.Read(ctx, view, out)
}

// RegistryClient exposes the escrow registry operations over an Adapter.
type RegistryClient struct {
	adapter Adapter
	caller  identity.Caller
}

// NewRegistryClient binds the registry to a caller identity.
func NewRegistryClient(adapter Adapter, caller identity.Caller) *RegistryClient {
	return &RegistryClient{adapter: adapter, caller: caller}
}

// Caller returns the identity calls are submitted under.
func (c *RegistryClient) Caller() identity.Caller { return c.caller }

// CreateEscrow locks amount micro-units for payee. The caller is the payer.
func (c *RegistryClient) CreateEscrow(ctx context.Context, payee [20]byte, amount *big.Int, lockDuration int64, description string) (*escrow.Escrow, *Receipt, error) {
	if amount == nil {
		amount = big.NewInt(0)
	}
	params := CreateEscrowParams{
		Payer:        crypto.FormatAddress(c.caller.Address),
		Payee:        crypto.FormatAddress(payee),
		Amount:       amount.String(),
		LockDuration: lockDuration,
		Description:  description,
	}
	var out escrow.Escrow
	receipt, err := submit(ctx, c.adapter, MethodEscrowCreate, c.caller, params, &out)
	if err != nil {
		return nil, receipt, err
	}
	return &out, receipt, nil
}

// ReleaseEscrow pays the escrow out to the payee.
func (c *RegistryClient) ReleaseEscrow(ctx context.Context, id uint64) (*escrow.Escrow, *Receipt, error) {
	var out escrow.Escrow
	receipt, err := submit(ctx, c.adapter, MethodEscrowRelease, c.caller, EscrowIDParams{EscrowID: id}, &out)
	if err != nil {
		return nil, receipt, err
	}
	return &out, receipt, nil
}

// RefundEscrow returns the escrow to the payer after the deadline.
func (c *RegistryClient) RefundEscrow(ctx context.Context, id uint64) (*escrow.Escrow, *Receipt, error) {
	var out escrow.Escrow
	receipt, err := submit(ctx, c.adapter, MethodEscrowRefund, c.caller, EscrowIDParams{EscrowID: id}, &out)
	if err != nil {
		return nil, receipt, err
	}
	return &out, receipt, nil
}

// AddCoordinator registers a coordinator. Governance only.
func (c *RegistryClient) AddCoordinator(ctx context.Context, addr [20]byte) (*Receipt, error) {
	return submit(ctx, c.adapter, MethodEscrowAddCoordinator, c.caller, AddressParams{Address: crypto.FormatAddress(addr)}, nil)
}

// RemoveCoordinator revokes a coordinator. Governance only.
func (c *RegistryClient) RemoveCoordinator(ctx context.Context, addr [20]byte) (*Receipt, error) {
	return submit(ctx, c.adapter, MethodEscrowRemoveCoordinator, c.caller, AddressParams{Address: crypto.FormatAddress(addr)}, nil)
}

// GetEscrow loads one escrow.
func (c *RegistryClient) GetEscrow(ctx context.Context, id uint64) (*escrow.Escrow, error) {
	var out escrow.Escrow
	if err := read(ctx, c.adapter, ViewEscrowGet, EscrowIDParams{EscrowID: id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetEscrowStatus returns only the status of an escrow.
func (c *RegistryClient) GetEscrowStatus(ctx context.Context, id uint64) (escrow.EscrowStatus, error) {
	var out StatusResult
	if err := read(ctx, c.adapter, ViewEscrowStatus, EscrowIDParams{EscrowID: id}, &out); err != nil {
		return escrow.EscrowPending, err
	}
	return escrow.ParseStatus(out.Status)
}

// GetEscrowCount returns the number of escrows ever created.
func (c *RegistryClient) GetEscrowCount(ctx context.Context) (uint64, error) {
	var out CountResult
	if err := read(ctx, c.adapter, ViewEscrowCount, nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// GetTimeRemaining returns the seconds left until the refund deadline.
func (c *RegistryClient) GetTimeRemaining(ctx context.Context, id uint64) (int64, error) {
	var out TimeRemainingResult
	if err := read(ctx, c.adapter, ViewEscrowTimeRemaining, EscrowIDParams{EscrowID: id}, &out); err != nil {
		return 0, err
	}
	return out.Seconds, nil
}

// ListEscrows returns escrows where party appears on side, ordered by id.
func (c *RegistryClient) ListEscrows(ctx context.Context, party [20]byte, side escrow.Side) ([]*escrow.Escrow, error) {
	var out []*escrow.Escrow
	params := ListParams{Party: crypto.FormatAddress(party), Side: side.String()}
	if err := read(ctx, c.adapter, ViewEscrowList, params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CanReleaseWithArbitration reports whether the escrow is pending and the
// oracle has settled it.
func (c *RegistryClient) CanReleaseWithArbitration(ctx context.Context, id uint64) (bool, error) {
	var out BoolResult
	if err := read(ctx, c.adapter, ViewEscrowCanRelease, EscrowIDParams{EscrowID: id}, &out); err != nil {
		return false, err
	}
	return out.Value, nil
}

// IsCoordinator reports whether addr is a registered coordinator.
func (c *RegistryClient) IsCoordinator(ctx context.Context, addr [20]byte) (bool, error) {
	var out BoolResult
	if err := read(ctx, c.adapter, ViewEscrowIsCoordinator, AddressParams{Address: crypto.FormatAddress(addr)}, &out); err != nil {
		return false, err
	}
	return out.Value, nil
}

// Balance returns the fee-asset balance of addr in micro-units.
func (c *RegistryClient) Balance(ctx context.Context, addr [20]byte) (*big.Int, error) {
	var out BalanceResult
	if err := read(ctx, c.adapter, ViewBankBalance, AddressParams{Address: crypto.FormatAddress(addr)}, &out); err != nil {
		return nil, err
	}
	value, ok := new(big.Int).SetString(out.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("ledger: malformed balance %q", out.Amount)
	}
	return value, nil
}

// OracleClient exposes the arbitration oracle over an Adapter.
type OracleClient struct {
	adapter Adapter
	caller  identity.Caller
}

// NewOracleClient binds the oracle to a caller identity.
func NewOracleClient(adapter Adapter, caller identity.Caller) *OracleClient {
	return &OracleClient{adapter: adapter, caller: caller}
}

func (c *OracleClient) decide(ctx context.Context, method string, id uint64, reason string) (*arbitration.Settlement, *Receipt, error) {
	var out arbitration.Settlement
	receipt, err := submit(ctx, c.adapter, method, c.caller, DecisionParams{EscrowID: id, Reason: reason}, &out)
	if err != nil {
		return nil, receipt, err
	}
	return &out, receipt, nil
}

// OpenReview creates a PENDING settlement record.
func (c *OracleClient) OpenReview(ctx context.Context, id uint64) (*arbitration.Settlement, *Receipt, error) {
	return c.decide(ctx, MethodArbitrationOpen, id, "")
}

// Settle records a SETTLED decision.
func (c *OracleClient) Settle(ctx context.Context, id uint64, reason string) (*arbitration.Settlement, *Receipt, error) {
	return c.decide(ctx, MethodArbitrationSettle, id, reason)
}

// MarkDisputed records a DISPUTED decision.
func (c *OracleClient) MarkDisputed(ctx context.Context, id uint64, reason string) (*arbitration.Settlement, *Receipt, error) {
	return c.decide(ctx, MethodArbitrationDispute, id, reason)
}

// Cancel closes a pending review.
func (c *OracleClient) Cancel(ctx context.Context, id uint64, reason string) (*arbitration.Settlement, *Receipt, error) {
	return c.decide(ctx, MethodArbitrationCancel, id, reason)
}

// MarkTriggered flags the settlement after a coordinator-driven release.
func (c *OracleClient) MarkTriggered(ctx context.Context, id uint64) (*arbitration.Settlement, *Receipt, error) {
	var out arbitration.Settlement
	receipt, err := submit(ctx, c.adapter, MethodArbitrationMarkTriggered, c.caller, EscrowIDParams{EscrowID: id}, &out)
	if err != nil {
		return nil, receipt, err
	}
	return &out, receipt, nil
}

// UpdateSettledCache refreshes the cached isSettled answer.
func (c *OracleClient) UpdateSettledCache(ctx context.Context, id uint64) (*Receipt, error) {
	return submit(ctx, c.adapter, MethodArbitrationUpdateCache, c.caller, EscrowIDParams{EscrowID: id}, nil)
}

// AddArbitrator authorizes an arbitrator. Governance only.
func (c *OracleClient) AddArbitrator(ctx context.Context, addr [20]byte) (*Receipt, error) {
	return submit(ctx, c.adapter, MethodArbitrationAddArbitrator, c.caller, AddressParams{Address: crypto.FormatAddress(addr)}, nil)
}

// RemoveArbitrator revokes an arbitrator. Governance only.
func (c *OracleClient) RemoveArbitrator(ctx context.Context, addr [20]byte) (*Receipt, error) {
	return submit(ctx, c.adapter, MethodArbitrationRemoveArbitrator, c.caller, AddressParams{Address: crypto.FormatAddress(addr)}, nil)
}

// GetSettlement loads the settlement record for an escrow.
func (c *OracleClient) GetSettlement(ctx context.Context, id uint64) (*arbitration.Settlement, error) {
	var out arbitration.Settlement
	if err := read(ctx, c.adapter, ViewArbitrationGet, EscrowIDParams{EscrowID: id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IsSettled reports the authoritative settled flag.
func (c *OracleClient) IsSettled(ctx context.Context, id uint64) (bool, error) {
	var out BoolResult
	if err := read(ctx, c.adapter, ViewArbitrationIsSettled, EscrowIDParams{EscrowID: id}, &out); err != nil {
		return false, err
	}
	return out.Value, nil
}

// CachedIsSettled reads the settled cache without recomputing it.
func (c *OracleClient) CachedIsSettled(ctx context.Context, id uint64) (bool, error) {
	var out BoolResult
	if err := read(ctx, c.adapter, ViewArbitrationIsSettledCached, EscrowIDParams{EscrowID: id}, &out); err != nil {
		return false, err
	}
	return out.Value, nil
}

// IsAuthorizedArbitrator reports allow-list membership.
func (c *OracleClient) IsAuthorizedArbitrator(ctx context.Context, addr [20]byte) (bool, error) {
	var out BoolResult
	if err := read(ctx, c.adapter, ViewArbitrationIsArbitrator, AddressParams{Address: crypto.FormatAddress(addr)}, &out); err != nil {
		return false, err
	}
	return out.Value, nil
}

// Arbitrators lists the authorized arbitrators.
func (c *OracleClient) Arbitrators(ctx context.Context) ([][20]byte, error) {
	var out AddressListResult
	if err := read(ctx, c.adapter, ViewArbitrationArbitrators, nil, &out); err != nil {
		return nil, err
	}
	addrs := make([][20]byte, 0, len(out.Addresses))
	for _, raw := range out.Addresses {
		addr, err := crypto.ParseAddress(raw)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
