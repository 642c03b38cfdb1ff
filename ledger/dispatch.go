package ledger

import (
	"encoding/json"
	"fmt"
	"math/big"

	"arcesc/core/amount"
	coreerrors "arcesc/core/errors"
	"arcesc/core/identity"
	"arcesc/core/state"
	"arcesc/crypto"
	"arcesc/native/arbitration"
	"arcesc/native/escrow"
)

// execContext bundles the engines bound to one call's state overlay.
type execContext struct {
	state    *state.Manager
	escrows  *escrow.Engine
	oracle   *arbitration.Engine
	caller   identity.Caller
	feeAsset string
}

type callHandler func(ctx *execContext, params json.RawMessage) (any, error)

type viewHandler func(ctx *execContext, params json.RawMessage) (any, error)

var callHandlers = map[string]callHandler{
	MethodEscrowCreate:                handleCreate,
	MethodEscrowRelease:               handleRelease,
	MethodEscrowRefund:                handleRefund,
	MethodEscrowAddCoordinator:        handleAddCoordinator,
	MethodEscrowRemoveCoordinator:     handleRemoveCoordinator,
	MethodArbitrationOpen:             handleOpen,
	MethodArbitrationSettle:           handleSettle,
	MethodArbitrationDispute:          handleDispute,
	MethodArbitrationCancel:           handleCancel,
	MethodArbitrationMarkTriggered:    handleMarkTriggered,
	MethodArbitrationUpdateCache:      handleUpdateCache,
	MethodArbitrationAddArbitrator:    handleAddArbitrator,
	MethodArbitrationRemoveArbitrator: handleRemoveArbitrator,
}

var viewHandlers = map[string]viewHandler{
	ViewEscrowGet:                  viewEscrowGet,
	ViewEscrowStatus:               viewEscrowStatus,
	ViewEscrowCount:                viewEscrowCount,
	ViewEscrowTimeRemaining:        viewEscrowTimeRemaining,
	ViewEscrowList:                 viewEscrowList,
	ViewEscrowCanRelease:           viewEscrowCanRelease,
	ViewEscrowIsCoordinator:        viewEscrowIsCoordinator,
	ViewArbitrationGet:             viewSettlementGet,
	ViewArbitrationIsSettled:       viewIsSettled,
	ViewArbitrationIsSettledCached: viewIsSettledCached,
	ViewArbitrationIsArbitrator:    viewIsArbitrator,
	ViewArbitrationArbitrators:     viewArbitrators,
	ViewBankBalance:                viewBalance,
}

func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return fmt.Errorf("ledger: params required: %w", coreerrors.ErrInvalidInput)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("ledger: decode params: %v: %w", err, coreerrors.ErrInvalidInput)
	}
	return nil
}

func parseAddress(field, value string) ([20]byte, error) {
	addr, err := crypto.ParseAddress(value)
	if err != nil {
		return [20]byte{}, fmt.Errorf("ledger: %s: %v: %w", field, err, coreerrors.ErrInvalidInput)
	}
	return addr, nil
}

func handleCreate(ctx *execContext, raw json.RawMessage) (any, error) {
	var p CreateEscrowParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if ctx.caller.Role != identity.RoleAccount {
		return nil, fmt.Errorf("ledger: role %s cannot create escrows: %w", ctx.caller.Role, coreerrors.ErrUnauthorized)
	}
	payer := ctx.caller.Address
	if p.Payer != "" {
		declared, err := parseAddress("payer", p.Payer)
		if err != nil {
			return nil, err
		}
		if declared != payer {
			return nil, fmt.Errorf("ledger: payer must be the caller: %w", coreerrors.ErrUnauthorized)
		}
	}
	payee, err := parseAddress("payee", p.Payee)
	if err != nil {
		return nil, err
	}
	amt, ok := new(big.Int).SetString(p.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("ledger: amount %q is not an integer: %w", p.Amount, coreerrors.ErrInvalidInput)
	}
	return ctx.escrows.Create(payer, payee, amt, p.LockDuration, escrow.TrimDescription(p.Description))
}

func handleRelease(ctx *execContext, raw json.RawMessage) (any, error) {
	var p EscrowIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return ctx.escrows.Release(p.EscrowID, ctx.caller)
}

func handleRefund(ctx *execContext, raw json.RawMessage) (any, error) {
	var p EscrowIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return ctx.escrows.Refund(p.EscrowID, ctx.caller)
}

func handleAddCoordinator(ctx *execContext, raw json.RawMessage) (any, error) {
	var p AddressParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	addr, err := parseAddress("address", p.Address)
	if err != nil {
		return nil, err
	}
	if err := ctx.escrows.AddCoordinator(ctx.caller, addr); err != nil {
		return nil, err
	}
	return AddressParams{Address: crypto.FormatAddress(addr)}, nil
}

func handleRemoveCoordinator(ctx *execContext, raw json.RawMessage) (any, error) {
	var p AddressParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	addr, err := parseAddress("address", p.Address)
	if err != nil {
		return nil, err
	}
	if err := ctx.escrows.RemoveCoordinator(ctx.caller, addr); err != nil {
		return nil, err
	}
	return AddressParams{Address: crypto.FormatAddress(addr)}, nil
}

func handleOpen(ctx *execContext, raw json.RawMessage) (any, error) {
	var p EscrowIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return ctx.oracle.OpenReview(p.EscrowID, ctx.caller)
}

func handleSettle(ctx *execContext, raw json.RawMessage) (any, error) {
	var p DecisionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return ctx.oracle.Settle(p.EscrowID, ctx.caller, p.Reason)
}

func handleDispute(ctx *execContext, raw json.RawMessage) (any, error) {
	var p DecisionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return ctx.oracle.MarkDisputed(p.EscrowID, ctx.caller, p.Reason)
}

func handleCancel(ctx *execContext, raw json.RawMessage) (any, error) {
	var p DecisionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return ctx.oracle.Cancel(p.EscrowID, ctx.caller, p.Reason)
}

func handleMarkTriggered(ctx *execContext, raw json.RawMessage) (any, error) {
	var p EscrowIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return ctx.oracle.MarkTriggered(p.EscrowID, ctx.caller)
}

func handleUpdateCache(ctx *execContext, raw json.RawMessage) (any, error) {
	var p EscrowIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return ctx.oracle.UpdateSettledCache(p.EscrowID)
}

func handleAddArbitrator(ctx *execContext, raw json.RawMessage) (any, error) {
	var p AddressParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	addr, err := parseAddress("address", p.Address)
	if err != nil {
		return nil, err
	}
	if err := ctx.oracle.AddArbitrator(ctx.caller, addr); err != nil {
		return nil, err
	}
	return AddressParams{Address: crypto.FormatAddress(addr)}, nil
}

func handleRemoveArbitrator(ctx *execContext, raw json.RawMessage) (any, error) {
	var p AddressParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	addr, err := parseAddress("address", p.Address)
	if err != nil {
		return nil, err
	}
	if err := ctx.oracle.RemoveArbitrator(ctx.caller, addr); err != nil {
		return nil, err
	}
	return AddressParams{Address: crypto.FormatAddress(addr)}, nil
}

func viewEscrowGet(ctx *execContext, raw json.RawMessage) (any, error) {
	var p EscrowIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return ctx.escrows.Get(p.EscrowID)
}

func viewEscrowStatus(ctx *execContext, raw json.RawMessage) (any, error) {
	var p EscrowIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	status, err := ctx.escrows.Status(p.EscrowID)
	if err != nil {
		return nil, err
	}
	return StatusResult{EscrowID: p.EscrowID, Status: status.String()}, nil
}

func viewEscrowCount(ctx *execContext, _ json.RawMessage) (any, error) {
	count, err := ctx.escrows.Count()
	if err != nil {
		return nil, err
	}
	return CountResult{Count: count}, nil
}

func viewEscrowTimeRemaining(ctx *execContext, raw json.RawMessage) (any, error) {
	var p EscrowIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	seconds, err := ctx.escrows.TimeRemaining(p.EscrowID)
	if err != nil {
		return nil, err
	}
	return TimeRemainingResult{EscrowID: p.EscrowID, Seconds: seconds}, nil
}

func viewEscrowList(ctx *execContext, raw json.RawMessage) (any, error) {
	var p ListParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	party, err := parseAddress("party", p.Party)
	if err != nil {
		return nil, err
	}
	side, err := escrow.ParseSide(p.Side)
	if err != nil {
		return nil, fmt.Errorf("ledger: %v: %w", err, coreerrors.ErrInvalidInput)
	}
	return ctx.escrows.List(party, side)
}

func viewEscrowCanRelease(ctx *execContext, raw json.RawMessage) (any, error) {
	var p EscrowIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	ok, err := ctx.escrows.CanReleaseWithArbitration(p.EscrowID)
	if err != nil {
		return nil, err
	}
	return BoolResult{Value: ok}, nil
}

func viewEscrowIsCoordinator(ctx *execContext, raw json.RawMessage) (any, error) {
	var p AddressParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	addr, err := parseAddress("address", p.Address)
	if err != nil {
		return nil, err
	}
	ok, err := ctx.escrows.IsCoordinator(addr)
	if err != nil {
		return nil, err
	}
	return BoolResult{Value: ok}, nil
}

func viewSettlementGet(ctx *execContext, raw json.RawMessage) (any, error) {
	var p EscrowIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return ctx.oracle.Get(p.EscrowID)
}

func viewIsSettled(ctx *execContext, raw json.RawMessage) (any, error) {
	var p EscrowIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	ok, err := ctx.oracle.IsSettled(p.EscrowID)
	if err != nil {
		return nil, err
	}
	return BoolResult{Value: ok}, nil
}

func viewIsSettledCached(ctx *execContext, raw json.RawMessage) (any, error) {
	var p EscrowIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	ok, err := ctx.oracle.CachedIsSettled(p.EscrowID)
	if err != nil {
		return nil, err
	}
	return BoolResult{Value: ok}, nil
}

func viewIsArbitrator(ctx *execContext, raw json.RawMessage) (any, error) {
	var p AddressParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	addr, err := parseAddress("address", p.Address)
	if err != nil {
		return nil, err
	}
	ok, err := ctx.oracle.IsAuthorizedArbitrator(addr)
	if err != nil {
		return nil, err
	}
	return BoolResult{Value: ok}, nil
}

func viewArbitrators(ctx *execContext, _ json.RawMessage) (any, error) {
	list, err := ctx.oracle.Arbitrators()
	if err != nil {
		return nil, err
	}
	out := AddressListResult{Addresses: make([]string, 0, len(list))}
	for _, addr := range list {
		out.Addresses = append(out.Addresses, crypto.FormatAddress(addr))
	}
	return out, nil
}

func viewBalance(ctx *execContext, raw json.RawMessage) (any, error) {
	var p AddressParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	addr, err := parseAddress("address", p.Address)
	if err != nil {
		return nil, err
	}
	bal, err := ctx.state.Balance(addr)
	if err != nil {
		return nil, err
	}
	return BalanceResult{
		Address:   crypto.FormatAddress(addr),
		Asset:     ctx.feeAsset,
		Amount:    bal.String(),
		Formatted: amount.Format(bal),
	}, nil
}
