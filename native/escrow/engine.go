package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	coreerrors "arcesc/core/errors"
	"arcesc/core/events"
	"arcesc/core/identity"
	"arcesc/core/types"
)

var (
	errNilState = errors.New("escrow engine: state not configured")
)

type engineState interface {
	EscrowNextID() (uint64, error)
	EscrowCount() (uint64, error)
	EscrowPut(*Escrow) error
	EscrowGet(id uint64) (*Escrow, bool, error)
	EscrowIndexParty(addr [20]byte, side Side, id uint64) error
	EscrowListByParty(addr [20]byte, side Side) ([]uint64, error)
	EscrowVaultAddress() [20]byte
	Balance(addr [20]byte) (*big.Int, error)
	SetBalance(addr [20]byte, amount *big.Int) error
	CoordinatorIs(addr [20]byte) (bool, error)
	CoordinatorAdd(addr [20]byte) error
	CoordinatorRemove(addr [20]byte) error
	GovernorIs(addr [20]byte) (bool, error)
}

// SettlementView is the read-only slice of the arbitration oracle the
// registry consults before honouring a coordinator release.
type SettlementView interface {
	IsSettled(escrowID uint64) (bool, error)
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine implements the escrow registry: creation, release, refund and the
// read-only views over escrow records. Every mutation runs inside a single
// ledger call, so the engine itself holds no locks.
type Engine struct {
	state       engineState
	settlements SettlementView
	emitter     events.Emitter
	feeTreasury [20]byte
	params      Params
	nowFn       func() int64
}

// NewEngine creates an escrow engine with a no-op emitter and default
// creation bounds. Callers can override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		params:  DefaultParams(),
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetSettlementView configures the oracle view used to authorize coordinator
// releases. Without one, coordinator releases are always rejected.
func (e *Engine) SetSettlementView(view SettlementView) { e.settlements = view }

// SetFeeTreasury configures the address that receives creation fees.
func (e *Engine) SetFeeTreasury(addr [20]byte) { e.feeTreasury = addr }

// SetParams overrides the creation bounds.
func (e *Engine) SetParams(p Params) { e.params = p.normalized() }

// Params returns the active creation bounds.
func (e *Engine) Params() Params { return e.params.normalized() }

// SetNowFunc overrides the time source used by the engine. The ledger binds
// it to the commit time of the call being executed.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (e *Engine) loadEscrow(id uint64) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok, err := e.state.EscrowGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("escrow: escrow %d: %w", id, coreerrors.ErrNotFound)
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	sanitized, err := SanitizeEscrow(esc)
	if err != nil {
		return err
	}
	return e.state.EscrowPut(sanitized)
}

func (e *Engine) transfer(from, to [20]byte, amount *big.Int) error {
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	fromBal, err := e.state.Balance(from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amt) < 0 {
		return fmt.Errorf("escrow: balance %s below %s: %w", fromBal, amt, coreerrors.ErrInsufficientFunds)
	}
	toBal, err := e.state.Balance(to)
	if err != nil {
		return err
	}
	if err := e.state.SetBalance(from, new(big.Int).Sub(fromBal, amt)); err != nil {
		return err
	}
	return e.state.SetBalance(to, new(big.Int).Add(toBal, amt))
}

func (e *Engine) validateCreate(payer, payee [20]byte, amt *big.Int, lockDuration int64, description string) error {
	p := e.params.normalized()
	switch {
	case payer == ([20]byte{}):
		return fmt.Errorf("escrow: payer required: %w", coreerrors.ErrInvalidInput)
	case payee == ([20]byte{}):
		return fmt.Errorf("escrow: payee required: %w", coreerrors.ErrInvalidInput)
	case payer == payee:
		return fmt.Errorf("escrow: payee must differ from payer: %w", coreerrors.ErrInvalidInput)
	case amt == nil || amt.Sign() <= 0:
		return fmt.Errorf("escrow: amount must be positive: %w", coreerrors.ErrInvalidInput)
	case lockDuration < p.MinLockDuration:
		return fmt.Errorf("escrow: lock duration %ds below minimum %ds: %w", lockDuration, p.MinLockDuration, coreerrors.ErrInvalidInput)
	case lockDuration > p.MaxLockDuration:
		return fmt.Errorf("escrow: lock duration %ds above maximum %ds: %w", lockDuration, p.MaxLockDuration, coreerrors.ErrInvalidInput)
	case len(description) > p.MaxDescriptionBytes:
		return fmt.Errorf("escrow: description exceeds %d bytes: %w", p.MaxDescriptionBytes, coreerrors.ErrInvalidInput)
	case !utf8.ValidString(description):
		return fmt.Errorf("escrow: description must be valid utf-8: %w", coreerrors.ErrInvalidInput)
	}
	return nil
}

// Create records a new pending escrow, moving amount from the payer into the
// escrow vault. The optional creation fee is charged on top of the amount.
func (e *Engine) Create(payer, payee [20]byte, amount *big.Int, lockDuration int64, description string) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := e.validateCreate(payer, payee, amount, lockDuration, description); err != nil {
		return nil, err
	}
	amt := cloneBigInt(amount)
	fee := cloneBigInt(e.params.normalized().CreationFee)
	if fee.Sign() > 0 && e.feeTreasury == ([20]byte{}) {
		return nil, fmt.Errorf("escrow: creation fee configured without treasury")
	}
	balance, err := e.state.Balance(payer)
	if err != nil {
		return nil, err
	}
	required := new(big.Int).Add(amt, fee)
	if balance.Cmp(required) < 0 {
		return nil, fmt.Errorf("escrow: payer balance %s below required %s: %w", balance, required, coreerrors.ErrInsufficientFunds)
	}
	id, err := e.state.EscrowNextID()
	if err != nil {
		return nil, err
	}
	now := e.now()
	esc := &Escrow{
		ID:           id,
		Payer:        payer,
		Payee:        payee,
		Amount:       amt,
		CreatedAt:    now,
		LockDuration: lockDuration,
		Deadline:     now + lockDuration,
		Description:  description,
		Status:       EscrowPending,
	}
	if err := e.transfer(payer, e.state.EscrowVaultAddress(), amt); err != nil {
		return nil, err
	}
	if fee.Sign() > 0 {
		if err := e.transfer(payer, e.feeTreasury, fee); err != nil {
			return nil, err
		}
	}
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	if err := e.state.EscrowIndexParty(payer, SidePayer, id); err != nil {
		return nil, err
	}
	if err := e.state.EscrowIndexParty(payee, SidePayee, id); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(esc))
	return esc.Clone(), nil
}

func (e *Engine) authorizeRelease(esc *Escrow, caller identity.Caller) error {
	switch caller.Role {
	case identity.RoleAccount:
		if caller.Address == esc.Payer || caller.Address == esc.Payee {
			return nil
		}
		return fmt.Errorf("escrow: caller is neither payer nor payee: %w", coreerrors.ErrUnauthorized)
	case identity.RoleCoordinator:
		ok, err := e.state.CoordinatorIs(caller.Address)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("escrow: caller is not a registered coordinator: %w", coreerrors.ErrUnauthorized)
		}
		if e.settlements == nil {
			return fmt.Errorf("escrow: no settlement view configured: %w", coreerrors.ErrUnauthorized)
		}
		settled, err := e.settlements.IsSettled(esc.ID)
		if err != nil {
			return err
		}
		if !settled {
			return fmt.Errorf("escrow: escrow %d has no settled arbitration: %w", esc.ID, coreerrors.ErrUnauthorized)
		}
		return nil
	default:
		return fmt.Errorf("escrow: role %s cannot release: %w", caller.Role, coreerrors.ErrUnauthorized)
	}
}

// Release moves the escrowed funds to the payee. Payer and payee may release
// at any time while pending; a registered coordinator may release once the
// arbitration oracle reports the escrow as settled.
func (e *Engine) Release(id uint64, caller identity.Caller) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if esc.Status != EscrowPending {
		return nil, fmt.Errorf("escrow: cannot release in status %s: %w", esc.Status, coreerrors.ErrInvalidState)
	}
	if err := e.authorizeRelease(esc, caller); err != nil {
		return nil, err
	}
	if err := e.transfer(e.state.EscrowVaultAddress(), esc.Payee, esc.Amount); err != nil {
		return nil, err
	}
	esc.Status = EscrowReleased
	esc.ResolvedAt = e.now()
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	e.emit(NewReleasedEvent(esc, caller.Role.String()))
	return esc.Clone(), nil
}

// Refund returns the escrowed funds to the payer once the deadline has
// passed. Only the payer may refund.
func (e *Engine) Refund(id uint64, caller identity.Caller) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if esc.Status != EscrowPending {
		return nil, fmt.Errorf("escrow: cannot refund in status %s: %w", esc.Status, coreerrors.ErrInvalidState)
	}
	if caller.Role != identity.RoleAccount || caller.Address != esc.Payer {
		return nil, fmt.Errorf("escrow: only the payer may refund: %w", coreerrors.ErrUnauthorized)
	}
	now := e.now()
	if now < esc.Deadline {
		return nil, fmt.Errorf("escrow: refund of %d before deadline: %w", id, coreerrors.NotYetEligible(esc.Deadline-now))
	}
	if err := e.transfer(e.state.EscrowVaultAddress(), esc.Payer, esc.Amount); err != nil {
		return nil, err
	}
	esc.Status = EscrowRefunded
	esc.ResolvedAt = now
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	e.emit(NewRefundedEvent(esc))
	return esc.Clone(), nil
}

// Get returns a copy of the escrow record.
func (e *Engine) Get(id uint64) (*Escrow, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// Status returns the lifecycle status of the escrow.
func (e *Engine) Status(id uint64) (EscrowStatus, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return 0, err
	}
	return esc.Status, nil
}

// Count returns the number of escrows ever created.
func (e *Engine) Count() (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	return e.state.EscrowCount()
}

// TimeRemaining returns the seconds until the refund deadline, or zero once it
// has passed.
func (e *Engine) TimeRemaining(id uint64) (int64, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return 0, err
	}
	return esc.TimeRemaining(e.now()), nil
}

// List returns the escrows in which party appears on the selected side,
// ordered by id.
func (e *Engine) List(party [20]byte, side Side) ([]*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if party == ([20]byte{}) {
		return nil, fmt.Errorf("escrow: party required: %w", coreerrors.ErrInvalidInput)
	}
	ids, err := e.state.EscrowListByParty(party, side)
	if err != nil {
		return nil, err
	}
	out := make([]*Escrow, 0, len(ids))
	for _, id := range ids {
		esc, err := e.loadEscrow(id)
		if err != nil {
			return nil, err
		}
		out = append(out, esc.Clone())
	}
	return out, nil
}

// CanReleaseWithArbitration reports whether a coordinator release would be
// honoured right now: the escrow is pending and its settlement is settled.
func (e *Engine) CanReleaseWithArbitration(id uint64) (bool, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return false, err
	}
	if esc.Status != EscrowPending || e.settlements == nil {
		return false, nil
	}
	return e.settlements.IsSettled(id)
}

func (e *Engine) requireGovernor(caller identity.Caller) error {
	if caller.Role != identity.RoleGovernance {
		return fmt.Errorf("escrow: role %s cannot manage coordinators: %w", caller.Role, coreerrors.ErrUnauthorized)
	}
	ok, err := e.state.GovernorIs(caller.Address)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("escrow: caller is not a governor: %w", coreerrors.ErrUnauthorized)
	}
	return nil
}

// AddCoordinator registers addr as a coordinator identity.
func (e *Engine) AddCoordinator(caller identity.Caller, addr [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.requireGovernor(caller); err != nil {
		return err
	}
	if addr == ([20]byte{}) {
		return fmt.Errorf("escrow: coordinator address required: %w", coreerrors.ErrInvalidInput)
	}
	exists, err := e.state.CoordinatorIs(addr)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := e.state.CoordinatorAdd(addr); err != nil {
		return err
	}
	e.emit(NewCoordinatorEvent(EventTypeCoordinatorAdded, addr, e.now()))
	return nil
}

// RemoveCoordinator revokes addr's coordinator capability.
func (e *Engine) RemoveCoordinator(caller identity.Caller, addr [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.requireGovernor(caller); err != nil {
		return err
	}
	exists, err := e.state.CoordinatorIs(addr)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("escrow: coordinator not registered: %w", coreerrors.ErrNotFound)
	}
	if err := e.state.CoordinatorRemove(addr); err != nil {
		return err
	}
	e.emit(NewCoordinatorEvent(EventTypeCoordinatorRemoved, addr, e.now()))
	return nil
}

// IsCoordinator reports whether addr holds the coordinator capability.
func (e *Engine) IsCoordinator(addr [20]byte) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	return e.state.CoordinatorIs(addr)
}

// TrimDescription normalises surrounding whitespace in user-supplied
// descriptions before they reach Create.
func TrimDescription(description string) string {
	return strings.TrimSpace(description)
}
