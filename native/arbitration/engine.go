package arbitration

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	coreerrors "arcesc/core/errors"
	"arcesc/core/events"
	"arcesc/core/identity"
	"arcesc/core/types"
	"arcesc/native/escrow"
)

var errNilState = errors.New("arbitration engine: state not configured")

type engineState interface {
	SettlementGet(escrowID uint64) (*Settlement, bool, error)
	SettlementPut(*Settlement) error
	ArbitratorIs(addr [20]byte) (bool, error)
	ArbitratorAdd(addr [20]byte) error
	ArbitratorRemove(addr [20]byte) error
	ArbitratorList() ([][20]byte, error)
	SettledCacheGet(escrowID uint64) (*CacheEntry, bool, error)
	SettledCachePut(entry *CacheEntry) error
	CoordinatorIs(addr [20]byte) (bool, error)
	GovernorIs(addr [20]byte) (bool, error)
}

// EscrowView is the registry read the oracle needs to validate decisions.
type EscrowView interface {
	Status(id uint64) (escrow.EscrowStatus, error)
}

type arbitrationEvent struct {
	evt *types.Event
}

func (e arbitrationEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e arbitrationEvent) Event() *types.Event { return e.evt }

// Engine is the arbitration oracle. It records settlement decisions made by
// allow-listed arbitrators and answers whether an escrow is settled.
type Engine struct {
	state   engineState
	escrows EscrowView
	emitter events.Emitter
	policy  Policy
	nowFn   func() int64
}

// NewEngine creates an oracle with the default policy and a no-op emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		policy:  DefaultPolicy(),
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEscrowView configures the registry view used to validate escrows.
func (e *Engine) SetEscrowView(view EscrowView) { e.escrows = view }

// SetPolicy overrides the oracle policy.
func (e *Engine) SetPolicy(p Policy) { e.policy = p }

// Policy returns the active policy.
func (e *Engine) Policy() Policy { return e.policy }

// SetNowFunc overrides the time source used by the engine.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
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
	e.emitter.Emit(arbitrationEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return nil
}

func normalizeReason(reason string, required bool) (string, error) {
	trimmed := strings.TrimSpace(reason)
	if required && trimmed == "" {
		return "", fmt.Errorf("arbitration: reason required: %w", coreerrors.ErrInvalidInput)
	}
	if len(trimmed) > MaxReasonBytes {
		return "", fmt.Errorf("arbitration: reason exceeds %d bytes: %w", MaxReasonBytes, coreerrors.ErrInvalidInput)
	}
	if !utf8.ValidString(trimmed) {
		return "", fmt.Errorf("arbitration: reason must be valid utf-8: %w", coreerrors.ErrInvalidInput)
	}
	return trimmed, nil
}

func (e *Engine) requireArbitrator(caller identity.Caller) error {
	if caller.Role != identity.RoleArbitrator {
		return fmt.Errorf("arbitration: role %s cannot arbitrate: %w", caller.Role, coreerrors.ErrUnauthorized)
	}
	ok, err := e.state.ArbitratorIs(caller.Address)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("arbitration: caller is not an authorized arbitrator: %w", coreerrors.ErrUnauthorized)
	}
	return nil
}

func (e *Engine) requireGovernor(caller identity.Caller) error {
	if caller.Role != identity.RoleGovernance {
		return fmt.Errorf("arbitration: role %s cannot manage arbitrators: %w", caller.Role, coreerrors.ErrUnauthorized)
	}
	ok, err := e.state.GovernorIs(caller.Address)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("arbitration: caller is not a governor: %w", coreerrors.ErrUnauthorized)
	}
	return nil
}

func (e *Engine) escrowStatus(escrowID uint64) (escrow.EscrowStatus, error) {
	if e.escrows == nil {
		return 0, fmt.Errorf("arbitration: escrow view not configured")
	}
	return e.escrows.Status(escrowID)
}

func (e *Engine) requirePendingEscrow(escrowID uint64) error {
	status, err := e.escrowStatus(escrowID)
	if err != nil {
		return err
	}
	if status != escrow.EscrowPending {
		return fmt.Errorf("arbitration: escrow %d is %s: %w", escrowID, status, coreerrors.ErrInvalidState)
	}
	return nil
}

func (e *Engine) load(escrowID uint64) (*Settlement, bool, error) {
	rec, ok, err := e.state.SettlementGet(escrowID)
	if err != nil {
		return nil, false, err
	}
	return rec, ok, nil
}

func (e *Engine) store(rec *Settlement, eventType string) (*Settlement, error) {
	if !rec.Status.Valid() {
		return nil, fmt.Errorf("arbitration: invalid settlement status %d", rec.Status)
	}
	if err := e.state.SettlementPut(rec); err != nil {
		return nil, err
	}
	e.emit(newSettlementEvent(eventType, rec))
	return rec.Clone(), nil
}

// OpenReview records that an arbitrator has taken up the escrow, creating a
// PENDING settlement. Opening an already pending review is a no-op.
func (e *Engine) OpenReview(escrowID uint64, caller identity.Caller) (*Settlement, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.requireArbitrator(caller); err != nil {
		return nil, err
	}
	if err := e.requirePendingEscrow(escrowID); err != nil {
		return nil, err
	}
	existing, ok, err := e.load(escrowID)
	if err != nil {
		return nil, err
	}
	if ok {
		if existing.Status == SettlementPending {
			return existing.Clone(), nil
		}
		return nil, fmt.Errorf("arbitration: settlement for escrow %d already %s: %w", escrowID, existing.Status, coreerrors.ErrInvalidState)
	}
	return e.store(&Settlement{
		EscrowID:   escrowID,
		Arbitrator: caller.Address,
		Status:     SettlementPending,
		Timestamp:  e.now(),
	}, EventTypeOpened)
}

// Settle records a SETTLED decision. Repeating the call with the same reason
// once settled returns the existing record unchanged.
func (e *Engine) Settle(escrowID uint64, caller identity.Caller, reason string) (*Settlement, error) {
	return e.decide(escrowID, caller, reason, SettlementSettled)
}

// MarkDisputed records a DISPUTED decision. Repeating the call with the same
// reason once disputed returns the existing record unchanged.
func (e *Engine) MarkDisputed(escrowID uint64, caller identity.Caller, reason string) (*Settlement, error) {
	return e.decide(escrowID, caller, reason, SettlementDisputed)
}

func (e *Engine) decide(escrowID uint64, caller identity.Caller, reason string, target SettlementStatus) (*Settlement, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.requireArbitrator(caller); err != nil {
		return nil, err
	}
	normalized, err := normalizeReason(reason, true)
	if err != nil {
		return nil, err
	}
	if _, err := e.escrowStatus(escrowID); err != nil {
		return nil, err
	}
	existing, ok, err := e.load(escrowID)
	if err != nil {
		return nil, err
	}
	if ok {
		switch {
		case existing.Status == target && existing.Reason == normalized:
			return existing.Clone(), nil
		case existing.Status == SettlementPending:
		case existing.Status == SettlementDisputed && target == SettlementSettled && e.policy.AllowResettleAfterDispute:
		default:
			return nil, fmt.Errorf("arbitration: cannot move settlement for escrow %d from %s to %s: %w", escrowID, existing.Status, target, coreerrors.ErrInvalidState)
		}
	}
	if err := e.requirePendingEscrow(escrowID); err != nil {
		return nil, err
	}
	eventType := EventTypeSettled
	if target == SettlementDisputed {
		eventType = EventTypeDisputed
	}
	return e.store(&Settlement{
		EscrowID:   escrowID,
		Arbitrator: caller.Address,
		Status:     target,
		Timestamp:  e.now(),
		Reason:     normalized,
	}, eventType)
}

// Cancel closes a pending review without a decision. Settled and disputed
// records cannot be cancelled.
func (e *Engine) Cancel(escrowID uint64, caller identity.Caller, reason string) (*Settlement, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.requireArbitrator(caller); err != nil {
		return nil, err
	}
	normalized, err := normalizeReason(reason, false)
	if err != nil {
		return nil, err
	}
	if _, err := e.escrowStatus(escrowID); err != nil {
		return nil, err
	}
	existing, ok, err := e.load(escrowID)
	if err != nil {
		return nil, err
	}
	if ok {
		switch existing.Status {
		case SettlementCancelled:
			return existing.Clone(), nil
		case SettlementPending:
		default:
			return nil, fmt.Errorf("arbitration: cannot cancel %s settlement: %w", existing.Status, coreerrors.ErrInvalidState)
		}
	} else if err := e.requirePendingEscrow(escrowID); err != nil {
		return nil, err
	}
	return e.store(&Settlement{
		EscrowID:   escrowID,
		Arbitrator: caller.Address,
		Status:     SettlementCancelled,
		Timestamp:  e.now(),
		Reason:     normalized,
	}, EventTypeCancelled)
}

// MarkTriggered flags the settlement once a coordinator's release has
// committed. Only registered coordinators may call it and the flag is never
// cleared.
func (e *Engine) MarkTriggered(escrowID uint64, caller identity.Caller) (*Settlement, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if caller.Role != identity.RoleCoordinator {
		return nil, fmt.Errorf("arbitration: role %s cannot mark triggers: %w", caller.Role, coreerrors.ErrUnauthorized)
	}
	ok, err := e.state.CoordinatorIs(caller.Address)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("arbitration: caller is not a registered coordinator: %w", coreerrors.ErrUnauthorized)
	}
	existing, found, err := e.load(escrowID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("arbitration: settlement for escrow %d: %w", escrowID, coreerrors.ErrNotFound)
	}
	if existing.Status != SettlementSettled {
		return nil, fmt.Errorf("arbitration: settlement is %s: %w", existing.Status, coreerrors.ErrInvalidState)
	}
	if existing.MEETriggered {
		return existing.Clone(), nil
	}
	status, err := e.escrowStatus(escrowID)
	if err != nil {
		return nil, err
	}
	if status != escrow.EscrowReleased {
		return nil, fmt.Errorf("arbitration: escrow %d is %s, not released: %w", escrowID, status, coreerrors.ErrInvalidState)
	}
	existing.MEETriggered = true
	existing.TriggeredAt = e.now()
	return e.store(existing, EventTypeTriggered)
}

// Get returns the settlement recorded for the escrow.
func (e *Engine) Get(escrowID uint64) (*Settlement, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	rec, ok, err := e.load(escrowID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("arbitration: settlement for escrow %d: %w", escrowID, coreerrors.ErrNotFound)
	}
	return rec.Clone(), nil
}

// IsSettled reports whether the escrow's settlement is SETTLED. Escrows
// without a settlement are not settled.
func (e *Engine) IsSettled(escrowID uint64) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	rec, ok, err := e.load(escrowID)
	if err != nil || !ok {
		return false, err
	}
	return rec.Status == SettlementSettled, nil
}

func (e *Engine) compute(escrowID uint64) (CacheEntry, error) {
	entry := CacheEntry{EscrowID: escrowID, ComputedAt: e.now()}
	rec, ok, err := e.load(escrowID)
	if err != nil {
		return entry, err
	}
	if ok {
		entry.Present = true
		entry.Status = rec.Status
		entry.Settled = rec.Status == SettlementSettled
	}
	return entry, nil
}

// UpdateSettledCache recomputes the memoised settled flag. The cache is only
// rewritten when the answer changed, so repeated calls are harmless.
func (e *Engine) UpdateSettledCache(escrowID uint64) (CacheEntry, error) {
	if err := e.ready(); err != nil {
		return CacheEntry{}, err
	}
	if _, err := e.escrowStatus(escrowID); err != nil {
		return CacheEntry{}, err
	}
	fresh, err := e.compute(escrowID)
	if err != nil {
		return CacheEntry{}, err
	}
	cached, ok, err := e.state.SettledCacheGet(escrowID)
	if err != nil {
		return CacheEntry{}, err
	}
	if ok && cached.Settled == fresh.Settled && cached.Status == fresh.Status && cached.Present == fresh.Present {
		return *cached, nil
	}
	if err := e.state.SettledCachePut(&fresh); err != nil {
		return CacheEntry{}, err
	}
	e.emit(newCacheEvent(fresh))
	return fresh, nil
}

// CachedIsSettled answers from the cache, falling back to the live record
// when no cache entry exists.
func (e *Engine) CachedIsSettled(escrowID uint64) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	cached, ok, err := e.state.SettledCacheGet(escrowID)
	if err != nil {
		return false, err
	}
	if ok {
		return cached.Settled, nil
	}
	return e.IsSettled(escrowID)
}

// IsAuthorizedArbitrator reports whether addr is on the allow-list.
func (e *Engine) IsAuthorizedArbitrator(addr [20]byte) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	return e.state.ArbitratorIs(addr)
}

// Arbitrators lists the allow-listed arbitrators.
func (e *Engine) Arbitrators() ([][20]byte, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.state.ArbitratorList()
}

// AddArbitrator puts addr on the allow-list. Requires the governance
// capability.
func (e *Engine) AddArbitrator(caller identity.Caller, addr [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireGovernor(caller); err != nil {
		return err
	}
	if addr == ([20]byte{}) {
		return fmt.Errorf("arbitration: arbitrator address required: %w", coreerrors.ErrInvalidInput)
	}
	exists, err := e.state.ArbitratorIs(addr)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := e.state.ArbitratorAdd(addr); err != nil {
		return err
	}
	e.emit(newArbitratorEvent(EventTypeArbitratorAdded, addr, e.now()))
	return nil
}

// RemoveArbitrator takes addr off the allow-list. Existing decisions stay.
func (e *Engine) RemoveArbitrator(caller identity.Caller, addr [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.requireGovernor(caller); err != nil {
		return err
	}
	exists, err := e.state.ArbitratorIs(addr)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("arbitration: arbitrator not registered: %w", coreerrors.ErrNotFound)
	}
	if err := e.state.ArbitratorRemove(addr); err != nil {
		return err
	}
	e.emit(newArbitratorEvent(EventTypeArbitratorRemoved, addr, e.now()))
	return nil
}
