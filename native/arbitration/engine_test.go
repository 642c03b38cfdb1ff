package arbitration

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	coreerrors "arcesc/core/errors"
	"arcesc/core/events"
	"arcesc/core/identity"
	"arcesc/native/escrow"
)

type mockState struct {
	settlements  map[uint64]*Settlement
	arbitrators  map[[20]byte]bool
	coordinators map[[20]byte]bool
	governors    map[[20]byte]bool
	cache        map[uint64]*CacheEntry
	cacheWrites  int
}

func newMockState() *mockState {
	return &mockState{
		settlements:  make(map[uint64]*Settlement),
		arbitrators:  make(map[[20]byte]bool),
		coordinators: make(map[[20]byte]bool),
		governors:    make(map[[20]byte]bool),
		cache:        make(map[uint64]*CacheEntry),
	}
}

func (m *mockState) SettlementGet(id uint64) (*Settlement, bool, error) {
	rec, ok := m.settlements[id]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (m *mockState) SettlementPut(rec *Settlement) error {
	m.settlements[rec.EscrowID] = rec.Clone()
	return nil
}

func (m *mockState) ArbitratorIs(addr [20]byte) (bool, error) { return m.arbitrators[addr], nil }

func (m *mockState) ArbitratorAdd(addr [20]byte) error {
	m.arbitrators[addr] = true
	return nil
}

func (m *mockState) ArbitratorRemove(addr [20]byte) error {
	delete(m.arbitrators, addr)
	return nil
}

func (m *mockState) ArbitratorList() ([][20]byte, error) {
	out := make([][20]byte, 0, len(m.arbitrators))
	for addr := range m.arbitrators {
		out = append(out, addr)
	}
	return out, nil
}

func (m *mockState) SettledCacheGet(id uint64) (*CacheEntry, bool, error) {
	entry, ok := m.cache[id]
	if !ok {
		return nil, false, nil
	}
	clone := *entry
	return &clone, true, nil
}

func (m *mockState) SettledCachePut(entry *CacheEntry) error {
	clone := *entry
	m.cache[entry.EscrowID] = &clone
	m.cacheWrites++
	return nil
}

func (m *mockState) CoordinatorIs(addr [20]byte) (bool, error) { return m.coordinators[addr], nil }

func (m *mockState) GovernorIs(addr [20]byte) (bool, error) { return m.governors[addr], nil }

type stubEscrows map[uint64]escrow.EscrowStatus

func (s stubEscrows) Status(id uint64) (escrow.EscrowStatus, error) {
	status, ok := s[id]
	if !ok {
		return 0, fmt.Errorf("escrow %d: %w", id, coreerrors.ErrNotFound)
	}
	return status, nil
}

type capturingEmitter struct {
	types []string
}

func (c *capturingEmitter) Emit(evt events.Event) { c.types = append(c.types, evt.EventType()) }

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

type fixture struct {
	state       *mockState
	escrows     stubEscrows
	engine      *Engine
	emitter     *capturingEmitter
	now         *int64
	arbitrator  identity.Caller
	coordinator identity.Caller
	governor    identity.Caller
}

func newFixture() *fixture {
	now := int64(1_700_000_000)
	f := &fixture{
		state:       newMockState(),
		escrows:     stubEscrows{0: escrow.EscrowPending},
		emitter:     &capturingEmitter{},
		now:         &now,
		arbitrator:  identity.NewCaller(newTestAddress(0xA1), identity.RoleArbitrator),
		coordinator: identity.NewCaller(newTestAddress(0xC1), identity.RoleCoordinator),
		governor:    identity.NewCaller(newTestAddress(0x60), identity.RoleGovernance),
	}
	f.state.arbitrators[f.arbitrator.Address] = true
	f.state.coordinators[f.coordinator.Address] = true
	f.state.governors[f.governor.Address] = true
	f.engine = NewEngine()
	f.engine.SetState(f.state)
	f.engine.SetEscrowView(f.escrows)
	f.engine.SetEmitter(f.emitter)
	f.engine.SetNowFunc(func() int64 { return now })
	return f
}

func TestSettleRequiresAuthorizedArbitrator(t *testing.T) {
	f := newFixture()
	stranger := identity.NewCaller(newTestAddress(0x02), identity.RoleArbitrator)
	if _, err := f.engine.Settle(0, stranger, "done"); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected unlisted arbitrator rejected, got %v", err)
	}
	wrongRole := identity.NewCaller(f.arbitrator.Address, identity.RoleAccount)
	if _, err := f.engine.Settle(0, wrongRole, "done"); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected account role rejected, got %v", err)
	}
	if _, err := f.engine.Settle(0, f.arbitrator, "   "); !errors.Is(err, coreerrors.ErrInvalidInput) {
		t.Fatalf("expected empty reason rejected, got %v", err)
	}
	if _, err := f.engine.Settle(9, f.arbitrator, "done"); !errors.Is(err, coreerrors.ErrNotFound) {
		t.Fatalf("expected unknown escrow not found, got %v", err)
	}
}

func TestSettleIsIdempotent(t *testing.T) {
	f := newFixture()
	first, err := f.engine.Settle(0, f.arbitrator, "Work completed satisfactorily")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	*f.now += 60
	second, err := f.engine.Settle(0, f.arbitrator, "Work completed satisfactorily")
	if err != nil {
		t.Fatalf("repeat settle: %v", err)
	}
	if *first != *second {
		t.Fatalf("expected identical record, got %+v vs %+v", first, second)
	}
	if _, err := f.engine.Settle(0, f.arbitrator, "different reason"); !errors.Is(err, coreerrors.ErrInvalidState) {
		t.Fatalf("expected conflicting settle rejected, got %v", err)
	}
	if _, err := f.engine.MarkDisputed(0, f.arbitrator, "objection"); !errors.Is(err, coreerrors.ErrInvalidState) {
		t.Fatalf("expected dispute after settle rejected, got %v", err)
	}
	settled, err := f.engine.IsSettled(0)
	if err != nil || !settled {
		t.Fatalf("expected settled, got %v (%v)", settled, err)
	}
	if len(f.emitter.types) != 1 || f.emitter.types[0] != EventTypeSettled {
		t.Fatalf("expected one settled event, got %v", f.emitter.types)
	}
}

func TestSettleRequiresPendingEscrow(t *testing.T) {
	f := newFixture()
	f.escrows[0] = escrow.EscrowRefunded
	if _, err := f.engine.Settle(0, f.arbitrator, "late"); !errors.Is(err, coreerrors.ErrInvalidState) {
		t.Fatalf("expected invalid state for resolved escrow, got %v", err)
	}
	if _, err := f.engine.OpenReview(0, f.arbitrator); !errors.Is(err, coreerrors.ErrInvalidState) {
		t.Fatalf("expected open review rejected for resolved escrow, got %v", err)
	}
}

func TestResettleAfterDisputePolicy(t *testing.T) {
	f := newFixture()
	if _, err := f.engine.MarkDisputed(0, f.arbitrator, "payee unresponsive"); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if _, err := f.engine.MarkDisputed(0, f.arbitrator, "payee unresponsive"); err != nil {
		t.Fatalf("repeat dispute must be a no-op: %v", err)
	}

	f.engine.SetPolicy(Policy{AllowResettleAfterDispute: false})
	if _, err := f.engine.Settle(0, f.arbitrator, "resolved"); !errors.Is(err, coreerrors.ErrInvalidState) {
		t.Fatalf("expected re-settle blocked by policy, got %v", err)
	}

	f.engine.SetPolicy(DefaultPolicy())
	rec, err := f.engine.Settle(0, f.arbitrator, "resolved")
	if err != nil {
		t.Fatalf("re-settle with default policy: %v", err)
	}
	if rec.Status != SettlementSettled || rec.Reason != "resolved" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestOpenAndCancel(t *testing.T) {
	f := newFixture()
	rec, err := f.engine.OpenReview(0, f.arbitrator)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if rec.Status != SettlementPending {
		t.Fatalf("expected pending, got %s", rec.Status)
	}
	if _, err := f.engine.OpenReview(0, f.arbitrator); err != nil {
		t.Fatalf("re-open must be a no-op: %v", err)
	}
	cancelled, err := f.engine.Cancel(0, f.arbitrator, "parties agreed")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != SettlementCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if _, err := f.engine.Settle(0, f.arbitrator, "too late"); !errors.Is(err, coreerrors.ErrInvalidState) {
		t.Fatalf("expected settle after cancel rejected, got %v", err)
	}
	if _, err := f.engine.OpenReview(0, f.arbitrator); !errors.Is(err, coreerrors.ErrInvalidState) {
		t.Fatalf("expected reopen after cancel rejected, got %v", err)
	}
}

func TestCancelRejectsDecided(t *testing.T) {
	f := newFixture()
	if _, err := f.engine.Settle(0, f.arbitrator, "done"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, err := f.engine.Cancel(0, f.arbitrator, ""); !errors.Is(err, coreerrors.ErrInvalidState) {
		t.Fatalf("expected cancel of settled rejected, got %v", err)
	}
}

func TestCancelRequiresPendingEscrowForNewRecord(t *testing.T) {
	f := newFixture()
	f.escrows[0] = escrow.EscrowReleased
	if _, err := f.engine.Cancel(0, f.arbitrator, ""); !errors.Is(err, coreerrors.ErrInvalidState) {
		t.Fatalf("expected cancel on released escrow rejected, got %v", err)
	}
	if _, ok := f.state.settlements[0]; ok {
		t.Fatalf("no settlement may be stored for a released escrow")
	}
	if len(f.emitter.types) != 0 {
		t.Fatalf("unexpected events %v", f.emitter.types)
	}
}

func TestMarkTriggered(t *testing.T) {
	f := newFixture()
	if _, err := f.engine.MarkTriggered(0, f.coordinator); !errors.Is(err, coreerrors.ErrNotFound) {
		t.Fatalf("expected not found without settlement, got %v", err)
	}
	if _, err := f.engine.Settle(0, f.arbitrator, "done"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if _, err := f.engine.MarkTriggered(0, f.coordinator); !errors.Is(err, coreerrors.ErrInvalidState) {
		t.Fatalf("expected invalid state while escrow pending, got %v", err)
	}
	f.escrows[0] = escrow.EscrowReleased
	if _, err := f.engine.MarkTriggered(0, identity.NewCaller(newTestAddress(0x77), identity.RoleCoordinator)); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected unregistered coordinator rejected, got %v", err)
	}
	*f.now += 5
	rec, err := f.engine.MarkTriggered(0, f.coordinator)
	if err != nil {
		t.Fatalf("mark triggered: %v", err)
	}
	if !rec.MEETriggered || rec.TriggeredAt != 1_700_000_005 {
		t.Fatalf("unexpected record %+v", rec)
	}
	*f.now += 5
	again, err := f.engine.MarkTriggered(0, f.coordinator)
	if err != nil {
		t.Fatalf("repeat mark triggered: %v", err)
	}
	if again.TriggeredAt != rec.TriggeredAt {
		t.Fatalf("repeat mark must not move the trigger time")
	}
	if _, err := f.engine.Settle(0, f.arbitrator, "done"); err != nil {
		t.Fatalf("idempotent settle after release: %v", err)
	}
	stored, err := f.engine.Get(0)
	if err != nil || !stored.MEETriggered {
		t.Fatalf("trigger flag must survive idempotent settle: %+v (%v)", stored, err)
	}
}

func TestSettledCache(t *testing.T) {
	f := newFixture()
	entry, err := f.engine.UpdateSettledCache(0)
	if err != nil {
		t.Fatalf("update cache: %v", err)
	}
	if entry.Settled || entry.Present {
		t.Fatalf("expected empty entry, got %+v", entry)
	}
	if _, err := f.engine.UpdateSettledCache(0); err != nil {
		t.Fatalf("repeat update: %v", err)
	}
	if f.state.cacheWrites != 1 {
		t.Fatalf("unchanged cache must not be rewritten, writes=%d", f.state.cacheWrites)
	}
	if _, err := f.engine.Settle(0, f.arbitrator, "done"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	stale, err := f.engine.CachedIsSettled(0)
	if err != nil || stale {
		t.Fatalf("expected stale cached answer false, got %v (%v)", stale, err)
	}
	entry, err = f.engine.UpdateSettledCache(0)
	if err != nil || !entry.Settled || entry.Status != SettlementSettled {
		t.Fatalf("expected settled entry, got %+v (%v)", entry, err)
	}
	cached, err := f.engine.CachedIsSettled(0)
	if err != nil || !cached {
		t.Fatalf("expected cached settled true, got %v (%v)", cached, err)
	}
	if _, err := f.engine.UpdateSettledCache(5); !errors.Is(err, coreerrors.ErrNotFound) {
		t.Fatalf("expected unknown escrow rejected, got %v", err)
	}
}

func TestArbitratorGovernance(t *testing.T) {
	f := newFixture()
	newcomer := newTestAddress(0xA2)
	if err := f.engine.AddArbitrator(f.arbitrator, newcomer); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected arbitrator unable to add arbitrators, got %v", err)
	}
	if err := f.engine.AddArbitrator(f.governor, newcomer); err != nil {
		t.Fatalf("add arbitrator: %v", err)
	}
	ok, err := f.engine.IsAuthorizedArbitrator(newcomer)
	if err != nil || !ok {
		t.Fatalf("expected newcomer authorized")
	}
	list, err := f.engine.Arbitrators()
	if err != nil || len(list) != 2 {
		t.Fatalf("expected two arbitrators, got %d (%v)", len(list), err)
	}
	if err := f.engine.RemoveArbitrator(f.governor, newcomer); err != nil {
		t.Fatalf("remove arbitrator: %v", err)
	}
	if err := f.engine.RemoveArbitrator(f.governor, newcomer); !errors.Is(err, coreerrors.ErrNotFound) {
		t.Fatalf("expected second removal not found, got %v", err)
	}
	if _, err := f.engine.Settle(0, identity.NewCaller(newcomer, identity.RoleArbitrator), "done"); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("removed arbitrator must lose authority, got %v", err)
	}
}
