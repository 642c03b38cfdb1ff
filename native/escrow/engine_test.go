package escrow

import (
	"bytes"
	"errors"
	"math/big"
	"sort"
	"testing"
	"time"

	coreerrors "arcesc/core/errors"
	"arcesc/core/events"
	"arcesc/core/identity"
	"arcesc/core/types"
)

type mockState struct {
	nextID       uint64
	escrows      map[uint64]*Escrow
	balances     map[[20]byte]*big.Int
	byParty      map[[20]byte]map[Side][]uint64
	coordinators map[[20]byte]bool
	governors    map[[20]byte]bool
	vault        [20]byte
}

func newMockState() *mockState {
	return &mockState{
		escrows:      make(map[uint64]*Escrow),
		balances:     make(map[[20]byte]*big.Int),
		byParty:      make(map[[20]byte]map[Side][]uint64),
		coordinators: make(map[[20]byte]bool),
		governors:    make(map[[20]byte]bool),
		vault:        newTestAddress(0xAA),
	}
}

func (m *mockState) EscrowNextID() (uint64, error) {
	id := m.nextID
	m.nextID++
	return id, nil
}

func (m *mockState) EscrowCount() (uint64, error) { return m.nextID, nil }

func (m *mockState) EscrowPut(e *Escrow) error {
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *mockState) EscrowGet(id uint64) (*Escrow, bool, error) {
	e, ok := m.escrows[id]
	if !ok {
		return nil, false, nil
	}
	return e.Clone(), true, nil
}

func (m *mockState) EscrowIndexParty(addr [20]byte, side Side, id uint64) error {
	if m.byParty[addr] == nil {
		m.byParty[addr] = make(map[Side][]uint64)
	}
	m.byParty[addr][side] = append(m.byParty[addr][side], id)
	return nil
}

func (m *mockState) EscrowListByParty(addr [20]byte, side Side) ([]uint64, error) {
	sides := m.byParty[addr]
	var out []uint64
	switch side {
	case SidePayer, SidePayee:
		out = append(out, sides[side]...)
	default:
		out = append(out, sides[SidePayer]...)
		out = append(out, sides[SidePayee]...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *mockState) EscrowVaultAddress() [20]byte { return m.vault }

func (m *mockState) Balance(addr [20]byte) (*big.Int, error) {
	if bal, ok := m.balances[addr]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

func (m *mockState) SetBalance(addr [20]byte, amount *big.Int) error {
	m.balances[addr] = new(big.Int).Set(amount)
	return nil
}

func (m *mockState) CoordinatorIs(addr [20]byte) (bool, error) { return m.coordinators[addr], nil }

func (m *mockState) CoordinatorAdd(addr [20]byte) error {
	m.coordinators[addr] = true
	return nil
}

func (m *mockState) CoordinatorRemove(addr [20]byte) error {
	delete(m.coordinators, addr)
	return nil
}

func (m *mockState) GovernorIs(addr [20]byte) (bool, error) { return m.governors[addr], nil }

type stubSettlements map[uint64]bool

func (s stubSettlements) IsSettled(id uint64) (bool, error) { return s[id], nil }

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) typesEvents() []*types.Event {
	out := make([]*types.Event, 0, len(c.events))
	for _, evt := range c.events {
		if wrapper, ok := evt.(escrowEvent); ok && wrapper.evt != nil {
			out = append(out, wrapper.evt.Clone())
		}
	}
	return out
}

const testNow = int64(1_700_000_000)

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newTestEngine(state *mockState) (*Engine, *int64) {
	now := testNow
	engine := NewEngine()
	engine.SetState(state)
	engine.SetFeeTreasury(newTestAddress(0xCC))
	engine.SetNowFunc(func() int64 { return now })
	return engine, &now
}

func fund(state *mockState, addr [20]byte, amount int64) {
	state.balances[addr] = big.NewInt(amount)
}

func balanceOf(t *testing.T, state *mockState, addr [20]byte) int64 {
	t.Helper()
	bal, err := state.Balance(addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal.Int64()
}

func TestCreateValidations(t *testing.T) {
	state := newMockState()
	engine, _ := newTestEngine(state)
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	fund(state, payer, 1_000_000_000)

	cases := []struct {
		name    string
		payee   [20]byte
		amount  *big.Int
		lock    int64
		desc    string
		wantErr error
	}{
		{"ok", payee, big.NewInt(100), 3600, "logo", nil},
		{"zero amount", payee, big.NewInt(0), 3600, "", coreerrors.ErrInvalidInput},
		{"negative amount", payee, big.NewInt(-5), 3600, "", coreerrors.ErrInvalidInput},
		{"self escrow", payer, big.NewInt(100), 3600, "", coreerrors.ErrInvalidInput},
		{"zero payee", [20]byte{}, big.NewInt(100), 3600, "", coreerrors.ErrInvalidInput},
		{"lock too short", payee, big.NewInt(100), 3599, "", coreerrors.ErrInvalidInput},
		{"lock too long", payee, big.NewInt(100), DefaultMaxLockDuration + 1, "", coreerrors.ErrInvalidInput},
		{"description too long", payee, big.NewInt(100), 3600, string(bytes.Repeat([]byte("x"), DefaultMaxDescriptionBytes+1)), coreerrors.ErrInvalidInput},
		{"insufficient funds", payee, big.NewInt(2_000_000_000), 3600, "", coreerrors.ErrInsufficientFunds},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.Create(payer, tc.payee, tc.amount, tc.lock, tc.desc)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCreateAssignsSequentialIDsAndMovesFunds(t *testing.T) {
	state := newMockState()
	engine, _ := newTestEngine(state)
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	fund(state, payer, 1_000)

	first, err := engine.Create(payer, payee, big.NewInt(400), 3600, "first")
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := engine.Create(payer, payee, big.NewInt(600), 7200, "second")
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if first.ID != 0 || second.ID != 1 {
		t.Fatalf("expected ids 0 and 1, got %d and %d", first.ID, second.ID)
	}
	if first.Deadline != testNow+3600 || first.Status != EscrowPending {
		t.Fatalf("unexpected first escrow: %+v", first)
	}
	if got := balanceOf(t, state, payer); got != 0 {
		t.Fatalf("expected payer drained, got %d", got)
	}
	if got := balanceOf(t, state, state.vault); got != 1_000 {
		t.Fatalf("expected vault to hold 1000, got %d", got)
	}
	count, err := engine.Count()
	if err != nil || count != 2 {
		t.Fatalf("expected count 2, got %d (%v)", count, err)
	}
	evts := emitter.typesEvents()
	if len(evts) != 2 || evts[0].Type != EventTypeEscrowCreated {
		t.Fatalf("expected two created events, got %+v", evts)
	}
	if evts[0].Attributes["description"] != "first" || evts[0].Attributes["amount"] != "0.000400" {
		t.Fatalf("unexpected created attributes: %+v", evts[0].Attributes)
	}
}

func TestCreateChargesCreationFee(t *testing.T) {
	state := newMockState()
	engine, _ := newTestEngine(state)
	engine.SetParams(Params{CreationFee: big.NewInt(10)})
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	fund(state, payer, 105)

	if _, err := engine.Create(payer, payee, big.NewInt(100), 3600, ""); !errors.Is(err, coreerrors.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds once the fee is counted, got %v", err)
	}
	fund(state, payer, 110)
	if _, err := engine.Create(payer, payee, big.NewInt(100), 3600, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := balanceOf(t, state, newTestAddress(0xCC)); got != 10 {
		t.Fatalf("expected treasury fee 10, got %d", got)
	}
	if got := balanceOf(t, state, state.vault); got != 100 {
		t.Fatalf("fee must not be escrowed, vault=%d", got)
	}
}

func TestReleaseByPartiesIgnoresDeadline(t *testing.T) {
	for _, who := range []string{"payer", "payee"} {
		t.Run(who, func(t *testing.T) {
			state := newMockState()
			engine, now := newTestEngine(state)
			payer := newTestAddress(0x01)
			payee := newTestAddress(0x02)
			fund(state, payer, 500)
			esc, err := engine.Create(payer, payee, big.NewInt(500), 3600, "")
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			*now += 10
			caller := identity.Account(payer)
			if who == "payee" {
				caller = identity.Account(payee)
			}
			released, err := engine.Release(esc.ID, caller)
			if err != nil {
				t.Fatalf("release: %v", err)
			}
			if released.Status != EscrowReleased || released.ResolvedAt != testNow+10 {
				t.Fatalf("unexpected released escrow: %+v", released)
			}
			if got := balanceOf(t, state, payee); got != 500 {
				t.Fatalf("expected payee credited 500, got %d", got)
			}
			if got := balanceOf(t, state, state.vault); got != 0 {
				t.Fatalf("expected vault drained, got %d", got)
			}
		})
	}
}

func TestReleaseAuthorization(t *testing.T) {
	state := newMockState()
	engine, _ := newTestEngine(state)
	settlements := stubSettlements{}
	engine.SetSettlementView(settlements)
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	stranger := newTestAddress(0x03)
	coordinator := newTestAddress(0x04)
	state.coordinators[coordinator] = true
	fund(state, payer, 500)
	esc, err := engine.Create(payer, payee, big.NewInt(500), 3600, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := engine.Release(esc.ID, identity.Account(stranger)); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected stranger unauthorized, got %v", err)
	}
	if _, err := engine.Release(esc.ID, identity.NewCaller(payer, identity.RoleArbitrator)); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected arbitrator role unauthorized, got %v", err)
	}
	if _, err := engine.Release(esc.ID, identity.NewCaller(coordinator, identity.RoleCoordinator)); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected unsettled coordinator release rejected, got %v", err)
	}
	if _, err := engine.Release(esc.ID, identity.NewCaller(stranger, identity.RoleCoordinator)); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected unregistered coordinator rejected, got %v", err)
	}
	can, err := engine.CanReleaseWithArbitration(esc.ID)
	if err != nil || can {
		t.Fatalf("expected canRelease false before settlement, got %v (%v)", can, err)
	}

	settlements[esc.ID] = true
	can, err = engine.CanReleaseWithArbitration(esc.ID)
	if err != nil || !can {
		t.Fatalf("expected canRelease true after settlement, got %v (%v)", can, err)
	}
	if _, err := engine.Release(esc.ID, identity.NewCaller(coordinator, identity.RoleCoordinator)); err != nil {
		t.Fatalf("coordinator release: %v", err)
	}
	if _, err := engine.Release(esc.ID, identity.NewCaller(coordinator, identity.RoleCoordinator)); !errors.Is(err, coreerrors.ErrInvalidState) {
		t.Fatalf("expected second release invalid state, got %v", err)
	}
}

func TestRefundDeadlineBoundary(t *testing.T) {
	state := newMockState()
	engine, now := newTestEngine(state)
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	fund(state, payer, 500)
	esc, err := engine.Create(payer, payee, big.NewInt(500), 3600, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	*now = esc.Deadline - 1
	_, err = engine.Refund(esc.ID, identity.Account(payer))
	if !errors.Is(err, coreerrors.ErrNotYetEligible) {
		t.Fatalf("expected not yet eligible one second early, got %v", err)
	}
	if remaining, ok := coreerrors.Remaining(err); !ok || remaining != time.Second {
		t.Fatalf("expected 1s remaining, got %v", remaining)
	}
	if _, err := engine.Refund(esc.ID, identity.Account(payee)); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected payee refund unauthorized, got %v", err)
	}

	*now = esc.Deadline
	refunded, err := engine.Refund(esc.ID, identity.Account(payer))
	if err != nil {
		t.Fatalf("refund at deadline: %v", err)
	}
	if refunded.Status != EscrowRefunded {
		t.Fatalf("expected refunded status, got %s", refunded.Status)
	}
	if got := balanceOf(t, state, payer); got != 500 {
		t.Fatalf("expected payer made whole, got %d", got)
	}
	if _, err := engine.Release(esc.ID, identity.Account(payee)); !errors.Is(err, coreerrors.ErrInvalidState) {
		t.Fatalf("expected release after refund invalid state, got %v", err)
	}
}

func TestRefundScenarioAfterOneHour(t *testing.T) {
	state := newMockState()
	engine, now := newTestEngine(state)
	engine.SetNowFunc(func() int64 { return *now })
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	fund(state, payer, 100_000_000)
	*now = 0
	esc, err := engine.Create(payer, payee, big.NewInt(100_000_000), 3600, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	*now = 3601
	remaining, err := engine.TimeRemaining(esc.ID)
	if err != nil || remaining != 0 {
		t.Fatalf("expected no time remaining, got %d (%v)", remaining, err)
	}
	if _, err := engine.Refund(esc.ID, identity.Account(payer)); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got := balanceOf(t, state, payer); got != 100_000_000 {
		t.Fatalf("expected full refund, got %d", got)
	}
}

func TestTerminalStatusIsSticky(t *testing.T) {
	state := newMockState()
	engine, now := newTestEngine(state)
	payer := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	fund(state, payer, 500)
	esc, err := engine.Create(payer, payee, big.NewInt(500), 3600, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.Release(esc.ID, identity.Account(payer)); err != nil {
		t.Fatalf("release: %v", err)
	}
	*now = esc.Deadline + 100
	if _, err := engine.Refund(esc.ID, identity.Account(payer)); !errors.Is(err, coreerrors.ErrInvalidState) {
		t.Fatalf("expected refund after release invalid state, got %v", err)
	}
	status, err := engine.Status(esc.ID)
	if err != nil || status != EscrowReleased {
		t.Fatalf("expected released status, got %s (%v)", status, err)
	}
}

func TestUnknownEscrowNotFound(t *testing.T) {
	engine, _ := newTestEngine(newMockState())
	if _, err := engine.Get(42); !errors.Is(err, coreerrors.ErrNotFound) {
		t.Fatalf("get: expected not found, got %v", err)
	}
	if _, err := engine.Release(42, identity.Account(newTestAddress(1))); !errors.Is(err, coreerrors.ErrNotFound) {
		t.Fatalf("release: expected not found, got %v", err)
	}
	if _, err := engine.TimeRemaining(42); !errors.Is(err, coreerrors.ErrNotFound) {
		t.Fatalf("time remaining: expected not found, got %v", err)
	}
}

func TestListByParty(t *testing.T) {
	state := newMockState()
	engine, _ := newTestEngine(state)
	alice := newTestAddress(0x01)
	bob := newTestAddress(0x02)
	carol := newTestAddress(0x03)
	fund(state, alice, 1_000)
	fund(state, bob, 1_000)
	if _, err := engine.Create(alice, bob, big.NewInt(10), 3600, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.Create(bob, carol, big.NewInt(10), 3600, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.Create(alice, carol, big.NewInt(10), 3600, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	asPayer, err := engine.List(alice, SidePayer)
	if err != nil || len(asPayer) != 2 {
		t.Fatalf("expected alice to pay twice, got %d (%v)", len(asPayer), err)
	}
	bobAll, err := engine.List(bob, SideAny)
	if err != nil || len(bobAll) != 2 || bobAll[0].ID != 0 || bobAll[1].ID != 1 {
		t.Fatalf("unexpected bob listing: %+v (%v)", bobAll, err)
	}
	if _, err := engine.List([20]byte{}, SideAny); !errors.Is(err, coreerrors.ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty party, got %v", err)
	}
}

func TestCoordinatorAllowList(t *testing.T) {
	state := newMockState()
	engine, _ := newTestEngine(state)
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)
	governor := newTestAddress(0x09)
	state.governors[governor] = true
	coordinator := newTestAddress(0x04)

	if err := engine.AddCoordinator(identity.Account(governor), coordinator); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected account role rejected, got %v", err)
	}
	if err := engine.AddCoordinator(identity.NewCaller(newTestAddress(0x05), identity.RoleGovernance), coordinator); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected unknown governor rejected, got %v", err)
	}
	gov := identity.NewCaller(governor, identity.RoleGovernance)
	if err := engine.AddCoordinator(gov, coordinator); err != nil {
		t.Fatalf("add coordinator: %v", err)
	}
	if err := engine.AddCoordinator(gov, coordinator); err != nil {
		t.Fatalf("re-adding must be a no-op: %v", err)
	}
	ok, err := engine.IsCoordinator(coordinator)
	if err != nil || !ok {
		t.Fatalf("expected coordinator registered")
	}
	if err := engine.RemoveCoordinator(gov, coordinator); err != nil {
		t.Fatalf("remove coordinator: %v", err)
	}
	if err := engine.RemoveCoordinator(gov, coordinator); !errors.Is(err, coreerrors.ErrNotFound) {
		t.Fatalf("expected not found on second removal, got %v", err)
	}
	if got := len(emitter.typesEvents()); got != 2 {
		t.Fatalf("expected add and remove events, got %d", got)
	}
}
