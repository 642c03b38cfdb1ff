package state

import (
	"bytes"
	"math/big"
	"testing"

	"arcesc/native/arbitration"
	"arcesc/native/escrow"
	"arcesc/storage"
)

func testAddr(fill byte) [20]byte {
	var out [20]byte
	copy(out[:], bytes.Repeat([]byte{fill}, 20))
	return out
}

func TestManagerBuffersUntilCommit(t *testing.T) {
	db := storage.NewMemDB()
	m := NewManager(db)
	if err := m.SetBalance(testAddr(1), big.NewInt(50)); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	if db.Len() != 0 {
		t.Fatalf("writes reached the database before commit")
	}
	bal, err := m.Balance(testAddr(1))
	if err != nil || bal.Int64() != 50 {
		t.Fatalf("expected buffered read of 50, got %v (%v)", bal, err)
	}
	if err := m.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	fresh := NewManager(db)
	bal, err = fresh.Balance(testAddr(1))
	if err != nil || bal.Int64() != 50 {
		t.Fatalf("expected committed balance 50, got %v (%v)", bal, err)
	}

	if err := fresh.SetBalance(testAddr(1), big.NewInt(10)); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	fresh.Discard()
	bal, _ = NewManager(db).Balance(testAddr(1))
	if bal.Int64() != 50 {
		t.Fatalf("discarded write leaked, balance=%s", bal)
	}
}

func TestBalanceGuards(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	if err := m.SetBalance(testAddr(1), big.NewInt(-1)); err == nil {
		t.Fatalf("expected negative balance rejected")
	}
	huge := new(big.Int).Lsh(big.NewInt(1), 256)
	if err := m.SetBalance(testAddr(1), huge); err == nil {
		t.Fatalf("expected overflow rejected")
	}
	if err := m.Credit(testAddr(2), big.NewInt(7)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	bal, _ := m.Balance(testAddr(2))
	if bal.Int64() != 7 {
		t.Fatalf("expected 7, got %s", bal)
	}
}

func TestEscrowRecordRoundTrip(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	id, err := m.EscrowNextID()
	if err != nil || id != 0 {
		t.Fatalf("expected first id 0, got %d (%v)", id, err)
	}
	next, _ := m.EscrowNextID()
	if next != 1 {
		t.Fatalf("expected second id 1, got %d", next)
	}
	record := &escrow.Escrow{
		ID:           id,
		Payer:        testAddr(1),
		Payee:        testAddr(2),
		Amount:       big.NewInt(500_000_000),
		CreatedAt:    1_700_000_000,
		LockDuration: 3600,
		Deadline:     1_700_003_600,
		Description:  "Logo design",
		Status:       escrow.EscrowPending,
	}
	if err := m.EscrowPut(record); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	loaded, ok, err := m.EscrowGet(id)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if loaded.Amount.Cmp(record.Amount) != 0 || loaded.Deadline != record.Deadline || loaded.Description != record.Description || loaded.Payee != record.Payee {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
	if _, ok, _ := m.EscrowGet(99); ok {
		t.Fatalf("expected missing escrow")
	}
	count, _ := m.EscrowCount()
	if count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}
}

func TestEscrowPartyIndex(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	alice := testAddr(1)
	for _, step := range []struct {
		side escrow.Side
		id   uint64
	}{{escrow.SidePayer, 3}, {escrow.SidePayee, 1}, {escrow.SidePayer, 0}, {escrow.SidePayer, 3}} {
		if err := m.EscrowIndexParty(alice, step.side, step.id); err != nil {
			t.Fatalf("index: %v", err)
		}
	}
	payer, _ := m.EscrowListByParty(alice, escrow.SidePayer)
	if len(payer) != 2 || payer[0] != 0 || payer[1] != 3 {
		t.Fatalf("unexpected payer ids %v", payer)
	}
	all, _ := m.EscrowListByParty(alice, escrow.SideAny)
	if len(all) != 3 || all[0] != 0 || all[1] != 1 || all[2] != 3 {
		t.Fatalf("unexpected ids %v", all)
	}
	none, err := m.EscrowListByParty(testAddr(9), escrow.SideAny)
	if err != nil || len(none) != 0 {
		t.Fatalf("expected empty listing, got %v (%v)", none, err)
	}
}

func TestSettlementAndCacheRoundTrip(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	rec := &arbitration.Settlement{
		EscrowID:     4,
		Arbitrator:   testAddr(0xA1),
		Status:       arbitration.SettlementSettled,
		Timestamp:    1_700_000_100,
		Reason:       "Work completed satisfactorily",
		MEETriggered: true,
		TriggeredAt:  1_700_000_200,
	}
	if err := m.SettlementPut(rec); err != nil {
		t.Fatalf("put settlement: %v", err)
	}
	loaded, ok, err := m.SettlementGet(4)
	if err != nil || !ok || *loaded != *rec {
		t.Fatalf("settlement round trip mismatch: %+v (%v)", loaded, err)
	}
	entry := &arbitration.CacheEntry{EscrowID: 4, Settled: true, Status: arbitration.SettlementSettled, Present: true, ComputedAt: 5}
	if err := m.SettledCachePut(entry); err != nil {
		t.Fatalf("put cache: %v", err)
	}
	cached, ok, err := m.SettledCacheGet(4)
	if err != nil || !ok || *cached != *entry {
		t.Fatalf("cache round trip mismatch: %+v (%v)", cached, err)
	}
}

func TestRoleSets(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	a, b := testAddr(2), testAddr(1)
	for _, addr := range [][20]byte{a, b, a} {
		if err := m.ArbitratorAdd(addr); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	list, _ := m.ArbitratorList()
	if len(list) != 2 || list[0] != b || list[1] != a {
		t.Fatalf("unexpected list %v", list)
	}
	if ok, _ := m.CoordinatorIs(a); ok {
		t.Fatalf("role sets must be independent")
	}
	if err := m.ArbitratorRemove(a); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if ok, _ := m.ArbitratorIs(a); ok {
		t.Fatalf("expected a removed")
	}
	list, _ = m.ArbitratorList()
	if len(list) != 1 || list[0] != b {
		t.Fatalf("unexpected list after removal %v", list)
	}
}
