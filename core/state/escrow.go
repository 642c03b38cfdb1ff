package state

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"

	"arcesc/native/escrow"
)

func escrowStorageKey(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return prefixedKey(escrowRecordPrefix, buf[:])
}

func escrowPartyKey(addr [20]byte, side escrow.Side) []byte {
	return prefixedKey(escrowPartyPrefix, []byte{byte(side)}, addr[:])
}

type storedEscrow struct {
	ID           uint64
	Payer        [20]byte
	Payee        [20]byte
	Amount       *big.Int
	CreatedAt    *big.Int
	LockDuration *big.Int
	Deadline     *big.Int
	Description  string
	Status       uint8
	ResolvedAt   *big.Int
}

func newStoredEscrow(e *escrow.Escrow) *storedEscrow {
	amount := big.NewInt(0)
	if e.Amount != nil {
		amount = new(big.Int).Set(e.Amount)
	}
	return &storedEscrow{
		ID:           e.ID,
		Payer:        e.Payer,
		Payee:        e.Payee,
		Amount:       amount,
		CreatedAt:    big.NewInt(e.CreatedAt),
		LockDuration: big.NewInt(e.LockDuration),
		Deadline:     big.NewInt(e.Deadline),
		Description:  e.Description,
		Status:       uint8(e.Status),
		ResolvedAt:   big.NewInt(e.ResolvedAt),
	}
}

func int64Of(v *big.Int) int64 {
	if v == nil {
		return 0
	}
	return v.Int64()
}

func (s *storedEscrow) toEscrow() (*escrow.Escrow, error) {
	status := escrow.EscrowStatus(s.Status)
	if !status.Valid() {
		return nil, fmt.Errorf("state: escrow %d has invalid status %d", s.ID, s.Status)
	}
	out := &escrow.Escrow{
		ID:           s.ID,
		Payer:        s.Payer,
		Payee:        s.Payee,
		Amount:       big.NewInt(0),
		CreatedAt:    int64Of(s.CreatedAt),
		LockDuration: int64Of(s.LockDuration),
		Deadline:     int64Of(s.Deadline),
		Description:  s.Description,
		Status:       status,
		ResolvedAt:   int64Of(s.ResolvedAt),
	}
	if s.Amount != nil {
		out.Amount.Set(s.Amount)
	}
	return out, nil
}

// EscrowNextID reserves the next sequential escrow identifier.
func (m *Manager) EscrowNextID() (uint64, error) {
	next, err := m.loadCounter(escrowCountKey)
	if err != nil {
		return 0, err
	}
	if err := m.KVPut(escrowCountKey, next+1); err != nil {
		return 0, err
	}
	return next, nil
}

// EscrowCount returns the number of escrows ever created.
func (m *Manager) EscrowCount() (uint64, error) {
	return m.loadCounter(escrowCountKey)
}

// EscrowPut stores the escrow record.
func (m *Manager) EscrowPut(e *escrow.Escrow) error {
	if e == nil {
		return fmt.Errorf("state: nil escrow")
	}
	return m.KVPut(escrowStorageKey(e.ID), newStoredEscrow(e))
}

// EscrowGet loads the escrow record.
func (m *Manager) EscrowGet(id uint64) (*escrow.Escrow, bool, error) {
	var stored storedEscrow
	ok, err := m.KVGet(escrowStorageKey(id), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	out, err := stored.toEscrow()
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// EscrowIndexParty records that addr takes part in escrow id on side.
func (m *Manager) EscrowIndexParty(addr [20]byte, side escrow.Side, id uint64) error {
	key := escrowPartyKey(addr, side)
	var ids []uint64
	if err := m.KVGetList(key, &ids); err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	return m.KVPut(key, ids)
}

// EscrowListByParty returns the ids of escrows in which addr appears on the
// selected side, ascending.
func (m *Manager) EscrowListByParty(addr [20]byte, side escrow.Side) ([]uint64, error) {
	sides := []escrow.Side{side}
	if side == escrow.SideAny {
		sides = []escrow.Side{escrow.SidePayer, escrow.SidePayee}
	}
	seen := make(map[uint64]struct{})
	out := make([]uint64, 0)
	for _, s := range sides {
		var ids []uint64
		if err := m.KVGetList(escrowPartyKey(addr, s), &ids); err != nil {
			return nil, err
		}
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
