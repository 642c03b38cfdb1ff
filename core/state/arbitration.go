package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"arcesc/native/arbitration"
)

func escrowIDBytes(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return buf[:]
}

type storedSettlement struct {
	EscrowID     uint64
	Arbitrator   [20]byte
	Status       uint8
	Timestamp    *big.Int
	Reason       string
	MEETriggered bool
	TriggeredAt  *big.Int
}

type storedCacheEntry struct {
	EscrowID   uint64
	Settled    bool
	Status     uint8
	Present    bool
	ComputedAt *big.Int
}

// SettlementPut stores the settlement record for its escrow.
func (m *Manager) SettlementPut(s *arbitration.Settlement) error {
	if s == nil {
		return fmt.Errorf("state: nil settlement")
	}
	return m.KVPut(prefixedKey(settlementPrefix, escrowIDBytes(s.EscrowID)), &storedSettlement{
		EscrowID:     s.EscrowID,
		Arbitrator:   s.Arbitrator,
		Status:       uint8(s.Status),
		Timestamp:    big.NewInt(s.Timestamp),
		Reason:       s.Reason,
		MEETriggered: s.MEETriggered,
		TriggeredAt:  big.NewInt(s.TriggeredAt),
	})
}

// SettlementGet loads the settlement record for escrowID.
func (m *Manager) SettlementGet(escrowID uint64) (*arbitration.Settlement, bool, error) {
	var stored storedSettlement
	ok, err := m.KVGet(prefixedKey(settlementPrefix, escrowIDBytes(escrowID)), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	status := arbitration.SettlementStatus(stored.Status)
	if !status.Valid() {
		return nil, false, fmt.Errorf("state: settlement %d has invalid status %d", escrowID, stored.Status)
	}
	return &arbitration.Settlement{
		EscrowID:     stored.EscrowID,
		Arbitrator:   stored.Arbitrator,
		Status:       status,
		Timestamp:    int64Of(stored.Timestamp),
		Reason:       stored.Reason,
		MEETriggered: stored.MEETriggered,
		TriggeredAt:  int64Of(stored.TriggeredAt),
	}, true, nil
}

// SettledCachePut stores the memoised settled flag.
func (m *Manager) SettledCachePut(entry *arbitration.CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("state: nil cache entry")
	}
	return m.KVPut(prefixedKey(settledCachePrefix, escrowIDBytes(entry.EscrowID)), &storedCacheEntry{
		EscrowID:   entry.EscrowID,
		Settled:    entry.Settled,
		Status:     uint8(entry.Status),
		Present:    entry.Present,
		ComputedAt: big.NewInt(entry.ComputedAt),
	})
}

// SettledCacheGet loads the memoised settled flag.
func (m *Manager) SettledCacheGet(escrowID uint64) (*arbitration.CacheEntry, bool, error) {
	var stored storedCacheEntry
	ok, err := m.KVGet(prefixedKey(settledCachePrefix, escrowIDBytes(escrowID)), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return &arbitration.CacheEntry{
		EscrowID:   stored.EscrowID,
		Settled:    stored.Settled,
		Status:     arbitration.SettlementStatus(stored.Status),
		Present:    stored.Present,
		ComputedAt: int64Of(stored.ComputedAt),
	}, true, nil
}
