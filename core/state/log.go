package state

import (
	"encoding/binary"
	"fmt"
)

var (
	ledgerHeightKey   = []byte("ledger/height")
	ledgerEventSeqKey = []byte("ledger/eventseq")
	ledgerGenesisKey  = []byte("ledger/genesis")
	ledgerTxPrefix    = []byte("ledger/tx/")
	ledgerEventPrefix = []byte("ledger/event/")
)

// LedgerHeight returns the height of the last committed call.
func (m *Manager) LedgerHeight() (uint64, error) { return m.loadCounter(ledgerHeightKey) }

// SetLedgerHeight records the height of the call being committed.
func (m *Manager) SetLedgerHeight(height uint64) error { return m.KVPut(ledgerHeightKey, height) }

// LedgerEventSeq returns the sequence number of the last logged event.
func (m *Manager) LedgerEventSeq() (uint64, error) { return m.loadCounter(ledgerEventSeqKey) }

// SetLedgerEventSeq records the last logged event sequence number.
func (m *Manager) SetLedgerEventSeq(seq uint64) error { return m.KVPut(ledgerEventSeqKey, seq) }

// GenesisHash returns the hash of the applied genesis, if any.
func (m *Manager) GenesisHash() ([]byte, bool, error) {
	var hash []byte
	ok, err := m.KVGet(ledgerGenesisKey, &hash)
	return hash, ok, err
}

// MarkGenesisApplied records the genesis hash so it is applied once.
func (m *Manager) MarkGenesisApplied(hash []byte) error {
	if len(hash) == 0 {
		return fmt.Errorf("state: genesis hash required")
	}
	return m.KVPut(ledgerGenesisKey, hash)
}

// ReceiptPut stores an encoded receipt under its transaction id.
func (m *Manager) ReceiptPut(txID string, encoded []byte) error {
	if txID == "" {
		return fmt.Errorf("state: tx id required")
	}
	return m.KVPut(prefixedKey(ledgerTxPrefix, []byte(txID)), encoded)
}

// ReceiptGet loads an encoded receipt.
func (m *Manager) ReceiptGet(txID string) ([]byte, bool, error) {
	var encoded []byte
	ok, err := m.KVGet(prefixedKey(ledgerTxPrefix, []byte(txID)), &encoded)
	if err != nil || !ok {
		return nil, ok, err
	}
	return encoded, true, nil
}

func eventLogKey(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return prefixedKey(ledgerEventPrefix, buf[:])
}

// EventLogPut appends an encoded notification at seq.
func (m *Manager) EventLogPut(seq uint64, encoded []byte) error {
	if seq == 0 {
		return fmt.Errorf("state: event sequence starts at 1")
	}
	return m.KVPut(eventLogKey(seq), encoded)
}

// EventLogGet loads the encoded notification at seq.
func (m *Manager) EventLogGet(seq uint64) ([]byte, bool, error) {
	var encoded []byte
	ok, err := m.KVGet(eventLogKey(seq), &encoded)
	if err != nil || !ok {
		return nil, ok, err
	}
	return encoded, true, nil
}
