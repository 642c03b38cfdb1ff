package state

import (
	"errors"
	"fmt"
	"reflect"
	"sort"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"arcesc/storage"
)

var errNilDatabase = errors.New("state: database not configured")

type pendingWrite struct {
	value   []byte
	deleted bool
}

// Manager exposes typed access to ledger-resident records. Reads fall through
// to the database; writes are buffered until Commit applies them in a single
// storage batch, which makes every ledger call all-or-nothing.
//
// A Manager is not safe for concurrent use. The ledger creates one per call
// while holding its commit lock.
type Manager struct {
	db      storage.Database
	pending map[string]pendingWrite
}

// NewManager creates a state manager over db.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, pending: make(map[string]pendingWrite)}
}

func (m *Manager) get(key []byte) ([]byte, error) {
	if m == nil || m.db == nil {
		return nil, errNilDatabase
	}
	if w, ok := m.pending[string(key)]; ok {
		if w.deleted {
			return nil, nil
		}
		return w.value, nil
	}
	value, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return value, err
}

func (m *Manager) put(key, value []byte) error {
	if m == nil || m.db == nil {
		return errNilDatabase
	}
	m.pending[string(key)] = pendingWrite{value: append([]byte(nil), value...)}
	return nil
}

func (m *Manager) delete(key []byte) error {
	if m == nil || m.db == nil {
		return errNilDatabase
	}
	m.pending[string(key)] = pendingWrite{deleted: true}
	return nil
}

// Commit flushes buffered writes in one atomic batch.
func (m *Manager) Commit() error {
	if m == nil || m.db == nil {
		return errNilDatabase
	}
	if len(m.pending) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m.pending))
	for k := range m.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	batch := m.db.NewBatch()
	for _, k := range keys {
		w := m.pending[k]
		if w.deleted {
			batch.Delete([]byte(k))
			continue
		}
		batch.Put([]byte(k), w.value)
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	m.pending = make(map[string]pendingWrite)
	return nil
}

// Discard drops every buffered write.
func (m *Manager) Discard() {
	if m != nil {
		m.pending = make(map[string]pendingWrite)
	}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// KVPut RLP-encodes value under the hashed key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.get(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the value under key.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.delete(kvKey(key))
}

// KVGetList decodes an RLP list stored under key into the supplied slice
// pointer. When no value is present the destination is initialised with an
// empty slice to avoid nil surprises for callers.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	val := reflect.ValueOf(out)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("kv: destination must be a non-nil pointer")
	}
	elem := val.Elem()
	if elem.Kind() != reflect.Slice {
		return fmt.Errorf("kv: destination must point to a slice")
	}
	ok, err := m.KVGet(key, out)
	if err != nil {
		return err
	}
	if !ok {
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
	}
	return nil
}

func (m *Manager) loadCounter(key []byte) (uint64, error) {
	var value uint64
	if _, err := m.KVGet(key, &value); err != nil {
		return 0, err
	}
	return value, nil
}
