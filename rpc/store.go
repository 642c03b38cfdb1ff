package rpc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrIdempotencyMismatch is returned when a key is reused with a different payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

// SQLiteStore keeps idempotency keys and the audit log of mutating requests.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the store at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            caller TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL,
            PRIMARY KEY(caller, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL,
            caller TEXT,
            role TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            response_status INTEGER,
            tx_id TEXT
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("rpc: init store: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// StoredResponse represents a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

// LookupIdempotency returns the cached response, nil when the key is unseen,
// or ErrIdempotencyMismatch when the key was used for a different request.
func (s *SQLiteStore) LookupIdempotency(ctx context.Context, caller, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE caller = ? AND idempotency_key = ?`
	var status int
	var body []byte
	var storedHash string
	err := s.db.QueryRowContext(ctx, query, caller, key).Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

// SaveIdempotency records the response for a key.
func (s *SQLiteStore) SaveIdempotency(ctx context.Context, caller, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(caller, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, caller, key, requestHash, status, body, time.Now().UTC())
	return err
}

// AuditEntry is one mutating request.
type AuditEntry struct {
	Timestamp time.Time
	Caller    string
	Role      string
	Method    string
	Path      string
	Status    int
	TxID      string
}

// InsertAuditLog appends an audit entry.
func (s *SQLiteStore) InsertAuditLog(ctx context.Context, entry AuditEntry) error {
	const stmt = `INSERT INTO audit_log(occurred_at, caller, role, method, path, response_status, tx_id) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.Timestamp.UTC(), entry.Caller, entry.Role, entry.Method, entry.Path, entry.Status, entry.TxID)
	return err
}

// AuditLog returns the most recent entries, newest first.
func (s *SQLiteStore) AuditLog(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT occurred_at, caller, role, method, path, response_status, tx_id FROM audit_log ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var txID sql.NullString
		if err := rows.Scan(&entry.Timestamp, &entry.Caller, &entry.Role, &entry.Method, &entry.Path, &entry.Status, &txID); err != nil {
			return nil, err
		}
		entry.TxID = txID.String
		out = append(out, entry)
	}
	return out, rows.Err()
}
