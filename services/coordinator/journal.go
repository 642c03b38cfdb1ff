package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// WatchState is the coordinator-local lifecycle of one escrow.
type WatchState string

const (
	StateWatching        WatchState = "WATCHING"
	StateTriggerPending  WatchState = "TRIGGER_PENDING"
	StateDone            WatchState = "DONE"
	StateFailedRetryable WatchState = "FAILED_RETRYABLE"
	StateAbandoned       WatchState = "ABANDONED"
)

// Terminal reports whether the coordinator stops evaluating the escrow.
func (s WatchState) Terminal() bool {
	return s == StateDone || s == StateAbandoned
}

// Watch is the journaled view of one escrow.
type Watch struct {
	EscrowID      uint64     `json:"escrowId"`
	State         WatchState `json:"state"`
	Attempts      int        `json:"attempts"`
	LastTxID      string     `json:"lastTxId,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	NextAttemptAt time.Time  `json:"nextAttemptAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Attempt records one release submission.
type Attempt struct {
	ID        string    `json:"id"`
	EscrowID  uint64    `json:"escrowId"`
	TxID      string    `json:"txId,omitempty"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Journal persists watch state so restarts resume where they left off.
type Journal interface {
	LoadWatches(ctx context.Context) ([]Watch, error)
	SaveWatch(ctx context.Context, w Watch) error
	RecordAttempt(ctx context.Context, a Attempt) error
	Attempts(ctx context.Context, escrowID uint64) ([]Attempt, error)
	Cursor(ctx context.Context) (uint64, error)
	SetCursor(ctx context.Context, next uint64) error
	Close() error
}

type watchRow struct {
	WatchKey      string `gorm:"primaryKey;size:32"`
	EscrowID      uint64 `gorm:"index"`
	State         string `gorm:"size:32;index"`
	Attempts      int
	LastTxID      string `gorm:"size:80"`
	LastError     string `gorm:"size:1024"`
	NextAttemptAt time.Time
	UpdatedAt     time.Time
}

func (watchRow) TableName() string { return "coordinator_watches" }

type attemptRow struct {
	ID        string `gorm:"primaryKey;size:36"`
	EscrowID  uint64 `gorm:"index"`
	TxID      string `gorm:"size:80"`
	Outcome   string `gorm:"size:32"`
	Error     string `gorm:"size:1024"`
	CreatedAt time.Time
}

func (attemptRow) TableName() string { return "coordinator_attempts" }

type cursorRow struct {
	Name  string `gorm:"primaryKey;size:32"`
	Value uint64
}

func (cursorRow) TableName() string { return "coordinator_cursor" }

const escrowCursor = "escrow"

// GormJournal stores the journal in Postgres or SQLite through gorm.
type GormJournal struct {
	db *gorm.DB
}

// OpenJournal opens the journal for driver ("postgres" or "sqlite") and
// migrates its schema.
func OpenJournal(driver, dsn string) (*GormJournal, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		if strings.TrimSpace(dsn) == "" {
			dsn = "file:coordinator.db"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("coordinator: unsupported journal driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("coordinator: open journal: %w", err)
	}
	return NewGormJournal(db)
}

// NewGormJournal wraps an existing connection and migrates the schema.
func NewGormJournal(db *gorm.DB) (*GormJournal, error) {
	if db == nil {
		return nil, fmt.Errorf("coordinator: journal database required")
	}
	if err := db.AutoMigrate(&watchRow{}, &attemptRow{}, &cursorRow{}); err != nil {
		return nil, fmt.Errorf("coordinator: migrate journal: %w", err)
	}
	return &GormJournal{db: db}, nil
}

func watchKey(id uint64) string { return strconv.FormatUint(id, 10) }

// LoadWatches returns every journaled watch ordered by escrow id.
func (j *GormJournal) LoadWatches(ctx context.Context) ([]Watch, error) {
	var rows []watchRow
	if err := j.db.WithContext(ctx).Order("escrow_id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("coordinator: load watches: %w", err)
	}
	out := make([]Watch, 0, len(rows))
	for _, row := range rows {
		out = append(out, Watch{
			EscrowID:      row.EscrowID,
			State:         WatchState(row.State),
			Attempts:      row.Attempts,
			LastTxID:      row.LastTxID,
			LastError:     row.LastError,
			NextAttemptAt: row.NextAttemptAt,
			UpdatedAt:     row.UpdatedAt,
		})
	}
	return out, nil
}

// SaveWatch upserts a watch.
func (j *GormJournal) SaveWatch(ctx context.Context, w Watch) error {
	row := watchRow{
		WatchKey:      watchKey(w.EscrowID),
		EscrowID:      w.EscrowID,
		State:         string(w.State),
		Attempts:      w.Attempts,
		LastTxID:      w.LastTxID,
		LastError:     truncate(w.LastError, 1024),
		NextAttemptAt: w.NextAttemptAt,
		UpdatedAt:     w.UpdatedAt,
	}
	err := j.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "watch_key"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("coordinator: save watch %d: %w", w.EscrowID, err)
	}
	return nil
}

// RecordAttempt appends to the attempt history.
func (j *GormJournal) RecordAttempt(ctx context.Context, a Attempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	row := attemptRow{
		ID:        a.ID,
		EscrowID:  a.EscrowID,
		TxID:      a.TxID,
		Outcome:   a.Outcome,
		Error:     truncate(a.Error, 1024),
		CreatedAt: a.CreatedAt,
	}
	if err := j.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("coordinator: record attempt: %w", err)
	}
	return nil
}

// Attempts lists the submissions recorded for an escrow, oldest first.
func (j *GormJournal) Attempts(ctx context.Context, escrowID uint64) ([]Attempt, error) {
	var rows []attemptRow
	err := j.db.WithContext(ctx).Where("escrow_id = ?", escrowID).Order("created_at asc").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("coordinator: load attempts: %w", err)
	}
	out := make([]Attempt, 0, len(rows))
	for _, row := range rows {
		out = append(out, Attempt{
			ID:        row.ID,
			EscrowID:  row.EscrowID,
			TxID:      row.TxID,
			Outcome:   row.Outcome,
			Error:     row.Error,
			CreatedAt: row.CreatedAt,
		})
	}
	return out, nil
}

// Cursor returns the next escrow id to discover.
func (j *GormJournal) Cursor(ctx context.Context) (uint64, error) {
	var row cursorRow
	err := j.db.WithContext(ctx).First(&row, "name = ?", escrowCursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("coordinator: load cursor: %w", err)
	}
	return row.Value, nil
}

// SetCursor persists the next escrow id to discover.
func (j *GormJournal) SetCursor(ctx context.Context, next uint64) error {
	row := cursorRow{Name: escrowCursor, Value: next}
	err := j.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("coordinator: save cursor: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (j *GormJournal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
