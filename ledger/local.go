package ledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"lukechampine.com/blake3"

	coreerrors "arcesc/core/errors"
	"arcesc/core/events"
	"arcesc/core/state"
	"arcesc/crypto"
	"arcesc/native/arbitration"
	"arcesc/native/escrow"
	"arcesc/observability"
	"arcesc/storage"
)

const (
	// DefaultChainID identifies the local ledger when none is configured.
	DefaultChainID = "arcesc-local-1"
	// DefaultFeeAsset is the stable unit escrows are denominated in.
	DefaultFeeAsset = "USDC"

	maxEventPage = 1000
)

// ErrUnknownMethod is returned for calls or views the ledger does not serve.
var ErrUnknownMethod = fmt.Errorf("ledger: unknown method: %w", coreerrors.ErrInvalidInput)

// ErrUnknownTx is returned when a receipt lookup misses.
var ErrUnknownTx = fmt.Errorf("ledger: unknown transaction: %w", coreerrors.ErrNotFound)

// Config tunes a Local ledger.
type Config struct {
	ChainID      string
	FeeAsset     string
	EscrowParams escrow.Params
	FeeTreasury  [20]byte
	// Policy defaults to arbitration.DefaultPolicy when nil.
	Policy *arbitration.Policy
	Logger *slog.Logger
}

// Local is an in-process ledger. Every call runs under one lock against a
// fresh state overlay and commits through a single storage batch, so each
// call is applied atomically and is final as soon as Submit returns.
type Local struct {
	mu      sync.Mutex
	db      storage.Database
	cfg     Config
	nowFn   func() time.Time
	logger  *slog.Logger
	hub     *hub
	metrics *observability.LedgerMetrics
	events  interface{ RecordEvent(string) }
}

var (
	_ Adapter    = (*Local)(nil)
	_ Subscriber = (*Local)(nil)
)

// NewLocal opens a ledger over db.
func NewLocal(db storage.Database, cfg Config) (*Local, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger: database required")
	}
	if cfg.ChainID == "" {
		cfg.ChainID = DefaultChainID
	}
	if cfg.FeeAsset == "" {
		cfg.FeeAsset = DefaultFeeAsset
	}
	if cfg.EscrowParams.MinLockDuration == 0 && cfg.EscrowParams.MaxLockDuration == 0 {
		cfg.EscrowParams = escrow.DefaultParams()
	}
	if cfg.Policy == nil {
		p := arbitration.DefaultPolicy()
		cfg.Policy = &p
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		db:      db,
		cfg:     cfg,
		nowFn:   time.Now,
		logger:  logger.With(slog.String("component", "ledger"), slog.String("chain_id", cfg.ChainID)),
		hub:     newHub(),
		metrics: observability.Ledger(),
		events:  observability.Events(),
	}, nil
}

// SetNowFunc overrides the ledger clock. Block timestamps are taken from it.
func (l *Local) SetNowFunc(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	l.nowFn = now
}

// ChainID implements Adapter.
func (l *Local) ChainID() string { return l.cfg.ChainID }

// FeeAsset implements Adapter.
func (l *Local) FeeAsset() string { return l.cfg.FeeAsset }

// ApplyGenesis seeds allow-lists and balances once. Re-applying the same
// genesis is a no-op; a different genesis on a seeded store is rejected.
func (l *Local) ApplyGenesis(g Genesis) error {
	if err := g.Validate(); err != nil {
		return err
	}
	hash, err := g.hash()
	if err != nil {
		return fmt.Errorf("ledger: hash genesis: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	m := state.NewManager(l.db)
	applied, ok, err := m.GenesisHash()
	if err != nil {
		return err
	}
	if ok {
		if !bytes.Equal(applied, hash) {
			return fmt.Errorf("ledger: store was seeded with a different genesis: %w", coreerrors.ErrInvalidState)
		}
		l.logger.Info("genesis already applied")
		return nil
	}
	if err := g.apply(m); err != nil {
		m.Discard()
		return err
	}
	if err := m.MarkGenesisApplied(hash); err != nil {
		return err
	}
	if err := m.Commit(); err != nil {
		return coreerrors.Transient(err)
	}
	l.logger.Info("genesis applied",
		slog.Int("governors", len(g.Governors)),
		slog.Int("arbitrators", len(g.Arbitrators)),
		slog.Int("coordinators", len(g.Coordinators)),
		slog.Int("balances", len(g.Balances)))
	return nil
}

func (l *Local) engines(m *state.Manager, now int64, emitter events.Emitter) (*escrow.Engine, *arbitration.Engine) {
	clock := func() int64 { return now }
	esc := escrow.NewEngine()
	esc.SetState(m)
	esc.SetParams(l.cfg.EscrowParams)
	esc.SetFeeTreasury(l.cfg.FeeTreasury)
	esc.SetNowFunc(clock)
	esc.SetEmitter(emitter)

	arb := arbitration.NewEngine()
	arb.SetState(m)
	arb.SetEscrowView(esc)
	arb.SetPolicy(*l.cfg.Policy)
	arb.SetNowFunc(clock)
	arb.SetEmitter(emitter)

	esc.SetSettlementView(arb)
	return esc, arb
}

func txID(chainID string, height uint64, now int64, call Call) string {
	h := blake3.New(32, nil)
	var buf [8]byte
	h.Write([]byte(chainID))
	binary.BigEndian.PutUint64(buf[:], height)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(now))
	h.Write(buf[:])
	h.Write([]byte(call.Method))
	h.Write(call.Params)
	h.Write(call.Caller.Address[:])
	h.Write([]byte(call.Caller.Role.String()))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// Submit executes call and commits it. Calls rejected by the engines still
// consume a height and produce a receipt with Committed=false. Storage and
// other internal failures leave no trace and are returned as transient errors.
func (l *Local) Submit(ctx context.Context, call Call) (*Receipt, error) {
	ctx, span := otel.Tracer("arcesc/ledger").Start(ctx, "ledger.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("ledger.method", call.Method))

	if err := ctx.Err(); err != nil {
		return nil, coreerrors.Transient(err)
	}
	handler, ok := callHandlers[call.Method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, call.Method)
	}
	if !call.Caller.Role.Valid() {
		return nil, fmt.Errorf("ledger: caller role %q: %w", call.Caller.Role, coreerrors.ErrInvalidInput)
	}

	start := time.Now()
	l.mu.Lock()
	receipt, notifications, err := l.execute(call, handler)
	l.mu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.metrics.ObserveCall(call.Method, "failed", time.Since(start), 0)
		return nil, err
	}

	l.hub.publish(notifications)
	for _, n := range notifications {
		l.events.RecordEvent(n.Event.Type)
	}
	l.metrics.ObserveCall(call.Method, string(receipt.Outcome()), time.Since(start), receipt.Height)
	span.SetAttributes(
		attribute.String("ledger.tx_id", receipt.TxID),
		attribute.Int64("ledger.height", int64(receipt.Height)),
		attribute.Bool("ledger.committed", receipt.Committed),
	)
	attrs := []any{
		slog.String("method", call.Method),
		slog.String("tx_id", receipt.TxID),
		slog.Uint64("height", receipt.Height),
		slog.String("caller", receipt.Caller),
		slog.String("role", receipt.Role),
	}
	if receipt.Committed {
		l.logger.Debug("call committed", attrs...)
	} else {
		l.logger.Info("call rejected", append(attrs, slog.String("code", receipt.Code), slog.String("error", receipt.Error))...)
	}
	return receipt, nil
}

func (l *Local) execute(call Call, handler callHandler) (*Receipt, []Notification, error) {
	meta := state.NewManager(l.db)
	height, err := meta.LedgerHeight()
	if err != nil {
		return nil, nil, coreerrors.Transient(err)
	}
	seq, err := meta.LedgerEventSeq()
	if err != nil {
		return nil, nil, coreerrors.Transient(err)
	}
	height++
	now := l.nowFn().Unix()

	receipt := &Receipt{
		TxID:      txID(l.cfg.ChainID, height, now, call),
		Height:    height,
		Timestamp: now,
		Method:    call.Method,
		Caller:    crypto.FormatAddress(call.Caller.Address),
		Role:      call.Caller.Role.String(),
	}

	m := state.NewManager(l.db)
	buf := &events.Buffer{}
	esc, arb := l.engines(m, now, buf)
	result, callErr := handler(&execContext{
		state:    m,
		escrows:  esc,
		oracle:   arb,
		caller:   call.Caller,
		feeAsset: l.cfg.FeeAsset,
	}, call.Params)

	var notifications []Notification
	if callErr != nil && coreerrors.Code(callErr) == coreerrors.CodeInternal {
		m.Discard()
		return nil, nil, coreerrors.Transient(callErr)
	}
	if callErr != nil {
		m.Discard()
		receipt.Code = coreerrors.Code(callErr)
		receipt.Error = callErr.Error()
		if remaining, ok := coreerrors.Remaining(callErr); ok {
			receipt.RemainingSeconds = int64(remaining / time.Second)
		}
	} else {
		if result != nil {
			encoded, err := json.Marshal(result)
			if err != nil {
				return nil, nil, fmt.Errorf("ledger: encode result: %w", err)
			}
			receipt.Result = encoded
		}
		receipt.Committed = true
		receipt.Events = buf.Events()
		for _, evt := range receipt.Events {
			seq++
			n := Notification{Seq: seq, Height: height, TxID: receipt.TxID, Timestamp: now, Event: evt}
			encoded, err := json.Marshal(n)
			if err != nil {
				return nil, nil, fmt.Errorf("ledger: encode event: %w", err)
			}
			if err := m.EventLogPut(seq, encoded); err != nil {
				return nil, nil, err
			}
			notifications = append(notifications, n)
		}
	}

	encoded, err := json.Marshal(receipt)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: encode receipt: %w", err)
	}
	if err := m.ReceiptPut(receipt.TxID, encoded); err != nil {
		return nil, nil, err
	}
	if err := m.SetLedgerHeight(height); err != nil {
		return nil, nil, err
	}
	if err := m.SetLedgerEventSeq(seq); err != nil {
		return nil, nil, err
	}
	if err := m.Commit(); err != nil {
		return nil, nil, coreerrors.Transient(err)
	}
	return receipt, notifications, nil
}

// Read answers a view against the latest committed state and decodes the
// result into out.
func (l *Local) Read(ctx context.Context, view View, out any) error {
	if err := ctx.Err(); err != nil {
		return coreerrors.Transient(err)
	}
	if view.Method == ViewLedgerInfo {
		info, err := l.Info()
		if err != nil {
			return err
		}
		return assign(info, out)
	}
	handler, ok := viewHandlers[view.Method]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMethod, view.Method)
	}
	l.mu.Lock()
	m := state.NewManager(l.db)
	now := l.nowFn().Unix()
	esc, arb := l.engines(m, now, events.NoopEmitter{})
	result, err := handler(&execContext{state: m, escrows: esc, oracle: arb, feeAsset: l.cfg.FeeAsset}, view.Params)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return assign(result, out)
}

func assign(result, out any) error {
	if out == nil {
		return nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("ledger: encode view result: %w", err)
	}
	if err := json.Unmarshal(encoded, out); err != nil {
		return fmt.Errorf("ledger: decode view result: %w", err)
	}
	return nil
}

// Receipt looks up the receipt of a submitted call.
func (l *Local) Receipt(txID string) (*Receipt, error) {
	l.mu.Lock()
	encoded, ok, err := state.NewManager(l.db).ReceiptGet(txID)
	l.mu.Unlock()
	if err != nil {
		return nil, coreerrors.Transient(err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTx, txID)
	}
	var receipt Receipt
	if err := json.Unmarshal(encoded, &receipt); err != nil {
		return nil, fmt.Errorf("ledger: decode receipt: %w", err)
	}
	return &receipt, nil
}

// WaitForFinality implements Adapter. Local receipts are final once stored,
// so this only resolves the outcome.
func (l *Local) WaitForFinality(ctx context.Context, txID string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return "", coreerrors.Transient(err)
	}
	receipt, err := l.Receipt(txID)
	if err != nil {
		return "", err
	}
	return receipt.Outcome(), nil
}

// Events returns up to limit logged notifications with Seq > after.
func (l *Local) Events(after uint64, limit int) ([]Notification, error) {
	if limit <= 0 || limit > maxEventPage {
		limit = maxEventPage
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.eventsLocked(after, limit)
}

func (l *Local) eventsLocked(after uint64, limit int) ([]Notification, error) {
	m := state.NewManager(l.db)
	last, err := m.LedgerEventSeq()
	if err != nil {
		return nil, coreerrors.Transient(err)
	}
	out := make([]Notification, 0)
	for seq := after + 1; seq <= last; seq++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		encoded, ok, err := m.EventLogGet(seq)
		if err != nil {
			return nil, coreerrors.Transient(err)
		}
		if !ok {
			return nil, fmt.Errorf("ledger: event %d missing from log", seq)
		}
		var n Notification
		if err := json.Unmarshal(encoded, &n); err != nil {
			return nil, fmt.Errorf("ledger: decode event %d: %w", seq, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// Subscribe streams every committed notification with Seq > afterSeq. The
// backlog is read and the subscription registered under the commit lock, so
// no notification is skipped or repeated.
func (l *Local) Subscribe(ctx context.Context, afterSeq uint64) (<-chan Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	backlog, err := l.eventsLocked(afterSeq, 0)
	if err != nil {
		return nil, err
	}
	return l.hub.add(ctx, backlog), nil
}

// Height returns the height of the last committed call.
func (l *Local) Height() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return state.NewManager(l.db).LedgerHeight()
}

// Info summarizes the ledger.
func (l *Local) Info() (Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := state.NewManager(l.db)
	height, err := m.LedgerHeight()
	if err != nil {
		return Info{}, err
	}
	seq, err := m.LedgerEventSeq()
	if err != nil {
		return Info{}, err
	}
	return Info{
		ChainID:  l.cfg.ChainID,
		FeeAsset: l.cfg.FeeAsset,
		Height:   height,
		EventSeq: seq,
		Time:     l.nowFn().Unix(),
	}, nil
}
