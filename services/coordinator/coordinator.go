// Package coordinator watches settled escrows and releases them exactly once
// on behalf of the payee.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	coreerrors "arcesc/core/errors"
	"arcesc/core/identity"
	"arcesc/ledger"
	"arcesc/native/arbitration"
	"arcesc/native/escrow"
	"arcesc/observability"
)

// ErrPaused is returned by Tick while the coordinator is paused.
var ErrPaused = errors.New("coordinator: paused")

// RetryPolicy bounds how transient submission failures are retried.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy returns the stock retry bounds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, InitialBackoff: 2 * time.Second, MaxBackoff: 2 * time.Minute}
}

// Backoff returns the delay before the given attempt (1-based) is retried.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	if d <= 0 {
		d = time.Second
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Coordinator drives the per-escrow WATCHING → TRIGGER_PENDING → DONE state
// machine. Work on a single escrow is serialized by the in-flight set while
// different escrows proceed concurrently up to the semaphore bound.
type Coordinator struct {
	adapter  ledger.Adapter
	registry *ledger.RegistryClient
	oracle   *ledger.OracleClient
	journal  Journal
	logger   *slog.Logger
	metrics  *observability.CoordinatorMetrics

	pollInterval    time.Duration
	finalityTimeout time.Duration
	maxConcurrent   int64
	retry           RetryPolicy
	limiter         *rate.Limiter
	subscribe       bool
	now             func() time.Time

	sem        *semaphore.Weighted
	discoverMu sync.Mutex
	wg         sync.WaitGroup

	mu       sync.Mutex
	loaded   bool
	paused   bool
	cursor   uint64
	eventSeq uint64
	watches  map[uint64]*Watch
	inFlight map[uint64]struct{}
}

// Option customises the coordinator instance.
type Option func(*Coordinator)

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.CoordinatorMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.now = clock }
}

// WithPollInterval configures the polling cadence.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Coordinator) { c.pollInterval = interval }
}

// WithFinalityTimeout bounds how long a submission is awaited.
func WithFinalityTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) { c.finalityTimeout = timeout }
}

// WithMaxConcurrent bounds the escrows processed at once.
func WithMaxConcurrent(n int) Option {
	return func(c *Coordinator) { c.maxConcurrent = int64(n) }
}

// WithRetryPolicy overrides the retry bounds.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Coordinator) { c.retry = p }
}

// WithRateLimit paces release submissions.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Coordinator) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithSubscriptions toggles reacting to ledger event notifications.
func WithSubscriptions(enabled bool) Option {
	return func(c *Coordinator) { c.subscribe = enabled }
}

// New constructs a coordinator acting as the registered coordinator address.
func New(adapter ledger.Adapter, self [20]byte, journal Journal, opts ...Option) (*Coordinator, error) {
	if adapter == nil {
		return nil, fmt.Errorf("coordinator: ledger adapter required")
	}
	if journal == nil {
		return nil, fmt.Errorf("coordinator: journal required")
	}
	if self == ([20]byte{}) {
		return nil, fmt.Errorf("coordinator: identity required")
	}
	caller := identity.NewCaller(self, identity.RoleCoordinator)
	c := &Coordinator{
		adapter:         adapter,
		registry:        ledger.NewRegistryClient(adapter, caller),
		oracle:          ledger.NewOracleClient(adapter, caller),
		journal:         journal,
		logger:          slog.Default(),
		metrics:         observability.Coordinator(),
		pollInterval:    5 * time.Second,
		finalityTimeout: 30 * time.Second,
		maxConcurrent:   8,
		retry:           DefaultRetryPolicy(),
		limiter:         rate.NewLimiter(rate.Limit(10), 5),
		subscribe:       true,
		now:             time.Now,
		watches:         make(map[uint64]*Watch),
		inFlight:        make(map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxConcurrent <= 0 {
		c.maxConcurrent = 1
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(slog.String("component", "coordinator"))
	c.sem = semaphore.NewWeighted(c.maxConcurrent)
	return c, nil
}

// Load restores the journal. It is called by Run and Tick on first use.
func (c *Coordinator) Load(ctx context.Context) error {
	c.mu.Lock()
	if c.loaded {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	watches, err := c.journal.LoadWatches(ctx)
	if err != nil {
		return err
	}
	cursor, err := c.journal.Cursor(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return nil
	}
	for i := range watches {
		w := watches[i]
		c.watches[w.EscrowID] = &w
	}
	c.cursor = cursor
	c.loaded = true
	c.publishCountsLocked()
	c.logger.Info("journal loaded", slog.Int("watches", len(watches)), slog.Uint64("cursor", cursor))
	return nil
}

// Run polls the ledger until ctx ends, reacting to event notifications when
// the adapter supports them.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Load(ctx); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	if sub, ok := c.adapter.(ledger.Subscriber); ok && c.subscribe {
		// Anything committed before this point is found by the first poll.
		var info ledger.Info
		if err := c.adapter.Read(ctx, ledger.View{Method: ledger.ViewLedgerInfo}, &info); err != nil {
			return err
		}
		c.mu.Lock()
		c.eventSeq = info.EventSeq
		c.mu.Unlock()
		g.Go(func() error {
			c.follow(gctx, sub)
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()
		for {
			if err := c.Tick(gctx); err != nil && !errors.Is(err, ErrPaused) && gctx.Err() == nil {
				c.logger.Warn("poll failed", slog.String("error", err.Error()))
			}
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	err := g.Wait()
	c.wg.Wait()
	return err
}

// Tick discovers new escrows and evaluates every due watch, returning once
// the evaluations finished.
func (c *Coordinator) Tick(ctx context.Context) error {
	if err := c.Load(ctx); err != nil {
		return err
	}
	if c.Paused() {
		return ErrPaused
	}
	if err := c.Discover(ctx); err != nil {
		return err
	}
	var local sync.WaitGroup
	for _, id := range c.dueWatches() {
		c.dispatch(ctx, id, &local)
	}
	local.Wait()
	return nil
}

// Discover registers a WATCHING entry for every escrow created since the
// persisted cursor.
func (c *Coordinator) Discover(ctx context.Context) error {
	c.discoverMu.Lock()
	defer c.discoverMu.Unlock()
	count, err := c.registry.GetEscrowCount(ctx)
	if err != nil {
		c.metrics.RecordError(coreerrors.Code(err))
		return err
	}
	c.mu.Lock()
	start := c.cursor
	c.mu.Unlock()
	if count <= start {
		return nil
	}
	now := c.now()
	for id := start; id < count; id++ {
		c.mu.Lock()
		_, exists := c.watches[id]
		c.mu.Unlock()
		if exists {
			continue
		}
		w := Watch{EscrowID: id, State: StateWatching, UpdatedAt: now}
		if err := c.journal.SaveWatch(ctx, w); err != nil {
			return err
		}
		c.mu.Lock()
		c.watches[id] = &w
		c.mu.Unlock()
	}
	if err := c.journal.SetCursor(ctx, count); err != nil {
		return err
	}
	c.mu.Lock()
	c.cursor = count
	c.publishCountsLocked()
	c.mu.Unlock()
	c.logger.Debug("escrows discovered", slog.Uint64("from", start), slog.Uint64("to", count))
	return nil
}

func (c *Coordinator) dueWatches() []uint64 {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint64, 0, len(c.watches))
	for id, w := range c.watches {
		if w.State.Terminal() {
			continue
		}
		if w.State == StateFailedRetryable && now.Before(w.NextAttemptAt) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// dispatch evaluates one escrow in the background unless it is already in
// flight.
func (c *Coordinator) dispatch(ctx context.Context, id uint64, local *sync.WaitGroup) {
	c.mu.Lock()
	if _, busy := c.inFlight[id]; busy {
		c.mu.Unlock()
		return
	}
	c.inFlight[id] = struct{}{}
	c.mu.Unlock()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.clearInFlight(id)
		return
	}
	c.wg.Add(1)
	if local != nil {
		local.Add(1)
	}
	go func() {
		defer func() {
			c.sem.Release(1)
			c.clearInFlight(id)
			c.wg.Done()
			if local != nil {
				local.Done()
			}
		}()
		c.process(ctx, id)
	}()
}

func (c *Coordinator) clearInFlight(id uint64) {
	c.mu.Lock()
	delete(c.inFlight, id)
	c.mu.Unlock()
}

func (c *Coordinator) snapshot(id uint64) (Watch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.watches[id]
	if !ok {
		return Watch{}, false
	}
	return *w, true
}

// process runs the state machine for one escrow. An InvalidState answer to a
// submission means another actor moved the escrow first, so the escrow is
// re-read once instead of retried.
func (c *Coordinator) process(ctx context.Context, id uint64) {
	w, ok := c.snapshot(id)
	if !ok || w.State.Terminal() {
		return
	}
	for round := 0; round < 2; round++ {
		var again bool
		w, again = c.evaluate(ctx, w)
		if !again || w.State.Terminal() {
			return
		}
	}
}

func (c *Coordinator) evaluate(ctx context.Context, w Watch) (Watch, bool) {
	id := w.EscrowID
	esc, err := c.registry.GetEscrow(ctx, id)
	if err != nil {
		c.readFailed(w, "get escrow", err)
		return w, false
	}
	if esc.Status != escrow.EscrowPending {
		if esc.Status == escrow.EscrowReleased {
			if err := c.repair(ctx, &w); err != nil {
				return c.scheduleRetry(ctx, w, err), false
			}
		}
		return c.transition(ctx, w, StateDone, ""), false
	}
	settled, err := c.oracle.IsSettled(ctx, id)
	if err != nil {
		c.readFailed(w, "is settled", err)
		return w, false
	}
	if !settled {
		if w.State != StateWatching {
			w = c.transition(ctx, w, StateWatching, "")
		}
		return w, false
	}
	settlement, err := c.oracle.GetSettlement(ctx, id)
	if err != nil {
		c.readFailed(w, "get settlement", err)
		return w, false
	}
	if settlement.MEETriggered {
		return c.transition(ctx, w, StateDone, ""), false
	}
	return c.trigger(ctx, w)
}

func (c *Coordinator) trigger(ctx context.Context, w Watch) (Watch, bool) {
	id := w.EscrowID
	w = c.transition(ctx, w, StateTriggerPending, "")
	if err := c.limiter.Wait(ctx); err != nil {
		return w, false
	}
	attemptID := uuid.NewString()
	started := c.now()
	_, receipt, err := c.registry.ReleaseEscrow(ctx, id)
	if receipt != nil {
		w.LastTxID = receipt.TxID
	}
	switch {
	case err == nil:
		w = c.checkpoint(ctx, w)
	case errors.Is(err, coreerrors.ErrInvalidState):
		c.recordAttempt(ctx, attemptID, w, "lost_race", err)
		c.metrics.RecordTrigger("lost_race")
		c.logger.Info("release lost race, re-evaluating", slog.Uint64("escrow_id", id), slog.String("error", err.Error()))
		return w, true
	case coreerrors.Retryable(err):
		c.recordAttempt(ctx, attemptID, w, "transient", err)
		return c.scheduleRetry(ctx, w, err), false
	default:
		c.recordAttempt(ctx, attemptID, w, "rejected", err)
		c.metrics.RecordError(coreerrors.Code(err))
		c.metrics.RecordTrigger("abandoned")
		return c.transition(ctx, w, StateAbandoned, err.Error()), false
	}

	finalityCtx, cancel := context.WithTimeout(ctx, c.finalityTimeout)
	outcome, err := c.adapter.WaitForFinality(finalityCtx, receipt.TxID)
	cancel()
	if err != nil {
		c.recordAttempt(ctx, attemptID, w, "finality_timeout", err)
		return c.scheduleRetry(ctx, w, coreerrors.Transient(err)), false
	}
	if outcome != ledger.OutcomeCommitted {
		c.recordAttempt(ctx, attemptID, w, string(outcome), nil)
		return w, true
	}
	c.metrics.ObserveFinality(c.now().Sub(started))
	c.recordAttempt(ctx, attemptID, w, "committed", nil)
	c.metrics.RecordTrigger("committed")
	c.logger.Info("escrow released",
		slog.Uint64("escrow_id", id),
		slog.String("tx_id", receipt.TxID),
		slog.Int("attempt", w.Attempts+1))

	if _, _, err := c.oracle.MarkTriggered(ctx, id); err != nil {
		c.metrics.RecordError(coreerrors.Code(err))
		c.logger.Warn("mark triggered failed",
			slog.Uint64("escrow_id", id),
			slog.String("tx_id", receipt.TxID),
			slog.String("error", err.Error()))
		return c.scheduleRetry(ctx, w, err), false
	}
	return c.transition(ctx, w, StateDone, ""), false
}

// repair flags the settlement when our own release committed but the
// follow-up markTriggered never landed.
func (c *Coordinator) repair(ctx context.Context, w *Watch) error {
	if w.LastTxID == "" {
		return nil
	}
	settlement, err := c.oracle.GetSettlement(ctx, w.EscrowID)
	if errors.Is(err, coreerrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if settlement.Status != arbitration.SettlementSettled || settlement.MEETriggered {
		return nil
	}
	outcome, err := c.adapter.WaitForFinality(ctx, w.LastTxID)
	if err != nil {
		if errors.Is(err, coreerrors.ErrNotFound) {
			return nil
		}
		return err
	}
	if outcome != ledger.OutcomeCommitted {
		return nil
	}
	if _, _, err := c.oracle.MarkTriggered(ctx, w.EscrowID); err != nil {
		return err
	}
	c.metrics.RecordTrigger("repaired")
	c.logger.Info("trigger flag repaired", slog.Uint64("escrow_id", w.EscrowID), slog.String("tx_id", w.LastTxID))
	return nil
}

func (c *Coordinator) scheduleRetry(ctx context.Context, w Watch, cause error) Watch {
	w.Attempts++
	c.metrics.RecordError(coreerrors.Code(cause))
	if !coreerrors.Retryable(cause) || w.Attempts >= c.retry.MaxAttempts {
		c.metrics.RecordTrigger("abandoned")
		return c.transition(ctx, w, StateAbandoned, cause.Error())
	}
	c.metrics.RecordRetry()
	w.NextAttemptAt = c.now().Add(c.retry.Backoff(w.Attempts))
	return c.transition(ctx, w, StateFailedRetryable, cause.Error())
}

func (c *Coordinator) readFailed(w Watch, what string, err error) {
	c.metrics.RecordError(coreerrors.Code(err))
	c.logger.Warn("ledger read failed",
		slog.Uint64("escrow_id", w.EscrowID),
		slog.String("read", what),
		slog.String("state", string(w.State)),
		slog.String("error", err.Error()))
}

func (c *Coordinator) recordAttempt(ctx context.Context, id string, w Watch, outcome string, cause error) {
	a := Attempt{ID: id, EscrowID: w.EscrowID, TxID: w.LastTxID, Outcome: outcome, CreatedAt: c.now()}
	if cause != nil {
		a.Error = cause.Error()
	}
	if err := c.journal.RecordAttempt(ctx, a); err != nil {
		c.logger.Warn("journal attempt failed", slog.Uint64("escrow_id", w.EscrowID), slog.String("error", err.Error()))
	}
}

// checkpoint journals the committed release tx id so repair can find it
// after a crash before markTriggered.
func (c *Coordinator) checkpoint(ctx context.Context, w Watch) Watch {
	w.UpdatedAt = c.now()
	if err := c.journal.SaveWatch(ctx, w); err != nil {
		c.logger.Error("journal save failed", slog.Uint64("escrow_id", w.EscrowID), slog.String("error", err.Error()))
	}
	c.mu.Lock()
	stored := w
	c.watches[w.EscrowID] = &stored
	c.mu.Unlock()
	return w
}

func (c *Coordinator) transition(ctx context.Context, w Watch, state WatchState, lastErr string) Watch {
	prev := w.State
	w.State = state
	w.LastError = lastErr
	w.UpdatedAt = c.now()
	if state != StateFailedRetryable {
		w.NextAttemptAt = time.Time{}
	}
	if err := c.journal.SaveWatch(ctx, w); err != nil {
		c.logger.Error("journal save failed", slog.Uint64("escrow_id", w.EscrowID), slog.String("error", err.Error()))
	}
	c.mu.Lock()
	stored := w
	c.watches[w.EscrowID] = &stored
	c.publishCountsLocked()
	c.mu.Unlock()
	attrs := []any{
		slog.Uint64("escrow_id", w.EscrowID),
		slog.String("from", string(prev)),
		slog.String("state", string(state)),
		slog.Int("attempt", w.Attempts),
	}
	if w.LastTxID != "" {
		attrs = append(attrs, slog.String("tx_id", w.LastTxID))
	}
	if lastErr != "" {
		attrs = append(attrs, slog.String("error", lastErr))
	}
	if state == StateAbandoned {
		c.logger.Error("watch abandoned", attrs...)
	} else {
		c.logger.Info("watch transition", attrs...)
	}
	return w
}

func (c *Coordinator) publishCountsLocked() {
	counts := map[string]int{
		string(StateWatching):        0,
		string(StateTriggerPending):  0,
		string(StateDone):            0,
		string(StateFailedRetryable): 0,
		string(StateAbandoned):       0,
	}
	for _, w := range c.watches {
		counts[string(w.State)]++
	}
	c.metrics.SetWatches(counts)
}

// follow reacts to committed events so settlements are picked up without
// waiting for the next poll. Each resubscription resumes after the last seen
// seq.
func (c *Coordinator) follow(ctx context.Context, sub ledger.Subscriber) {
	backoff := time.Second
	for ctx.Err() == nil {
		c.mu.Lock()
		after := c.eventSeq
		c.mu.Unlock()
		stream, err := sub.Subscribe(ctx, after)
		if err != nil {
			c.logger.Warn("subscribe failed", slog.String("error", err.Error()))
		} else {
			backoff = time.Second
			for n := range stream {
				c.mu.Lock()
				c.eventSeq = n.Seq
				c.mu.Unlock()
				c.onEvent(ctx, n)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *Coordinator) onEvent(ctx context.Context, n ledger.Notification) {
	if n.Event == nil || c.Paused() {
		return
	}
	var key string
	switch n.Event.Type {
	case escrow.EventTypeEscrowCreated:
		if err := c.Discover(ctx); err != nil {
			c.logger.Warn("discover failed", slog.String("error", err.Error()))
		}
		return
	case escrow.EventTypeEscrowReleased, escrow.EventTypeEscrowRefunded:
		key = "id"
	case arbitration.EventTypeSettled:
		key = "escrowId"
	default:
		return
	}
	id, err := strconv.ParseUint(n.Event.Attributes[key], 10, 64)
	if err != nil {
		return
	}
	if _, ok := c.snapshot(id); !ok {
		if err := c.Discover(ctx); err != nil {
			return
		}
	}
	c.dispatch(ctx, id, nil)
}

// Pause halts new evaluations.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Resume re-enables evaluations.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

// Paused reports whether evaluations are halted.
func (c *Coordinator) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Retry moves an abandoned watch back to WATCHING with a fresh attempt budget.
func (c *Coordinator) Retry(ctx context.Context, id uint64) error {
	w, ok := c.snapshot(id)
	if !ok {
		return fmt.Errorf("coordinator: escrow %d not watched: %w", id, coreerrors.ErrNotFound)
	}
	if w.State != StateAbandoned {
		return fmt.Errorf("coordinator: escrow %d is %s: %w", id, w.State, coreerrors.ErrInvalidState)
	}
	w.Attempts = 0
	c.transition(ctx, w, StateWatching, "")
	return nil
}

// Watch returns the watch for one escrow.
func (c *Coordinator) Watch(id uint64) (Watch, bool) { return c.snapshot(id) }

// Watches lists every watch ordered by escrow id.
func (c *Coordinator) Watches() []Watch {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Watch, 0, len(c.watches))
	for _, w := range c.watches {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EscrowID < out[j].EscrowID })
	return out
}

// Status summarises coordinator state for administrative endpoints.
type Status struct {
	Paused   bool           `json:"paused"`
	Cursor   uint64         `json:"cursor"`
	EventSeq uint64         `json:"eventSeq"`
	InFlight int            `json:"inFlight"`
	States   map[string]int `json:"states"`
}

// Status reports the current coordinator snapshot.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := Status{
		Paused:   c.paused,
		Cursor:   c.cursor,
		EventSeq: c.eventSeq,
		InFlight: len(c.inFlight),
		States:   make(map[string]int),
	}
	for _, w := range c.watches {
		status.States[string(w.State)]++
	}
	return status
}

// Attempts returns the journaled submission history for an escrow.
func (c *Coordinator) Attempts(ctx context.Context, id uint64) ([]Attempt, error) {
	return c.journal.Attempts(ctx, id)
}
