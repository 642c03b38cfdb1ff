package coordinator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"arcesc/core/amount"
	coreerrors "arcesc/core/errors"
	"arcesc/core/identity"
	"arcesc/crypto"
	"arcesc/ledger"
	"arcesc/native/arbitration"
	"arcesc/native/escrow"
	"arcesc/storage"
)

func addr(b byte) [20]byte {
	var out [20]byte
	out[19] = b
	return out
}

var (
	payer       = addr(1)
	payee       = addr(2)
	arbitrator  = addr(3)
	coordinator = addr(4)
	governor    = addr(5)
	second      = addr(6)
)

type fixture struct {
	ledger *ledger.Local
	clock  *atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l, err := ledger.NewLocal(storage.NewMemDB(), ledger.Config{})
	require.NoError(t, err)
	l.SetNowFunc(func() time.Time { return time.Unix(1_700_000_000, 0) })
	require.NoError(t, l.ApplyGenesis(ledger.Genesis{
		Governors:    []string{crypto.FormatAddress(governor)},
		Arbitrators:  []string{crypto.FormatAddress(arbitrator)},
		Coordinators: []string{crypto.FormatAddress(coordinator), crypto.FormatAddress(second)},
		Balances:     map[string]string{crypto.FormatAddress(payer): "1000"},
	}))
	clock := &atomic.Int64{}
	clock.Store(time.Unix(1_700_000_000, 0).UnixNano())
	return &fixture{ledger: l, clock: clock}
}

func (f *fixture) now() time.Time { return time.Unix(0, f.clock.Load()) }

func (f *fixture) advance(d time.Duration) { f.clock.Add(int64(d)) }

func (f *fixture) createEscrow(t *testing.T) uint64 {
	t.Helper()
	registry := ledger.NewRegistryClient(f.ledger, identity.Account(payer))
	esc, _, err := registry.CreateEscrow(context.Background(), payee, amount.MustParse("100"), 3600, "order")
	require.NoError(t, err)
	return esc.ID
}

func (f *fixture) settle(t *testing.T, id uint64) {
	t.Helper()
	oracle := ledger.NewOracleClient(f.ledger, identity.NewCaller(arbitrator, identity.RoleArbitrator))
	_, _, err := oracle.Settle(context.Background(), id, "delivered")
	require.NoError(t, err)
}

func (f *fixture) settlement(t *testing.T, id uint64) *arbitration.Settlement {
	t.Helper()
	oracle := ledger.NewOracleClient(f.ledger, identity.NewCaller(arbitrator, identity.RoleArbitrator))
	s, err := oracle.GetSettlement(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (f *fixture) escrowStatus(t *testing.T, id uint64) escrow.EscrowStatus {
	t.Helper()
	status, err := ledger.NewRegistryClient(f.ledger, identity.Account(payer)).GetEscrowStatus(context.Background(), id)
	require.NoError(t, err)
	return status
}

func (f *fixture) releasedEvents(t *testing.T) int {
	t.Helper()
	events, err := f.ledger.Events(0, 1000)
	require.NoError(t, err)
	count := 0
	for _, n := range events {
		if n.Event != nil && n.Event.Type == escrow.EventTypeEscrowReleased {
			count++
		}
	}
	return count
}

func newJournal(t *testing.T) *GormJournal {
	t.Helper()
	journal, err := OpenJournal("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })
	return journal
}

func (f *fixture) newCoordinator(t *testing.T, adapter ledger.Adapter, self [20]byte, journal Journal, opts ...Option) *Coordinator {
	t.Helper()
	base := []Option{
		WithClock(f.now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRateLimit(1000, 100),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 4 * time.Second}),
		WithSubscriptions(false),
	}
	c, err := New(adapter, self, journal, append(base, opts...)...)
	require.NoError(t, err)
	return c
}

// flakyAdapter fails submissions of selected methods with a transient error.
type flakyAdapter struct {
	ledger.Adapter
	mu       sync.Mutex
	failures map[string]int
}

func (a *flakyAdapter) failNext(method string, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failures == nil {
		a.failures = make(map[string]int)
	}
	a.failures[method] = n
}

func (a *flakyAdapter) Submit(ctx context.Context, call ledger.Call) (*ledger.Receipt, error) {
	a.mu.Lock()
	remaining := a.failures[call.Method]
	if remaining > 0 {
		a.failures[call.Method] = remaining - 1
	}
	a.mu.Unlock()
	if remaining > 0 {
		return nil, coreerrors.Transient(fmt.Errorf("connection reset"))
	}
	return a.Adapter.Submit(ctx, call)
}

// stallingAdapter never confirms finality and calls onWait before blocking.
type stallingAdapter struct {
	ledger.Adapter
	onWait func(txID string)
}

func (a *stallingAdapter) WaitForFinality(ctx context.Context, txID string) (ledger.Outcome, error) {
	if a.onWait != nil {
		a.onWait(txID)
	}
	<-ctx.Done()
	return "", ctx.Err()
}

func TestSettledEscrowReleasedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	journal := newJournal(t)
	c := f.newCoordinator(t, f.ledger, coordinator, journal)

	id := f.createEscrow(t)
	require.NoError(t, c.Tick(ctx))
	w, ok := c.Watch(id)
	require.True(t, ok)
	require.Equal(t, StateWatching, w.State)
	require.Equal(t, escrow.EscrowPending, f.escrowStatus(t, id))

	f.settle(t, id)
	require.NoError(t, c.Tick(ctx))

	w, _ = c.Watch(id)
	require.Equal(t, StateDone, w.State)
	require.NotEmpty(t, w.LastTxID)
	require.Equal(t, escrow.EscrowReleased, f.escrowStatus(t, id))
	require.True(t, f.settlement(t, id).MEETriggered)

	require.NoError(t, c.Tick(ctx))
	require.Equal(t, 1, f.releasedEvents(t))

	attempts, err := c.Attempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, "committed", attempts[0].Outcome)
	require.Equal(t, w.LastTxID, attempts[0].TxID)
}

func TestManualReleaseMarksDone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCoordinator(t, f.ledger, coordinator, newJournal(t))

	id := f.createEscrow(t)
	_, _, err := ledger.NewRegistryClient(f.ledger, identity.Account(payer)).ReleaseEscrow(ctx, id)
	require.NoError(t, err)

	require.NoError(t, c.Tick(ctx))
	w, ok := c.Watch(id)
	require.True(t, ok)
	require.Equal(t, StateDone, w.State)
	require.Empty(t, w.LastTxID)

	attempts, err := c.Attempts(ctx, id)
	require.NoError(t, err)
	require.Empty(t, attempts)
}

func TestTransientFailuresAbandonAfterBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adapter := &flakyAdapter{Adapter: f.ledger}
	adapter.failNext(ledger.MethodEscrowRelease, 100)
	c := f.newCoordinator(t, adapter, coordinator, newJournal(t))

	id := f.createEscrow(t)
	f.settle(t, id)

	require.NoError(t, c.Tick(ctx))
	w, _ := c.Watch(id)
	require.Equal(t, StateFailedRetryable, w.State)
	require.Equal(t, 1, w.Attempts)
	require.Equal(t, f.now().Add(time.Second), w.NextAttemptAt)

	// Not yet due.
	require.NoError(t, c.Tick(ctx))
	w, _ = c.Watch(id)
	require.Equal(t, 1, w.Attempts)

	f.advance(time.Second)
	require.NoError(t, c.Tick(ctx))
	w, _ = c.Watch(id)
	require.Equal(t, StateFailedRetryable, w.State)
	require.Equal(t, 2, w.Attempts)
	require.Equal(t, f.now().Add(2*time.Second), w.NextAttemptAt)

	f.advance(2 * time.Second)
	require.NoError(t, c.Tick(ctx))
	w, _ = c.Watch(id)
	require.Equal(t, StateAbandoned, w.State)
	require.Contains(t, w.LastError, "connection reset")
	require.Equal(t, escrow.EscrowPending, f.escrowStatus(t, id))

	attempts, err := c.Attempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 3)

	adapter.failNext(ledger.MethodEscrowRelease, 0)
	require.NoError(t, c.Retry(ctx, id))
	require.NoError(t, c.Tick(ctx))
	w, _ = c.Watch(id)
	require.Equal(t, StateDone, w.State)
	require.Equal(t, escrow.EscrowReleased, f.escrowStatus(t, id))
}

func TestRepairsMissingTriggerFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adapter := &flakyAdapter{Adapter: f.ledger}
	adapter.failNext(ledger.MethodArbitrationMarkTriggered, 1)
	journal := newJournal(t)
	c := f.newCoordinator(t, adapter, coordinator, journal)

	id := f.createEscrow(t)
	f.settle(t, id)
	require.NoError(t, c.Tick(ctx))

	w, _ := c.Watch(id)
	require.Equal(t, StateFailedRetryable, w.State)
	require.Equal(t, escrow.EscrowReleased, f.escrowStatus(t, id))
	require.False(t, f.settlement(t, id).MEETriggered)

	// A restarted coordinator resumes from the journal and repairs the flag.
	restarted := f.newCoordinator(t, adapter, coordinator, journal)
	f.advance(time.Minute)
	require.NoError(t, restarted.Tick(ctx))
	w, _ = restarted.Watch(id)
	require.Equal(t, StateDone, w.State)
	require.True(t, f.settlement(t, id).MEETriggered)
	require.Equal(t, 1, f.releasedEvents(t))
}

func TestRacingCoordinatorsReleaseOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.newCoordinator(t, f.ledger, coordinator, newJournal(t))
	other := f.newCoordinator(t, f.ledger, second, newJournal(t))

	ids := make([]uint64, 0, 5)
	for i := 0; i < 5; i++ {
		id := f.createEscrow(t)
		f.settle(t, id)
		ids = append(ids, id)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, c := range []*Coordinator{first, other} {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			errs <- c.Tick(ctx)
		}(c)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, len(ids), f.releasedEvents(t))
	for _, id := range ids {
		require.Equal(t, escrow.EscrowReleased, f.escrowStatus(t, id))
		for _, c := range []*Coordinator{first, other} {
			w, ok := c.Watch(id)
			require.True(t, ok)
			require.Equal(t, StateDone, w.State)
		}
	}
}

func TestUnregisteredCoordinatorAbandons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCoordinator(t, f.ledger, addr(9), newJournal(t))

	id := f.createEscrow(t)
	f.settle(t, id)
	require.NoError(t, c.Tick(ctx))

	w, _ := c.Watch(id)
	require.Equal(t, StateAbandoned, w.State)
	require.Equal(t, escrow.EscrowPending, f.escrowStatus(t, id))
}

func TestPauseStopsEvaluation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newCoordinator(t, f.ledger, coordinator, newJournal(t))
	id := f.createEscrow(t)
	f.settle(t, id)

	c.Pause()
	require.ErrorIs(t, c.Tick(ctx), ErrPaused)
	require.Equal(t, escrow.EscrowPending, f.escrowStatus(t, id))
	require.True(t, c.Status().Paused)

	c.Resume()
	require.NoError(t, c.Tick(ctx))
	require.Equal(t, escrow.EscrowReleased, f.escrowStatus(t, id))
	require.Equal(t, uint64(1), c.Status().Cursor)
}

func TestRunReactsToSettlementEvents(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := f.newCoordinator(t, f.ledger, coordinator, newJournal(t),
		WithSubscriptions(true),
		WithPollInterval(time.Hour))

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	id := f.createEscrow(t)
	require.Eventually(t, func() bool {
		_, ok := c.Watch(id)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	f.settle(t, id)
	require.Eventually(t, func() bool {
		w, ok := c.Watch(id)
		return ok && w.State == StateDone
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, escrow.EscrowReleased, f.escrowStatus(t, id))

	cancel()
	require.NoError(t, <-done)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAdminServerRequiresBearer(t *testing.T) {
	f := newFixture(t)
	c := f.newCoordinator(t, f.ledger, coordinator, newJournal(t))
	var logs lockedBuffer
	auth, err := NewAuthenticator(AdminConfig{BearerToken: "s3cret"}, slog.New(slog.NewJSONHandler(&logs, nil)))
	require.NoError(t, err)
	srv := httptest.NewServer(auth.Middleware(NewAdminServer(c)))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/pause", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/pause", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer guessed-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Contains(t, logs.String(), "[REDACTED]")
	require.NotContains(t, logs.String(), "guessed-token")

	req, err = http.NewRequest(http.MethodPost, srv.URL+"/pause", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.True(t, c.Paused())

	req, err = http.NewRequest(http.MethodPost, srv.URL+"/retry", strings.NewReader(`{"escrowId":42}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFinalityTimeoutSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adapter := &stallingAdapter{Adapter: f.ledger}
	c := f.newCoordinator(t, adapter, coordinator, newJournal(t), WithFinalityTimeout(10*time.Millisecond))

	id := f.createEscrow(t)
	f.settle(t, id)
	require.NoError(t, c.Tick(ctx))

	w, ok := c.Watch(id)
	require.True(t, ok)
	require.Equal(t, StateFailedRetryable, w.State)
	require.Equal(t, 1, w.Attempts)
	require.NotEmpty(t, w.LastTxID)
	require.True(t, w.NextAttemptAt.After(f.now()))

	attempts, err := c.Attempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, "finality_timeout", attempts[0].Outcome)
	require.Equal(t, w.LastTxID, attempts[0].TxID)
	require.False(t, f.settlement(t, id).MEETriggered)
}

func TestReleaseTxJournaledBeforeFinality(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	journal := newJournal(t)
	var (
		journaled []Watch
		loadErr   error
		waitedOn  string
	)
	adapter := &stallingAdapter{Adapter: f.ledger}
	adapter.onWait = func(txID string) {
		waitedOn = txID
		journaled, loadErr = journal.LoadWatches(ctx)
	}
	c := f.newCoordinator(t, adapter, coordinator, journal, WithFinalityTimeout(10*time.Millisecond))

	id := f.createEscrow(t)
	f.settle(t, id)
	require.NoError(t, c.Tick(ctx))

	require.NoError(t, loadErr)
	require.NotEmpty(t, waitedOn)
	require.Len(t, journaled, 1)
	require.Equal(t, id, journaled[0].EscrowID)
	require.Equal(t, StateTriggerPending, journaled[0].State)
	require.Equal(t, waitedOn, journaled[0].LastTxID)
}

func TestBackoffIsCapped(t *testing.T) {
	p := RetryPolicy{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second}
	require.Equal(t, time.Second, p.Backoff(1))
	require.Equal(t, 2*time.Second, p.Backoff(2))
	require.Equal(t, 4*time.Second, p.Backoff(3))
	require.Equal(t, 5*time.Second, p.Backoff(4))
	require.Equal(t, 5*time.Second, p.Backoff(10))
}
