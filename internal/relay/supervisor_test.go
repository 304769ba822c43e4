package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bingx-discord-relay/internal/apperrors"
	"bingx-discord-relay/internal/bingx"
	"bingx-discord-relay/internal/config"
	"bingx-discord-relay/internal/discord"
	"bingx-discord-relay/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// fakeVenue returns its current page on every fetch, whatever the cursor.
type fakeVenue struct {
	mu      sync.Mutex
	page    *bingx.FetchResult
	err     error
	cursors []models.Cursor
}

func (v *fakeVenue) FetchSince(ctx context.Context, cursor models.Cursor) (*bingx.FetchResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cursors = append(v.cursors, cursor)
	if v.err != nil {
		return nil, v.err
	}
	return &bingx.FetchResult{Events: v.page.Events, Malformed: v.page.Malformed}, nil
}

func (v *fakeVenue) serve(events ...models.TradeEvent) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.page = &bingx.FetchResult{Events: events}
}

// fakeChannel stands in for a Discord channel, including nonce based
// suppression of repeated sends.
type fakeChannel struct {
	mu       sync.Mutex
	attempts []string
	posted   []string
	byNonce  map[string]string
	fail     func(key string) error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{byNonce: map[string]string{}}
}

func (c *fakeChannel) Send(ctx context.Context, msg models.NotificationMessage) (*discord.SendReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = append(c.attempts, msg.IdempotencyKey)
	if c.fail != nil {
		if err := c.fail(msg.IdempotencyKey); err != nil {
			return nil, err
		}
	}
	nonce := discord.Nonce(msg.IdempotencyKey)
	id, ok := c.byNonce[nonce]
	if !ok {
		id = fmt.Sprintf("m%d", len(c.byNonce)+1)
		c.byNonce[nonce] = id
		c.posted = append(c.posted, msg.IdempotencyKey)
	}
	return &discord.SendReceipt{MessageID: id}, nil
}

func (c *fakeChannel) snapshot() (attempts, posted []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.attempts...), append([]string(nil), c.posted...)
}

// flakyStore fails the next failures commits.
type flakyStore struct {
	CursorStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) Commit(ctx context.Context, c models.Cursor) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return &apperrors.PersistenceError{Op: "commit cursor", Err: errors.New("disk full")}
	}
	s.mu.Unlock()
	return s.CursorStore.Commit(ctx, c)
}

func testConfig() *config.Config {
	return &config.Config{
		Discord: config.Discord{ChannelID: "chan-1"},
		Relay: config.Relay{
			MaxPending:      100,
			SeenCapacity:    1000,
			SeenTTL:         time.Hour,
			DrainTimeout:    time.Second,
			CommitTimeout:   time.Second,
			DefaultPriceDP:  2,
			DefaultQtyDP:    4,
			DefaultCurrency: "USDT",
		},
		Dispatch: config.Dispatch{
			QueueSize:      100,
			MaxAttempts:    5,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     10 * time.Millisecond,
		},
	}
}

type harness struct {
	sup        *Supervisor
	venue      *fakeVenue
	channel    *fakeChannel
	dispatcher *Dispatcher
	log        *GormDispatchLog
	metrics    *Metrics
}

// newHarness wires a supervisor the way the relay command does, with the
// venue and the chat platform faked. Calling it twice on the same db
// simulates a process restart.
func newHarness(t *testing.T, cfg *config.Config, db *gorm.DB, store CursorStore, channel *fakeChannel) *harness {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	log := NewDispatchLog(db)
	d := NewDispatcher(&cfg.Dispatch, channel, log, metrics, zap.NewNop())
	d.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	t.Cleanup(func() { _ = d.Close(context.Background()) })

	dedup, err := NewDeduplicator(cfg.Relay.SeenCapacity, cfg.Relay.SeenTTL)
	require.NoError(t, err)
	t.Cleanup(dedup.Close)

	venue := &fakeVenue{page: &bingx.FetchResult{}}
	sup := NewSupervisor(zap.NewNop(), cfg, Pipeline{
		Venue:      venue,
		Dedup:      dedup,
		Formatter:  NewFormatter(Precision{Price: 2, Quantity: 4, Currency: "USDT"}, nil),
		Dispatcher: d,
		Store:      store,
		Metrics:    metrics,
	})
	require.NoError(t, sup.Load(context.Background()))
	return &harness{sup: sup, venue: venue, channel: channel, dispatcher: d, log: log, metrics: metrics}
}

func TestSupervisor_SamePageTwiceDeliversOnce(t *testing.T) {
	db := testDB(t)
	h := newHarness(t, testConfig(), db, NewCursorStore(db), newFakeChannel())
	events := []models.TradeEvent{tradeEvent("1", 0), tradeEvent("2", time.Second), tradeEvent("3", 2*time.Second)}
	h.venue.serve(events...)

	require.NoError(t, h.sup.RunCycle(context.Background()))
	require.NoError(t, h.sup.RunCycle(context.Background()))

	attempts, posted := h.channel.snapshot()
	assert.Equal(t, []string{"1", "2", "3"}, attempts)
	assert.Equal(t, []string{"1", "2", "3"}, posted)
	assert.Equal(t, events[2].Position(), h.sup.Cursor())
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.Duplicates))
}

func TestSupervisor_SendsInTimestampOrder(t *testing.T) {
	db := testDB(t)
	h := newHarness(t, testConfig(), db, NewCursorStore(db), newFakeChannel())
	h.venue.serve(tradeEvent("1", 0), tradeEvent("3", 2*time.Second), tradeEvent("2", time.Second))

	require.NoError(t, h.sup.RunCycle(context.Background()))

	attempts, _ := h.channel.snapshot()
	assert.Equal(t, []string{"1", "2", "3"}, attempts)
}

func TestSupervisor_CrashBeforeCommitDeliversExactlyOnce(t *testing.T) {
	db := testDB(t)
	channel := newFakeChannel()
	events := []models.TradeEvent{tradeEvent("1", 0), tradeEvent("2", time.Second), tradeEvent("3", 2*time.Second)}

	// First process: the batch goes out but the cursor never reaches disk.
	crashed := newHarness(t, testConfig(), db, &flakyStore{CursorStore: NewCursorStore(db), failures: 1}, channel)
	crashed.venue.serve(events...)
	err := crashed.sup.RunCycle(context.Background())
	var persistence *apperrors.PersistenceError
	require.ErrorAs(t, err, &persistence)

	// Restart with empty memory on the same database.
	store := NewCursorStore(db)
	restarted := newHarness(t, testConfig(), db, store, channel)
	assert.True(t, restarted.sup.Cursor().IsZero())
	restarted.venue.serve(events...)
	require.NoError(t, restarted.sup.RunCycle(context.Background()))

	attempts, posted := channel.snapshot()
	assert.Len(t, attempts, 6)
	assert.Equal(t, []string{"1", "2", "3"}, posted)

	c, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, events[2].Position(), c)
}

func TestSupervisor_RetriesFailedCommitNextCycle(t *testing.T) {
	db := testDB(t)
	store := &flakyStore{CursorStore: NewCursorStore(db), failures: 1}
	h := newHarness(t, testConfig(), db, store, newFakeChannel())
	events := []models.TradeEvent{tradeEvent("1", 0), tradeEvent("2", time.Second)}
	h.venue.serve(events...)

	require.Error(t, h.sup.RunCycle(context.Background()))
	status := h.sup.Status()
	assert.Equal(t, "<start>", status.Cursor)
	assert.NotEmpty(t, status.Uncommitted)
	assert.NotEmpty(t, status.LastError)

	require.NoError(t, h.sup.RunCycle(context.Background()))

	attempts, _ := h.channel.snapshot()
	assert.Equal(t, []string{"1", "2"}, attempts)
	assert.Equal(t, events[1].Position(), h.sup.Cursor())
	assert.Empty(t, h.sup.Status().Uncommitted)
}

func TestSupervisor_CursorNeverDecreases(t *testing.T) {
	db := testDB(t)
	store := NewCursorStore(db)
	h := newHarness(t, testConfig(), db, store, newFakeChannel())

	h.venue.serve(tradeEvent("5", 5*time.Second))
	require.NoError(t, h.sup.RunCycle(context.Background()))
	high := h.sup.Cursor()

	// A late page with older fills must not pull the cursor back.
	h.venue.serve(tradeEvent("4", 4*time.Second), tradeEvent("3", 3*time.Second))
	require.NoError(t, h.sup.RunCycle(context.Background()))

	assert.Equal(t, high, h.sup.Cursor())
	c, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, high, c)
	attempts, _ := h.channel.snapshot()
	assert.Equal(t, []string{"5"}, attempts)
}

func TestSupervisor_DroppedMessageStillAdvancesCursor(t *testing.T) {
	db := testDB(t)
	channel := newFakeChannel()
	channel.fail = func(key string) error {
		if key == "2" {
			return &apperrors.TransientError{Service: "discord", StatusCode: 500, Err: errors.New("boom")}
		}
		return nil
	}
	h := newHarness(t, testConfig(), db, NewCursorStore(db), channel)
	events := []models.TradeEvent{tradeEvent("1", 0), tradeEvent("2", time.Second), tradeEvent("3", 2*time.Second)}
	h.venue.serve(events...)

	require.NoError(t, h.sup.RunCycle(context.Background()))

	_, posted := channel.snapshot()
	assert.Equal(t, []string{"1", "3"}, posted)
	assert.Equal(t, events[2].Position(), h.sup.Cursor())

	dead, err := h.log.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "2", dead[0].IdempotencyKey)
	assert.Equal(t, 5, dead[0].Attempts)
}

func TestSupervisor_AuthFailureHaltsWithoutCommit(t *testing.T) {
	db := testDB(t)
	channel := newFakeChannel()
	channel.fail = func(key string) error {
		return &apperrors.AuthError{Service: "discord", StatusCode: 401, Err: errors.New("401: Unauthorized")}
	}
	h := newHarness(t, testConfig(), db, NewCursorStore(db), channel)
	h.venue.serve(tradeEvent("1", 0))

	err := h.sup.RunCycle(context.Background())

	assert.True(t, apperrors.IsFatal(err))
	assert.True(t, h.sup.Cursor().IsZero())
}

func TestSupervisor_VenueAuthErrorIsFatal(t *testing.T) {
	db := testDB(t)
	h := newHarness(t, testConfig(), db, NewCursorStore(db), newFakeChannel())
	h.venue.err = &apperrors.AuthError{Service: "bingx", StatusCode: 401, Err: errors.New("signature mismatch")}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.sup.Run(ctx)

	assert.True(t, apperrors.IsFatal(err))
}

func TestSupervisor_TransientFetchErrorKeepsCursor(t *testing.T) {
	db := testDB(t)
	h := newHarness(t, testConfig(), db, NewCursorStore(db), newFakeChannel())
	h.venue.err = &apperrors.TransientError{Service: "bingx", StatusCode: 503, Err: errors.New("unavailable")}

	err := h.sup.RunCycle(context.Background())

	require.Error(t, err)
	assert.False(t, apperrors.IsFatal(err))
	assert.True(t, h.sup.Cursor().IsZero())
	assert.Equal(t, StateIdle, h.sup.Status().State)
}

func TestSupervisor_BatchLimitedByMaxPending(t *testing.T) {
	cfg := testConfig()
	cfg.Relay.MaxPending = 2
	db := testDB(t)
	h := newHarness(t, cfg, db, NewCursorStore(db), newFakeChannel())
	events := []models.TradeEvent{tradeEvent("1", 0), tradeEvent("2", time.Second), tradeEvent("3", 2*time.Second)}
	h.venue.serve(events...)

	require.NoError(t, h.sup.RunCycle(context.Background()))
	attempts, _ := h.channel.snapshot()
	assert.Equal(t, []string{"1", "2"}, attempts)
	assert.Equal(t, events[1].Position(), h.sup.Cursor())

	require.NoError(t, h.sup.RunCycle(context.Background()))
	attempts, _ = h.channel.snapshot()
	assert.Equal(t, []string{"1", "2", "3"}, attempts)
	assert.Equal(t, events[2].Position(), h.sup.Cursor())
}

func TestSupervisor_MalformedEntriesReportedOnce(t *testing.T) {
	db := testDB(t)
	h := newHarness(t, testConfig(), db, NewCursorStore(db), newFakeChannel())
	h.venue.page = &bingx.FetchResult{
		Events:    []models.TradeEvent{tradeEvent("1", 0), tradeEvent("3", 2*time.Second)},
		Malformed: []*apperrors.MalformedDataError{{EntryID: "2", Field: "executedQty", Reason: "not a number"}},
	}

	require.NoError(t, h.sup.RunCycle(context.Background()))
	require.NoError(t, h.sup.RunCycle(context.Background()))

	attempts, _ := h.channel.snapshot()
	assert.Equal(t, []string{"1", "3"}, attempts)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsMalformed))
}

func TestSupervisor_RunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Relay.PollInterval = 10 * time.Millisecond
	db := testDB(t)
	h := newHarness(t, cfg, db, NewCursorStore(db), newFakeChannel())
	h.venue.serve(tradeEvent("1", 0))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, posted := h.channel.snapshot()
		return len(posted) == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	h.venue.mu.Lock()
	defer h.venue.mu.Unlock()
	assert.GreaterOrEqual(t, len(h.venue.cursors), 1)
}
