package relay

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"bingx-discord-relay/internal/apperrors"
	"bingx-discord-relay/internal/bingx"
	"bingx-discord-relay/internal/config"
	"bingx-discord-relay/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Venue is the source of trade events.
type Venue interface {
	FetchSince(ctx context.Context, cursor models.Cursor) (*bingx.FetchResult, error)
}

// Notifier accepts rendered messages for asynchronous delivery.
type Notifier interface {
	Enqueue(ctx context.Context, msg models.NotificationMessage) (<-chan Outcome, error)
	Pending() int
	BreakerStates() map[string]BreakerState
}

var _ Notifier = (*Dispatcher)(nil)

// State is the step of the poll cycle the supervisor is in.
type State string

const (
	StateIdle             State = "idle"
	StateFetching         State = "fetching"
	StateDeduping         State = "deduping"
	StateFormatting       State = "formatting"
	StateEnqueuing        State = "enqueuing"
	StateWaitingForAck    State = "waiting_for_ack"
	StateCommittingCursor State = "committing_cursor"
)

// Pipeline groups the collaborators driven by the supervisor.
type Pipeline struct {
	Venue      Venue
	Dedup      *Deduplicator
	Formatter  *Formatter
	Dispatcher Notifier
	Store      CursorStore
	Metrics    *Metrics
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State       State                   `json:"state"`
	Cursor      string                  `json:"cursor"`
	Uncommitted string                  `json:"uncommitted_cursor,omitempty"`
	Pending     int                     `json:"pending"`
	Breakers    map[string]BreakerState `json:"breakers"`
	LastCycleAt string                  `json:"last_cycle_at,omitempty"`
	LastError   string                  `json:"last_error,omitempty"`
	StartTime   string                  `json:"start_time"`
	Uptime      string                  `json:"uptime"`
}

// Supervisor runs the poll cycle. It is the only writer of the cursor.
type Supervisor struct {
	logger *zap.Logger
	cfg    *config.Config
	p      Pipeline

	StartTime time.Time

	mu          sync.Mutex
	state       State
	cursor      models.Cursor
	uncommitted *models.Cursor
	lastCycleAt time.Time
	lastErr     error
}

// NewSupervisor creates a supervisor.
func NewSupervisor(logger *zap.Logger, cfg *config.Config, p Pipeline) *Supervisor {
	return &Supervisor{
		logger:    logger.Named("supervisor"),
		cfg:       cfg,
		p:         p,
		StartTime: time.Now(),
		state:     StateIdle,
	}
}

// Load reads the committed cursor. Run calls it; tests may call it directly.
func (s *Supervisor) Load(ctx context.Context) error {
	c, err := s.p.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("could not load cursor: %w", err)
	}
	s.mu.Lock()
	s.cursor = c
	s.mu.Unlock()
	if !c.IsZero() {
		s.p.Metrics.CursorTimestamp.Set(float64(c.OccurredAt.UnixMilli()) / 1000)
	}
	s.logger.Info("Cursor loaded", zap.Stringer("cursor", c))
	return nil
}

// Run loads the cursor and polls until ctx is cancelled or a cycle fails
// with an authentication error.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		return err
	}
	s.logger.Info("Starting poll loop",
		zap.Duration("interval", s.cfg.Relay.PollInterval),
		zap.Duration("jitter", s.cfg.Relay.PollJitter),
	)

	for {
		if err := s.RunCycle(ctx); err != nil {
			if apperrors.IsFatal(err) {
				s.logger.Error("Stopping on fatal error", zap.Error(err))
				return err
			}
			if ctx.Err() == nil {
				s.logger.Error("Cycle failed", zap.Error(err))
			}
		}

		timer := time.NewTimer(s.nextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("Stopping poll loop...")
			return nil
		case <-timer.C:
		}
	}
}

func (s *Supervisor) nextDelay() time.Duration {
	d := s.cfg.Relay.PollInterval
	if j := s.cfg.Relay.PollJitter; j > 0 {
		d += time.Duration(rand.Int63n(int64(j)))
	}
	return d
}

// RunCycle performs one fetch, dedupe, format, dispatch and commit round.
func (s *Supervisor) RunCycle(ctx context.Context) (err error) {
	l := s.logger.With(zap.String("cycle_id", uuid.NewString()))
	start := time.Now()
	defer func() {
		s.p.Metrics.CycleDuration.Observe(time.Since(start).Seconds())
		s.mu.Lock()
		s.state = StateIdle
		s.lastCycleAt = time.Now()
		s.lastErr = err
		s.mu.Unlock()
	}()

	if pending := s.pendingCommit(); pending != nil {
		l.Info("Retrying cursor commit", zap.Stringer("cursor", *pending))
		s.setState(StateCommittingCursor)
		if err := s.commit(*pending); err != nil {
			return err
		}
	}

	if pending := s.p.Dispatcher.Pending(); s.cfg.Relay.MaxPending > 0 && pending >= s.cfg.Relay.MaxPending {
		l.Warn("Dispatch queue is full, skipping fetch", zap.Int("pending", pending))
		return nil
	}

	s.setState(StateFetching)
	cursor := s.Cursor()
	res, err := s.p.Venue.FetchSince(ctx, cursor)
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	s.p.Metrics.EventsFetched.Add(float64(len(res.Events)))
	s.reportMalformed(l, res.Malformed)

	s.setState(StateDeduping)
	candidates := Candidates(res.Events, cursor)
	var fresh []int
	for i, e := range candidates {
		if !s.p.Dedup.Seen(e.ID) {
			fresh = append(fresh, i)
		}
	}
	s.p.Metrics.Duplicates.Add(float64(len(res.Events) - len(fresh)))
	if len(candidates) == 0 {
		l.Debug("No new trades", zap.Stringer("cursor", cursor))
		return nil
	}
	if limit := s.cfg.Relay.MaxPending; limit > 0 && len(fresh) > limit {
		// The rest is fetched again once the cursor has moved.
		candidates = candidates[:fresh[limit]]
		fresh = fresh[:limit]
		l.Info("Batch truncated", zap.Int("limit", limit))
	}

	s.setState(StateFormatting)
	channelID := s.cfg.Discord.ChannelID
	messages := make([]models.NotificationMessage, len(fresh))
	for n, i := range fresh {
		messages[n] = s.p.Formatter.Format(candidates[i], channelID)
	}

	s.setState(StateEnqueuing)
	waits := make([]<-chan Outcome, 0, len(messages))
	for _, msg := range messages {
		done, err := s.p.Dispatcher.Enqueue(ctx, msg)
		if err != nil {
			l.Warn("Stopped enqueuing", zap.String("key", msg.IdempotencyKey), zap.Error(err))
			break
		}
		waits = append(waits, done)
	}
	l.Info("Trades enqueued", zap.Int("enqueued", len(waits)), zap.Int("fetched", len(res.Events)))

	s.setState(StateWaitingForAck)
	outcomes := s.await(ctx, l, waits)

	s.setState(StateCommittingCursor)
	final := make([]bool, len(candidates))
	for i := range final {
		final[i] = true
	}
	var fatal error
	for n, i := range fresh {
		if n >= len(outcomes) || !outcomes[n].Final() {
			final[i] = false
			if n < len(outcomes) && apperrors.IsFatal(outcomes[n].Err) && fatal == nil {
				fatal = outcomes[n].Err
			}
			continue
		}
		s.p.Dedup.MarkSeen(candidates[i].ID)
	}

	// The cursor only moves over the contiguous prefix of final events.
	next := cursor
	for i, e := range candidates {
		if !final[i] {
			break
		}
		next = e.Position()
	}
	if next.After(cursor) {
		if err := s.commit(next); err != nil {
			return err
		}
		l.Info("Cursor committed", zap.Stringer("cursor", next))
	}
	return fatal
}

// await collects outcomes in order. Once ctx is cancelled, delivery gets
// the configured drain timeout before the remaining outcomes are given up.
func (s *Supervisor) await(ctx context.Context, l *zap.Logger, waits []<-chan Outcome) []Outcome {
	outcomes := make([]Outcome, 0, len(waits))
	var drain <-chan time.Time
	for _, done := range waits {
		if drain == nil {
			select {
			case o := <-done:
				outcomes = append(outcomes, o)
				continue
			case <-ctx.Done():
				l.Info("Shutdown requested, draining in-flight notifications", zap.Duration("timeout", s.cfg.Relay.DrainTimeout))
				timer := time.NewTimer(s.cfg.Relay.DrainTimeout)
				defer timer.Stop()
				drain = timer.C
			}
		}
		select {
		case o := <-done:
			outcomes = append(outcomes, o)
		case <-drain:
			l.Warn("Drain timeout reached", zap.Int("unresolved", len(waits)-len(outcomes)))
			return outcomes
		}
	}
	return outcomes
}

func (s *Supervisor) reportMalformed(l *zap.Logger, malformed []*apperrors.MalformedDataError) {
	for _, m := range malformed {
		key := "malformed:" + m.EntryID
		if s.p.Dedup.Seen(key) {
			continue
		}
		s.p.Dedup.MarkSeen(key)
		s.p.Metrics.EventsMalformed.Inc()
		l.Warn("Dropped malformed trade entry",
			zap.String("entry_id", m.EntryID),
			zap.String("field", m.Field),
			zap.String("reason", m.Reason),
		)
	}
}

// commit persists c with its own timeout so that a shutdown does not
// interrupt a write already started.
func (s *Supervisor) commit(c models.Cursor) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Relay.CommitTimeout)
	defer cancel()

	if err := s.p.Store.Commit(ctx, c); err != nil {
		s.mu.Lock()
		s.uncommitted = &c
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.uncommitted = nil
	if c.After(s.cursor) {
		s.cursor = c
	}
	s.mu.Unlock()
	s.p.Metrics.CursorTimestamp.Set(float64(c.OccurredAt.UnixMilli()) / 1000)
	return nil
}

func (s *Supervisor) pendingCommit() *models.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uncommitted
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Cursor returns the last committed cursor.
func (s *Supervisor) Cursor() models.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Status returns a snapshot for the status endpoint.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		State:     s.state,
		Cursor:    s.cursor.String(),
		StartTime: s.StartTime.Format(time.RFC3339),
		Uptime:    time.Since(s.StartTime).Round(time.Second).String(),
	}
	if s.uncommitted != nil {
		st.Uncommitted = s.uncommitted.String()
	}
	if !s.lastCycleAt.IsZero() {
		st.LastCycleAt = s.lastCycleAt.Format(time.RFC3339)
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()

	st.Pending = s.p.Dispatcher.Pending()
	st.Breakers = s.p.Dispatcher.BreakerStates()
	return st
}
