package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"bingx-discord-relay/internal/apperrors"
	"bingx-discord-relay/internal/config"
	"bingx-discord-relay/internal/discord"
	"bingx-discord-relay/internal/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrDispatcherClosed is returned by Enqueue after Close.
var ErrDispatcherClosed = errors.New("dispatcher is closed")

const recordTimeout = 5 * time.Second

// DispatchStatus is the lifecycle state of a dispatch record.
type DispatchStatus string

const (
	StatusQueued    DispatchStatus = "queued"
	StatusInFlight  DispatchStatus = "in_flight"
	StatusDelivered DispatchStatus = "delivered"
	StatusDropped   DispatchStatus = "dropped"
	// StatusAborted means delivery stopped without a conclusive result,
	// because of shutdown or rejected credentials.
	StatusAborted DispatchStatus = "aborted"
)

// Outcome is the completion signal of one enqueued message.
type Outcome struct {
	Key       string
	Status    DispatchStatus
	Attempts  int
	MessageID string
	Err       error
}

// Final reports whether the message reached Delivered or Dropped.
func (o Outcome) Final() bool {
	return o.Status == StatusDelivered || o.Status == StatusDropped
}

type dispatchRecord struct {
	msg         models.NotificationMessage
	status      DispatchStatus
	attempts    int
	lastError   error
	nextRetryAt time.Time
	done        chan Outcome
}

// channelQueue is owned by a single worker goroutine, which is what keeps
// delivery in enqueue order.
type channelQueue struct {
	id        string
	records   chan *dispatchRecord
	limiter   *rate.Limiter
	breaker   *Breaker
	notBefore time.Time
}

// Dispatcher delivers notifications to chat channels, one ordered queue per
// channel, with rate limiting, retries and a circuit breaker.
type Dispatcher struct {
	sender  discord.RestClientInterface
	log     DispatchLogStore
	cfg     config.Dispatch
	logger  *zap.Logger
	metrics *Metrics
	backoff Backoff

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	queues  map[string]*channelQueue
	closed  bool
	slots   chan struct{}
	pending atomic.Int64
}

// NewDispatcher creates a dispatcher. Workers start with the first message
// for a channel.
func NewDispatcher(cfg *config.Dispatch, sender discord.RestClientInterface, log DispatchLogStore, metrics *Metrics, logger *zap.Logger) *Dispatcher {
	size := cfg.QueueSize
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sender:  sender,
		log:     log,
		cfg:     *cfg,
		logger:  logger.Named("dispatcher"),
		metrics: metrics,
		backoff: NewBackoff(cfg.InitialBackoff, cfg.MaxBackoff),
		now:     time.Now,
		sleep:   sleepContext,
		ctx:     ctx,
		cancel:  cancel,
		queues:  make(map[string]*channelQueue),
		slots:   make(chan struct{}, size),
	}
}

// Enqueue adds msg to its channel's queue and returns a channel that
// receives exactly one Outcome. It blocks while the queue is full.
func (d *Dispatcher) Enqueue(ctx context.Context, msg models.NotificationMessage) (<-chan Outcome, error) {
	select {
	case d.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		<-d.slots
		return nil, ErrDispatcherClosed
	}

	rec := &dispatchRecord{msg: msg, status: StatusQueued, done: make(chan Outcome, 1)}
	q := d.queueFor(msg.ChannelID)
	// Cannot block: the buffer is as large as the number of slots.
	q.records <- rec
	d.pending.Add(1)
	d.metrics.QueueDepth.Inc()
	return rec.done, nil
}

// queueFor must be called with d.mu held.
func (d *Dispatcher) queueFor(channelID string) *channelQueue {
	if q, ok := d.queues[channelID]; ok {
		return q
	}
	limit := rate.Limit(d.cfg.RateLimit)
	if d.cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := d.cfg.RateLimitBurst
	if burst < 1 {
		burst = 1
	}
	q := &channelQueue{
		id:      channelID,
		records: make(chan *dispatchRecord, cap(d.slots)),
		limiter: rate.NewLimiter(limit, burst),
		breaker: NewBreaker(d.cfg.BreakerThreshold, d.cfg.BreakerCooldown, func() time.Time { return d.now() }),
	}
	d.queues[channelID] = q
	d.wg.Add(1)
	go d.run(q)
	return q
}

func (d *Dispatcher) run(q *channelQueue) {
	defer d.wg.Done()
	for rec := range q.records {
		d.deliver(q, rec)
	}
}

func (d *Dispatcher) deliver(q *channelQueue, rec *dispatchRecord) {
	l := d.logger.With(zap.String("channel_id", q.id), zap.String("key", rec.msg.IdempotencyKey))

	for {
		if err := d.waitReady(q); err != nil {
			d.finish(q, rec, StatusAborted, err, "")
			return
		}

		rec.status = StatusInFlight
		rec.attempts++
		receipt, err := d.sender.Send(d.ctx, rec.msg)
		if err == nil {
			d.metrics.SendAttempts.WithLabelValues("ok").Inc()
			q.breaker.OnSuccess()
			d.metrics.BreakerOpen.WithLabelValues(q.id).Set(0)
			if receipt.RateLimit.Known && receipt.RateLimit.Remaining == 0 {
				q.notBefore = d.now().Add(receipt.RateLimit.ResetAfter)
			}
			d.finish(q, rec, StatusDelivered, nil, receipt.MessageID)
			return
		}
		rec.lastError = err

		switch {
		case d.ctx.Err() != nil:
			d.finish(q, rec, StatusAborted, err, "")
			return
		case apperrors.IsFatal(err):
			d.metrics.SendAttempts.WithLabelValues("auth").Inc()
			d.finish(q, rec, StatusAborted, err, "")
			return
		case !apperrors.IsRetryable(err):
			d.metrics.SendAttempts.WithLabelValues("rejected").Inc()
			d.finish(q, rec, StatusDropped, err, "")
			return
		}

		if apperrors.IsRateLimit(err) {
			d.metrics.SendAttempts.WithLabelValues("rate_limited").Inc()
		} else {
			d.metrics.SendAttempts.WithLabelValues("error").Inc()
			if q.breaker.OnFailure() {
				l.Warn("Circuit breaker opened", zap.Duration("cooldown", d.cfg.BreakerCooldown))
				d.metrics.BreakerOpen.WithLabelValues(q.id).Set(1)
			}
		}

		if rec.attempts >= d.cfg.MaxAttempts {
			exhausted := &apperrors.DispatchExhaustedError{IdempotencyKey: rec.msg.IdempotencyKey, Attempts: rec.attempts, Err: err}
			d.finish(q, rec, StatusDropped, exhausted, "")
			return
		}

		delay := d.backoff.Delay(rec.attempts)
		if hint, ok := apperrors.RetryAfterHint(err); ok && hint > delay {
			delay = hint
		}
		rec.status = StatusQueued
		rec.nextRetryAt = d.now().Add(delay)
		l.Warn("Send failed, retrying",
			zap.Int("attempt", rec.attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := d.sleep(d.ctx, delay); err != nil {
			d.finish(q, rec, StatusAborted, err, "")
			return
		}
	}
}

// waitReady blocks until the breaker, the platform's bucket reset and the
// local token bucket all allow a send.
func (d *Dispatcher) waitReady(q *channelQueue) error {
	for {
		wait := q.breaker.Allow()
		if untilReset := q.notBefore.Sub(d.now()); untilReset > wait {
			wait = untilReset
		}
		if wait <= 0 {
			break
		}
		if err := d.sleep(d.ctx, wait); err != nil {
			return err
		}
	}
	return q.limiter.Wait(d.ctx)
}

func (d *Dispatcher) finish(q *channelQueue, rec *dispatchRecord, status DispatchStatus, err error, messageID string) {
	rec.status = status
	entry := &models.DispatchLog{
		IdempotencyKey: rec.msg.IdempotencyKey,
		ChannelID:      q.id,
		Status:         logStatus(status),
		Attempts:       rec.attempts,
		Content:        rec.msg.Content,
		MessageID:      messageID,
	}
	if err != nil {
		entry.LastError = err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	if recErr := d.log.Record(ctx, entry); recErr != nil {
		d.logger.Error("Failed to record dispatch outcome", zap.String("key", entry.IdempotencyKey), zap.Error(recErr))
	}
	cancel()

	fields := []zap.Field{
		zap.String("channel_id", q.id),
		zap.String("key", rec.msg.IdempotencyKey),
		zap.Int("attempts", rec.attempts),
	}
	switch status {
	case StatusDelivered:
		d.logger.Info("Notification delivered", append(fields, zap.String("message_id", messageID))...)
	case StatusDropped:
		d.logger.Error("Notification dropped to dead letters", append(fields, zap.Error(err))...)
	default:
		d.logger.Warn("Notification delivery aborted", append(fields, zap.Error(err))...)
	}

	d.metrics.Notifications.WithLabelValues(string(status)).Inc()
	d.metrics.QueueDepth.Dec()
	d.pending.Add(-1)
	<-d.slots
	rec.done <- Outcome{
		Key:       rec.msg.IdempotencyKey,
		Status:    status,
		Attempts:  rec.attempts,
		MessageID: messageID,
		Err:       err,
	}
}

func logStatus(s DispatchStatus) string {
	switch s {
	case StatusDelivered:
		return models.DispatchDelivered
	case StatusDropped:
		return models.DispatchDropped
	}
	return models.DispatchAborted
}

// Pending returns the number of messages queued or in flight.
func (d *Dispatcher) Pending() int {
	return int(d.pending.Load())
}

// BreakerStates returns the breaker state of every known channel.
func (d *Dispatcher) BreakerStates() map[string]BreakerState {
	d.mu.Lock()
	defer d.mu.Unlock()
	states := make(map[string]BreakerState, len(d.queues))
	for id, q := range d.queues {
		states[id] = q.breaker.State()
	}
	return states
}

// Close stops accepting messages and waits for the queued ones to finish.
// When ctx expires first, the remaining sends are cancelled and recorded
// as aborted.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, q := range d.queues {
		close(q.records)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
