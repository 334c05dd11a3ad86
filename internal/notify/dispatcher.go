package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/cardescrow/internal/metrics"
	"github.com/mbd888/cardescrow/internal/retry"
)

// Sink delivers a notification to one channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n *Notification) error
}

const (
	defaultBatchSize   = 50
	defaultLease       = time.Minute
	defaultMaxAttempts = 8
	inlineAttempts     = 3
	inlineDelay        = 200 * time.Millisecond
	retryBase          = 10 * time.Second
	retryMax           = 10 * time.Minute
)

// Dispatcher drains the outbox into the sinks.
type Dispatcher struct {
	store       Store
	sinks       []Sink
	interval    time.Duration
	maxAttempts int
	logger      *slog.Logger
	stop        chan struct{}
	running     atomic.Bool
	now         func() time.Time
}

// NewDispatcher creates a dispatcher polling the outbox every interval.
func NewDispatcher(store Store, logger *slog.Logger, interval time.Duration, sinks ...Sink) *Dispatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Dispatcher{
		store:       store,
		sinks:       sinks,
		interval:    interval,
		maxAttempts: defaultMaxAttempts,
		logger:      logger,
		stop:        make(chan struct{}),
		now:         time.Now,
	}
}

// Running reports whether the dispatch loop is active.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Start runs the dispatch loop until ctx is done or Stop is called.
// Call in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.safeDispatch(ctx)
		}
	}
}

// Stop signals the loop to stop.
func (d *Dispatcher) Stop() {
	select {
	case d.stop <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) safeDispatch(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in notification dispatcher", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := d.DispatchOnce(ctx); err != nil {
		d.logger.Warn("notification dispatch failed", "error", err)
	}
}

// DispatchOnce claims one batch of due notifications and delivers it.
// It returns the number of notifications handled.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	now := d.now().UTC()
	batch, err := d.store.Claim(ctx, now, defaultLease, defaultBatchSize)
	if err != nil {
		return 0, err
	}
	for _, n := range batch {
		d.deliver(ctx, n)
	}
	return len(batch), nil
}

func (d *Dispatcher) deliver(ctx context.Context, n *Notification) {
	var failures []error
	permanent := false
	for _, sink := range d.sinks {
		err := retry.Do(ctx, inlineAttempts, inlineDelay, func() error {
			return sink.Deliver(ctx, n)
		})
		if err != nil {
			permanent = permanent || retry.IsPermanent(err)
			failures = append(failures, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}

	now := d.now().UTC()
	if len(failures) == 0 {
		if err := d.store.MarkSent(ctx, n.ID, now); err != nil {
			d.logger.Warn("failed to mark notification sent", "id", n.ID, "error", err)
		}
		metrics.NotificationsTotal.WithLabelValues("sent").Inc()
		return
	}

	attempts := n.Attempts + 1
	lastErr := errors.Join(failures...).Error()
	var next time.Time
	if !permanent && attempts < d.maxAttempts {
		next = now.Add(retry.Backoff(attempts, retryBase, retryMax))
	}
	if err := d.store.MarkRetry(ctx, n.ID, attempts, lastErr, next); err != nil {
		d.logger.Warn("failed to record notification attempt", "id", n.ID, "error", err)
	}

	if next.IsZero() {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		d.logger.Error("notification delivery failed permanently",
			"id", n.ID, "user", n.UserID, "type", n.Type, "attempts", attempts, "error", lastErr)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("retry").Inc()
	d.logger.Warn("notification delivery failed, will retry",
		"id", n.ID, "attempts", attempts, "nextAttemptAt", next, "error", lastErr)
}
