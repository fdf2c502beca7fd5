package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/beaconevents/beacon/internal/core/domain"
	"github.com/beaconevents/beacon/internal/core/port"
	"github.com/beaconevents/beacon/internal/usecase"
)

// SessionRefresher is the slice of the session engine the worker drives.
type SessionRefresher interface {
	EnsureValid(ctx context.Context, group string) (*domain.Session, error)
}

// RefreshWorker keeps access tokens fresh ahead of their expiry. Each pass
// pops the session groups whose refresh deadline has passed and runs them
// through the session engine; the engine re-enqueues survivors and tears
// down the rest.
type RefreshWorker struct {
	queue    port.RefreshQueue
	sessions SessionRefresher
	logger   *zap.Logger
	name     string
	interval time.Duration
	batch    int64
	now      func() time.Time
}

// NewRefreshWorker constructs a RefreshWorker. name identifies this instance
// in the heartbeat hash.
func NewRefreshWorker(queue port.RefreshQueue, sessions SessionRefresher, name string, interval time.Duration, batch int64, logger *zap.Logger) *RefreshWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 25
	}
	return &RefreshWorker{
		queue:    queue,
		sessions: sessions,
		logger:   logger,
		name:     name,
		interval: interval,
		batch:    batch,
		now:      time.Now,
	}
}

// WithClock overrides the internal clock, used in tests.
func (w *RefreshWorker) WithClock(clock func() time.Time) {
	if clock != nil {
		w.now = clock
	}
}

// Run polls until the context is cancelled.
func (w *RefreshWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("refresh worker started",
		zap.String("worker", w.name),
		zap.Duration("interval", w.interval),
		zap.Int64("batch", w.batch),
	)

	for {
		w.Pass(ctx)

		select {
		case <-ctx.Done():
			w.logger.Info("refresh worker stopped", zap.String("worker", w.name))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Pass processes one batch of due sessions and returns how many were handled.
func (w *RefreshWorker) Pass(ctx context.Context) int {
	now := w.now()

	if err := w.queue.Heartbeat(ctx, w.name, now); err != nil {
		w.logger.Warn("worker heartbeat", zap.Error(err))
	}

	groups, err := w.queue.Due(ctx, now, w.batch)
	if err != nil {
		w.logger.Error("pop due sessions", zap.Error(err))
		return 0
	}

	for _, group := range groups {
		w.refresh(ctx, group)
	}

	return len(groups)
}

func (w *RefreshWorker) refresh(ctx context.Context, group string) {
	_, err := w.sessions.EnsureValid(ctx, group)
	if err == nil {
		return
	}

	// Dead or rejected sessions were already torn down by the engine; the
	// queue entry just needs to go so the group stops coming back.
	if errors.Is(err, usecase.ErrSessionExpired) || errors.Is(err, usecase.ErrRefreshRejected) {
		if removeErr := w.queue.Remove(ctx, group); removeErr != nil {
			w.logger.Warn("drop dead session from queue",
				zap.String("group", group),
				zap.Error(removeErr),
			)
		}
		w.logger.Info("session dropped", zap.String("group", group), zap.Error(err))
		return
	}

	// Transient failures stay queued and retry on the next pass.
	w.logger.Warn("session refresh failed",
		zap.String("group", group),
		zap.Error(err),
	)
}
