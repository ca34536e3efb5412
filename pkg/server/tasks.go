package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/availo/pkg/config"
	"github.com/nicktill/availo/pkg/server/monitor"
	"github.com/nicktill/availo/pkg/storage/badger"
)

// Reconcile retry schedule: 30s, 60s, 120s.
const (
	reconcileMaxRetries = 3
	reconcileBaseDelay  = 30 * time.Second
	badgerDiscardRatio  = 0.5
)

// Start launches the background goroutines: the websocket hub, the Redis
// stream publisher, the MQTT subscriber, the reconcile scheduler and badger
// GC. They stop when ctx is cancelled; wg tracks them.
func (a *App) Start(ctx context.Context, wg *sync.WaitGroup) error {
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Hub.Run(ctx)
	}()

	if a.Publisher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Publisher.Run(ctx)
		}()
		a.Logger.Info("publishing status updates to redis stream",
			zap.String("stream", a.Config.RedisStream))
	}

	if a.Subscriber != nil {
		if err := a.Subscriber.Start(ctx); err != nil {
			return err
		}
		a.Logger.Info("mqtt ingress started",
			zap.String("broker", a.Config.MQTTBroker),
			zap.Strings("topics", a.Config.MQTTTopics))
	}

	interval := a.Config.ReconcileInterval
	if interval <= 0 {
		interval = config.ReconcileInterval
	}
	wg.Add(1)
	go RunReconcile(ctx, a, interval, wg)

	if store, ok := a.Store.(*badger.Storage); ok {
		wg.Add(1)
		go RunBadgerGC(ctx, store, config.BadgerGCInterval, a.Logger, wg)
	}
	return nil
}

// RunReconcile runs the reconcile pass on startup and then every interval.
// A failed pass is retried with exponential backoff before waiting for the
// next tick.
func RunReconcile(ctx context.Context, app *App, interval time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()
	logger := app.Logger.Named("reconcile")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runWithRetry := func() {
		for attempt := 0; attempt <= reconcileMaxRetries; attempt++ {
			if attempt > 0 {
				delay := reconcileBaseDelay * time.Duration(1<<(attempt-1))
				logger.Info("retrying reconcile",
					zap.Duration("delay", delay),
					zap.Int("attempt", attempt+1))
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}

			if _, err := app.Rebuilder.RunOnce(ctx); err == nil {
				return
			}

			if status := app.ReconcileMonitor.Status(); status.ConsecutiveErrors > monitor.MaxConsecutiveFailures {
				logger.Error("reconcile keeps failing",
					zap.Int("consecutive_errors", status.ConsecutiveErrors),
					zap.String("last_error", status.LastError))
			}
			if ctx.Err() != nil {
				return
			}
		}
		logger.Warn("reconcile failed after retries; waiting for next schedule",
			zap.Int("attempts", reconcileMaxRetries+1))
	}

	runWithRetry()
	for {
		select {
		case <-ticker.C:
			runWithRetry()
		case <-ctx.Done():
			logger.Info("stopping reconcile scheduler")
			return
		}
	}
}

// RunBadgerGC runs BadgerDB value log GC periodically. Status and aggregate
// documents are overwritten constantly, so without GC the value log grows
// without bound.
func RunBadgerGC(ctx context.Context, store *badger.Storage, interval time.Duration, logger *zap.Logger, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("badger GC scheduler started", zap.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			if err := store.RunGC(badgerDiscardRatio); err != nil {
				logger.Error("badger GC failed", zap.Error(err))
				continue
			}
			logger.Debug("badger GC completed", zap.Duration("took", time.Since(start)))
		case <-ctx.Done():
			logger.Info("stopping badger GC scheduler")
			return
		}
	}
}
