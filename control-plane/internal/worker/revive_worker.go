package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/fieldsignal/rf-range/control-plane/internal/config"
)

// Reviver returns waiting challenges whose delay window has passed to the
// queue.
type Reviver interface {
	ReviveWaiting(ctx context.Context) (int, error)
}

// ReviveWorkerConfig holds configuration for the delay revive worker.
type ReviveWorkerConfig struct {
	// Interval between revive runs.
	Interval time.Duration
}

// DefaultReviveWorkerConfig returns sensible defaults.
func DefaultReviveWorkerConfig() ReviveWorkerConfig {
	return ReviveWorkerConfig{
		Interval: config.DelayReviveInterval,
	}
}

// ReviveWorker re-queues waiting challenges on a timer. The assignment path
// also revives opportunistically, but an idle fleet with no polling runners
// would otherwise leave challenges stuck in waiting.
type ReviveWorker struct {
	scheduler Reviver
	config    ReviveWorkerConfig
	logger    *slog.Logger
	stopCh    chan struct{}
}

// NewReviveWorker creates a new delay revive worker.
func NewReviveWorker(scheduler Reviver, cfg ReviveWorkerConfig, logger *slog.Logger) *ReviveWorker {
	return &ReviveWorker{
		scheduler: scheduler,
		config:    cfg,
		logger:    logger.With("component", "revive_worker"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the revive worker in a goroutine.
func (w *ReviveWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker to stop.
func (w *ReviveWorker) Stop() {
	close(w.stopCh)
}

func (w *ReviveWorker) run(ctx context.Context) {
	w.logger.Info("revive worker started", "interval", w.config.Interval)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("revive worker stopping (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("revive worker stopping (stop signal)")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *ReviveWorker) runOnce(ctx context.Context) {
	revived, err := w.scheduler.ReviveWaiting(ctx)
	if err != nil {
		w.logger.Error("delay revive failed", "error", err)
		return
	}
	if revived > 0 {
		w.logger.Debug("challenges revived", "count", revived)
	}
}
