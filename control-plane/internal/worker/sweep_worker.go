// Package worker provides background workers for the control plane.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/fieldsignal/rf-range/control-plane/internal/config"
)

// Sweeper marks stale agents offline and releases their work.
type Sweeper interface {
	SweepOffline(ctx context.Context, now time.Time) (int, error)
}

// SweepWorkerConfig holds configuration for the offline sweep worker.
type SweepWorkerConfig struct {
	// Interval between sweep runs.
	Interval time.Duration
}

// DefaultSweepWorkerConfig returns sensible defaults.
func DefaultSweepWorkerConfig() SweepWorkerConfig {
	return SweepWorkerConfig{
		Interval: config.OfflineSweepInterval,
	}
}

// SweepWorker periodically flips agents with stale heartbeats to offline.
// Liveness is evaluated only here: nothing in the request path marks an
// agent offline.
type SweepWorker struct {
	registry Sweeper
	config   SweepWorkerConfig
	logger   *slog.Logger
	stopCh   chan struct{}
}

// NewSweepWorker creates a new offline sweep worker.
func NewSweepWorker(registry Sweeper, cfg SweepWorkerConfig, logger *slog.Logger) *SweepWorker {
	return &SweepWorker{
		registry: registry,
		config:   cfg,
		logger:   logger.With("component", "sweep_worker"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sweep worker in a goroutine.
func (w *SweepWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the worker to stop.
func (w *SweepWorker) Stop() {
	close(w.stopCh)
}

func (w *SweepWorker) run(ctx context.Context) {
	w.logger.Info("sweep worker started", "interval", w.config.Interval)

	w.runOnce(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("sweep worker stopping (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("sweep worker stopping (stop signal)")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *SweepWorker) runOnce(ctx context.Context) {
	swept, err := w.registry.SweepOffline(ctx, time.Now())
	if err != nil {
		w.logger.Error("offline sweep failed", "error", err)
		return
	}
	if swept > 0 {
		w.logger.Info("offline sweep complete", "agents_swept", swept)
	}
}
