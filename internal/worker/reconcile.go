package worker

import (
	"context"
	"time"

	"depscan-service/internal/config"
	"depscan-service/internal/logger"
	"depscan-service/internal/reconcile"

	"github.com/rs/zerolog"
)

// ReconcileWorker runs the reconciliation sweep on a fixed interval. A sweep
// always runs to completion; the next tick is not skipped while one is in
// flight because sweeps are serialized on this single goroutine.
type ReconcileWorker struct {
	cfg     *config.Config
	service *reconcile.Service
	ticker  *time.Ticker
	log     zerolog.Logger
}

func NewReconcileWorker(cfg *config.Config, service *reconcile.Service) *ReconcileWorker {
	return &ReconcileWorker{
		cfg:     cfg,
		service: service,
		log:     logger.Get(),
	}
}

func (w *ReconcileWorker) Start(ctx context.Context) error {
	interval := w.cfg.Workers.Reconcile.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	w.log.Info().Dur("interval", interval).Msg("Starting reconcile worker")

	if w.cfg.Workers.Reconcile.RunOnStart {
		w.log.Info().Msg("Running initial sweep on startup")
		if err := w.service.Sweep(ctx); err != nil {
			w.log.Error().Err(err).Msg("Initial sweep failed")
		}
	}

	w.ticker = time.NewTicker(interval)

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Reconcile worker context cancelled")
			return ctx.Err()
		case <-w.ticker.C:
			start := time.Now()
			if err := w.service.Sweep(ctx); err != nil {
				w.log.Error().Err(err).Msg("Sweep failed")
				continue
			}
			w.log.Debug().Dur("duration", time.Since(start)).Msg("Sweep finished")
		}
	}
}

func (w *ReconcileWorker) Stop() {
	w.log.Info().Msg("Stopping reconcile worker")
	if w.ticker != nil {
		w.ticker.Stop()
	}
}
