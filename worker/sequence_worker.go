package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"sequencer/engine"
	"sequencer/utils"
)

// CounterResetter zeroes per-day sender usage.
type CounterResetter interface {
	ResetDailyCounters(ctx context.Context) (int64, error)
}

// SequenceWorker triggers scheduler runs on a cron schedule
type SequenceWorker struct {
	scheduler *engine.Scheduler
	counters  CounterResetter
	spec      string
	logger    *logrus.Entry
}

func NewSequenceWorker(scheduler *engine.Scheduler, counters CounterResetter, spec string) *SequenceWorker {
	return &SequenceWorker{
		scheduler: scheduler,
		counters:  counters,
		spec:      spec,
		logger:    logrus.WithField("worker", "sequence"),
	}
}

// Start blocks until ctx is cancelled. A run still in progress when the next tick fires is not overlapped.
func (w *SequenceWorker) Start(ctx context.Context) error {
	cronLogger := cron.PrintfLogger(w.logger)
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	if _, err := c.AddFunc(w.spec, func() { w.runOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid scheduler spec %q: %w", w.spec, err)
	}
	if w.counters != nil {
		if _, err := c.AddFunc("@midnight", func() { w.resetCounters(ctx) }); err != nil {
			return err
		}
	}

	w.logger.WithField("spec", w.spec).Info("Sequence worker started")
	c.Start()

	<-ctx.Done()
	w.logger.Info("Sequence worker shutting down...")
	<-c.Stop().Done()
	return nil
}

func (w *SequenceWorker) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	summary, err := w.scheduler.RunOnce(ctx)
	if err != nil {
		utils.LogError("sequence_run_failed", err, map[string]interface{}{
			"duration": utils.FormatDuration(time.Since(start)),
		})
		return
	}
	if summary.Processed+summary.Failed+summary.Skipped > 0 {
		w.logger.WithFields(logrus.Fields{
			"processed": summary.Processed,
			"failed":    summary.Failed,
			"skipped":   summary.Skipped,
		}).Debug("Sequence tick finished")
	}
}

func (w *SequenceWorker) resetCounters(ctx context.Context) {
	n, err := w.counters.ResetDailyCounters(ctx)
	if err != nil {
		utils.LogError("daily_counter_reset_failed", err, nil)
		return
	}
	w.logger.WithField("senders", n).Info("Reset daily send counters")
}
