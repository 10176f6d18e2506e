package syncer

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultInterval is the time between the starts of two monitor cycles.
const DefaultInterval = 300 * time.Second

// Cycler runs one synchronization cycle.
type Cycler interface {
	Sync(ctx context.Context) (Report, error)
}

// CycleResult is handed to MonitorOptions.OnCycle after every cycle.
type CycleResult struct {
	Number   int
	Report   Report
	Err      error
	Duration time.Duration
}

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	Interval     time.Duration     // Time between cycle starts; zero selects DefaultInterval
	MaxCycles    int               // Stop after this many cycles; zero or less runs until cancelled
	CycleTimeout time.Duration     // Upper bound for one cycle; zero means no bound
	Wake         <-chan struct{}   // Optional signal that starts the next cycle early
	OnCycle      func(CycleResult) // Optional observer
}

// Monitor repeats the sync cycle on a fixed interval.
type Monitor struct {
	logger *slog.Logger
	cycler Cycler
	opts   MonitorOptions
}

// NewMonitor creates a Monitor.
func NewMonitor(logger *slog.Logger, cycler Cycler, opts MonitorOptions) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Monitor{logger: logger, cycler: cycler, opts: opts}
}

// Run executes cycles until ctx is cancelled, MaxCycles is reached, or a
// credential error occurs. A failing cycle is logged and the loop continues.
// Cancellation never interrupts a cycle in flight: the cycle finishes and
// persists its state, then Run returns ctx.Err().
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Starting monitor.", "interval", m.opts.Interval)

	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			m.logger.Info("Monitor stopping.", "reason", err)
			return err
		}

		started := time.Now()
		report, err := m.runCycle(ctx)
		result := CycleResult{Number: n, Report: report, Err: err, Duration: time.Since(started)}
		if m.opts.OnCycle != nil {
			m.opts.OnCycle(result)
		}

		switch {
		case errors.Is(err, ErrCredentials):
			m.logger.Error("Monitor stopping on credential error", "cycle", n, "error", err)
			return err
		case err != nil:
			m.logger.Error("Sync cycle failed", "cycle", n, "error", err)
		default:
			m.logger.Debug("Sync cycle completed.", "cycle", n, "duration", result.Duration)
		}

		if m.opts.MaxCycles > 0 && n >= m.opts.MaxCycles {
			return nil
		}

		wait := m.opts.Interval - time.Since(started)
		if err := m.sleep(ctx, wait); err != nil {
			m.logger.Info("Monitor stopping.", "reason", err)
			return err
		}
	}
}

func (m *Monitor) runCycle(ctx context.Context) (Report, error) {
	cycleCtx := context.WithoutCancel(ctx)
	if m.opts.CycleTimeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(cycleCtx, m.opts.CycleTimeout)
		defer cancel()
	}
	return m.cycler.Sync(cycleCtx)
}

// sleep waits for delay, returning early on cancellation or a wake signal.
func (m *Monitor) sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case _, ok := <-m.opts.Wake:
			if !ok {
				m.opts.Wake = nil
				continue
			}
			m.logger.Info("Source changed, starting next cycle early.")
			return nil
		}
	}
}
