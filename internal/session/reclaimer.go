// ABOUTME: Background reclaimer that evicts idle sessions on a fixed period
// ABOUTME: Started and stopped explicitly by the process lifecycle

package session

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is used when no interval is configured.
const DefaultSweepInterval = time.Minute

// Reclaimer periodically sweeps a Table.
type Reclaimer struct {
	table    *Table
	interval time.Duration
	logger   *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewReclaimer creates a reclaimer for table. A non-positive interval uses
// DefaultSweepInterval.
func NewReclaimer(table *Table, interval time.Duration, logger *slog.Logger) *Reclaimer {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reclaimer{
		table:    table,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop. Calling it more than once has no effect.
func (r *Reclaimer) Start() {
	r.startOnce.Do(func() {
		go r.run()
		r.logger.Info("session reclaimer started",
			"interval", r.interval,
			"idle_timeout", r.table.IdleTimeout(),
		)
	})
}

// Stop halts the loop and waits for an in-progress sweep to finish.
func (r *Reclaimer) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		// Never started: nothing to wait for.
		r.startOnce.Do(func() { close(r.doneCh) })
		<-r.doneCh
		r.logger.Info("session reclaimer stopped")
	})
}

func (r *Reclaimer) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.table.Sweep(r.table.now()); n > 0 {
				r.logger.Info("reclaimed idle sessions", "count", n, "remaining", r.table.Len())
			}
		case <-r.stopCh:
			return
		}
	}
}
