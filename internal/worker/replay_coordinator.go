package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/offsync/internal/basestate"
	"github.com/hyperengineering/offsync/internal/network"
	"github.com/hyperengineering/offsync/internal/queue"
)

// Replayer is the pipeline surface the coordinator drives.
type Replayer interface {
	SetOnline(online bool)
	Online() bool
	Drain(ctx context.Context) (queue.DrainReport, error)
}

// ReplayCoordinator restores persisted state once at startup, then drains
// the offline queue whenever the network monitor reports the backend online.
type ReplayCoordinator struct {
	base     *basestate.Store
	queue    *queue.Queue
	replayer Replayer
	monitor  network.Monitor
	interval time.Duration

	trigger chan struct{}
}

// NewReplayCoordinator creates a coordinator. A positive interval also
// re-drains a non-empty queue periodically while online, which retries
// entries that failed at the network without a status flip.
func NewReplayCoordinator(
	base *basestate.Store,
	q *queue.Queue,
	replayer Replayer,
	monitor network.Monitor,
	interval time.Duration,
) *ReplayCoordinator {
	return &ReplayCoordinator{
		base:     base,
		queue:    q,
		replayer: replayer,
		monitor:  monitor,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Run restores, applies the initial network status and then serves drain
// requests until ctx is cancelled. Drains run on this goroutine only, so at
// most one is ever active from here.
func (c *ReplayCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "replay-coordinator",
		"action", "worker_started",
	)

	c.restore(ctx)

	cancel := c.monitor.OnStatusChange(c.statusChanged)
	defer cancel()

	online := !c.monitor.IsOffline(ctx)
	c.replayer.SetOnline(online)
	if online {
		c.drain(ctx, "startup")
	}

	var tick <-chan time.Time
	if c.interval > 0 {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "replay-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-c.trigger:
			c.drain(ctx, "online")
		case <-tick:
			if c.replayer.Online() && c.queue.Len() > 0 {
				c.drain(ctx, "retry")
			}
		}
	}
}

// Trigger requests a drain. Requests made while one is pending collapse.
func (c *ReplayCoordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *ReplayCoordinator) statusChanged(online bool) {
	c.replayer.SetOnline(online)
	if online {
		c.Trigger()
	}
}

// restore reloads base state before the queue so replayed entries find their
// ancestors. Failures are logged and startup continues with what was loaded.
func (c *ReplayCoordinator) restore(ctx context.Context) {
	snapshots, err := c.base.Restore(ctx)
	if err != nil {
		slog.Error("base state restore failed",
			"component", "worker",
			"worker", "replay-coordinator",
			"action", "restore_failed",
			"error", err,
		)
	}

	report, err := c.queue.Restore(ctx)
	if err != nil {
		slog.Error("queue restore failed",
			"component", "worker",
			"worker", "replay-coordinator",
			"action", "restore_failed",
			"error", err,
		)
		return
	}

	slog.Info("offline state restored",
		"component", "worker",
		"worker", "replay-coordinator",
		"action", "restore_complete",
		"base_states", snapshots,
		"entries", report.Restored,
		"missing", report.Missing,
		"orphans", report.Orphans,
	)
}

func (c *ReplayCoordinator) drain(ctx context.Context, reason string) {
	report, err := c.replayer.Drain(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("drain failed",
			"component", "worker",
			"worker", "replay-coordinator",
			"action", "drain_failed",
			"reason", reason,
			"error", err,
		)
		return
	}
	if report.Skipped || report.Forwarded() == 0 {
		return
	}
	slog.Info("drain cycle completed",
		"component", "worker",
		"worker", "replay-coordinator",
		"action", "cycle_complete",
		"reason", reason,
		"forwarded", report.Forwarded(),
		"remaining", report.Remaining,
	)
}
