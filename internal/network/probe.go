package network

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// CheckFunc reports nil when the backend is reachable.
type CheckFunc func(ctx context.Context) error

// HTTPCheck returns a CheckFunc that GETs url. Any response below 500 counts
// as reachable.
func HTTPCheck(url string, timeout time.Duration) CheckFunc {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("health check failed: %d", resp.StatusCode)
		}
		return nil
	}
}

// Probe polls a CheckFunc on an interval.
type Probe struct {
	check    CheckFunc
	interval time.Duration
	st       *status
	logger   *slog.Logger
}

// NewProbe returns a Probe. Its state is unknown until the first check.
func NewProbe(check CheckFunc, interval time.Duration, logger *slog.Logger) *Probe {
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{
		check:    check,
		interval: interval,
		st:       newStatus(false, false),
		logger:   logger.With("component", "network", "mode", "probe"),
	}
}

// IsOffline returns the last observed state, checking synchronously when
// nothing has been observed yet.
func (p *Probe) IsOffline(ctx context.Context) bool {
	online, known := p.st.get()
	if !known {
		return !p.probe(ctx)
	}
	return !online
}

func (p *Probe) OnStatusChange(fn func(online bool)) func() {
	return p.st.subscribe(fn)
}

// Run checks immediately and then on every tick until ctx is done.
func (p *Probe) Run(ctx context.Context) {
	p.logger.Info("probe started", "interval", p.interval.String())

	p.probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("probe stopped")
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Probe) probe(ctx context.Context) bool {
	err := p.check(ctx)
	online := err == nil
	if was, known := p.st.get(); !known || was != online {
		if online {
			p.logger.Info("backend reachable", "action", "probe")
		} else {
			p.logger.Warn("backend unreachable", "action", "probe", "error", err)
		}
	}
	p.st.set(online)
	return online
}
