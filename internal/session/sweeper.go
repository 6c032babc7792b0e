package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sweeper periodically expires idle sessions and redeems their
// deposits. It stops itself once no active sessions remain and is
// restarted by the next open.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewSweeper creates an idle-session sweeper.
func NewSweeper(service *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (sw *Sweeper) Running() bool {
	return sw.running.Load()
}

// EnsureRunning starts the sweep loop if it is not already running.
// Safe to call on every session open.
func (sw *Sweeper) EnsureRunning() {
	if sw.running.CompareAndSwap(false, true) {
		go sw.loop()
	}
}

// Stop shuts the sweeper down permanently. Safe to call more than once;
// a loop busy in a sweep pass observes the stop on its next iteration.
func (sw *Sweeper) Stop() {
	sw.stopOnce.Do(func() { close(sw.stop) })
}

func (sw *Sweeper) loop() {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sw.stop:
			sw.running.Store(false)
			return
		case <-ticker.C:
			if done := sw.safeSweep(); !done {
				continue
			}
			// Clear running before rechecking so an Open racing the
			// wind-down either sees false and starts a fresh loop, or is
			// caught by the recount below and this loop carries on.
			sw.running.Store(false)
			if n, err := sw.service.ActiveCount(context.Background()); err == nil && n > 0 {
				if sw.running.CompareAndSwap(false, true) {
					continue
				}
				// A concurrent open already took over.
			}
			return
		}
	}
}

// safeSweep runs one sweep pass. Returns true when no active sessions
// remain and the loop should exit.
func (sw *Sweeper) safeSweep() (done bool) {
	defer func() {
		if r := recover(); r != nil {
			sw.logger.Error("panic in session sweeper", "panic", fmt.Sprint(r))
		}
	}()

	ctx := context.Background()

	expired, err := sw.service.SweepIdle(ctx)
	if err != nil {
		sw.logger.Warn("idle sweep failed", "error", err)
		return false
	}
	if expired > 0 {
		sw.logger.Info("idle sweep complete", "expired", expired)
	}

	active, err := sw.service.ActiveCount(ctx)
	if err != nil {
		sw.logger.Warn("failed to count active sessions", "error", err)
		return false
	}
	return active == 0
}
