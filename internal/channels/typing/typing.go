// Package typing implements a keepalive-driven typing indicator controller
// shared by channel plugins whose platform typing signal expires after a
// few seconds (Telegram ~5s, Discord ~10s) and must be refreshed while a run
// is in flight, but never indefinitely if the run hangs.
package typing

import (
	"log/slog"
	"sync"
	"time"
)

// Options configures a Controller.
type Options struct {
	// MaxDuration is the hard TTL after which the controller stops itself
	// even if Stop was never called, so a stuck run can't leave a typing
	// indicator on forever.
	MaxDuration time.Duration
	// KeepaliveInterval is how often StartFn is re-invoked to refresh the
	// platform's typing signal before it expires.
	KeepaliveInterval time.Duration
	// StartFn sends one typing-indicator request to the channel.
	StartFn func() error
}

// Controller drives one typing indicator's keepalive loop.
type Controller struct {
	opts   Options
	stop   chan struct{}
	once   sync.Once
	stopWg sync.WaitGroup
}

// New creates a Controller. Call Start to begin sending the indicator.
func New(opts Options) *Controller {
	return &Controller{opts: opts, stop: make(chan struct{})}
}

// Start fires the first typing request immediately, then keeps refreshing it
// on KeepaliveInterval until Stop is called or MaxDuration elapses.
func (c *Controller) Start() {
	if c.opts.StartFn == nil {
		return
	}
	if err := c.opts.StartFn(); err != nil {
		slog.Debug("typing: initial send failed", "error", err)
	}

	interval := c.opts.KeepaliveInterval
	if interval <= 0 {
		interval = 4 * time.Second
	}
	maxDuration := c.opts.MaxDuration
	if maxDuration <= 0 {
		maxDuration = 60 * time.Second
	}

	c.stopWg.Add(1)
	go func() {
		defer c.stopWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		deadline := time.After(maxDuration)
		for {
			select {
			case <-c.stop:
				return
			case <-deadline:
				return
			case <-ticker.C:
				if err := c.opts.StartFn(); err != nil {
					slog.Debug("typing: keepalive send failed", "error", err)
				}
			}
		}
	}()
}

// Stop ends the keepalive loop. Idempotent and safe to call multiple times
// or concurrently with Start's goroutine still running.
func (c *Controller) Stop() {
	c.once.Do(func() { close(c.stop) })
}
