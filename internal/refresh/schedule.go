package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Run refreshes on the configured interval until ctx is done. With RunOnStart the
// first refresh happens immediately. Rejected and failed runs are logged; the next
// tick tries again.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.runOnStart {
		c.runScheduled(ctx, TriggerStartup)
	}

	c.setNextRun()
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			c.setNextRun()
			c.runScheduled(ctx, TriggerScheduled)
		}
	}
}

func (c *Coordinator) runScheduled(ctx context.Context, trigger Trigger) {
	_, err := c.Trigger(ctx, trigger)
	switch {
	case err == nil, errors.Is(err, ErrRefreshInProgress):
	case errors.Is(err, ErrStopped):
		c.logger.Debug("Scheduled refresh skipped, coordinator stopped")
	default:
		// Already logged by the run; kept here for the scheduler's view.
		c.logger.Debug("Scheduled refresh failed", zap.String("kind", ErrorKind(err)))
	}
}

func (c *Coordinator) setNextRun() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.nextRun = c.clock.Now().Add(c.interval)
}

// Start runs the scheduler in the background. Call Stop to end it.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.schedCancel != nil {
		return errors.New("refresh scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.schedCancel = cancel
	c.schedDone = done

	c.logger.Info("Refresh scheduler started",
		zap.Duration("interval", c.interval),
		zap.Bool("runOnStart", c.runOnStart),
	)
	go func() {
		defer close(done)
		_ = c.Run(schedCtx)
	}()
	return nil
}

// Stop rejects new triggers, stops the scheduler and waits up to the shutdown grace
// (or ctx) for an in-flight refresh. Past the grace the refresh is abandoned: its
// retry waits end and ErrShutdownGraceExceeded is returned. The atomic rename keeps
// the file consistent either way.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel, schedDone, done := c.schedCancel, c.schedDone, c.done
	c.nextRun = time.Time{}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	timer := c.clock.NewTimer(c.grace)
	defer timer.Stop()

	for _, ch := range []chan struct{}{done, schedDone} {
		if ch == nil {
			continue
		}
		select {
		case <-ch:
		case <-timer.Chan():
			c.abandon()
			c.logger.Warn("Abandoning in-flight refresh", zap.Duration("grace", c.grace))
			return fmt.Errorf("%w (%s)", ErrShutdownGraceExceeded, c.grace)
		case <-ctx.Done():
			c.abandon()
			return ctx.Err()
		}
	}
	c.logger.Info("Refresh scheduler stopped")
	return nil
}

func (c *Coordinator) abandon() {
	c.quitOnce.Do(func() { close(c.quit) })
}
