package core

import (
	"context"
	"time"
)

// Run drives the core until ctx is cancelled or Stop is called. Commands,
// adapter callbacks and timers are all applied on this goroutine.
func (c *Core) Run(ctx context.Context) error {
	c.runCtx = ctx
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return nil
		case <-c.queue.Notify():
			c.drainCommands()
		case fn := <-c.callbacks:
			c.guard("adapter callback", fn)
		case <-ticker.C:
			c.runTimers(c.clock.Now())
		}
	}
}

func (c *Core) Stop() { c.stopOnce.Do(func() { close(c.stop) }) }

// Step applies everything pending at the clock's current time: queued
// commands, adapter callbacks and due timers. Callers must not run Step
// concurrently with Run.
func (c *Core) Step() {
	c.drainCommands()
	for drained := false; !drained; {
		select {
		case fn := <-c.callbacks:
			c.guard("adapter callback", fn)
		default:
			drained = true
		}
	}
	c.runTimers(c.clock.Now())
}

func (c *Core) drainCommands() {
	for _, it := range c.queue.Drain(0) {
		c.handle(it)
	}
}

func (c *Core) runTimers(now time.Time) int {
	return c.sched.RunDue(now, func(fn func()) { c.guard("timer", fn) })
}
