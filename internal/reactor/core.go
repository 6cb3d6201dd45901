package reactor

import "time"

// core holds the bookkeeping every backend shares: the Completion pool,
// the timeout heap, the next-tick queue, and the count of operations the
// reactor is still waiting on. Backends embed *core and add their own
// kernel-specific submission/completion plumbing.
type core struct {
	freeCompletions *Completion
	waiting         int
	timeouts        timeoutQueue
	nextTicks       []func()
	tickCap         int
	opSeq           uint64
}

func newCore() *core {
	return &core{tickCap: 256}
}

// get returns a Completion from the pool or allocates a new one.
func (c *core) get() *Completion {
	if c.freeCompletions != nil {
		comp := c.freeCompletions
		c.freeCompletions = comp.next
		comp.next = nil
		*comp = Completion{}
		return comp
	}
	return &Completion{}
}

// put returns a terminal Completion to the pool.
func (c *core) put(comp *Completion) {
	comp.cb = nil
	comp.Buf = nil
	comp.next = c.freeCompletions
	c.freeCompletions = comp
}

func (c *core) incWaiting() { c.waiting++ }
func (c *core) decWaiting() { c.waiting-- }

// nextOpID hands out a stable, never-reused identity for a pendingOp so
// Poll's cancel closure can find its own registration by id rather than
// by pointer/address comparison.
func (c *core) nextOpID() uint64 {
	c.opSeq++
	return c.opSeq
}

func (c *core) NumWaiting() int { return c.waiting + len(c.nextTicks) }

func (c *core) Timeout(d time.Duration, cb func()) (cancel func()) {
	c.incWaiting()
	e := c.timeouts.arm(d, func() {
		c.decWaiting()
		cb()
	}, time.Now())
	return func() {
		if e.index < 0 {
			return // already fired or cancelled
		}
		c.timeouts.cancel(e)
		c.decWaiting()
	}
}

func (c *core) NextTick(cb func()) {
	c.nextTicks = append(c.nextTicks, cb)
}

// drainNextTicks runs and clears every queued next-tick callback. Called
// once at the start of each Tick, matching spec.md §4.1's next_tick
// semantics ("fires at the start of the next event loop iteration").
func (c *core) drainNextTicks() {
	if len(c.nextTicks) == 0 {
		return
	}
	batch := c.nextTicks
	c.nextTicks = nil
	for _, cb := range batch {
		cb()
	}
}

// waitDuration computes how long a blocking tick should wait in the
// kernel: 0 if there's a due timeout already, otherwise the time to the
// next deadline, or -1 (wait indefinitely) if no timeouts are armed and
// block was requested with other work still pending.
func (c *core) waitDuration(block bool) time.Duration {
	now := time.Now()
	d := c.timeouts.nextDeadline(now)
	if !block {
		return 0
	}
	if d < 0 {
		return -1
	}
	return d
}
