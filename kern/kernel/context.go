package kernel

// Context is one core's stay inside the kernel: it holds the big kernel
// lock from Enter (or EnterIRQ) until Exit.
type Context struct {
	k         *Kernel
	core      int
	irqPath   bool
	preempted bool
	done      bool
}

// Enter takes the big kernel lock for a syscall on core. While queued for
// the lock the core services remote calls addressed to it.
func (k *Kernel) Enter(core int) *Context {
	return k.enter(core, false)
}

// EnterIRQ takes the big kernel lock for an interrupt on core.
func (k *Kernel) EnterIRQ(core int) *Context {
	return k.enter(core, true)
}

func (k *Kernel) enter(core int, irqPath bool) *Context {
	k.lock.Acquire(core, irqPath)
	c := &Context{k: k, core: core, irqPath: irqPath}
	n := &k.nodes[core]
	if n.stalled {
		n.stalled = false
		c.preempted = true
	}
	return c
}

// Core returns the core this context runs on.
func (c *Context) Core() int { return c.core }

// Kernel returns the kernel this context holds.
func (c *Context) Kernel() *Kernel { return c.k }

// Preempted reports whether the core was stalled while it waited for the
// lock. The syscall that entered must not be carried out; its thread will
// re-issue it when it runs again. Exit is still required.
func (c *Context) Preempted() bool { return c.preempted }

// Current returns the thread the core is running, possibly its idle thread.
func (c *Context) Current() *TCB {
	return &c.k.tcbs[c.k.nodes[c.core].cur]
}

// Exit runs the scheduler, prepares the chosen thread to resume, and releases
// the big kernel lock. It returns the thread the core returns to.
func (c *Context) Exit() ThreadID {
	if c.done {
		panic("kernel: context exited twice")
	}
	c.done = true
	k := c.k
	k.schedule(c.core)
	k.activateThread(c.core)
	cur := k.nodes[c.core].cur
	k.lock.Release(c.core)
	return cur
}
