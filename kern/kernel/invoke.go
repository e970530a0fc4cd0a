package kernel

import (
	"fmt"

	"kcore/kern/smp"
)

// Thread invocations. A target running on another core is stalled first so
// that it is not executing while it is modified.

func (c *Context) target(id ThreadID) (*TCB, error) {
	t, err := c.k.userThread(id)
	if err != nil {
		return nil, err
	}
	c.k.remoteStall(c.core, t)
	return t, nil
}

// InvokeSuspend stops a thread. Suspending an inactive thread is a no-op.
func (c *Context) InvokeSuspend(id ThreadID) error {
	t, err := c.target(id)
	if err != nil {
		return fmt.Errorf("suspend: %w", err)
	}
	c.k.suspend(c.core, t)
	return nil
}

// InvokeResume restarts a stopped thread. Resuming a runnable thread is a
// no-op.
func (c *Context) InvokeResume(id ThreadID) error {
	t, err := c.target(id)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	c.k.restart(c.core, t)
	return nil
}

// InvokeSetPriority sets the priority of id. authority's MCP bounds the new
// priority.
func (c *Context) InvokeSetPriority(authority, id ThreadID, prio uint8) error {
	auth, err := c.k.userThread(authority)
	if err != nil {
		return fmt.Errorf("set priority: authority: %w", err)
	}
	if int(prio) >= c.k.cfg.Priorities || prio > auth.mcp {
		return fmt.Errorf("set priority %d (mcp %d): %w", prio, auth.mcp, ErrRange)
	}
	t, err := c.target(id)
	if err != nil {
		return fmt.Errorf("set priority: %w", err)
	}
	c.k.setPriority(c.core, t, prio)
	return nil
}

// InvokeSetMCP sets the maximum controlled priority of id, bounded by
// authority's own.
func (c *Context) InvokeSetMCP(authority, id ThreadID, mcp uint8) error {
	auth, err := c.k.userThread(authority)
	if err != nil {
		return fmt.Errorf("set mcp: authority: %w", err)
	}
	if int(mcp) >= c.k.cfg.Priorities || mcp > auth.mcp {
		return fmt.Errorf("set mcp %d (mcp %d): %w", mcp, auth.mcp, ErrRange)
	}
	t, err := c.target(id)
	if err != nil {
		return fmt.Errorf("set mcp: %w", err)
	}
	t.mcp = mcp
	return nil
}

// InvokeSetDomain moves id to another scheduling domain.
func (c *Context) InvokeSetDomain(id ThreadID, dom uint8) error {
	if int(dom) >= c.k.cfg.Domains {
		return fmt.Errorf("set domain %d: %w", dom, ErrRange)
	}
	t, err := c.target(id)
	if err != nil {
		return fmt.Errorf("set domain: %w", err)
	}
	c.k.setDomain(c.core, t, dom)
	return nil
}

// InvokeSetAffinity moves id to another core.
func (c *Context) InvokeSetAffinity(id ThreadID, core int) error {
	if core < 0 || core >= c.k.cfg.Cores {
		return fmt.Errorf("set affinity %d: %w", core, ErrRange)
	}
	t, err := c.target(id)
	if err != nil {
		return fmt.Errorf("set affinity: %w", err)
	}
	c.k.setAffinity(c.core, t, core)
	return nil
}

// InvokeBindNotification binds ntfn to id for delivery while id waits on an
// endpoint.
func (c *Context) InvokeBindNotification(id ThreadID, ntfn NotificationID) error {
	n := c.k.Notification(ntfn)
	if n == nil {
		return fmt.Errorf("bind notification %d: %w", ntfn, ErrInvalidCapability)
	}
	t, err := c.target(id)
	if err != nil {
		return fmt.Errorf("bind notification: %w", err)
	}
	return c.k.bindNotification(t, n)
}

// InvokeUnbindNotification clears id's bound notification.
func (c *Context) InvokeUnbindNotification(id ThreadID) error {
	t, err := c.target(id)
	if err != nil {
		return fmt.Errorf("unbind notification: %w", err)
	}
	return c.k.unbindNotification(t)
}

// IPC. These act on behalf of the core's current thread.

func (c *Context) caller(op string) (*TCB, error) {
	t := c.Current()
	if t.idle {
		return nil, fmt.Errorf("%s: core %d is idle: %w", op, c.core, ErrIllegalOperation)
	}
	if t.state != ThreadRunning {
		return nil, fmt.Errorf("%s: thread %d is %s: %w", op, t.id, t.state, ErrIllegalOperation)
	}
	return t, nil
}

// SendIPC sends the current thread's message on ep.
func (c *Context) SendIPC(ep EndpointID, a SendArgs) error {
	e := c.k.Endpoint(ep)
	if e == nil {
		return fmt.Errorf("send: endpoint %d: %w", ep, ErrInvalidCapability)
	}
	t, err := c.caller("send")
	if err != nil {
		return err
	}
	c.k.sendIPC(c.core, e, t, a)
	return nil
}

// ReceiveIPC receives on ep into the current thread, dropping any reply it
// still holds.
func (c *Context) ReceiveIPC(ep EndpointID, a RecvArgs) error {
	e := c.k.Endpoint(ep)
	if e == nil {
		return fmt.Errorf("receive: endpoint %d: %w", ep, ErrInvalidCapability)
	}
	t, err := c.caller("receive")
	if err != nil {
		return err
	}
	c.k.deleteCallerCap(t)
	c.k.receiveIPC(c.core, e, t, a)
	return nil
}

// Reply answers the caller the current thread holds.
func (c *Context) Reply() error {
	t, err := c.caller("reply")
	if err != nil {
		return err
	}
	return c.k.reply(c.core, t)
}

// ReplyRecv replies to the held caller, if any, and then receives on ep.
func (c *Context) ReplyRecv(ep EndpointID, a RecvArgs) error {
	e := c.k.Endpoint(ep)
	if e == nil {
		return fmt.Errorf("reply-recv: endpoint %d: %w", ep, ErrInvalidCapability)
	}
	t, err := c.caller("reply-recv")
	if err != nil {
		return err
	}
	if t.caller != NoThread {
		c.k.doReplyTransfer(c.core, t, &c.k.tcbs[t.caller], t.callerCanGrant)
	}
	c.k.receiveIPC(c.core, e, t, a)
	return nil
}

// SendSignal signals ntfn with badge.
func (c *Context) SendSignal(ntfn NotificationID, badge uint64) error {
	n := c.k.Notification(ntfn)
	if n == nil {
		return fmt.Errorf("signal: notification %d: %w", ntfn, ErrInvalidCapability)
	}
	c.k.sendSignal(c.core, n, badge)
	return nil
}

// ReceiveSignal waits on ntfn, or polls it when block is false. Only the
// bound thread may wait on a bound notification.
func (c *Context) ReceiveSignal(ntfn NotificationID, block bool) error {
	n := c.k.Notification(ntfn)
	if n == nil {
		return fmt.Errorf("wait: notification %d: %w", ntfn, ErrInvalidCapability)
	}
	t, err := c.caller("wait")
	if err != nil {
		return err
	}
	if n.bound != NoThread && n.bound != t.id {
		return fmt.Errorf("wait: notification %d bound to thread %d: %w", ntfn, n.bound, ErrIllegalOperation)
	}
	c.k.receiveSignal(c.core, n, t, block)
	return nil
}

// Yield rotates the current thread behind its equal-priority peers.
func (c *Context) Yield() {
	c.k.yield(c.core)
}

// HandleFault delivers a fault raised by the current thread to its handler.
func (c *Context) HandleFault(f Fault) error {
	t, err := c.caller("fault")
	if err != nil {
		return err
	}
	if f.Kind == FaultNone {
		return fmt.Errorf("fault: %w", ErrIllegalOperation)
	}
	c.k.handleFault(c.core, t, f)
	return nil
}

// CancelIPC unblocks id from whatever it waits on and leaves it inactive.
// A runnable thread is not affected.
func (c *Context) CancelIPC(id ThreadID) error {
	t, err := c.k.userThread(id)
	if err != nil {
		return fmt.Errorf("cancel ipc: %w", err)
	}
	c.k.cancelIPC(c.core, t)
	if t.state == ThreadBlockedOnReply {
		c.k.setThreadState(c.core, t, ThreadInactive)
	}
	return nil
}

// CancelSignal removes id from ntfn's wait queue.
func (c *Context) CancelSignal(ntfn NotificationID, id ThreadID) error {
	n := c.k.Notification(ntfn)
	if n == nil {
		return fmt.Errorf("cancel signal: notification %d: %w", ntfn, ErrInvalidCapability)
	}
	t, err := c.k.userThread(id)
	if err != nil {
		return fmt.Errorf("cancel signal: %w", err)
	}
	if t.state != ThreadBlockedOnNotification || NotificationID(t.blocking.object) != ntfn {
		return fmt.Errorf("cancel signal: thread %d not waiting on %d: %w", id, ntfn, ErrIllegalOperation)
	}
	c.k.cancelSignal(c.core, t, n)
	return nil
}

// CancelAllSignals restarts every waiter of ntfn.
func (c *Context) CancelAllSignals(ntfn NotificationID) error {
	n := c.k.Notification(ntfn)
	if n == nil {
		return fmt.Errorf("cancel all signals: notification %d: %w", ntfn, ErrInvalidCapability)
	}
	c.k.cancelAllSignals(c.core, n)
	return nil
}

// CancelAllIPC restarts every waiter of ep.
func (c *Context) CancelAllIPC(ep EndpointID) error {
	e := c.k.Endpoint(ep)
	if e == nil {
		return fmt.Errorf("cancel all ipc: endpoint %d: %w", ep, ErrInvalidCapability)
	}
	c.k.cancelAllIPC(c.core, e)
	return nil
}

// CancelBadgedSends restarts the senders on ep carrying badge.
func (c *Context) CancelBadgedSends(ep EndpointID, badge uint64) error {
	e := c.k.Endpoint(ep)
	if e == nil {
		return fmt.Errorf("cancel badged sends: endpoint %d: %w", ep, ErrInvalidCapability)
	}
	c.k.cancelBadgedSends(c.core, e, badge)
	return nil
}

// Interrupt-path entry points.

// TimerTick charges the running thread one tick.
func (c *Context) TimerTick() {
	c.k.timerTick(c.core)
}

// RescheduleRequired makes the core pick its thread again on Exit.
func (c *Context) RescheduleRequired() {
	c.k.rescheduleRequired(c.core)
}

// Remote-call issuers. Each runs on every core in mask, this one included.

// InvalidateTranslationSingle drops the translation of vaddr.
func (c *Context) InvalidateTranslationSingle(vaddr uint64, mask uint64) {
	c.k.remoteCall(c.core, smp.Call{Kind: smp.CallInvalidateTranslationSingle, Args: [3]uint64{vaddr}}, mask)
}

// InvalidateTranslationASID drops every translation of asid.
func (c *Context) InvalidateTranslationASID(asid uint64, mask uint64) {
	c.k.remoteCall(c.core, smp.Call{Kind: smp.CallInvalidateTranslationASID, Args: [3]uint64{asid}}, mask)
}

// InvalidateTranslationAll drops every translation.
func (c *Context) InvalidateTranslationAll(mask uint64) {
	c.k.remoteCall(c.core, smp.Call{Kind: smp.CallInvalidateTranslationAll}, mask)
}

// MaskInterrupt masks or unmasks a private interrupt of target.
func (c *Context) MaskInterrupt(target int, disable bool, irq uint64) error {
	if target < 0 || target >= c.k.cfg.Cores {
		return fmt.Errorf("mask interrupt: core %d: %w", target, ErrRange)
	}
	var d uint64
	if disable {
		d = 1
	}
	c.k.remoteCall(c.core, smp.Call{Kind: smp.CallMaskPrivateInterrupt, Args: [3]uint64{d, irq}}, 1<<uint(target))
	return nil
}

// UseFPU makes the current thread the owner of this core's FPU.
func (c *Context) UseFPU() error {
	t, err := c.caller("fpu")
	if err != nil {
		return err
	}
	c.k.switchLocalFPUOwner(c.core, t.id)
	return nil
}
