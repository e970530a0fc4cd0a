package kernel

import "kcore/kern/smp"

// suspend stops t wherever it is. Suspending an inactive thread changes
// nothing.
func (k *Kernel) suspend(core int, t *TCB) {
	k.cancelIPC(core, t)
	if t.state == ThreadRunning {
		t.Regs.FaultIP = t.Regs.IP
	}
	k.setThreadState(core, t, ThreadInactive)
	k.schedDequeue(t)
	k.dropAction(t)
}

// restart makes a stopped thread runnable again from its restart IP.
func (k *Kernel) restart(core int, t *TCB) {
	if !t.state.Stopped() {
		return
	}
	k.cancelIPC(core, t)
	k.setThreadState(core, t, ThreadRestart)
	k.schedEnqueue(core, t)
	k.possibleSwitchTo(core, t)
}

// dropAction withdraws t as a pending switch target of any core.
func (k *Kernel) dropAction(t *TCB) {
	for i := range k.nodes {
		n := &k.nodes[i]
		if n.action.kind == actionSwitchTo && n.action.target == t.id {
			n.action = schedAction{kind: actionChooseNew}
		}
	}
}

func (k *Kernel) setPriority(core int, t *TCB, prio uint8) {
	k.schedDequeue(t)
	t.priority = prio

	switch t.state {
	case ThreadRunning, ThreadRestart:
		if k.isCurrent(t) {
			k.rescheduleRequired(core)
		} else {
			k.possibleSwitchTo(core, t)
		}
	case ThreadBlockedOnSend, ThreadBlockedOnReceive:
		if k.cfg.PriorityOrderedIPC {
			k.reorderEndpoint(&k.eps[t.blocking.object], t)
		}
	case ThreadBlockedOnNotification:
		if k.cfg.PriorityOrderedIPC {
			k.reorderNotification(&k.ntfns[t.blocking.object], t)
		}
	}
}

func (k *Kernel) setDomain(core int, t *TCB, dom uint8) {
	k.schedDequeue(t)
	t.domain = dom
	if k.schedulable(t) {
		k.schedEnqueue(core, t)
	}
	if k.isCurrent(t) {
		k.rescheduleRequired(core)
	}
}

// setAffinity moves t to the ready bank of dest. A thread owning its core's
// FPU gives it up first.
func (k *Kernel) setAffinity(core int, t *TCB, dest int) {
	k.schedDequeue(t)
	wasCurrent := k.isCurrent(t)

	if old := t.affinity; old != dest && k.nodes[old].fpuOwner == t.id {
		k.switchFPUOwner(core, NoThread, old)
	}
	t.affinity = dest

	if k.schedulable(t) {
		k.schedAppend(core, t)
	}
	if wasCurrent {
		k.rescheduleRequired(core)
	}
}

// remoteStall makes sure t is not executing on another core: if it is that
// core's current thread, the core is stalled and switches to idle. The
// stalled core gets a reschedule IPI when this entry exits.
func (k *Kernel) remoteStall(core int, t *TCB) {
	if t.affinity == core || k.nodes[t.affinity].cur != t.id {
		return
	}
	k.remote.Do(core, smp.Call{Kind: smp.CallStall}, 1<<uint(t.affinity))
	k.nodes[core].ipiReschedulePending |= 1 << uint(t.affinity)
}

// switchFPUOwner installs owner as the FPU owner of target, locally or by
// remote call.
func (k *Kernel) switchFPUOwner(core int, owner ThreadID, target int) {
	if target == core {
		k.switchLocalFPUOwner(core, owner)
		return
	}
	k.remote.Do(core, smp.Call{Kind: smp.CallSwitchFPUOwner, Args: [3]uint64{uint64(owner)}}, 1<<uint(target))
}

func (k *Kernel) switchLocalFPUOwner(core int, owner ThreadID) {
	n := &k.nodes[core]
	if n.fpuOwner == owner {
		return
	}
	n.fpuOwner = owner
	n.stats.FPUSwitches++
}

// FPUOwner returns the thread whose state is loaded in core's FPU.
func (k *Kernel) FPUOwner(core int) ThreadID {
	return k.nodes[core].fpuOwner
}
