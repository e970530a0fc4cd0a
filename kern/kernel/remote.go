package kernel

import "kcore/kern/smp"

// HandleRemoteCall services a remote-call IPI taken by core while it was
// outside the kernel. The issuer holds the big kernel lock and waits for the
// acknowledgement, so the handler runs without taking the lock itself. It
// reports whether a call was pending; a call already serviced while the core
// spun on the lock leaves nothing to do.
func (k *Kernel) HandleRemoteCall(core int) bool {
	return k.remote.Service(core, true)
}

func (k *Kernel) handleRemoteCall(core int, call smp.Call, irqPath bool) {
	n := &k.nodes[core]
	n.stats.RemoteCalls++

	switch call.Kind {
	case smp.CallStall:
		k.stall(core, irqPath)
	case smp.CallInvalidateTranslationSingle:
		n.stats.InvalidateSingle++
		if k.cfg.Arch != nil {
			k.cfg.Arch.InvalidateTranslationSingle(core, call.Args[0])
		}
	case smp.CallInvalidateTranslationASID:
		n.stats.InvalidateASID++
		if k.cfg.Arch != nil {
			k.cfg.Arch.InvalidateTranslationASID(core, call.Args[0])
		}
	case smp.CallInvalidateTranslationAll:
		n.stats.InvalidateAll++
		if k.cfg.Arch != nil {
			k.cfg.Arch.InvalidateTranslationAll(core)
		}
	case smp.CallSwitchFPUOwner:
		k.switchLocalFPUOwner(core, ThreadID(call.Args[0]))
	case smp.CallMaskPrivateInterrupt:
		n.stats.MaskedIRQs++
		if k.cfg.Arch != nil {
			k.cfg.Arch.MaskInterrupt(core, call.Args[0] != 0, call.Args[1])
		}
	default:
		k.halt(core, n.cur, "unknown remote call "+call.Kind.String())
	}
}

// stall parks the core's current thread in its ready queue and leaves the
// core on its idle thread. A core caught waiting for the lock on a syscall
// abandons the syscall: the thread restarts at the syscall when it next runs.
func (k *Kernel) stall(core int, irqPath bool) {
	n := &k.nodes[core]
	n.stats.Stalls++
	cur := &k.tcbs[n.cur]

	if k.lock.InQueue(core) && !irqPath {
		if cur.state == ThreadRunning {
			cur.Regs.FaultIP = cur.Regs.IP
			k.setThreadState(core, cur, ThreadRestart)
		}
		n.stalled = true
	}
	if k.schedulable(cur) {
		k.schedEnqueue(core, cur)
	}
	k.switchToIdle(core)
	n.action = schedAction{kind: actionResume}
}

// remoteCall runs call on every core in mask, locally first when core is
// one of them.
func (k *Kernel) remoteCall(core int, call smp.Call, mask uint64) {
	mask &= k.allCores()
	if mask&(1<<uint(core)) != 0 {
		k.handleRemoteCall(core, call, false)
	}
	if mask&^(1<<uint(core)) == 0 {
		return
	}
	k.logf("kernel: core %d: remote call %s -> mask %#x", core, call.Kind, mask&^(1<<uint(core)))
	k.remote.Do(core, call, mask)
}

func (k *Kernel) allCores() uint64 {
	if k.cfg.Cores == 64 {
		return ^uint64(0)
	}
	return 1<<uint(k.cfg.Cores) - 1
}
