package kernel

// The scheduler functions take the executing core: the core holding the big
// kernel lock, or the target of a remote call its issuer is waiting on.

func (k *Kernel) readyQueue(t *TCB) (*readyQueues, *tcbQueue) {
	r := &k.nodes[t.affinity].ready
	return r, r.queue(t.domain, t.priority)
}

// schedEnqueue puts t at the head of its ready queue.
func (k *Kernel) schedEnqueue(core int, t *TCB) {
	if t.idle {
		k.halt(core, t.id, "enqueue of idle thread")
	}
	if !t.queued {
		r, q := k.readyQueue(t)
		if q.empty() {
			r.addToBitmap(t.domain, t.priority)
		}
		k.schedPrepend(q, t)
		t.queued = true
	}
	k.updateQueue(core, t)
}

// schedAppend puts t at the tail of its ready queue.
func (k *Kernel) schedAppend(core int, t *TCB) {
	if t.idle {
		k.halt(core, t.id, "append of idle thread")
	}
	if !t.queued {
		r, q := k.readyQueue(t)
		if q.empty() {
			r.addToBitmap(t.domain, t.priority)
		}
		k.schedLinkTail(q, t)
		t.queued = true
	}
	k.updateQueue(core, t)
}

func (k *Kernel) schedDequeue(t *TCB) {
	if !t.queued {
		return
	}
	r, q := k.readyQueue(t)
	k.schedUnlink(q, t)
	t.queued = false
	if q.empty() {
		r.removeFromBitmap(t.domain, t.priority)
	}
}

// updateQueue asks t's core to reschedule when t landed in another core's
// bank and beats what that core is running.
func (k *Kernel) updateQueue(core int, t *TCB) {
	if t.affinity == core || t.domain != k.curDomain {
		return
	}
	target := &k.nodes[t.affinity]
	if target.cur == target.idle || t.priority > k.tcbs[target.cur].priority {
		k.nodes[core].ipiReschedulePending |= 1 << uint(t.affinity)
	}
}

func (k *Kernel) rescheduleRequired(core int) {
	n := &k.nodes[core]
	if n.action.kind == actionSwitchTo {
		k.schedEnqueue(core, &k.tcbs[n.action.target])
	}
	n.action = schedAction{kind: actionChooseNew}
}

// possibleSwitchTo makes a newly runnable t a candidate. It is switched to
// directly only when it lives on this core in the current domain and no
// other decision is pending; otherwise it waits in its ready queue.
func (k *Kernel) possibleSwitchTo(core int, t *TCB) {
	n := &k.nodes[core]
	switch {
	case t.domain != k.curDomain || t.affinity != core:
		k.schedEnqueue(core, t)
	case n.action.kind != actionResume:
		k.rescheduleRequired(core)
		k.schedEnqueue(core, t)
	default:
		n.action = schedAction{kind: actionSwitchTo, target: t.id}
	}
}

// scheduleTCB forces a reschedule when the current thread stops being
// runnable.
func (k *Kernel) scheduleTCB(core int, t *TCB) {
	n := &k.nodes[core]
	if n.cur == t.id && n.action.kind == actionResume && !k.schedulable(t) {
		k.rescheduleRequired(core)
	}
}

func (k *Kernel) setThreadState(core int, t *TCB, s ThreadState) {
	t.state = s
	k.scheduleTCB(core, t)
}

// schedule settles the core's pending action and leaves it resuming a
// thread. Reschedule requests for other cores collected on the way are
// delivered at the end.
func (k *Kernel) schedule(core int) {
	n := &k.nodes[core]
	if n.action.kind != actionResume {
		cur := &k.tcbs[n.cur]
		wasRunnable := k.schedulable(cur)
		if wasRunnable {
			k.schedEnqueue(core, cur)
		}

		if n.action.kind == actionChooseNew {
			k.chooseNew(core)
		} else {
			cand := &k.tcbs[n.action.target]
			fastfail := n.cur == n.idle || cand.priority < cur.priority
			switch {
			case fastfail && !n.ready.isHighestPrio(k.curDomain, cand.priority):
				k.schedEnqueue(core, cand)
				n.action = schedAction{kind: actionChooseNew}
				k.chooseNew(core)
			case wasRunnable && cand.priority == cur.priority:
				k.schedAppend(core, cand)
				n.action = schedAction{kind: actionChooseNew}
				k.chooseNew(core)
			default:
				k.switchToThread(core, cand)
			}
		}
	}
	n.action = schedAction{kind: actionResume}

	if pending := n.ipiReschedulePending; pending != 0 {
		n.ipiReschedulePending = 0
		k.raiseMask(pending, IRQReschedule)
	}
}

func (k *Kernel) raiseMask(mask uint64, irq IRQ) {
	if k.cfg.Interrupts == nil {
		return
	}
	for c := 0; c < k.cfg.Cores; c++ {
		if mask&(1<<uint(c)) != 0 {
			k.cfg.Interrupts.Raise(c, irq)
		}
	}
}

func (k *Kernel) chooseNew(core int) {
	if core == 0 && k.domainTime == 0 {
		k.nextDomain()
	}
	k.chooseThread(core)
}

// chooseThread switches to the head of the highest occupied priority of the
// current domain, or to idle.
func (k *Kernel) chooseThread(core int) {
	n := &k.nodes[core]
	if !n.ready.nonEmpty(k.curDomain) {
		k.switchToIdle(core)
		return
	}
	prio := n.ready.highestPrio(k.curDomain)
	q := n.ready.queue(k.curDomain, prio)
	t := &k.tcbs[q.head]
	if !k.schedulable(t) {
		k.halt(core, t.id, "ready queue holds non-runnable thread")
	}
	k.switchToThread(core, t)
}

func (k *Kernel) switchToThread(core int, t *TCB) {
	if t.affinity != core {
		k.halt(core, t.id, "switch to thread of another core")
	}
	k.schedDequeue(t)
	k.nodes[core].cur = t.id
	k.running[core].Store(uint32(t.id))
}

func (k *Kernel) switchToIdle(core int) {
	n := &k.nodes[core]
	n.cur = n.idle
	k.running[core].Store(uint32(n.idle))
}

// nextDomain advances the domain schedule.
func (k *Kernel) nextDomain() {
	k.domainIdx++
	if k.domainIdx >= len(k.cfg.DomainSchedule) {
		k.domainIdx = 0
	}
	e := k.cfg.DomainSchedule[k.domainIdx]
	k.curDomain = e.Domain
	k.domainTime = e.Length
	k.logf("kernel: domain %d for %d ticks", e.Domain, e.Length)
}

func (k *Kernel) multiDomain() bool {
	return len(k.cfg.DomainSchedule) > 1
}

// timerTick charges the current thread one tick of its time slice and, on
// core 0, one tick of domain time.
func (k *Kernel) timerTick(core int) {
	n := &k.nodes[core]
	cur := &k.tcbs[n.cur]
	if !cur.idle && cur.state.Runnable() {
		if cur.timeSlice > 1 {
			cur.timeSlice--
		} else {
			cur.timeSlice = k.cfg.TimeSlice
			k.schedAppend(core, cur)
			k.rescheduleRequired(core)
		}
	}

	if core != 0 || !k.multiDomain() {
		return
	}
	if k.domainTime > 0 {
		k.domainTime--
	}
	if k.domainTime == 0 {
		k.rescheduleRequired(core)
		for c := 1; c < k.cfg.Cores; c++ {
			n.ipiReschedulePending |= 1 << uint(c)
		}
	}
}

// yield rotates the current thread behind its equal-priority peers.
func (k *Kernel) yield(core int) {
	cur := &k.tcbs[k.nodes[core].cur]
	if cur.idle {
		return
	}
	k.schedDequeue(cur)
	k.schedAppend(core, cur)
	k.rescheduleRequired(core)
}

// activateThread prepares the current thread to return to user mode.
func (k *Kernel) activateThread(core int) {
	cur := &k.tcbs[k.nodes[core].cur]
	if cur.idle {
		return
	}
	switch cur.state {
	case ThreadRunning:
	case ThreadRestart:
		cur.Regs.IP = cur.Regs.FaultIP
		k.setThreadState(core, cur, ThreadRunning)
	default:
		k.halt(core, cur.id, "activate of "+cur.state.String()+" thread")
	}
}
