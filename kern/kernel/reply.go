package kernel

import "fmt"

// setupCallerCap blocks sender on the reply receiver now owes it.
func (k *Kernel) setupCallerCap(core int, sender, receiver *TCB, canGrant bool) {
	k.setThreadState(core, sender, ThreadBlockedOnReply)
	if receiver.caller != NoThread {
		k.halt(core, receiver.id, "caller slot already occupied")
	}
	receiver.caller = sender.id
	receiver.callerCanGrant = canGrant
	sender.replyHolder = receiver.id
}

// deleteCallerCap drops the reply t holds, if any. The caller stays blocked
// on reply until something else cancels it.
func (k *Kernel) deleteCallerCap(t *TCB) {
	if t.caller == NoThread {
		return
	}
	k.tcbs[t.caller].replyHolder = NoThread
	t.caller = NoThread
	t.callerCanGrant = false
}

// doReplyTransfer answers receiver, which is blocked on a reply held by sender.
func (k *Kernel) doReplyTransfer(core int, sender, receiver *TCB, grant bool) {
	if receiver.state != ThreadBlockedOnReply {
		k.halt(core, receiver.id, "reply to "+receiver.state.String()+" thread")
	}

	if receiver.fault.Kind == FaultNone {
		k.doIPCTransfer(sender, nil, 0, grant, receiver)
		k.deleteCallerCap(sender)
		k.setThreadState(core, receiver, ThreadRunning)
		k.possibleSwitchTo(core, receiver)
		return
	}

	k.deleteCallerCap(sender)
	restart := handleFaultReply(receiver, sender)
	receiver.fault = Fault{}
	if restart {
		k.setThreadState(core, receiver, ThreadRestart)
		k.possibleSwitchTo(core, receiver)
	} else {
		k.setThreadState(core, receiver, ThreadInactive)
	}
}

// handleFaultReply applies a fault handler's reply to the faulted thread and
// reports whether it should run again. A zero label restarts it; for
// syscall and user exceptions the first reply word, if any, is the new
// restart IP.
func handleFaultReply(receiver, sender *TCB) bool {
	info := sender.Regs.MsgInfo
	switch receiver.fault.Kind {
	case FaultVM:
		return true
	case FaultUnknownSyscall, FaultUserException:
		if info.Length > 0 {
			receiver.Regs.FaultIP = sender.Regs.Msg[0]
		}
	}
	return info.Label == 0
}

// handleFault sends t's fault to its handler as a blocking call. A thread
// without a usable handler is stopped.
func (k *Kernel) handleFault(core int, t *TCB, f Fault) {
	if f.Kind == FaultNone {
		k.halt(core, t.id, "null fault")
	}
	if t.faultHandler == NoEndpoint || int(t.faultHandler) >= k.nEPs {
		k.logf("kernel: core %d: thread %s: %s fault at %#x, no handler", core, t.name, f.Kind, t.Regs.FaultIP)
		t.fault = Fault{}
		k.setThreadState(core, t, ThreadInactive)
		return
	}
	t.fault = f
	k.sendIPC(core, &k.eps[t.faultHandler], t, SendArgs{
		Blocking:      true,
		Call:          true,
		Badge:         t.faultBadge,
		CanGrantReply: true,
	})
}

// reply answers the caller t holds.
func (k *Kernel) reply(core int, t *TCB) error {
	if t.caller == NoThread {
		return fmt.Errorf("reply: thread %d holds no caller: %w", t.id, ErrInvalidCapability)
	}
	k.doReplyTransfer(core, t, &k.tcbs[t.caller], t.callerCanGrant)
	return nil
}
