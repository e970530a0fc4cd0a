package kernel

// EndpointID indexes the endpoint table.
type EndpointID uint16

// NoEndpoint is the absent endpoint.
const NoEndpoint EndpointID = 0xFFFF

// EndpointState is implied by the wait queue: empty, senders, or receivers.
type EndpointState uint8

const (
	EndpointIdle EndpointState = iota
	EndpointSend
	EndpointRecv
)

func (s EndpointState) String() string {
	switch s {
	case EndpointIdle:
		return "idle"
	case EndpointSend:
		return "send"
	case EndpointRecv:
		return "recv"
	default:
		return "unknown"
	}
}

// Endpoint is a synchronous rendezvous point. Its queue holds threads all
// waiting in the same direction.
type Endpoint struct {
	id    EndpointID
	state EndpointState
	queue tcbQueue
}

func (e *Endpoint) ID() EndpointID       { return e.id }
func (e *Endpoint) State() EndpointState { return e.state }

// SendArgs are the decoded operands of a send on an endpoint.
type SendArgs struct {
	Blocking      bool
	Call          bool
	Badge         uint64
	CanGrant      bool
	CanGrantReply bool
}

// RecvArgs are the decoded operands of a receive on an endpoint.
type RecvArgs struct {
	Blocking bool
	CanGrant bool
}

// sendIPC delivers the sender's message to the first queued receiver, or
// queues the sender when it may block. A non-blocking send with no receiver
// is dropped.
func (k *Kernel) sendIPC(core int, ep *Endpoint, sender *TCB, a SendArgs) {
	switch ep.state {
	case EndpointIdle, EndpointSend:
		if !a.Blocking {
			return
		}
		sender.blocking = blocking{
			object:        uint16(ep.id),
			badge:         a.Badge,
			canGrant:      a.CanGrant,
			canGrantReply: a.CanGrantReply,
			isCall:        a.Call,
		}
		k.setThreadState(core, sender, ThreadBlockedOnSend)
		k.epAppend(&ep.queue, sender)
		ep.state = EndpointSend

	case EndpointRecv:
		dest := &k.tcbs[ep.queue.head]
		k.epDequeue(&ep.queue, dest)
		if ep.queue.empty() {
			ep.state = EndpointIdle
		}

		k.doIPCTransfer(sender, ep, a.Badge, a.CanGrant, dest)
		replyCanGrant := dest.blocking.canGrant
		dest.blocking = blocking{}
		k.setThreadState(core, dest, ThreadRunning)
		k.possibleSwitchTo(core, dest)

		if a.Call {
			if a.CanGrant || a.CanGrantReply {
				k.setupCallerCap(core, sender, dest, replyCanGrant)
			} else {
				k.setThreadState(core, sender, ThreadInactive)
			}
		}
	}
}

// receiveIPC takes a message from the first queued sender, or queues the
// receiver when it may block. An active bound notification is consumed
// instead.
func (k *Kernel) receiveIPC(core int, ep *Endpoint, receiver *TCB, a RecvArgs) {
	if receiver.boundNtfn != NoNotification {
		if n := &k.ntfns[receiver.boundNtfn]; n.state == NotificationActive {
			k.completeSignal(core, n, receiver)
			return
		}
	}

	switch ep.state {
	case EndpointIdle, EndpointRecv:
		if !a.Blocking {
			receiver.Regs.Badge = 0
			return
		}
		receiver.blocking = blocking{
			object:   uint16(ep.id),
			canGrant: a.CanGrant,
		}
		k.setThreadState(core, receiver, ThreadBlockedOnReceive)
		k.epAppend(&ep.queue, receiver)
		ep.state = EndpointRecv

	case EndpointSend:
		sender := &k.tcbs[ep.queue.head]
		k.epDequeue(&ep.queue, sender)
		if ep.queue.empty() {
			ep.state = EndpointIdle
		}

		b := sender.blocking
		sender.blocking = blocking{}
		k.doIPCTransfer(sender, ep, b.badge, b.canGrant, receiver)

		if b.isCall {
			if b.canGrant || b.canGrantReply {
				k.setupCallerCap(core, sender, receiver, a.CanGrant)
			} else {
				k.setThreadState(core, sender, ThreadInactive)
			}
			return
		}
		k.setThreadState(core, sender, ThreadRunning)
		k.possibleSwitchTo(core, sender)
	}
}

// cancelAllIPC restarts every thread waiting on ep. Used when ep goes away.
func (k *Kernel) cancelAllIPC(core int, ep *Endpoint) {
	if ep.state == EndpointIdle {
		return
	}
	for id := ep.queue.head; id != NoThread; {
		t := &k.tcbs[id]
		id = t.epNext
		t.epPrev, t.epNext = NoThread, NoThread
		t.blocking = blocking{}
		k.setThreadState(core, t, ThreadRestart)
		k.schedEnqueue(core, t)
	}
	ep.queue = emptyQueue()
	ep.state = EndpointIdle
	k.rescheduleRequired(core)
}

// cancelBadgedSends restarts the senders on ep that carry badge. Used when a
// badged capability is revoked.
func (k *Kernel) cancelBadgedSends(core int, ep *Endpoint, badge uint64) {
	if ep.state != EndpointSend {
		return
	}
	for id := ep.queue.head; id != NoThread; {
		t := &k.tcbs[id]
		id = t.epNext
		if t.blocking.badge != badge {
			continue
		}
		k.epDequeue(&ep.queue, t)
		t.blocking = blocking{}
		k.setThreadState(core, t, ThreadRestart)
		k.schedEnqueue(core, t)
	}
	if ep.queue.empty() {
		ep.state = EndpointIdle
	}
	k.rescheduleRequired(core)
}

// cancelIPC removes t from whatever it is blocked on.
func (k *Kernel) cancelIPC(core int, t *TCB) {
	switch t.state {
	case ThreadBlockedOnSend, ThreadBlockedOnReceive:
		ep := &k.eps[t.blocking.object]
		k.epDequeue(&ep.queue, t)
		if ep.queue.empty() {
			ep.state = EndpointIdle
		}
		t.blocking = blocking{}
		k.setThreadState(core, t, ThreadInactive)

	case ThreadBlockedOnNotification:
		k.cancelSignal(core, t, &k.ntfns[t.blocking.object])

	case ThreadBlockedOnReply:
		t.fault = Fault{}
		if t.replyHolder != NoThread {
			holder := &k.tcbs[t.replyHolder]
			holder.caller = NoThread
			holder.callerCanGrant = false
			t.replyHolder = NoThread
		}
	}
}

// reorderEndpoint re-sorts t after its priority changed while queued on ep.
func (k *Kernel) reorderEndpoint(ep *Endpoint, t *TCB) {
	k.epDequeue(&ep.queue, t)
	k.epInsertByPriority(&ep.queue, t)
}
