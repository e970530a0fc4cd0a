package kernel

import "fmt"

// NotificationID indexes the notification table.
type NotificationID uint16

// NoNotification is the absent notification.
const NoNotification NotificationID = 0xFFFF

// NotificationState is the tri-state of a notification.
type NotificationState uint8

const (
	NotificationIdle NotificationState = iota
	NotificationWaiting
	NotificationActive
)

func (s NotificationState) String() string {
	switch s {
	case NotificationIdle:
		return "idle"
	case NotificationWaiting:
		return "waiting"
	case NotificationActive:
		return "active"
	default:
		return "unknown"
	}
}

// Notification is an asynchronous, badge-coalescing signal object.
// While Active it carries the OR of all badges signalled since the last
// receive; while Waiting it holds its receivers.
type Notification struct {
	id    NotificationID
	state NotificationState
	queue tcbQueue
	badge uint64
	bound ThreadID
}

func (n *Notification) ID() NotificationID       { return n.id }
func (n *Notification) State() NotificationState { return n.state }
func (n *Notification) Badge() uint64            { return n.badge }
func (n *Notification) Bound() ThreadID          { return n.bound }

func (n *Notification) setActive(badge uint64) {
	n.state = NotificationActive
	n.badge = badge
}

// sendSignal delivers badge to n.
func (k *Kernel) sendSignal(core int, n *Notification, badge uint64) {
	switch n.state {
	case NotificationIdle:
		if n.bound == NoThread {
			n.setActive(badge)
			return
		}
		t := &k.tcbs[n.bound]
		if t.state != ThreadBlockedOnReceive {
			n.setActive(badge)
			return
		}
		// The bound thread is waiting on an endpoint: wake it with the badge.
		k.cancelIPC(core, t)
		k.setThreadState(core, t, ThreadRunning)
		t.Regs.Badge = badge
		k.possibleSwitchTo(core, t)

	case NotificationWaiting:
		dest := &k.tcbs[n.queue.head]
		k.epDequeue(&n.queue, dest)
		if n.queue.empty() {
			n.state = NotificationIdle
		}
		dest.blocking = blocking{}
		k.setThreadState(core, dest, ThreadRunning)
		dest.Regs.Badge = badge
		k.possibleSwitchTo(core, dest)

	case NotificationActive:
		n.badge |= badge
	}
}

// receiveSignal consumes n's pending badge, or queues the receiver when it
// may block. A non-blocking receive of nothing reads badge 0.
func (k *Kernel) receiveSignal(core int, n *Notification, t *TCB, block bool) {
	switch n.state {
	case NotificationIdle, NotificationWaiting:
		if !block {
			t.Regs.Badge = 0
			return
		}
		t.blocking = blocking{object: uint16(n.id)}
		k.setThreadState(core, t, ThreadBlockedOnNotification)
		k.epAppend(&n.queue, t)
		n.state = NotificationWaiting

	case NotificationActive:
		t.Regs.Badge = n.badge
		n.badge = 0
		n.state = NotificationIdle
	}
}

// completeSignal hands an active notification's badge to its bound thread.
func (k *Kernel) completeSignal(core int, n *Notification, t *TCB) {
	if n.state != NotificationActive {
		k.halt(core, t.id, "complete signal on inactive notification")
	}
	t.Regs.Badge = n.badge
	n.badge = 0
	n.state = NotificationIdle
}

// cancelSignal removes t from n's wait queue and makes it inactive.
func (k *Kernel) cancelSignal(core int, t *TCB, n *Notification) {
	k.epDequeue(&n.queue, t)
	if n.queue.empty() {
		n.state = NotificationIdle
	}
	t.blocking = blocking{}
	k.setThreadState(core, t, ThreadInactive)
}

// cancelAllSignals restarts every thread waiting on n. Used when n goes away.
func (k *Kernel) cancelAllSignals(core int, n *Notification) {
	if n.state != NotificationWaiting {
		return
	}
	for id := n.queue.head; id != NoThread; {
		t := &k.tcbs[id]
		id = t.epNext
		t.epPrev, t.epNext = NoThread, NoThread
		t.blocking = blocking{}
		k.setThreadState(core, t, ThreadRestart)
		k.schedEnqueue(core, t)
	}
	n.queue = emptyQueue()
	n.state = NotificationIdle
	k.rescheduleRequired(core)
}

func (k *Kernel) bindNotification(t *TCB, n *Notification) error {
	if t.boundNtfn != NoNotification {
		return fmt.Errorf("bind notification: thread %d already bound: %w", t.id, ErrIllegalOperation)
	}
	if n.state == NotificationWaiting {
		return fmt.Errorf("bind notification %d: has waiters: %w", n.id, ErrIllegalOperation)
	}
	if n.bound != NoThread {
		return fmt.Errorf("bind notification %d: already bound: %w", n.id, ErrIllegalOperation)
	}
	n.bound = t.id
	t.boundNtfn = n.id
	return nil
}

func (k *Kernel) unbindNotification(t *TCB) error {
	if t.boundNtfn == NoNotification {
		return fmt.Errorf("unbind notification: thread %d not bound: %w", t.id, ErrIllegalOperation)
	}
	k.ntfns[t.boundNtfn].bound = NoThread
	t.boundNtfn = NoNotification
	return nil
}

// reorderNotification re-sorts t after its priority changed while queued on n.
func (k *Kernel) reorderNotification(n *Notification, t *TCB) {
	k.epDequeue(&n.queue, t)
	k.epInsertByPriority(&n.queue, t)
}
