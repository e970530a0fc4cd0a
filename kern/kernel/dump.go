package kernel

import (
	"errors"
	"fmt"
	"strings"
)

// ThreadInfo is the introspection view of a TCB.
type ThreadInfo struct {
	ID       ThreadID
	Name     string
	State    ThreadState
	Priority uint8
	MCP      uint8
	Domain   uint8
	Affinity int
	Queued   bool
	Bound    NotificationID
	Caller   ThreadID
	Fault    FaultKind
	IP       uint64
	Badge    uint64
}

// ReadyInfo is one non-empty ready queue.
type ReadyInfo struct {
	Domain   uint8
	Priority uint8
	Threads  []ThreadID
}

// CoreInfo is the scheduler state of one core.
type CoreInfo struct {
	Core     int
	Current  ThreadID
	Idle     ThreadID
	FPUOwner ThreadID
	Ready    []ReadyInfo
	Stats    NodeStats
}

// EndpointInfo is the state and wait queue of an endpoint.
type EndpointInfo struct {
	ID    EndpointID
	State EndpointState
	Queue []ThreadID
}

// NotificationInfo is the state, badge and wait queue of a notification.
type NotificationInfo struct {
	ID    NotificationID
	State NotificationState
	Badge uint64
	Bound ThreadID
	Queue []ThreadID
}

// Snapshot is a consistent copy of the scheduler and IPC state.
type Snapshot struct {
	Domain        uint8
	DomainTime    int
	Cores         []CoreInfo
	Threads       []ThreadInfo
	Endpoints     []EndpointInfo
	Notifications []NotificationInfo
}

// Dump copies the kernel state. The caller holds the big kernel lock.
func (k *Kernel) Dump() Snapshot {
	s := Snapshot{Domain: k.curDomain, DomainTime: k.domainTime}

	for core := range k.nodes {
		n := &k.nodes[core]
		ci := CoreInfo{
			Core:     core,
			Current:  n.cur,
			Idle:     n.idle,
			FPUOwner: n.fpuOwner,
			Stats:    n.stats,
		}
		for d := 0; d < k.cfg.Domains; d++ {
			for p := k.cfg.Priorities - 1; p >= 0; p-- {
				q := n.ready.queue(uint8(d), uint8(p))
				if q.empty() {
					continue
				}
				ci.Ready = append(ci.Ready, ReadyInfo{
					Domain:   uint8(d),
					Priority: uint8(p),
					Threads:  k.readyIDs(*q),
				})
			}
		}
		s.Cores = append(s.Cores, ci)
	}

	for i := k.cfg.Cores; i < k.nThreads; i++ {
		t := &k.tcbs[i]
		s.Threads = append(s.Threads, ThreadInfo{
			ID:       t.id,
			Name:     t.name,
			State:    t.state,
			Priority: t.priority,
			MCP:      t.mcp,
			Domain:   t.domain,
			Affinity: t.affinity,
			Queued:   t.queued,
			Bound:    t.boundNtfn,
			Caller:   t.caller,
			Fault:    t.fault.Kind,
			IP:       t.Regs.IP,
			Badge:    t.Regs.Badge,
		})
	}

	for i := 0; i < k.nEPs; i++ {
		e := &k.eps[i]
		s.Endpoints = append(s.Endpoints, EndpointInfo{ID: e.id, State: e.state, Queue: k.queueIDs(e.queue)})
	}
	for i := 0; i < k.nNtfns; i++ {
		n := &k.ntfns[i]
		s.Notifications = append(s.Notifications, NotificationInfo{
			ID:    n.id,
			State: n.state,
			Badge: n.badge,
			Bound: n.bound,
			Queue: k.queueIDs(n.queue),
		})
	}
	return s
}

func (s Snapshot) threadName(id ThreadID) string {
	for _, t := range s.Threads {
		if t.ID == id {
			return t.Name
		}
	}
	if id == NoThread {
		return "-"
	}
	return fmt.Sprintf("idle%d", id)
}

func (s Snapshot) names(ids []ThreadID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = s.threadName(id)
	}
	return strings.Join(parts, ",")
}

// Lines renders the snapshot as short text rows, one object per row.
func (s Snapshot) Lines() []string {
	lines := []string{fmt.Sprintf("domain %d (%d ticks left)", s.Domain, s.DomainTime)}
	for _, c := range s.Cores {
		line := fmt.Sprintf("cpu%d run=%s fpu=%s", c.Core, s.threadName(c.Current), s.threadName(c.FPUOwner))
		for _, r := range c.Ready {
			line += fmt.Sprintf(" d%d/p%d[%s]", r.Domain, r.Priority, s.names(r.Threads))
		}
		lines = append(lines, line)
	}
	for _, t := range s.Threads {
		line := fmt.Sprintf("%-8s %-13s p=%d mcp=%d d=%d cpu=%d ip=%d", t.Name, t.State, t.Priority, t.MCP, t.Domain, t.Affinity, t.IP)
		if t.Bound != NoNotification {
			line += fmt.Sprintf(" ntfn=%d", t.Bound)
		}
		if t.Caller != NoThread {
			line += " caller=" + s.threadName(t.Caller)
		}
		if t.Fault != FaultNone {
			line += " fault=" + t.Fault.String()
		}
		lines = append(lines, line)
	}
	for _, e := range s.Endpoints {
		lines = append(lines, fmt.Sprintf("ep%d %s [%s]", e.ID, e.State, s.names(e.Queue)))
	}
	for _, n := range s.Notifications {
		line := fmt.Sprintf("ntfn%d %s badge=%#x [%s]", n.ID, n.State, n.Badge, s.names(n.Queue))
		if n.Bound != NoThread {
			line += " bound=" + s.threadName(n.Bound)
		}
		lines = append(lines, line)
	}
	return lines
}

func (s Snapshot) String() string {
	return strings.Join(s.Lines(), "\n")
}

// CheckInvariants verifies the scheduler and IPC structures against each
// other. The caller holds the big kernel lock.
func (k *Kernel) CheckInvariants() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	inReady := make(map[ThreadID]int)
	for core := range k.nodes {
		n := &k.nodes[core]
		for d := 0; d < k.cfg.Domains; d++ {
			dom := uint8(d)
			var l1 uint64
			for p := 0; p < k.cfg.Priorities; p++ {
				prio := uint8(p)
				q := *n.ready.queue(dom, prio)
				if q.empty() == n.ready.bitSet(dom, prio) {
					fail("cpu%d d%d/p%d: bitmap bit %v for queue of %d", core, d, p, n.ready.bitSet(dom, prio), len(k.readyIDs(q)))
				}
				if !q.empty() {
					l1 |= 1 << uint(p>>wordRadix)
				}
				for _, id := range k.readyIDs(q) {
					t := &k.tcbs[id]
					inReady[id]++
					if t.domain != dom || t.priority != prio || t.affinity != core {
						fail("thread %d in cpu%d d%d/p%d ready queue has d%d/p%d on cpu%d", id, core, d, p, t.domain, t.priority, t.affinity)
					}
				}
			}
			if l1 != n.ready.l1[d] {
				fail("cpu%d d%d: l1 bitmap %#x, want %#x", core, d, n.ready.l1[d], l1)
			}
		}
	}

	inWait := make(map[ThreadID]int)
	for i := 0; i < k.nEPs; i++ {
		e := &k.eps[i]
		ids := k.queueIDs(e.queue)
		want := ThreadBlockedOnSend
		switch e.state {
		case EndpointIdle:
			if len(ids) != 0 {
				fail("ep%d idle with %d waiters", i, len(ids))
			}
		case EndpointRecv:
			want = ThreadBlockedOnReceive
			fallthrough
		case EndpointSend:
			if len(ids) == 0 {
				fail("ep%d %s with no waiters", i, e.state)
			}
		}
		for _, id := range ids {
			t := &k.tcbs[id]
			inWait[id]++
			if t.state != want || EndpointID(t.blocking.object) != e.id {
				fail("ep%d %s queue holds thread %d %s", i, e.state, id, t.state)
			}
		}
	}
	for i := 0; i < k.nNtfns; i++ {
		n := &k.ntfns[i]
		ids := k.queueIDs(n.queue)
		if (n.state == NotificationWaiting) != (len(ids) > 0) {
			fail("ntfn%d %s with %d waiters", i, n.state, len(ids))
		}
		if n.state != NotificationActive && n.badge != 0 {
			fail("ntfn%d %s holds badge %#x", i, n.state, n.badge)
		}
		for _, id := range ids {
			t := &k.tcbs[id]
			inWait[id]++
			if t.state != ThreadBlockedOnNotification || NotificationID(t.blocking.object) != n.id {
				fail("ntfn%d queue holds thread %d %s", i, id, t.state)
			}
		}
		if n.bound != NoThread && k.tcbs[n.bound].boundNtfn != n.id {
			fail("ntfn%d bound to thread %d bound elsewhere", i, n.bound)
		}
	}

	for i := 0; i < k.nThreads; i++ {
		t := &k.tcbs[i]
		id := t.id
		if t.idle {
			if t.queued || inReady[id] > 0 || inWait[id] > 0 {
				fail("idle thread %d queued", id)
			}
			continue
		}
		if inReady[id] > 1 || inWait[id] > 1 {
			fail("thread %d in %d ready and %d wait queues", id, inReady[id], inWait[id])
		}
		if inReady[id] > 0 && inWait[id] > 0 {
			fail("thread %d in both a ready and a wait queue", id)
		}
		if t.queued != (inReady[id] == 1) {
			fail("thread %d queued flag %v, in ready queue %v", id, t.queued, inReady[id] == 1)
		}
		if t.queued && !t.state.Runnable() {
			fail("thread %d queued while %s", id, t.state)
		}
		switch t.state {
		case ThreadBlockedOnSend, ThreadBlockedOnReceive, ThreadBlockedOnNotification:
			if inWait[id] != 1 {
				fail("thread %d %s but in no wait queue", id, t.state)
			}
		default:
			if inWait[id] != 0 {
				fail("thread %d %s but in a wait queue", id, t.state)
			}
		}
		if t.caller != NoThread && k.tcbs[t.caller].replyHolder != id {
			fail("thread %d holds caller %d that does not point back", id, t.caller)
		}
		if t.replyHolder != NoThread && t.state != ThreadBlockedOnReply {
			fail("thread %d has a reply holder while %s", id, t.state)
		}
	}
	return errors.Join(errs...)
}

// Validate halts the kernel if its invariants do not hold.
func (c *Context) Validate() {
	if err := c.k.CheckInvariants(); err != nil {
		c.k.halt(c.core, c.k.nodes[c.core].cur, err.Error())
	}
}

// Dump copies the kernel state.
func (c *Context) Dump() Snapshot {
	return c.k.Dump()
}
