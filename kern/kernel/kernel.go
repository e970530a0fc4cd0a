// Package kernel is the SMP microkernel core: thread control blocks, the
// per-core priority scheduler, and the endpoint and notification rendezvous
// protocols. Every operation runs under the big kernel lock; a Context is
// one core's stay inside the kernel.
package kernel

import (
	"fmt"
	"sync/atomic"

	"kcore/kern/smp"
)

type actionKind uint8

const (
	actionResume actionKind = iota
	actionChooseNew
	actionSwitchTo
)

// schedAction is a core's pending scheduling decision.
type schedAction struct {
	kind   actionKind
	target ThreadID
}

// NodeStats counts remote-call work done by one core.
type NodeStats struct {
	InvalidateSingle uint64
	InvalidateASID   uint64
	InvalidateAll    uint64
	FPUSwitches      uint64
	Stalls           uint64
	MaskedIRQs       uint64
	RemoteCalls      uint64
}

// node is the per-core kernel state.
type node struct {
	cur    ThreadID
	idle   ThreadID
	action schedAction
	ready  readyQueues

	ipiReschedulePending uint64

	fpuOwner ThreadID
	stalled  bool
	stats    NodeStats
}

// Kernel is the whole kernel state, built once at boot and then shared by
// all cores through the big kernel lock.
type Kernel struct {
	cfg    Config
	lock   *smp.Lock
	remote *smp.Remote
	nodes  []node

	// running mirrors each node's cur for lock-free readers.
	running []atomic.Uint32

	tcbs     []TCB
	nThreads int
	eps      []Endpoint
	nEPs     int
	ntfns    []Notification
	nNtfns   int

	curDomain  uint8
	domainIdx  int
	domainTime int

	log Logger
}

// New builds the kernel: empty ready queues, an idle thread per core, and
// an unlocked big kernel lock. It runs before any core enters the kernel.
func New(cfg Config) (*Kernel, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("kernel config: %w", err)
	}

	k := &Kernel{
		cfg:   cfg,
		lock:  smp.NewLock(cfg.Cores),
		nodes: make([]node, cfg.Cores),

		running: make([]atomic.Uint32, cfg.Cores),
		tcbs:    make([]TCB, cfg.Cores+cfg.MaxThreads),
		eps:     make([]Endpoint, cfg.MaxEndpoints),
		ntfns:   make([]Notification, cfg.MaxNotifications),
		log:     cfg.Logger,
	}

	var raise func(core int)
	if cfg.Interrupts != nil {
		raise = func(core int) { cfg.Interrupts.Raise(core, IRQRemoteCall) }
	}
	k.remote = smp.NewRemote(k.lock, k.handleRemoteCall, raise)

	for core := range k.nodes {
		id := ThreadID(core)
		t := &k.tcbs[id]
		k.initTCB(t, id)
		t.idle = true
		t.name = fmt.Sprintf("idle%d", core)
		t.affinity = core

		k.nodes[core] = node{
			cur:      id,
			idle:     id,
			ready:    newReadyQueues(cfg.Domains, cfg.Priorities),
			fpuOwner: NoThread,
		}
		k.running[core].Store(uint32(id))
	}
	k.nThreads = cfg.Cores

	first := cfg.DomainSchedule[0]
	k.curDomain = first.Domain
	k.domainTime = first.Length

	k.logf("kernel: %d cores, %d domains, %d priorities", cfg.Cores, cfg.Domains, cfg.Priorities)
	return k, nil
}

// Cores returns the number of cores.
func (k *Kernel) Cores() int { return k.cfg.Cores }

// Config returns the effective configuration.
func (k *Kernel) Config() Config { return k.cfg }

// Lock exposes the big kernel lock for the trap layer's IPI bookkeeping.
func (k *Kernel) Lock() *smp.Lock { return k.lock }

func (k *Kernel) logf(format string, args ...any) {
	if k.log == nil {
		return
	}
	k.log.WriteLineString(fmt.Sprintf(format, args...))
}

// NewThread creates an inactive thread. The caller holds the big kernel lock
// or runs before any core has been started.
func (k *Kernel) NewThread(tc ThreadConfig) (ThreadID, error) {
	if k.nThreads >= len(k.tcbs) {
		return NoThread, fmt.Errorf("new thread %q: %w", tc.Name, ErrNoSpace)
	}
	if int(tc.Priority) >= k.cfg.Priorities || int(tc.MCP) >= k.cfg.Priorities {
		return NoThread, fmt.Errorf("new thread %q priority: %w", tc.Name, ErrRange)
	}
	if int(tc.Domain) >= k.cfg.Domains {
		return NoThread, fmt.Errorf("new thread %q domain: %w", tc.Name, ErrRange)
	}
	if tc.Affinity < 0 || tc.Affinity >= k.cfg.Cores {
		return NoThread, fmt.Errorf("new thread %q affinity: %w", tc.Name, ErrRange)
	}
	if tc.FaultHandler != NoEndpoint && int(tc.FaultHandler) >= k.nEPs {
		return NoThread, fmt.Errorf("new thread %q fault handler: %w", tc.Name, ErrInvalidCapability)
	}

	id := ThreadID(k.nThreads)
	k.nThreads++
	t := &k.tcbs[id]
	k.initTCB(t, id)
	t.name = tc.Name
	t.priority = tc.Priority
	t.mcp = tc.MCP
	t.domain = tc.Domain
	t.affinity = tc.Affinity
	t.faultHandler = tc.FaultHandler
	t.faultBadge = tc.FaultBadge
	t.Buffer = tc.Buffer
	return id, nil
}

// NewEndpoint creates an idle endpoint.
func (k *Kernel) NewEndpoint() (EndpointID, error) {
	if k.nEPs >= len(k.eps) {
		return NoEndpoint, fmt.Errorf("new endpoint: %w", ErrNoSpace)
	}
	id := EndpointID(k.nEPs)
	k.nEPs++
	k.eps[id] = Endpoint{id: id, queue: emptyQueue()}
	return id, nil
}

// NewNotification creates an idle, unbound notification.
func (k *Kernel) NewNotification() (NotificationID, error) {
	if k.nNtfns >= len(k.ntfns) {
		return NoNotification, fmt.Errorf("new notification: %w", ErrNoSpace)
	}
	id := NotificationID(k.nNtfns)
	k.nNtfns++
	k.ntfns[id] = Notification{id: id, queue: emptyQueue(), bound: NoThread}
	return id, nil
}

// Thread returns the TCB of id. Reading it requires the big kernel lock.
func (k *Kernel) Thread(id ThreadID) *TCB {
	if int(id) >= k.nThreads {
		return nil
	}
	return &k.tcbs[id]
}

// Endpoint returns the endpoint id, or nil.
func (k *Kernel) Endpoint(id EndpointID) *Endpoint {
	if int(id) >= k.nEPs {
		return nil
	}
	return &k.eps[id]
}

// Notification returns the notification id, or nil.
func (k *Kernel) Notification(id NotificationID) *Notification {
	if int(id) >= k.nNtfns {
		return nil
	}
	return &k.ntfns[id]
}

// Running returns the thread core is executing. It may be read without the
// big kernel lock and is stale as soon as another core enters the kernel.
func (k *Kernel) Running(core int) ThreadID {
	return ThreadID(k.running[core].Load())
}

// IdleThread returns the idle thread of core. It never changes after New.
func (k *Kernel) IdleThread(core int) ThreadID {
	return k.nodes[core].idle
}

// NodeStats returns the remote-call counters of core.
func (k *Kernel) NodeStats(core int) NodeStats {
	return k.nodes[core].stats
}

// userThread resolves id to a non-idle thread.
func (k *Kernel) userThread(id ThreadID) (*TCB, error) {
	t := k.Thread(id)
	if t == nil || t.idle {
		return nil, fmt.Errorf("thread %d: %w", id, ErrInvalidCapability)
	}
	return t, nil
}

func (k *Kernel) isCurrent(t *TCB) bool {
	return k.nodes[t.affinity].cur == t.id
}

// schedulable reports whether t may be placed in a ready queue. A budget
// model would further gate this.
func (k *Kernel) schedulable(t *TCB) bool {
	return !t.idle && t.state.Runnable()
}
