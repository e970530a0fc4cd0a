// Package smp implements the big kernel lock and the remote-call protocol
// cores use to ask each other for work while the lock is contended.
package smp

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// MaxCores bounds the number of cores a Lock can serve (one bit per core in masks).
const MaxCores = 64

type nodeState uint32

const (
	stateGranted nodeState = iota
	statePending
)

// qnode is the word a successor spins on. Padded to its own cache line.
type qnode struct {
	_     cpu.CacheLinePad
	state atomic.Uint32
	_     cpu.CacheLinePad
}

// owner is the per-core slot: the node the core currently owns, the node of
// its predecessor in the queue, and the remote-call pending flag.
type owner struct {
	_    cpu.CacheLinePad
	node atomic.Pointer[qnode]
	pred atomic.Pointer[qnode]
	ipi  atomic.Uint32
	_    cpu.CacheLinePad
}

// Lock is a CLH queue lock. Waiters spin on their predecessor's node, so
// grants follow arrival order. Nodes are recycled: on release a core takes
// over its predecessor's node. There is one spare node seeding the queue.
//
// Go atomics are sequentially consistent, which subsumes the acquire/release
// ordering the algorithm needs.
type Lock struct {
	nodes  []qnode
	owners []owner
	tail   atomic.Pointer[qnode]

	ipi   func(core int, irqPath bool)
	pause func()
}

// NewLock returns an unlocked lock for the given number of cores.
func NewLock(cores int) *Lock {
	if cores <= 0 || cores > MaxCores {
		panic(fmt.Sprintf("smp: invalid core count %d", cores))
	}
	l := &Lock{
		nodes:  make([]qnode, cores+1),
		owners: make([]owner, cores),
		pause:  runtime.Gosched,
	}
	for i := range l.owners {
		l.owners[i].node.Store(&l.nodes[i])
	}
	l.nodes[cores].state.Store(uint32(stateGranted))
	l.tail.Store(&l.nodes[cores])
	return l
}

// Cores returns the number of cores the lock was built for.
func (l *Lock) Cores() int { return len(l.owners) }

// OnIPI installs the callback a spinning core runs when its IPI flag is set.
// It must be installed before any core contends for the lock.
func (l *Lock) OnIPI(fn func(core int, irqPath bool)) {
	l.ipi = fn
}

// Acquire blocks the calling core until it holds the lock. While waiting it
// services remote calls addressed to it, so a lock holder waiting on this
// core's acknowledgement cannot deadlock against it.
func (l *Lock) Acquire(core int, irqPath bool) {
	o := &l.owners[core]
	n := o.node.Load()
	n.state.Store(uint32(statePending))

	pred := l.tail.Swap(n)
	o.pred.Store(pred)

	for nodeState(pred.state.Load()) != stateGranted {
		if o.ipi.Load() != 0 && l.ipi != nil {
			l.ipi(core, irqPath)
		}
		l.pause()
	}
}

// Release hands the lock to the next queued core, if any, and recycles the
// predecessor's node as the caller's node for its next acquire.
func (l *Lock) Release(core int) {
	o := &l.owners[core]
	n := o.node.Load()
	n.state.Store(uint32(stateGranted))
	o.node.Store(o.pred.Load())
}

// InQueue reports whether core is holding or waiting for the lock.
func (l *Lock) InQueue(core int) bool {
	return nodeState(l.owners[core].node.Load().state.Load()) == statePending
}

// IPIPending reports whether core owes a remote-call service.
func (l *Lock) IPIPending(core int) bool {
	return l.owners[core].ipi.Load() != 0
}

// SetIPI sets or clears the remote-call pending flag of core.
func (l *Lock) SetIPI(core int, pending bool) {
	var v uint32
	if pending {
		v = 1
	}
	l.owners[core].ipi.Store(v)
}
