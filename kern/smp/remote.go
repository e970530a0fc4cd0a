package smp

import "math/bits"

// CallKind is the closed set of operations one core can ask another to run.
type CallKind uint8

const (
	CallStall CallKind = iota
	CallInvalidateTranslationSingle
	CallInvalidateTranslationASID
	CallInvalidateTranslationAll
	CallSwitchFPUOwner
	CallMaskPrivateInterrupt
)

func (k CallKind) String() string {
	switch k {
	case CallStall:
		return "stall"
	case CallInvalidateTranslationSingle:
		return "invalidate-single"
	case CallInvalidateTranslationASID:
		return "invalidate-asid"
	case CallInvalidateTranslationAll:
		return "invalidate-all"
	case CallSwitchFPUOwner:
		return "switch-fpu-owner"
	case CallMaskPrivateInterrupt:
		return "mask-private-irq"
	default:
		return "unknown"
	}
}

// Call is the shared argument slot of a remote call.
type Call struct {
	Kind CallKind
	Args [3]uint64
}

// Handler runs call on the target core. irqPath is true when the core was
// interrupted outside the kernel rather than found spinning on the lock.
type Handler func(core int, call Call, irqPath bool)

// Remote issues and services remote calls on top of a Lock's IPI flags.
//
// Only the lock holder issues calls, so one shared slot suffices. The slot is
// written before any target flag is set and read by a target before it
// clears its flag, which orders both accesses through the flag's atomics.
type Remote struct {
	lock    *Lock
	handler Handler
	raise   func(core int)
	slot    Call
}

// NewRemote wires a remote-call dispatcher to l. raise delivers the hardware
// IPI to a core running outside the kernel; it may be nil when every target
// is guaranteed to reach the lock's spin loop on its own.
func NewRemote(l *Lock, handler Handler, raise func(core int)) *Remote {
	r := &Remote{lock: l, handler: handler, raise: raise}
	l.OnIPI(func(core int, irqPath bool) {
		r.Service(core, irqPath)
	})
	return r
}

// Do publishes call to every core in mask except issuer and spins until all
// of them have acknowledged it. The caller must hold the lock. It returns the
// number of pause iterations spent waiting.
//
// A target that never services its flag stalls the issuer forever; there is
// no recovery from a hung core.
func (r *Remote) Do(issuer int, call Call, mask uint64) int {
	mask &^= 1 << uint(issuer)
	if mask == 0 {
		return 0
	}

	r.slot = call
	for m := mask; m != 0; m &= m - 1 {
		core := bits.TrailingZeros64(m)
		r.lock.SetIPI(core, true)
		if r.raise != nil {
			r.raise(core)
		}
	}

	spins := 0
	for m := mask; m != 0; m &= m - 1 {
		core := bits.TrailingZeros64(m)
		for r.lock.IPIPending(core) {
			r.lock.pause()
			spins++
		}
	}
	return spins
}

// Service runs the pending call for core, if any, and acknowledges it.
func (r *Remote) Service(core int, irqPath bool) bool {
	if !r.lock.IPIPending(core) {
		return false
	}
	call := r.slot
	if r.handler != nil {
		r.handler(core, call, irqPath)
	}
	r.lock.SetIPI(core, false)
	return true
}
