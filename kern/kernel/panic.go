package kernel

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// PanicInfo describes a kernel halt.
type PanicInfo struct {
	Core   int
	Thread ThreadID
	Value  any
	Stack  []byte
}

var (
	haltActive atomic.Bool
	haltOnce   sync.Once

	panicHandler atomic.Value // func(PanicInfo)
)

// Halted reports whether a kernel has halted.
func Halted() bool {
	return haltActive.Load()
}

// SetPanicHandler installs a process-wide halt handler.
//
// The handler is invoked at most once (on the first halt). It must not panic.
func SetPanicHandler(fn func(PanicInfo)) {
	panicHandler.Store(fn)
}

// halt stops the kernel on a broken invariant. There is no recovery from a
// corrupted scheduler or IPC state.
func (k *Kernel) halt(core int, thread ThreadID, reason string) {
	info := PanicInfo{Core: core, Thread: thread, Value: reason}
	haltOnce.Do(func() {
		haltActive.Store(true)
		info.Stack = debug.Stack()
		k.logf("kernel: core %d: halt: %s (thread %d)", core, reason, thread)
		if v := panicHandler.Load(); v != nil {
			if fn, ok := v.(func(PanicInfo)); ok && fn != nil {
				fn(info)
			}
		}
	})
	panic(fmt.Sprintf("kernel halt on core %d: %s", core, reason))
}
