package kernel

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"
)

type raisedIRQ struct {
	core int
	irq  IRQ
}

type irqLog struct {
	mu     sync.Mutex
	raised []raisedIRQ
}

func (l *irqLog) Raise(core int, irq IRQ) {
	l.mu.Lock()
	l.raised = append(l.raised, raisedIRQ{core: core, irq: irq})
	l.mu.Unlock()
}

func (l *irqLog) count(core int, irq IRQ) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.raised {
		if r.core == core && r.irq == irq {
			n++
		}
	}
	return n
}

// take removes and returns the IRQs raised on core.
func (l *irqLog) take(core int) []IRQ {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []IRQ
	kept := l.raised[:0]
	for _, r := range l.raised {
		if r.core == core {
			out = append(out, r.irq)
			continue
		}
		kept = append(kept, r)
	}
	l.raised = kept
	return out
}

// deliver takes the reschedule IPIs raised on core through its interrupt
// path and returns the thread the core resumes afterwards.
func deliver(t *testing.T, k *Kernel, irqs *irqLog, core int) ThreadID {
	t.Helper()
	for _, irq := range irqs.take(core) {
		if irq != IRQReschedule {
			continue
		}
		c := k.EnterIRQ(core)
		c.RescheduleRequired()
		c.Exit()
		if err := k.CheckInvariants(); err != nil {
			t.Fatalf("CheckInvariants() after reschedule IRQ on cpu%d: %v", core, err)
		}
	}
	return k.Running(core)
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) index(event string) int {
	for i, e := range l.snapshot() {
		if e == event {
			return i
		}
	}
	return -1
}

func (l *eventLog) InvalidateTranslationSingle(core int, vaddr uint64) {
	l.add("cpu%d invalidate-single %#x", core, vaddr)
}

func (l *eventLog) InvalidateTranslationASID(core int, asid uint64) {
	l.add("cpu%d invalidate-asid %d", core, asid)
}

func (l *eventLog) InvalidateTranslationAll(core int) {
	l.add("cpu%d invalidate-all", core)
}

func (l *eventLog) MaskInterrupt(core int, disable bool, irq uint64) {
	l.add("cpu%d mask %v %d", core, disable, irq)
}

func newTestKernel(t *testing.T, cfg Config) *Kernel {
	t.Helper()
	k, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return k
}

func newThread(t *testing.T, k *Kernel, name string, prio uint8, core int) ThreadID {
	t.Helper()
	id, err := k.NewThread(ThreadConfig{Name: name, Priority: prio, MCP: 255, Affinity: core, FaultHandler: NoEndpoint})
	if err != nil {
		t.Fatalf("NewThread(%q) error = %v", name, err)
	}
	return id
}

func newEndpoint(t *testing.T, k *Kernel) EndpointID {
	t.Helper()
	id, err := k.NewEndpoint()
	if err != nil {
		t.Fatalf("NewEndpoint() error = %v", err)
	}
	return id
}

func newNotification(t *testing.T, k *Kernel) NotificationID {
	t.Helper()
	id, err := k.NewNotification()
	if err != nil {
		t.Fatalf("NewNotification() error = %v", err)
	}
	return id
}

// step runs fn as one kernel entry on core and checks the invariants after
// the exit. It returns the thread the core resumes.
func step(t *testing.T, k *Kernel, core int, fn func(c *Context) error) ThreadID {
	t.Helper()
	c := k.Enter(core)
	if fn != nil {
		if err := fn(c); err != nil {
			c.Exit()
			t.Fatalf("kernel entry on cpu%d: %v", core, err)
		}
	}
	cur := c.Exit()
	if err := k.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants() after entry on cpu%d: %v", core, err)
	}
	return cur
}

func resume(t *testing.T, k *Kernel, core int, id ThreadID) ThreadID {
	t.Helper()
	return step(t, k, core, func(c *Context) error { return c.InvokeResume(id) })
}

func tick(t *testing.T, k *Kernel, core int) ThreadID {
	t.Helper()
	c := k.EnterIRQ(core)
	c.TimerTick()
	cur := c.Exit()
	if err := k.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants() after tick on cpu%d: %v", core, err)
	}
	return cur
}

// serveRemoteCalls plays a core running user code: it takes remote-call
// IPIs on its interrupt path until stopped.
func serveRemoteCalls(k *Kernel, core int) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			select {
			case <-done:
				return
			default:
			}
			k.HandleRemoteCall(core)
			runtime.Gosched()
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func waitInQueue(t *testing.T, k *Kernel, core int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !k.Lock().InQueue(core) {
		if time.Now().After(deadline) {
			t.Fatalf("cpu%d never queued for the lock", core)
		}
		runtime.Gosched()
	}
}

func TestNewDefaults(t *testing.T) {
	k := newTestKernel(t, Config{})
	cfg := k.Config()
	if cfg.Cores != 1 || cfg.Domains != 1 || cfg.Priorities != 256 || cfg.TimeSlice != defaultTimeSlice {
		t.Fatalf("Config() = %+v, want 1 core, 1 domain, 256 priorities, slice %d", cfg, defaultTimeSlice)
	}
	if got := k.Running(0); got != 0 {
		t.Fatalf("Running(0) = %d, want idle thread 0", got)
	}
	if !k.Thread(0).IsIdle() {
		t.Fatal("thread 0 is not an idle thread")
	}
	if err := k.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants() = %v", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []Config{
		{Cores: 65},
		{Priorities: 300},
		{Domains: 2, DomainSchedule: []DomainEntry{{Domain: 2, Length: 1}}},
		{DomainSchedule: []DomainEntry{{Domain: 0, Length: 0}}},
	}
	for _, cfg := range tests {
		if _, err := New(cfg); !errors.Is(err, ErrRange) {
			t.Fatalf("New(%+v) error = %v, want ErrRange", cfg, err)
		}
	}
}

func TestNewThreadValidates(t *testing.T) {
	k := newTestKernel(t, Config{Cores: 2, Priorities: 16, MaxThreads: 1})
	if _, err := k.NewThread(ThreadConfig{Name: "hi", Priority: 16, FaultHandler: NoEndpoint}); !errors.Is(err, ErrRange) {
		t.Fatalf("NewThread(priority 16) error = %v, want ErrRange", err)
	}
	if _, err := k.NewThread(ThreadConfig{Name: "far", Affinity: 2, FaultHandler: NoEndpoint}); !errors.Is(err, ErrRange) {
		t.Fatalf("NewThread(affinity 2) error = %v, want ErrRange", err)
	}
	if _, err := k.NewThread(ThreadConfig{Name: "fh", FaultHandler: 3}); !errors.Is(err, ErrInvalidCapability) {
		t.Fatalf("NewThread(fault handler 3) error = %v, want ErrInvalidCapability", err)
	}
	if _, err := k.NewThread(ThreadConfig{Name: "ok", FaultHandler: NoEndpoint}); err != nil {
		t.Fatalf("NewThread() error = %v", err)
	}
	if _, err := k.NewThread(ThreadConfig{Name: "full", FaultHandler: NoEndpoint}); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("NewThread() on a full table error = %v, want ErrNoSpace", err)
	}
}

func TestIdleThreadRejectsInvocations(t *testing.T) {
	k := newTestKernel(t, Config{})
	c := k.Enter(0)
	defer c.Exit()
	if err := c.InvokeSuspend(0); !errors.Is(err, ErrInvalidCapability) {
		t.Fatalf("InvokeSuspend(idle) error = %v, want ErrInvalidCapability", err)
	}
	if err := c.SendIPC(0, SendArgs{}); !errors.Is(err, ErrInvalidCapability) {
		t.Fatalf("SendIPC(missing endpoint) error = %v, want ErrInvalidCapability", err)
	}
}

func TestHaltCallsPanicHandlerOnce(t *testing.T) {
	k := newTestKernel(t, Config{})

	var got []PanicInfo
	SetPanicHandler(func(info PanicInfo) { got = append(got, info) })
	defer SetPanicHandler(nil)

	enqueueIdle := func() (recovered any) {
		defer func() { recovered = recover() }()
		k.schedEnqueue(0, k.Thread(0))
		return nil
	}
	if r := enqueueIdle(); r == nil {
		t.Fatal("enqueue of idle thread did not halt")
	}
	if r := enqueueIdle(); r == nil {
		t.Fatal("second halt did not panic")
	}
	if !Halted() {
		t.Fatal("Halted() = false after halt")
	}
	if len(got) != 1 {
		t.Fatalf("panic handler calls = %d, want 1", len(got))
	}
	if got[0].Core != 0 || got[0].Thread != 0 || len(got[0].Stack) == 0 {
		t.Fatalf("PanicInfo = %+v, want core 0 thread 0 with stack", got[0])
	}
}
