package kernel

import (
	"errors"
	"math/rand"
	"testing"
)

func TestResumeRunsHighestPriority(t *testing.T) {
	k := newTestKernel(t, Config{})
	lo := newThread(t, k, "lo", 10, 0)
	hi := newThread(t, k, "hi", 20, 0)

	if got := resume(t, k, 0, lo); got != lo {
		t.Fatalf("after resume(lo) running %d, want %d", got, lo)
	}
	if got := resume(t, k, 0, hi); got != hi {
		t.Fatalf("after resume(hi) running %d, want %d", got, hi)
	}
	if !k.Thread(lo).Queued() {
		t.Fatal("preempted thread is not queued")
	}
	if got := k.Thread(hi).State(); got != ThreadRunning {
		t.Fatalf("hi state = %s, want running", got)
	}
}

func TestResumeOfLowerPriorityKeepsCurrent(t *testing.T) {
	k := newTestKernel(t, Config{})
	hi := newThread(t, k, "hi", 20, 0)
	lo := newThread(t, k, "lo", 10, 0)

	resume(t, k, 0, hi)
	if got := resume(t, k, 0, lo); got != hi {
		t.Fatalf("running %d after resume of lower priority, want %d", got, hi)
	}
	if got := k.Thread(lo).State(); got != ThreadRestart {
		t.Fatalf("lo state = %s, want restart", got)
	}
}

func TestActivateRestartsAtFaultIP(t *testing.T) {
	k := newTestKernel(t, Config{})
	a := newThread(t, k, "a", 10, 0)
	k.Thread(a).Regs.FaultIP = 42

	resume(t, k, 0, a)
	ta := k.Thread(a)
	if ta.State() != ThreadRunning || ta.Regs.IP != 42 {
		t.Fatalf("after activate state=%s ip=%d, want running ip=42", ta.State(), ta.Regs.IP)
	}
}

func TestSuspendIdempotent(t *testing.T) {
	k := newTestKernel(t, Config{})
	a := newThread(t, k, "a", 10, 0)
	b := newThread(t, k, "b", 10, 0)
	resume(t, k, 0, a)
	resume(t, k, 0, b)

	queued := a
	if k.Running(0) == a {
		queued = b
	}
	for i := 0; i < 2; i++ {
		step(t, k, 0, func(c *Context) error { return c.InvokeSuspend(queued) })
		tq := k.Thread(queued)
		if tq.State() != ThreadInactive || tq.Queued() {
			t.Fatalf("suspend #%d: state=%s queued=%v, want inactive and not queued", i+1, tq.State(), tq.Queued())
		}
	}

	cur := k.Running(0)
	k.Thread(cur).Regs.IP = 9
	for i := 0; i < 2; i++ {
		if got := step(t, k, 0, func(c *Context) error { return c.InvokeSuspend(cur) }); got != 0 {
			t.Fatalf("suspend #%d of the running thread: running %d, want idle", i+1, got)
		}
	}
	tc := k.Thread(cur)
	if tc.State() != ThreadInactive || tc.Queued() || tc.Regs.FaultIP != 9 {
		t.Fatalf("suspended current: state=%s queued=%v faultIP=%d, want inactive, not queued, 9", tc.State(), tc.Queued(), tc.Regs.FaultIP)
	}
}

func TestSetPriorityPreempts(t *testing.T) {
	k := newTestKernel(t, Config{})
	a := newThread(t, k, "a", 10, 0)
	b := newThread(t, k, "b", 5, 0)
	resume(t, k, 0, a)
	resume(t, k, 0, b)

	got := step(t, k, 0, func(c *Context) error { return c.InvokeSetPriority(a, b, 20) })
	if got != b {
		t.Fatalf("running %d after raising b, want %d", got, b)
	}

	got = step(t, k, 0, func(c *Context) error { return c.InvokeSetPriority(a, b, 1) })
	if got != a {
		t.Fatalf("running %d after lowering current b, want %d", got, a)
	}
}

func TestSetPriorityBoundedByMCP(t *testing.T) {
	k := newTestKernel(t, Config{})
	auth, err := k.NewThread(ThreadConfig{Name: "auth", Priority: 10, MCP: 15, FaultHandler: NoEndpoint})
	if err != nil {
		t.Fatalf("NewThread() error = %v", err)
	}
	b := newThread(t, k, "b", 5, 0)

	c := k.Enter(0)
	defer c.Exit()
	if err := c.InvokeSetPriority(auth, b, 20); !errors.Is(err, ErrRange) {
		t.Fatalf("InvokeSetPriority(above mcp) error = %v, want ErrRange", err)
	}
	if err := c.InvokeSetMCP(auth, b, 16); !errors.Is(err, ErrRange) {
		t.Fatalf("InvokeSetMCP(above mcp) error = %v, want ErrRange", err)
	}
	if err := c.InvokeSetPriority(auth, b, 15); err != nil {
		t.Fatalf("InvokeSetPriority(at mcp) error = %v", err)
	}
	if err := c.InvokeSetMCP(auth, b, 12); err != nil {
		t.Fatalf("InvokeSetMCP() error = %v", err)
	}
	if got := k.Thread(b).MCP(); got != 12 {
		t.Fatalf("MCP() = %d, want 12", got)
	}
}

func TestTimeSliceRoundRobin(t *testing.T) {
	k := newTestKernel(t, Config{TimeSlice: 2})
	a := newThread(t, k, "a", 10, 0)
	b := newThread(t, k, "b", 10, 0)
	resume(t, k, 0, a)
	if got := resume(t, k, 0, b); got != a {
		t.Fatalf("running %d after resume of equal-priority b, want %d", got, a)
	}

	want := []ThreadID{a, b, b, a, a, b}
	for i, w := range want {
		if got := tick(t, k, 0); got != w {
			t.Fatalf("tick %d: running %d, want %d", i+1, got, w)
		}
	}
}

func TestYieldRotates(t *testing.T) {
	k := newTestKernel(t, Config{})
	a := newThread(t, k, "a", 10, 0)
	b := newThread(t, k, "b", 10, 0)
	resume(t, k, 0, a)
	resume(t, k, 0, b)

	yield := func(c *Context) error { c.Yield(); return nil }
	if got := step(t, k, 0, yield); got != b {
		t.Fatalf("running %d after yield, want %d", got, b)
	}
	if got := step(t, k, 0, yield); got != a {
		t.Fatalf("running %d after second yield, want %d", got, a)
	}
}

func TestYieldAloneKeepsRunning(t *testing.T) {
	k := newTestKernel(t, Config{})
	a := newThread(t, k, "a", 10, 0)
	resume(t, k, 0, a)
	if got := step(t, k, 0, func(c *Context) error { c.Yield(); return nil }); got != a {
		t.Fatalf("running %d after lone yield, want %d", got, a)
	}
}

func TestDomainSchedule(t *testing.T) {
	k := newTestKernel(t, Config{
		Domains:        2,
		DomainSchedule: []DomainEntry{{Domain: 0, Length: 2}, {Domain: 1, Length: 2}},
	})
	a := newThread(t, k, "a", 10, 0)
	b, err := k.NewThread(ThreadConfig{Name: "b", Priority: 10, MCP: 255, Domain: 1, FaultHandler: NoEndpoint})
	if err != nil {
		t.Fatalf("NewThread() error = %v", err)
	}
	resume(t, k, 0, a)
	if got := resume(t, k, 0, b); got != a {
		t.Fatalf("running %d after resume of other-domain thread, want %d", got, a)
	}

	want := []ThreadID{a, b, b, a}
	for i, w := range want {
		if got := tick(t, k, 0); got != w {
			t.Fatalf("tick %d: running %d, want %d (domain %d)", i+1, got, w, k.Dump().Domain)
		}
	}
}

func TestSetDomainMovesThread(t *testing.T) {
	k := newTestKernel(t, Config{Domains: 2})
	a := newThread(t, k, "a", 10, 0)
	resume(t, k, 0, a)

	got := step(t, k, 0, func(c *Context) error { return c.InvokeSetDomain(a, 1) })
	if got != 0 {
		t.Fatalf("running %d after moving current thread out of the domain, want idle", got)
	}
	ta := k.Thread(a)
	if ta.Domain() != 1 || !ta.Queued() {
		t.Fatalf("domain=%d queued=%v, want 1 and queued", ta.Domain(), ta.Queued())
	}

	c := k.Enter(0)
	defer c.Exit()
	if err := c.InvokeSetDomain(a, 2); !errors.Is(err, ErrRange) {
		t.Fatalf("InvokeSetDomain(2) error = %v, want ErrRange", err)
	}
}

func TestRemoteEnqueueRaisesRescheduleIPI(t *testing.T) {
	irqs := &irqLog{}
	k := newTestKernel(t, Config{Cores: 2, Interrupts: irqs})
	a := newThread(t, k, "a", 10, 1)

	if got := resume(t, k, 0, a); got != 0 {
		t.Fatalf("cpu0 running %d, want its idle thread", got)
	}
	if got := irqs.count(1, IRQReschedule); got != 1 {
		t.Fatalf("reschedule IPIs to cpu1 = %d, want 1", got)
	}

	c := k.EnterIRQ(1)
	c.RescheduleRequired()
	if got := c.Exit(); got != a {
		t.Fatalf("cpu1 running %d after reschedule IPI, want %d", got, a)
	}
}

func TestRemoteEnqueueOfLowerPrioritySkipsIPI(t *testing.T) {
	irqs := &irqLog{}
	k := newTestKernel(t, Config{Cores: 2, Interrupts: irqs})
	hi := newThread(t, k, "hi", 20, 1)
	lo := newThread(t, k, "lo", 10, 1)

	resume(t, k, 1, hi)
	resume(t, k, 0, lo)
	if got := irqs.count(1, IRQReschedule); got != 0 {
		t.Fatalf("reschedule IPIs to cpu1 = %d, want 0", got)
	}
}

func TestReadyQueueBitmapConsistency(t *testing.T) {
	k := newTestKernel(t, Config{Domains: 2, MaxThreads: 48})
	rng := rand.New(rand.NewSource(1))

	var ids []ThreadID
	for i := 0; i < 48; i++ {
		id, err := k.NewThread(ThreadConfig{
			Name:         "t",
			Priority:     uint8(rng.Intn(256)),
			MCP:          255,
			Domain:       uint8(rng.Intn(2)),
			FaultHandler: NoEndpoint,
		})
		if err != nil {
			t.Fatalf("NewThread() error = %v", err)
		}
		k.Thread(id).state = ThreadRunning
		ids = append(ids, id)
	}

	for i := 0; i < 5000; i++ {
		th := k.Thread(ids[rng.Intn(len(ids))])
		switch rng.Intn(3) {
		case 0:
			k.schedEnqueue(0, th)
		case 1:
			k.schedAppend(0, th)
		default:
			k.schedDequeue(th)
		}

		if i%250 != 0 {
			continue
		}
		if err := k.CheckInvariants(); err != nil {
			t.Fatalf("op %d: CheckInvariants() = %v", i, err)
		}
		r := &k.nodes[0].ready
		for d := uint8(0); d < 2; d++ {
			want := -1
			for p := 255; p >= 0; p-- {
				if !r.queue(d, uint8(p)).empty() {
					want = p
					break
				}
			}
			if want < 0 {
				if r.nonEmpty(d) {
					t.Fatalf("op %d: domain %d empty but bitmap non-empty", i, d)
				}
				continue
			}
			if got := r.highestPrio(d); int(got) != want {
				t.Fatalf("op %d: highestPrio(%d) = %d, want %d", i, d, got, want)
			}
		}
	}
}

func TestCheckInvariantsDetectsBitmapCorruption(t *testing.T) {
	k := newTestKernel(t, Config{})
	a := newThread(t, k, "a", 10, 0)
	b := newThread(t, k, "b", 7, 0)
	resume(t, k, 0, a)
	resume(t, k, 0, b)

	k.nodes[0].ready.removeFromBitmap(0, 7)
	if err := k.CheckInvariants(); err == nil {
		t.Fatal("CheckInvariants() = nil for a cleared bit of a non-empty queue")
	}
}
