package kernel

import (
	"errors"
	"testing"
)

func blockOnRecv(t *testing.T, k *Kernel, id ThreadID, ep EndpointID, canGrant bool) {
	t.Helper()
	resume(t, k, 0, id)
	step(t, k, 0, func(c *Context) error {
		return c.ReceiveIPC(ep, RecvArgs{Blocking: true, CanGrant: canGrant})
	})
	if got := k.Thread(id).State(); got != ThreadBlockedOnReceive {
		t.Fatalf("thread %d state = %s, want blocked-recv", id, got)
	}
}

func TestEndpointFIFODelivery(t *testing.T) {
	k := newTestKernel(t, Config{})
	ep := newEndpoint(t, k)

	var recv []ThreadID
	for i := 0; i < 4; i++ {
		id := newThread(t, k, "r", 10, 0)
		blockOnRecv(t, k, id, ep, false)
		recv = append(recv, id)
	}
	if got := k.Endpoint(ep).State(); got != EndpointRecv {
		t.Fatalf("endpoint state = %s, want recv", got)
	}

	s := newThread(t, k, "s", 20, 0)
	resume(t, k, 0, s)
	for i := range recv {
		got := step(t, k, 0, func(c *Context) error {
			ts := c.Current()
			ts.Regs.MsgInfo = MessageInfo{Label: 1, Length: 1}
			ts.Regs.Msg[0] = uint64(100 + i)
			return c.SendIPC(ep, SendArgs{Blocking: true, Badge: 5})
		})
		if got != s {
			t.Fatalf("send %d: running %d, want sender %d", i, got, s)
		}
	}

	for i, id := range recv {
		tr := k.Thread(id)
		if tr.State() != ThreadRunning && tr.State() != ThreadRestart {
			t.Fatalf("receiver %d state = %s, want runnable", i, tr.State())
		}
		if tr.Regs.Msg[0] != uint64(100+i) || tr.Regs.Badge != 5 || tr.Regs.MsgInfo.Label != 1 {
			t.Fatalf("receiver %d got msg=%d badge=%d label=%d, want msg=%d badge=5 label=1",
				i, tr.Regs.Msg[0], tr.Regs.Badge, tr.Regs.MsgInfo.Label, 100+i)
		}
	}
	if got := k.Endpoint(ep).State(); got != EndpointIdle {
		t.Fatalf("endpoint state = %s, want idle", got)
	}
}

func TestSendBlocksAndReceiveTakesSender(t *testing.T) {
	k := newTestKernel(t, Config{})
	ep := newEndpoint(t, k)
	s := newThread(t, k, "s", 10, 0)
	r := newThread(t, k, "r", 10, 0)

	resume(t, k, 0, s)
	step(t, k, 0, func(c *Context) error {
		c.Current().Regs.MsgInfo = MessageInfo{Length: 1}
		c.Current().Regs.Msg[0] = 77
		return c.SendIPC(ep, SendArgs{Blocking: true, Badge: 3})
	})
	if got := k.Thread(s).State(); got != ThreadBlockedOnSend {
		t.Fatalf("sender state = %s, want blocked-send", got)
	}

	resume(t, k, 0, r)
	step(t, k, 0, func(c *Context) error { return c.ReceiveIPC(ep, RecvArgs{Blocking: true}) })
	tr := k.Thread(r)
	if tr.Regs.Msg[0] != 77 || tr.Regs.Badge != 3 {
		t.Fatalf("receiver got msg=%d badge=%d, want 77 and 3", tr.Regs.Msg[0], tr.Regs.Badge)
	}
	if got := k.Thread(s).State(); !got.Runnable() {
		t.Fatalf("sender state = %s, want runnable", got)
	}
}

func TestNonBlockingSendAndReceive(t *testing.T) {
	k := newTestKernel(t, Config{})
	ep := newEndpoint(t, k)
	a := newThread(t, k, "a", 10, 0)
	resume(t, k, 0, a)

	step(t, k, 0, func(c *Context) error { return c.SendIPC(ep, SendArgs{}) })
	if got := k.Endpoint(ep).State(); got != EndpointIdle {
		t.Fatalf("endpoint state after dropped send = %s, want idle", got)
	}

	k.Thread(a).Regs.Badge = 99
	if got := step(t, k, 0, func(c *Context) error { return c.ReceiveIPC(ep, RecvArgs{}) }); got != a {
		t.Fatalf("running %d after non-blocking receive, want %d", got, a)
	}
	if got := k.Thread(a).Regs.Badge; got != 0 {
		t.Fatalf("badge after empty poll = %d, want 0", got)
	}
}

func TestCallReplyRoundTrip(t *testing.T) {
	k := newTestKernel(t, Config{})
	ep := newEndpoint(t, k)
	srv := newThread(t, k, "srv", 20, 0)
	cl := newThread(t, k, "cl", 10, 0)
	blockOnRecv(t, k, srv, ep, true)

	resume(t, k, 0, cl)
	got := step(t, k, 0, func(c *Context) error {
		r := &c.Current().Regs
		r.MsgInfo = MessageInfo{Label: 7, Length: 2}
		r.Msg[0], r.Msg[1] = 11, 22
		return c.SendIPC(ep, SendArgs{Blocking: true, Call: true, Badge: 0x10, CanGrantReply: true})
	})
	if got != srv {
		t.Fatalf("running %d after call, want server %d", got, srv)
	}
	ts, tc := k.Thread(srv), k.Thread(cl)
	if ts.Regs.MsgInfo.Label != 7 || ts.Regs.MsgInfo.Length != 2 || ts.Regs.Msg[1] != 22 || ts.Regs.Badge != 0x10 {
		t.Fatalf("server got %+v msg=%v badge=%#x", ts.Regs.MsgInfo, ts.Regs.Msg, ts.Regs.Badge)
	}
	if tc.State() != ThreadBlockedOnReply || ts.Caller() != cl {
		t.Fatalf("client state=%s server caller=%d, want blocked-reply and %d", tc.State(), ts.Caller(), cl)
	}

	got = step(t, k, 0, func(c *Context) error {
		r := &c.Current().Regs
		r.MsgInfo = MessageInfo{Length: 1}
		r.Msg[0] = 33
		return c.Reply()
	})
	if got != srv {
		t.Fatalf("running %d after reply, want server %d", got, srv)
	}
	if tc.State() != ThreadRunning || tc.Regs.Msg[0] != 33 || tc.Regs.MsgInfo.Length != 1 {
		t.Fatalf("client state=%s msg0=%d, want running with 33", tc.State(), tc.Regs.Msg[0])
	}
	if ts.Caller() != NoThread {
		t.Fatalf("server still holds caller %d", ts.Caller())
	}

	c := k.Enter(0)
	defer c.Exit()
	if err := c.Reply(); !errors.Is(err, ErrInvalidCapability) {
		t.Fatalf("Reply() without caller error = %v, want ErrInvalidCapability", err)
	}
}

func TestCallWithoutGrantLeavesCallerInactive(t *testing.T) {
	k := newTestKernel(t, Config{})
	ep := newEndpoint(t, k)
	srv := newThread(t, k, "srv", 20, 0)
	cl := newThread(t, k, "cl", 10, 0)
	blockOnRecv(t, k, srv, ep, false)

	resume(t, k, 0, cl)
	step(t, k, 0, func(c *Context) error { return c.SendIPC(ep, SendArgs{Blocking: true, Call: true}) })
	if got := k.Thread(cl).State(); got != ThreadInactive {
		t.Fatalf("client state = %s, want inactive", got)
	}
	if got := k.Thread(srv).Caller(); got != NoThread {
		t.Fatalf("server caller = %d, want none", got)
	}
}

func TestReplyRecvServesQueuedCallers(t *testing.T) {
	k := newTestKernel(t, Config{})
	ep := newEndpoint(t, k)
	srv := newThread(t, k, "srv", 5, 0)
	c1 := newThread(t, k, "c1", 10, 0)
	c2 := newThread(t, k, "c2", 10, 0)

	call := func(c *Context) error {
		return c.SendIPC(ep, SendArgs{Blocking: true, Call: true, CanGrantReply: true})
	}
	resume(t, k, 0, c1)
	step(t, k, 0, call)
	resume(t, k, 0, c2)
	step(t, k, 0, call)

	resume(t, k, 0, srv)
	step(t, k, 0, func(c *Context) error { return c.ReceiveIPC(ep, RecvArgs{Blocking: true}) })
	if got := k.Thread(srv).Caller(); got != c1 {
		t.Fatalf("server caller = %d, want first caller %d", got, c1)
	}

	got := step(t, k, 0, func(c *Context) error { return c.ReplyRecv(ep, RecvArgs{Blocking: true}) })
	if got != c1 {
		t.Fatalf("running %d after reply-recv, want replied client %d", got, c1)
	}
	if caller := k.Thread(srv).Caller(); caller != c2 {
		t.Fatalf("server caller = %d, want %d", caller, c2)
	}
	if st := k.Thread(srv).State(); st != ThreadRunning {
		t.Fatalf("server state = %s, want running", st)
	}
}

func TestReceiveDropsStaleCaller(t *testing.T) {
	k := newTestKernel(t, Config{})
	ep := newEndpoint(t, k)
	other := newEndpoint(t, k)
	srv := newThread(t, k, "srv", 20, 0)
	cl := newThread(t, k, "cl", 10, 0)
	blockOnRecv(t, k, srv, ep, false)

	resume(t, k, 0, cl)
	step(t, k, 0, func(c *Context) error {
		return c.SendIPC(ep, SendArgs{Blocking: true, Call: true, CanGrantReply: true})
	})
	step(t, k, 0, func(c *Context) error { return c.ReceiveIPC(other, RecvArgs{Blocking: true}) })

	if got := k.Thread(srv).Caller(); got != NoThread {
		t.Fatalf("server caller = %d after receive, want none", got)
	}
	if got := k.Thread(cl).State(); got != ThreadBlockedOnReply {
		t.Fatalf("client state = %s, want blocked-reply", got)
	}

	step(t, k, 0, func(c *Context) error { return c.InvokeResume(cl) })
	if got := k.Thread(cl).State(); !got.Runnable() {
		t.Fatalf("client state = %s after resume, want runnable", got)
	}
}

func TestCapTransferUnwrapsSameEndpoint(t *testing.T) {
	k := newTestKernel(t, Config{})
	ep := newEndpoint(t, k)

	srvBuf := &IPCBuffer{RecvSlot: &Capability{}}
	srv, err := k.NewThread(ThreadConfig{Name: "srv", Priority: 20, MCP: 255, FaultHandler: NoEndpoint, Buffer: srvBuf})
	if err != nil {
		t.Fatalf("NewThread() error = %v", err)
	}
	clBuf := &IPCBuffer{}
	cl, err := k.NewThread(ThreadConfig{Name: "cl", Priority: 10, MCP: 255, FaultHandler: NoEndpoint, Buffer: clBuf})
	if err != nil {
		t.Fatalf("NewThread() error = %v", err)
	}
	ntfnCap := Capability{Kind: CapNotification, Object: 3, Rights: RightSend}
	clBuf.ExtraCaps[0] = Capability{Kind: CapEndpoint, Object: uint32(ep), Badge: 9, Rights: RightSend}
	clBuf.ExtraCaps[1] = ntfnCap
	clBuf.ExtraCaps[2] = Capability{Kind: CapFrame, Object: 1}
	clBuf.Msg[4], clBuf.Msg[5] = 44, 55

	blockOnRecv(t, k, srv, ep, false)
	resume(t, k, 0, cl)
	step(t, k, 0, func(c *Context) error {
		c.Current().Regs.MsgInfo = MessageInfo{Label: 2, Length: 6, ExtraCaps: 3}
		return c.SendIPC(ep, SendArgs{Blocking: true, CanGrant: true})
	})

	info := k.Thread(srv).Regs.MsgInfo
	if info.ExtraCaps != 2 || info.CapsUnwrapped != 1 || info.Length != 6 {
		t.Fatalf("received info = %+v, want 2 caps, unwrapped 0b1, length 6", info)
	}
	if srvBuf.CapsOrBadges[0] != 9 {
		t.Fatalf("CapsOrBadges[0] = %d, want 9", srvBuf.CapsOrBadges[0])
	}
	if *srvBuf.RecvSlot != ntfnCap {
		t.Fatalf("receive slot = %+v, want %+v", *srvBuf.RecvSlot, ntfnCap)
	}
	if srvBuf.Msg[4] != 44 || srvBuf.Msg[5] != 55 {
		t.Fatalf("buffer words = %d,%d, want 44,55", srvBuf.Msg[4], srvBuf.Msg[5])
	}
}

func TestCapTransferWithoutGrantSendsNoCaps(t *testing.T) {
	k := newTestKernel(t, Config{})
	ep := newEndpoint(t, k)
	srvBuf := &IPCBuffer{RecvSlot: &Capability{}}
	srv, _ := k.NewThread(ThreadConfig{Name: "srv", Priority: 20, FaultHandler: NoEndpoint, Buffer: srvBuf})
	clBuf := &IPCBuffer{}
	clBuf.ExtraCaps[0] = Capability{Kind: CapNotification, Object: 1}
	cl, _ := k.NewThread(ThreadConfig{Name: "cl", Priority: 10, FaultHandler: NoEndpoint, Buffer: clBuf})

	blockOnRecv(t, k, srv, ep, false)
	resume(t, k, 0, cl)
	step(t, k, 0, func(c *Context) error {
		c.Current().Regs.MsgInfo = MessageInfo{ExtraCaps: 1}
		return c.SendIPC(ep, SendArgs{Blocking: true})
	})
	if got := k.Thread(srv).Regs.MsgInfo.ExtraCaps; got != 0 {
		t.Fatalf("ExtraCaps = %d, want 0", got)
	}
	if srvBuf.RecvSlot.Kind != CapNull {
		t.Fatalf("receive slot = %+v, want null", *srvBuf.RecvSlot)
	}
}

func TestFaultReplyRestartsThread(t *testing.T) {
	k := newTestKernel(t, Config{})
	ep := newEndpoint(t, k)
	h := newThread(t, k, "handler", 20, 0)
	f, err := k.NewThread(ThreadConfig{Name: "f", Priority: 10, MCP: 255, FaultHandler: ep, FaultBadge: 0x99})
	if err != nil {
		t.Fatalf("NewThread() error = %v", err)
	}
	blockOnRecv(t, k, h, ep, false)

	resume(t, k, 0, f)
	got := step(t, k, 0, func(c *Context) error {
		r := &c.Current().Regs
		r.FaultIP, r.IP = 5, 6
		return c.HandleFault(Fault{Kind: FaultUserException, Addr: 0xdead, Code: 2})
	})
	if got != h {
		t.Fatalf("running %d after fault, want handler %d", got, h)
	}
	th, tf := k.Thread(h), k.Thread(f)
	if th.Regs.MsgInfo.Label != uint64(FaultUserException) || th.Regs.Msg[0] != 5 || th.Regs.Msg[1] != 0xdead || th.Regs.Badge != 0x99 {
		t.Fatalf("handler got info=%+v msg=%v badge=%#x", th.Regs.MsgInfo, th.Regs.Msg, th.Regs.Badge)
	}
	if tf.State() != ThreadBlockedOnReply || tf.Fault().Kind != FaultUserException {
		t.Fatalf("faulter state=%s fault=%s, want blocked-reply with user-exception", tf.State(), tf.Fault().Kind)
	}

	step(t, k, 0, func(c *Context) error {
		r := &c.Current().Regs
		r.MsgInfo = MessageInfo{Label: 0, Length: 1}
		r.Msg[0] = 6
		return c.Reply()
	})
	if tf.State() != ThreadRestart || tf.Fault().Kind != FaultNone {
		t.Fatalf("faulter state=%s fault=%s, want restart with no fault", tf.State(), tf.Fault().Kind)
	}

	got = step(t, k, 0, func(c *Context) error { return c.ReceiveIPC(ep, RecvArgs{Blocking: true}) })
	if got != f || tf.State() != ThreadRunning || tf.Regs.IP != 6 {
		t.Fatalf("running %d state=%s ip=%d, want %d running at ip 6", got, tf.State(), tf.Regs.IP, f)
	}
}

func TestFaultReplyWithErrorLabelStopsThread(t *testing.T) {
	k := newTestKernel(t, Config{})
	ep := newEndpoint(t, k)
	h := newThread(t, k, "handler", 20, 0)
	f, _ := k.NewThread(ThreadConfig{Name: "f", Priority: 10, FaultHandler: ep})
	blockOnRecv(t, k, h, ep, false)

	resume(t, k, 0, f)
	step(t, k, 0, func(c *Context) error { return c.HandleFault(Fault{Kind: FaultCap}) })
	step(t, k, 0, func(c *Context) error {
		c.Current().Regs.MsgInfo = MessageInfo{Label: 1}
		return c.Reply()
	})
	if got := k.Thread(f).State(); got != ThreadInactive {
		t.Fatalf("faulter state = %s, want inactive", got)
	}
}

func TestFaultWithoutHandlerStopsThread(t *testing.T) {
	k := newTestKernel(t, Config{})
	f := newThread(t, k, "f", 10, 0)
	resume(t, k, 0, f)
	got := step(t, k, 0, func(c *Context) error { return c.HandleFault(Fault{Kind: FaultVM, Addr: 0x1000}) })
	if got != 0 || k.Thread(f).State() != ThreadInactive {
		t.Fatalf("running %d, faulter %s, want idle and inactive", got, k.Thread(f).State())
	}
}

func TestCancelAllIPCRestartsWaiters(t *testing.T) {
	k := newTestKernel(t, Config{})
	ep := newEndpoint(t, k)
	var ids []ThreadID
	for i := 0; i < 3; i++ {
		id := newThread(t, k, "r", 10, 0)
		blockOnRecv(t, k, id, ep, false)
		ids = append(ids, id)
	}

	cur := step(t, k, 0, func(c *Context) error { return c.CancelAllIPC(ep) })
	if got := k.Endpoint(ep).State(); got != EndpointIdle {
		t.Fatalf("endpoint state = %s, want idle", got)
	}
	running := 0
	for _, id := range ids {
		st := k.Thread(id).State()
		if !st.Runnable() {
			t.Fatalf("thread %d state = %s, want runnable", id, st)
		}
		if id == cur {
			running++
		}
	}
	if running != 1 {
		t.Fatalf("running thread %d is not one of the restarted waiters", cur)
	}
}

func TestCancelBadgedSends(t *testing.T) {
	k := newTestKernel(t, Config{})
	ep := newEndpoint(t, k)
	badges := []uint64{1, 2, 1}
	var ids []ThreadID
	for _, b := range badges {
		id := newThread(t, k, "s", 10, 0)
		resume(t, k, 0, id)
		badge := b
		step(t, k, 0, func(c *Context) error { return c.SendIPC(ep, SendArgs{Blocking: true, Badge: badge}) })
		ids = append(ids, id)
	}

	step(t, k, 0, func(c *Context) error { return c.CancelBadgedSends(ep, 1) })
	e := k.Endpoint(ep)
	if e.State() != EndpointSend {
		t.Fatalf("endpoint state = %s, want send", e.State())
	}
	if q := k.queueIDs(e.queue); len(q) != 1 || q[0] != ids[1] {
		t.Fatalf("endpoint queue = %v, want [%d]", q, ids[1])
	}
	for _, i := range []int{0, 2} {
		if st := k.Thread(ids[i]).State(); !st.Runnable() {
			t.Fatalf("sender %d state = %s, want runnable", i, st)
		}
	}
}

func TestCancelIPCClearsReply(t *testing.T) {
	k := newTestKernel(t, Config{})
	ep := newEndpoint(t, k)
	srv := newThread(t, k, "srv", 20, 0)
	cl := newThread(t, k, "cl", 10, 0)
	blockOnRecv(t, k, srv, ep, false)
	resume(t, k, 0, cl)
	step(t, k, 0, func(c *Context) error {
		return c.SendIPC(ep, SendArgs{Blocking: true, Call: true, CanGrantReply: true})
	})

	step(t, k, 0, func(c *Context) error { return c.CancelIPC(cl) })
	if got := k.Thread(cl).State(); got != ThreadInactive {
		t.Fatalf("client state = %s, want inactive", got)
	}
	if got := k.Thread(srv).Caller(); got != NoThread {
		t.Fatalf("server caller = %d, want none", got)
	}
}

func TestPriorityOrderedIPC(t *testing.T) {
	k := newTestKernel(t, Config{PriorityOrderedIPC: true})
	ep := newEndpoint(t, k)
	prios := []uint8{5, 15, 10}
	var ids []ThreadID
	for _, p := range prios {
		id := newThread(t, k, "r", p, 0)
		blockOnRecv(t, k, id, ep, false)
		ids = append(ids, id)
	}

	want := []ThreadID{ids[1], ids[2], ids[0]}
	if got := k.queueIDs(k.Endpoint(ep).queue); !equalIDs(got, want) {
		t.Fatalf("queue = %v, want %v", got, want)
	}

	step(t, k, 0, func(c *Context) error { return c.InvokeSetPriority(ids[0], ids[0], 20) })
	want = []ThreadID{ids[0], ids[1], ids[2]}
	if got := k.queueIDs(k.Endpoint(ep).queue); !equalIDs(got, want) {
		t.Fatalf("queue after raising %d = %v, want %v", ids[0], got, want)
	}
}

func equalIDs(a, b []ThreadID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
