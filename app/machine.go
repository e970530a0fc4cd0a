package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"kcore/hal"
	"kcore/kern/console"
	"kcore/kern/kernel"
)

// Lines above the kernel's IPIs, raised by the host side of the machine.
const (
	irqSnapshot kernel.IRQ = 16 + iota
	irqReport
)

// ErrHalted is returned once the kernel has halted.
var ErrHalted = errors.New("kernel halted")

// MachineConfig configures a Machine.
type MachineConfig struct {
	Script *Script

	// Cores overrides the script's core count when positive.
	Cores int

	Logger  hal.Logger
	Console *console.Console

	// StepBudget is how many program ops each core may run per tick.
	StepBudget int

	// Trace routes the kernel's own log lines and the arch hooks to Logger.
	Trace bool

	// Validate checks the kernel invariants before every kernel exit.
	Validate bool
}

type coreState struct {
	lines  atomic.Uint32
	credit atomic.Int64
	wake   chan struct{}
}

func (cs *coreState) kick() {
	select {
	case cs.wake <- struct{}{}:
	default:
	}
}

// thread is the user half of a kernel thread: the program it runs.
type thread struct {
	name string
	prog []Op

	// awaiting is the op whose result the thread reads when it next runs,
	// and awaitIP the IP that op left behind. Guarded by the kernel lock.
	awaiting *Op
	awaitIP  uint64
}

// Machine runs scripted thread programs on a multi-core kernel, one
// goroutine per core.
type Machine struct {
	k        *kernel.Kernel
	log      hal.Logger
	con      *console.Console
	budget   int64
	validate bool

	cores   []coreState
	threads map[kernel.ThreadID]*thread
	eps     map[string]kernel.EndpointID
	ntfns   map[string]kernel.NotificationID
	tids    map[string]kernel.ThreadID

	snapMu sync.Mutex
	snaps  chan kernel.Snapshot

	failOnce sync.Once
	failErr  error
	halted   chan struct{}
}

// NewMachine creates the kernel objects the script declares and resumes its
// threads. Nothing runs until Run.
func NewMachine(cfg MachineConfig) (*Machine, error) {
	s := cfg.Script
	if s == nil {
		return nil, fmt.Errorf("%w: no script", ErrScript)
	}
	cores := s.Cores
	if cfg.Cores > 0 {
		cores = cfg.Cores
	}
	if cores <= 0 {
		cores = 1
	}
	budget := cfg.StepBudget
	if budget <= 0 {
		budget = 4
	}
	log := cfg.Logger
	if log == nil {
		log = discardLogger{}
	}

	m := &Machine{
		log:      log,
		con:      cfg.Console,
		budget:   int64(budget),
		validate: cfg.Validate,
		cores:    make([]coreState, cores),
		threads:  make(map[kernel.ThreadID]*thread),
		eps:      make(map[string]kernel.EndpointID),
		ntfns:    make(map[string]kernel.NotificationID),
		tids:     make(map[string]kernel.ThreadID),
		snaps:    make(chan kernel.Snapshot, 1),
		halted:   make(chan struct{}),
	}
	for i := range m.cores {
		m.cores[i].wake = make(chan struct{}, 1)
	}

	kcfg := kernel.Config{
		Cores:              cores,
		Domains:            s.Domains,
		Priorities:         s.Priorities,
		MaxThreads:         len(s.Threads),
		MaxEndpoints:       len(s.Endpoints),
		MaxNotifications:   len(s.Notifications),
		TimeSlice:          s.TimeSlice,
		DomainSchedule:     s.DomainSchedule,
		PriorityOrderedIPC: s.PriorityOrderedIPC,
		Interrupts:         m,
	}
	if cfg.Trace {
		kcfg.Logger = log
		kcfg.Arch = traceArch{log: log}
	}
	k, err := kernel.New(kcfg)
	if err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}
	m.k = k

	for _, name := range s.Endpoints {
		id, err := k.NewEndpoint()
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", name, err)
		}
		m.eps[name] = id
	}
	for _, name := range s.Notifications {
		id, err := k.NewNotification()
		if err != nil {
			return nil, fmt.Errorf("notification %s: %w", name, err)
		}
		m.ntfns[name] = id
	}
	for _, td := range s.Threads {
		tc := kernel.ThreadConfig{
			Name:         td.Name,
			Priority:     td.Priority,
			MCP:          td.MCP,
			Domain:       td.Domain,
			Affinity:     td.Core,
			FaultHandler: kernel.NoEndpoint,
			FaultBadge:   td.FaultBadge,
		}
		if td.Handler != "" {
			tc.FaultHandler = m.eps[td.Handler]
		}
		if td.Buffer {
			tc.Buffer = &kernel.IPCBuffer{RecvSlot: &kernel.Capability{}}
		}
		id, err := k.NewThread(tc)
		if err != nil {
			return nil, fmt.Errorf("line %d: thread %s: %w", td.Line, td.Name, err)
		}
		m.tids[td.Name] = id
		m.threads[id] = &thread{name: td.Name, prog: s.Programs[td.Name]}
	}

	c := k.Enter(0)
	defer c.Exit()
	for _, b := range s.Binds {
		if err := c.InvokeBindNotification(m.tids[b.Thread], m.ntfns[b.Notification]); err != nil {
			return nil, fmt.Errorf("line %d: bind %s %s: %w", b.Line, b.Thread, b.Notification, err)
		}
	}
	for _, td := range s.Threads {
		if td.Stopped {
			continue
		}
		if err := c.InvokeResume(m.tids[td.Name]); err != nil {
			return nil, fmt.Errorf("line %d: resume %s: %w", td.Line, td.Name, err)
		}
	}
	return m, nil
}

// Kernel returns the machine's kernel.
func (m *Machine) Kernel() *kernel.Kernel { return m.k }

// Thread returns the id of the named thread.
func (m *Machine) Thread(name string) (kernel.ThreadID, bool) {
	id, ok := m.tids[name]
	return id, ok
}

// Raise latches irq on core and wakes it.
func (m *Machine) Raise(core int, irq kernel.IRQ) {
	if core < 0 || core >= len(m.cores) {
		return
	}
	cs := &m.cores[core]
	bit := uint32(1) << irq
	for {
		old := cs.lines.Load()
		if old&bit != 0 || cs.lines.CompareAndSwap(old, old|bit) {
			break
		}
	}
	cs.kick()
}

// Tick raises the timer on every core and refills its step budget.
func (m *Machine) Tick() {
	for core := range m.cores {
		m.cores[core].credit.Store(m.budget)
		m.Raise(core, kernel.IRQTimer)
	}
}

// Report asks core 0 to log a snapshot and draw it on the console.
func (m *Machine) Report() {
	m.Raise(0, irqReport)
}

// Snapshot asks core 0 for a copy of the kernel state, taken inside the
// kernel between two entries.
func (m *Machine) Snapshot(ctx context.Context) (kernel.Snapshot, error) {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()

	select {
	case <-m.snaps:
	default:
	}
	m.Raise(0, irqSnapshot)
	select {
	case s := <-m.snaps:
		return s, nil
	case <-m.halted:
		return kernel.Snapshot{}, m.Err()
	case <-ctx.Done():
		return kernel.Snapshot{}, ctx.Err()
	}
}

// Err returns the error that stopped the machine, if any.
func (m *Machine) Err() error {
	select {
	case <-m.halted:
		return m.failErr
	default:
		return nil
	}
}

// Halted is closed once the machine has stopped on an error.
func (m *Machine) Halted() <-chan struct{} { return m.halted }

func (m *Machine) fail(err error) {
	m.failOnce.Do(func() {
		m.failErr = err
		close(m.halted)
	})
}

// Run drives every core until ctx is done or the kernel halts. A halted
// kernel leaves the other cores spinning on the lock, so Run returns without
// waiting for them.
func (m *Machine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for core := range m.cores {
		core := core
		g.Go(func() error {
			err := m.runCore(gctx, core)
			if err != nil {
				m.fail(err)
			}
			return err
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-m.halted:
		return m.Err()
	}
}

func (m *Machine) runCore(ctx context.Context, core int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: cpu%d: %v", ErrHalted, core, r)
		}
	}()

	cs := &m.cores[core]
	for {
		if ctx.Err() != nil {
			return nil
		}
		lines := cs.lines.Swap(0)
		if lines&(1<<kernel.IRQRemoteCall) != 0 {
			m.k.HandleRemoteCall(core)
		}
		if lines&^(1<<kernel.IRQRemoteCall) != 0 {
			m.interrupt(core, lines)
		}

		if m.k.Running(core) == m.k.IdleThread(core) || cs.credit.Load() <= 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-cs.wake:
			}
			continue
		}
		cs.credit.Add(-1)
		m.step(core)
	}
}

func (m *Machine) exit(c *kernel.Context) {
	if m.validate {
		c.Validate()
	}
	c.Exit()
}

func (m *Machine) interrupt(core int, lines uint32) {
	c := m.k.EnterIRQ(core)
	if lines&(1<<kernel.IRQTimer) != 0 {
		c.TimerTick()
	}
	if lines&(1<<kernel.IRQReschedule) != 0 {
		c.RescheduleRequired()
	}
	var snap kernel.Snapshot
	wantSnap := lines&(1<<irqSnapshot|1<<irqReport) != 0
	if wantSnap {
		snap = c.Dump()
	}
	m.exit(c)

	if lines&(1<<irqSnapshot) != 0 {
		select {
		case m.snaps <- snap:
		default:
		}
	}
	if lines&(1<<irqReport) != 0 {
		m.report("snapshot", snap)
	}
}

func (m *Machine) report(title string, s kernel.Snapshot) {
	m.log.WriteLineString("--- " + title)
	for _, line := range s.Lines() {
		m.log.WriteLineString(line)
	}
	if m.con != nil {
		_ = m.con.DrawSnapshot(title, s)
	}
}

func (m *Machine) logf(format string, args ...any) {
	m.log.WriteLineString(fmt.Sprintf(format, args...))
}

// step runs one op of the thread current on core.
func (m *Machine) step(core int) {
	c := m.k.Enter(core)
	if c.Preempted() {
		m.exit(c)
		return
	}
	t := c.Current()
	th := m.threads[t.ID()]
	if t.IsIdle() || th == nil {
		m.exit(c)
		return
	}
	m.collect(core, th, t)

	if t.Regs.IP >= uint64(len(th.prog)) {
		m.logf("cpu%d %s: done", core, th.name)
		if err := c.InvokeSuspend(t.ID()); err != nil {
			m.logf("cpu%d %s: suspend: %v", core, th.name, err)
		}
		m.exit(c)
		return
	}

	op := &th.prog[t.Regs.IP]
	t.Regs.FaultIP = t.Regs.IP
	t.Regs.IP++
	if err := m.exec(c, th, t, op); err != nil {
		m.logf("cpu%d %s: line %d: %s: %v", core, th.name, op.Line, op.Kind, err)
	}
	m.exit(c)
}

// collect logs the result of the op the thread last blocked or received on.
func (m *Machine) collect(core int, th *thread, t *kernel.TCB) {
	op := th.awaiting
	if op == nil {
		return
	}
	th.awaiting = nil
	if t.Regs.IP != th.awaitIP {
		return
	}

	switch op.Kind {
	case OpWait, OpPoll:
		m.logf("cpu%d %s: %s got badge=%#x", core, th.name, op.Kind, t.Regs.Badge)
		return
	}
	info := t.Regs.MsgInfo
	words := make([]string, 0, info.Length)
	for i := 0; i < info.Length; i++ {
		var w uint64
		switch {
		case i < kernel.MsgRegisters:
			w = t.Regs.Msg[i]
		case t.Buffer != nil:
			w = t.Buffer.Msg[i]
		}
		words = append(words, fmt.Sprint(w))
	}
	line := fmt.Sprintf("cpu%d %s: %s got label=%d badge=%#x msg=[%s]",
		core, th.name, op.Kind, info.Label, t.Regs.Badge, strings.Join(words, " "))
	if info.ExtraCaps > 0 && t.Buffer != nil {
		line += fmt.Sprintf(" caps=%d unwrapped=%#b", info.ExtraCaps, info.CapsUnwrapped)
		if slot := t.Buffer.RecvSlot; slot != nil && slot.Kind != kernel.CapNull {
			line += fmt.Sprintf(" slot=%s/%d", capKindName(slot.Kind), slot.Object)
			*slot = kernel.Capability{}
		}
	}
	m.log.WriteLineString(line)
}

func capKindName(k kernel.CapKind) string {
	switch k {
	case kernel.CapEndpoint:
		return "ep"
	case kernel.CapNotification:
		return "ntfn"
	case kernel.CapThread:
		return "tcb"
	case kernel.CapFrame:
		return "frame"
	default:
		return "null"
	}
}

func (m *Machine) await(th *thread, t *kernel.TCB, op *Op) {
	th.awaiting = op
	th.awaitIP = t.Regs.IP
}

// load writes the op's message into the thread's registers and buffer.
func (m *Machine) load(t *kernel.TCB, op *Op) {
	r := &t.Regs
	r.MsgInfo = kernel.MessageInfo{Label: op.Label, Length: len(op.Words)}
	for i, w := range op.Words {
		if i < kernel.MsgRegisters {
			r.Msg[i] = w
			continue
		}
		if t.Buffer == nil {
			r.MsgInfo.Length = kernel.MsgRegisters
			break
		}
		t.Buffer.Msg[i] = w
	}
	if t.Buffer == nil || len(op.Caps) == 0 {
		return
	}
	t.Buffer.ExtraCaps = [kernel.MaxExtraCaps]kernel.Capability{}
	for i, name := range op.Caps {
		t.Buffer.ExtraCaps[i] = m.capFor(name)
	}
	r.MsgInfo.ExtraCaps = len(op.Caps)
}

// capFor resolves "name" or "name@badge" to a capability.
func (m *Machine) capFor(ref string) kernel.Capability {
	name, b, _ := strings.Cut(ref, "@")
	var badge uint64
	if b != "" {
		badge, _ = parseNum(b)
	}
	if id, ok := m.eps[name]; ok {
		return kernel.Capability{Kind: kernel.CapEndpoint, Object: uint32(id), Badge: badge, Rights: kernel.RightSend | kernel.RightRecv}
	}
	if id, ok := m.ntfns[name]; ok {
		return kernel.Capability{Kind: kernel.CapNotification, Object: uint32(id), Badge: badge, Rights: kernel.RightSend | kernel.RightRecv}
	}
	return kernel.Capability{}
}

func byteArg(op *Op) (uint8, error) {
	if op.Value > 255 {
		return 0, fmt.Errorf("%w: %d", kernel.ErrRange, op.Value)
	}
	return uint8(op.Value), nil
}

// exec performs op as the system call the current thread t makes.
func (m *Machine) exec(c *kernel.Context, th *thread, t *kernel.TCB, op *Op) error {
	self := t.ID()
	switch op.Kind {
	case OpSend, OpNBSend, OpCall:
		m.load(t, op)
		if op.Kind == OpCall {
			m.await(th, t, op)
		}
		return c.SendIPC(m.eps[op.Target], kernel.SendArgs{
			Blocking:      op.Kind != OpNBSend,
			Call:          op.Kind == OpCall,
			Badge:         op.Value,
			CanGrant:      op.Grant,
			CanGrantReply: op.Kind == OpCall,
		})
	case OpRecv, OpNBRecv:
		m.await(th, t, op)
		return c.ReceiveIPC(m.eps[op.Target], kernel.RecvArgs{Blocking: op.Kind == OpRecv, CanGrant: op.Grant})
	case OpReply:
		m.load(t, op)
		return c.Reply()
	case OpReplyRecv:
		m.load(t, op)
		m.await(th, t, op)
		return c.ReplyRecv(m.eps[op.Target], kernel.RecvArgs{Blocking: true, CanGrant: op.Grant})
	case OpSignal:
		return c.SendSignal(m.ntfns[op.Target], op.Value)
	case OpWait, OpPoll:
		m.await(th, t, op)
		return c.ReceiveSignal(m.ntfns[op.Target], op.Kind == OpWait)
	case OpYield:
		c.Yield()
		return nil
	case OpSuspend:
		return c.InvokeSuspend(m.tids[op.Target])
	case OpResume:
		return c.InvokeResume(m.tids[op.Target])
	case OpPrio, OpMCP, OpDomain:
		v, err := byteArg(op)
		if err != nil {
			return err
		}
		switch op.Kind {
		case OpPrio:
			return c.InvokeSetPriority(self, m.tids[op.Target], v)
		case OpMCP:
			return c.InvokeSetMCP(self, m.tids[op.Target], v)
		}
		return c.InvokeSetDomain(m.tids[op.Target], v)
	case OpAffinity:
		if op.Value >= uint64(len(m.cores)) {
			return fmt.Errorf("%w: core %d", kernel.ErrRange, op.Value)
		}
		return c.InvokeSetAffinity(m.tids[op.Target], int(op.Value))
	case OpBind:
		return c.InvokeBindNotification(self, m.ntfns[op.Target])
	case OpUnbind:
		return c.InvokeUnbindNotification(self)
	case OpFault:
		return c.HandleFault(kernel.Fault{Kind: op.Fault, Addr: op.Value, Code: op.Aux})
	case OpFlush:
		switch op.Aux {
		case FlushASID:
			c.InvalidateTranslationASID(op.Value, op.Mask)
		case FlushSingle:
			c.InvalidateTranslationSingle(op.Value, op.Mask)
		default:
			c.InvalidateTranslationAll(op.Mask)
		}
		return nil
	case OpFPU:
		return c.UseFPU()
	case OpMaskIRQ, OpUnmaskIRQ:
		return c.MaskInterrupt(int(op.Aux), op.Kind == OpMaskIRQ, op.Value)
	case OpCancel:
		return c.CancelAllIPC(m.eps[op.Target])
	case OpRevoke:
		return c.CancelBadgedSends(m.eps[op.Target], op.Value)
	case OpDump:
		m.report(th.name, c.Dump())
		return nil
	case OpLoop:
		t.Regs.IP = op.Value
		return nil
	case OpExit:
		m.logf("cpu%d %s: exit", c.Core(), th.name)
		return c.InvokeSuspend(self)
	}
	return fmt.Errorf("%w: unknown op %d", ErrScript, op.Kind)
}

// traceArch logs the hardware side of remote calls.
type traceArch struct {
	log hal.Logger
}

func (a traceArch) InvalidateTranslationSingle(core int, vaddr uint64) {
	a.log.WriteLineString(fmt.Sprintf("cpu%d: tlb: invalidate %#x", core, vaddr))
}

func (a traceArch) InvalidateTranslationASID(core int, asid uint64) {
	a.log.WriteLineString(fmt.Sprintf("cpu%d: tlb: invalidate asid %d", core, asid))
}

func (a traceArch) InvalidateTranslationAll(core int) {
	a.log.WriteLineString(fmt.Sprintf("cpu%d: tlb: invalidate all", core))
}

func (a traceArch) MaskInterrupt(core int, disable bool, irq uint64) {
	verb := "unmask"
	if disable {
		verb = "mask"
	}
	a.log.WriteLineString(fmt.Sprintf("cpu%d: irq %d: %s", core, irq, verb))
}

type discardLogger struct{}

func (discardLogger) WriteLineString(string) {}
func (discardLogger) WriteLineBytes([]byte)  {}
