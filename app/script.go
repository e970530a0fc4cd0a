package app

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"kcore/kern/kernel"
)

// ErrScript reports a malformed scenario script.
var ErrScript = errors.New("script")

// OpKind is one step of a thread program.
type OpKind uint8

const (
	OpSend OpKind = iota
	OpNBSend
	OpCall
	OpRecv
	OpNBRecv
	OpReply
	OpReplyRecv
	OpSignal
	OpWait
	OpPoll
	OpYield
	OpSuspend
	OpResume
	OpPrio
	OpMCP
	OpAffinity
	OpDomain
	OpBind
	OpUnbind
	OpFault
	OpFlush
	OpFPU
	OpMaskIRQ
	OpUnmaskIRQ
	OpCancel
	OpRevoke
	OpDump
	OpLoop
	OpExit
)

var opNames = map[string]OpKind{
	"send":      OpSend,
	"nbsend":    OpNBSend,
	"call":      OpCall,
	"recv":      OpRecv,
	"nbrecv":    OpNBRecv,
	"reply":     OpReply,
	"replyrecv": OpReplyRecv,
	"signal":    OpSignal,
	"wait":      OpWait,
	"poll":      OpPoll,
	"yield":     OpYield,
	"suspend":   OpSuspend,
	"resume":    OpResume,
	"prio":      OpPrio,
	"mcp":       OpMCP,
	"affinity":  OpAffinity,
	"domain":    OpDomain,
	"bind":      OpBind,
	"unbind":    OpUnbind,
	"fault":     OpFault,
	"flush":     OpFlush,
	"fpu":       OpFPU,
	"maskirq":   OpMaskIRQ,
	"unmaskirq": OpUnmaskIRQ,
	"cancel":    OpCancel,
	"revoke":    OpRevoke,
	"dump":      OpDump,
	"loop":      OpLoop,
	"exit":      OpExit,
}

func (k OpKind) String() string {
	for name, v := range opNames {
		if v == k {
			return name
		}
	}
	return "op(" + strconv.Itoa(int(k)) + ")"
}

// Flush scopes.
const (
	FlushAll = iota
	FlushASID
	FlushSingle
)

// Op is one decoded program line. Target names an endpoint, notification or
// thread; Value carries the numeric operand of the op (badge, priority,
// core, address, irq).
type Op struct {
	Line   int
	Kind   OpKind
	Target string
	Value  uint64
	Aux    uint64
	Label  uint64
	Words  []uint64
	Caps   []string
	Grant  bool
	Mask   uint64
	Fault  kernel.FaultKind
}

// ThreadDecl declares a thread created at boot.
type ThreadDecl struct {
	Line       int
	Name       string
	Priority   uint8
	MCP        uint8
	Core       int
	Domain     uint8
	Handler    string
	FaultBadge uint64
	Buffer     bool
	Stopped    bool
}

// BindDecl binds a notification to a thread at boot.
type BindDecl struct {
	Line         int
	Thread       string
	Notification string
}

// Script is a parsed scenario: kernel configuration, the objects created at
// boot, and one program per thread.
type Script struct {
	Cores              int
	Domains            int
	Priorities         int
	TimeSlice          int
	DomainSchedule     []kernel.DomainEntry
	PriorityOrderedIPC bool

	Endpoints     []string
	Notifications []string
	Threads       []ThreadDecl
	Binds         []BindDecl
	Programs      map[string][]Op
}

// ParseScript reads a scenario script. Lines are shell-tokenized; '#' starts
// a comment.
//
//	config cores=2 domains=2 timeslice=5 schedule=0:10,1:10 ordered
//	endpoint ep
//	notification irq
//	thread srv prio=20 core=1 buffer
//	bind srv irq
//	srv: recv ep
//	srv: replyrecv ep 42
func ParseScript(r io.Reader) (*Script, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	s := &Script{Programs: make(map[string][]Op)}
	names := make(map[string]string)

	declare := func(line int, name, kind string) error {
		if prev, ok := names[name]; ok {
			return fmt.Errorf("%w: line %d: %q already declared as %s", ErrScript, line, name, prev)
		}
		names[name] = kind
		return nil
	}

	for i, raw := range strings.Split(string(src), "\n") {
		line := i + 1
		toks, err := shlex.Split(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrScript, line, err)
		}
		if len(toks) == 0 {
			continue
		}

		head := toks[0]
		switch {
		case head == "config":
			if err := s.parseConfig(line, toks[1:]); err != nil {
				return nil, err
			}
		case head == "endpoint" || head == "notification":
			if len(toks) < 2 {
				return nil, fmt.Errorf("%w: line %d: %s needs a name", ErrScript, line, head)
			}
			for _, name := range toks[1:] {
				if err := declare(line, name, head); err != nil {
					return nil, err
				}
				if head == "endpoint" {
					s.Endpoints = append(s.Endpoints, name)
				} else {
					s.Notifications = append(s.Notifications, name)
				}
			}
		case head == "thread":
			td, err := parseThread(line, toks[1:])
			if err != nil {
				return nil, err
			}
			if err := declare(line, td.Name, "thread"); err != nil {
				return nil, err
			}
			s.Threads = append(s.Threads, td)
		case head == "bind":
			if len(toks) != 3 {
				return nil, fmt.Errorf("%w: line %d: bind THREAD NOTIFICATION", ErrScript, line)
			}
			s.Binds = append(s.Binds, BindDecl{Line: line, Thread: toks[1], Notification: toks[2]})
		case strings.HasSuffix(head, ":"):
			name := strings.TrimSuffix(head, ":")
			if len(toks) < 2 {
				return nil, fmt.Errorf("%w: line %d: %s has no op", ErrScript, line, name)
			}
			op, err := parseOp(line, toks[1], toks[2:])
			if err != nil {
				return nil, err
			}
			s.Programs[name] = append(s.Programs[name], op)
		default:
			return nil, fmt.Errorf("%w: line %d: unknown directive %q", ErrScript, line, head)
		}
	}

	if err := s.check(names); err != nil {
		return nil, err
	}
	return s, nil
}

// check resolves every name the script uses against its declarations.
func (s *Script) check(names map[string]string) error {
	want := func(line int, name, kind string) error {
		got, ok := names[name]
		if !ok {
			return fmt.Errorf("%w: line %d: undeclared %s %q", ErrScript, line, kind, name)
		}
		if got != kind {
			return fmt.Errorf("%w: line %d: %q is a %s, want %s", ErrScript, line, name, got, kind)
		}
		return nil
	}

	for _, td := range s.Threads {
		if td.Handler != "" {
			if err := want(td.Line, td.Handler, "endpoint"); err != nil {
				return err
			}
		}
	}
	for _, b := range s.Binds {
		if err := want(b.Line, b.Thread, "thread"); err != nil {
			return err
		}
		if err := want(b.Line, b.Notification, "notification"); err != nil {
			return err
		}
	}
	for name, prog := range s.Programs {
		if names[name] != "thread" {
			return fmt.Errorf("%w: line %d: program for undeclared thread %q", ErrScript, prog[0].Line, name)
		}
		for _, op := range prog {
			if kind := op.targetKind(); kind != "" {
				if err := want(op.Line, op.Target, kind); err != nil {
					return err
				}
			}
			for _, c := range op.Caps {
				c, _, _ = strings.Cut(c, "@")
				if _, ok := names[c]; !ok || names[c] == "thread" {
					return fmt.Errorf("%w: line %d: cap %q is not an endpoint or notification", ErrScript, op.Line, c)
				}
			}
		}
	}
	return nil
}

func (op Op) targetKind() string {
	switch op.Kind {
	case OpSend, OpNBSend, OpCall, OpRecv, OpNBRecv, OpReplyRecv, OpCancel, OpRevoke:
		return "endpoint"
	case OpSignal, OpWait, OpPoll, OpBind:
		return "notification"
	case OpSuspend, OpResume, OpPrio, OpMCP, OpAffinity, OpDomain:
		return "thread"
	}
	return ""
}

func (s *Script) parseConfig(line int, args []string) error {
	for _, a := range args {
		key, val, hasVal := strings.Cut(a, "=")
		if key == "ordered" && !hasVal {
			s.PriorityOrderedIPC = true
			continue
		}
		if !hasVal {
			return fmt.Errorf("%w: line %d: config %q needs a value", ErrScript, line, key)
		}
		if key == "schedule" {
			sched, err := parseSchedule(val)
			if err != nil {
				return fmt.Errorf("%w: line %d: schedule: %v", ErrScript, line, err)
			}
			s.DomainSchedule = sched
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: line %d: config %s=%q", ErrScript, line, key, val)
		}
		switch key {
		case "cores":
			s.Cores = n
		case "domains":
			s.Domains = n
		case "priorities":
			s.Priorities = n
		case "timeslice":
			s.TimeSlice = n
		default:
			return fmt.Errorf("%w: line %d: unknown config key %q", ErrScript, line, key)
		}
	}
	return nil
}

// parseSchedule reads "0:10,1:5" as domain:length pairs.
func parseSchedule(v string) ([]kernel.DomainEntry, error) {
	var out []kernel.DomainEntry
	for _, part := range strings.Split(v, ",") {
		d, l, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("entry %q is not domain:length", part)
		}
		dom, err := strconv.ParseUint(d, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("domain %q: %w", d, err)
		}
		length, err := strconv.Atoi(l)
		if err != nil {
			return nil, fmt.Errorf("length %q: %w", l, err)
		}
		out = append(out, kernel.DomainEntry{Domain: uint8(dom), Length: length})
	}
	return out, nil
}

func parseThread(line int, args []string) (ThreadDecl, error) {
	if len(args) == 0 {
		return ThreadDecl{}, fmt.Errorf("%w: line %d: thread needs a name", ErrScript, line)
	}
	td := ThreadDecl{Line: line, Name: args[0]}
	mcpSet := false
	for _, a := range args[1:] {
		key, val, hasVal := strings.Cut(a, "=")
		if !hasVal {
			switch key {
			case "buffer":
				td.Buffer = true
			case "stopped":
				td.Stopped = true
			default:
				return td, fmt.Errorf("%w: line %d: unknown thread flag %q", ErrScript, line, key)
			}
			continue
		}
		if key == "handler" {
			td.Handler = val
			continue
		}
		n, err := parseNum(val)
		if err != nil {
			return td, fmt.Errorf("%w: line %d: thread %s=%q: %v", ErrScript, line, key, val, err)
		}
		switch key {
		case "prio":
			td.Priority = uint8(n)
		case "mcp":
			td.MCP = uint8(n)
			mcpSet = true
		case "core":
			td.Core = int(n)
		case "domain":
			td.Domain = uint8(n)
		case "fbadge":
			td.FaultBadge = n
		default:
			return td, fmt.Errorf("%w: line %d: unknown thread option %q", ErrScript, line, key)
		}
		if (key == "prio" || key == "mcp" || key == "domain") && n > 255 {
			return td, fmt.Errorf("%w: line %d: thread %s=%d out of range", ErrScript, line, key, n)
		}
	}
	if !mcpSet {
		td.MCP = td.Priority
	}
	return td, nil
}

var faultKinds = map[string]kernel.FaultKind{
	"cap":       kernel.FaultCap,
	"syscall":   kernel.FaultUnknownSyscall,
	"exception": kernel.FaultUserException,
	"vm":        kernel.FaultVM,
}

func parseOp(line int, name string, args []string) (Op, error) {
	kind, ok := opNames[name]
	if !ok {
		return Op{}, fmt.Errorf("%w: line %d: unknown op %q", ErrScript, line, name)
	}
	op := Op{Line: line, Kind: kind, Mask: ^uint64(0)}
	bad := func(format string, a ...any) (Op, error) {
		return Op{}, fmt.Errorf("%w: line %d: %s: %s", ErrScript, line, name, fmt.Sprintf(format, a...))
	}

	var pos []string
	for _, a := range args {
		key, val, hasVal := strings.Cut(a, "=")
		switch {
		case !hasVal && a == "grant":
			op.Grant = true
		case !hasVal:
			pos = append(pos, a)
		case key == "cap":
			if len(op.Caps) == kernel.MaxExtraCaps {
				return bad("more than %d caps", kernel.MaxExtraCaps)
			}
			op.Caps = append(op.Caps, val)
		default:
			n, err := parseNum(val)
			if err != nil {
				return bad("%s=%q: %v", key, val, err)
			}
			switch key {
			case "label":
				op.Label = n
			case "badge":
				op.Value = n
			case "mask":
				op.Mask = n
			case "addr":
				op.Value = n
			case "code":
				op.Aux = n
			default:
				return bad("unknown option %q", key)
			}
		}
	}

	target := func() ([]string, error) {
		if len(pos) == 0 {
			return nil, fmt.Errorf("%w: line %d: %s needs a target", ErrScript, line, name)
		}
		op.Target = pos[0]
		return pos[1:], nil
	}
	words := func(rest []string) error {
		for _, w := range rest {
			n, err := parseNum(w)
			if err != nil {
				return fmt.Errorf("%w: line %d: %s: word %q: %v", ErrScript, line, name, w, err)
			}
			op.Words = append(op.Words, n)
		}
		if len(op.Words) > kernel.MaxMessageWords {
			return fmt.Errorf("%w: line %d: %s: message longer than %d words", ErrScript, line, name, kernel.MaxMessageWords)
		}
		return nil
	}
	number := func(rest []string, what string) error {
		if len(rest) != 1 {
			return fmt.Errorf("%w: line %d: %s needs %s", ErrScript, line, name, what)
		}
		n, err := parseNum(rest[0])
		if err != nil {
			return fmt.Errorf("%w: line %d: %s %s %q: %v", ErrScript, line, name, what, rest[0], err)
		}
		op.Value = n
		return nil
	}

	switch kind {
	case OpSend, OpNBSend, OpCall, OpReplyRecv:
		rest, err := target()
		if err != nil {
			return Op{}, err
		}
		if err := words(rest); err != nil {
			return Op{}, err
		}
	case OpReply:
		if err := words(pos); err != nil {
			return Op{}, err
		}
	case OpRecv, OpNBRecv, OpWait, OpPoll, OpSuspend, OpResume, OpCancel:
		rest, err := target()
		if err != nil {
			return Op{}, err
		}
		if len(rest) != 0 {
			return bad("unexpected %q", rest)
		}
	case OpSignal:
		rest, err := target()
		if err != nil {
			return Op{}, err
		}
		if len(rest) == 0 && op.Value == 0 {
			op.Value = 1
		} else if len(rest) > 0 {
			if err := number(rest, "a badge"); err != nil {
				return Op{}, err
			}
		}
	case OpPrio, OpMCP, OpAffinity, OpDomain, OpRevoke:
		rest, err := target()
		if err != nil {
			return Op{}, err
		}
		if err := number(rest, "a value"); err != nil {
			return Op{}, err
		}
	case OpBind:
		rest, err := target()
		if err != nil {
			return Op{}, err
		}
		if len(rest) != 0 {
			return bad("unexpected %q", rest)
		}
	case OpFault:
		if len(pos) != 1 {
			return bad("needs a kind (cap, syscall, exception, vm)")
		}
		f, ok := faultKinds[pos[0]]
		if !ok {
			return bad("unknown fault kind %q", pos[0])
		}
		op.Fault = f
	case OpFlush:
		if len(pos) == 0 {
			pos = []string{"all"}
		}
		switch pos[0] {
		case "all":
			op.Aux = FlushAll
			if len(pos) != 1 {
				return bad("unexpected %q", pos[1:])
			}
		case "asid", "single":
			op.Aux = FlushASID
			if pos[0] == "single" {
				op.Aux = FlushSingle
			}
			if err := number(pos[1:], pos[0]+" operand"); err != nil {
				return Op{}, err
			}
		default:
			return bad("unknown scope %q", pos[0])
		}
	case OpLoop:
		if len(pos) > 0 {
			if err := number(pos, "an op index"); err != nil {
				return Op{}, err
			}
		}
	case OpMaskIRQ, OpUnmaskIRQ:
		if len(pos) != 2 {
			return bad("needs CORE IRQ")
		}
		core, err := parseNum(pos[0])
		if err != nil {
			return bad("core %q: %v", pos[0], err)
		}
		if err := number(pos[1:], "an irq"); err != nil {
			return Op{}, err
		}
		op.Aux = core
	default:
		if len(pos) != 0 {
			return bad("takes no operands")
		}
	}
	return op, nil
}

func parseNum(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}
