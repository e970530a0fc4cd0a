package kernel

// ThreadID indexes the TCB arena. Links between TCBs are ThreadIDs.
type ThreadID uint16

// NoThread is the empty link.
const NoThread ThreadID = 0xFFFF

// ThreadState is the closed set of thread states.
type ThreadState uint8

const (
	ThreadInactive ThreadState = iota
	ThreadRunning
	ThreadRestart
	ThreadBlockedOnReceive
	ThreadBlockedOnSend
	ThreadBlockedOnReply
	ThreadBlockedOnNotification
)

func (s ThreadState) String() string {
	switch s {
	case ThreadInactive:
		return "inactive"
	case ThreadRunning:
		return "running"
	case ThreadRestart:
		return "restart"
	case ThreadBlockedOnReceive:
		return "blocked-recv"
	case ThreadBlockedOnSend:
		return "blocked-send"
	case ThreadBlockedOnReply:
		return "blocked-reply"
	case ThreadBlockedOnNotification:
		return "blocked-ntfn"
	default:
		return "unknown"
	}
}

// Runnable reports whether s may sit in a ready queue.
func (s ThreadState) Runnable() bool {
	return s == ThreadRunning || s == ThreadRestart
}

// Stopped reports whether s is inactive or blocked.
func (s ThreadState) Stopped() bool {
	return s == ThreadInactive || s.Blocked()
}

// Blocked reports whether s places the thread in an IPC wait queue
// (or, for BlockedOnReply, behind a reply reference).
func (s ThreadState) Blocked() bool {
	switch s {
	case ThreadBlockedOnReceive, ThreadBlockedOnSend, ThreadBlockedOnReply, ThreadBlockedOnNotification:
		return true
	}
	return false
}

// MsgRegisters is the number of message words carried in registers.
const MsgRegisters = 4

// MaxMessageWords is the longest message, registers plus IPC buffer.
const MaxMessageWords = 120

// MaxExtraCaps is the most capabilities one message can carry.
const MaxExtraCaps = 3

// MessageInfo describes a message: its label, length in words, number of
// extra caps, and which caps were unwrapped into badges.
type MessageInfo struct {
	Label         uint64
	Length        int
	ExtraCaps     int
	CapsUnwrapped uint8
}

// Regs is the slice of the architecture register file the core touches.
// IP is the next instruction; FaultIP is where a restarted thread resumes.
type Regs struct {
	IP      uint64
	FaultIP uint64
	Badge   uint64
	MsgInfo MessageInfo
	Msg     [MsgRegisters]uint64
}

// CapKind tags a transferred capability.
type CapKind uint8

const (
	CapNull CapKind = iota
	CapEndpoint
	CapNotification
	CapThread
	CapFrame
)

// Rights is the rights mask of a capability.
type Rights uint8

const (
	RightSend Rights = 1 << iota
	RightRecv
	RightGrant
	RightGrantReply
)

// Capability is an already-resolved capability as the CSpace layer hands it
// to IPC. The core only inspects it for unwrapping and copies it otherwise.
type Capability struct {
	Kind   CapKind
	Object uint32
	Badge  uint64
	Rights Rights
}

// IPCBuffer is a thread's user-visible message buffer.
type IPCBuffer struct {
	Msg [MaxMessageWords]uint64

	// ExtraCaps are the sender's caps, already looked up.
	ExtraCaps [MaxExtraCaps]Capability

	// CapsOrBadges receives the badges of unwrapped caps.
	CapsOrBadges [MaxExtraCaps]uint64

	// RecvSlot is where one received cap is stored; nil means the receiver
	// accepts none. A non-null cap in the slot also refuses delivery.
	RecvSlot *Capability
}

// FaultKind is the message label used for fault IPC.
type FaultKind uint8

const (
	FaultNone FaultKind = iota
	FaultCap
	FaultUnknownSyscall
	FaultUserException
	FaultVM
)

func (k FaultKind) String() string {
	switch k {
	case FaultNone:
		return "none"
	case FaultCap:
		return "cap"
	case FaultUnknownSyscall:
		return "unknown-syscall"
	case FaultUserException:
		return "user-exception"
	case FaultVM:
		return "vm"
	default:
		return "unknown"
	}
}

// Fault is the fault record of a thread.
type Fault struct {
	Kind FaultKind
	Addr uint64
	Code uint64
}

// blocking records what a blocked thread waits on and how it will transfer.
type blocking struct {
	object        uint16
	badge         uint64
	canGrant      bool
	canGrantReply bool
	isCall        bool
}

// TCB is a thread control block. TCBs live in the kernel's arena for the
// kernel's lifetime and are never moved. All fields are guarded by the big
// kernel lock, except Regs and Buffer of the thread currently running on a
// core, which belong to that core.
type TCB struct {
	id   ThreadID
	name string
	idle bool

	state     ThreadState
	queued    bool
	priority  uint8
	mcp       uint8
	domain    uint8
	affinity  int
	timeSlice int

	schedPrev, schedNext ThreadID
	epPrev, epNext       ThreadID
	blocking             blocking

	boundNtfn NotificationID

	fault        Fault
	faultHandler EndpointID
	faultBadge   uint64

	// caller is the thread this one owes a reply to; replyHolder is the
	// thread holding this one's reply reference.
	caller         ThreadID
	callerCanGrant bool
	replyHolder    ThreadID

	Regs   Regs
	Buffer *IPCBuffer
}

func (t *TCB) ID() ThreadID { return t.id }
func (t *TCB) Name() string { return t.name }
func (t *TCB) State() ThreadState { return t.state }
func (t *TCB) Priority() uint8 { return t.priority }
func (t *TCB) MCP() uint8 { return t.mcp }
func (t *TCB) Domain() uint8 { return t.domain }
func (t *TCB) Affinity() int { return t.affinity }
func (t *TCB) Queued() bool { return t.queued }
func (t *TCB) BoundNotification() NotificationID { return t.boundNtfn }
func (t *TCB) Fault() Fault { return t.fault }
func (t *TCB) Caller() ThreadID { return t.caller }
func (t *TCB) IsIdle() bool { return t.idle }

// ThreadConfig describes a thread created at boot.
type ThreadConfig struct {
	Name         string
	Priority     uint8
	MCP          uint8
	Domain       uint8
	Affinity     int
	FaultHandler EndpointID
	FaultBadge   uint64
	Buffer       *IPCBuffer
}

func (k *Kernel) initTCB(t *TCB, id ThreadID) {
	*t = TCB{
		id:           id,
		schedPrev:    NoThread,
		schedNext:    NoThread,
		epPrev:       NoThread,
		epNext:       NoThread,
		boundNtfn:    NoNotification,
		faultHandler: NoEndpoint,
		caller:       NoThread,
		replyHolder:  NoThread,
		timeSlice:    k.cfg.TimeSlice,
	}
}
