package kernel

import (
	"errors"
	"fmt"

	"kcore/kern/smp"
)

// Invocation errors. The decode layer normally catches these before the
// core is entered; the core reports them when a caller gets there anyway.
var (
	ErrIllegalOperation  = errors.New("illegal operation")
	ErrInvalidCapability = errors.New("invalid capability")
	ErrRange             = errors.New("argument out of range")
	ErrNoSpace           = errors.New("object table full")
)

// Logger writes newline-delimited log lines.
type Logger interface {
	WriteLineString(s string)
}

// IRQ identifies the per-core interrupt lines the kernel raises itself.
type IRQ uint8

const (
	IRQRemoteCall IRQ = iota + 1
	IRQReschedule
	IRQTimer
)

func (i IRQ) String() string {
	switch i {
	case IRQRemoteCall:
		return "remote-call"
	case IRQReschedule:
		return "reschedule"
	case IRQTimer:
		return "timer"
	default:
		return "unknown"
	}
}

// Interrupts delivers inter-processor interrupts to other cores.
type Interrupts interface {
	Raise(core int, irq IRQ)
}

// Arch carries out the hardware side of remote calls on the target core.
type Arch interface {
	InvalidateTranslationSingle(core int, vaddr uint64)
	InvalidateTranslationASID(core int, asid uint64)
	InvalidateTranslationAll(core int)
	MaskInterrupt(core int, disable bool, irq uint64)
}

// DomainEntry is one slot of the fixed domain schedule.
type DomainEntry struct {
	Domain uint8
	Length int // ticks
}

// Config sizes the kernel. Zero fields take defaults.
type Config struct {
	Cores            int
	Domains          int
	Priorities       int
	MaxThreads       int
	MaxEndpoints     int
	MaxNotifications int

	// TimeSlice is the number of timer ticks a thread runs before it is
	// rotated behind its equal-priority peers.
	TimeSlice int

	// DomainSchedule cycles through domains; it defaults to domain 0 forever.
	DomainSchedule []DomainEntry

	// PriorityOrderedIPC keeps endpoint and notification wait queues sorted
	// by priority (FIFO among equals) and re-sorts a waiter whose priority
	// changes. Off, the queues are strictly FIFO.
	PriorityOrderedIPC bool

	Logger     Logger
	Interrupts Interrupts
	Arch       Arch
}

const (
	defaultPriorities = 256
	maxPriorities     = wordBits * wordBits
	defaultTimeSlice  = 5
)

func (c Config) withDefaults() (Config, error) {
	if c.Cores <= 0 {
		c.Cores = 1
	}
	if c.Cores > smp.MaxCores {
		return c, fmt.Errorf("cores %d: %w", c.Cores, ErrRange)
	}
	if c.Domains <= 0 {
		c.Domains = 1
	}
	if c.Domains > 256 {
		return c, fmt.Errorf("domains %d: %w", c.Domains, ErrRange)
	}
	if c.Priorities <= 0 {
		c.Priorities = defaultPriorities
	}
	if c.Priorities > maxPriorities || c.Priorities > 256 {
		return c, fmt.Errorf("priorities %d: %w", c.Priorities, ErrRange)
	}
	if c.MaxThreads <= 0 {
		c.MaxThreads = 64
	}
	if c.MaxThreads+c.Cores >= int(NoThread) {
		return c, fmt.Errorf("threads %d: %w", c.MaxThreads, ErrRange)
	}
	if c.MaxEndpoints <= 0 {
		c.MaxEndpoints = 32
	}
	if c.MaxNotifications <= 0 {
		c.MaxNotifications = 32
	}
	if c.TimeSlice <= 0 {
		c.TimeSlice = defaultTimeSlice
	}
	if len(c.DomainSchedule) == 0 {
		c.DomainSchedule = []DomainEntry{{Domain: 0, Length: 1}}
	}
	for i, e := range c.DomainSchedule {
		if int(e.Domain) >= c.Domains || e.Length <= 0 {
			return c, fmt.Errorf("domain schedule entry %d: %w", i, ErrRange)
		}
	}
	return c, nil
}
