package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"kcore/hal"
	"kcore/internal/buildinfo"
	"kcore/kern/console"
)

// Config selects the scenario and how the machine runs it.
type Config struct {
	// Script is the path of a scenario script; empty runs the built-in demo.
	Script string

	Cores      int
	StepBudget int

	// DumpEvery logs and draws a snapshot every N ticks (0 = never).
	DumpEvery uint64

	Trace    bool
	Validate bool

	// HoldOnHalt keeps the step function returning nil after a halt, so a
	// window stays open on the halt screen.
	HoldOnHalt bool
}

// LoadScript parses the script at path, or the built-in demo when path is
// empty.
func LoadScript(path string) (*Script, error) {
	if path == "" {
		return ParseScript(strings.NewReader(DemoScript))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s, err := ParseScript(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// New boots the machine on h and returns the host's per-frame step function.
func New(h hal.HAL, cfg Config) func() error {
	m, err := start(h, cfg)
	if err != nil {
		if l := h.Logger(); l != nil {
			l.WriteLineString("kcore: " + err.Error())
		}
		return func() error { return err }
	}
	return func() error {
		if err := m.Err(); err != nil && !cfg.HoldOnHalt {
			return err
		}
		return nil
	}
}

func start(h hal.HAL, cfg Config) (*Machine, error) {
	s, err := LoadScript(cfg.Script)
	if err != nil {
		return nil, err
	}

	var con *console.Console
	if d := h.Display(); d != nil {
		con = console.New(d.Framebuffer())
	}
	installPanicHandler(h, con)

	m, err := NewMachine(MachineConfig{
		Script:     s,
		Cores:      cfg.Cores,
		Logger:     h.Logger(),
		Console:    con,
		StepBudget: cfg.StepBudget,
		Trace:      cfg.Trace,
		Validate:   cfg.Validate,
	})
	if err != nil {
		return nil, err
	}
	m.logf("%s: %d cores, %d threads", buildinfo.Banner(), m.k.Cores(), len(s.Threads))

	go func() {
		if err := m.Run(context.Background()); err != nil {
			m.logf("kcore: %v", err)
		}
	}()

	if ht := h.Time(); ht != nil {
		if ch := ht.Ticks(); ch != nil {
			go func() {
				for seq := range ch {
					m.Tick()
					if cfg.DumpEvery > 0 && seq%cfg.DumpEvery == 0 {
						m.Report()
					}
				}
			}()
		}
	}
	return m, nil
}

// DemoScript is the scenario run when no script is given: a server on cpu1
// answering calls from cpu0, a bound notification, and a worker whose fault
// handler restarts it before it migrates to cpu0.
const DemoScript = `
config cores=2 timeslice=4

endpoint ep faults
notification irq

thread srv prio=20 core=1 buffer
thread cl prio=10 core=0 buffer
thread ticker prio=10 core=0
thread worker prio=12 core=1 handler=faults fbadge=0x77
thread pager prio=30 core=0

bind srv irq

srv: recv ep
srv: replyrecv ep label=0 42 43
srv: loop 1

cl: call ep label=1 7 8 9 10 11
cl: signal irq 0x2
cl: yield
cl: loop

ticker: signal irq 0x1
ticker: yield
ticker: loop

worker: fault exception code=3
worker: flush asid 5
worker: fpu
worker: maskirq 1 27
worker: affinity worker 0
worker: dump
worker: exit

pager: recv faults
pager: reply 1
pager: loop
`
