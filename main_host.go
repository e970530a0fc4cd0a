package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"kcore/app"
	"kcore/hal"
	"kcore/hal/window"
)

func main() {
	var hcfg hal.HeadlessConfig
	var cfg app.Config
	flag.BoolVar(&hcfg.Enabled, "headless", false, "Run without a window.")
	flag.IntVar(&hcfg.Hz, "hz", 100, "Tick rate in headless mode.")
	flag.Uint64Var(&hcfg.Ticks, "ticks", 0, "Stop after N ticks in headless mode (0 = run forever).")
	flag.StringVar(&cfg.Script, "script", "", "Scenario script to run (default: built-in demo).")
	flag.IntVar(&cfg.Cores, "cores", 0, "Override the script's core count.")
	flag.IntVar(&cfg.StepBudget, "steps", 4, "Program ops each core may run per tick.")
	flag.Uint64Var(&cfg.DumpEvery, "dump-every", 100, "Log a kernel snapshot every N ticks (0 = never).")
	flag.BoolVar(&cfg.Trace, "trace", false, "Log kernel and arch events.")
	flag.BoolVar(&cfg.Validate, "validate", false, "Check kernel invariants on every exit.")
	flag.Parse()

	newApp := func(h hal.HAL) func() error { return app.New(h, cfg) }

	if hcfg.Enabled {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if err := hal.RunHeadless(ctx, hal.New(), newApp, hcfg); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg.HoldOnHalt = true
	if err := window.Run(hal.New(), newApp); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
