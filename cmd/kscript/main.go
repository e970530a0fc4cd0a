package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"kcore/app"
	"kcore/kern/kernel"
)

const defaultExt = ".ks"

type logger struct {
	prefix  string
	verbose bool
}

func (l logger) WriteLineString(s string) {
	if l.verbose {
		fmt.Println(l.prefix + s)
	}
}

func (l logger) WriteLineBytes(b []byte) { l.WriteLineString(string(b)) }

func main() {
	var srcDir string
	var ticks uint
	var cores int
	var verbose bool
	var timeout time.Duration
	flag.StringVar(&srcDir, "src", "", "Directory (or single file) of scenario scripts.")
	flag.UintVar(&ticks, "ticks", 200, "Ticks to run each script for (0 = parse only).")
	flag.IntVar(&cores, "cores", 0, "Override each script's core count.")
	flag.BoolVar(&verbose, "v", false, "Print each machine's log and final snapshot.")
	flag.DurationVar(&timeout, "timeout", 10*time.Second, "Wall-clock limit per script.")
	flag.Parse()

	if srcDir == "" {
		fmt.Fprintln(os.Stderr, "error: -src is required")
		os.Exit(2)
	}

	failed, err := run(srcDir, uint64(ticks), cores, verbose, timeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func run(src string, ticks uint64, cores int, verbose bool, timeout time.Duration) (int, error) {
	src = filepath.Clean(src)
	st, err := os.Stat(src)
	if err != nil {
		return 0, fmt.Errorf("stat src %q: %w", src, err)
	}

	var files []string
	if !st.IsDir() {
		files = append(files, src)
	} else {
		walkErr := filepath.WalkDir(src, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if entry.Type().IsRegular() && strings.HasSuffix(path, defaultExt) {
				files = append(files, path)
			}
			return nil
		})
		if walkErr != nil {
			return 0, fmt.Errorf("walk src %q: %w", src, walkErr)
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return 0, fmt.Errorf("no %s scripts under %q", defaultExt, src)
	}

	failed := 0
	for _, path := range files {
		if err := check(path, ticks, cores, verbose, timeout); err != nil {
			fmt.Printf("FAIL %s: %v\n", path, err)
			failed++
			continue
		}
		fmt.Printf("ok   %s\n", path)
	}
	return failed, nil
}

func check(path string, ticks uint64, cores int, verbose bool, timeout time.Duration) error {
	s, err := app.LoadScript(path)
	if err != nil {
		return err
	}
	if ticks == 0 {
		return nil
	}

	m, err := app.NewMachine(app.MachineConfig{
		Script:   s,
		Cores:    cores,
		Logger:   logger{prefix: filepath.Base(path) + ": ", verbose: verbose},
		Validate: true,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	var snap kernel.Snapshot
	for i := uint64(0); i < ticks; i++ {
		m.Tick()
		if snap, err = m.Snapshot(ctx); err != nil {
			break
		}
	}
	cancel()
	if runErr := <-done; runErr != nil {
		return runErr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if verbose {
		for _, line := range snap.Lines() {
			fmt.Println("  " + line)
		}
	}
	return nil
}
