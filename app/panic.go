package app

import (
	"kcore/hal"
	"kcore/kern/console"
	"kcore/kern/kernel"
)

// installPanicHandler reports a kernel halt on the log and, when there is a
// console, on the screen. The halting core still panics afterwards; Machine
// turns that into ErrHalted.
func installPanicHandler(h hal.HAL, con *console.Console) {
	kernel.SetPanicHandler(func(info kernel.PanicInfo) {
		if l := h.Logger(); l != nil {
			for _, line := range console.HaltLines(info) {
				l.WriteLineString(line)
			}
		}
		if con != nil {
			_ = con.DrawHalt(info)
		}
	})
}
