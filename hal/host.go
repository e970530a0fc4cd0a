package hal

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// TimerPeriod is the interval between two host ticks.
const TimerPeriod = 10 * time.Millisecond

// Host is the desktop HAL: stdout logging, an in-memory framebuffer shown by
// the window runner, and a tick stream driven by the runner loop.
type Host struct {
	logger *hostLogger
	fb     *hostFramebuffer
	t      *hostTime
}

var _ HAL = (*Host)(nil)

// New returns a host HAL logging to stdout.
func New() *Host {
	return NewWithOutput(os.Stdout, 320, 320)
}

// NewWithOutput returns a host HAL logging to w with a width x height
// framebuffer.
func NewWithOutput(w io.Writer, width, height int) *Host {
	return &Host{
		logger: &hostLogger{w: w},
		fb:     newHostFramebuffer(width, height),
		t:      newHostTime(TimerPeriod, nil),
	}
}

func (h *Host) Logger() Logger   { return h.logger }
func (h *Host) Display() Display { return hostDisplay{fb: h.fb} }
func (h *Host) Time() Time       { return h.t }

// Step advances the tick stream by the wall time elapsed since the last
// step, one tick on the first call.
func (h *Host) Step() { h.t.step() }

// FrameSize returns the framebuffer dimensions.
func (h *Host) FrameSize() (width, height int) { return h.fb.width, h.fb.height }

// CopyFrameRGBA writes the last presented frame into dst as RGBA pixels
// unless it is the frame numbered seen. It returns the frame number and
// whether dst was written.
func (h *Host) CopyFrameRGBA(dst []byte, seen uint64) (uint64, bool) {
	return h.fb.copyRGBA(dst, seen)
}

type hostDisplay struct {
	fb *hostFramebuffer
}

func (d hostDisplay) Framebuffer() Framebuffer { return d.fb }

type hostLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *hostLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, s)
}

func (l *hostLogger) WriteLineBytes(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Write(b)
	l.w.Write([]byte{'\n'})
}
