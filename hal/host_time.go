package hal

import "time"

// maxCatchUp bounds the ticks one step may emit after the runner stalled.
const maxCatchUp = 64

// hostTime emits one tick per period of wall time, measured from a deadline
// so that uneven step calls do not drift.
type hostTime struct {
	ch     chan uint64
	period time.Duration
	now    func() time.Time

	seq  uint64
	next time.Time
}

func newHostTime(period time.Duration, now func() time.Time) *hostTime {
	if now == nil {
		now = time.Now
	}
	return &hostTime{ch: make(chan uint64, 1024), period: period, now: now}
}

func (t *hostTime) Ticks() <-chan uint64 { return t.ch }

// step emits the ticks that fell due since the last call. The first call
// emits one tick and starts the clock.
func (t *hostTime) step() {
	now := t.now()
	if t.next.IsZero() {
		t.next = now.Add(t.period)
		t.emit()
		return
	}
	n := 0
	for !now.Before(t.next) {
		if n == maxCatchUp {
			t.next = now.Add(t.period)
			break
		}
		t.emit()
		t.next = t.next.Add(t.period)
		n++
	}
}

// emit queues the next sequence number; a full channel loses the tick but
// not the number.
func (t *hostTime) emit() {
	t.seq++
	select {
	case t.ch <- t.seq:
	default:
	}
}
