package kernel

import "math/bits"

const (
	wordBits  = 64
	wordRadix = 6
)

// readyQueues is one core's bank of (domain, priority) run queues plus a
// two-level occupancy bitmap per domain. A set bit in l2 marks a non-empty
// priority; a set bit in l1 marks a non-empty l2 word. l2 words are stored
// in inverted order so the highest priorities share the first word.
type readyQueues struct {
	prios   int
	l2Words int
	queues  []tcbQueue
	l1      []uint64
	l2      [][]uint64
}

func newReadyQueues(domains, prios int) readyQueues {
	l2Words := (prios + wordBits - 1) / wordBits
	r := readyQueues{
		prios:   prios,
		l2Words: l2Words,
		queues:  make([]tcbQueue, domains*prios),
		l1:      make([]uint64, domains),
		l2:      make([][]uint64, domains),
	}
	for i := range r.queues {
		r.queues[i] = emptyQueue()
	}
	for d := range r.l2 {
		r.l2[d] = make([]uint64, l2Words)
	}
	return r
}

func (r *readyQueues) index(dom, prio uint8) int {
	return int(dom)*r.prios + int(prio)
}

func (r *readyQueues) queue(dom, prio uint8) *tcbQueue {
	return &r.queues[r.index(dom, prio)]
}

func (r *readyQueues) invert(l1index int) int {
	return r.l2Words - 1 - l1index
}

func (r *readyQueues) addToBitmap(dom, prio uint8) {
	l1index := int(prio) >> wordRadix
	r.l1[dom] |= 1 << uint(l1index)
	r.l2[dom][r.invert(l1index)] |= 1 << (uint(prio) & (wordBits - 1))
}

func (r *readyQueues) removeFromBitmap(dom, prio uint8) {
	l1index := int(prio) >> wordRadix
	inv := r.invert(l1index)
	r.l2[dom][inv] &^= 1 << (uint(prio) & (wordBits - 1))
	if r.l2[dom][inv] == 0 {
		r.l1[dom] &^= 1 << uint(l1index)
	}
}

func (r *readyQueues) nonEmpty(dom uint8) bool {
	return r.l1[dom] != 0
}

// highestPrio returns the highest occupied priority of dom. The domain must
// be non-empty.
func (r *readyQueues) highestPrio(dom uint8) uint8 {
	l1index := wordBits - 1 - bits.LeadingZeros64(r.l1[dom])
	l2 := r.l2[dom][r.invert(l1index)]
	l2index := wordBits - 1 - bits.LeadingZeros64(l2)
	return uint8(l1index<<wordRadix | l2index)
}

func (r *readyQueues) isHighestPrio(dom, prio uint8) bool {
	return !r.nonEmpty(dom) || prio >= r.highestPrio(dom)
}

// bitSet reports the occupancy bit of (dom, prio).
func (r *readyQueues) bitSet(dom, prio uint8) bool {
	l1index := int(prio) >> wordRadix
	return r.l2[dom][r.invert(l1index)]&(1<<(uint(prio)&(wordBits-1))) != 0
}
