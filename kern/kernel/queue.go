package kernel

// tcbQueue is the head/tail of an intrusive list; the links live in the TCBs.
type tcbQueue struct {
	head, tail ThreadID
}

func emptyQueue() tcbQueue { return tcbQueue{head: NoThread, tail: NoThread} }

func (q tcbQueue) empty() bool { return q.head == NoThread }

// Wait queues link through epPrev/epNext.

func (k *Kernel) epAppend(q *tcbQueue, t *TCB) {
	if k.cfg.PriorityOrderedIPC {
		k.epInsertByPriority(q, t)
		return
	}
	t.epPrev = q.tail
	t.epNext = NoThread
	if q.empty() {
		q.head = t.id
	} else {
		k.tcbs[q.tail].epNext = t.id
	}
	q.tail = t.id
}

// epInsertByPriority places t after every waiter of equal or higher priority.
func (k *Kernel) epInsertByPriority(q *tcbQueue, t *TCB) {
	before := q.head
	for before != NoThread && k.tcbs[before].priority >= t.priority {
		before = k.tcbs[before].epNext
	}
	if before == NoThread {
		t.epPrev = q.tail
		t.epNext = NoThread
		if q.empty() {
			q.head = t.id
		} else {
			k.tcbs[q.tail].epNext = t.id
		}
		q.tail = t.id
		return
	}
	b := &k.tcbs[before]
	t.epPrev = b.epPrev
	t.epNext = before
	if b.epPrev == NoThread {
		q.head = t.id
	} else {
		k.tcbs[b.epPrev].epNext = t.id
	}
	b.epPrev = t.id
}

func (k *Kernel) epDequeue(q *tcbQueue, t *TCB) {
	if t.epPrev == NoThread {
		q.head = t.epNext
	} else {
		k.tcbs[t.epPrev].epNext = t.epNext
	}
	if t.epNext == NoThread {
		q.tail = t.epPrev
	} else {
		k.tcbs[t.epNext].epPrev = t.epPrev
	}
	t.epPrev, t.epNext = NoThread, NoThread
}

// Ready queues link through schedPrev/schedNext.

func (k *Kernel) schedPrepend(q *tcbQueue, t *TCB) {
	t.schedPrev = NoThread
	t.schedNext = q.head
	if q.empty() {
		q.tail = t.id
	} else {
		k.tcbs[q.head].schedPrev = t.id
	}
	q.head = t.id
}

func (k *Kernel) schedLinkTail(q *tcbQueue, t *TCB) {
	t.schedPrev = q.tail
	t.schedNext = NoThread
	if q.empty() {
		q.head = t.id
	} else {
		k.tcbs[q.tail].schedNext = t.id
	}
	q.tail = t.id
}

func (k *Kernel) schedUnlink(q *tcbQueue, t *TCB) {
	if t.schedPrev == NoThread {
		q.head = t.schedNext
	} else {
		k.tcbs[t.schedPrev].schedNext = t.schedNext
	}
	if t.schedNext == NoThread {
		q.tail = t.schedPrev
	} else {
		k.tcbs[t.schedNext].schedPrev = t.schedPrev
	}
	t.schedPrev, t.schedNext = NoThread, NoThread
}

// queueIDs lists a wait queue head to tail.
func (k *Kernel) queueIDs(q tcbQueue) []ThreadID {
	var ids []ThreadID
	for id := q.head; id != NoThread; id = k.tcbs[id].epNext {
		ids = append(ids, id)
	}
	return ids
}

func (k *Kernel) readyIDs(q tcbQueue) []ThreadID {
	var ids []ThreadID
	for id := q.head; id != NoThread; id = k.tcbs[id].schedNext {
		ids = append(ids, id)
	}
	return ids
}
