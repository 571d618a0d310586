package proc

// Queue is a FIFO of pids. Rather than an intrusive singly-linked list
// threaded through a PCB's next field, the PCB table owns every PCB by
// value, and each set (ready, blocked, zombie) is an index queue over
// that table. A PCB belonging to at most one set becomes a structural
// property -- a pid lives in exactly one Queue slice -- rather than a
// convention callers must uphold by hand.
type Queue struct {
	pids []PID
}

// Enqueue appends to the tail. O(1) amortized.
func (q *Queue) Enqueue(p PID) {
	q.pids = append(q.pids, p)
}

// Dequeue removes and returns the head, or NoPID if empty.
func (q *Queue) Dequeue() PID {
	if len(q.pids) == 0 {
		return NoPID
	}

	p := q.pids[0]
	q.pids = q.pids[1:]

	return p
}

// Remove deletes the first occurrence of p, if present, preserving order.
// It reports whether p was found.
func (q *Queue) Remove(p PID) bool {
	for i, id := range q.pids {
		if id == p {
			q.pids = append(q.pids[:i], q.pids[i+1:]...)
			return true
		}
	}

	return false
}

// Contains reports whether p is in the queue.
func (q *Queue) Contains(p PID) bool {
	for _, id := range q.pids {
		if id == p {
			return true
		}
	}

	return false
}

// Len returns the number of entries.
func (q *Queue) Len() int { return len(q.pids) }

// Slice returns a snapshot of the queue contents, head first. Used by ps
// and tests; callers must not mutate the result.
func (q *Queue) Slice() []PID {
	out := make([]PID, len(q.pids))
	copy(out, q.pids)

	return out
}
