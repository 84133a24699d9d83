package cem

import "fmt"

// readyQueue is the FIFO of runnable strands. Links are intrusive through
// Strand.nextReady, so enqueue and dequeue never allocate.
type readyQueue struct {
	head *Strand
	tail *Strand
}

func (q *readyQueue) empty() bool { return q.head == nil }

func (q *readyQueue) push(s *Strand) {
	s.nextReady = nil
	if q.tail == nil {
		q.head = s
	} else {
		q.tail.nextReady = s
	}
	q.tail = s
}

func (q *readyQueue) pop() *Strand {
	s := q.head
	if s == nil {
		return nil
	}
	q.head = s.nextReady
	if q.head == nil {
		q.tail = nil
	}
	s.nextReady = nil
	return s
}

// blockedRegistry maps a file descriptor to the single strand parked on it.
// Two strands blocking on one descriptor would leave readiness delivery
// ambiguous, so a duplicate registration is fatal.
type blockedRegistry map[int]*Strand

func (r blockedRegistry) add(fd int, s *Strand) {
	if prev, ok := r[fd]; ok {
		panic(&StateError{Message: fmt.Sprintf("cem: fd %d already registered by strand %d", fd, prev.id)})
	}
	r[fd] = s
}

func (r blockedRegistry) remove(fd int) *Strand {
	s := r[fd]
	delete(r, fd)
	return s
}

func (r blockedRegistry) holder(fd int) *Strand { return r[fd] }

func (r blockedRegistry) empty() bool { return len(r) == 0 }
