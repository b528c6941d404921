package kernel

// Scheduler is a round-robin FIFO of ready thread ids.
type Scheduler struct {
	ready []int
	// Running is the thread currently on the CPU, or 0.
	Running int
}

func (s *Scheduler) Enqueue(id int) { s.ready = append(s.ready, id) }

// Next dequeues the thread that has waited longest.
func (s *Scheduler) Next() (int, bool) {
	if len(s.ready) == 0 {
		return 0, false
	}
	id := s.ready[0]
	s.ready = s.ready[1:]
	return id, true
}

// Remove drops id from the queue wherever it is.
func (s *Scheduler) Remove(id int) {
	for i, r := range s.ready {
		if r == id {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) Len() int { return len(s.ready) }

// Queue returns a copy of the ready queue, head first.
func (s *Scheduler) Queue() []int { return append([]int(nil), s.ready...) }
