package bus

import "sync"

// taskPoster is the slice of the scheduler the outbound buffer needs: post a
// task for the next tick.
type taskPoster interface {
	Post(fn func()) bool
}

// scheduler is a single-goroutine cooperative task runner. Tasks run one at
// a time in post order; a task posted while another runs executes on a later
// tick. This gives the buffering layer its "end of current tick" flush
// semantics without timers.
type scheduler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	started bool
	closed  bool
	stopped chan struct{}
}

func newScheduler() *scheduler {
	s := &scheduler{stopped: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the run loop. Call once.
func (s *scheduler) Start() {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	go s.run()
}

func (s *scheduler) run() {
	defer close(s.stopped)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		fn()
	}
}

// Post queues fn for a later tick. It never blocks, so a running task may
// post its successor without wedging the loop. Returns false after Stop.
func (s *scheduler) Post(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.queue = append(s.queue, fn)
	s.cond.Signal()
	return true
}

// Stop drains queued tasks and terminates the run loop. Blocks until the
// loop exits. Safe to call more than once.
func (s *scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		started := s.started
		s.mu.Unlock()
		if started {
			<-s.stopped
		}
		return
	}
	s.closed = true
	started := s.started
	s.cond.Signal()
	s.mu.Unlock()
	if started {
		<-s.stopped
	}
}
