package locks

import "sync"

// Throttle serializes the writer-heavy handlers (submit, allocate, job
// complete, step complete, batch complete): at most one may hold the gate at
// a time. A burst of submissions then cannot monopolize the job write lock,
// so readers interleave between writers. Waiters park on a condition
// variable; wakeup order is unspecified but every waiter eventually runs.
type Throttle struct {
	mu     sync.Mutex
	cond   *sync.Cond
	active int
}

// NewThrottle creates an open gate.
func NewThrottle() *Throttle {
	t := &Throttle{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Start blocks until no other writer-heavy handler is inside the gate, then
// claims it.
func (t *Throttle) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.active > 0 {
		t.cond.Wait()
	}
	t.active++
}

// Done releases the gate and wakes one waiter.
func (t *Throttle) Done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active--
	t.cond.Signal()
}
