package clock

import (
	"fmt"
	"sync"
)

// JobIDAllocator hands out job ids. Ids climb monotonically from the
// configured floor; at the ceiling the allocator wraps and searches for a
// gap, skipping any id still attached to a live record. The caller provides
// the liveness check so the allocator stays free of store dependencies.
type JobIDAllocator struct {
	mu    sync.Mutex
	next  uint32
	first uint32
	max   uint32
	inUse func(uint32) bool
}

// NewJobIDAllocator creates an allocator spanning [first, max].
func NewJobIDAllocator(first, max uint32, inUse func(uint32) bool) *JobIDAllocator {
	if first == 0 {
		first = 1
	}
	if max <= first {
		max = first + 1<<20
	}
	return &JobIDAllocator{
		next:  first,
		first: first,
		max:   max,
		inUse: inUse,
	}
}

// Next returns a free job id, or an error when every id in the range is
// attached to a live record.
func (a *JobIDAllocator) Next() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := a.max - a.first + 1
	for tried := uint32(0); tried < span; tried++ {
		id := a.next
		a.next++
		if a.next > a.max {
			a.next = a.first
		}
		if !a.inUse(id) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("job id space exhausted: all %d ids in use", span)
}

// Restore positions the allocator after a restart so recovered records keep
// their ids and new ids continue past the highest issued one.
func (a *JobIDAllocator) Restore(next uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if next >= a.first && next <= a.max {
		a.next = next
	}
}

// NextPending reports the id the next call would try first; persisted to the
// id-counter file on every state save.
func (a *JobIDAllocator) NextPending() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}
