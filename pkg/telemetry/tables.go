package telemetry

import (
	"sort"
	"sync"
	"time"
)

// Table capacities. When a table is full and a new id arrives, the sample is
// dropped; no drop counter is maintained.
const (
	TypeTableCap = 100
	UserTableCap = 200
)

type slot struct {
	used    bool
	id      uint32
	count   uint64
	totalNS uint64
}

// boundedTable is a linear-probed slot array keyed by a 32-bit id.
type boundedTable struct {
	slots []slot
}

func newBoundedTable(capacity int) *boundedTable {
	return &boundedTable{slots: make([]slot, capacity)}
}

// add records one sample, probing from the id's hash position. Returns false
// when the table is saturated with other ids.
func (t *boundedTable) add(id uint32, d time.Duration) bool {
	n := len(t.slots)
	start := int(id) % n
	for i := 0; i < n; i++ {
		s := &t.slots[(start+i)%n]
		if !s.used {
			s.used = true
			s.id = id
			s.count = 1
			s.totalNS = uint64(d.Nanoseconds())
			return true
		}
		if s.id == id {
			s.count++
			s.totalNS += uint64(d.Nanoseconds())
			return true
		}
	}
	return false
}

func (t *boundedTable) reset() {
	for i := range t.slots {
		t.slots[i] = slot{}
	}
}

// Entry is one table row in a dump.
type Entry struct {
	ID      uint32
	Count   uint64
	TotalNS uint64
}

func (t *boundedTable) dump() []Entry {
	var out []Entry
	for _, s := range t.slots {
		if s.used {
			out = append(out, Entry{ID: s.id, Count: s.count, TotalNS: s.totalNS})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RPCStats tracks per-message-type and per-user counts and latency. One
// mutex guards both tables; it is never taken with the lock domain held.
type RPCStats struct {
	mu     sync.Mutex
	byType *boundedTable
	byUser *boundedTable
}

func NewRPCStats() *RPCStats {
	return &RPCStats{
		byType: newBoundedTable(TypeTableCap),
		byUser: newBoundedTable(UserTableCap),
	}
}

// Record adds one handler invocation.
func (r *RPCStats) Record(msgType uint16, uid uint32, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType.add(uint32(msgType), d)
	r.byUser.add(uid, d)
}

// Reset zeroes both tables (super-user RPC).
func (r *RPCStats) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType.reset()
	r.byUser.reset()
}

// Dump snapshots both tables for the stats RPC.
func (r *RPCStats) Dump() (byType, byUser []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byType.dump(), r.byUser.dump()
}
