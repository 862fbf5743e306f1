package reservation

import (
	"fmt"
	"time"

	"github.com/quarryproject/quarry/pkg/store"
	"github.com/quarryproject/quarry/pkg/types"
	"github.com/quarryproject/quarry/pkg/wire"
)

// Manager owns reservation lifecycle. Callers hold node write + partition
// read locks for mutations.
type Manager struct {
	store *store.Store
	seq   uint32
}

func NewManager(st *store.Store) *Manager {
	return &Manager{store: st}
}

// Create validates and installs a reservation. An empty name lets the
// controller pick one.
func (m *Manager) Create(desc *wire.ReservationDesc, now time.Time) (*types.Reservation, error) {
	start := time.Unix(desc.StartTime, 0)
	end := time.Unix(desc.EndTime, 0)

	if !start.Before(end) {
		return nil, wire.Errf(wire.ErrUnexpected, "start_time %v not before end_time %v", start, end)
	}
	// A window already in the past is only meaningful for maintenance
	// bookkeeping.
	if end.Before(now) && !desc.Maint {
		return nil, wire.Errf(wire.ErrUnexpected, "reservation window entirely in the past")
	}
	if len(desc.Nodes) == 0 {
		return nil, wire.Errf(wire.ErrInvalidNodeName, "reservation needs a node set")
	}
	for _, name := range desc.Nodes {
		if m.store.FindNode(name) == nil {
			return nil, wire.Errf(wire.ErrInvalidNodeName, "unknown node %s", name)
		}
	}

	name := desc.Name
	if name == "" {
		m.seq++
		name = fmt.Sprintf("resv_%d", m.seq)
	}
	if m.store.FindReservation(name) != nil {
		return nil, wire.Errf(wire.ErrReservationBusy, "reservation %s exists", name)
	}

	r := &types.Reservation{
		Name:      name,
		Nodes:     desc.Nodes,
		StartTime: start,
		EndTime:   end,
		Users:     desc.Users,
		Accounts:  desc.Accounts,
		Maint:     desc.Maint,
	}
	r.NodeBitmap = m.store.BitmapFor(desc.Nodes)

	if err := m.checkOverlap(r, ""); err != nil {
		return nil, err
	}

	m.store.AddReservation(r)
	return r, nil
}

// Update modifies an existing reservation in place.
func (m *Manager) Update(desc *wire.ReservationDesc, now time.Time) error {
	r := m.store.FindReservation(desc.Name)
	if r == nil {
		return wire.Err(wire.ErrInvalidReservationName)
	}

	next := *r
	if len(desc.Nodes) > 0 {
		for _, name := range desc.Nodes {
			if m.store.FindNode(name) == nil {
				return wire.Errf(wire.ErrInvalidNodeName, "unknown node %s", name)
			}
		}
		next.Nodes = desc.Nodes
		next.NodeBitmap = m.store.BitmapFor(desc.Nodes)
	}
	if desc.StartTime != 0 {
		next.StartTime = time.Unix(desc.StartTime, 0)
	}
	if desc.EndTime != 0 {
		next.EndTime = time.Unix(desc.EndTime, 0)
	}
	if desc.Users != nil {
		next.Users = desc.Users
	}
	if desc.Accounts != nil {
		next.Accounts = desc.Accounts
	}
	next.Maint = desc.Maint

	if !next.StartTime.Before(next.EndTime) {
		return wire.Errf(wire.ErrUnexpected, "start_time not before end_time")
	}
	if err := m.checkOverlap(&next, r.Name); err != nil {
		return err
	}

	*r = next
	return nil
}

// Delete removes a reservation by name.
func (m *Manager) Delete(name string) error {
	return m.store.DeleteReservation(name)
}

// checkOverlap enforces the sharing rule: two reservations may cover the
// same node only when their user sets are disjoint or one contains the
// other. Unrestricted reservations (empty user set) never share a node.
func (m *Manager) checkOverlap(r *types.Reservation, ignore string) error {
	for _, other := range m.store.Reservations() {
		if other.Name == ignore || other.Name == r.Name {
			continue
		}
		if !timeOverlap(r, other) || !r.NodeBitmap.Overlaps(other.NodeBitmap) {
			continue
		}
		if len(r.Users) == 0 || len(other.Users) == 0 {
			return wire.Errf(wire.ErrReservationBusy,
				"nodes overlap unrestricted reservation %s", other.Name)
		}
		if usersDisjoint(r.Users, other.Users) || usersSubset(r.Users, other.Users) ||
			usersSubset(other.Users, r.Users) {
			continue
		}
		return wire.Errf(wire.ErrReservationBusy, "node and user overlap with %s", other.Name)
	}
	return nil
}

func timeOverlap(a, b *types.Reservation) bool {
	return a.StartTime.Before(b.EndTime) && b.StartTime.Before(a.EndTime)
}

func usersDisjoint(a, b []uint32) bool {
	set := make(map[uint32]struct{}, len(a))
	for _, u := range a {
		set[u] = struct{}{}
	}
	for _, u := range b {
		if _, hit := set[u]; hit {
			return false
		}
	}
	return true
}

func usersSubset(inner, outer []uint32) bool {
	set := make(map[uint32]struct{}, len(outer))
	for _, u := range outer {
		set[u] = struct{}{}
	}
	for _, u := range inner {
		if _, ok := set[u]; !ok {
			return false
		}
	}
	return true
}
