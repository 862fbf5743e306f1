package reservation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryproject/quarry/pkg/clock"
	"github.com/quarryproject/quarry/pkg/config"
	"github.com/quarryproject/quarry/pkg/store"
	"github.com/quarryproject/quarry/pkg/wire"
)

func newManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	cfg := &config.Snapshot{
		FirstJobID: 1,
		MaxJobID:   100,
		Nodes: []config.NodeDef{
			{Name: "n1", CPUs: 8}, {Name: "n2", CPUs: 8}, {Name: "n3", CPUs: 8},
		},
	}
	st := store.New(cfg, clock.Real{})
	return NewManager(st), st
}

func desc(name string, nodes []string, users []uint32, start, end time.Time) *wire.ReservationDesc {
	return &wire.ReservationDesc{
		Name:      name,
		Nodes:     nodes,
		Users:     users,
		StartTime: start.Unix(),
		EndTime:   end.Unix(),
	}
}

func TestCreateAndDelete(t *testing.T) {
	m, st := newManager(t)
	now := time.Now()

	r, err := m.Create(desc("weekly", []string{"n1", "n2"}, []uint32{1000},
		now, now.Add(time.Hour)), now)
	require.NoError(t, err)
	assert.Equal(t, "weekly", r.Name)
	assert.Equal(t, 2, r.NodeBitmap.Count())
	assert.NotNil(t, st.FindReservation("weekly"))

	require.NoError(t, m.Delete("weekly"))
	assert.Nil(t, st.FindReservation("weekly"))
	assert.Error(t, m.Delete("weekly"))
}

func TestGeneratedName(t *testing.T) {
	m, _ := newManager(t)
	now := time.Now()
	r, err := m.Create(desc("", []string{"n1"}, []uint32{1}, now, now.Add(time.Hour)), now)
	require.NoError(t, err)
	assert.NotEmpty(t, r.Name)
}

func TestRejectsBadWindow(t *testing.T) {
	m, _ := newManager(t)
	now := time.Now()

	_, err := m.Create(desc("x", []string{"n1"}, nil, now.Add(time.Hour), now), now)
	assert.Error(t, err, "start after end")

	_, err = m.Create(desc("y", []string{"n1"}, nil,
		now.Add(-2*time.Hour), now.Add(-time.Hour)), now)
	assert.Error(t, err, "window in the past")

	// A past window with the maint flag is accepted.
	d := desc("z", []string{"n1"}, nil, now.Add(-2*time.Hour), now.Add(-time.Hour))
	d.Maint = true
	_, err = m.Create(d, now)
	assert.NoError(t, err)
}

func TestRejectsUnknownNode(t *testing.T) {
	m, _ := newManager(t)
	now := time.Now()
	_, err := m.Create(desc("x", []string{"n9"}, nil, now, now.Add(time.Hour)), now)
	assert.Equal(t, wire.ErrInvalidNodeName, wire.CodeOf(err))
}

func TestOverlapRules(t *testing.T) {
	m, _ := newManager(t)
	now := time.Now()

	_, err := m.Create(desc("a", []string{"n1", "n2"}, []uint32{1, 2},
		now, now.Add(time.Hour)), now)
	require.NoError(t, err)

	// Disjoint users on the same nodes: allowed.
	_, err = m.Create(desc("b", []string{"n1"}, []uint32{3},
		now, now.Add(time.Hour)), now)
	assert.NoError(t, err)

	// Subset users: allowed.
	_, err = m.Create(desc("c", []string{"n2"}, []uint32{1},
		now, now.Add(time.Hour)), now)
	assert.NoError(t, err)

	// Partial user overlap: refused.
	_, err = m.Create(desc("d", []string{"n1"}, []uint32{1, 9},
		now, now.Add(time.Hour)), now)
	assert.Equal(t, wire.ErrReservationBusy, wire.CodeOf(err))

	// Different time window: allowed regardless of users.
	_, err = m.Create(desc("e", []string{"n1"}, []uint32{1, 9},
		now.Add(2*time.Hour), now.Add(3*time.Hour)), now)
	assert.NoError(t, err)

	// Different nodes: allowed.
	_, err = m.Create(desc("f", []string{"n3"}, []uint32{1, 9},
		now, now.Add(time.Hour)), now)
	assert.NoError(t, err)
}

func TestUpdate(t *testing.T) {
	m, st := newManager(t)
	now := time.Now()

	_, err := m.Create(desc("a", []string{"n1"}, []uint32{1}, now, now.Add(time.Hour)), now)
	require.NoError(t, err)

	err = m.Update(&wire.ReservationDesc{
		Name:    "a",
		Nodes:   []string{"n1", "n3"},
		EndTime: now.Add(2 * time.Hour).Unix(),
	}, now)
	require.NoError(t, err)

	r := st.FindReservation("a")
	assert.Equal(t, 2, r.NodeBitmap.Count())
	assert.Equal(t, now.Add(2*time.Hour).Unix(), r.EndTime.Unix())

	assert.Error(t, m.Update(&wire.ReservationDesc{Name: "missing"}, now))
}
