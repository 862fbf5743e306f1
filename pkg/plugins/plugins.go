package plugins

import (
	"sort"
	"time"

	"github.com/quarryproject/quarry/pkg/types"
	"github.com/quarryproject/quarry/pkg/wire"
)

// The controller consumes these capability interfaces; site-specific
// implementations load at startup. The defaults here keep a bare cluster
// functional.

// PriorityFactors decomposes a job's priority for the factors query.
type PriorityFactors struct {
	Age       uint32
	FairShare uint32
	JobSize   uint32
	Partition uint32
	QOS       uint32
}

// Priority evaluates job priority.
type Priority interface {
	PriorityOf(job *types.Job, part *types.Partition, now time.Time) uint32
	Factors(job *types.Job, part *types.Partition, now time.Time) PriorityFactors
}

// Topology orders a candidate node subset by placement preference.
type Topology interface {
	OrderNodes(nodes []*types.Node) []*types.Node
}

// Switch packs and unpacks the opaque per-job/per-step network blobs.
type Switch interface {
	BuildStepInfo(job *types.Job, step *types.Step) *types.PluginData
	Pack(data *types.PluginData) ([]byte, error)
	Unpack(raw []byte) (*types.PluginData, error)
}

// Scheduler is the pluggable scheduling pass.
type Scheduler interface {
	// Schedule runs one pass and returns how many jobs started.
	Schedule(now time.Time) int
	// WillRun estimates a start time without committing anything.
	WillRun(req *wire.JobSubmitRequest, uid uint32, now time.Time) (time.Time, error)
	// Reconfigure picks up a swapped config snapshot.
	Reconfigure()
}

// MultifactorLite is the default priority evaluator: age plus job size plus
// partition weight. Fair-share and QOS contribute zero; a site plugin
// replaces this when those matter.
type MultifactorLite struct {
	AgeWeight     uint32
	JobSizeWeight uint32
	MaxAge        time.Duration
}

// NewMultifactorLite uses the conventional weights.
func NewMultifactorLite() *MultifactorLite {
	return &MultifactorLite{
		AgeWeight:     1000,
		JobSizeWeight: 100,
		MaxAge:        7 * 24 * time.Hour,
	}
}

func (m *MultifactorLite) PriorityOf(job *types.Job, part *types.Partition, now time.Time) uint32 {
	f := m.Factors(job, part, now)
	return f.Age + f.JobSize + f.Partition
}

func (m *MultifactorLite) Factors(job *types.Job, part *types.Partition, now time.Time) PriorityFactors {
	var f PriorityFactors

	age := now.Sub(job.SubmitTime)
	if age < 0 {
		age = 0
	}
	if age > m.MaxAge {
		age = m.MaxAge
	}
	f.Age = uint32(float64(m.AgeWeight) * float64(age) / float64(m.MaxAge))

	// Larger jobs first, so wide allocations are not starved by a stream of
	// small ones.
	f.JobSize = m.JobSizeWeight * job.Request.MinNodes

	if part != nil {
		f.Partition = uint32(part.Priority)
	}
	return f
}

// WeightOrder is the default topology: stable sort by node weight then name,
// so the scheduler prefers cheap nodes and test runs are deterministic.
type WeightOrder struct{}

func (WeightOrder) OrderNodes(nodes []*types.Node) []*types.Node {
	out := make([]*types.Node, len(nodes))
	copy(out, nodes)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight < out[j].Weight
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// NopSwitch is the default switch plugin: an empty blob of kind 0.
type NopSwitch struct{}

func (NopSwitch) BuildStepInfo(job *types.Job, step *types.Step) *types.PluginData {
	return &types.PluginData{Kind: 0}
}

func (NopSwitch) Pack(data *types.PluginData) ([]byte, error) {
	return wire.Marshal(data)
}

func (NopSwitch) Unpack(raw []byte) (*types.PluginData, error) {
	var d types.PluginData
	if err := wire.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
