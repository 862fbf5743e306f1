package sched

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/quarryproject/quarry/pkg/acct"
	"github.com/quarryproject/quarry/pkg/agent"
	"github.com/quarryproject/quarry/pkg/clock"
	"github.com/quarryproject/quarry/pkg/config"
	"github.com/quarryproject/quarry/pkg/cred"
	"github.com/quarryproject/quarry/pkg/fsm"
	"github.com/quarryproject/quarry/pkg/locks"
	"github.com/quarryproject/quarry/pkg/log"
	"github.com/quarryproject/quarry/pkg/plugins"
	"github.com/quarryproject/quarry/pkg/store"
	"github.com/quarryproject/quarry/pkg/telemetry"
	"github.com/quarryproject/quarry/pkg/types"
	"github.com/quarryproject/quarry/pkg/wire"
)

// Dispatcher selects the delivery targets for node-bound messages: per-node
// clusters address each node directly, front-end clusters collapse a node
// set onto the owning proxies. Chosen at startup from config.
type Dispatcher interface {
	Targets(nodes []string) []string
}

// PerNode addresses every node directly.
type PerNode struct{}

func (PerNode) Targets(nodes []string) []string {
	return nodes
}

// ViaFrontEnd collapses nodes onto their owning front-end daemons.
type ViaFrontEnd struct {
	Store *store.Store
}

func (v ViaFrontEnd) Targets(nodes []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, name := range nodes {
		target := name
		if fe := v.Store.FrontEndFor(name); fe != nil {
			target = fe.Name
		}
		if _, dup := seen[target]; !dup {
			seen[target] = struct{}{}
			out = append(out, target)
		}
	}
	return out
}

// Scheduler drives the pending queue: admission, placement, dispatch, and
// the background pass that retries pending jobs as resources free up.
type Scheduler struct {
	store    *store.Store
	domain   *locks.Domain
	cfg      *config.Manager
	clk      clock.Clock
	signer   *cred.Signer
	queue    *agent.Queue
	dispatch Dispatcher
	priority plugins.Priority
	topology plugins.Topology
	sink     acct.Sink

	kickCh  chan struct{}
	stopCh  chan struct{}
	limiter *rate.Limiter
	cycles  atomic.Uint64
}

// New wires the scheduler. The rate limiter coalesces kick storms: a burst
// of completion events triggers at most a few passes per second.
func New(st *store.Store, domain *locks.Domain, cfg *config.Manager, clk clock.Clock,
	signer *cred.Signer, queue *agent.Queue, dispatch Dispatcher,
	priority plugins.Priority, topology plugins.Topology, sink acct.Sink) *Scheduler {
	return &Scheduler{
		store:    st,
		domain:   domain,
		cfg:      cfg,
		clk:      clk,
		signer:   signer,
		queue:    queue,
		dispatch: dispatch,
		priority: priority,
		topology: topology,
		sink:     sink,
		kickCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		limiter:  rate.NewLimiter(rate.Every(200*time.Millisecond), 2),
	}
}

// Kick is a non-blocking hint to re-evaluate the pending queue. In defer
// mode completion events skip the kick and only the interval timer drives
// scheduling.
func (s *Scheduler) Kick() {
	if s.cfg.Current().DeferSched {
		return
	}
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

// Run is the scheduler loop: interval ticks plus rate-limited kicks.
func (s *Scheduler) Run(ctx context.Context) {
	logger := log.WithComponent("sched")
	interval := s.cfg.Current().SchedInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		case <-s.kickCh:
			if !s.limiter.Allow() {
				// Collapse the storm; the next tick covers it.
				continue
			}
		}
		started := s.SchedulePass(s.clk.Now())
		if started > 0 {
			logger.Info().Int("started", started).Msg("scheduling pass")
		}
	}
}

// Stop terminates the loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// Reconfigure satisfies the scheduler plugin interface; the loop reads the
// snapshot fresh on every pass already.
func (s *Scheduler) Reconfigure() {}

// Cycles reports how many scheduling passes have run.
func (s *Scheduler) Cycles() uint64 {
	return s.cycles.Load()
}

// Factors exposes the priority plugin's decomposition for the factors RPC.
func (s *Scheduler) Factors(job *types.Job, part *types.Partition, now time.Time) plugins.PriorityFactors {
	return s.priority.Factors(job, part, now)
}

// Scheduler satisfies the pluggable scheduler interface; a site plugin can
// replace it wholesale.
var _ plugins.Scheduler = (*Scheduler)(nil)

// Schedule runs one pass; it is the plugin-interface name for SchedulePass.
func (s *Scheduler) Schedule(now time.Time) int {
	return s.SchedulePass(now)
}

// SchedulePass evaluates pending jobs in priority order under the full
// write-lock set and returns how many started.
func (s *Scheduler) SchedulePass(now time.Time) int {
	set := locks.Set{Job: locks.Write, Node: locks.Write, Partition: locks.Read}
	s.domain.Lock(set)
	defer s.domain.Unlock(set)

	started := 0
	began := time.Now()
	defer func() {
		s.cycles.Add(1)
		telemetry.ScheduleCycles.Inc()
		telemetry.ScheduleLatency.Observe(time.Since(began).Seconds())
	}()

	for _, id := range s.orderPending(now) {
		job := s.store.FindJob(id)
		if job == nil || !job.IsPending() {
			continue
		}
		if job.Priority == 0 {
			job.Reason = types.ReasonHeld
			continue
		}
		if err := s.TryStart(job, now); err != nil {
			continue
		}
		started++
	}
	telemetry.PendingJobs.Set(float64(len(s.store.PendingJobIDs())))
	return started
}

// orderPending sorts pending job ids by descending priority, refreshing each
// job's priority from the plugin.
func (s *Scheduler) orderPending(now time.Time) []uint32 {
	ids := s.store.PendingJobIDs()
	type cand struct {
		id   uint32
		prio uint32
	}
	cands := make([]cand, 0, len(ids))
	for _, id := range ids {
		job := s.store.FindJob(id)
		if job == nil {
			continue
		}
		part := s.store.FindPartition(job.Request.Partition)
		if job.Priority != 0 {
			job.Priority = s.priority.PriorityOf(job, part, now)
			if job.Priority == 0 {
				job.Priority = 1
			}
		}
		cands = append(cands, cand{id: id, prio: job.Priority})
	}
	// Insertion sort by priority descending, id ascending: the list is
	// small in one pass and stability matters for tests.
	for i := 1; i < len(cands); i++ {
		for j := i; j > 0; j-- {
			if cands[j].prio > cands[j-1].prio ||
				(cands[j].prio == cands[j-1].prio && cands[j].id < cands[j-1].id) {
				cands[j], cands[j-1] = cands[j-1], cands[j]
			} else {
				break
			}
		}
	}
	out := make([]uint32, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}

// TryStart attempts placement for one pending job. Caller holds job and
// node write locks plus partition read. On success the job is Running with
// Configuring set and prolog launches are queued.
func (s *Scheduler) TryStart(job *types.Job, now time.Time) error {
	selected, res, err := s.selectNodes(job, now)
	if err != nil {
		if we, ok := err.(*wire.Error); ok {
			job.Reason = reasonFor(we.Code)
		}
		return err
	}

	job.NodeBitmap = selected
	job.NodeCount = uint32(selected.Count())
	job.Resources = res

	if err := fsm.StartJob(job, now); err != nil {
		job.NodeBitmap = nil
		job.Resources = nil
		job.NodeCount = 0
		return err
	}

	names := s.store.NamesFor(selected)
	for _, idx := range selected.Indices() {
		node := s.store.NodeAt(idx)
		if err := fsm.AllocateNode(node, job.ID, false); err != nil {
			// selectNodes only offered allocatable nodes; failure here is a
			// state-machine bug, not a schedulable condition.
			logger := log.WithJobID(job.ID)
			logger.Error().Err(err).Str("node", node.Name).
				Msg("allocation commit failed")
		}
	}
	if job.Details != nil && job.Details.Script != "" {
		job.BatchHost = names[0]
	}

	credBytes, err := s.mintJobCredential(job, names)
	if err != nil {
		logger := log.WithJobID(job.ID)
		logger.Error().Err(err).Msg("credential mint failed")
	}
	s.queue.EnqueueAll(s.dispatch.Targets(names), wire.MsgLaunchProlog, &wire.LaunchPrologRequest{
		JobID:      job.ID,
		UserID:     job.UserID,
		Credential: credBytes,
	})

	s.sink.JobStart(job)
	telemetry.JobsStarted.Inc()
	jobLogger := log.WithJobID(job.ID)
	jobLogger.Info().Str("nodes", selected.String()).Msg("job started")
	return nil
}

func (s *Scheduler) mintJobCredential(job *types.Job, names []string) ([]byte, error) {
	expire := job.StartTime.Add(job.Request.TimeLimit)
	if job.Request.TimeLimit == 0 {
		expire = job.StartTime.Add(24 * time.Hour)
	}
	return s.signer.Mint(&cred.Arg{
		JobID:     job.ID,
		StepID:    wire.BatchScriptStep,
		UserID:    job.UserID,
		NodeList:  names,
		MemLimit:  job.Request.MemPerNode,
		ExpiresAt: expire.Unix(),
	})
}

// WillRun is the read-mostly probe: it runs selection without committing.
func (s *Scheduler) WillRun(req *wire.JobSubmitRequest, uid uint32, now time.Time) (time.Time, error) {
	job := JobFromRequest(req, uid, uid)
	if part := s.store.FindPartition(req.Partition); part == nil && req.Partition != "" {
		return time.Time{}, wire.Err(wire.ErrInvalidPartitionName)
	}
	if job.Request.Partition == "" {
		if p := s.store.DefaultPartition(); p != nil {
			job.Request.Partition = p.Name
		}
	}
	if _, _, err := s.selectNodes(job, now); err != nil {
		// Not placeable now: estimate the earliest end time of a running
		// job as the start horizon.
		est := s.earliestEnd(now)
		if est.IsZero() {
			return time.Time{}, err
		}
		return est, nil
	}
	return now, nil
}

func (s *Scheduler) earliestEnd(now time.Time) time.Time {
	var est time.Time
	for _, id := range s.store.JobIDs() {
		j := s.store.FindJob(id)
		if j == nil || !j.IsRunning() || j.Request.TimeLimit == 0 {
			continue
		}
		end := j.StartTime.Add(j.Request.TimeLimit)
		if end.Before(now) {
			end = now
		}
		if est.IsZero() || end.Before(est) {
			est = end
		}
	}
	return est
}

func reasonFor(code wire.ReturnCode) types.ReasonCode {
	switch code {
	case wire.ErrNodeNotAvail:
		return types.ReasonNodeDown
	case wire.ErrPartConfigUnavailable:
		return types.ReasonPartitionDown
	case wire.ErrJobHeld:
		return types.ReasonHeld
	case wire.ErrReservationNotUsable, wire.ErrReservationBusy:
		return types.ReasonReservation
	default:
		return types.ReasonResources
	}
}

// JobFromRequest builds the job record for a submit/allocate/will-run
// request.
func JobFromRequest(req *wire.JobSubmitRequest, uid, gid uint32) *types.Job {
	job := &types.Job{
		Name:        req.Name,
		UserID:      uid,
		GroupID:     gid,
		State:       types.JobPending,
		Priority:    1,
		ArrayTaskID: types.NoArrayTask,
		SpankEnv:    req.SpankEnv,
		Request: types.AllocRequest{
			MinNodes:    req.MinNodes,
			MaxNodes:    req.MaxNodes,
			MinCPUs:     req.MinCPUs,
			MemPerCPU:   req.MemPerCPU,
			MemPerNode:  req.MemPerNode,
			Features:    req.Features,
			Gres:        req.Gres,
			Partition:   req.Partition,
			Reservation: req.Reservation,
			TimeLimit:   time.Duration(req.TimeLimit) * time.Second,
		},
	}
	if job.Request.MinNodes == 0 {
		job.Request.MinNodes = 1
	}
	if job.Request.MaxNodes == 0 {
		job.Request.MaxNodes = job.Request.MinNodes
	}
	if req.Script != "" || req.Requeue || req.MaxRestarts > 0 {
		job.Details = &types.JobDetails{
			Requeue:     req.Requeue,
			MaxRestarts: req.MaxRestarts,
			Script:      req.Script,
			WorkDir:     req.WorkDir,
		}
	}
	if req.Hold {
		job.Priority = 0
		job.Reason = types.ReasonHeld
	}
	return job
}

// Admit validates a request against partition and reservation policy and
// inserts the job into the pending queue. Hard validation errors reject the
// submission; capacity conditions are left for placement.
func (s *Scheduler) Admit(job *types.Job) (uint32, error) {
	if job.Request.Partition == "" {
		p := s.store.DefaultPartition()
		if p == nil {
			return 0, wire.Err(wire.ErrPartConfigUnavailable)
		}
		job.Request.Partition = p.Name
	}
	part := s.store.FindPartition(job.Request.Partition)
	if part == nil {
		return 0, wire.Err(wire.ErrInvalidPartitionName)
	}
	if !part.AllowsUser(job.UserID) {
		return 0, wire.Errf(wire.ErrAccessDenied, "user %d not allowed in partition %s",
			job.UserID, part.Name)
	}
	if job.Request.TimeLimit == 0 {
		job.Request.TimeLimit = part.DefaultTime
	}
	if part.MaxTime > 0 && job.Request.TimeLimit > part.MaxTime {
		return 0, wire.Errf(wire.ErrInvalidTimeLimit, "limit %s exceeds partition max %s",
			job.Request.TimeLimit, part.MaxTime)
	}
	if job.Request.MinNodes > uint32(part.NodeBitmap.Count()) {
		return 0, wire.Errf(wire.ErrNodeNotAvail, "partition %s has %d nodes, %d requested",
			part.Name, part.NodeBitmap.Count(), job.Request.MinNodes)
	}
	if name := job.Request.Reservation; name != "" {
		resv := s.store.FindReservation(name)
		if resv == nil {
			return 0, wire.Err(wire.ErrInvalidReservationName)
		}
		if !resv.AllowsUser(job.UserID) {
			return 0, wire.Err(wire.ErrReservationNotUsable)
		}
	}

	id, err := s.store.InsertJob(job)
	if err != nil {
		return 0, err
	}
	if job.Reason == types.ReasonNone {
		job.Reason = types.ReasonPriority
	}
	telemetry.JobsSubmitted.Inc()
	return id, nil
}

// Requeue resets an applicable job to Pending and kicks the queue.
func (s *Scheduler) Requeue(job *types.Job, consumeBudget bool, now time.Time) error {
	s.releaseJobNodes(job)
	if err := fsm.Requeue(job, consumeBudget, now); err != nil {
		return err
	}
	job.Reason = types.ReasonPriority
	telemetry.JobsRequeued.Inc()
	s.Kick()
	return nil
}

// releaseJobNodes drops the job from any node still holding it; used when a
// requeue or abort bypasses the per-node epilog path.
func (s *Scheduler) releaseJobNodes(job *types.Job) {
	if job.NodeBitmap == nil {
		return
	}
	for _, idx := range job.NodeBitmap.Indices() {
		if n := s.store.NodeAt(idx); n != nil {
			fsm.ReleaseNode(n, job.ID)
		}
	}
}
