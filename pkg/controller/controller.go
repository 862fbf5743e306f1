package controller

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quarryproject/quarry/pkg/acct"
	"github.com/quarryproject/quarry/pkg/agent"
	"github.com/quarryproject/quarry/pkg/auth"
	"github.com/quarryproject/quarry/pkg/clock"
	"github.com/quarryproject/quarry/pkg/config"
	"github.com/quarryproject/quarry/pkg/cred"
	"github.com/quarryproject/quarry/pkg/locks"
	"github.com/quarryproject/quarry/pkg/log"
	"github.com/quarryproject/quarry/pkg/plugins"
	"github.com/quarryproject/quarry/pkg/reservation"
	"github.com/quarryproject/quarry/pkg/sched"
	"github.com/quarryproject/quarry/pkg/statesave"
	"github.com/quarryproject/quarry/pkg/step"
	"github.com/quarryproject/quarry/pkg/store"
	"github.com/quarryproject/quarry/pkg/telemetry"
)

// Version is stamped via ldflags at build time.
var Version = "dev"

// Controller is the cluster's central daemon: it owns the entity store, the
// lock domain, the scheduler and every RPC handler.
type Controller struct {
	cfg      *config.Manager
	clk      clock.Clock
	domain   *locks.Domain
	throttle *locks.Throttle
	store    *store.Store
	signer   *cred.Signer
	verifier auth.Verifier
	classify *auth.Classifier
	queue    *agent.Queue
	sched    *sched.Scheduler
	steps    *step.Manager
	resv     *reservation.Manager
	sink     acct.Sink
	saver    *statesave.Store
	stats    *telemetry.RPCStats

	handlers map[uint16]handlerEntry

	bootTime time.Time

	jobsSubmitted atomic.Uint64
	jobsStarted   atomic.Uint64
	jobsCompleted atomic.Uint64
	jobsCanceled  atomic.Uint64

	shutdownCh chan struct{}
	shutdownOnce sync.Once
	wg         sync.WaitGroup
}

// Options injects test doubles; zero values select production defaults.
type Options struct {
	Clock     clock.Clock
	Transport agent.Transport
	Sink      acct.Sink
	Signer    *cred.Signer
	Verifier  auth.Verifier
}

// New builds a controller from a loaded config snapshot.
func New(cfgMgr *config.Manager, opts Options) (*Controller, error) {
	snap := cfgMgr.Current()

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	signer := opts.Signer
	if signer == nil {
		var err error
		if snap.CredKeyFile != "" {
			raw, err := os.ReadFile(snap.CredKeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read credential key: %v", err)
			}
			if len(raw) != ed25519.PrivateKeySize {
				return nil, fmt.Errorf("credential key %s: bad size %d", snap.CredKeyFile, len(raw))
			}
			signer, err = cred.NewSignerFromKey(ed25519.PrivateKey(raw))
			if err != nil {
				return nil, err
			}
		} else {
			signer, err = cred.NewSigner()
			if err != nil {
				return nil, err
			}
		}
	}

	verifier := opts.Verifier
	if verifier == nil {
		verifier = auth.NewHMACVerifier(snap.AuthKey)
	}

	sink := opts.Sink
	if sink == nil {
		if snap.AcctDBPath == "" {
			sink = acct.Nop{}
		} else {
			var err error
			sink, err = acct.NewBoltSink(snap.AcctDBPath)
			if err != nil {
				// Accounting is best-effort; the controller runs without it.
				log.Errorf("accounting store unavailable", err)
				sink = acct.Nop{}
			}
		}
	}

	saver, err := statesave.New(snap.StateSaveDir)
	if err != nil {
		return nil, err
	}

	st := store.New(snap, clk)

	transport := opts.Transport
	if transport == nil {
		transport = &nodeTransport{store: st, timeout: snap.AgentTimeout}
	}
	queue := agent.NewQueue(transport, 4096, 4)

	var dispatch sched.Dispatcher = sched.PerNode{}
	if len(snap.FrontEnds) > 0 {
		dispatch = sched.ViaFrontEnd{Store: st}
	}

	domain := locks.NewDomain()
	scheduler := sched.New(st, domain, cfgMgr, clk, signer, queue, dispatch,
		plugins.NewMultifactorLite(), plugins.WeightOrder{}, sink)

	c := &Controller{
		cfg:        cfgMgr,
		clk:        clk,
		domain:     domain,
		throttle:   locks.NewThrottle(),
		store:      st,
		signer:     signer,
		verifier:   verifier,
		classify:   auth.NewClassifier(snap.AgentUser, snap.Operators),
		queue:      queue,
		sched:      scheduler,
		steps:      step.NewManager(st, signer, plugins.NopSwitch{}, sink),
		resv:       reservation.NewManager(st),
		sink:       sink,
		saver:      saver,
		stats:      telemetry.NewRPCStats(),
		bootTime:   clk.Now(),
		shutdownCh: make(chan struct{}),
	}
	c.handlers = c.buildHandlerTable()

	if err := c.restoreState(); err != nil {
		return nil, err
	}
	return c, nil
}

// restoreState reloads the persisted entity files. A corrupt file is fatal;
// a missing one means first boot.
func (c *Controller) restoreState() error {
	load := func(name string, v any) error {
		err := c.saver.Load(name, v)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	var jobs []store.JobShadow
	if err := load(statesave.FileJobs, &jobs); err != nil {
		return fmt.Errorf("corrupt job state: %v", err)
	}
	if err := c.store.RestoreJobs(jobs); err != nil {
		return err
	}

	var nodes []store.NodeShadow
	if err := load(statesave.FileNodes, &nodes); err != nil {
		return fmt.Errorf("corrupt node state: %v", err)
	}
	c.store.RestoreNodes(nodes)

	var parts []store.PartitionShadow
	if err := load(statesave.FilePartitions, &parts); err != nil {
		return fmt.Errorf("corrupt partition state: %v", err)
	}
	c.store.RestorePartitions(parts)

	var resvs []store.ReservationShadow
	if err := load(statesave.FileReservations, &resvs); err != nil {
		return fmt.Errorf("corrupt reservation state: %v", err)
	}
	c.store.RestoreReservations(resvs)

	next, err := c.saver.LoadJobID()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("corrupt job id state: %v", err)
	}
	if next != 0 {
		c.store.RestoreJobID(next)
	}
	return nil
}

// saveState snapshots every entity file under read locks.
func (c *Controller) saveState() {
	set := locks.Set{Job: locks.Read, Node: locks.Read, Partition: locks.Read}
	c.domain.Lock(set)
	jobs := c.store.DumpJobs()
	nodes := c.store.DumpNodes()
	parts := c.store.DumpPartitions()
	resvs := c.store.DumpReservations()
	next := c.store.NextJobID()
	c.domain.Unlock(set)

	c.saver.SaveAll(jobs, nodes, parts, resvs, next)
}

// Run starts the background loops and blocks until ctx is cancelled or a
// shutdown RPC arrives.
func (c *Controller) Run(ctx context.Context) error {
	logger := log.WithComponent("controller")
	logger.Info().Str("cluster", c.cfg.Current().ClusterName).
		Str("version", Version).Msg("controller starting")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sched.Run(ctx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watchdog(ctx)
	}()

	select {
	case <-ctx.Done():
	case <-c.shutdownCh:
	}

	cancel()
	c.sched.Stop()
	c.wg.Wait()
	c.queue.Stop()
	c.saveState()
	if err := c.sink.Close(); err != nil {
		logger.Warn().Err(err).Msg("accounting close failed")
	}
	logger.Info().Msg("controller stopped")
	return nil
}

// Shutdown asks the run loop to exit.
func (c *Controller) Shutdown() {
	c.shutdownOnce.Do(func() { close(c.shutdownCh) })
}

// Store exposes the entity store to tests.
func (c *Controller) Store() *store.Store {
	return c.store
}

// Scheduler exposes the scheduling pipeline to tests.
func (c *Controller) Scheduler() *sched.Scheduler {
	return c.sched
}
