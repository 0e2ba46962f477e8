package bringup

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/couchbase/devcluster/common/clustererr"
	"github.com/couchbase/devcluster/common/mongoadmin"
	"github.com/couchbase/devcluster/devcluster/node"
	"github.com/couchbase/devcluster/devcluster/probe"
	"github.com/couchbase/devcluster/devcluster/replset"
	"github.com/couchbase/devcluster/devcluster/shards"
	"github.com/couchbase/devcluster/devcluster/topology"
	"github.com/couchbase/devcluster/pkg/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/couchbase/devcluster/devcluster/bringup"

var ErrAlreadyRun = errors.New("bring-up has already been run")

type OrchestratorOptions struct {
	Logger    *zap.Logger
	Topology  *topology.Topology
	Connector mongoadmin.Connector
	Starter   node.ProcessStarter
	Metrics   *metrics.DcMetrics
	BinDir    string

	ReadyPolicy   probe.Policy
	PrimaryPolicy probe.Policy

	// PhaseCallback, if set, is invoked synchronously on every transition.
	PhaseCallback func(Phase)
}

// Orchestrator drives one bring-up run through its phases.  Phases run
// strictly one after another, the work inside a phase runs concurrently and
// the phase ends once all of it has finished.
type Orchestrator struct {
	logger        *zap.Logger
	topology      *topology.Topology
	metrics       *metrics.DcMetrics
	tracer        trace.Tracer
	runID         string
	phaseCallback func(Phase)

	handles []*node.Handle
	groupA  []*node.Handle
	groupB  []*node.Handle
	byPort  map[int]*node.Handle

	prober       *probe.Prober
	configurator *replset.Configurator
	registrar    *shards.Registrar

	lock    sync.Mutex
	started bool
	phase   Phase
	failure error
}

func NewOrchestrator(opts *OrchestratorOptions) (*Orchestrator, error) {
	if opts.Topology == nil {
		return nil, clustererr.Configuration("a topology is required", nil)
	}
	if opts.Connector == nil {
		return nil, clustererr.Configuration("a connector is required", nil)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	runID := uuid.NewString()

	o := &Orchestrator{
		logger:        logger.With(zap.String("runId", runID)),
		topology:      opts.Topology,
		metrics:       opts.Metrics,
		tracer:        otel.Tracer(tracerName),
		runID:         runID,
		phaseCallback: opts.PhaseCallback,
		byPort:        make(map[int]*node.Handle),
		phase:         PhasePending,
	}

	newHandle := func(spec topology.NodeSpec) *node.Handle {
		h := node.NewHandle(&node.HandleOptions{
			Logger:  o.logger.Named("node"),
			Spec:    spec,
			Starter: opts.Starter,
			Metrics: opts.Metrics,
			BinDir:  opts.BinDir,
		})
		o.handles = append(o.handles, h)
		o.byPort[spec.Port] = h
		return h
	}
	for _, spec := range opts.Topology.GroupA {
		o.groupA = append(o.groupA, newHandle(spec))
	}
	for _, spec := range opts.Topology.GroupB {
		o.groupB = append(o.groupB, newHandle(spec))
	}

	o.prober = probe.NewProber(&probe.ProberOptions{
		Logger:    o.logger.Named("prober"),
		Connector: opts.Connector,
		Metrics:   opts.Metrics,
		Policy:    opts.ReadyPolicy,
	})
	o.configurator = replset.NewConfigurator(&replset.ConfiguratorOptions{
		Logger:    o.logger.Named("replset"),
		Connector: opts.Connector,
		Policy:    opts.PrimaryPolicy,
	})
	o.registrar = shards.NewRegistrar(&shards.RegistrarOptions{
		Logger:    o.logger.Named("shards"),
		Connector: opts.Connector,
	})

	return o, nil
}

func (o *Orchestrator) RunID() string {
	return o.runID
}

func (o *Orchestrator) Topology() *topology.Topology {
	return o.topology
}

// Handles returns the node handles in launch order.
func (o *Orchestrator) Handles() []*node.Handle {
	return o.handles
}

func (o *Orchestrator) Phase() Phase {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.phase
}

// Err returns the error which moved the run to Failed.
func (o *Orchestrator) Err() error {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.failure
}

func (o *Orchestrator) setPhase(phase Phase, failure error) {
	o.lock.Lock()
	o.phase = phase
	o.failure = failure
	o.lock.Unlock()

	if o.phaseCallback != nil {
		o.phaseCallback(phase)
	}
}

type phaseStep struct {
	phase Phase
	skip  bool
	run   func(ctx context.Context) error
}

func (o *Orchestrator) steps() []phaseStep {
	opts := o.topology.Options
	noGroupB := len(o.groupB) == 0

	return []phaseStep{
		{PhaseCreatingDirectories, false, o.createDirectories},
		{PhaseLaunchingGroupA, false, func(ctx context.Context) error {
			return o.launch(ctx, o.groupA)
		}},
		{PhaseAwaitingGroupAReady, false, func(ctx context.Context) error {
			return o.awaitReady(ctx, o.groupA)
		}},
		{PhaseLaunchingGroupB, noGroupB, func(ctx context.Context) error {
			return o.launch(ctx, o.groupB)
		}},
		{PhaseAwaitingGroupBReady, noGroupB, func(ctx context.Context) error {
			return o.awaitReady(ctx, o.groupB)
		}},
		{PhaseInitiatingReplicaSets, !opts.Replicated, o.initiateReplicaSets},
		{PhaseAwaitingReplicaPrimaries, !opts.Replicated, o.awaitPrimaries},
		{PhaseRegisteringShards, !opts.Sharded, o.registerShards},
	}
}

// Run performs the bring-up.  It returns nil once the cluster is Online, or
// the first fatal error.  Nodes already launched are left running either way.
// Run may only be called once.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.lock.Lock()
	if o.started {
		o.lock.Unlock()
		return ErrAlreadyRun
	}
	o.started = true
	o.lock.Unlock()

	ctx, span := o.tracer.Start(ctx, "bringup.Run",
		trace.WithAttributes(attribute.String("runId", o.runID)))
	defer span.End()

	o.logger.Info("starting cluster bring-up",
		zap.Int("nodes", len(o.handles)),
		zap.Bool("sharded", o.topology.Options.Sharded),
		zap.Bool("replicated", o.topology.Options.Replicated))

	for _, step := range o.steps() {
		if step.skip {
			o.logger.Debug("skipping phase", zap.Stringer("phase", step.phase))
			continue
		}

		err := o.runPhase(ctx, step)
		if err != nil {
			o.logger.Error("cluster bring-up failed",
				zap.Stringer("phase", step.phase),
				zap.Error(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.setPhase(PhaseFailed, err)
			return err
		}
	}

	o.setPhase(PhaseOnline, nil)
	o.logger.Info("cluster online",
		zap.String("entry", topology.Address(o.topology.EntryPort())))

	return nil
}

func (o *Orchestrator) runPhase(ctx context.Context, step phaseStep) error {
	o.setPhase(step.phase, nil)
	o.logger.Info("entering phase", zap.Stringer("phase", step.phase))

	ctx, span := o.tracer.Start(ctx, "bringup."+step.phase.String())
	defer span.End()

	stime := time.Now()
	err := step.run(ctx)
	dtime := time.Since(stime)

	if o.metrics != nil {
		o.metrics.PhaseDuration.Record(ctx, dtime.Seconds(),
			metric.WithAttributes(attribute.String("phase", step.phase.String())))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	o.logger.Debug("phase completed",
		zap.Stringer("phase", step.phase),
		zap.Duration("took", dtime))
	return nil
}

// forEach runs fn for every item concurrently and waits for all of them.
// The first error cancels the context given to the others and is returned.
func forEach[T any](ctx context.Context, items []T, fn func(ctx context.Context, item T) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, item := range items {
		item := item
		g.Go(func() error {
			return fn(gctx, item)
		})
	}
	return g.Wait()
}

func (o *Orchestrator) createDirectories(ctx context.Context) error {
	for _, root := range []string{o.topology.Options.LogDir, o.topology.Options.DataDir} {
		err := os.MkdirAll(root, 0o755)
		if err != nil {
			return clustererr.Directory("mkdir "+root, err)
		}
	}

	return forEach(ctx, o.handles, func(ctx context.Context, h *node.Handle) error {
		return h.CreateDirectory()
	})
}

func (o *Orchestrator) launch(ctx context.Context, group []*node.Handle) error {
	return forEach(ctx, group, func(ctx context.Context, h *node.Handle) error {
		return h.Launch(ctx)
	})
}

func (o *Orchestrator) awaitReady(ctx context.Context, group []*node.Handle) error {
	o.logger.Info("waiting for servers to start", zap.Int("count", len(group)))
	return forEach(ctx, group, func(ctx context.Context, h *node.Handle) error {
		return o.prober.WaitUntilReady(ctx, h)
	})
}

func (o *Orchestrator) initiateReplicaSets(ctx context.Context) error {
	return forEach(ctx, o.topology.ReplicaSets, func(ctx context.Context, rs *topology.ReplicaSet) error {
		return o.configurator.Initiate(ctx, rs)
	})
}

func (o *Orchestrator) awaitPrimaries(ctx context.Context) error {
	o.logger.Info("waiting for replica sets to come online")
	return forEach(ctx, o.topology.ReplicaSets, func(ctx context.Context, rs *topology.ReplicaSet) error {
		var watch probe.AnyExited
		for _, port := range rs.Members {
			if h := o.byPort[port]; h != nil {
				watch = append(watch, h)
			}
		}
		return o.configurator.WaitForPrimary(ctx, rs, watch)
	})
}

func (o *Orchestrator) registerShards(ctx context.Context) error {
	router, ok := o.topology.Router()
	if !ok {
		return clustererr.Configuration("sharded topology has no router", nil)
	}

	return o.registrar.Register(ctx, router.Port, shards.BuildShardList(o.topology))
}

// WaitForExit blocks until every launched node has exited or ctx is done.
// It only observes, nothing is restarted.
func (o *Orchestrator) WaitForExit(ctx context.Context) error {
	for _, h := range o.handles {
		select {
		case <-h.Exited():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
