package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/couchbase/devcluster/common/clustererr"
	"github.com/couchbase/devcluster/devcluster/topology"
	"github.com/couchbase/devcluster/pkg/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

type State int

const (
	StatePlanned State = iota
	StateDirectoryReady
	StateLaunching
	StateRunning
	StateExited
)

func (s State) String() string {
	switch s {
	case StatePlanned:
		return "planned"
	case StateDirectoryReady:
		return "directory-ready"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	}
	return "unknown"
}

const (
	mongodExecutable = "mongod"
	mongosExecutable = "mongos"
)

type HandleOptions struct {
	Logger  *zap.Logger
	Spec    topology.NodeSpec
	Starter ProcessStarter
	Metrics *metrics.DcMetrics

	// BinDir, when set, is where the server executables live.  Otherwise they
	// are looked up on PATH.
	BinDir string
}

// Handle owns one external server process.  Its state only ever moves
// forward; Exited is terminal.
type Handle struct {
	logger  *zap.Logger
	spec    topology.NodeSpec
	starter ProcessStarter
	metrics *metrics.DcMetrics
	binDir  string

	lock     sync.Mutex
	state    State
	pid      int
	exitCode int
	exitedCh chan struct{}
}

func NewHandle(opts *HandleOptions) *Handle {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	starter := opts.Starter
	if starter == nil {
		starter = ExecStarter{}
	}

	return &Handle{
		logger: logger.With(
			zap.String("role", opts.Spec.Role.String()),
			zap.Int("port", opts.Spec.Port)),
		spec:     opts.Spec,
		starter:  starter,
		metrics:  opts.Metrics,
		binDir:   opts.BinDir,
		state:    StatePlanned,
		exitCode: -1,
		exitedCh: make(chan struct{}),
	}
}

func (h *Handle) Spec() topology.NodeSpec {
	return h.spec
}

func (h *Handle) State() State {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.state
}

func (h *Handle) Pid() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.pid
}

// Exited is closed once the process has terminated.
func (h *Handle) Exited() <-chan struct{} {
	return h.exitedCh
}

// ExitCode returns the exit code of the process, and false if it is still
// running or was never started.
func (h *Handle) ExitCode() (int, bool) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.state != StateExited {
		return 0, false
	}
	return h.exitCode, true
}

func (h *Handle) advance(from, to State) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.state != from {
		return fmt.Errorf("node %d is %s, expected %s", h.spec.Port, h.state, from)
	}
	h.state = to
	return nil
}

// CreateDirectory ensures the node's data directory exists.  Calling it
// again once the directory exists is a no-op.
func (h *Handle) CreateDirectory() error {
	err := os.MkdirAll(h.spec.DataDir, 0o755)
	if err != nil {
		return clustererr.Directory("mkdir "+h.spec.DataDir, err)
	}

	h.lock.Lock()
	if h.state == StatePlanned {
		h.state = StateDirectoryReady
	}
	h.lock.Unlock()

	return nil
}

// Command returns the executable and arguments used to start the node.
func (h *Handle) Command() (string, []string, error) {
	return BuildCommand(h.spec, h.binDir)
}

// BuildCommand maps a node spec to its command line.  Every role must be
// handled here explicitly.
func BuildCommand(spec topology.NodeSpec, binDir string) (string, []string, error) {
	var executable string
	var args []string

	switch spec.Role {
	case topology.RoleRouter:
		executable = mongosExecutable
		configAddrs := make([]string, 0, len(spec.ConfigPorts))
		for _, port := range spec.ConfigPorts {
			configAddrs = append(configAddrs, topology.Address(port))
		}
		args = append(args, "--configdb", strings.Join(configAddrs, ","))
	case topology.RoleConfigServer:
		executable = mongodExecutable
		args = append(args, "--configsvr", "--dbpath", spec.DataDir)
	case topology.RoleDataNode:
		executable = mongodExecutable
		if spec.ReplSetName != "" {
			args = append(args, "--replSet", spec.ReplSetName)
		}
		args = append(args, "--dbpath", spec.DataDir)
	default:
		return "", nil, clustererr.Configuration(fmt.Sprintf("no command mapping for role %s", spec.Role), nil)
	}

	args = append(args,
		"--port", strconv.Itoa(spec.Port),
		"--logpath", spec.LogPath)

	if binDir != "" {
		executable = filepath.Join(binDir, executable)
	}

	return executable, args, nil
}

// Launch spawns the process and returns as soon as it has started.  It says
// nothing about whether the server is accepting connections yet.
func (h *Handle) Launch(ctx context.Context) error {
	executable, args, err := h.Command()
	if err != nil {
		return err
	}

	err = h.advance(StateDirectoryReady, StateLaunching)
	if err != nil {
		return clustererr.Launch("launch "+executable, err)
	}

	h.logger.Info("starting node",
		zap.String("command", executable+" "+strings.Join(args, " ")))

	proc, err := h.starter.Start(executable, args, h.handleOutput)
	if err != nil {
		h.markExited(-1)
		return clustererr.Launch(fmt.Sprintf("start %s on port %d", executable, h.spec.Port), err)
	}

	h.lock.Lock()
	h.state = StateRunning
	h.pid = proc.Pid()
	h.lock.Unlock()

	if h.metrics != nil {
		h.metrics.ProcessesLaunched.Add(ctx, 1, metric.WithAttributes(h.roleAttr()))
	}

	go h.watchExit(proc)

	return nil
}

func (h *Handle) roleAttr() attribute.KeyValue {
	return attribute.String("role", h.spec.Role.String())
}

func (h *Handle) handleOutput(stream, line string) {
	h.logger.Debug(line, zap.String("stream", stream))
}

func (h *Handle) watchExit(proc Process) {
	exitCode, err := proc.Wait()
	if err != nil {
		h.logger.Warn("failed to determine node exit status", zap.Error(err))
	}

	if exitCode == 0 {
		h.logger.Info("node process exited", zap.Int("code", exitCode))
	} else {
		h.logger.Warn("node process exited", zap.Int("code", exitCode))
	}

	if h.metrics != nil {
		h.metrics.ProcessExits.Add(context.Background(), 1, metric.WithAttributes(h.roleAttr()))
	}

	h.markExited(exitCode)
}

func (h *Handle) markExited(exitCode int) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.state == StateExited {
		return
	}
	h.state = StateExited
	h.exitCode = exitCode
	close(h.exitedCh)
}
