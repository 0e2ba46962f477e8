package node

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/couchbase/devcluster/common/clustererr"
	"github.com/couchbase/devcluster/devcluster/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeProcess struct {
	pid    int
	exitCh chan int
}

func (p *fakeProcess) Pid() int {
	return p.pid
}

func (p *fakeProcess) Wait() (int, error) {
	return <-p.exitCh, nil
}

type fakeStarter struct {
	lock     sync.Mutex
	err      error
	started  []string
	lastArgs []string
	procs    []*fakeProcess
}

func (s *fakeStarter) Start(name string, args []string, onOutput func(stream, line string)) (Process, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	onOutput("stdout", "waiting for connections")

	proc := &fakeProcess{pid: 1000 + len(s.procs), exitCh: make(chan int, 1)}
	s.started = append(s.started, name)
	s.lastArgs = args
	s.procs = append(s.procs, proc)
	return proc, nil
}

func dataNodeSpec(t *testing.T) topology.NodeSpec {
	root := t.TempDir()
	return topology.NodeSpec{
		Role:    topology.RoleDataNode,
		Port:    26000,
		DataDir: topology.DataDirPath(filepath.Join(root, "data"), topology.RoleDataNode, 26000, ""),
		LogPath: topology.LogFilePath(filepath.Join(root, "logs"), topology.RoleDataNode, 26000),
	}
}

func TestBuildCommandRouter(t *testing.T) {
	spec := topology.NodeSpec{
		Role:        topology.RoleRouter,
		Port:        26000,
		DataDir:     "/data/mongos_26000",
		LogPath:     "/logs/mongos_26000.log",
		ConfigPorts: []int{26003, 26004},
	}

	exe, args, err := BuildCommand(spec, "")
	require.NoError(t, err)
	assert.Equal(t, "mongos", exe)
	assert.Equal(t, []string{
		"--configdb", "127.0.0.1:26003,127.0.0.1:26004",
		"--port", "26000",
		"--logpath", "/logs/mongos_26000.log",
	}, args)
}

func TestBuildCommandConfigServer(t *testing.T) {
	spec := topology.NodeSpec{
		Role:    topology.RoleConfigServer,
		Port:    26003,
		DataDir: "/data/mongocfg_26003",
		LogPath: "/logs/mongocfg_26003.log",
	}

	exe, args, err := BuildCommand(spec, "/opt/mongo/bin")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/opt/mongo/bin", "mongod"), exe)
	assert.Equal(t, []string{
		"--configsvr",
		"--dbpath", "/data/mongocfg_26003",
		"--port", "26003",
		"--logpath", "/logs/mongocfg_26003.log",
	}, args)
}

func TestBuildCommandDataNode(t *testing.T) {
	spec := topology.NodeSpec{
		Role:        topology.RoleDataNode,
		Port:        27001,
		DataDir:     "/data/mongod_27001_rs0",
		LogPath:     "/logs/mongod_27001.log",
		ReplSetName: "rs0",
	}

	exe, args, err := BuildCommand(spec, "")
	require.NoError(t, err)
	assert.Equal(t, "mongod", exe)
	assert.Equal(t, []string{
		"--replSet", "rs0",
		"--dbpath", "/data/mongod_27001_rs0",
		"--port", "27001",
		"--logpath", "/logs/mongod_27001.log",
	}, args)

	spec.ReplSetName = ""
	_, args, err = BuildCommand(spec, "")
	require.NoError(t, err)
	assert.NotContains(t, args, "--replSet")
}

func TestBuildCommandUnknownRole(t *testing.T) {
	_, _, err := BuildCommand(topology.NodeSpec{Role: topology.NodeRole(42)}, "")
	require.Error(t, err)
	assert.Equal(t, clustererr.KindConfiguration, clustererr.KindOf(err))
}

func TestCreateDirectoryIdempotent(t *testing.T) {
	spec := dataNodeSpec(t)
	h := NewHandle(&HandleOptions{Logger: zaptest.NewLogger(t), Spec: spec})

	require.NoError(t, h.CreateDirectory())
	require.NoError(t, h.CreateDirectory())
	assert.Equal(t, StateDirectoryReady, h.State())
	assert.Equal(t, spec.DataDir, h.Spec().DataDir)

	info, err := os.Stat(spec.DataDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCreateDirectoryFailure(t *testing.T) {
	spec := dataNodeSpec(t)

	// a regular file where the parent directory should be
	parent := filepath.Dir(spec.DataDir)
	require.NoError(t, os.MkdirAll(filepath.Dir(parent), 0o755))
	require.NoError(t, os.WriteFile(parent, []byte("x"), 0o600))

	h := NewHandle(&HandleOptions{Logger: zaptest.NewLogger(t), Spec: spec})
	err := h.CreateDirectory()
	require.Error(t, err)
	assert.Equal(t, clustererr.KindDirectory, clustererr.KindOf(err))
	assert.Equal(t, StatePlanned, h.State())
}

func TestLaunchAndExit(t *testing.T) {
	starter := &fakeStarter{}
	h := NewHandle(&HandleOptions{
		Logger:  zaptest.NewLogger(t),
		Spec:    dataNodeSpec(t),
		Starter: starter,
	})

	require.NoError(t, h.CreateDirectory())
	require.NoError(t, h.Launch(context.Background()))
	assert.Equal(t, StateRunning, h.State())
	assert.Equal(t, 1000, h.Pid())
	assert.Equal(t, []string{"mongod"}, starter.started)

	_, exited := h.ExitCode()
	assert.False(t, exited)

	starter.procs[0].exitCh <- 3

	select {
	case <-h.Exited():
	case <-time.After(time.Second):
		t.Fatalf("exit was not observed")
	}

	code, exited := h.ExitCode()
	assert.True(t, exited)
	assert.Equal(t, 3, code)
	assert.Equal(t, StateExited, h.State())
}

func TestLaunchStartFailure(t *testing.T) {
	starter := &fakeStarter{err: errors.New("executable file not found")}
	h := NewHandle(&HandleOptions{
		Logger:  zaptest.NewLogger(t),
		Spec:    dataNodeSpec(t),
		Starter: starter,
	})

	require.NoError(t, h.CreateDirectory())
	err := h.Launch(context.Background())
	require.Error(t, err)
	assert.Equal(t, clustererr.KindLaunch, clustererr.KindOf(err))
	assert.Equal(t, StateExited, h.State())

	select {
	case <-h.Exited():
	default:
		t.Fatalf("failed launch should be terminal")
	}
}

func TestLaunchRequiresDirectory(t *testing.T) {
	starter := &fakeStarter{}
	h := NewHandle(&HandleOptions{
		Logger:  zaptest.NewLogger(t),
		Spec:    dataNodeSpec(t),
		Starter: starter,
	})

	err := h.Launch(context.Background())
	require.Error(t, err)
	assert.Equal(t, clustererr.KindLaunch, clustererr.KindOf(err))
	assert.Empty(t, starter.started)
	assert.Equal(t, StatePlanned, h.State())
}

func TestLaunchTwiceFails(t *testing.T) {
	starter := &fakeStarter{}
	h := NewHandle(&HandleOptions{
		Logger:  zaptest.NewLogger(t),
		Spec:    dataNodeSpec(t),
		Starter: starter,
	})

	require.NoError(t, h.CreateDirectory())
	require.NoError(t, h.Launch(context.Background()))
	require.Error(t, h.Launch(context.Background()))
	assert.Len(t, starter.started, 1)
}
