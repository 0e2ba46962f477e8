package probe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/couchbase/devcluster/common/clustererr"
	"github.com/couchbase/devcluster/common/mongoadmin"
	"github.com/couchbase/devcluster/devcluster/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap/zaptest"
)

var errRefused = errors.New("connection refused")

type fakeSession struct {
	pingErr error
}

func (s *fakeSession) Ping(ctx context.Context) error {
	return s.pingErr
}

func (s *fakeSession) RunCommand(ctx context.Context, cmd bson.D, result interface{}) error {
	return nil
}

func (s *fakeSession) Close(ctx context.Context) error {
	return nil
}

// flakyConnector refuses the first failures connections to each address.
type flakyConnector struct {
	lock     sync.Mutex
	failures int
	attempts map[string]int
}

func (c *flakyConnector) Connect(ctx context.Context, addr string) (mongoadmin.Session, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.attempts == nil {
		c.attempts = make(map[string]int)
	}
	c.attempts[addr]++

	if c.failures < 0 || c.attempts[addr] <= c.failures {
		return &fakeSession{pingErr: errRefused}, nil
	}
	return &fakeSession{}, nil
}

func (c *flakyConnector) count(addr string) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.attempts[addr]
}

type fakeTarget struct {
	spec     topology.NodeSpec
	exitedCh chan struct{}
	code     int
}

func newFakeTarget(role topology.NodeRole, port int) *fakeTarget {
	return &fakeTarget{
		spec:     topology.NodeSpec{Role: role, Port: port},
		exitedCh: make(chan struct{}),
	}
}

func (f *fakeTarget) Spec() topology.NodeSpec {
	return f.spec
}

func (f *fakeTarget) Exited() <-chan struct{} {
	return f.exitedCh
}

func (f *fakeTarget) ExitCode() (int, bool) {
	select {
	case <-f.exitedCh:
		return f.code, true
	default:
		return 0, false
	}
}

func TestConfigServerReadyImmediately(t *testing.T) {
	conn := &flakyConnector{failures: -1}
	p := NewProber(&ProberOptions{
		Logger:    zaptest.NewLogger(t),
		Connector: conn,
	})

	err := p.WaitUntilReady(context.Background(), newFakeTarget(topology.RoleConfigServer, 26003))
	require.NoError(t, err)
	assert.Equal(t, 0, conn.count("127.0.0.1:26003"))
}

func TestRetriesUntilReachable(t *testing.T) {
	conn := &flakyConnector{failures: 3}
	p := NewProber(&ProberOptions{
		Logger:    zaptest.NewLogger(t),
		Connector: conn,
		Policy:    Policy{Interval: time.Millisecond},
	})

	err := p.WaitUntilReady(context.Background(), newFakeTarget(topology.RoleDataNode, 26000))
	require.NoError(t, err)
	assert.Equal(t, 4, conn.count("127.0.0.1:26000"))
}

func TestAttemptCapBecomesConnectivityTimeout(t *testing.T) {
	conn := &flakyConnector{failures: -1}
	p := NewProber(&ProberOptions{
		Logger:    zaptest.NewLogger(t),
		Connector: conn,
		Policy:    Policy{Interval: time.Millisecond, MaxAttempts: 5},
	})

	err := p.WaitUntilReady(context.Background(), newFakeTarget(topology.RoleRouter, 26000))
	require.Error(t, err)
	assert.Equal(t, clustererr.KindConnectivityTimeout, clustererr.KindOf(err))
	assert.ErrorIs(t, err, errRefused)
	assert.Equal(t, 5, conn.count("127.0.0.1:26000"))
}

func TestDeadlineBecomesConnectivityTimeout(t *testing.T) {
	conn := &flakyConnector{failures: -1}
	p := NewProber(&ProberOptions{
		Logger:    zaptest.NewLogger(t),
		Connector: conn,
		Policy:    Policy{Interval: 5 * time.Millisecond, Timeout: 50 * time.Millisecond},
	})

	err := p.WaitUntilReady(context.Background(), newFakeTarget(topology.RoleDataNode, 26000))
	require.Error(t, err)
	assert.Equal(t, clustererr.KindConnectivityTimeout, clustererr.KindOf(err))
}

func TestCancellationIsReturned(t *testing.T) {
	conn := &flakyConnector{failures: -1}
	p := NewProber(&ProberOptions{
		Logger:    zaptest.NewLogger(t),
		Connector: conn,
		Policy:    Policy{Interval: 5 * time.Millisecond},
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	err := p.WaitUntilReady(ctx, newFakeTarget(topology.RoleDataNode, 26000))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, clustererr.KindUnknown, clustererr.KindOf(err))
}

func TestExitedNodeFailsFast(t *testing.T) {
	conn := &flakyConnector{failures: -1}
	p := NewProber(&ProberOptions{
		Logger:    zaptest.NewLogger(t),
		Connector: conn,
		Policy:    Policy{Interval: 5 * time.Millisecond},
	})

	target := newFakeTarget(topology.RoleDataNode, 26000)
	target.code = 14
	time.AfterFunc(20*time.Millisecond, func() {
		close(target.exitedCh)
	})

	err := p.WaitUntilReady(context.Background(), target)
	require.Error(t, err)
	assert.Equal(t, clustererr.KindLaunch, clustererr.KindOf(err))
	assert.ErrorIs(t, err, clustererr.ErrNodeExited)
	assert.Contains(t, err.Error(), "exit code 14")
}
