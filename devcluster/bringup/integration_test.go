package bringup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/couchbase/devcluster/common/mongoadmin"
	"github.com/couchbase/devcluster/devcluster/node"
	"github.com/couchbase/devcluster/devcluster/probe"
	"github.com/couchbase/devcluster/devcluster/topology"
	"github.com/couchbase/devcluster/testutils"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
)

type BringupIntegrationSuite struct {
	suite.Suite

	orch *Orchestrator
}

func (s *BringupIntegrationSuite) SetupTest() {
	testutils.SkipIfNoMongod(s.T())
}

func (s *BringupIntegrationSuite) TearDownTest() {
	if s.orch == nil {
		return
	}

	for _, h := range s.orch.Handles() {
		if pid := h.Pid(); pid > 0 {
			if proc, err := os.FindProcess(pid); err == nil {
				_ = proc.Kill()
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = s.orch.WaitForExit(ctx)
	s.orch = nil
}

func (s *BringupIntegrationSuite) newOrchestrator(opts topology.Options) *Orchestrator {
	testConfig := testutils.GetTestConfig(s.T())
	logger := zaptest.NewLogger(s.T())

	root := s.T().TempDir()
	opts.Port = testConfig.BasePort
	opts.DataDir = filepath.Join(root, "data")
	opts.LogDir = filepath.Join(root, "logs")

	topo, err := topology.Build(opts)
	s.Require().NoError(err)

	orch, err := NewOrchestrator(&OrchestratorOptions{
		Logger:   logger,
		Topology: topo,
		Connector: mongoadmin.NewDriverConnector(mongoadmin.DriverConnectorOptions{
			Logger:         logger.Named("mongoadmin"),
			ConnectTimeout: 2 * time.Second,
		}),
		Starter:       node.ExecStarter{},
		BinDir:        testConfig.BinDir,
		ReadyPolicy:   probe.Policy{Interval: 500 * time.Millisecond, Timeout: time.Minute},
		PrimaryPolicy: probe.Policy{Interval: 500 * time.Millisecond, Timeout: time.Minute},
	})
	s.Require().NoError(err)

	s.orch = orch
	return orch
}

func (s *BringupIntegrationSuite) TestSingleNode() {
	orch := s.newOrchestrator(topology.Options{})

	err := orch.Run(context.Background())
	s.Require().NoError(err)
	s.Assert().Equal(PhaseOnline, orch.Phase())

	status := orch.Status()
	s.Require().Len(status.Nodes, 1)
	s.Assert().Equal("running", status.Nodes[0].State)
	s.Assert().FileExists(status.Nodes[0].LogPath)
}

func (s *BringupIntegrationSuite) TestReplicaSet() {
	orch := s.newOrchestrator(topology.Options{
		Replicated:      true,
		ReplMemberCount: 3,
		ReplSetName:     "rs0",
	})

	err := orch.Run(context.Background())
	s.Require().NoError(err)
	s.Assert().Equal(PhaseOnline, orch.Phase())
}

func TestBringupIntegration(t *testing.T) {
	suite.Run(t, new(BringupIntegrationSuite))
}
