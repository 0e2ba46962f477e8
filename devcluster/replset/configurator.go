package replset

import (
	"context"
	"fmt"
	"time"

	"github.com/couchbase/devcluster/common/clustererr"
	"github.com/couchbase/devcluster/common/mongoadmin"
	"github.com/couchbase/devcluster/devcluster/probe"
	"github.com/couchbase/devcluster/devcluster/topology"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

var errNoPrimary = errors.New("no member reports PRIMARY yet")

type ConfiguratorOptions struct {
	Logger    *zap.Logger
	Connector mongoadmin.Connector
	Policy    probe.Policy
}

// Configurator forms replica sets and waits for them to elect a primary.
type Configurator struct {
	logger    *zap.Logger
	connector mongoadmin.Connector
	policy    probe.Policy
}

func NewConfigurator(opts *ConfiguratorOptions) *Configurator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Configurator{
		logger:    logger,
		connector: opts.Connector,
		policy:    opts.Policy,
	}
}

// BuildConfig assigns member ids in plan order, starting from zero.
func BuildConfig(rs *topology.ReplicaSet) mongoadmin.ReplSetConfig {
	config := mongoadmin.ReplSetConfig{ID: rs.Name}
	for idx, port := range rs.Members {
		config.Members = append(config.Members, mongoadmin.ReplSetMember{
			ID:   idx,
			Host: topology.Address(port),
		})
	}
	return config
}

// Initiate sends replSetInitiate to the first member of the set.  Any
// failure, including failing to connect, is a FormationCommandError.
func (c *Configurator) Initiate(ctx context.Context, rs *topology.ReplicaSet) error {
	addr := topology.Address(rs.Seed())
	op := fmt.Sprintf("replSetInitiate %s on %s", rs.Name, addr)

	sess, err := c.connector.Connect(ctx, addr)
	if err != nil {
		return clustererr.FormationCommand(op, errors.Wrap(err, "failed to connect"))
	}
	defer func() {
		_ = sess.Close(context.Background())
	}()

	var result bson.M
	err = sess.RunCommand(ctx, mongoadmin.ReplSetInitiateCommand(BuildConfig(rs)), &result)
	if err != nil {
		return clustererr.FormationCommand(op, err)
	}

	c.logger.Info("repl set initiate",
		zap.String("replSet", rs.Name),
		zap.Any("result", result))

	return nil
}

// WaitForPrimary polls replSetGetStatus on the first member until some member
// reports PRIMARY.  Connection and command failures only cause a retry.
// watch, if non-nil, aborts the wait when a watched node exits.
func (c *Configurator) WaitForPrimary(ctx context.Context, rs *topology.ReplicaSet, watch probe.ExitWatcher) error {
	addr := topology.Address(rs.Seed())
	logger := c.logger.With(zap.String("replSet", rs.Name))

	var primary string
	err := c.policy.Retry(ctx,
		fmt.Sprintf("wait for %s primary", rs.Name),
		watch,
		func(ctx context.Context) error {
			status, err := c.fetchStatus(ctx, addr)
			if err != nil {
				return err
			}

			member, ok := status.Primary()
			if !ok {
				return errNoPrimary
			}
			primary = member.Name
			return nil
		},
		func(err error, next time.Duration) {
			logger.Debug("waiting for primary", zap.Error(err), zap.Duration("retryIn", next))
		})
	if err != nil {
		return err
	}

	logger.Info("replica set has a primary", zap.String("primary", primary))
	return nil
}

func (c *Configurator) fetchStatus(ctx context.Context, addr string) (*mongoadmin.ReplSetStatus, error) {
	sess, err := c.connector.Connect(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = sess.Close(context.Background())
	}()

	var status mongoadmin.ReplSetStatus
	err = sess.RunCommand(ctx, mongoadmin.ReplSetGetStatusCommand(), &status)
	if err != nil {
		return nil, err
	}
	return &status, nil
}
