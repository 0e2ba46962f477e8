package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/couchbase/devcluster/common/mongoadmin"
	"github.com/couchbase/devcluster/devcluster/topology"
	"github.com/couchbase/devcluster/pkg/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Target is a node which can be probed for readiness.
type Target interface {
	ExitWatcher
	Spec() topology.NodeSpec
}

type ProberOptions struct {
	Logger    *zap.Logger
	Connector mongoadmin.Connector
	Metrics   *metrics.DcMetrics
	Policy    Policy
}

type Prober struct {
	logger    *zap.Logger
	connector mongoadmin.Connector
	metrics   *metrics.DcMetrics
	policy    Policy
}

func NewProber(opts *ProberOptions) *Prober {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Prober{
		logger:    logger,
		connector: opts.Connector,
		metrics:   opts.Metrics,
		policy:    opts.Policy,
	}
}

// WaitUntilReady blocks until the node accepts a connection.  Config servers
// are considered ready as soon as they are spawned and are never contacted.
//
// Connection failures are never returned, they only cause another attempt.
// An error is returned only if the node exits, the policy's bounds run out,
// or ctx is cancelled.
func (p *Prober) WaitUntilReady(ctx context.Context, target Target) error {
	spec := target.Spec()
	logger := p.logger.With(zap.Int("port", spec.Port))

	if spec.Role == topology.RoleConfigServer {
		logger.Debug("treating config server as ready")
		return nil
	}

	roleAttr := metric.WithAttributes(attribute.String("role", spec.Role.String()))

	err := p.policy.Retry(ctx,
		fmt.Sprintf("wait for %s on port %d", spec.Role, spec.Port),
		target,
		func(ctx context.Context) error {
			if p.metrics != nil {
				p.metrics.ProbeAttempts.Add(ctx, 1, roleAttr)
			}
			return p.tryConnect(ctx, spec.Address())
		},
		func(err error, next time.Duration) {
			logger.Debug("waiting for node", zap.Error(err), zap.Duration("retryIn", next))
		})
	if err != nil {
		return err
	}

	logger.Info("node started")
	return nil
}

func (p *Prober) tryConnect(ctx context.Context, addr string) error {
	sess, err := p.connector.Connect(ctx, addr)
	if err != nil {
		return err
	}

	err = sess.Ping(ctx)

	closeErr := sess.Close(ctx)
	if closeErr != nil {
		p.logger.Debug("failed to close probe connection", zap.Error(closeErr))
	}

	return err
}
