package shards

import (
	"context"
	"fmt"
	"strconv"

	"github.com/couchbase/devcluster/common/clustererr"
	"github.com/couchbase/devcluster/common/mongoadmin"
	"github.com/couchbase/devcluster/devcluster/topology"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// Shard is one addShard request.  Name is empty for replica set shards, the
// router names those after the set.
type Shard struct {
	Host string
	Name string
}

// BuildShardList returns one shard per replica set (addressed through its
// first member) when replicated, otherwise one shard per data node named by
// its index.
func BuildShardList(t *topology.Topology) []Shard {
	var shards []Shard

	if t.Options.Replicated {
		for _, rs := range t.ReplicaSets {
			shards = append(shards, Shard{
				Host: fmt.Sprintf("%s/%s", rs.Name, topology.Address(rs.Seed())),
			})
		}
		return shards
	}

	for idx, spec := range t.DataNodes() {
		shards = append(shards, Shard{
			Host: spec.Address(),
			Name: strconv.Itoa(idx),
		})
	}
	return shards
}

type RegistrarOptions struct {
	Logger    *zap.Logger
	Connector mongoadmin.Connector
}

type Registrar struct {
	logger    *zap.Logger
	connector mongoadmin.Connector
}

func NewRegistrar(opts *RegistrarOptions) *Registrar {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registrar{
		logger:    logger,
		connector: opts.Connector,
	}
}

// Register adds each shard through the router, one at a time and in order.
// The first failure stops the remaining registrations.
func (r *Registrar) Register(ctx context.Context, routerPort int, shards []Shard) error {
	addr := topology.Address(routerPort)

	sess, err := r.connector.Connect(ctx, addr)
	if err != nil {
		return clustererr.FormationCommand("connect to router "+addr, err)
	}
	defer func() {
		_ = sess.Close(context.Background())
	}()

	for _, shard := range shards {
		var result bson.M
		err := sess.RunCommand(ctx, mongoadmin.AddShardCommand(shard.Host, shard.Name), &result)
		if err != nil {
			return clustererr.FormationCommand("addShard "+shard.Host,
				errors.Wrapf(err, "router %s", addr))
		}

		r.logger.Info("addShard ran",
			zap.String("shard", shard.Host),
			zap.Any("result", result))
	}

	return nil
}
