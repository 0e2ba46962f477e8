/*
Copyright 2023-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package mongoadmin

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

const adminDatabase = "admin"

// Session is a single direct connection to one node.
type Session interface {
	Ping(ctx context.Context) error
	RunCommand(ctx context.Context, cmd bson.D, result interface{}) error
	Close(ctx context.Context) error
}

// Connector opens sessions against a host:port address.
type Connector interface {
	Connect(ctx context.Context, addr string) (Session, error)
}

type DriverConnectorOptions struct {
	Logger         *zap.Logger
	ConnectTimeout time.Duration
}

// DriverConnector opens direct, unauthenticated connections using the
// official driver.  Direct mode is required since replica set members are
// contacted before the set has a configuration.
type DriverConnector struct {
	logger         *zap.Logger
	connectTimeout time.Duration
}

var _ Connector = (*DriverConnector)(nil)

func NewDriverConnector(opts DriverConnectorOptions) *DriverConnector {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}

	return &DriverConnector{
		logger:         logger,
		connectTimeout: connectTimeout,
	}
}

func (c *DriverConnector) Connect(ctx context.Context, addr string) (Session, error) {
	clientOpts := options.Client().
		ApplyURI(fmt.Sprintf("mongodb://%s/%s", addr, adminDatabase)).
		SetDirect(true).
		SetConnectTimeout(c.connectTimeout).
		SetServerSelectionTimeout(c.connectTimeout)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("opened admin connection", zap.String("addr", addr))

	return &driverSession{
		addr:   addr,
		client: client,
	}, nil
}

type driverSession struct {
	addr   string
	client *mongo.Client
}

func (s *driverSession) Ping(ctx context.Context) error {
	// with a direct connection the driver will talk to the node in any
	// state, so nearest is enough to get a round trip
	return s.client.Ping(ctx, readpref.Nearest())
}

func (s *driverSession) RunCommand(ctx context.Context, cmd bson.D, result interface{}) error {
	res := s.client.Database(adminDatabase).RunCommand(ctx, cmd)
	if result == nil {
		return res.Err()
	}
	return res.Decode(result)
}

func (s *driverSession) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
