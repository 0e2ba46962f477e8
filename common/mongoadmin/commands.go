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
	"go.mongodb.org/mongo-driver/bson"
)

type ReplSetMember struct {
	ID   int    `bson:"_id"`
	Host string `bson:"host"`
}

type ReplSetConfig struct {
	ID      string          `bson:"_id"`
	Members []ReplSetMember `bson:"members"`
}

// MemberState mirrors the numeric replica set member states reported by
// replSetGetStatus.
type MemberState int

const (
	StateStartup    MemberState = 0
	StatePrimary    MemberState = 1
	StateSecondary  MemberState = 2
	StateRecovering MemberState = 3
	StateStartup2   MemberState = 5
	StateUnknown    MemberState = 6
	StateArbiter    MemberState = 7
	StateDown       MemberState = 8
	StateRollback   MemberState = 9
	StateRemoved    MemberState = 10
)

type ReplSetStatusMember struct {
	ID       int         `bson:"_id"`
	Name     string      `bson:"name"`
	State    MemberState `bson:"state"`
	StateStr string      `bson:"stateStr"`
}

type ReplSetStatus struct {
	Set     string                `bson:"set"`
	MyState MemberState           `bson:"myState"`
	Members []ReplSetStatusMember `bson:"members"`
}

// Primary returns the member currently reported as primary, if any.
func (s *ReplSetStatus) Primary() (ReplSetStatusMember, bool) {
	for _, member := range s.Members {
		if member.StateStr == "PRIMARY" || member.State == StatePrimary {
			return member, true
		}
	}
	return ReplSetStatusMember{}, false
}

func ReplSetInitiateCommand(config ReplSetConfig) bson.D {
	return bson.D{{Key: "replSetInitiate", Value: config}}
}

func ReplSetGetStatusCommand() bson.D {
	return bson.D{{Key: "replSetGetStatus", Value: 1}}
}

// AddShardCommand builds an addShard command.  An empty name leaves the
// naming to the router, which uses the replica set name for set shards.
func AddShardCommand(host string, name string) bson.D {
	cmd := bson.D{{Key: "addShard", Value: host}}
	if name != "" {
		cmd = append(cmd, bson.E{Key: "name", Value: name})
	}
	return cmd
}
