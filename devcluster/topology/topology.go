package topology

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/couchbase/devcluster/common/clustererr"
	"golang.org/x/exp/slices"
)

// Host is the address every node listens on.  The cluster never leaves the
// local machine.
const Host = "127.0.0.1"

const (
	DefaultPort              = 26000
	DefaultShardCount        = 1
	DefaultConfigServerCount = 1
	DefaultReplMemberCount   = 3
	DefaultReplSetName       = "test"

	maxPort = 65535
)

type NodeRole int

const (
	RoleRouter NodeRole = iota + 1
	RoleConfigServer
	RoleDataNode
)

// Label is the operator-facing role name used in directory and log file
// names.  These names are part of the on-disk layout and must not change.
func (r NodeRole) Label() string {
	switch r {
	case RoleRouter:
		return "mongos"
	case RoleConfigServer:
		return "mongocfg"
	case RoleDataNode:
		return "mongod"
	}
	return "unknown"
}

func (r NodeRole) String() string {
	switch r {
	case RoleRouter:
		return "Router"
	case RoleConfigServer:
		return "ConfigServer"
	case RoleDataNode:
		return "DataNode"
	}
	return "Unknown"
}

type NodeSpec struct {
	Role    NodeRole
	Port    int
	DataDir string
	LogPath string

	// ReplSetName is only set for data nodes of a replicated topology.
	ReplSetName string

	// ConfigPorts is only set for routers.
	ConfigPorts []int
}

func (s NodeSpec) Address() string {
	return Address(s.Port)
}

func Address(port int) string {
	return fmt.Sprintf("%s:%d", Host, port)
}

type ReplicaSet struct {
	Name    string
	Members []int
}

// Seed returns the port of the first planned member.  It receives the
// formation command and is polled for status.  It is not necessarily the
// member that gets elected primary.
func (r *ReplicaSet) Seed() int {
	return r.Members[0]
}

// ReplicaSetPlan holds replica sets in the order their first member was
// generated.
type ReplicaSetPlan []*ReplicaSet

func (p ReplicaSetPlan) Get(name string) *ReplicaSet {
	idx := slices.IndexFunc(p, func(rs *ReplicaSet) bool {
		return rs.Name == name
	})
	if idx < 0 {
		return nil
	}
	return p[idx]
}

func (p ReplicaSetPlan) add(name string, port int) ReplicaSetPlan {
	if rs := p.Get(name); rs != nil {
		rs.Members = append(rs.Members, port)
		return p
	}
	return append(p, &ReplicaSet{Name: name, Members: []int{port}})
}

type Options struct {
	Port int

	Sharded           bool
	ShardCount        int
	ConfigServerCount int

	Replicated      bool
	ReplMemberCount int
	ReplSetName     string

	DataDir string
	LogDir  string
}

type Topology struct {
	Options     Options
	Nodes       []NodeSpec
	ReplicaSets ReplicaSetPlan

	// GroupA holds every node except the routers, GroupB holds the routers.
	// GroupB is launched only once GroupA is reachable.
	GroupA []NodeSpec
	GroupB []NodeSpec
}

// EntryPort is the port operators connect to: the router when sharded,
// otherwise the first data node.
func (t *Topology) EntryPort() int {
	return t.Options.Port
}

func (t *Topology) DataNodes() []NodeSpec {
	return t.byRole(RoleDataNode)
}

func (t *Topology) Router() (NodeSpec, bool) {
	routers := t.byRole(RoleRouter)
	if len(routers) == 0 {
		return NodeSpec{}, false
	}
	return routers[0], true
}

func (t *Topology) byRole(role NodeRole) []NodeSpec {
	var specs []NodeSpec
	for _, spec := range t.Nodes {
		if spec.Role == role {
			specs = append(specs, spec)
		}
	}
	return specs
}

func (o *Options) Validate() error {
	if o.Port <= 0 || o.Port > maxPort {
		return clustererr.Configuration(fmt.Sprintf("invalid base port %d", o.Port), nil)
	}
	if o.DataDir == "" {
		return clustererr.Configuration("data directory must be specified", nil)
	}
	if o.LogDir == "" {
		return clustererr.Configuration("log directory must be specified", nil)
	}
	if o.Sharded {
		if o.ShardCount < 1 {
			return clustererr.Configuration(fmt.Sprintf("shard count must be at least 1, got %d", o.ShardCount), nil)
		}
		if o.ConfigServerCount < 1 {
			return clustererr.Configuration(fmt.Sprintf("config server count must be at least 1, got %d", o.ConfigServerCount), nil)
		}
	}
	if o.Replicated {
		if o.ReplMemberCount < 1 {
			return clustererr.Configuration(fmt.Sprintf("replica member count must be at least 1, got %d", o.ReplMemberCount), nil)
		}
		if strings.TrimSpace(o.ReplSetName) == "" {
			return clustererr.Configuration("replica set name must not be empty", nil)
		}
	}

	lastPort := o.Port + o.nodeCount() - 1
	if lastPort > maxPort {
		return clustererr.Configuration(fmt.Sprintf("topology needs ports up to %d, beyond %d", lastPort, maxPort), nil)
	}

	return nil
}

func (o *Options) shardCount() int {
	if !o.Sharded {
		return 1
	}
	return o.ShardCount
}

func (o *Options) nodeCount() int {
	perShard := 1
	if o.Replicated {
		perShard = o.ReplMemberCount
	}
	count := o.shardCount() * perShard
	if o.Sharded {
		count += o.ConfigServerCount + 1
	}
	return count
}

// Build computes the full cluster plan.  It performs no I/O.
func Build(opts Options) (*Topology, error) {
	err := opts.Validate()
	if err != nil {
		return nil, err
	}

	t := &Topology{Options: opts}

	// the router owns the base port, everything else is allocated after it
	nextPort := opts.Port
	if opts.Sharded {
		nextPort++
	}
	allocPort := func() int {
		port := nextPort
		nextPort++
		return port
	}

	var dataNodes []NodeSpec
	for shardIdx := 0; shardIdx < opts.shardCount(); shardIdx++ {
		if !opts.Replicated {
			dataNodes = append(dataNodes, newNodeSpec(opts, RoleDataNode, allocPort(), ""))
			continue
		}

		replSetName := opts.ReplSetName
		if opts.Sharded {
			replSetName += strconv.Itoa(shardIdx)
		}
		for memberIdx := 0; memberIdx < opts.ReplMemberCount; memberIdx++ {
			port := allocPort()
			dataNodes = append(dataNodes, newNodeSpec(opts, RoleDataNode, port, replSetName))
			t.ReplicaSets = t.ReplicaSets.add(replSetName, port)
		}
	}

	var configNodes []NodeSpec
	var configPorts []int
	if opts.Sharded {
		for cfgIdx := 0; cfgIdx < opts.ConfigServerCount; cfgIdx++ {
			port := allocPort()
			configPorts = append(configPorts, port)
			configNodes = append(configNodes, newNodeSpec(opts, RoleConfigServer, port, ""))
		}

		router := newNodeSpec(opts, RoleRouter, opts.Port, "")
		router.ConfigPorts = configPorts
		t.Nodes = append(t.Nodes, router)
		t.GroupB = append(t.GroupB, router)
	}

	t.Nodes = append(t.Nodes, configNodes...)
	t.Nodes = append(t.Nodes, dataNodes...)

	t.GroupA = append(t.GroupA, configNodes...)
	t.GroupA = append(t.GroupA, dataNodes...)

	return t, nil
}

func newNodeSpec(opts Options, role NodeRole, port int, replSetName string) NodeSpec {
	return NodeSpec{
		Role:        role,
		Port:        port,
		DataDir:     DataDirPath(opts.DataDir, role, port, replSetName),
		LogPath:     LogFilePath(opts.LogDir, role, port),
		ReplSetName: replSetName,
	}
}

// DataDirPath returns <root>/<label>_<port>[_<replSetName>].
func DataDirPath(root string, role NodeRole, port int, replSetName string) string {
	parts := []string{role.Label(), strconv.Itoa(port)}
	if replSetName != "" {
		parts = append(parts, replSetName)
	}
	return filepath.Join(root, strings.Join(parts, "_"))
}

// LogFilePath returns <root>/<label>_<port>.log.
func LogFilePath(root string, role NodeRole, port int) string {
	return filepath.Join(root, fmt.Sprintf("%s_%d.log", role.Label(), port))
}
