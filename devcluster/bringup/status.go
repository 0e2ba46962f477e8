package bringup

import (
	"github.com/couchbase/devcluster/devcluster/topology"
)

type NodeStatus struct {
	Role     string `json:"role"`
	Address  string `json:"address"`
	ReplSet  string `json:"replSet,omitempty"`
	DataDir  string `json:"dataDir"`
	LogPath  string `json:"logPath"`
	State    string `json:"state"`
	Pid      int    `json:"pid,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

type Status struct {
	RunID        string       `json:"runId"`
	Phase        string       `json:"phase"`
	Error        string       `json:"error,omitempty"`
	EntryAddress string       `json:"entryAddress"`
	Nodes        []NodeStatus `json:"nodes"`
}

// Status returns a point-in-time snapshot of the run.
func (o *Orchestrator) Status() *Status {
	o.lock.Lock()
	phase := o.phase
	failure := o.failure
	o.lock.Unlock()

	status := &Status{
		RunID:        o.runID,
		Phase:        phase.String(),
		EntryAddress: topology.Address(o.topology.EntryPort()),
	}
	if failure != nil {
		status.Error = failure.Error()
	}

	for _, h := range o.handles {
		spec := h.Spec()
		nodeStatus := NodeStatus{
			Role:    spec.Role.Label(),
			Address: spec.Address(),
			ReplSet: spec.ReplSetName,
			DataDir: spec.DataDir,
			LogPath: spec.LogPath,
			State:   h.State().String(),
			Pid:     h.Pid(),
		}
		if code, exited := h.ExitCode(); exited {
			nodeStatus.ExitCode = &code
		}
		status.Nodes = append(status.Nodes, nodeStatus)
	}

	return status
}
