package node

import (
	"os/exec"
	"path/filepath"

	"github.com/couchbase/devcluster/common/clustererr"
	"github.com/couchbase/devcluster/devcluster/topology"
)

// RequiredExecutables lists the server binaries a topology needs.
func RequiredExecutables(t *topology.Topology) []string {
	if t.Options.Sharded {
		return []string{mongodExecutable, mongosExecutable}
	}
	return []string{mongodExecutable}
}

// LookupExecutable resolves name under binDir, or on PATH when binDir is
// empty.  A missing binary is a ConfigurationError.
func LookupExecutable(binDir, name string) (string, error) {
	file := name
	if binDir != "" {
		file = filepath.Join(binDir, name)
	}

	path, err := exec.LookPath(file)
	if err != nil {
		return "", clustererr.Configuration("find executable "+name, err)
	}
	return path, nil
}
