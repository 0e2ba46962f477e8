/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package testutils

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
)

type Config struct {
	BinDir   string
	BasePort int
}

var globalTestConfig *Config

func GetTestConfig(t *testing.T) *Config {
	if globalTestConfig == nil {
		testConfig := &Config{
			BinDir:   "",
			BasePort: 28000,
		}

		envBinDir := os.Getenv("DEVCLUSTER_BIN_DIR")
		if envBinDir != "" {
			testConfig.BinDir = envBinDir
		}

		envBasePort := os.Getenv("DEVCLUSTER_TEST_PORT")
		if envBasePort != "" {
			port, err := strconv.Atoi(envBasePort)
			if err != nil {
				t.Fatalf("invalid DEVCLUSTER_TEST_PORT: %s", err)
			}
			testConfig.BasePort = port
		}

		t.Logf("initialized test configuration")
		t.Logf("  bindir: %s", testConfig.BinDir)
		t.Logf("  baseport: %d", testConfig.BasePort)

		globalTestConfig = testConfig
	}

	return globalTestConfig
}

func SkipIfNoMongod(t *testing.T) {
	name := "mongod"
	if binDir := GetTestConfig(t).BinDir; binDir != "" {
		name = filepath.Join(binDir, name)
	}

	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("skipping due to no mongod binary: %s", err)
	}
}
