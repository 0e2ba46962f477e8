//go:build !unix

package node

import "os/exec"

func detachProcessGroup(cmd *exec.Cmd) {}
