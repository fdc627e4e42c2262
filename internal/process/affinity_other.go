//go:build !linux

package process

import (
	"fmt"
	"os/exec"
)

func startWithAffinity(cmd *exec.Cmd, cpus []int) error {
	if len(cpus) > 0 {
		return fmt.Errorf("CPU affinity is only supported on linux")
	}
	return cmd.Start()
}
