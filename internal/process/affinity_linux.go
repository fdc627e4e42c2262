//go:build linux

package process

import (
	"fmt"
	"os/exec"
	"runtime"

	"golang.org/x/sys/unix"
)

// startWithAffinity starts cmd from a thread whose CPU mask is restricted to
// cpus. The child inherits the mask at fork.
func startWithAffinity(cmd *exec.Cmd, cpus []int) error {
	if len(cpus) == 0 {
		return cmd.Start()
	}

	runtime.LockOSThread()

	var original unix.CPUSet
	if err := unix.SchedGetaffinity(0, &original); err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("failed to read CPU affinity: %w", err)
	}

	var set unix.CPUSet
	for _, cpu := range cpus {
		set.Set(cpu)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("failed to set CPU affinity %v: %w", cpus, err)
	}

	startErr := cmd.Start()

	// If the mask cannot be restored the thread stays locked and is
	// discarded when this goroutine exits.
	if err := unix.SchedSetaffinity(0, &original); err == nil {
		runtime.UnlockOSThread()
	}
	return startErr
}
