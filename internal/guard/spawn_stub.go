//go:build !linux

package guard

import (
	"os"
	"syscall"
)

func spawnAttrs() *syscall.SysProcAttr {
	return nil
}

// Without process groups only the direct child can be killed.
func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	if proc, err := os.FindProcess(pid); err == nil {
		_ = proc.Kill()
	}
}
