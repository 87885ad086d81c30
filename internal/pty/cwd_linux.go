//go:build linux

package pty

import (
	"fmt"
	"os"
)

// processCwd reads the live working directory of a process from procfs.
func processCwd(pid int) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
}
