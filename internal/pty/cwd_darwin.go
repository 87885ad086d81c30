//go:build darwin

package pty

import (
	"fmt"
	"os/exec"
	"strings"
)

// processCwd asks lsof for the process's current working directory. macOS has
// no procfs; this is the same approach Terminal.app restoration uses.
func processCwd(pid int) (string, error) {
	out, err := exec.Command("lsof", "-a", "-p", fmt.Sprint(pid), "-d", "cwd", "-Fn").Output()
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "n") {
			return strings.TrimPrefix(line, "n"), nil
		}
	}
	return "", fmt.Errorf("no cwd record for pid %d", pid)
}
