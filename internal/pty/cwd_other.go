//go:build !linux && !darwin

package pty

import "errors"

// processCwd has no live implementation on this platform; the manager falls
// back to the spawn directory.
func processCwd(pid int) (string, error) {
	return "", errors.New("live cwd query not supported on this platform")
}
