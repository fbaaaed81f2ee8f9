//go:build !linux

package process

import "os/exec"

// InitLimiter is a no-op: resource limits are only applied on Linux.
func InitLimiter() {}

func wrapLimited(*exec.Cmd, Limits) error {
	return nil
}
