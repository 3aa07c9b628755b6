//go:build !linux && !windows

package tunnel

import "syscall"

// sysProcAttr puts the tunnel client in its own process group. Pdeathsig is
// not available on non-Linux platforms.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}
