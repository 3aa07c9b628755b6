package tunnel

import "syscall"

// sysProcAttr puts the tunnel client in its own process group so stop
// signals reach anything it forks. Pdeathsig makes the kernel SIGTERM the
// client if we die first.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
