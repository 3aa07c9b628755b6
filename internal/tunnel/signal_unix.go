//go:build !windows

package tunnel

import (
	"os"

	"golang.org/x/sys/unix"
)

// terminate asks the client's process group to exit.
func terminate(p *os.Process) error {
	return signalGroup(p, unix.SIGTERM)
}

// kill forcibly ends the client's process group.
func kill(p *os.Process) error {
	return signalGroup(p, unix.SIGKILL)
}

func signalGroup(p *os.Process, sig unix.Signal) error {
	if p == nil {
		return nil
	}
	if err := unix.Kill(-p.Pid, sig); err == nil {
		return nil
	}
	return p.Signal(sig)
}
