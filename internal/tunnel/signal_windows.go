package tunnel

import "os"

// Windows has no SIGTERM for console children; both paths kill.
func terminate(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}

func kill(p *os.Process) error {
	return terminate(p)
}
