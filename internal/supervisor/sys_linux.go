//go:build linux

package supervisor

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func sysProcAttr(detach bool) *syscall.SysProcAttr {
	if detach {
		return &syscall.SysProcAttr{Setpgid: true}
	}
	// Pdeathsig fires when the spawning OS thread exits, not the launcher
	// process. The runtime keeps unlocked threads alive, which is enough for
	// dev children; it is not a hard guarantee.
	return &syscall.SysProcAttr{Pdeathsig: unix.SIGKILL}
}
