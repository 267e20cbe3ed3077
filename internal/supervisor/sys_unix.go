//go:build unix && !linux

package supervisor

import "syscall"

// Without Pdeathsig an attached child is only reaped with the launcher's
// process group.
func sysProcAttr(detach bool) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: detach}
}
