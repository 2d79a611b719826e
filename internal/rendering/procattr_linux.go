package rendering

import "syscall"

// renderProcAttr puts the renderer in its own process group so cancellation can kill
// its whole tree. That group is outside the worker's, so a preempting group kill of the
// worker misses it; Pdeathsig has the kernel kill it when the worker dies instead.
func renderProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}
}
