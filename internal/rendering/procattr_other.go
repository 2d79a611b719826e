//go:build unix && !linux

package rendering

import "syscall"

func renderProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
