package process

import "syscall"

// sysProcAttr puts children in their own process group so they can be killed as a unit,
// and asks the kernel to hang them up if we die first.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGHUP,
		Setpgid:   true,
	}
}
