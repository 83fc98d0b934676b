//go:build linux

package etcdtest

import "syscall"

// sysProcAttr has the kernel SIGTERM `etcd` should the test binary die
// without stopping it, such as on a timeout panic.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
}
