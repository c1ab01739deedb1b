//go:build unix

package daemon

import "syscall"

// detachAttrs puts the child in its own session so it survives the
// parent's terminal going away.
func detachAttrs() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
