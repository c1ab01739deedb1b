package daemon

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// setProcessName renames the process for ps output. Best effort; the
// kernel truncates names to 15 bytes.
func setProcessName(name string) {
	b := append([]byte(name), 0)
	if len(b) > 16 {
		b = append(b[:15], 0)
	}
	_ = unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&b[0])), 0, 0, 0)
}
