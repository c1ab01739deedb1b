//go:build !linux

package daemon

// setProcessName is unsupported outside Linux.
func setProcessName(string) {}
