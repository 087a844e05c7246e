//go:build windows

package server

import "os"

// processAlive reports whether a process handle can still be opened.
// Windows has no signal-0 probe.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	proc.Release()
	return true
}
