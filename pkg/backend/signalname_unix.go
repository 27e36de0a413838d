//go:build unix

package backend

import "golang.org/x/sys/unix"

// signalName renders a platform signal name (e.g. "SIGSEGV") for sig, or
// "" if unavailable on this platform.
func signalName(sig int) string {
	return unix.SignalName(unix.Signal(sig))
}
