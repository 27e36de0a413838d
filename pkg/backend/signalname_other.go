//go:build !unix

package backend

// signalName has no platform mapping outside unix; callers fall back to
// the bare signal number.
func signalName(sig int) string {
	return ""
}
