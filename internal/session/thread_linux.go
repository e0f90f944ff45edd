//go:build linux

package session

import "golang.org/x/sys/unix"

// ThreadID returns the kernel id of the calling OS thread. Callers that need
// a stable identity lock their goroutine with runtime.LockOSThread.
func ThreadID() uint64 {
	return uint64(unix.Gettid())
}
