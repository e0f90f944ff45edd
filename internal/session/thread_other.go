//go:build !linux

package session

import "os"

// ThreadID falls back to the process id where the platform exposes no
// portable thread id, so every goroutine shares the main session identity
// and InitThread is always rejected.
func ThreadID() uint64 {
	return uint64(os.Getpid())
}
