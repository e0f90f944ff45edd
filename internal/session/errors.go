package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/addonlink/internal/protocol"
)

var (
	ErrInvalidConfig = errors.New("session: invalid config")
	ErrNotLoggedIn   = errors.New("session: not logged in")
	ErrDisconnected  = errors.New("session: disconnected")
	ErrFinalized     = errors.New("session: finalized")
	// ErrMainThread rejects InitThread from the thread owning the main session.
	ErrMainThread = errors.New("session: InitThread called from the main session thread")
	ErrNotChild   = errors.New("session: not a sub-session of this session")
)

// StatusError is a non-success status code returned by the host.
type StatusError struct {
	Op   protocol.OpCode
	Code protocol.Code
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("session: %s returned %d (%s)", e.Op, uint32(e.Code), e.Code.Name())
}

func (e *StatusError) Unwrap() error {
	return e.Code
}
