package session

import (
	"context"
	"fmt"

	"github.com/danmuck/addonlink/internal/protocol"
)

// Kind names the transport a session bound at login.
type Kind string

const (
	KindNone    Kind = "none"
	KindSocket  Kind = "socket"
	KindMailbox Kind = "mailbox"
)

// Transport carries the session's operations after login. Every session
// chooses one at login and keeps it.
type Transport interface {
	Kind() Kind
	Ping(ctx context.Context) error
	Log(ctx context.Context, level protocol.LogLevel, msg string) error
	// InitThread creates and logs in a sub-session owned by the calling thread.
	InitThread(ctx context.Context) (*Session, error)
	// FinalizeThread removes sub on the host and releases it.
	FinalizeThread(ctx context.Context, sub *Session) error
	// Close releases transport resources. The session's background work has
	// already stopped.
	Close() error
}

// socketTransport runs every operation as a request/response pair on the
// session's socket.
type socketTransport struct {
	s *Session
}

func (t *socketTransport) Kind() Kind {
	return KindSocket
}

func (t *socketTransport) Ping(ctx context.Context) error {
	_, err := t.s.ReadSuccess(ctx, t.s.NewRequest(protocol.OpPing))
	return err
}

func (t *socketTransport) Log(ctx context.Context, level protocol.LogLevel, msg string) error {
	req := t.s.NewRequest(protocol.OpLog)
	req.PushUint32(uint32(level))
	if err := req.PushString(msg); err != nil {
		return fmt.Errorf("%w: log message: %v", protocol.ErrArg, err)
	}
	_, err := t.s.ReadSuccess(ctx, req)
	return err
}

// InitThread opens a second socket and logs it in as a sub-thread session.
func (t *socketTransport) InitThread(ctx context.Context) (*Session, error) {
	return t.s.openSub(ctx)
}

func (t *socketTransport) FinalizeThread(ctx context.Context, sub *Session) error {
	return sub.finalizeOwn(ctx)
}

func (t *socketTransport) Close() error {
	return nil
}

// openSub creates a sub-session with its own connection and login. It may
// still bind the mailbox if the host offers one for the new connection.
func (s *Session) openSub(ctx context.Context) (*Session, error) {
	tid := ThreadID()
	props := s.props
	props.Name = fmt.Sprintf("%s - Subthread '%d'", s.props.Name, tid)
	sub := newSession(s.cfg, props, s)
	sub.owner = tid
	if err := sub.connectAndLogin(ctx, true); err != nil {
		sub.teardown()
		return nil, err
	}
	return sub, nil
}
