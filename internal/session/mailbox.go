package session

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/danmuck/addonlink/internal/observability"
	"github.com/danmuck/addonlink/internal/protocol"
	"github.com/danmuck/addonlink/internal/transport/mailbox"
)

// mailboxTransport runs operations through the AddonToHost slot of a shared
// segment and answers host requests arriving in HostToAddon.
type mailboxTransport struct {
	s      *Session
	seg    *mailbox.Segment
	closed bool
}

func newMailboxTransport(s *Session, seg *mailbox.Segment) *mailboxTransport {
	return &mailboxTransport{s: s, seg: seg}
}

func (t *mailboxTransport) Kind() Kind {
	return KindMailbox
}

// start launches the HostToAddon dispatcher. It runs until the session
// context is cancelled.
func (t *mailboxTransport) start() {
	t.s.wg.Add(1)
	go t.dispatch()
}

func (t *mailboxTransport) dispatch() {
	defer t.s.wg.Done()
	slot := t.seg.HostToAddon()
	for {
		if err := slot.Request.Wait(t.s.ctx, t.s.cfg.MailboxBackoff); err != nil {
			return
		}
		switch op := slot.Message(); op {
		case protocol.OpPing:
			slot.SetReturn(mailbox.Bool(true))
		default:
			t.s.logger.Debug().Msgf("session.dispatch ignored mailbox message op=%s", op)
		}
		slot.Response.Post()
	}
}

// exchange runs one AddonToHost round trip. fill prepares the slot; the
// returned error covers only the transport. A failed exchange leaves the
// slot out of step, so the session is dropped.
func (t *mailboxTransport) exchange(ctx context.Context, op protocol.OpCode, fill func(*mailbox.Slot) error) (*mailbox.Slot, error) {
	if t.closed {
		return nil, ErrDisconnected
	}
	slot := t.seg.AddonToHost()
	slot.Reset()
	slot.SetMessage(op)
	if fill != nil {
		if err := fill(slot); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", protocol.ErrArg, op, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.s.cfg.ResponseTimeout)
	defer cancel()
	stop := context.AfterFunc(t.s.ctx, cancel)
	defer stop()

	start := time.Now()
	err := slot.Exchange(ctx, t.s.cfg.MailboxBackoff)
	observability.RecordCall(string(KindMailbox), op.String(), err, time.Since(start))
	if err != nil {
		err = fmt.Errorf("%w: mailbox %s: %v", protocol.ErrComm, op, err)
		t.s.disconnect(err)
		return nil, err
	}
	return slot, nil
}

func (t *mailboxTransport) Ping(ctx context.Context) error {
	t.s.callMu.Lock()
	defer t.s.callMu.Unlock()
	slot, err := t.exchange(ctx, protocol.OpPing, nil)
	if err != nil {
		return err
	}
	ok, err := slot.Return().AsBool()
	if err != nil {
		return fmt.Errorf("%w: ping return: %v", protocol.ErrComm, err)
	}
	if !ok {
		return &StatusError{Op: protocol.OpPing, Code: protocol.ErrUnknown}
	}
	return nil
}

func (t *mailboxTransport) Log(ctx context.Context, level protocol.LogLevel, msg string) error {
	t.s.callMu.Lock()
	defer t.s.callMu.Unlock()
	slot, err := t.exchange(ctx, protocol.OpLog, func(slot *mailbox.Slot) error {
		if err := slot.SetValue(0, mailbox.Uint32(uint32(level))); err != nil {
			return err
		}
		return slot.SetData([]byte(msg))
	})
	if err != nil {
		return err
	}
	code, err := slot.Return().AsUint32()
	if err != nil {
		return fmt.Errorf("%w: log return: %v", protocol.ErrComm, err)
	}
	if c := protocol.Code(code); !c.OK() {
		return &StatusError{Op: protocol.OpLog, Code: c}
	}
	return nil
}

// InitThread asks the host to create a segment for a fresh connection number
// and binds a child session to it. The child has no socket.
func (t *mailboxTransport) InitThread(ctx context.Context) (*Session, error) {
	t.s.callMu.Lock()
	defer t.s.callMu.Unlock()

	conn := protocol.MinConnection + rand.Uint32N(1<<30)
	slot, err := t.exchange(ctx, protocol.OpCreateSubThread, func(slot *mailbox.Slot) error {
		return slot.SetValue(0, mailbox.Int(int32(conn)))
	})
	if err != nil {
		return nil, err
	}
	status, err := slot.Return().AsInt()
	if err != nil {
		return nil, fmt.Errorf("%w: create-subthread return: %v", protocol.ErrComm, err)
	}
	if c := protocol.Code(uint32(status)); !c.OK() {
		return nil, &StatusError{Op: protocol.OpCreateSubThread, Code: c}
	}

	seg, err := mailbox.Open(t.s.cfg.ShmDir, conn, t.seg.Size())
	if err != nil {
		t.deleteChild(ctx, conn)
		return nil, fmt.Errorf("%w: child segment conn=%d: %v", protocol.ErrConnection, conn, err)
	}

	tid := ThreadID()
	props := t.s.props
	props.Name = fmt.Sprintf("%s - Subthread '%d'", t.s.props.Name, tid)
	sub := newSession(t.s.cfg, props, t.s)
	sub.owner = tid
	host := t.s.Host()
	host.Connection = conn
	sub.bind(host, newMailboxTransport(sub, seg))
	return sub, nil
}

// FinalizeThread pings the child, removes it on the host through the parent
// slot and then releases the child segment. The child is released even when
// the delete fails.
func (t *mailboxTransport) FinalizeThread(ctx context.Context, sub *Session) error {
	if err := sub.Ping(ctx); err != nil {
		sub.logger.Warn().Msgf("session.FinalizeThread final ping conn=%d err=%v", sub.Connection(), err)
	}
	t.s.callMu.Lock()
	err := t.deleteChild(ctx, sub.Connection())
	t.s.callMu.Unlock()

	sub.teardown()
	return err
}

// deleteChild runs DeleteSubThread for conn. Callers hold the call lock.
func (t *mailboxTransport) deleteChild(ctx context.Context, conn uint32) error {
	slot, err := t.exchange(ctx, protocol.OpDeleteSubThread, func(slot *mailbox.Slot) error {
		return slot.SetValue(0, mailbox.Int(int32(conn)))
	})
	if err != nil {
		return err
	}
	if status, err := slot.Return().AsInt(); err == nil {
		if c := protocol.Code(uint32(status)); !c.OK() {
			t.s.logger.Error().Msgf("session.FinalizeThread delete conn=%d status=%d (%s)", conn, status, c.Name())
			return &StatusError{Op: protocol.OpDeleteSubThread, Code: c}
		}
	}
	return nil
}

// Close unmaps the segment once no call holds it.
func (t *mailboxTransport) Close() error {
	t.s.callMu.Lock()
	defer t.s.callMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.seg.Close()
}
