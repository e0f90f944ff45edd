package host

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/addonlink/internal/observability"
	"github.com/danmuck/addonlink/internal/protocol"
	"github.com/danmuck/addonlink/internal/transport/mailbox"
)

// serveMailbox answers AddonToHost messages of a until ctx is done.
func (s *Server) serveMailbox(ctx context.Context, a *addon) {
	defer close(a.done)
	slot := a.seg.AddonToHost()
	for {
		if err := slot.Request.Wait(ctx, s.cfg.MailboxBackoff); err != nil {
			return
		}
		if !a.bound.Swap(true) {
			s.mu.Lock()
			a.info.Transport = "mailbox"
			s.mu.Unlock()
		}
		op := slot.Message()
		code := s.handleMailbox(a, slot, op)
		observability.RecordHostRequest("mailbox", op.String(), statusLabel(code))
		slot.Response.Post()
	}
}

func (s *Server) handleMailbox(a *addon, slot *mailbox.Slot, op protocol.OpCode) protocol.Code {
	switch op {
	case protocol.OpPing:
		slot.SetReturn(mailbox.Bool(true))
		return protocol.Success
	case protocol.OpLog:
		code := protocol.Success
		level, err := mustValue(slot, 0).AsUint32()
		switch {
		case err != nil:
			code = protocol.ErrArg
		case !s.cfg.LogStatus.OK():
			code = s.cfg.LogStatus
		default:
			s.deliverLog(a, protocol.LogLevel(level), string(slot.Data()), "mailbox")
		}
		slot.SetReturn(mailbox.Uint32(uint32(code)))
		return code
	case protocol.OpCreateSubThread:
		code := s.createChild(a, slot)
		slot.SetReturn(mailbox.Int(int32(code)))
		return code
	case protocol.OpDeleteSubThread:
		code := s.deleteChild(a, slot)
		slot.SetReturn(mailbox.Int(int32(code)))
		return code
	default:
		s.logger.Warn().Msgf("host.mailbox unknown op=%s conn=%d", op, a.info.Connection)
		slot.SetReturn(mailbox.Int(int32(protocol.ErrOp)))
		return protocol.ErrOp
	}
}

func mustValue(slot *mailbox.Slot, i int) mailbox.Value {
	v, _ := slot.Value(i)
	return v
}

// createChild creates the segment for the connection number the add-on
// picked and starts serving it.
func (s *Server) createChild(parent *addon, slot *mailbox.Slot) protocol.Code {
	n, err := mustValue(slot, 0).AsInt()
	if err != nil || n <= 0 {
		return protocol.ErrArg
	}
	conn, err := s.allocate(uint32(n))
	if err != nil {
		s.logger.Warn().Msgf("host.createChild parent=%d err=%v", parent.info.Connection, err)
		return protocol.ErrConnection
	}
	seg, err := mailbox.Create(s.cfg.ShmDir, conn, parent.seg.Size())
	if err != nil {
		s.release(conn)
		s.logger.Warn().Msgf("host.createChild parent=%d conn=%d err=%v", parent.info.Connection, conn, err)
		return protocol.ErrIntern
	}
	child := &addon{
		info: SessionInfo{
			Connection:  conn,
			Name:        fmt.Sprintf("%s - Subthread", parent.info.Name),
			Version:     parent.info.Version,
			APILevel:    parent.info.APILevel,
			Sub:         true,
			Independent: parent.info.Independent,
			Parent:      parent.info.Connection,
			Transport:   "mailbox",
			ConnectedAt: time.Now(),
		},
		seg: seg,
	}
	child.bound.Store(true)
	s.register(child)
	return protocol.Success
}

func (s *Server) deleteChild(parent *addon, slot *mailbox.Slot) protocol.Code {
	n, err := mustValue(slot, 0).AsInt()
	if err != nil {
		return protocol.ErrArg
	}
	s.mu.RLock()
	child, ok := s.addons[uint32(n)]
	s.mu.RUnlock()
	if !ok || child == nil || child.client != nil || child.info.Parent != parent.info.Connection {
		return protocol.ErrArg
	}
	s.unregister(child, "delete-subthread")
	return protocol.Success
}

// pingMailbox runs a host initiated Ping through the HostToAddon slot.
func (s *Server) pingMailbox(ctx context.Context, a *addon) error {
	a.hostMu.Lock()
	defer a.hostMu.Unlock()
	if a.released {
		return fmt.Errorf("%w: %d", ErrUnknownAddon, a.info.Connection)
	}
	slot := a.seg.HostToAddon()
	slot.Reset()
	slot.SetMessage(protocol.OpPing)
	if err := slot.Exchange(ctx, s.cfg.MailboxBackoff); err != nil {
		return fmt.Errorf("host: mailbox ping conn=%d: %w", a.info.Connection, err)
	}
	ok, err := slot.Return().AsBool()
	if err != nil {
		return fmt.Errorf("host: mailbox ping conn=%d: %w", a.info.Connection, err)
	}
	if !ok {
		return protocol.ErrUnknown
	}
	return nil
}
