package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/addonlink/internal/observability"
	"github.com/danmuck/addonlink/internal/protocol"
	"github.com/danmuck/addonlink/internal/protocol/packet"
	"github.com/danmuck/addonlink/internal/transport/mailbox"
	"github.com/danmuck/addonlink/internal/transport/socket"
)

// client is one accepted add-on socket.
type client struct {
	srv  *Server
	conn *socket.Conn

	mu    sync.Mutex
	addon *addon
	// loggedOut is set once Logout was answered.
	loggedOut bool

	serial  atomic.Uint32
	pendMu  sync.Mutex
	pending map[uint32]chan *packet.Message
	lost    chan struct{}
}

func newClient(s *Server, conn *socket.Conn) *client {
	return &client{
		srv:     s,
		conn:    conn,
		pending: make(map[uint32]chan *packet.Message),
		lost:    make(chan struct{}),
	}
}

func (c *client) run() {
	defer c.srv.wg.Done()
	defer c.srv.untrack(c)
	remote := c.conn.RemoteAddr().String()
	c.srv.logger.Debug().Msgf("host.client connected remote=%q", remote)

	var cause error
	for {
		fr, err := c.conn.ReadMessage(c.srv.cfg.PollTimeout, c.srv.cfg.DataTimeout)
		if errors.Is(err, socket.ErrIdle) {
			if c.srv.ctx.Err() != nil {
				cause = c.srv.ctx.Err()
				break
			}
			continue
		}
		if err != nil {
			cause = err
			break
		}
		msg, err := packet.Parse(fr)
		if err != nil {
			c.srv.logger.Warn().Msgf("host.client malformed remote=%q err=%v", remote, err)
			continue
		}
		if !c.handle(msg) {
			break
		}
	}
	close(c.lost)
	_ = c.conn.Close()

	c.mu.Lock()
	a := c.addon
	out := c.loggedOut
	c.mu.Unlock()
	if a != nil {
		reason := "logout"
		if !out {
			reason = fmt.Sprintf("connection lost: %v", cause)
		}
		c.srv.unregister(a, reason)
	}
	c.srv.logger.Debug().Msgf("host.client disconnected remote=%q err=%v", remote, cause)
}

// handle routes one message. It reports false when the client should stop.
func (c *client) handle(msg *packet.Message) bool {
	switch {
	case msg.IsResponse():
		c.pendMu.Lock()
		ch, ok := c.pending[msg.Serial]
		delete(c.pending, msg.Serial)
		c.pendMu.Unlock()
		if ok {
			ch <- msg
		}
		return true
	case msg.IsStatus():
		code, _ := msg.PopCode()
		c.srv.logger.Info().Msgf("host.client status op=%s code=%s", msg.Op, code.Name())
		return true
	}

	c.mu.Lock()
	a := c.addon
	c.mu.Unlock()

	if a == nil {
		if msg.Op != protocol.OpLoginVerify {
			c.reply(msg, packet.NewCodeReply(msg.Serial, protocol.ErrRequest), "socket")
			return true
		}
		c.login(msg)
		return true
	}
	if msg.Channel != a.info.Connection {
		c.reply(msg, packet.NewCodeReply(msg.Serial, protocol.ErrComm), "socket")
		return true
	}

	switch msg.Op {
	case protocol.OpPing:
		c.reply(msg, packet.NewCodeReply(msg.Serial, protocol.Success), "socket")
	case protocol.OpLog:
		level, err := msg.PopUint32()
		var text string
		if err == nil {
			text, err = msg.PopString()
		}
		if err != nil {
			c.reply(msg, packet.NewCodeReply(msg.Serial, protocol.ErrArg), "socket")
			return true
		}
		if !c.srv.cfg.LogStatus.OK() {
			c.reply(msg, packet.NewCodeReply(msg.Serial, c.srv.cfg.LogStatus), "socket")
			return true
		}
		c.srv.deliverLog(a, protocol.LogLevel(level), text, "socket")
		c.reply(msg, packet.NewCodeReply(msg.Serial, protocol.Success), "socket")
	case protocol.OpLogout:
		code := protocol.Success
		if !c.srv.cfg.LogoutStatus.OK() {
			code = c.srv.cfg.LogoutStatus
		}
		c.reply(msg, packet.NewCodeReply(msg.Serial, code), "socket")
		c.mu.Lock()
		c.loggedOut = true
		c.mu.Unlock()
		return false
	default:
		c.reply(msg, packet.NewCodeReply(msg.Serial, protocol.ErrOp), "socket")
	}
	return true
}

// login answers Login-Verify and registers the connection.
func (c *client) login(msg *packet.Message) {
	var (
		info SessionInfo
		err  error
	)
	info.APILevel, err = msg.PopUint32()
	if err == nil {
		info.Thread, err = msg.PopUint64()
	}
	if err == nil {
		info.Independent, err = msg.PopBool()
	}
	if err == nil {
		info.Name, err = msg.PopString()
	}
	if err == nil {
		info.Version, err = msg.PopString()
	}
	if err == nil {
		info.Sub, err = msg.PopBool()
	}
	if err == nil {
		info.NetOnly, err = msg.PopBool()
	}
	if err != nil {
		c.srv.logger.Warn().Msgf("host.login unreadable request err=%v", err)
		c.reply(msg, packet.NewCodeReply(msg.Serial, protocol.ErrArg), "socket")
		return
	}

	conn, err := c.srv.allocate(0)
	if err != nil {
		c.reply(msg, packet.NewCodeReply(msg.Serial, protocol.ErrConnection), "socket")
		return
	}
	info.Connection = conn
	info.Transport = "socket"
	info.ConnectedAt = time.Now()
	a := &addon{info: info, client: c}

	cfg := c.srv.cfg
	size := 0
	if cfg.SharedMemory && !info.NetOnly {
		seg, err := mailbox.Create(cfg.ShmDir, conn, cfg.SharedMemorySize)
		if err != nil {
			c.srv.logger.Warn().Msgf("host.login shared memory unavailable conn=%d err=%v", conn, err)
		} else {
			a.seg = seg
			size = seg.Size()
		}
	}

	reply := packet.NewReply(msg.Serial)
	reply.PushUint32(uint32(protocol.Success))
	reply.PushInt(int32(conn))
	reply.PushUint32(cfg.APILevel)
	err = reply.PushString(cfg.Name)
	if err == nil {
		err = reply.PushString(cfg.Version)
	}
	if err != nil {
		c.srv.release(conn)
		c.srv.releaseSegment(a)
		c.reply(msg, packet.NewCodeReply(msg.Serial, protocol.ErrIntern), "socket")
		return
	}
	shm := int32(0)
	if a.seg != nil {
		shm = 1
	}
	reply.PushInt(shm)
	reply.PushInt(int32(size))

	c.srv.register(a)
	c.mu.Lock()
	c.addon = a
	c.mu.Unlock()
	c.srv.logger.Info().Msgf("host.login name=%q version=%q level=%d conn=%d sub=%v shm=%v",
		info.Name, info.Version, info.APILevel, conn, info.Sub, a.seg != nil)
	c.reply(msg, reply, "socket")
}

// reply writes the configured stray responses and then r.
func (c *client) reply(req *packet.Message, r *packet.Reply, transport string) {
	for i := 0; i < c.srv.cfg.StrayResponses; i++ {
		stray := packet.NewCodeReply(req.Serial+uint32(1000+i), protocol.ErrPending)
		_ = c.conn.Send(stray.Frame())
	}
	status := protocol.ErrUnknown
	if codes := packet.NewDecoder(r.Args()); codes.Remaining() > 0 {
		if v, err := codes.PopUint32(); err == nil {
			status = protocol.Code(v)
		}
	}
	observability.RecordHostRequest(transport, req.Op.String(), statusLabel(status))
	if err := c.conn.Send(r.Frame()); err != nil {
		c.srv.logger.Warn().Msgf("host.reply op=%s serial=%d err=%v", req.Op, req.Serial, err)
		_ = c.conn.Close()
	}
}

// ping sends a host initiated Ping on the add-on's channel and waits for its
// requested response.
func (c *client) ping(ctx context.Context, conn uint32) error {
	req := packet.NewRequest(conn, c.serial.Add(1), protocol.OpPing)
	ch := make(chan *packet.Message, 1)
	c.pendMu.Lock()
	c.pending[req.Serial] = ch
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.pending, req.Serial)
		c.pendMu.Unlock()
	}()

	if err := c.conn.Send(req.Frame()); err != nil {
		return fmt.Errorf("host: ping conn=%d: %w", conn, err)
	}
	select {
	case resp := <-ch:
		code, err := resp.PopCode()
		if err != nil {
			return fmt.Errorf("host: ping conn=%d: %w", conn, err)
		}
		if !code.OK() {
			return code
		}
		return nil
	case <-c.lost:
		return fmt.Errorf("host: ping conn=%d: %w", conn, socket.ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}
