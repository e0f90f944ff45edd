package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/addonlink/internal/observability"
	"github.com/danmuck/addonlink/internal/protocol"
	"github.com/danmuck/addonlink/internal/protocol/packet"
	"github.com/danmuck/addonlink/internal/transport"
	"github.com/danmuck/addonlink/internal/transport/socket"
)

// readLoop is the only reader of l. It routes requested responses to waiting
// callers and serves host initiated requests until the link fails.
func (s *Session) readLoop(l *link) {
	defer s.wg.Done()

	var cause error
	for {
		if err := s.ctx.Err(); err != nil {
			cause = err
			break
		}
		fr, err := l.conn.ReadMessage(s.cfg.PollTimeout, s.cfg.DataTimeout)
		if errors.Is(err, socket.ErrIdle) {
			continue
		}
		if err != nil {
			cause = err
			break
		}
		msg, err := packet.Parse(fr)
		if err != nil {
			observability.RecordDropped("malformed")
			s.logger.Warn().Msgf("session.read malformed channel=%d err=%v", fr.Header.Channel, err)
			continue
		}
		s.route(l, msg)
	}

	s.mu.Lock()
	if l.err == nil {
		l.err = cause
	}
	cause = l.err
	s.mu.Unlock()
	close(l.lost)
	_ = l.conn.Close()
	s.onLinkLost(l, cause)
}

func (s *Session) route(l *link, msg *packet.Message) {
	switch {
	case msg.IsResponse():
		if !s.deliver(msg) {
			observability.RecordDropped("unmatched")
			s.logger.Debug().Msgf("session.read dropped response serial=%d", msg.Serial)
		}
	case msg.IsStatus():
		code, _ := msg.PopCode()
		s.logger.Info().Msgf("session.read status op=%s code=%d (%s)", msg.Op, uint32(code), code.Name())
	case msg.Channel != 0 && msg.Channel == s.Connection():
		s.serveHost(l, msg)
	default:
		observability.RecordDropped("unknown_channel")
		s.logger.Warn().Msgf("session.read unknown message channel=%d op=%s serial=%d", msg.Channel, msg.Op, msg.Serial)
	}
}

// serveHost answers a request the host sent on this session's channel.
func (s *Session) serveHost(l *link, msg *packet.Message) {
	switch msg.Op {
	case protocol.OpPing:
		reply := packet.NewCodeReply(msg.Serial, protocol.Success)
		if err := l.conn.Send(reply.Frame()); err != nil {
			s.logger.Warn().Msgf("session.serveHost ping reply serial=%d err=%v", msg.Serial, err)
		}
	default:
		observability.RecordDropped("unknown_op")
		s.logger.Warn().Msgf("session.serveHost unknown op=%s serial=%d", msg.Op, msg.Serial)
	}
}

// onLinkLost decides between reconnecting and giving the session up.
func (s *Session) onLinkLost(l *link, cause error) {
	if s.ctx.Err() != nil || s.reconnecting.Load() {
		return
	}
	if !s.shouldReconnect(l) {
		s.lose(cause)
		return
	}
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	s.logger.Warn().Msgf("session.reconnect start conn=%d err=%v", s.Connection(), cause)
	s.wg.Add(1)
	go s.reconnect(cause)
}

func (s *Session) shouldReconnect(l *link) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.cfg.Reconnect || s.parent != nil || !s.loggedIn || s.finalized || s.closing || s.link != l {
		return false
	}
	return s.transport != nil && s.transport.Kind() == KindSocket
}

// reconnect redials and logs in again until it succeeds or the session is
// torn down. The host assigns a new connection number.
func (s *Session) reconnect(cause error) {
	defer s.wg.Done()
	defer s.reconnecting.Store(false)

	for attempt := 1; ; attempt++ {
		delay := s.cfg.Backoff.Delay(attempt)
		if err := transport.Sleep(s.ctx, delay); err != nil {
			return
		}
		conn, err := socket.Dial(s.ctx, s.cfg.Address, socket.DialConfig{
			Timeout:       s.cfg.ConnectTimeout,
			RetryInterval: s.cfg.RetryInterval,
			Limits:        s.cfg.Limits,
			WriteTimeout:  s.cfg.WriteTimeout,
		})
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn().Msgf("session.reconnect attempt=%d dial err=%v", attempt, err)
			continue
		}
		l := s.attach(conn)
		host, err := s.login(s.ctx, false)
		if err != nil {
			s.dropLink(l, err)
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn().Msgf("session.reconnect attempt=%d login err=%v", attempt, err)
			continue
		}
		s.mu.Lock()
		old := s.host.Connection
		s.host = host
		s.loggedInAt = time.Now()
		s.mu.Unlock()
		s.logger.Info().Msgf("session.reconnect done attempt=%d conn=%d->%d after %v", attempt, old, host.Connection, cause)
		return
	}
}

func (s *Session) reconnectingErr() error {
	return fmt.Errorf("%w: reconnecting", ErrDisconnected)
}
