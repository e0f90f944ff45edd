package session

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/addonlink/internal/observability"
	"github.com/danmuck/addonlink/internal/protocol"
	"github.com/danmuck/addonlink/internal/protocol/packet"
)

// NewRequest starts a request on this session's channel with a fresh serial.
func (s *Session) NewRequest(op protocol.OpCode) *packet.Request {
	return packet.NewRequest(s.Connection(), s.nextSerial(), op)
}

// ReadResult transmits req and waits for the requested response carrying its
// serial. Responses for other serials are dropped by the reader. A call that
// sees no response within ResponseTimeout disconnects the session.
func (s *Session) ReadResult(ctx context.Context, req *packet.Request) (*packet.Message, error) {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	start := time.Now()
	resp, err := s.roundTrip(ctx, req)
	observability.RecordCall(string(KindSocket), req.Op.String(), err, time.Since(start))
	return resp, err
}

func (s *Session) roundTrip(ctx context.Context, req *packet.Request) (*packet.Message, error) {
	s.mu.RLock()
	l := s.link
	s.mu.RUnlock()
	if l == nil {
		return nil, ErrDisconnected
	}
	if req.Op != protocol.OpLoginVerify && s.reconnecting.Load() {
		return nil, s.reconnectingErr()
	}
	select {
	case <-l.lost:
		return nil, s.linkErr(l)
	default:
	}

	b, err := req.Bytes(l.conn.Limits())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrArg, err)
	}

	ch := make(chan *packet.Message, 1)
	s.pendMu.Lock()
	s.pending[req.Serial] = ch
	s.pendMu.Unlock()
	defer s.forget(req.Serial)

	if err := l.conn.Transmit(b); err != nil {
		s.dropLink(l, err)
		return nil, fmt.Errorf("%w: transmit %s: %v", protocol.ErrComm, req.Op, err)
	}

	timer := time.NewTimer(s.cfg.ResponseTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-l.lost:
		// the reader may deliver the response just before it stops
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		return nil, s.linkErr(l)
	case <-timer.C:
		err := fmt.Errorf("%w: %s serial=%d no response after %v", protocol.ErrComm, req.Op, req.Serial, s.cfg.ResponseTimeout)
		s.dropLink(l, err)
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReadSuccess runs ReadResult and checks the leading status code. A non
// success code is returned as a *StatusError.
func (s *Session) ReadSuccess(ctx context.Context, req *packet.Request) (*packet.Message, error) {
	resp, err := s.ReadResult(ctx, req)
	if err != nil {
		return nil, err
	}
	code, err := resp.PopCode()
	if err != nil {
		return nil, fmt.Errorf("%w: %s response: %v", protocol.ErrComm, req.Op, err)
	}
	if !code.OK() {
		s.logger.Error().Msgf("session.ReadSuccess op=%s serial=%d status=%d (%s)", req.Op, req.Serial, uint32(code), code.Name())
		return nil, &StatusError{Op: req.Op, Code: code}
	}
	return resp, nil
}

func (s *Session) linkErr(l *link) error {
	s.mu.RLock()
	cause := l.err
	s.mu.RUnlock()
	if cause == nil {
		return ErrDisconnected
	}
	return fmt.Errorf("%w: %v", ErrDisconnected, cause)
}

func (s *Session) forget(serial uint32) {
	s.pendMu.Lock()
	delete(s.pending, serial)
	s.pendMu.Unlock()
}

// deliver hands resp to the caller waiting on its serial. It reports false
// when nobody is waiting.
func (s *Session) deliver(resp *packet.Message) bool {
	s.pendMu.Lock()
	ch, ok := s.pending[resp.Serial]
	if ok {
		delete(s.pending, resp.Serial)
	}
	s.pendMu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}
