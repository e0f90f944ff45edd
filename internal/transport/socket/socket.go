package socket

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/addonlink/internal/protocol"
	"github.com/danmuck/addonlink/internal/protocol/frame"
	"github.com/danmuck/addonlink/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	// ErrIdle reports that no channel word arrived within the initial timeout.
	// It is the only soft ReadMessage error.
	ErrIdle = errors.New("socket: idle")
	// ErrTruncated reports a timed out partial read that did not complete on retry.
	ErrTruncated = errors.New("socket: truncated message")
	ErrClosed    = errors.New("socket: connection closed")
)

// DialConfig bounds the connect retry loop.
type DialConfig struct {
	Timeout       time.Duration
	RetryInterval time.Duration
	Limits        frame.Limits
	WriteTimeout  time.Duration
}

func DefaultDialConfig() DialConfig {
	return DialConfig{
		Timeout:       protocol.ConnectionTimeout,
		RetryInterval: 100 * time.Millisecond,
		Limits:        frame.DefaultLimits(),
		WriteTimeout:  10 * time.Second,
	}
}

func (c DialConfig) withDefaults() DialConfig {
	def := DefaultDialConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = def.RetryInterval
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = def.Limits
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	return c
}

// Dial opens a TCP connection to addr, retrying every RetryInterval until
// Timeout elapses. Failure returns an error wrapping protocol.ErrConnection no
// earlier than the deadline and no later than one retry interval after it.
func Dial(ctx context.Context, addr string, cfg DialConfig) (*Conn, error) {
	cfg = cfg.withDefaults()
	deadline := time.Now().Add(cfg.Timeout)

	var lastErr error
	for attempt := 1; ; attempt++ {
		dialer := net.Dialer{Deadline: deadline}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			log.Debug().Msgf("socket.Dial connected addr=%q attempt=%d", addr, attempt)
			return NewConn(conn, cfg.Limits, cfg.WriteTimeout), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err
		if !time.Now().Before(deadline) {
			break
		}
		if err := transport.Sleep(ctx, cfg.RetryInterval); err != nil {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			break
		}
	}
	return nil, fmt.Errorf("%w: addr=%q timeout=%v: %v", protocol.ErrConnection, addr, cfg.Timeout, lastErr)
}

// Conn is one framed channel connection. ReadMessage must be called from a
// single goroutine; Transmit is safe for concurrent use.
type Conn struct {
	conn         net.Conn
	limits       frame.Limits
	writeTimeout time.Duration

	wmu sync.Mutex
}

func NewConn(conn net.Conn, limits frame.Limits, writeTimeout time.Duration) *Conn {
	if limits.MaxPayloadBytes == 0 {
		limits = frame.DefaultLimits()
	}
	return &Conn{conn: conn, limits: limits, writeTimeout: writeTimeout}
}

func (c *Conn) Limits() frame.Limits {
	return c.limits
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

// ReadMessage reads one frame. The channel word must start arriving within
// initial, otherwise ErrIdle is returned. The header and payload must arrive
// within data each. A timed out partial read is retried once for the
// remainder. Every error other than ErrIdle is fatal for the connection.
func (c *Conn) ReadMessage(initial, data time.Duration) (frame.Frame, error) {
	var word [frame.ChannelLen]byte
	if err := c.readFull(word[:], initial, data, true); err != nil {
		return frame.Frame{}, err
	}
	channel := binary.BigEndian.Uint32(word[:])

	fixed := make([]byte, frame.HeaderLen(channel))
	if err := c.readFull(fixed, data, data, false); err != nil {
		return frame.Frame{}, err
	}
	h, err := frame.DecodeHeader(channel, fixed)
	if err != nil {
		return frame.Frame{}, err
	}
	if h.PayloadLen > c.limits.MaxPayloadBytes {
		return frame.Frame{}, frame.ErrPayloadTooLarge
	}
	payload := make([]byte, h.PayloadLen)
	if len(payload) > 0 {
		if err := c.readFull(payload, data, data, false); err != nil {
			return frame.Frame{}, err
		}
	}
	return frame.Frame{Header: h, Payload: payload}, nil
}

func (c *Conn) readFull(buf []byte, timeout, retry time.Duration, idleOK bool) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := io.ReadFull(c.conn, buf)
	if err == nil {
		return nil
	}
	if !isTimeout(err) {
		if n == 0 && (errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)) {
			return ErrClosed
		}
		return fmt.Errorf("%w: read %d/%d: %v", ErrTruncated, n, len(buf), err)
	}
	if n == 0 && idleOK {
		return ErrIdle
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(retry))
	m, err := io.ReadFull(c.conn, buf[n:])
	if err != nil {
		return fmt.Errorf("%w: read %d/%d after retry: %v", ErrTruncated, n+m, len(buf), err)
	}
	return nil
}

// Transmit writes one serialized frame with a single write call. A short
// write is fatal for the connection.
func (c *Conn) Transmit(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	n, err := c.conn.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return io.ErrShortWrite
	}
	return nil
}

// Send marshals f under the connection limits and transmits it.
func (c *Conn) Send(f frame.Frame) error {
	b, err := frame.Marshal(f, c.limits)
	if err != nil {
		return err
	}
	return c.Transmit(b)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
