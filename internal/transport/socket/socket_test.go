package socket

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/addonlink/internal/protocol"
	"github.com/danmuck/addonlink/internal/protocol/frame"
	"github.com/danmuck/addonlink/internal/protocol/packet"
	"github.com/danmuck/addonlink/internal/testutil/testlog"
)

func tcpPair(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	conn, err := Dial(context.Background(), ln.Addr().String(), DialConfig{Timeout: time.Second})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	peer, ok := <-accepted
	if !ok {
		t.Fatalf("accept failed")
	}
	t.Cleanup(func() {
		_ = conn.Close()
		_ = peer.Close()
	})
	return conn, peer
}

func unusedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func TestDialFailsWithConnectionErrorAtDeadline(t *testing.T) {
	testlog.Start(t)
	addr := unusedAddr(t)
	timeout := 300 * time.Millisecond
	retry := 50 * time.Millisecond

	start := time.Now()
	_, err := Dial(context.Background(), addr, DialConfig{Timeout: timeout, RetryInterval: retry})
	elapsed := time.Since(start)
	if !errors.Is(err, protocol.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if elapsed < timeout {
		t.Fatalf("dial gave up early: %v", elapsed)
	}
	// one retry interval plus scheduling slack
	if elapsed > timeout+retry+250*time.Millisecond {
		t.Fatalf("dial gave up late: %v", elapsed)
	}
}

func TestDialHonorsCancellation(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := Dial(ctx, unusedAddr(t), DialConfig{Timeout: 5 * time.Second, RetryInterval: 20 * time.Millisecond})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("cancellation ignored")
	}
}

func TestSendAndReadMessageRoundTrip(t *testing.T) {
	testlog.Start(t)
	conn, peer := tcpPair(t)
	remote := NewConn(peer, frame.DefaultLimits(), time.Second)

	req := packet.NewRequest(17, 3, protocol.OpLog)
	req.PushUint32(uint32(protocol.LogError))
	if err := req.PushString("hello"); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := conn.Send(req.Frame()); err != nil {
		t.Fatalf("send: %v", err)
	}

	fr, err := remote.ReadMessage(time.Second, time.Second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := packet.Parse(fr)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Channel != 17 || msg.Serial != 3 || msg.Op != protocol.OpLog {
		t.Fatalf("unexpected envelope: %+v", fr.Header)
	}
	if lvl, err := msg.PopUint32(); err != nil || protocol.LogLevel(lvl) != protocol.LogError {
		t.Fatalf("level got=%d err=%v", lvl, err)
	}
	if s, err := msg.PopString(); err != nil || s != "hello" {
		t.Fatalf("message got=%q err=%v", s, err)
	}
}

func TestReadMessageIdleIsSoft(t *testing.T) {
	testlog.Start(t)
	conn, peer := tcpPair(t)
	if _, err := conn.ReadMessage(20*time.Millisecond, time.Second); !errors.Is(err, ErrIdle) {
		t.Fatalf("expected ErrIdle, got %v", err)
	}

	// connection stays usable after an idle poll
	if _, err := peer.Write(frame.EncodeHeader(frame.Header{Channel: protocol.ChannelRequestedResponse, Serial: 8})); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	fr, err := conn.ReadMessage(time.Second, time.Second)
	if err != nil {
		t.Fatalf("read after idle: %v", err)
	}
	if fr.Header.Serial != 8 {
		t.Fatalf("unexpected serial: %d", fr.Header.Serial)
	}
}

func TestReadMessagePartialReadRetriedOnce(t *testing.T) {
	testlog.Start(t)
	conn, peer := tcpPair(t)
	wire := frame.EncodeHeader(frame.Header{Channel: protocol.ChannelRequestedResponse, Serial: 5})

	go func() {
		_, _ = peer.Write(wire[:2])
		time.Sleep(80 * time.Millisecond)
		_, _ = peer.Write(wire[2:])
	}()

	fr, err := conn.ReadMessage(30*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("read with partial retry: %v", err)
	}
	if fr.Header.Serial != 5 {
		t.Fatalf("unexpected serial: %d", fr.Header.Serial)
	}
}

func TestReadMessagePartialReadFatalAfterRetry(t *testing.T) {
	testlog.Start(t)
	conn, peer := tcpPair(t)
	if _, err := peer.Write([]byte{0, 0}); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	_, err := conn.ReadMessage(20*time.Millisecond, 20*time.Millisecond)
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestReadMessagePeerClosed(t *testing.T) {
	testlog.Start(t)
	conn, peer := tcpPair(t)
	_ = peer.Close()
	if _, err := conn.ReadMessage(time.Second, time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestReadMessagePayloadLimit(t *testing.T) {
	testlog.Start(t)
	conn, peer := tcpPair(t)
	conn.limits = frame.Limits{MaxPayloadBytes: 4}
	if _, err := peer.Write(frame.EncodeHeader(frame.Header{Channel: 20, Serial: 1, PayloadLen: 64})); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	if _, err := conn.ReadMessage(time.Second, time.Second); !errors.Is(err, frame.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}
