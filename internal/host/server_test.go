package host

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/addonlink/internal/protocol"
	"github.com/danmuck/addonlink/internal/protocol/frame"
	"github.com/danmuck/addonlink/internal/protocol/packet"
	"github.com/danmuck/addonlink/internal/testutil/testlog"
	"github.com/danmuck/addonlink/internal/transport/socket"
)

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1:0"
	if cfg.ShmDir == "" {
		cfg.ShmDir = t.TempDir()
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 20 * time.Millisecond
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = 2 * time.Second
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	return srv
}

// rawAddon drives the host with hand built packets.
type rawAddon struct {
	t      *testing.T
	conn   *socket.Conn
	serial uint32
}

func dialRaw(t *testing.T, addr string) *rawAddon {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn := socket.NewConn(c, frame.DefaultLimits(), time.Second)
	t.Cleanup(func() { _ = conn.Close() })
	return &rawAddon{t: t, conn: conn}
}

func (r *rawAddon) request(channel uint32, op protocol.OpCode) *packet.Request {
	r.serial++
	return packet.NewRequest(channel, r.serial, op)
}

// call sends req and returns the response for its serial, counting the
// responses skipped on the way.
func (r *rawAddon) call(req *packet.Request) (*packet.Message, int) {
	r.t.Helper()
	if err := r.conn.Send(req.Frame()); err != nil {
		r.t.Fatalf("send %s: %v", req.Op, err)
	}
	skipped := 0
	for {
		fr, err := r.conn.ReadMessage(2*time.Second, time.Second)
		if err != nil {
			r.t.Fatalf("read %s response: %v", req.Op, err)
		}
		msg, err := packet.Parse(fr)
		if err != nil {
			r.t.Fatalf("parse: %v", err)
		}
		if msg.IsResponse() && msg.Serial == req.Serial {
			return msg, skipped
		}
		skipped++
	}
}

type loginReply struct {
	code    protocol.Code
	conn    uint32
	level   uint32
	name    string
	version string
	shm     bool
	size    int32
}

func (r *rawAddon) login(name string, netOnly bool) loginReply {
	r.t.Helper()
	req := r.request(0, protocol.OpLoginVerify)
	req.PushUint32(protocol.APILevel)
	req.PushUint64(42)
	req.PushBool(false)
	_ = req.PushString(name)
	_ = req.PushString("1.0")
	req.PushBool(false)
	req.PushBool(netOnly)
	msg, _ := r.call(req)

	var out loginReply
	var err error
	if out.code, err = msg.PopCode(); err != nil {
		r.t.Fatalf("pop code: %v", err)
	}
	if !out.code.OK() {
		return out
	}
	conn, _ := msg.PopInt()
	out.conn = uint32(conn)
	out.level, _ = msg.PopUint32()
	out.name, _ = msg.PopString()
	out.version, _ = msg.PopString()
	shm, _ := msg.PopInt()
	out.shm = shm != 0
	out.size, err = msg.PopInt()
	if err != nil {
		r.t.Fatalf("login reply short: %v", err)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestLoginAssignsConnectionAndReportsHost(t *testing.T) {
	testlog.Start(t)

	srv := startServer(t, Config{Name: "Host", Version: "1.0", SharedMemory: false})
	raw := dialRaw(t, srv.Addr())

	got := raw.login("demo", false)
	if !got.code.OK() {
		t.Fatalf("login status %s", got.code.Name())
	}
	if got.conn < protocol.MinConnection {
		t.Fatalf("connection %d inside reserved range", got.conn)
	}
	if got.level != protocol.APILevel || got.name != "Host" || got.version != "1.0" || got.shm || got.size != 0 {
		t.Fatalf("unexpected login reply: %+v", got)
	}

	info, ok := srv.Session(got.conn)
	if !ok || info.Name != "demo" || info.Thread != 42 || info.Transport != "socket" {
		t.Fatalf("unexpected session info ok=%v %+v", ok, info)
	}
}

func TestLogIsDeliveredToSinkAndHistory(t *testing.T) {
	testlog.Start(t)

	var (
		mu   sync.Mutex
		seen []LogEntry
	)
	srv := startServer(t, Config{
		SharedMemory: false,
		Sink: func(e LogEntry) {
			mu.Lock()
			seen = append(seen, e)
			mu.Unlock()
		},
	})
	raw := dialRaw(t, srv.Addr())
	conn := raw.login("demo", false).conn

	req := raw.request(conn, protocol.OpLog)
	req.PushUint32(uint32(protocol.LogError))
	_ = req.PushString("hello")
	msg, _ := raw.call(req)
	if code, err := msg.PopCode(); err != nil || !code.OK() {
		t.Fatalf("log reply code=%v err=%v", code, err)
	}
	if msg.Remaining() != 0 {
		t.Fatalf("log reply should carry a single field, %d left", msg.Remaining())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0].Message != "hello" || seen[0].Level != protocol.LogError || seen[0].Connection != conn {
		t.Fatalf("unexpected sink entries: %+v", seen)
	}
	if h := srv.RecentLogs(0); len(h) != 1 || h[0].Addon != "demo" {
		t.Fatalf("unexpected history: %+v", h)
	}
}

func TestRequestOnForeignChannelIsRejected(t *testing.T) {
	testlog.Start(t)

	srv := startServer(t, Config{SharedMemory: false})
	raw := dialRaw(t, srv.Addr())

	msg, _ := raw.call(raw.request(77, protocol.OpPing))
	if code, _ := msg.PopCode(); code != protocol.ErrRequest {
		t.Fatalf("ping before login got %s", code.Name())
	}

	conn := raw.login("demo", false).conn
	msg, _ = raw.call(raw.request(conn+1, protocol.OpPing))
	if code, _ := msg.PopCode(); code != protocol.ErrComm {
		t.Fatalf("ping on foreign channel got %s", code.Name())
	}
	msg, _ = raw.call(raw.request(conn, protocol.OpCode(99)))
	if code, _ := msg.PopCode(); code != protocol.ErrOp {
		t.Fatalf("unknown op got %s", code.Name())
	}
}

func TestLogoutUnregistersAndHonorsForcedStatus(t *testing.T) {
	testlog.Start(t)

	srv := startServer(t, Config{SharedMemory: false, LogoutStatus: protocol.ErrInStatus})
	raw := dialRaw(t, srv.Addr())
	conn := raw.login("demo", false).conn

	msg, _ := raw.call(raw.request(conn, protocol.OpLogout))
	if code, _ := msg.PopCode(); code != protocol.ErrInStatus {
		t.Fatalf("logout got %s", code.Name())
	}
	waitFor(t, "unregister", func() bool {
		_, ok := srv.Session(conn)
		return !ok
	})
}

func TestStrayResponsesPrecedeReply(t *testing.T) {
	testlog.Start(t)

	srv := startServer(t, Config{SharedMemory: false, StrayResponses: 2})
	raw := dialRaw(t, srv.Addr())
	conn := raw.login("demo", false).conn

	_, skipped := raw.call(raw.request(conn, protocol.OpPing))
	if skipped != 2 {
		t.Fatalf("expected 2 stray responses, got %d", skipped)
	}
}

func TestPingAddonOverSocket(t *testing.T) {
	testlog.Start(t)

	srv := startServer(t, Config{SharedMemory: false})
	raw := dialRaw(t, srv.Addr())
	conn := raw.login("demo", false).conn

	answered := make(chan error, 1)
	go func() {
		fr, err := raw.conn.ReadMessage(2*time.Second, time.Second)
		if err != nil {
			answered <- err
			return
		}
		msg, err := packet.Parse(fr)
		if err != nil {
			answered <- err
			return
		}
		if msg.Channel != conn || msg.Op != protocol.OpPing {
			answered <- errors.New("unexpected host request")
			return
		}
		answered <- raw.conn.Send(packet.NewCodeReply(msg.Serial, protocol.Success).Frame())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.PingAddon(ctx, conn); err != nil {
		t.Fatalf("ping addon: %v", err)
	}
	if err := <-answered; err != nil {
		t.Fatalf("answer: %v", err)
	}
	if err := srv.PingAddon(ctx, 3); !errors.Is(err, ErrUnknownAddon) {
		t.Fatalf("expected ErrUnknownAddon, got %v", err)
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	testlog.Start(t)

	srv := startServer(t, Config{SharedMemory: false})
	raw := dialRaw(t, srv.Addr())
	conn := raw.login("demo", false).conn
	if len(srv.Sessions()) != 1 {
		t.Fatalf("expected one session, got %+v", srv.Sessions())
	}
	_ = raw.conn.Close()
	waitFor(t, "unregister", func() bool {
		_, ok := srv.Session(conn)
		return !ok
	})
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)

	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg.SharedMemorySize = 16
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	cfg = DefaultConfig()
	cfg.ListenAddr = "nope"
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
