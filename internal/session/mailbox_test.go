//go:build unix

package session

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/danmuck/addonlink/internal/host"
	"github.com/danmuck/addonlink/internal/protocol"
	"github.com/danmuck/addonlink/internal/testutil/testlog"
	"github.com/danmuck/addonlink/internal/transport/mailbox"
)

func shmHost(t *testing.T) (*host.Server, string) {
	t.Helper()
	dir := t.TempDir()
	srv := startHost(t, host.Config{SharedMemory: true, SharedMemorySize: 64 * 1024, ShmDir: dir})
	return srv, dir
}

func TestInitBindsMailboxWhenHostOffersSharedMemory(t *testing.T) {
	testlog.Start(t)

	srv, dir := shmHost(t)
	ctx := context.Background()
	s, err := Open(ctx, testConfig(srv.Addr(), dir), Properties{Name: "demo"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.TransportKind() != KindMailbox {
		t.Fatalf("expected mailbox transport, got %s", s.TransportKind())
	}
	if h := s.Host(); !h.SharedMemory || h.SharedMemorySize != 64*1024 {
		t.Fatalf("unexpected host info: %+v", h)
	}

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := s.Log(ctx, protocol.LogError, "hello"); err != nil {
		t.Fatalf("log: %v", err)
	}
	logs := srv.RecentLogs(0)
	if len(logs) != 1 || logs[0].Message != "hello" || logs[0].Transport != "mailbox" {
		t.Fatalf("unexpected host logs: %+v", logs)
	}

	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := srv.PingAddon(pctx, s.Connection()); err != nil {
		t.Fatalf("host ping through mailbox: %v", err)
	}

	conn := s.Connection()
	if err := s.Finalize(ctx); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	waitFor(t, "segment removal", func() bool {
		_, err := os.Stat(mailbox.Path(dir, conn))
		return errors.Is(err, os.ErrNotExist)
	})
}

func TestNetOnlyIgnoresSharedMemory(t *testing.T) {
	testlog.Start(t)

	srv, dir := shmHost(t)
	ctx := context.Background()
	s, err := Open(ctx, testConfig(srv.Addr(), dir), Properties{Name: "demo", NetOnly: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Finalize(ctx)
	if s.TransportKind() != KindSocket {
		t.Fatalf("expected socket transport, got %s", s.TransportKind())
	}
}

func TestUnmappableSegmentFallsBackToSocket(t *testing.T) {
	testlog.Start(t)

	srv, dir := shmHost(t)
	cfg := testConfig(srv.Addr(), t.TempDir())
	ctx := context.Background()
	s, err := Open(ctx, cfg, Properties{Name: "demo"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Finalize(ctx)
	if s.TransportKind() != KindSocket {
		t.Fatalf("expected socket fallback, got %s", s.TransportKind())
	}
	if _, err := os.Stat(mailbox.Path(dir, s.Connection())); err != nil {
		t.Fatalf("host should still have created the segment: %v", err)
	}
	if err := s.Log(ctx, protocol.LogInfo, "over socket"); err != nil {
		t.Fatalf("log: %v", err)
	}
}

func TestMailboxSubSessionLifecycle(t *testing.T) {
	testlog.Start(t)

	srv, dir := shmHost(t)
	ctx := context.Background()
	var (
		s   *Session
		err error
	)
	onLockedThread(func() {
		s, err = Open(ctx, testConfig(srv.Addr(), dir), Properties{Name: "demo"})
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Finalize(ctx)

	var sub *Session
	onLockedThread(func() {
		sub, err = s.InitThread(ctx)
	})
	if err != nil {
		t.Fatalf("init thread: %v", err)
	}
	if sub.TransportKind() != KindMailbox || !sub.IsSub() {
		t.Fatalf("unexpected sub kind=%s sub=%v", sub.TransportKind(), sub.IsSub())
	}
	subConn := sub.Connection()
	if subConn < protocol.MinConnection || subConn == s.Connection() {
		t.Fatalf("bad sub connection %d", subConn)
	}
	info, ok := srv.Session(subConn)
	if !ok || info.Parent != s.Connection() {
		t.Fatalf("host child info ok=%v %+v", ok, info)
	}
	if err := sub.Log(ctx, protocol.LogInfo, "from worker"); err != nil {
		t.Fatalf("sub log: %v", err)
	}
	if err := sub.Ping(ctx); err != nil {
		t.Fatalf("sub ping: %v", err)
	}

	if err := sub.Finalize(ctx); err != nil {
		t.Fatalf("sub finalize: %v", err)
	}
	if sub.LoggedIn() {
		t.Fatalf("sub still logged in after finalize")
	}
	if err := s.LastError(); err != nil {
		t.Fatalf("parent recorded %v during sub finalize", err)
	}
	if _, ok := srv.Session(subConn); ok {
		t.Fatalf("host still has the child")
	}
	if _, err := os.Stat(mailbox.Path(dir, subConn)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("child segment not removed: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("parent unusable after sub finalize: %v", err)
	}
}

func TestMailboxFinalizeThreadReleasesChildWhenDeleteFails(t *testing.T) {
	testlog.Start(t)

	srv, dir := shmHost(t)
	ctx := context.Background()
	cfg := testConfig(srv.Addr(), dir)
	cfg.ResponseTimeout = 300 * time.Millisecond
	var (
		s   *Session
		err error
	)
	onLockedThread(func() {
		s, err = Open(ctx, cfg, Properties{Name: "demo"})
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Finalize(ctx)

	var sub *Session
	onLockedThread(func() {
		sub, err = s.InitThread(ctx)
	})
	if err != nil {
		t.Fatalf("init thread: %v", err)
	}
	if err := srv.Drop(sub.Connection()); err != nil {
		t.Fatalf("drop child: %v", err)
	}

	err = sub.Finalize(ctx)
	var status *StatusError
	if !errors.As(err, &status) || status.Op != protocol.OpDeleteSubThread || status.Code != protocol.ErrArg {
		t.Fatalf("expected DeleteSubThread StatusError, got %v", err)
	}
	if sub.LoggedIn() {
		t.Fatalf("child not released after failed delete")
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("parent unusable after failed delete: %v", err)
	}
	if err := s.LastError(); err != nil {
		t.Fatalf("parent recorded %v", err)
	}
}

func TestMailboxRejectedLogDisconnects(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	srv := startHost(t, host.Config{SharedMemory: true, SharedMemorySize: 64 * 1024, ShmDir: dir, LogStatus: protocol.ErrArg})
	ctx := context.Background()
	s, err := Open(ctx, testConfig(srv.Addr(), dir), Properties{Name: "demo"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Finalize(ctx)
	if s.TransportKind() != KindMailbox {
		t.Fatalf("expected mailbox transport, got %s", s.TransportKind())
	}

	err = s.Log(ctx, protocol.LogInfo, "rejected")
	var status *StatusError
	if !errors.As(err, &status) || status.Code != protocol.ErrArg {
		t.Fatalf("expected log StatusError, got %v", err)
	}
	waitFor(t, "disconnect after rejected log", func() bool {
		return !s.LoggedIn()
	})
	if !errors.Is(s.LastError(), ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected in LastError, got %v", s.LastError())
	}
}
