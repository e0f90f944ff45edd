package session

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/danmuck/addonlink/internal/host"
	"github.com/danmuck/addonlink/internal/protocol"
	"github.com/danmuck/addonlink/internal/testutil/testlog"
)

func TestConcurrentCallersReceiveOwnResponses(t *testing.T) {
	testlog.Start(t)

	srv := startHost(t, host.Config{SharedMemory: false, StrayResponses: 2})
	ctx := context.Background()
	s, err := Open(ctx, testConfig(srv.Addr(), t.TempDir()), Properties{Name: "demo"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Finalize(ctx)

	const callers, calls = 8, 20
	var wg sync.WaitGroup
	errs := make(chan error, callers*calls)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range calls {
				req := s.NewRequest(protocol.OpPing)
				resp, err := s.ReadResult(ctx, req)
				if err != nil {
					errs <- err
					return
				}
				if resp.Serial != req.Serial {
					t.Errorf("serial %d answered with %d", req.Serial, resp.Serial)
					return
				}
				if code, err := resp.PopCode(); err != nil || !code.OK() {
					t.Errorf("serial %d code=%v err=%v", req.Serial, code, err)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("read result: %v", err)
	}
	if !s.LoggedIn() {
		t.Fatalf("session lost during concurrent calls: %v", s.LastError())
	}
}

func TestReadSuccessLogsErrorName(t *testing.T) {
	out := testlog.Capture(t)

	srv := startHost(t, host.Config{SharedMemory: false, LogoutStatus: protocol.ErrInStatus})
	ctx := context.Background()
	s, err := Open(ctx, testConfig(srv.Addr(), t.TempDir()), Properties{Name: "demo"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Finalize(ctx); err == nil {
		t.Fatalf("expected logout status error")
	}

	var line string
	for _, l := range strings.Split(out.String(), "\n") {
		if strings.Contains(l, "session.ReadSuccess op=logout") {
			line = l
			break
		}
	}
	if line == "" {
		t.Fatalf("no ReadSuccess failure logged:\n%s", out.String())
	}
	if !strings.Contains(line, protocol.ErrInStatus.Name()) || !strings.Contains(line, `"level":"error"`) {
		t.Fatalf("unexpected ReadSuccess log line: %s", line)
	}
}
