package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/addonlink/internal/host"
	"github.com/danmuck/addonlink/internal/testutil/testlog"
)

func TestCleanFinalizeLeavesNoError(t *testing.T) {
	out := testlog.Capture(t)

	srv := startHost(t, host.Config{SharedMemory: false})
	ctx := context.Background()
	for i := range 10 {
		cfg := testConfig(srv.Addr(), t.TempDir())
		cfg.Reconnect = i%2 == 0
		s, err := Open(ctx, cfg, Properties{Name: "demo"})
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if err := s.Finalize(ctx); err != nil {
			t.Fatalf("finalize %d: %v", i, err)
		}
		time.Sleep(20 * time.Millisecond)
		if err := s.LastError(); err != nil {
			t.Fatalf("round %d: clean finalize recorded %v", i, err)
		}
	}
	if strings.Contains(out.String(), "session.disconnect") || strings.Contains(out.String(), "session.reconnect") {
		t.Fatalf("clean finalize reported a connection loss:\n%s", out.String())
	}
}
