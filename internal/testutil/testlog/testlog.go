package testlog

import (
	"bytes"
	"sync"
	"testing"

	"github.com/danmuck/addonlink/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Msgf("test=%s", t.Name())
}

// Buffer collects JSON log lines written during a test.
type Buffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Capture starts the test and routes the global logger into a Buffer as raw
// JSON until the test ends. Loggers derived before the call keep their old
// output.
func Capture(t *testing.T) *Buffer {
	t.Helper()
	Start(t)
	out := &Buffer{}
	prev := log.Logger
	log.Logger = zerolog.New(out)
	t.Cleanup(func() {
		log.Logger = prev
	})
	return out
}
