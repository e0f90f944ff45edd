package host

import (
	"sync"
	"time"

	"github.com/danmuck/addonlink/internal/protocol"
)

// LogEntry is one log line forwarded by an add-on.
type LogEntry struct {
	Connection uint32            `json:"connection"`
	Addon      string            `json:"addon"`
	Level      protocol.LogLevel `json:"level"`
	Message    string            `json:"message"`
	Transport  string            `json:"transport"`
	At         time.Time         `json:"at"`
}

// LogSink receives every forwarded add-on log line.
type LogSink func(LogEntry)

// logRing keeps the most recent entries.
type logRing struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	full    bool
}

func newLogRing(size int) *logRing {
	return &logRing{entries: make([]LogEntry, size)}
}

func (r *logRing) add(e LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// recent returns up to limit entries, oldest first. limit <= 0 returns all.
func (r *logRing) recent(limit int) []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []LogEntry
	if r.full {
		out = append(out, r.entries[r.next:]...)
	}
	out = append(out, r.entries[:r.next]...)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
