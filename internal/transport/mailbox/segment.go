package mailbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unsafe"

	"github.com/danmuck/addonlink/internal/transport"
)

var (
	// ErrUnsupported is returned on platforms without shared file mappings.
	ErrUnsupported = errors.New("mailbox: shared memory unsupported on this platform")
	ErrClosed      = errors.New("mailbox: segment closed")
)

// DefaultWaitBackoff paces turn probes: fast at first, then settling at a
// poll interval cheap enough for idle dispatch loops.
func DefaultWaitBackoff() transport.BackoffConfig {
	return transport.BackoffConfig{
		InitialDelay: 20 * time.Microsecond,
		Multiplier:   2.0,
		MaxDelay:     2 * time.Millisecond,
	}
}

// Wait blocks until the turn is posted, probing with backoff between
// attempts, or until ctx is done.
func (t Turn) Wait(ctx context.Context, backoff transport.BackoffConfig) error {
	for attempt := 1; ; attempt++ {
		if t.TryWait() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := transport.Sleep(ctx, backoff.Delay(attempt)); err != nil {
			return err
		}
	}
}

// Segment is one mapped mailbox region shared by an add-on session and the
// host.
type Segment struct {
	conn  uint32
	path  string
	mem   []byte
	unmap func([]byte) error

	addonToHost *Slot
	hostToAddon *Slot

	closeOnce sync.Once
	closeErr  error
}

// Path returns the backing file for connection conn under dir.
func Path(dir string, conn uint32) string {
	return filepath.Join(dir, fmt.Sprintf("addonlink-%d.shm", conn))
}

// DefaultDir prefers tmpfs when it exists.
func DefaultDir() string {
	if st, err := os.Stat("/dev/shm"); err == nil && st.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Create makes and maps a fresh segment file for conn. The host owns the
// file and removes it with Remove.
func Create(dir string, conn uint32, size int) (*Segment, error) {
	if size < MinSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrSegmentTooSmall, size, MinSize)
	}
	path := Path(dir, conn)
	mem, err := mapFile(path, size, true)
	if err != nil {
		return nil, err
	}
	seg, err := newSegment(mem, conn, path, unmapFile)
	if err != nil {
		_ = unmapFile(mem)
		_ = os.Remove(path)
		return nil, err
	}
	formatHeader(mem, conn)
	return seg, nil
}

// Open maps an existing segment for conn, checking its size and header.
func Open(dir string, conn uint32, size int) (*Segment, error) {
	if size < MinSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrSegmentTooSmall, size, MinSize)
	}
	path := Path(dir, conn)
	mem, err := mapFile(path, size, false)
	if err != nil {
		return nil, err
	}
	if err := checkHeader(mem, conn); err != nil {
		_ = unmapFile(mem)
		return nil, err
	}
	return newSegment(mem, conn, path, unmapFile)
}

// NewMemory builds a formatted in-process segment over mem.
func NewMemory(mem []byte, conn uint32) (*Segment, error) {
	seg, err := newSegment(mem, conn, "", nil)
	if err != nil {
		return nil, err
	}
	formatHeader(mem, conn)
	return seg, nil
}

func newSegment(mem []byte, conn uint32, path string, unmap func([]byte) error) (*Segment, error) {
	if len(mem) < MinSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrSegmentTooSmall, len(mem), MinSize)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%8 != 0 {
		return nil, ErrUnaligned
	}
	slot := slotSize(len(mem))
	a := HeaderSize
	b := a + slot
	return &Segment{
		conn:        conn,
		path:        path,
		mem:         mem,
		unmap:       unmap,
		addonToHost: newSlot(mem[a:b:b]),
		hostToAddon: newSlot(mem[b : b+slot : b+slot]),
	}, nil
}

func (s *Segment) Connection() uint32 {
	return s.conn
}

func (s *Segment) Size() int {
	return len(s.mem)
}

func (s *Segment) Path() string {
	return s.path
}

// AddonToHost carries add-on originated messages.
func (s *Segment) AddonToHost() *Slot {
	return s.addonToHost
}

// HostToAddon carries host originated messages.
func (s *Segment) HostToAddon() *Slot {
	return s.hostToAddon
}

// Close unmaps the segment. It is safe to call more than once.
func (s *Segment) Close() error {
	s.closeOnce.Do(func() {
		if s.unmap != nil {
			s.closeErr = s.unmap(s.mem)
		}
	})
	return s.closeErr
}

// Remove unlinks the backing file.
func (s *Segment) Remove() error {
	if s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Exchange posts the prepared message and waits for the reply. An error
// leaves the slot out of step with its peer; callers drop the mailbox.
func (s *Slot) Exchange(ctx context.Context, backoff transport.BackoffConfig) error {
	s.Request.Post()
	return s.Response.Wait(ctx, backoff)
}
