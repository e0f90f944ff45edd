package host

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/addonlink/internal/protocol"
	"github.com/danmuck/addonlink/internal/protocol/frame"
	"github.com/danmuck/addonlink/internal/transport"
	"github.com/danmuck/addonlink/internal/transport/mailbox"
)

var ErrInvalidConfig = errors.New("host: invalid config")

// Config defines the host endpoint and the values it reports at login.
type Config struct {
	ListenAddr string
	Name       string
	Version    string
	// APILevel is the level reported to add-ons.
	APILevel uint32

	SharedMemory     bool
	SharedMemorySize int
	ShmDir           string

	PollTimeout     time.Duration
	DataTimeout     time.Duration
	WriteTimeout    time.Duration
	ResponseTimeout time.Duration
	Limits          frame.Limits
	MailboxBackoff  transport.BackoffConfig

	// LogHistory bounds the retained add-on log lines.
	LogHistory int
	Sink       LogSink

	// LogoutStatus, when not Success, is answered to every Logout.
	LogoutStatus protocol.Code
	// LogStatus, when not Success, rejects every Log without recording it.
	LogStatus protocol.Code
	// StrayResponses is the number of unmatched responses written ahead of
	// every reply.
	StrayResponses int
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:       net.JoinHostPort("127.0.0.1", strconv.Itoa(protocol.ConnectionPort)),
		Name:             "addonlink-host",
		Version:          protocol.APIVersion,
		APILevel:         protocol.APILevel,
		SharedMemory:     true,
		SharedMemorySize: mailbox.DefaultSize,
		ShmDir:           mailbox.DefaultDir(),
		PollTimeout:      250 * time.Millisecond,
		DataTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		ResponseTimeout:  10 * time.Second,
		Limits:           frame.DefaultLimits(),
		MailboxBackoff:   mailbox.DefaultWaitBackoff(),
		LogHistory:       256,
	}
}

// WithDefaults fills zero fields from DefaultConfig. SharedMemory is kept
// as given.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = def.ListenAddr
	}
	if strings.TrimSpace(c.Name) == "" {
		c.Name = def.Name
	}
	if strings.TrimSpace(c.Version) == "" {
		c.Version = def.Version
	}
	if c.APILevel == 0 {
		c.APILevel = def.APILevel
	}
	if c.SharedMemorySize == 0 {
		c.SharedMemorySize = def.SharedMemorySize
	}
	if c.ShmDir == "" {
		c.ShmDir = def.ShmDir
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = def.PollTimeout
	}
	if c.DataTimeout <= 0 {
		c.DataTimeout = def.DataTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = def.ResponseTimeout
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = def.Limits
	}
	if c.MailboxBackoff.InitialDelay <= 0 {
		c.MailboxBackoff = def.MailboxBackoff
	}
	if c.LogHistory <= 0 {
		c.LogHistory = def.LogHistory
	}
	return c
}

func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("%w: listen address %q: %v", ErrInvalidConfig, c.ListenAddr, err)
	}
	if c.SharedMemory && c.SharedMemorySize < mailbox.MinSize {
		return fmt.Errorf("%w: shared memory size %d below %d", ErrInvalidConfig, c.SharedMemorySize, mailbox.MinSize)
	}
	if c.StrayResponses < 0 {
		return fmt.Errorf("%w: negative stray responses", ErrInvalidConfig)
	}
	return nil
}
