package session

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/danmuck/addonlink/internal/protocol"
	"github.com/danmuck/addonlink/internal/protocol/frame"
	"github.com/danmuck/addonlink/internal/transport"
	"github.com/danmuck/addonlink/internal/transport/mailbox"
)

// Properties describe the add-on during Login-Verify.
type Properties struct {
	Name        string
	Version     string
	Independent bool
	// NetOnly forbids the shared mailbox even if the host offers it.
	NetOnly bool
}

// Config defines transport/session reliability defaults.
type Config struct {
	Address        string
	ConnectTimeout time.Duration
	RetryInterval  time.Duration
	// PollTimeout bounds each idle read of the background reader.
	PollTimeout time.Duration
	// DataTimeout bounds the header and payload reads of one message.
	DataTimeout time.Duration
	// ResponseTimeout bounds one synchronous call from transmit to response.
	ResponseTimeout time.Duration
	WriteTimeout    time.Duration
	Limits          frame.Limits
	ShmDir          string
	Reconnect       bool
	Backoff         transport.BackoffConfig
	MailboxBackoff  transport.BackoffConfig
}

// DefaultConfig returns defaults for a host on the local machine.
func DefaultConfig() Config {
	return Config{
		Address:         net.JoinHostPort("127.0.0.1", strconv.Itoa(protocol.ConnectionPort)),
		ConnectTimeout:  protocol.ConnectionTimeout,
		RetryInterval:   100 * time.Millisecond,
		PollTimeout:     250 * time.Millisecond,
		DataTimeout:     5 * time.Second,
		ResponseTimeout: 10 * time.Second,
		WriteTimeout:    10 * time.Second,
		Limits:          frame.DefaultLimits(),
		ShmDir:          mailbox.DefaultDir(),
		Reconnect:       false,
		Backoff: transport.BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		MailboxBackoff: mailbox.DefaultWaitBackoff(),
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Address == "" {
		c.Address = def.Address
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = def.RetryInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = def.PollTimeout
	}
	if c.DataTimeout <= 0 {
		c.DataTimeout = def.DataTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = def.ResponseTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = def.Limits
	}
	if c.ShmDir == "" {
		c.ShmDir = def.ShmDir
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	if c.MailboxBackoff.InitialDelay <= 0 {
		c.MailboxBackoff = def.MailboxBackoff
	}
	return c
}

func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return fmt.Errorf("%w: address %q: %v", ErrInvalidConfig, c.Address, err)
	}
	if c.PollTimeout > c.ResponseTimeout {
		return fmt.Errorf("%w: poll timeout %v exceeds response timeout %v", ErrInvalidConfig, c.PollTimeout, c.ResponseTimeout)
	}
	return nil
}
