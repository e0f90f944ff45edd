package host

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/addonlink/internal/observability"
	"github.com/danmuck/addonlink/internal/protocol"
	"github.com/danmuck/addonlink/internal/transport/mailbox"
	"github.com/danmuck/addonlink/internal/transport/socket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotListening = errors.New("host: not listening")
	ErrUnknownAddon = errors.New("host: unknown connection")
	ErrClosed       = errors.New("host: closed")
)

// SessionInfo is the host's view of one logged in add-on connection.
type SessionInfo struct {
	Connection  uint32    `json:"connection"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	APILevel    uint32    `json:"api_level"`
	Thread      uint64    `json:"thread"`
	Sub         bool      `json:"sub"`
	Independent bool      `json:"independent"`
	NetOnly     bool      `json:"net_only"`
	Parent      uint32    `json:"parent,omitempty"`
	Transport   string    `json:"transport"`
	ConnectedAt time.Time `json:"connected_at"`
}

// addon is one logged in connection. Socket-less mailbox children have a nil
// client.
type addon struct {
	info   SessionInfo
	client *client
	seg    *mailbox.Segment

	// bound is set once the add-on has used its mailbox.
	bound atomic.Bool
	// hostMu serializes use of the HostToAddon slot.
	hostMu   sync.Mutex
	released bool
	stop   context.CancelFunc
	done   chan struct{}
}

// Server is the host endpoint.
type Server struct {
	cfg    Config
	logger zerolog.Logger
	logs   *logRing

	mu     sync.RWMutex
	ln     net.Listener
	addons map[uint32]*addon
	closed bool

	clientsMu sync.Mutex
	clients   map[*client]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) (*Server, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		logger:  log.With().Str("component", "host").Logger(),
		logs:    newLogRing(cfg.LogHistory),
		addons:  make(map[uint32]*addon),
		clients: make(map[*client]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (s *Server) Config() Config {
	return s.cfg
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info().Msgf("host.Listen addr=%q shm=%v size=%d", ln.Addr().String(), s.cfg.SharedMemory, s.cfg.SharedMemorySize)
	return nil
}

// Addr returns the bound address, empty before Listen.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve accepts add-on connections until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.RLock()
	ln := s.ln
	s.mu.RUnlock()
	if ln == nil {
		return ErrNotListening
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		c := newClient(s, socket.NewConn(conn, s.cfg.Limits, s.cfg.WriteTimeout))
		if !s.track(c) {
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		go c.run()
	}
}

// Close stops accepting, drops every client and removes all segments.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	s.mu.Unlock()

	s.cancel()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.clientsMu.Lock()
	for c := range s.clients {
		_ = c.conn.Close()
	}
	s.clientsMu.Unlock()
	s.wg.Wait()

	s.mu.Lock()
	left := make([]*addon, 0, len(s.addons))
	for _, a := range s.addons {
		if a != nil {
			left = append(left, a)
		}
	}
	s.mu.Unlock()
	for _, a := range left {
		s.unregister(a, "host closed")
	}
	s.logger.Info().Msg("host.Close done")
	return err
}

func (s *Server) track(c *client) bool {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return false
	}
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
	return true
}

func (s *Server) untrack(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
}

// Sessions lists logged in connections ordered by connection number.
func (s *Server) Sessions() []SessionInfo {
	s.mu.RLock()
	out := make([]SessionInfo, 0, len(s.addons))
	for _, a := range s.addons {
		if a != nil {
			out = append(out, a.info)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Connection < out[j].Connection })
	return out
}

// Session looks up one connection.
func (s *Server) Session(conn uint32) (SessionInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.addons[conn]
	if !ok || a == nil {
		return SessionInfo{}, false
	}
	return a.info, true
}

// RecentLogs returns up to limit forwarded log lines, oldest first.
func (s *Server) RecentLogs(limit int) []LogEntry {
	return s.logs.recent(limit)
}

// PingAddon sends a host initiated ping over the add-on's bound transport.
func (s *Server) PingAddon(ctx context.Context, conn uint32) error {
	s.mu.RLock()
	a, ok := s.addons[conn]
	s.mu.RUnlock()
	if !ok || a == nil {
		return fmt.Errorf("%w: %d", ErrUnknownAddon, conn)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ResponseTimeout)
	defer cancel()
	if a.seg != nil && (a.client == nil || a.bound.Load()) {
		return s.pingMailbox(ctx, a)
	}
	return a.client.ping(ctx, conn)
}

// Drop closes the socket of a logged in connection without a logout. The
// add-on sees a lost connection.
func (s *Server) Drop(conn uint32) error {
	s.mu.RLock()
	a, ok := s.addons[conn]
	s.mu.RUnlock()
	if !ok || a == nil {
		return fmt.Errorf("%w: %d", ErrUnknownAddon, conn)
	}
	if a.client == nil {
		s.unregister(a, "dropped")
		return nil
	}
	s.logger.Warn().Msgf("host.Drop conn=%d name=%q", conn, a.info.Name)
	return a.client.conn.Close()
}

// allocate reserves a fresh connection number. want, when not zero, asks for
// a specific number.
func (s *Server) allocate(want uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if want != 0 {
		if want < protocol.MinConnection {
			return 0, fmt.Errorf("host: connection %d is reserved", want)
		}
		if _, taken := s.addons[want]; taken {
			return 0, fmt.Errorf("host: connection %d in use", want)
		}
		s.addons[want] = nil
		return want, nil
	}
	for {
		conn := protocol.MinConnection + rand.Uint32N(1<<30)
		if _, taken := s.addons[conn]; !taken {
			s.addons[conn] = nil
			return conn, nil
		}
	}
}

// release drops a reservation that never became a session.
func (s *Server) release(conn uint32) {
	s.mu.Lock()
	if a, ok := s.addons[conn]; ok && a == nil {
		delete(s.addons, conn)
	}
	s.mu.Unlock()
}

// register publishes a and starts its mailbox server when it has a segment.
func (s *Server) register(a *addon) {
	if a.seg != nil {
		ctx, stop := context.WithCancel(s.ctx)
		a.stop = stop
		a.done = make(chan struct{})
		go s.serveMailbox(ctx, a)
	}
	s.mu.Lock()
	s.addons[a.info.Connection] = a
	s.mu.Unlock()
	observability.SessionUp("host", roleOf(a.info.Sub), a.link())
	s.logger.Info().Msgf("host.register conn=%d name=%q sub=%v transport=%s", a.info.Connection, a.info.Name, a.info.Sub, a.info.Transport)
}

// unregister removes a and its mailbox children and releases their segments.
func (s *Server) unregister(a *addon, reason string) {
	s.mu.Lock()
	cur, ok := s.addons[a.info.Connection]
	if !ok || cur != a {
		s.mu.Unlock()
		return
	}
	delete(s.addons, a.info.Connection)
	var children []*addon
	for _, child := range s.addons {
		if child != nil && child.client == nil && child.info.Parent == a.info.Connection {
			children = append(children, child)
		}
	}
	s.mu.Unlock()

	for _, child := range children {
		s.unregister(child, reason)
	}
	s.releaseSegment(a)
	observability.SessionDown("host", roleOf(a.info.Sub), a.link())
	s.logger.Info().Msgf("host.unregister conn=%d name=%q reason=%s", a.info.Connection, a.info.Name, reason)
}

func (s *Server) releaseSegment(a *addon) {
	if a.seg == nil {
		return
	}
	if a.stop != nil {
		a.stop()
		<-a.done
	}
	a.hostMu.Lock()
	a.released = true
	err := a.seg.Close()
	a.hostMu.Unlock()
	if err != nil {
		s.logger.Warn().Msgf("host.release unmap conn=%d err=%v", a.info.Connection, err)
	}
	if err := a.seg.Remove(); err != nil {
		s.logger.Warn().Msgf("host.release remove conn=%d err=%v", a.info.Connection, err)
	}
}

func (s *Server) deliverLog(a *addon, level protocol.LogLevel, msg, transport string) {
	e := LogEntry{
		Connection: a.info.Connection,
		Addon:      a.info.Name,
		Level:      level,
		Message:    msg,
		Transport:  transport,
		At:         time.Now(),
	}
	s.logs.add(e)
	if s.cfg.Sink != nil {
		s.cfg.Sink(e)
	}
	var ev *zerolog.Event
	switch {
	case level <= protocol.LogDebug:
		ev = s.logger.Debug()
	case level <= protocol.LogNotice:
		ev = s.logger.Info()
	case level == protocol.LogWarning:
		ev = s.logger.Warn()
	default:
		ev = s.logger.Error()
	}
	ev.Uint32("conn", e.Connection).Str("addon", e.Addon).Str("level", level.String()).Msg(msg)
}

// link names the connection the add-on logged in over.
func (a *addon) link() string {
	if a.client != nil {
		return "socket"
	}
	return "mailbox"
}

func roleOf(sub bool) string {
	if sub {
		return "sub"
	}
	return "main"
}

func statusLabel(code protocol.Code) string {
	if code.OK() {
		return "ok"
	}
	return "error"
}
