package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/addonlink/internal/observability"
	"github.com/danmuck/addonlink/internal/protocol"
	"github.com/danmuck/addonlink/internal/protocol/packet"
	"github.com/danmuck/addonlink/internal/transport/mailbox"
	"github.com/danmuck/addonlink/internal/transport/socket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HostInfo is what Login-Verify learned about the host.
type HostInfo struct {
	Connection       uint32
	APILevel         uint32
	Name             string
	Version          string
	SharedMemory     bool
	SharedMemorySize int
}

// Info is a point-in-time view of one session.
type Info struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Sub        bool      `json:"sub"`
	Thread     uint64    `json:"thread"`
	LoggedIn   bool      `json:"logged_in"`
	Transport  Kind      `json:"transport"`
	Host       HostInfo  `json:"host"`
	Children   int       `json:"children"`
	LoggedInAt time.Time `json:"logged_in_at"`
}

// link is one live socket plus the signal closed when its reader stops.
type link struct {
	conn *socket.Conn
	lost chan struct{}
	err  error
}

// Session is one logical connection, main or sub, to the host.
type Session struct {
	id     uuid.UUID
	cfg    Config
	props  Properties
	parent *Session
	owner  uint64
	logger zerolog.Logger

	// callMu serializes synchronous calls and mailbox use.
	callMu sync.Mutex
	serial atomic.Uint32

	mu         sync.RWMutex
	link       *link
	transport  Transport
	host       HostInfo
	loggedIn   bool
	// closing is set once Logout is under way; the host then closes the
	// socket and the reader must not treat that as a loss.
	closing    bool
	finalized  bool
	lastErr    error
	loggedInAt time.Time

	pendMu  sync.Mutex
	pending map[uint32]chan *packet.Message

	children *Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reconnecting atomic.Bool
}

// New builds a main session. Call Init from the thread that will own it.
func New(cfg Config, props Properties) *Session {
	return newSession(cfg.WithDefaults(), props, nil)
}

func newSession(cfg Config, props Properties, parent *Session) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New()
	s := &Session{
		id:      id,
		cfg:     cfg,
		props:   props,
		parent:  parent,
		pending: make(map[uint32]chan *packet.Message),
		ctx:     ctx,
		cancel:  cancel,
	}
	if parent == nil {
		s.children = NewRegistry()
	}
	s.logger = log.With().Str("session", id.String()[:8]).Str("addon", props.Name).Logger()
	return s
}

// Open builds a main session and logs it in.
func Open(ctx context.Context, cfg Config, props Properties) (*Session, error) {
	s := New(cfg, props)
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Init connects, runs Login-Verify and selects the transport. The calling OS
// thread becomes the owner of the main session. On failure the session is
// torn down and the error is also kept in LastError.
func (s *Session) Init(ctx context.Context) error {
	if strings.TrimSpace(s.props.Name) == "" {
		return s.fail(fmt.Errorf("%w: missing add-on name", ErrInvalidConfig))
	}
	if err := s.cfg.Validate(); err != nil {
		return s.fail(err)
	}
	s.owner = ThreadID()
	if err := s.connectAndLogin(ctx, false); err != nil {
		s.teardown()
		return s.fail(err)
	}
	s.logger.Info().Msgf("session.Init name=%q conn=%d level=%d host=%q transport=%s",
		s.props.Name, s.Connection(), s.host.APILevel, s.host.Name, s.TransportKind())
	return nil
}

func (s *Session) connectAndLogin(ctx context.Context, sub bool) error {
	conn, err := socket.Dial(ctx, s.cfg.Address, socket.DialConfig{
		Timeout:       s.cfg.ConnectTimeout,
		RetryInterval: s.cfg.RetryInterval,
		Limits:        s.cfg.Limits,
		WriteTimeout:  s.cfg.WriteTimeout,
	})
	if err != nil {
		return err
	}
	l := s.attach(conn)

	host, err := s.login(ctx, sub)
	if err != nil {
		s.dropLink(l, err)
		return err
	}

	var t Transport = &socketTransport{s: s}
	if host.SharedMemory && host.SharedMemorySize > 0 && !s.props.NetOnly {
		seg, err := mailbox.Open(s.cfg.ShmDir, host.Connection, host.SharedMemorySize)
		if err != nil {
			s.logger.Warn().Msgf("session.Init shared memory unavailable conn=%d err=%v", host.Connection, err)
		} else {
			t = newMailboxTransport(s, seg)
		}
	}
	s.bind(host, t)
	return nil
}

// attach starts the single reader for conn.
func (s *Session) attach(conn *socket.Conn) *link {
	l := &link{conn: conn, lost: make(chan struct{})}
	s.mu.Lock()
	s.link = l
	s.mu.Unlock()
	s.wg.Add(1)
	go s.readLoop(l)
	return l
}

// bind records the login result and selects t for the rest of the session.
func (s *Session) bind(host HostInfo, t Transport) {
	s.mu.Lock()
	s.host = host
	s.transport = t
	s.loggedIn = true
	s.loggedInAt = time.Now()
	s.mu.Unlock()
	if md, ok := t.(*mailboxTransport); ok {
		md.start()
	}
	observability.SessionUp("addon", s.role(), string(t.Kind()))
}

// login runs Login-Verify on the current link.
func (s *Session) login(ctx context.Context, sub bool) (HostInfo, error) {
	req := packet.NewRequest(0, s.nextSerial(), protocol.OpLoginVerify)
	req.PushUint32(protocol.APILevel)
	req.PushUint64(ThreadID())
	req.PushBool(s.props.Independent)
	if err := req.PushString(s.props.Name); err != nil {
		return HostInfo{}, fmt.Errorf("%w: name: %v", protocol.ErrArg, err)
	}
	if err := req.PushString(s.props.Version); err != nil {
		return HostInfo{}, fmt.Errorf("%w: version: %v", protocol.ErrArg, err)
	}
	req.PushBool(sub)
	req.PushBool(s.props.NetOnly)

	resp, err := s.ReadResult(ctx, req)
	if err != nil {
		return HostInfo{}, fmt.Errorf("session: login-verify: %w", errors.Join(protocol.ErrComm, err))
	}
	host, code, err := decodeLogin(resp)
	if err != nil {
		return HostInfo{}, fmt.Errorf("session: login-verify response unreadable: %w", errors.Join(protocol.ErrComm, err))
	}
	if !code.OK() {
		s.logger.Error().Msgf("session.login rejected status=%d (%s)", uint32(code), code.Name())
		return HostInfo{}, fmt.Errorf("session: login-verify rejected: %w", errors.Join(protocol.ErrUnknown, &StatusError{Op: protocol.OpLoginVerify, Code: code}))
	}
	if host.APILevel < protocol.APILevel {
		return HostInfo{}, fmt.Errorf("session: host level %d below required %d: %w", host.APILevel, protocol.APILevel, protocol.ErrRequest)
	}
	if host.Connection < protocol.MinConnection {
		return HostInfo{}, fmt.Errorf("session: host assigned reserved connection %d: %w", host.Connection, protocol.ErrComm)
	}
	return host, nil
}

func decodeLogin(resp *packet.Message) (HostInfo, protocol.Code, error) {
	code, err := resp.PopCode()
	if err != nil {
		return HostInfo{}, code, err
	}
	if !code.OK() {
		return HostInfo{}, code, nil
	}
	var host HostInfo
	conn, err := resp.PopInt()
	if err != nil {
		return HostInfo{}, code, err
	}
	host.Connection = uint32(conn)
	if host.APILevel, err = resp.PopUint32(); err != nil {
		return HostInfo{}, code, err
	}
	if host.Name, err = resp.PopString(); err != nil {
		return HostInfo{}, code, err
	}
	if host.Version, err = resp.PopString(); err != nil {
		return HostInfo{}, code, err
	}
	shm, err := resp.PopInt()
	if err != nil {
		return HostInfo{}, code, err
	}
	host.SharedMemory = shm != 0
	size, err := resp.PopInt()
	if err != nil {
		return HostInfo{}, code, err
	}
	host.SharedMemorySize = int(size)
	return host, code, nil
}

func (s *Session) nextSerial() uint32 {
	return s.serial.Add(1)
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	return err
}

// LastError returns the most recent login or transport failure.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *Session) ID() string {
	return s.id.String()
}

func (s *Session) Name() string {
	return s.props.Name
}

// Connection returns the host assigned connection number, 0 before login.
func (s *Session) Connection() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.host.Connection
}

func (s *Session) Host() HostInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.host
}

func (s *Session) LoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loggedIn
}

// IsSub reports whether s was created by InitThread.
func (s *Session) IsSub() bool {
	return s.parent != nil
}

func (s *Session) Parent() *Session {
	return s.parent
}

// Thread returns the OS thread id that owns s.
func (s *Session) Thread() uint64 {
	return s.owner
}

// TransportKind reports the transport bound at login.
func (s *Session) TransportKind() Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.transport == nil {
		return KindNone
	}
	return s.transport.Kind()
}

// Children lists live sub-sessions of a main session.
func (s *Session) Children() []*Session {
	if s.children == nil {
		return nil
	}
	return s.children.List()
}

func (s *Session) Info() Info {
	s.mu.RLock()
	info := Info{
		ID:         s.id.String(),
		Name:       s.props.Name,
		Sub:        s.parent != nil,
		Thread:     s.owner,
		LoggedIn:   s.loggedIn,
		Transport:  KindNone,
		Host:       s.host,
		LoggedInAt: s.loggedInAt,
	}
	if s.transport != nil {
		info.Transport = s.transport.Kind()
	}
	s.mu.RUnlock()
	if s.children != nil {
		info.Children = s.children.Len()
	}
	return info
}

func (s *Session) role() string {
	if s.parent != nil {
		return "sub"
	}
	return "main"
}

func (s *Session) current() (Transport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport, s.loggedIn
}

// unavailable reports why a session without a bound transport cannot serve
// a call.
func (s *Session) unavailable() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.finalized {
		return ErrFinalized
	}
	return ErrNotLoggedIn
}

// Ping checks liveness over the bound transport.
func (s *Session) Ping(ctx context.Context) error {
	t, ok := s.current()
	if !ok || t == nil {
		return s.unavailable()
	}
	return t.Ping(ctx)
}

// Log forwards msg to the host. Before login and after teardown it writes to
// the console instead. A failed forward, including a non-success status,
// falls back to the console and disconnects the session.
func (s *Session) Log(ctx context.Context, level protocol.LogLevel, msg string) error {
	t, ok := s.current()
	if !ok || t == nil {
		consoleLog(s.props.Name, level, msg)
		return nil
	}
	if err := t.Log(ctx, level, msg); err != nil {
		consoleLog(s.props.Name, level, msg)
		s.disconnect(err)
		return err
	}
	return nil
}

// Logf formats and forwards a log line.
func (s *Session) Logf(ctx context.Context, level protocol.LogLevel, format string, args ...any) error {
	return s.Log(ctx, level, fmt.Sprintf(format, args...))
}

func consoleLog(name string, level protocol.LogLevel, msg string) {
	var ev *zerolog.Event
	switch level {
	case protocol.LogDebug:
		ev = log.Debug()
	case protocol.LogInfo, protocol.LogNotice:
		ev = log.Info()
	case protocol.LogWarning:
		ev = log.Warn()
	default:
		ev = log.Error()
	}
	ev.Str("addon", name).Str("severity", level.String()).Msg(msg)
}

// InitThread creates a sub-session for the calling worker thread. It must not
// be called from the thread that owns the main session.
func (s *Session) InitThread(ctx context.Context) (*Session, error) {
	root := s.root()
	if ThreadID() == root.owner {
		return nil, ErrMainThread
	}
	t, ok := root.current()
	if !ok || t == nil {
		return nil, root.unavailable()
	}
	sub, err := t.InitThread(ctx)
	if err != nil {
		return nil, err
	}
	root.children.Add(sub)
	sub.logger.Info().Msgf("session.InitThread parent=%d conn=%d thread=%d transport=%s",
		root.Connection(), sub.Connection(), sub.owner, sub.TransportKind())
	return sub, nil
}

// FinalizeThread tears down sub through the transport that created it.
func (s *Session) FinalizeThread(ctx context.Context, sub *Session) error {
	root := s.root()
	if sub == nil || sub.parent != root {
		return ErrNotChild
	}
	if !root.children.Remove(sub) {
		return ErrNotChild
	}
	t, ok := root.current()
	if !ok || t == nil {
		sub.teardown()
		return nil
	}
	return t.FinalizeThread(ctx, sub)
}

func (s *Session) root() *Session {
	if s.parent != nil {
		return s.parent
	}
	return s
}

// Finalize pings, logs out and releases the transport. Sub-sessions are
// finalized through their parent. A main session finalizes leftover
// sub-sessions first. Teardown completes even if logout fails.
func (s *Session) Finalize(ctx context.Context) error {
	if s.parent != nil {
		err := s.parent.FinalizeThread(ctx, s)
		if errors.Is(err, ErrNotChild) {
			s.teardown()
			return nil
		}
		return err
	}
	for _, child := range s.children.List() {
		if err := s.FinalizeThread(ctx, child); err != nil {
			s.logger.Warn().Msgf("session.Finalize child conn=%d err=%v", child.Connection(), err)
		}
	}
	return s.finalizeOwn(ctx)
}

func (s *Session) finalizeOwn(ctx context.Context) error {
	t, ok := s.current()
	if !ok || t == nil {
		s.teardown()
		return nil
	}
	if err := t.Ping(ctx); err != nil {
		s.logger.Warn().Msgf("session.Finalize final ping conn=%d err=%v", s.Connection(), err)
	}
	err := s.logout(ctx)
	if err != nil {
		s.logger.Error().Msgf("session.Finalize logout conn=%d err=%v", s.Connection(), err)
	}
	s.teardown()
	s.logger.Info().Msgf("session.Finalize name=%q done", s.props.Name)
	return err
}

func (s *Session) logout(ctx context.Context) error {
	s.mu.Lock()
	hasLink := s.link != nil
	s.closing = hasLink
	s.mu.Unlock()
	if !hasLink {
		return nil
	}
	_, err := s.ReadSuccess(ctx, s.NewRequest(protocol.OpLogout))
	return err
}

// teardown stops background work and releases every resource. It is safe to
// call more than once.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return
	}
	s.finalized = true
	wasLoggedIn := s.loggedIn
	s.loggedIn = false
	t := s.transport
	l := s.link
	s.mu.Unlock()

	s.cancel()
	if l != nil {
		_ = l.conn.Close()
	}
	s.wg.Wait()
	if t != nil {
		if err := t.Close(); err != nil {
			s.logger.Warn().Msgf("session.teardown release transport=%s err=%v", t.Kind(), err)
		}
		if wasLoggedIn {
			observability.SessionDown("addon", s.role(), string(t.Kind()))
		}
	}
}

// disconnect drops the session after a transport failure. A socket-bound
// session hands the decision to its reader, which may reconnect.
func (s *Session) disconnect(cause error) {
	s.mu.RLock()
	l := s.link
	s.mu.RUnlock()
	if l != nil {
		s.dropLink(l, cause)
		return
	}
	s.lose(cause)
}

func (s *Session) dropLink(l *link, cause error) {
	s.mu.Lock()
	if l.err == nil {
		l.err = cause
	}
	s.mu.Unlock()
	_ = l.conn.Close()
}

// lose marks the session disconnected and tears it down in the background.
func (s *Session) lose(cause error) {
	s.mu.Lock()
	if !s.loggedIn || s.finalized || s.closing {
		s.mu.Unlock()
		return
	}
	s.lastErr = fmt.Errorf("%w: %v", ErrDisconnected, cause)
	s.mu.Unlock()
	s.logger.Error().Msgf("session.disconnect conn=%d err=%v", s.Connection(), cause)
	go s.teardown()
}
