package addon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/danmuck/addonlink/internal/protocol"
	"github.com/danmuck/addonlink/internal/session"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotInitialized = errors.New("addon: not initialized")
	ErrAlreadyInit    = errors.New("addon: already initialized")
	ErrNoThread       = errors.New("addon: calling thread has no sub-session")
)

// Options configure an add-on.
type Options struct {
	Session    session.Config
	Properties session.Properties
	// FailFast exits the process when login fails or InitThread is called
	// from the main thread.
	FailFast bool
	// Exit replaces os.Exit for fail-fast exits.
	Exit func(code int)
}

// Addon owns the main session and the per-thread sub-sessions.
type Addon struct {
	opts Options

	mu      sync.Mutex
	main    *session.Session
	threads map[uint64]*session.Session
}

func New(opts Options) *Addon {
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	if opts.Properties.Version == "" {
		opts.Properties.Version = protocol.APIVersion
	}
	return &Addon{opts: opts, threads: make(map[uint64]*session.Session)}
}

// Init locks the calling goroutine to its OS thread and logs the main
// session in. That thread owns the main session until Finalize.
func (a *Addon) Init(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.main != nil {
		return ErrAlreadyInit
	}
	runtime.LockOSThread()
	s, err := session.Open(ctx, a.opts.Session, a.opts.Properties)
	if err != nil {
		runtime.UnlockOSThread()
		a.fatal("addon.Init login failed name=%q err=%v", a.opts.Properties.Name, err)
		return err
	}
	a.main = s
	return nil
}

// Main returns the main session, nil before Init.
func (a *Addon) Main() *session.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.main
}

// InitThread locks the calling goroutine to its OS thread and returns that
// thread's sub-session, creating it on first use.
func (a *Addon) InitThread(ctx context.Context) (*session.Session, error) {
	a.mu.Lock()
	main := a.main
	a.mu.Unlock()
	if main == nil {
		return nil, ErrNotInitialized
	}

	runtime.LockOSThread()
	tid := session.ThreadID()
	a.mu.Lock()
	if sub, ok := a.threads[tid]; ok {
		a.mu.Unlock()
		runtime.UnlockOSThread()
		return sub, nil
	}
	a.mu.Unlock()

	sub, err := main.InitThread(ctx)
	if err != nil {
		runtime.UnlockOSThread()
		if errors.Is(err, session.ErrMainThread) {
			a.fatal("addon.InitThread called from the main thread name=%q", a.opts.Properties.Name)
		}
		return nil, err
	}
	a.mu.Lock()
	a.threads[tid] = sub
	a.mu.Unlock()
	return sub, nil
}

// FinalizeThread releases the calling thread's sub-session and unlocks the
// goroutine from the thread.
func (a *Addon) FinalizeThread(ctx context.Context) error {
	tid := session.ThreadID()
	a.mu.Lock()
	sub, ok := a.threads[tid]
	delete(a.threads, tid)
	a.mu.Unlock()
	if !ok {
		return ErrNoThread
	}
	defer runtime.UnlockOSThread()
	return sub.Finalize(ctx)
}

// Session returns the session for the calling thread: its sub-session if it
// has one, otherwise the main session.
func (a *Addon) Session() (*session.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.main == nil {
		return nil, ErrNotInitialized
	}
	if sub, ok := a.threads[session.ThreadID()]; ok {
		return sub, nil
	}
	return a.main, nil
}

// Log forwards msg through the calling thread's session. Before Init it
// writes to the console.
func (a *Addon) Log(ctx context.Context, level protocol.LogLevel, msg string) error {
	s, err := a.Session()
	if err != nil {
		log.Info().Str("addon", a.opts.Properties.Name).Str("severity", level.String()).Msg(msg)
		return nil
	}
	return s.Log(ctx, level, msg)
}

func (a *Addon) Logf(ctx context.Context, level protocol.LogLevel, format string, args ...any) error {
	return a.Log(ctx, level, fmt.Sprintf(format, args...))
}

// Finalize finalizes every sub-session and then the main session.
func (a *Addon) Finalize(ctx context.Context) error {
	a.mu.Lock()
	main := a.main
	a.main = nil
	clear(a.threads)
	a.mu.Unlock()
	if main == nil {
		return ErrNotInitialized
	}
	defer runtime.UnlockOSThread()
	return main.Finalize(ctx)
}

func (a *Addon) fatal(format string, args ...any) {
	if !a.opts.FailFast {
		return
	}
	log.Error().Msgf(format, args...)
	a.opts.Exit(1)
}
