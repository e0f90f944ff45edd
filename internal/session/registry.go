package session

import (
	"sort"
	"sync"
)

// Registry tracks the live sub-sessions of a main session.
type Registry struct {
	mu   sync.Mutex
	subs map[*Session]struct{}
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[*Session]struct{})}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.subs[s] = struct{}{}
	r.mu.Unlock()
}

// Remove reports whether s was registered.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[s]; !ok {
		return false
	}
	delete(r.subs, s)
	return true
}

// Get finds a sub-session by connection number.
func (r *Registry) Get(conn uint32) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for s := range r.subs {
		if s.Connection() == conn {
			return s, true
		}
	}
	return nil, false
}

// List returns the sub-sessions ordered by connection number.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.subs))
	for s := range r.subs {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Connection() < out[j].Connection()
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
