package terminal

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Registry tracks all live sessions and which one is active. The active id is
// a lookup key into the session map and is re-validated on every read.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	activeID string

	opts  SessionOptions
	newID func() string
}

// NewRegistry creates an empty Registry. opts are applied to every session it creates.
func NewRegistry(opts SessionOptions) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		opts:     opts,
		newID:    uuid.NewString,
	}
}

// Create spawns a new session, registers it and makes it the active session.
func (r *Registry) Create(cols, rows uint16, command string) (SessionInfo, error) {
	sess, err := r.create(cols, rows, command)
	if err != nil {
		return SessionInfo{}, err
	}
	return sess.Info(true), nil
}

func (r *Registry) create(cols, rows uint16, command string) (*Session, error) {
	sess, err := NewSession(r.newID(), cols, rows, command, r.opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.sessions[sess.id]; exists {
		r.mu.Unlock()
		_ = sess.Close()
		return nil, fmt.Errorf("terminal: session id %q already in use", sess.id)
	}
	r.sessions[sess.id] = sess
	r.activeID = sess.id
	r.mu.Unlock()

	return sess, nil
}

// Get returns the live session with the given id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Kill removes the session and tears down its terminal. If it was active, the
// most recently created remaining session becomes active, or none. The session
// is removed even when the returned teardown error is non-nil.
func (r *Registry) Kill(id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sess.markClosed()
	delete(r.sessions, id)
	if r.activeID == id {
		r.activeID = r.newestLocked()
	}
	r.mu.Unlock()

	return sess.Close()
}

func (r *Registry) newestLocked() string {
	var newest *Session
	for _, s := range r.sessions {
		if newest == nil || s.createdAt.After(newest.createdAt) {
			newest = s
		}
	}
	if newest == nil {
		return ""
	}
	return newest.id
}

// SetActive makes id the active session.
func (r *Registry) SetActive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.activeID = id
	return nil
}

// Active returns the active session, or nil if there is none.
func (r *Registry) Active() *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.activeID == "" {
		return nil
	}
	return r.sessions[r.activeID]
}

// ActiveID returns the active session id, if any.
func (r *Registry) ActiveID() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.sessions[r.activeID]; !ok {
		return "", false
	}
	return r.activeID, true
}

// List returns a snapshot of every live session, oldest first.
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	activeID := r.activeID
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].createdAt.Equal(sessions[j].createdAt) {
			return sessions[i].id < sessions[j].id
		}
		return sessions[i].createdAt.Before(sessions[j].createdAt)
	})

	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info(sess.id == activeID))
	}
	return infos
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close kills every live session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, sess := range r.sessions {
		sess.markClosed()
		sessions = append(sessions, sess)
		delete(r.sessions, id)
	}
	r.activeID = ""
	r.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.Close()
	}
}
