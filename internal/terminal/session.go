package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/user/termcore/internal/pty"
)

var (
	// ErrNotFound is returned when an operation names a session that is not live.
	ErrNotFound = errors.New("terminal: session not found")
	// ErrSessionClosed is returned by Write and Resize once a session has been killed.
	ErrSessionClosed = errors.New("terminal: session is closed")
	// ErrInvalidSize is returned for non-positive or out-of-range dimensions.
	ErrInvalidSize = errors.New("terminal: invalid terminal size")
)

// SessionInfo is a read-only snapshot of a session, computed on every query.
type SessionInfo struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	// CreatedAt is in unix seconds.
	CreatedAt int64  `json:"created_at"`
	IsActive  bool   `json:"is_active"`
	Shell     string `json:"shell"`
	Cwd       string `json:"cwd"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// SessionOptions carries the process defaults applied to every new session.
type SessionOptions struct {
	Shell        string
	Dir          string
	Env          []string
	OutputBuffer int
	ReadChunk    int
}

// process is the terminal a Session drives; *pty.Process in production.
type process interface {
	Write(data []byte) error
	Resize(cols, rows uint16) error
	Shell() string
	Dir() string
	Close() error
}

// Session is one PTY-backed process plus its identity and output stream.
// It is shared between the registry and the session's forwarding loop.
type Session struct {
	id        string
	title     string
	createdAt time.Time

	mu     sync.Mutex
	proc   process
	cols   uint16
	rows   uint16
	closed bool

	out      <-chan []byte
	consumer chan struct{}
}

// NewSession spawns a terminal of the given size. An empty command starts the
// configured interactive shell.
func NewSession(id string, cols, rows uint16, command string, opts SessionOptions) (*Session, error) {
	proc, out, err := pty.Spawn(pty.SpawnOptions{
		Cols:         cols,
		Rows:         rows,
		Command:      command,
		Shell:        opts.Shell,
		Dir:          opts.Dir,
		Env:          opts.Env,
		OutputBuffer: opts.OutputBuffer,
		ReadChunk:    opts.ReadChunk,
	})
	if err != nil {
		return nil, err
	}

	return &Session{
		id:        id,
		title:     sessionTitle(id),
		createdAt: time.Now(),
		proc:      proc,
		cols:      cols,
		rows:      rows,
		out:       out,
		consumer:  make(chan struct{}, 1),
	}, nil
}

func sessionTitle(id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return "Session " + id
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Title returns the human-readable session title.
func (s *Session) Title() string { return s.title }

// Write sends raw input bytes to the terminal.
func (s *Session) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	return s.proc.Write(data)
}

// Resize changes the terminal window size.
func (s *Session) Resize(cols, rows uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if err := s.proc.Resize(cols, rows); err != nil {
		return err
	}
	s.cols = cols
	s.rows = rows
	return nil
}

// NextOutput blocks until the next output chunk is available. It returns
// io.EOF once the stream has permanently ended, or ctx.Err() if ctx is done
// first. Only one caller may wait at a time; a second concurrent caller waits
// for the first to return.
func (s *Session) NextOutput(ctx context.Context) ([]byte, error) {
	select {
	case s.consumer <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.consumer }()

	select {
	case chunk, ok := <-s.out:
		if !ok {
			return nil, io.EOF
		}
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Info projects the session into a SessionInfo.
func (s *Session) Info(isActive bool) SessionInfo {
	s.mu.Lock()
	cols, rows := s.cols, s.rows
	s.mu.Unlock()

	return SessionInfo{
		ID:        s.id,
		Title:     s.title,
		CreatedAt: s.createdAt.Unix(),
		IsActive:  isActive,
		Shell:     s.proc.Shell(),
		Cwd:       s.proc.Dir(),
		Cols:      int(cols),
		Rows:      int(rows),
	}
}

// markClosed rejects all further writes and resizes without tearing down
// the process.
func (s *Session) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Close marks the session closed and releases its terminal. The child is
// signalled but not waited for.
func (s *Session) Close() error {
	s.markClosed()
	if err := s.proc.Close(); err != nil {
		return fmt.Errorf("close session %s: %w", s.id, err)
	}
	return nil
}
