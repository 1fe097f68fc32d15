package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Lifecycle event kinds recorded in the Journal.
const (
	LifecycleCreated = "created"
	LifecycleResized = "resized"
	LifecycleKilled  = "killed"
	LifecycleExited  = "exited"
)

// LifecycleEvent describes one state change of a session.
type LifecycleEvent struct {
	SessionID string
	Kind      string
	Detail    string
	At        time.Time
}

// Journal records session lifecycle events. It is an audit trail only and is
// never used to restore sessions.
type Journal interface {
	Record(ctx context.Context, ev LifecycleEvent) error
}

// Observer is notified of inbound operations, typically to update metrics.
type Observer interface {
	SessionCreated(info SessionInfo)
	SessionKilled(id string)
	InputWritten(id string, n int)
}

// ServiceOptions configures a Service. Every field is optional.
type ServiceOptions struct {
	Session  SessionOptions
	Sink     EventSink
	Journal  Journal
	Observer Observer
	Logger   *slog.Logger
}

// Service exposes the terminal operations used by the transports. It owns the
// Registry and runs one forwarding loop per created session.
type Service struct {
	registry *Registry
	sink     EventSink
	journal  Journal
	observer Observer
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a Service with an empty registry.
func NewService(opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := opts.Sink
	if sink == nil {
		sink = MultiSink(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		registry: NewRegistry(opts.Session),
		sink:     sink,
		journal:  opts.Journal,
		observer: opts.Observer,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func validateSize(cols, rows int) (uint16, uint16, error) {
	if cols <= 0 || rows <= 0 || cols > math.MaxUint16 || rows > math.MaxUint16 {
		return 0, 0, fmt.Errorf("%w: %dx%d", ErrInvalidSize, cols, rows)
	}
	return uint16(cols), uint16(rows), nil
}

// CreateSession spawns a session, makes it active and starts forwarding its
// output to the sink.
func (s *Service) CreateSession(ctx context.Context, cols, rows int, command string) (SessionInfo, error) {
	c, r, err := validateSize(cols, rows)
	if err != nil {
		return SessionInfo{}, err
	}

	sess, err := s.registry.create(c, r, command)
	if err != nil {
		s.logger.Error("failed to create terminal session", "cols", cols, "rows", rows, "error", err)
		return SessionInfo{}, err
	}
	info := sess.Info(true)

	s.logger.Info("terminal session created", "session", info.ID, "shell", info.Shell, "cols", cols, "rows", rows)
	s.record(ctx, info.ID, LifecycleCreated, strings.TrimSpace(fmt.Sprintf("%dx%d %s", cols, rows, command)))
	if s.observer != nil {
		s.observer.SessionCreated(info)
	}

	s.wg.Add(1)
	go s.forward(sess)
	return info, nil
}

func (s *Service) forward(sess *Session) {
	defer s.wg.Done()

	stats, err := Forward(s.ctx, sess, s.sink)
	if err != nil {
		s.logger.Debug("forwarding stopped", "session", sess.id, "error", err)
		return
	}
	s.logger.Info("terminal session ended", "session", sess.id, "chunks", stats.Chunks, "output", humanize.Bytes(stats.Bytes))
	s.record(context.Background(), sess.id, LifecycleExited, fmt.Sprintf("code=%d", ExitCodeUnknown))
}

// WriteInput sends raw input to the session.
func (s *Service) WriteInput(_ context.Context, id string, data []byte) error {
	sess := s.registry.Get(id)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := sess.Write(data); err != nil {
		return err
	}
	if s.observer != nil {
		s.observer.InputWritten(id, len(data))
	}
	return nil
}

// Resize changes the session's terminal size. Identity is unchanged.
func (s *Service) Resize(ctx context.Context, id string, cols, rows int) error {
	c, r, err := validateSize(cols, rows)
	if err != nil {
		return err
	}
	sess := s.registry.Get(id)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := sess.Resize(c, r); err != nil {
		return err
	}
	s.record(ctx, id, LifecycleResized, fmt.Sprintf("%dx%d", cols, rows))
	return nil
}

// KillSession removes the session. Its forwarding loop observes stream end
// and emits the exit event. A teardown failure is logged; the session is
// gone from the registry either way, so the kill still succeeds.
func (s *Service) KillSession(ctx context.Context, id string) error {
	if err := s.registry.Kill(id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		s.logger.Warn("failed to close terminal session", "session", id, "error", err)
	}
	s.logger.Info("terminal session killed", "session", id)
	s.record(ctx, id, LifecycleKilled, "")
	if s.observer != nil {
		s.observer.SessionKilled(id)
	}
	return nil
}

// ListSessions returns every live session.
func (s *Service) ListSessions(context.Context) []SessionInfo {
	return s.registry.List()
}

// SetActive makes id the active session.
func (s *Service) SetActive(_ context.Context, id string) error {
	return s.registry.SetActive(id)
}

// GetActive returns the active session id, if any.
func (s *Service) GetActive(context.Context) (string, bool) {
	return s.registry.ActiveID()
}

// Shutdown kills every session and waits for their forwarding loops to emit
// exit events. If ctx expires first the loops are abandoned.
func (s *Service) Shutdown(ctx context.Context) error {
	for _, info := range s.registry.List() {
		if err := s.KillSession(ctx, info.ID); err != nil {
			s.logger.Debug("kill during shutdown", "session", info.ID, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func (s *Service) record(ctx context.Context, id, kind, detail string) {
	if s.journal == nil {
		return
	}
	ev := LifecycleEvent{SessionID: id, Kind: kind, Detail: detail, At: time.Now().UTC()}
	if err := s.journal.Record(ctx, ev); err != nil {
		s.logger.Warn("failed to record session event", "session", id, "kind", kind, "error", err)
	}
}
