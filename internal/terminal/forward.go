package terminal

import (
	"context"
	"errors"
	"io"
)

// ExitCodeUnknown is reported in every ExitEvent. The child's real exit
// status is not collected.
const ExitCodeUnknown = 0

// OutputEvent carries one chunk of raw terminal output.
type OutputEvent struct {
	SessionID string `json:"session_id"`
	Data      []byte `json:"data"`
}

// ExitEvent is emitted exactly once per session, after all of its output.
type ExitEvent struct {
	SessionID string `json:"session_id"`
	Code      int    `json:"code"`
}

// EventSink receives the events produced by forwarding loops. Implementations
// must be safe for concurrent use: every session has its own loop.
type EventSink interface {
	TerminalOutput(OutputEvent)
	TerminalExit(ExitEvent)
}

// MultiSink delivers every event to each sink in order.
type MultiSink []EventSink

func (m MultiSink) TerminalOutput(ev OutputEvent) {
	for _, s := range m {
		s.TerminalOutput(ev)
	}
}

func (m MultiSink) TerminalExit(ev ExitEvent) {
	for _, s := range m {
		s.TerminalExit(ev)
	}
}

// ForwardStats summarizes one completed forwarding loop.
type ForwardStats struct {
	Chunks int
	Bytes  uint64
	Exited bool
}

// Forward drains sess until its output stream ends, relaying every chunk to
// sink and then a single exit event. If ctx is cancelled first it returns
// without emitting the exit event.
func Forward(ctx context.Context, sess *Session, sink EventSink) (ForwardStats, error) {
	var stats ForwardStats
	for {
		chunk, err := sess.NextOutput(ctx)
		if errors.Is(err, io.EOF) {
			sink.TerminalExit(ExitEvent{SessionID: sess.id, Code: ExitCodeUnknown})
			stats.Exited = true
			return stats, nil
		}
		if err != nil {
			return stats, err
		}
		stats.Chunks++
		stats.Bytes += uint64(len(chunk))
		sink.TerminalOutput(OutputEvent{SessionID: sess.id, Data: chunk})
	}
}
