package hub

import "github.com/user/termcore/internal/terminal"

// Server → client message types.
const (
	TypeOutput         = "terminal:output"
	TypeExit           = "terminal:exit"
	TypeSessions       = "sessions"
	TypeSessionCreated = "session_created"
	TypeError          = "error"
)

// Client → server message types.
const (
	TypeCreateSession  = "create_session"
	TypeTerminalInput  = "terminal_input"
	TypeTerminalKey    = "terminal_key"
	TypeTerminalResize = "terminal_resize"
	TypeKillSession    = "kill_session"
	TypeSetActive      = "set_active"
	TypeListSessions   = "list_sessions"
	TypeSubscribe      = "subscribe"
)

// OutputMessage carries raw terminal bytes; Data is base64 on the wire.
type OutputMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      []byte `json:"data"`
}

type ExitMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Code      int    `json:"code"`
}

type SessionsMessage struct {
	Type     string                 `json:"type"`
	List     []terminal.SessionInfo `json:"list"`
	ActiveID *string                `json:"active_id"`
}

type SessionCreatedMessage struct {
	Type      string               `json:"type"`
	RequestID string               `json:"request_id,omitempty"`
	Session   terminal.SessionInfo `json:"session"`
}

type ErrorMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Message   string `json:"message"`
}

type ClientMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Data      []byte `json:"data,omitempty"`
	Key       string `json:"key,omitempty"`
	Command   string `json:"command,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

type hubBroadcast struct {
	data      []byte
	sessionID string
}
