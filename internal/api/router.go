package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/user/termcore/internal/db"
	"github.com/user/termcore/internal/terminal"
)

// terminalService is the subset of *terminal.Service the REST surface calls.
type terminalService interface {
	CreateSession(ctx context.Context, cols, rows int, command string) (terminal.SessionInfo, error)
	WriteInput(ctx context.Context, id string, data []byte) error
	Resize(ctx context.Context, id string, cols, rows int) error
	KillSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) []terminal.SessionInfo
	SetActive(ctx context.Context, id string) error
	GetActive(ctx context.Context) (string, bool)
}

type historyStore interface {
	List(ctx context.Context, filter db.SessionEventFilter) ([]*db.SessionEvent, error)
}

// sessionNotifier is told when the session list changes so WebSocket clients
// can refresh. *hub.Hub implements it.
type sessionNotifier interface {
	BroadcastSessions()
}

type handler struct {
	terminals terminalService
	history   historyStore
	notifier  sessionNotifier
}

// NewRouter builds the REST handler. history and notifier may be nil.
func NewRouter(terminals terminalService, history historyStore, notifier sessionNotifier, token string) http.Handler {
	handler := &handler{
		terminals: terminals,
		history:   history,
		notifier:  notifier,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/terminal/sessions", handler.createSession)
	mux.HandleFunc("GET /api/terminal/sessions", handler.listSessions)
	mux.HandleFunc("DELETE /api/terminal/sessions/{id}", handler.killSession)
	mux.HandleFunc("POST /api/terminal/sessions/{id}/input", handler.writeInput)
	mux.HandleFunc("POST /api/terminal/sessions/{id}/resize", handler.resizeSession)

	mux.HandleFunc("PUT /api/terminal/active", handler.setActive)
	mux.HandleFunc("GET /api/terminal/active", handler.getActive)

	mux.HandleFunc("GET /api/terminal/history", handler.listHistory)

	wrapped := authMiddleware(token)(jsonMiddleware(corsMiddleware(mux)))
	return wrapped
}

func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				if strings.TrimSpace(authHeader[7:]) == token {
					next.ServeHTTP(w, r)
					return
				}
			}

			if r.URL.Query().Get("token") == token {
				next.ServeHTTP(w, r)
				return
			}

			jsonError(w, http.StatusUnauthorized, codeUnauthorized, "unauthorized")
		})
	}
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return io.ErrUnexpectedEOF
	}
	return nil
}
