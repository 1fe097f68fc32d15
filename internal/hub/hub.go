package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/user/termcore/internal/pty"
	"github.com/user/termcore/internal/terminal"
)

const defaultBatchInterval = 16 * time.Millisecond

// Controller is the set of terminal operations a client may invoke.
// *terminal.Service implements it.
type Controller interface {
	CreateSession(ctx context.Context, cols, rows int, command string) (terminal.SessionInfo, error)
	WriteInput(ctx context.Context, id string, data []byte) error
	Resize(ctx context.Context, id string, cols, rows int) error
	KillSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) []terminal.SessionInfo
	SetActive(ctx context.Context, id string) error
	GetActive(ctx context.Context) (string, bool)
}

// Metrics receives connection and message counts. *metrics.Collector implements it.
type Metrics interface {
	ClientConnected()
	ClientDisconnected()
	MessageReceived(msgType string)
}

// Options tunes a Hub. Zero values select defaults.
type Options struct {
	BatchInterval time.Duration
	// InputRate and InputBurst bound inbound messages per client.
	InputRate  float64
	InputBurst int
	Metrics    Metrics
}

// Hub fans terminal events out to WebSocket clients and routes client
// requests to a Controller. It implements terminal.EventSink.
type Hub struct {
	clients      map[string]*Client
	register     chan *clientRegistration
	unregister   chan *Client
	broadcast    chan hubBroadcast
	controller   Controller
	token        string
	mu           sync.RWMutex
	batcher      *OutputBatcher
	batchEnabled atomic.Bool
	inputLimit   rate.Limit
	inputBurst   int
	metrics      Metrics
	ctxWrap      atomic.Pointer[ctxWrapper]
	running      atomic.Bool
}

type ctxWrapper struct {
	ctx context.Context
}

type clientRegistration struct {
	client   *Client
	snapshot []byte
}

func New(token string, controller Controller, opts Options) *Hub {
	interval := opts.BatchInterval
	if interval <= 0 {
		interval = defaultBatchInterval
	}
	limit := rate.Limit(opts.InputRate)
	if opts.InputRate <= 0 {
		limit = rate.Inf
	}
	burst := opts.InputBurst
	if burst <= 0 {
		burst = 1
	}

	h := &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *clientRegistration, 16),
		unregister: make(chan *Client, 16),
		broadcast:  make(chan hubBroadcast, 256),
		controller: controller,
		token:      token,
		inputLimit: limit,
		inputBurst: burst,
		metrics:    opts.Metrics,
	}
	h.ctxWrap.Store(&ctxWrapper{ctx: context.Background()})
	h.batchEnabled.Store(true)
	h.batcher = NewOutputBatcher(interval, func(sessionID string, data []byte) {
		h.sendOutput(sessionID, data)
	})
	return h
}

// SetController attaches the controller that client requests are routed to.
// It lets a Hub be created before the service that uses it as a sink.
func (h *Hub) SetController(controller Controller) {
	h.mu.Lock()
	h.controller = controller
	h.mu.Unlock()
}

func (h *Hub) getController() Controller {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.controller
}

func (h *Hub) getContext() context.Context {
	return h.ctxWrap.Load().ctx
}

func (h *Hub) Run(ctx context.Context) {
	h.ctxWrap.Store(&ctxWrapper{ctx: ctx})
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.batcher.FlushAll()
			h.mu.Lock()
			for _, c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			return

		case reg := <-h.register:
			h.mu.Lock()
			h.clients[reg.client.id] = reg.client
			h.mu.Unlock()
			if reg.snapshot != nil {
				select {
				case reg.client.send <- reg.snapshot:
				default:
				}
			}
			go reg.client.writePump(h.getContext())
			go reg.client.readPump(h.getContext())
			if h.metrics != nil {
				h.metrics.ClientConnected()
			}
			slog.Info("client connected", "client", reg.client.id, "total", h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client.id]
			if ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()
			if ok && h.metrics != nil {
				h.metrics.ClientDisconnected()
			}
			slog.Info("client disconnected", "client", client.id, "total", h.ClientCount())

		case msg := <-h.broadcast:
			h.broadcastToClients(msg)
		}
	}
}

func (h *Hub) broadcastToClients(msg hubBroadcast) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wantsSession(msg.sessionID) {
			continue
		}
		select {
		case c.send <- msg.data:
		default:
			slog.Warn("client send buffer full, dropping message", "client", c.id)
		}
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if h.token != "" && token != h.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("websocket accept error", "error", err)
		return
	}

	client := newClient(conn, h)

	select {
	case h.register <- &clientRegistration{client: client, snapshot: h.sessionsPayload()}:
	default:
		slog.Warn("hub not accepting connections")
		conn.Close(websocket.StatusTryAgainLater, "server busy")
		return
	}
}

// TerminalOutput queues a chunk of output for delivery to subscribed clients.
func (h *Hub) TerminalOutput(ev terminal.OutputEvent) {
	if h.batchEnabled.Load() {
		h.batcher.Add(ev.SessionID, ev.Data)
		return
	}
	h.sendOutput(ev.SessionID, ev.Data)
}

// TerminalExit flushes the session's pending output, then announces the exit.
func (h *Hub) TerminalExit(ev terminal.ExitEvent) {
	h.batcher.Flush(ev.SessionID)
	h.enqueue(ev.SessionID, ExitMessage{Type: TypeExit, SessionID: ev.SessionID, Code: ev.Code})
}

func (h *Hub) sendOutput(sessionID string, data []byte) {
	h.enqueue(sessionID, OutputMessage{Type: TypeOutput, SessionID: sessionID, Data: data})
}

// enqueue blocks while the hub is running and the broadcast queue is full so
// terminal events are neither dropped nor reordered. With no running hub
// there are no clients and the message is discarded.
func (h *Hub) enqueue(sessionID string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("error marshaling hub message", "error", err)
		return
	}
	if !h.isRunning() {
		return
	}
	select {
	case h.broadcast <- hubBroadcast{data: data, sessionID: sessionID}:
	case <-h.getContext().Done():
	}
}

// BroadcastSessions pushes the current session list to every client.
func (h *Hub) BroadcastSessions() {
	payload := h.sessionsPayload()
	if payload == nil {
		return
	}
	select {
	case h.broadcast <- hubBroadcast{data: payload}:
	default:
		slog.Warn("broadcast channel full, dropping sessions message")
	}
}

func (h *Hub) sessionsPayload() []byte {
	controller := h.getController()
	if controller == nil {
		return nil
	}
	ctx := h.getContext()
	msg := SessionsMessage{Type: TypeSessions, List: controller.ListSessions(ctx)}
	if id, ok := controller.GetActive(ctx); ok {
		msg.ActiveID = &id
	}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("error marshaling sessions message", "error", err)
		return nil
	}
	return data
}

func (h *Hub) sendTo(client *Client, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("error marshaling client message", "error", err)
		return
	}
	h.sendRaw(client, data)
}

// sendRaw queues data for one client. The send channel is only closed under
// the write lock after the client leaves the map, so a registered client's
// channel is open for as long as the read lock is held.
func (h *Hub) sendRaw(client *Client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.clients[client.id] != client {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

func (h *Hub) SendError(client *Client, requestID, message string) {
	h.sendTo(client, ErrorMessage{Type: TypeError, RequestID: requestID, Message: message})
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) SetBatchEnabled(enabled bool) {
	h.batchEnabled.Store(enabled)
}

func (h *Hub) isRunning() bool {
	return h.running.Load()
}

func (h *Hub) unregisterClient(c *Client) {
	if !h.isRunning() {
		c.conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	select {
	case h.unregister <- c:
	default:
		slog.Warn("unregister channel full, forcing close", "client", c.id)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}
}

// handleMessage routes one client request to the controller.
func (h *Hub) handleMessage(ctx context.Context, c *Client, msg ClientMessage) {
	if h.metrics != nil {
		h.metrics.MessageReceived(metricType(msg.Type))
	}

	if msg.Type == TypeSubscribe {
		c.subscribe(msg.SessionID)
		return
	}
	controller := h.getController()
	if controller == nil {
		h.SendError(c, msg.RequestID, "terminal service unavailable")
		return
	}

	var err error
	switch msg.Type {
	case TypeCreateSession:
		var info terminal.SessionInfo
		info, err = controller.CreateSession(ctx, msg.Cols, msg.Rows, msg.Command)
		if err == nil {
			h.sendTo(c, SessionCreatedMessage{Type: TypeSessionCreated, RequestID: msg.RequestID, Session: info})
			h.BroadcastSessions()
		}
	case TypeTerminalInput:
		if msg.SessionID == "" || len(msg.Data) == 0 {
			return
		}
		err = controller.WriteInput(ctx, msg.SessionID, msg.Data)
	case TypeTerminalKey:
		if msg.SessionID == "" || msg.Key == "" {
			return
		}
		err = controller.WriteInput(ctx, msg.SessionID, []byte(pty.KeySequence(msg.Key)))
	case TypeTerminalResize:
		err = controller.Resize(ctx, msg.SessionID, msg.Cols, msg.Rows)
	case TypeKillSession:
		err = controller.KillSession(ctx, msg.SessionID)
		if err == nil {
			h.BroadcastSessions()
		}
	case TypeSetActive:
		err = controller.SetActive(ctx, msg.SessionID)
		if err == nil {
			h.BroadcastSessions()
		}
	case TypeListSessions:
		if payload := h.sessionsPayload(); payload != nil {
			h.sendRaw(c, payload)
		}
	default:
		err = errors.New("unknown message type: " + msg.Type)
	}

	if err != nil {
		h.SendError(c, msg.RequestID, err.Error())
	}
}

// metricType keeps client-controlled strings out of metric labels.
func metricType(msgType string) string {
	switch msgType {
	case TypeCreateSession, TypeTerminalInput, TypeTerminalKey, TypeTerminalResize,
		TypeKillSession, TypeSetActive, TypeListSessions, TypeSubscribe:
		return msgType
	default:
		return "unknown"
	}
}
