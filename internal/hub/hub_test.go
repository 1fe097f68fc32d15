package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/termcore/internal/terminal"
)

type fakeController struct {
	mu       sync.Mutex
	sessions []terminal.SessionInfo
	activeID string
	inputs   []string
	resizes  []string
	killed   []string
}

func (f *fakeController) CreateSession(_ context.Context, cols, rows int, command string) (terminal.SessionInfo, error) {
	if cols <= 0 || rows <= 0 {
		return terminal.SessionInfo{}, terminal.ErrInvalidSize
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	info := terminal.SessionInfo{ID: fmt.Sprintf("s-%d", len(f.sessions)+1), Title: command, CreatedAt: time.Now().Unix(), Cols: cols, Rows: rows, IsActive: true}
	f.sessions = append(f.sessions, info)
	f.activeID = info.ID
	return info, nil
}

func (f *fakeController) WriteInput(_ context.Context, id string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasLocked(id) {
		return terminal.ErrNotFound
	}
	f.inputs = append(f.inputs, id+":"+string(data))
	return nil
}

func (f *fakeController) Resize(_ context.Context, id string, cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasLocked(id) {
		return terminal.ErrNotFound
	}
	f.resizes = append(f.resizes, fmt.Sprintf("%s:%dx%d", id, cols, rows))
	return nil
}

func (f *fakeController) KillSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.sessions {
		if s.ID == id {
			f.sessions = append(f.sessions[:i], f.sessions[i+1:]...)
			f.killed = append(f.killed, id)
			if f.activeID == id {
				f.activeID = ""
			}
			return nil
		}
	}
	return terminal.ErrNotFound
}

func (f *fakeController) ListSessions(context.Context) []terminal.SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]terminal.SessionInfo, len(f.sessions))
	copy(out, f.sessions)
	return out
}

func (f *fakeController) SetActive(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasLocked(id) {
		return terminal.ErrNotFound
	}
	f.activeID = id
	return nil
}

func (f *fakeController) GetActive(context.Context) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeID, f.activeID != ""
}

func (f *fakeController) hasLocked(id string) bool {
	for _, s := range f.sessions {
		if s.ID == id {
			return true
		}
	}
	return false
}

func (f *fakeController) snapshot() (inputs, resizes []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.inputs...), append([]string(nil), f.resizes...)
}

// startHub runs h behind an httptest server and returns a connected client.
func startHub(t *testing.T, h *Hub, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)

	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(server.Close)

	url := fmt.Sprintf("ws://%s/ws?token=%s", server.URL[7:], token)
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	dialCancel()
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	waitForClientCount(t, h, 1, time.Second)
	return conn
}

func sendMessage(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("failed to send message: %v", err)
	}
}

// readUntil reads messages until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		_, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("read while waiting for %q: %v", msgType, err)
		}
		var base struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &base); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if base.Type == msgType {
			return data
		}
	}
	t.Fatalf("timed out waiting for %q", msgType)
	return nil
}

func TestProtocolOutputMessageCarriesRawBytes(t *testing.T) {
	raw := []byte{0x1b, '[', '3', '1', 'm', 0xff, 0x00, '\n'}
	data, err := json.Marshal(OutputMessage{Type: TypeOutput, SessionID: "s-1", Data: raw})
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var decoded OutputMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if string(decoded.Data) != string(raw) {
		t.Errorf("data mismatch: got %q, want %q", decoded.Data, raw)
	}
	if decoded.Type != "terminal:output" || decoded.SessionID != "s-1" {
		t.Errorf("header mismatch: %+v", decoded)
	}
}

func TestBroadcastToClientsRespectsSessionSubscription(t *testing.T) {
	h := New("token", nil, Options{})

	clientA := &Client{
		id:            "a",
		send:          make(chan []byte, 1),
		subscribeAll:  false,
		subscriptions: map[string]struct{}{"s-1": {}},
	}
	clientB := &Client{
		id:            "b",
		send:          make(chan []byte, 1),
		subscribeAll:  false,
		subscriptions: map[string]struct{}{"s-2": {}},
	}
	clientAll := &Client{
		id:            "all",
		send:          make(chan []byte, 1),
		subscribeAll:  true,
		subscriptions: map[string]struct{}{},
	}

	h.clients = map[string]*Client{
		clientA.id:   clientA,
		clientB.id:   clientB,
		clientAll.id: clientAll,
	}

	h.broadcastToClients(hubBroadcast{data: []byte(`{"type":"terminal:output"}`), sessionID: "s-1"})

	select {
	case <-clientA.send:
	default:
		t.Fatal("expected clientA to receive message for s-1")
	}
	select {
	case <-clientAll.send:
	default:
		t.Fatal("expected subscribe-all client to receive message")
	}
	select {
	case <-clientB.send:
		t.Fatal("did not expect clientB to receive message for s-1")
	default:
	}
}

func TestTokenAuthentication(t *testing.T) {
	validToken := "secret-token-123"

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"valid token", validToken, http.StatusSwitchingProtocols},
		{"invalid token", "wrong-token", http.StatusUnauthorized},
		{"missing token", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := New(validToken, &fakeController{}, Options{})

			ctx, cancel := context.WithCancel(context.Background())
			go hub.Run(ctx)
			defer cancel()

			server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
			defer server.Close()

			url := fmt.Sprintf("ws://%s/ws", server.URL[7:])
			if tt.token != "" {
				url = fmt.Sprintf("%s?token=%s", url, tt.token)
			}

			dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
			conn, resp, err := websocket.Dial(dialCtx, url, nil)
			dialCancel()

			if resp != nil && resp.StatusCode != tt.wantStatus {
				t.Errorf("status code mismatch: got %d, want %d", resp.StatusCode, tt.wantStatus)
			}

			if tt.wantStatus == http.StatusSwitchingProtocols {
				if err != nil {
					t.Fatalf("expected successful connection, got error: %v", err)
				}
				conn.Close(websocket.StatusNormalClosure, "")
			} else if conn != nil {
				conn.Close(websocket.StatusNormalClosure, "")
			}
		})
	}
}

func TestClientReceivesInitialSessionsSnapshot(t *testing.T) {
	ctrl := &fakeController{}
	if _, err := ctrl.CreateSession(context.Background(), 80, 24, "bash"); err != nil {
		t.Fatal(err)
	}
	h := New("t", ctrl, Options{})
	conn := startHub(t, h, "t")

	var msg SessionsMessage
	if err := json.Unmarshal(readUntil(t, conn, TypeSessions), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(msg.List) != 1 || msg.List[0].ID != "s-1" {
		t.Fatalf("snapshot list = %+v", msg.List)
	}
	if msg.ActiveID == nil || *msg.ActiveID != "s-1" {
		t.Fatalf("snapshot active = %v", msg.ActiveID)
	}
}

func TestClientRequestsRouteToController(t *testing.T) {
	ctrl := &fakeController{}
	h := New("t", ctrl, Options{})
	conn := startHub(t, h, "t")
	readUntil(t, conn, TypeSessions)

	sendMessage(t, conn, ClientMessage{Type: TypeCreateSession, RequestID: "r1", Cols: 80, Rows: 24, Command: "top"})
	raw := readUntil(t, conn, TypeSessionCreated)
	var created SessionCreatedMessage
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.RequestID != "r1" || created.Session.ID != "s-1" || !created.Session.IsActive {
		t.Fatalf("created = %+v", created)
	}
	var wire struct {
		Session map[string]any `json:"session"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if createdAt, ok := wire.Session["created_at"].(float64); !ok || int64(createdAt) != created.Session.CreatedAt || createdAt == 0 {
		t.Fatalf("session_created created_at = %#v, want unix seconds", wire.Session["created_at"])
	}
	readUntil(t, conn, TypeSessions)

	sendMessage(t, conn, ClientMessage{Type: TypeTerminalInput, SessionID: "s-1", Data: []byte("ls\n")})
	sendMessage(t, conn, ClientMessage{Type: TypeTerminalKey, SessionID: "s-1", Key: "C-c"})
	sendMessage(t, conn, ClientMessage{Type: TypeTerminalResize, SessionID: "s-1", Cols: 120, Rows: 40})

	deadline := time.Now().Add(2 * time.Second)
	for {
		inputs, resizes := ctrl.snapshot()
		if len(inputs) == 2 && len(resizes) == 1 {
			if inputs[0] != "s-1:ls\n" || inputs[1] != "s-1:\x03" {
				t.Fatalf("inputs = %q", inputs)
			}
			if resizes[0] != "s-1:120x40" {
				t.Fatalf("resizes = %q", resizes)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out: inputs=%q resizes=%q", inputs, resizes)
		}
		time.Sleep(10 * time.Millisecond)
	}

	sendMessage(t, conn, ClientMessage{Type: TypeKillSession, SessionID: "s-1"})
	var after SessionsMessage
	if err := json.Unmarshal(readUntil(t, conn, TypeSessions), &after); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(after.List) != 0 || after.ActiveID != nil {
		t.Fatalf("sessions after kill = %+v", after)
	}
}

func TestClientErrorsAreReported(t *testing.T) {
	h := New("t", &fakeController{}, Options{})
	conn := startHub(t, h, "t")
	readUntil(t, conn, TypeSessions)

	tests := []struct {
		msg  ClientMessage
		want string
	}{
		{ClientMessage{Type: TypeSetActive, RequestID: "a", SessionID: "missing"}, terminal.ErrNotFound.Error()},
		{ClientMessage{Type: TypeCreateSession, RequestID: "b", Cols: 0, Rows: 24}, terminal.ErrInvalidSize.Error()},
		{ClientMessage{Type: "bogus", RequestID: "c"}, "unknown message type: bogus"},
	}
	for _, tt := range tests {
		sendMessage(t, conn, tt.msg)
		var got ErrorMessage
		if err := json.Unmarshal(readUntil(t, conn, TypeError), &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.RequestID != tt.msg.RequestID || got.Message != tt.want {
			t.Errorf("error for %q = %+v, want %q", tt.msg.Type, got, tt.want)
		}
	}
}

func TestInputRateLimit(t *testing.T) {
	ctrl := &fakeController{}
	if _, err := ctrl.CreateSession(context.Background(), 80, 24, ""); err != nil {
		t.Fatal(err)
	}
	h := New("t", ctrl, Options{InputRate: 0.001, InputBurst: 1})
	conn := startHub(t, h, "t")
	readUntil(t, conn, TypeSessions)

	sendMessage(t, conn, ClientMessage{Type: TypeTerminalInput, SessionID: "s-1", Data: []byte("a")})
	sendMessage(t, conn, ClientMessage{Type: TypeTerminalInput, RequestID: "second", SessionID: "s-1", Data: []byte("b")})

	var got ErrorMessage
	if err := json.Unmarshal(readUntil(t, conn, TypeError), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.RequestID != "second" || !strings.Contains(got.Message, "rate limit") {
		t.Fatalf("error = %+v", got)
	}
	if inputs, _ := ctrl.snapshot(); len(inputs) != 1 {
		t.Fatalf("inputs = %q, want exactly one", inputs)
	}
}

func TestOutputPrecedesExit(t *testing.T) {
	h := New("t", &fakeController{}, Options{BatchInterval: time.Hour})
	conn := startHub(t, h, "t")
	readUntil(t, conn, TypeSessions)

	h.TerminalOutput(terminal.OutputEvent{SessionID: "s-9", Data: []byte("one ")})
	h.TerminalOutput(terminal.OutputEvent{SessionID: "s-9", Data: []byte("two ")})
	h.TerminalOutput(terminal.OutputEvent{SessionID: "s-9", Data: []byte("three")})
	h.TerminalExit(terminal.ExitEvent{SessionID: "s-9", Code: 0})

	var out OutputMessage
	if err := json.Unmarshal(readUntil(t, conn, TypeOutput), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(out.Data) != "one two three" {
		t.Fatalf("batched output = %q", out.Data)
	}

	var exit ExitMessage
	if err := json.Unmarshal(readUntil(t, conn, TypeExit), &exit); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if exit.SessionID != "s-9" || exit.Code != 0 {
		t.Fatalf("exit = %+v", exit)
	}
}

func TestSubscribeFiltersOutput(t *testing.T) {
	h := New("t", &fakeController{}, Options{})
	h.SetBatchEnabled(false)
	conn := startHub(t, h, "t")
	readUntil(t, conn, TypeSessions)

	sendMessage(t, conn, ClientMessage{Type: TypeSubscribe, SessionID: "wanted"})
	time.Sleep(50 * time.Millisecond)

	h.TerminalOutput(terminal.OutputEvent{SessionID: "other", Data: []byte("skip")})
	h.TerminalOutput(terminal.OutputEvent{SessionID: "wanted", Data: []byte("keep")})

	var out OutputMessage
	if err := json.Unmarshal(readUntil(t, conn, TypeOutput), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.SessionID != "wanted" || string(out.Data) != "keep" {
		t.Fatalf("output = %+v", out)
	}
}

func TestOutputBatcherDirect(t *testing.T) {
	var mu sync.Mutex
	received := map[string][]string{}

	b := NewOutputBatcher(50*time.Millisecond, func(sessionID string, data []byte) {
		mu.Lock()
		received[sessionID] = append(received[sessionID], string(data))
		mu.Unlock()
	})

	for i := 0; i < 3; i++ {
		b.Add("a", []byte(fmt.Sprintf("text%d ", i)))
	}
	b.Add("b", []byte("other"))

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(received["a"]) != 1 || received["a"][0] != "text0 text1 text2 " {
		t.Errorf("session a batches = %q", received["a"])
	}
	if len(received["b"]) != 1 || received["b"][0] != "other" {
		t.Errorf("session b batches = %q", received["b"])
	}
}

func TestOutputBatcherFlushesWhenFull(t *testing.T) {
	var got [][]byte
	b := NewOutputBatcher(time.Hour, func(_ string, data []byte) {
		got = append(got, data)
	})

	b.Add("a", make([]byte, maxPendingBytes))
	if len(got) != 1 || len(got[0]) != maxPendingBytes {
		t.Fatalf("expected immediate flush of a full batch, got %d batches", len(got))
	}

	b.Add("a", []byte("tail"))
	b.Flush("a")
	if len(got) != 2 || string(got[1]) != "tail" {
		t.Fatalf("explicit flush batches = %d", len(got))
	}
	b.Flush("a")
	if len(got) != 2 {
		t.Fatal("flush with nothing pending produced a batch")
	}
}

func TestEventsDiscardedWhenHubNotRunning(t *testing.T) {
	h := New("t", nil, Options{})
	h.SetBatchEnabled(false)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.TerminalOutput(terminal.OutputEvent{SessionID: "s", Data: []byte("x")})
		}
		h.TerminalExit(terminal.ExitEvent{SessionID: "s"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sink blocked with no running hub")
	}
}

func TestControllerUnavailable(t *testing.T) {
	h := New("t", nil, Options{})
	c := addTestClient(h, "c")

	h.handleMessage(context.Background(), c, ClientMessage{Type: TypeListSessions, RequestID: "x"})

	select {
	case data := <-c.send:
		var msg ErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Type != TypeError || msg.RequestID != "x" {
			t.Fatalf("msg = %+v", msg)
		}
	default:
		t.Fatal("expected an error message")
	}
}

func TestSetControllerAfterConstruction(t *testing.T) {
	h := New("t", nil, Options{})
	if h.sessionsPayload() != nil {
		t.Fatal("expected no sessions payload without a controller")
	}

	h.SetController(&fakeController{})
	c := addTestClient(h, "c")
	h.handleMessage(context.Background(), c, ClientMessage{Type: TypeListSessions})

	select {
	case data := <-c.send:
		var msg SessionsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Type != TypeSessions || len(msg.List) != 0 || msg.ActiveID != nil {
			t.Fatalf("msg = %+v", msg)
		}
	default:
		t.Fatal("expected a sessions message")
	}
}

// addTestClient registers a connectionless client directly in the hub.
func addTestClient(h *Hub, id string) *Client {
	c := &Client{id: id, send: make(chan []byte, 1), subscribeAll: true, subscriptions: map[string]struct{}{}}
	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()
	return c
}

func TestRepliesSkipDepartedClient(t *testing.T) {
	h := New("t", &fakeController{}, Options{})
	c := addTestClient(h, "gone")

	// Same teardown the run loop performs on unregister and shutdown.
	h.mu.Lock()
	delete(h.clients, c.id)
	close(c.send)
	h.mu.Unlock()

	ctx := context.Background()
	h.handleMessage(ctx, c, ClientMessage{Type: TypeListSessions})
	h.handleMessage(ctx, c, ClientMessage{Type: TypeCreateSession, RequestID: "r1", Cols: 80, Rows: 24})
	h.handleMessage(ctx, c, ClientMessage{Type: "bogus", RequestID: "r2"})
	h.SendError(c, "r3", "late error")

	if _, ok := <-c.send; ok {
		t.Fatal("departed client received a message")
	}
}

func TestRepliesSkipReplacedClient(t *testing.T) {
	h := New("t", &fakeController{}, Options{})
	stale := &Client{id: "c", send: make(chan []byte, 1), subscribeAll: true, subscriptions: map[string]struct{}{}}
	current := addTestClient(h, "c")

	h.SendError(stale, "r1", "for the old connection")

	select {
	case data := <-current.send:
		t.Fatalf("reply for a stale client reached the registered one: %s", data)
	default:
	}
	select {
	case data := <-stale.send:
		t.Fatalf("unregistered client was sent %s", data)
	default:
	}
}

func TestServiceSatisfiesController(t *testing.T) {
	var _ Controller = (*terminal.Service)(nil)
	var _ terminal.EventSink = (*Hub)(nil)
	if !errors.Is(fmt.Errorf("wrap: %w", terminal.ErrNotFound), terminal.ErrNotFound) {
		t.Fatal("sentinel wrapping broken")
	}
}

func waitForClientCount(t *testing.T, hub *Hub, expected int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == expected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ClientCount() != expected {
		t.Errorf("expected %d clients, got %d", expected, hub.ClientCount())
	}
}

func TestMetricTypeBoundsLabels(t *testing.T) {
	if got := metricType(TypeTerminalInput); got != TypeTerminalInput {
		t.Errorf("metricType(%q) = %q", TypeTerminalInput, got)
	}
	if got := metricType("x-" + strings.Repeat("a", 64)); got != "unknown" {
		t.Errorf("metricType(arbitrary) = %q, want unknown", got)
	}
}
