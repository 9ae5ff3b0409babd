package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"character-relay/internal/config"
	"character-relay/internal/domain"
	"character-relay/internal/domain/model"
	"character-relay/internal/domain/ports/adapter"
	red "character-relay/internal/infra/redis"
)

// fakeUC scripts the session manager for delivery tests.
type fakeUC struct {
	mu        sync.Mutex
	reply     []string
	replyErr  error
	sessions  map[string]*model.Session
	cancelled []string
	ended     []string
}

func newFakeUC(reply ...string) *fakeUC {
	return &fakeUC{reply: reply, sessions: make(map[string]*model.Session)}
}

func (f *fakeUC) Start(ctx context.Context, subjectID, requesterID string) (*model.Session, error) {
	if subjectID == "missing" {
		return nil, domain.ErrSubjectNotFound
	}
	s := model.NewSession("sess-"+subjectID, subjectID, requesterID)
	f.mu.Lock()
	f.sessions[s.ID] = s
	f.mu.Unlock()
	return s, nil
}

func (f *fakeUC) SendMessage(ctx context.Context, sessionID, text string) (<-chan adapter.TokenEvent, error) {
	f.mu.Lock()
	_, ok := f.sessions[sessionID]
	replyErr := f.replyErr
	reply := f.reply
	f.mu.Unlock()
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if replyErr != nil {
		return nil, replyErr
	}
	out := make(chan adapter.TokenEvent, len(reply)+1)
	for _, r := range reply {
		out <- adapter.Fragment(r)
	}
	out <- adapter.Done()
	close(out)
	return out, nil
}

func (f *fakeUC) End(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, sessionID)
	return nil
}

func (f *fakeUC) CancelGeneration(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, sessionID)
}

func (f *fakeUC) History(ctx context.Context, sessionID string) ([]model.Turn, error) {
	f.mu.Lock()
	s, ok := f.sessions[sessionID]
	f.mu.Unlock()
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return s.Turns, nil
}

func (f *fakeUC) SweepIdle(ctx context.Context) (int, error) { return 0, nil }

func newTestServerCfg(t *testing.T, uc *fakeUC, locker red.SessionLocker, cfg config.ServerConfig) (*httptest.Server, string) {
	t.Helper()
	logger := zerolog.Nop()
	srv := NewServer(cfg, uc, locker, &logger)

	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func newTestServer(t *testing.T, uc *fakeUC) (*httptest.Server, string) {
	t.Helper()
	return newTestServerCfg(t, uc, nil, config.ServerConfig{
		AuthSecret:  "test-secret",
		Heartbeat:   10 * time.Second,
		PongTimeout: 30 * time.Second,
		FlushEvery:  5 * time.Millisecond,
		FlushBytes:  1 << 20,
	})
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) ServerFrame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame ServerFrame
	if err := c.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestConnectionRoundTrip(t *testing.T) {
	uc := newFakeUC("Hello", ", ", "world")
	_, wsURL := newTestServer(t, uc)
	c := dial(t, wsURL)

	if err := c.WriteJSON(ClientFrame{Type: FrameStart, SubjectID: "char-1"}); err != nil {
		t.Fatalf("write start: %v", err)
	}
	frame := readFrame(t, c)
	if frame.Type != FrameSession || frame.SessionID != "sess-char-1" {
		t.Fatalf("unexpected session frame: %+v", frame)
	}

	if err := c.WriteJSON(ClientFrame{Type: FrameMessage, Text: "hi"}); err != nil {
		t.Fatalf("write message: %v", err)
	}
	var reply strings.Builder
	for {
		frame = readFrame(t, c)
		if frame.Type == FrameDone {
			break
		}
		if frame.Type != FrameFragment {
			t.Fatalf("unexpected frame: %+v", frame)
		}
		reply.WriteString(frame.Text)
	}
	// Coalescing may merge fragments but never reorders or drops bytes.
	if reply.String() != "Hello, world" {
		t.Fatalf("want full reply, got %q", reply.String())
	}

	if err := c.WriteJSON(ClientFrame{Type: FrameEnd}); err != nil {
		t.Fatalf("write end: %v", err)
	}
	frame = readFrame(t, c)
	if frame.Type != FrameDone {
		t.Fatalf("want done after end, got %+v", frame)
	}
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if len(uc.ended) != 1 || uc.ended[0] != "sess-char-1" {
		t.Fatalf("end not forwarded: %+v", uc.ended)
	}
}

func TestStartUnknownSubject(t *testing.T) {
	_, wsURL := newTestServer(t, newFakeUC())
	c := dial(t, wsURL)

	_ = c.WriteJSON(ClientFrame{Type: FrameStart, SubjectID: "missing"})
	frame := readFrame(t, c)
	if frame.Type != FrameError || frame.Code != "subject_not_found" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestBusySessionErrorFrame(t *testing.T) {
	uc := newFakeUC()
	uc.replyErr = domain.ErrAlreadyGenerating
	_, wsURL := newTestServer(t, uc)
	c := dial(t, wsURL)

	_ = c.WriteJSON(ClientFrame{Type: FrameStart, SubjectID: "char-1"})
	readFrame(t, c)
	_ = c.WriteJSON(ClientFrame{Type: FrameMessage, Text: "hi"})
	frame := readFrame(t, c)
	if frame.Type != FrameError || frame.Code != "already_generating" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestUnknownFrameType(t *testing.T) {
	_, wsURL := newTestServer(t, newFakeUC())
	c := dial(t, wsURL)

	_ = c.WriteJSON(ClientFrame{Type: "bogus"})
	frame := readFrame(t, c)
	if frame.Type != FrameError || frame.Code != "invalid_argument" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestAbnormalCloseCancelsGeneration(t *testing.T) {
	uc := newFakeUC("x")
	_, wsURL := newTestServer(t, uc)
	c := dial(t, wsURL)

	_ = c.WriteJSON(ClientFrame{Type: FrameStart, SubjectID: "char-1"})
	readFrame(t, c)
	c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		uc.mu.Lock()
		n := len(uc.cancelled)
		uc.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("generation not cancelled on abnormal close")
}

func TestUnresponsiveClientIsClosed(t *testing.T) {
	uc := newFakeUC("x")
	_, wsURL := newTestServerCfg(t, uc, nil, config.ServerConfig{
		AuthSecret:  "test-secret",
		Heartbeat:   20 * time.Millisecond,
		PongTimeout: 80 * time.Millisecond,
		FlushEvery:  5 * time.Millisecond,
		FlushBytes:  1 << 20,
	})
	c := dial(t, wsURL)
	// Swallow pings instead of answering them.
	c.SetPingHandler(func(string) error { return nil })

	_ = c.WriteJSON(ClientFrame{Type: FrameStart, SubjectID: "char-1"})
	frame := readFrame(t, c)
	if frame.Type != FrameSession {
		t.Fatalf("unexpected frame: %+v", frame)
	}

	// With no pong inside the liveness window the server must close the
	// connection and cancel the generation it was relaying.
	start := time.Now()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if err := c.ReadJSON(&frame); err != nil {
			break
		}
	}
	if time.Since(start) >= 2*time.Second {
		t.Fatal("server never closed the unresponsive connection")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		uc.mu.Lock()
		n := len(uc.cancelled)
		uc.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("generation not cancelled after liveness timeout")
}

// denyLocker refuses every ownership claim.
type denyLocker struct{}

func (denyLocker) TryLock(ctx context.Context, sessionID string, ttl time.Duration) (string, error) {
	return "", red.ErrSessionOwned
}
func (denyLocker) Unlock(ctx context.Context, sessionID, token string) error { return nil }
func (denyLocker) Refresh(ctx context.Context, sessionID string, ttl time.Duration) error {
	return nil
}

func TestStartDeniedOwnershipEndsSession(t *testing.T) {
	uc := newFakeUC()
	_, wsURL := newTestServerCfg(t, uc, denyLocker{}, config.ServerConfig{
		AuthSecret:  "test-secret",
		Heartbeat:   10 * time.Second,
		PongTimeout: 30 * time.Second,
		FlushEvery:  5 * time.Millisecond,
		FlushBytes:  1 << 20,
	})
	c := dial(t, wsURL)

	_ = c.WriteJSON(ClientFrame{Type: FrameStart, SubjectID: "char-1"})
	frame := readFrame(t, c)
	if frame.Type != FrameError || frame.Code != "session_owned" {
		t.Fatalf("unexpected frame: %+v", frame)
	}

	// The session nobody owns is ended, not abandoned to the idle sweep.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		uc.mu.Lock()
		ended := len(uc.ended) == 1 && uc.ended[0] == "sess-char-1"
		uc.mu.Unlock()
		if ended {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("orphaned session never ended")
}

func TestHistoryEndpoint(t *testing.T) {
	uc := newFakeUC()
	ts, _ := newTestServer(t, uc)

	s, _ := uc.Start(context.Background(), "char-1", "user-9")
	s.AddTurn(model.TurnRoleUser, "hi")
	s.AddTurn(model.TurnRoleAgent, "hello")

	resp, err := http.Get(ts.URL + "/api/v1/sessions/" + s.ID + "/history")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}
	var body struct {
		SessionID string       `json:"session_id"`
		Turns     []model.Turn `json:"turns"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.SessionID != s.ID || len(body.Turns) != 2 {
		t.Fatalf("unexpected body: %+v", body)
	}

	resp, err = http.Get(ts.URL + "/api/v1/sessions/nope/history")
	if err != nil {
		t.Fatalf("GET missing history: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404, got %d", resp.StatusCode)
	}
}
