package handlers

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/termlab/internal/auth"
	"github.com/gluk-w/termlab/internal/config"
	"github.com/gluk-w/termlab/internal/container"
	"github.com/gluk-w/termlab/internal/session"
	"github.com/go-chi/chi/v5"
)

// echoStream is a scriptable PTY stream: bytes written in are echoed back
// out, minus a leading "echo " if present, imitating a shell just enough
// for relay tests.
type echoStream struct {
	out     chan []byte
	closed  chan struct{}
	closeN  int32
	echoRaw bool
}

func newEchoStream() *echoStream {
	return &echoStream{
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (e *echoStream) Read(p []byte) (int, error) {
	select {
	case data := <-e.out:
		n := copy(p, data)
		return n, nil
	case <-e.closed:
		return 0, io.EOF
	}
}

func (e *echoStream) Write(p []byte) (int, error) {
	select {
	case <-e.closed:
		return 0, errors.New("stream closed")
	default:
	}

	line := string(p)
	if !e.echoRaw {
		line = strings.TrimPrefix(strings.TrimSuffix(line, "\n"), "echo ") + "\n"
	}
	e.out <- []byte(line)
	return len(p), nil
}

func (e *echoStream) Close() {
	if atomic.AddInt32(&e.closeN, 1) == 1 {
		close(e.closed)
	}
}

func (e *echoStream) closeCount() int32 {
	return atomic.LoadInt32(&e.closeN)
}

func setupTerminalServer(t *testing.T, app *App) *httptest.Server {
	t.Helper()
	mux := chi.NewRouter()
	mux.Get("/terminal", app.Terminal.HandleTerminal)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func terminalApp(t *testing.T, fc *fakeContainers) *App {
	t.Helper()
	config.Cfg.JWTSecret = "test-secret"
	sessions := session.NewManager(testSessionConfig())
	gw := NewTerminalGateway(sessions, fc)
	sessions.SetEndNotifier(gw.CloseSession)
	return &App{Sessions: sessions, Containers: fc, Terminal: gw}
}

func dialTerminal(t *testing.T, ts *httptest.Server, token, sessionID string) (*websocket.Conn, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/terminal?token=" + token + "&sessionId=" + sessionID
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, url, nil)
	return conn, err
}

// expectClose reads until the peer closes and returns the close status.
func expectClose(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func TestTerminalRejectsBadToken(t *testing.T) {
	fc := &fakeContainers{pty: &container.PTY{Stream: newEchoStream()}}
	app := terminalApp(t, fc)
	ts := setupTerminalServer(t, app)

	conn, err := dialTerminal(t, ts, "garbage", "some-session")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if code := expectClose(t, conn); code != websocket.StatusPolicyViolation {
		t.Errorf("close code = %v, want 1008", code)
	}
}

func TestTerminalRejectsUnknownSession(t *testing.T) {
	fc := &fakeContainers{pty: &container.PTY{Stream: newEchoStream()}}
	app := terminalApp(t, fc)
	ts := setupTerminalServer(t, app)

	token, _ := auth.MintToken("test-secret", 42, "u42")
	conn, err := dialTerminal(t, ts, token, "does-not-exist")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if code := expectClose(t, conn); code != websocket.StatusPolicyViolation {
		t.Errorf("close code = %v, want 1008", code)
	}
}

func TestTerminalRejectsWrongOwner(t *testing.T) {
	fc := &fakeContainers{pty: &container.PTY{Stream: newEchoStream()}}
	app := terminalApp(t, fc)
	ts := setupTerminalServer(t, app)

	sess := app.Sessions.Create(42, 7, "ctr-1")
	token, _ := auth.MintToken("test-secret", 99, "intruder")

	conn, err := dialTerminal(t, ts, token, sess.ID)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if code := expectClose(t, conn); code != websocket.StatusPolicyViolation {
		t.Errorf("close code = %v, want 1008", code)
	}
}

func TestTerminalAttachFailure(t *testing.T) {
	fc := &fakeContainers{attachErr: errors.New("exec failed")}
	app := terminalApp(t, fc)
	ts := setupTerminalServer(t, app)

	sess := app.Sessions.Create(42, 7, "ctr-1")
	token, _ := auth.MintToken("test-secret", 42, "u42")

	conn, err := dialTerminal(t, ts, token, sess.ID)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if code := expectClose(t, conn); code != websocket.StatusInternalError {
		t.Errorf("close code = %v, want 1011", code)
	}
}

func TestTerminalRelayRoundTrip(t *testing.T) {
	stream := newEchoStream()
	fc := &fakeContainers{pty: &container.PTY{Stream: stream}}
	app := terminalApp(t, fc)
	ts := setupTerminalServer(t, app)

	sess := app.Sessions.Create(42, 7, "ctr-1")
	token, _ := auth.MintToken("test-secret", 42, "u42")

	conn, err := dialTerminal(t, ts, token, sess.ID)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageBinary, []byte("echo ok\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	msgType, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgType != websocket.MessageBinary {
		t.Errorf("message type = %v, want binary", msgType)
	}
	if string(data) != "ok\n" {
		t.Errorf("echoed %q, want %q", data, "ok\n")
	}

	// Relayed input counts as activity.
	got, _ := app.Sessions.Get(sess.ID)
	if !got.LastActivityAt.After(sess.LastActivityAt) {
		t.Error("activity timestamp not advanced by relay")
	}
}

func TestTerminalDoubleCloseSingleTeardown(t *testing.T) {
	stream := newEchoStream()
	fc := &fakeContainers{pty: &container.PTY{Stream: stream}}
	app := terminalApp(t, fc)
	ts := setupTerminalServer(t, app)

	sess := app.Sessions.Create(42, 7, "ctr-1")
	token, _ := auth.MintToken("test-secret", 42, "u42")

	conn, err := dialTerminal(t, ts, token, sess.ID)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	// Wait for the connection to register.
	deadline := time.Now().Add(2 * time.Second)
	for app.Terminal.OpenConnections() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// Fire close from every direction at once.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.Terminal.CloseSession(sess.ID)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn.CloseNow()
	}()
	wg.Wait()

	deadline = time.Now().Add(2 * time.Second)
	for app.Terminal.OpenConnections() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if n := stream.closeCount(); n != 1 {
		t.Fatalf("PTY destroyed %d times, want exactly once", n)
	}
	if app.Terminal.OpenConnections() != 0 {
		t.Error("connection record leaked")
	}
}

func TestTerminalClosesWhenSessionEnds(t *testing.T) {
	stream := newEchoStream()
	fc := &fakeContainers{pty: &container.PTY{Stream: stream}}
	app := terminalApp(t, fc)
	ts := setupTerminalServer(t, app)

	sess := app.Sessions.Create(42, 7, "ctr-1")
	token, _ := auth.MintToken("test-secret", 42, "u42")

	conn, err := dialTerminal(t, ts, token, sess.ID)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for app.Terminal.OpenConnections() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	app.Sessions.End(sess.ID)

	if code := expectClose(t, conn); code != websocket.StatusNormalClosure {
		t.Errorf("close code = %v, want 1000", code)
	}
}
