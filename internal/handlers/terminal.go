package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/termlab/internal/auth"
	"github.com/gluk-w/termlab/internal/config"
	"github.com/gluk-w/termlab/internal/container"
	"github.com/gluk-w/termlab/internal/session"
)

// terminalRateLimit is the maximum number of messages allowed per second
// per WebSocket connection. Messages beyond this rate are dropped.
const terminalRateLimit = 200

// terminalRateBurst is the token bucket burst size, allowing short bursts
// of rapid input (e.g., paste operations) before rate limiting kicks in.
const terminalRateBurst = 200

const maxInputMessageSize = 64 * 1024

const (
	maxResizeCols = 1000
	maxResizeRows = 1000
)

type termResizeMsg struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// terminalConn is the per-socket state. cleanedUp is a single-shot latch:
// the first path to flip it owns the teardown, every other path returns.
type terminalConn struct {
	sessionID string
	ws        *websocket.Conn
	pty       *container.PTY
	cancel    context.CancelFunc
	cleanedUp bool
}

// TerminalGateway relays bytes between authenticated WebSockets and
// container PTYs. The connection registry has its own mutex, separate from
// the session registry.
type TerminalGateway struct {
	sessions   *session.Manager
	containers ContainerService

	mu    sync.Mutex
	conns map[string]*terminalConn // session ID → connection
}

func NewTerminalGateway(sessions *session.Manager, containers ContainerService) *TerminalGateway {
	return &TerminalGateway{
		sessions:   sessions,
		containers: containers,
		conns:      make(map[string]*terminalConn),
	}
}

// HandleTerminal upgrades /terminal?token=<jwt>&sessionId=<uuid>. The token
// arrives as a query parameter because browsers cannot set headers on
// WebSocket upgrades.
func (g *TerminalGateway) HandleTerminal(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("Failed to accept terminal websocket: %v", err)
		return
	}
	defer ws.CloseNow()

	claims, err := auth.ParseToken(config.Cfg.JWTSecret, r.URL.Query().Get("token"))
	if err != nil {
		ws.Close(websocket.StatusPolicyViolation, "Authentication required")
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	sess, ok := g.sessions.Get(sessionID)
	if !ok {
		ws.Close(websocket.StatusPolicyViolation, "Unknown session")
		return
	}
	if sess.UserID != claims.UserID {
		ws.Close(websocket.StatusPolicyViolation, "Access denied")
		return
	}
	if sess.Status != session.StatusActive {
		ws.Close(websocket.StatusPolicyViolation, "Session is not active")
		return
	}

	pty, err := g.containers.AttachPTY(r.Context(), sess.ContainerID)
	if err != nil {
		log.Printf("PTY attach failed for session %s: %v", sessionID, err)
		ws.Close(websocket.StatusInternalError, "Failed to attach terminal")
		return
	}

	relayCtx, relayCancel := context.WithCancel(r.Context())
	conn := &terminalConn{
		sessionID: sessionID,
		ws:        ws,
		pty:       pty,
		cancel:    relayCancel,
	}

	g.mu.Lock()
	if old := g.conns[sessionID]; old != nil {
		g.mu.Unlock()
		g.teardown(old, websocket.StatusNormalClosure, "Replaced by new connection")
		g.mu.Lock()
	}
	g.conns[sessionID] = conn
	g.mu.Unlock()

	defer g.teardown(conn, websocket.StatusNormalClosure, "Session ended")

	ws.SetReadLimit(1024 * 1024)
	log.Printf("Terminal attached: session=%s", sessionID)

	// PTY → browser. Binary frames only; the terminal emulator needs raw
	// bytes, UTF-8 decoding is the browser's job.
	go func() {
		defer relayCancel()
		buf := make([]byte, 32*1024)
		for {
			n, err := pty.Stream.Read(buf)
			if n > 0 {
				if err := ws.Write(relayCtx, websocket.MessageBinary, buf[:n]); err != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	limiter := newTokenBucket(terminalRateBurst, terminalRateLimit)

	// Browser → PTY stdin. Every relayed message counts as activity.
	func() {
		defer relayCancel()
		for {
			msgType, data, err := ws.Read(relayCtx)
			if err != nil {
				return
			}

			if !limiter.allow() {
				continue
			}

			g.sessions.UpdateActivity(sessionID)

			if msgType == websocket.MessageBinary {
				if len(data) > maxInputMessageSize {
					continue
				}
				if _, err := pty.Stream.Write(data); err != nil {
					return
				}
			} else {
				var msg termResizeMsg
				if err := json.Unmarshal(data, &msg); err != nil {
					continue
				}
				if msg.Type == "resize" && msg.Cols > 0 && msg.Rows > 0 {
					cols, rows := msg.Cols, msg.Rows
					if cols > maxResizeCols {
						cols = maxResizeCols
					}
					if rows > maxResizeRows {
						rows = maxResizeRows
					}
					pty.Resize(cols, rows)
				}
			}
		}
	}()
}

// teardown releases a connection exactly once: the latch is checked and set
// under the registry lock, and only the winner detaches the relays,
// destroys the PTY stream and removes the record.
func (g *TerminalGateway) teardown(conn *terminalConn, code websocket.StatusCode, reason string) {
	g.mu.Lock()
	if conn.cleanedUp {
		g.mu.Unlock()
		return
	}
	conn.cleanedUp = true
	if g.conns[conn.sessionID] == conn {
		delete(g.conns, conn.sessionID)
	}
	g.mu.Unlock()

	conn.cancel()
	conn.pty.Close()
	conn.ws.Close(code, reason)
	log.Printf("Terminal detached: session=%s", conn.sessionID)
}

// CloseSession closes the socket attached to a session, if any. Wired as
// the session manager's end notifier; safe to call for sessions with no
// connection and safe to call repeatedly.
func (g *TerminalGateway) CloseSession(sessionID string) {
	g.mu.Lock()
	conn := g.conns[sessionID]
	g.mu.Unlock()

	if conn != nil {
		g.teardown(conn, websocket.StatusNormalClosure, "Session ended")
	}
}

// CloseAll requests every open terminal to close. Non-blocking best effort,
// used during shutdown.
func (g *TerminalGateway) CloseAll() {
	g.mu.Lock()
	conns := make([]*terminalConn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		go g.teardown(c, websocket.StatusNormalClosure, "Server shutting down")
	}
}

// OpenConnections returns the number of attached terminals.
func (g *TerminalGateway) OpenConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// tokenBucket is a simple token bucket rate limiter for terminal messages.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow checks if a message is allowed and consumes a token.
func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}
