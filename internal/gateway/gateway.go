package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btli/remote-dev-sub002/internal/auth"
	"github.com/btli/remote-dev-sub002/internal/database"
	"github.com/btli/remote-dev-sub002/internal/session"
	"github.com/btli/remote-dev-sub002/internal/tmux"
	"github.com/coder/websocket"
)

// Per-connection message rate limit (messages/second and burst). Paste
// bursts fit in the bucket; sustained floods are dropped.
const (
	msgRateLimit = 200
	msgRateBurst = 200
)

// Bridge is the slice of the tmux client the gateway drives.
type Bridge interface {
	SessionExists(ctx context.Context, name string) bool
	CreateSession(ctx context.Context, name string, cols, rows int, cwd string, historyLimit int) error
	KillSession(ctx context.Context, name string) error
	AttachCommand(name string) *exec.Cmd
}

// TokenVerifier validates handshake tokens and yields their claims.
type TokenVerifier interface {
	Verify(token string) (auth.Claims, error)
}

// Gateway multiplexes websocket clients onto PTY-wrapped tmux sessions.
type Gateway struct {
	Registry  *session.Registry
	Bridge    Bridge
	Coalescer *session.Coalescer
	Tokens    TokenVerifier

	// DefaultScrollback is the tmux history-limit used when the client
	// does not request one.
	DefaultScrollback int

	mu    sync.Mutex
	conns map[string]*wsConn // live client channels by session id
}

func New(reg *session.Registry, bridge Bridge, coalescer *session.Coalescer, tokens TokenVerifier, defaultScrollback int) *Gateway {
	return &Gateway{
		Registry:          reg,
		Bridge:            bridge,
		Coalescer:         coalescer,
		Tokens:            tokens,
		DefaultScrollback: defaultScrollback,
		conns:             make(map[string]*wsConn),
	}
}

// wsConn serializes writes to one websocket connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// HandleTerminal is the websocket endpoint for terminal sessions.
//
// Query parameters: token (required), tmuxSession (defaults to a name
// derived from the session id), cols/rows (default 80x24), cwd
// (optional), historyLimit (default from config), kind (default shell).
// Session and user identity come from the verified token only.
func (g *Gateway) HandleTerminal(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[gateway] websocket accept: %v", err)
		return
	}
	conn.SetReadLimit(1024 * 1024)

	ctx := r.Context()
	q := r.URL.Query()

	token := q.Get("token")
	if token == "" {
		conn.Close(CloseMissingToken, "Missing auth token")
		return
	}
	claims, err := g.Tokens.Verify(token)
	if err != nil {
		conn.Close(CloseInvalidToken, "Invalid or expired token")
		return
	}
	sessionID := claims.SessionID
	userID := claims.UserID

	tmuxName := q.Get("tmuxSession")
	if tmuxName == "" {
		tmuxName = "rdv-" + sessionID
	}
	if err := tmux.ValidateSessionName(tmuxName); err != nil {
		conn.Close(CloseInvalidName, "Invalid tmux session name")
		return
	}

	cols := parseDim(q.Get("cols"), 80)
	rows := parseDim(q.Get("rows"), 24)
	cwd := q.Get("cwd")
	historyLimit := parseDim(q.Get("historyLimit"), g.DefaultScrollback)
	kind := session.ParseKind(q.Get("kind"))

	// Bound PTY exhaustion from reconnect storms: one handshake per
	// session id at a time.
	if !g.Registry.BeginConnecting(sessionID) {
		conn.Close(CloseAlreadyConnected, "Connection already in progress")
		return
	}

	created := false
	if !g.Bridge.SessionExists(ctx, tmuxName) {
		if err := g.Bridge.CreateSession(ctx, tmuxName, cols, rows, cwd, historyLimit); err != nil {
			g.Registry.EndConnecting(sessionID)
			log.Printf("[gateway] create tmux session %s: %v", tmuxName, err)
			conn.Close(CloseProcessError, "Failed to create tmux session")
			return
		}
		created = true
	}

	proc, err := session.Start(g.Bridge.AttachCommand(tmuxName), uint16(cols), uint16(rows))
	if err != nil {
		g.Registry.EndConnecting(sessionID)
		log.Printf("[gateway] attach to tmux session %s: %v", tmuxName, err)
		conn.Close(CloseProcessError, "Failed to attach to tmux session")
		return
	}

	sess := session.New(sessionID, tmuxName, userID, kind, uint16(cols), uint16(rows), proc)
	if !g.Registry.Add(sess) {
		proc.Kill()
		g.Registry.EndConnecting(sessionID)
		conn.Close(CloseAlreadyConnected, "Session already connected")
		return
	}
	g.Registry.EndConnecting(sessionID)

	wc := &wsConn{conn: conn}
	g.mu.Lock()
	g.conns[sessionID] = wc
	g.mu.Unlock()

	event := "session_attached"
	if created {
		event = "session_created"
	}
	wc.writeJSON(ctx, sessionMsg{Type: event, SessionID: sessionID, TmuxSessionName: tmuxName})
	wc.writeJSON(ctx, sessionMsg{Type: "ready", SessionID: sessionID, TmuxSessionName: tmuxName})
	database.TouchSession(sessionID, "active")
	log.Printf("[gateway] session %s attached (tmux=%s kind=%s created=%v)", sessionID, tmuxName, kind, created)

	g.serve(ctx, wc, sess, proc)

	// Client gone or transport error: kill the PTY wrapper (never the
	// tmux session) and run the idempotent cleanup.
	if p := sess.Process(); p != nil {
		p.Kill()
	}
	g.Registry.Cleanup(sessionID)
	g.mu.Lock()
	delete(g.conns, sessionID)
	g.mu.Unlock()
	database.TouchSession(sessionID, "detached")
	conn.Close(websocket.StatusNormalClosure, "")
	log.Printf("[gateway] session %s closed", sessionID)
}

// serve runs the per-connection read loop until the client disconnects
// or a non-agent process exit closes the channel.
func (g *Gateway) serve(ctx context.Context, wc *wsConn, sess *session.TerminalSession, proc *session.Process) {
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()

	var detached atomic.Bool
	g.watch(readCtx, wc, sess, proc, &detached, cancelRead)

	limiter := newTokenBucket(msgRateBurst, msgRateLimit)

	for {
		_, data, err := wc.conn.Read(readCtx)
		if err != nil {
			return
		}
		if !limiter.allow() {
			continue
		}

		var msg clientMsg
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			// Legacy clients send bare keystrokes.
			if p := sess.Process(); p != nil {
				p.Write(data)
			}
			continue
		}

		switch msg.Type {
		case "input":
			if p := sess.Process(); p != nil {
				p.Write([]byte(msg.Data))
			}
		case "resize":
			g.Coalescer.Request(sess, msg.Cols, msg.Rows)
		case "detach":
			detached.Store(true)
			if p := sess.Process(); p != nil {
				p.Kill()
			}
		case "restart_agent":
			g.restartAgent(readCtx, wc, sess, &detached, cancelRead)
		default:
			if p := sess.Process(); p != nil {
				p.Write(data)
			}
		}
	}
}

// watch pumps process output to the client and handles process exit.
// Agent exits leave the channel open so the user can restart; everything
// else notifies the client and closes.
func (g *Gateway) watch(ctx context.Context, wc *wsConn, sess *session.TerminalSession, proc *session.Process, detached *atomic.Bool, cancelRead context.CancelFunc) {
	go func() {
		for data := range proc.Output() {
			if err := wc.writeJSON(ctx, outputMsg{Type: "output", Data: string(data)}); err != nil {
				return
			}
		}
	}()

	go func() {
		ev, ok := <-proc.Done()
		if !ok {
			return
		}
		if sess.Kind == session.KindAgent && !detached.Load() {
			// The agent may still be running inside tmux; only the
			// wrapper died. Tell the client and keep the channel open
			// for restart_agent.
			wc.writeJSON(ctx, agentExitedMsg{
				Type:      "agent_exited",
				SessionID: sess.ID,
				ExitCode:  ev.Code,
				ExitedAt:  time.Now(),
			})
			return
		}

		var code *int
		if ev.Code >= 0 {
			code = &ev.Code
		}
		wc.writeJSON(ctx, exitMsg{Type: "exit", Code: code})
		cancelRead()
	}()
}

// restartAgent kills and recreates the tmux session behind an agent-kind
// session, attaches a fresh PTY wrapper, and rewires its pumps.
func (g *Gateway) restartAgent(ctx context.Context, wc *wsConn, sess *session.TerminalSession, detached *atomic.Bool, cancelRead context.CancelFunc) {
	if sess.Kind != session.KindAgent {
		wc.writeJSON(ctx, errorMsg{Type: "error", Message: "restart_agent is only valid for agent sessions"})
		return
	}

	if p := sess.Process(); p != nil {
		p.Kill()
	}
	if err := g.Bridge.KillSession(ctx, sess.TmuxName); err != nil {
		log.Printf("[gateway] restart agent %s: kill tmux session: %v", sess.ID, err)
	}

	// Recreate at the client's current size so the restarted terminal
	// renders correctly without waiting for a resize.
	cols, rows := sess.Geometry()
	if err := g.Bridge.CreateSession(ctx, sess.TmuxName, int(cols), int(rows), "", g.DefaultScrollback); err != nil {
		log.Printf("[gateway] restart agent %s: recreate tmux session: %v", sess.ID, err)
		wc.writeJSON(ctx, errorMsg{Type: "error", Message: "Failed to recreate agent session"})
		return
	}

	proc, err := session.Start(g.Bridge.AttachCommand(sess.TmuxName), cols, rows)
	if err != nil {
		log.Printf("[gateway] restart agent %s: attach: %v", sess.ID, err)
		wc.writeJSON(ctx, errorMsg{Type: "error", Message: "Failed to attach to restarted agent session"})
		return
	}

	sess.ReplaceProcess(proc, cols, rows)
	g.watch(ctx, wc, sess, proc, detached, cancelRead)
	wc.writeJSON(ctx, sessionMsg{Type: "agent_restarted", SessionID: sess.ID, TmuxSessionName: sess.TmuxName})
	log.Printf("[gateway] agent session %s restarted", sess.ID)
}

// NotifyAgentExit pushes an agent_exited message to the session's live
// client channel. Returns false when no client is connected.
func (g *Gateway) NotifyAgentExit(sessionID string, exitCode int) bool {
	g.mu.Lock()
	wc, ok := g.conns[sessionID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := wc.writeJSON(ctx, agentExitedMsg{
		Type:      "agent_exited",
		SessionID: sessionID,
		ExitCode:  exitCode,
		ExitedAt:  time.Now(),
	})
	return err == nil
}

func parseDim(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// tokenBucket rate-limits incoming frames per connection.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int
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
