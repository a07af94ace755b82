// Package gateway is the websocket transport: it owns connections, assigns
// each one an opaque handle and turns socket events into handler calls.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
)

var (
	ErrStaleHandle = errors.New("stale channel handle")
	ErrNotJoined   = errors.New("join required")
)

const (
	EventJoin  = "join"
	EventError = "error"
)

type Role string

const (
	RoleCaptain Role = "captain"
	RoleRider   Role = "user"
)

type Identity struct {
	ID   string
	Role Role
}

// Envelope is the wire shape of every socket message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type joinData struct {
	UserID   string `json:"userId"`
	UserType Role   `json:"userType"`
	Token    string `json:"token"`
}

type errorData struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

// Handler receives inbound connection events. Calls for one handle are
// serialized: they all come from that connection's read loop.
type Handler interface {
	OnConnect(h presence.Handle)
	OnIdentify(ctx context.Context, h presence.Handle, id Identity) error
	OnEvent(ctx context.Context, h presence.Handle, id Identity, event string, data json.RawMessage) error
	OnDisconnect(h presence.Handle, id Identity)
}

type Options struct {
	WriteTimeout time.Duration
	PongWait     time.Duration
	// Auth verifies join tokens. When nil the userId in the join message is
	// trusted as is.
	Auth *Authenticator
}

// session represents one connected client
type session struct {
	conn   *websocket.Conn
	handle presence.Handle
	mu     sync.Mutex // serializes writes
	id     Identity
}

func (s *session) write(env any, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return s.conn.WriteJSON(env)
}

type Gateway struct {
	handler  Handler
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[presence.Handle]*session
	riders   map[string]presence.Handle
}

func New(h Handler, opts Options, logger *slog.Logger) *Gateway {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		handler:  h,
		opts:     opts,
		log:      logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		sessions: make(map[presence.Handle]*session),
		riders:   make(map[string]presence.Handle),
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("ws_upgrade_failed", "error", err)
		return
	}
	s := &session{conn: conn, handle: presence.Handle(uuid.NewString())}
	g.mu.Lock()
	g.sessions[s.handle] = s
	g.mu.Unlock()
	observability.SocketConnections.Inc()
	g.handler.OnConnect(s.handle)

	done := make(chan struct{})
	go g.keepalive(s, done)
	g.readLoop(r.Context(), s)
	close(done)

	g.mu.Lock()
	delete(g.sessions, s.handle)
	if s.id.Role == RoleRider && g.riders[s.id.ID] == s.handle {
		delete(g.riders, s.id.ID)
	}
	g.mu.Unlock()
	observability.SocketConnections.Dec()
	_ = conn.Close()
	g.handler.OnDisconnect(s.handle, s.id)
}

func (g *Gateway) keepalive(s *session, done <-chan struct{}) {
	t := time.NewTicker(g.opts.PongWait * 9 / 10)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) readLoop(ctx context.Context, s *session) {
	s.conn.SetReadLimit(64 << 10)
	_ = s.conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	})
	for {
		var env Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.log.Info("ws_read_closed", "handle", s.handle, "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))
		if err := g.dispatch(ctx, s, env); err != nil {
			g.reply(s, env.Event, err)
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, s *session, env Envelope) error {
	if env.Event == EventJoin {
		return g.join(ctx, s, env.Data)
	}
	if s.id.ID == "" {
		return ErrNotJoined
	}
	return g.handler.OnEvent(ctx, s.handle, s.id, env.Event, env.Data)
}

func (g *Gateway) join(ctx context.Context, s *session, raw json.RawMessage) error {
	var d joinData
	if err := json.Unmarshal(raw, &d); err != nil {
		return fmt.Errorf("invalid join payload: %w", err)
	}
	if d.UserType != RoleCaptain && d.UserType != RoleRider {
		return fmt.Errorf("invalid userType %q", d.UserType)
	}
	id := Identity{ID: d.UserID, Role: d.UserType}
	if g.opts.Auth != nil {
		verified, err := g.opts.Auth.Verify(d.Token)
		if err != nil {
			return err
		}
		if (id.ID != "" && id.ID != verified.ID) || (verified.Role != "" && verified.Role != id.Role) {
			return ErrTokenMismatch
		}
		id.ID = verified.ID
	}
	if id.ID == "" {
		return errors.New("userId required")
	}
	if s.id.ID != "" && s.id != id {
		return errors.New("connection already joined as another identity")
	}
	if err := g.handler.OnIdentify(ctx, s.handle, id); err != nil {
		return err
	}
	g.mu.Lock()
	s.id = id
	if id.Role == RoleRider {
		g.riders[id.ID] = s.handle
	}
	g.mu.Unlock()
	g.log.Info("ws_joined", "handle", s.handle, "user_id", id.ID, "role", id.Role)
	return nil
}

func (g *Gateway) reply(s *session, event string, err error) {
	if werr := s.write(message(EventError, errorData{Event: event, Message: err.Error()}), g.opts.WriteTimeout); werr != nil {
		g.log.Warn("ws_error_reply_failed", "handle", s.handle, "error", werr)
	}
}

func message(event string, payload any) map[string]any {
	return map[string]any{"event": event, "data": payload}
}

// Send delivers event to the connection behind h. A handle whose connection
// is gone yields ErrStaleHandle.
func (g *Gateway) Send(h presence.Handle, event string, payload any) error {
	g.mu.RLock()
	s, ok := g.sessions[h]
	g.mu.RUnlock()
	if !ok {
		g.log.Debug("ws_send_stale", "handle", h, "event", event)
		return ErrStaleHandle
	}
	if err := s.write(message(event, payload), g.opts.WriteTimeout); err != nil {
		g.log.Warn("ws_send_failed", "handle", h, "event", event, "error", err)
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

// SendToRider delivers event to the rider's current connection, if any.
func (g *Gateway) SendToRider(riderID, event string, payload any) error {
	g.mu.RLock()
	h, ok := g.riders[riderID]
	g.mu.RUnlock()
	if !ok {
		return ErrStaleHandle
	}
	return g.Send(h, event, payload)
}

// Connections is the number of open sockets.
func (g *Gateway) Connections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// Close closes every open connection; read loops then run their disconnect path.
func (g *Gateway) Close() {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, s := range g.sessions {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
	}
}
