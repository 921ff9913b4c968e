// Package live serves the WebSocket channel over which users receive the
// events of their executions.
//
// A connection must authenticate with {"type":"auth","token":...} before it
// is registered. Until then only auth and ping are accepted; anything else
// is answered with an error and the connection is closed.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/loykin/playground/internal/auth"
	"github.com/loykin/playground/internal/event"
	"github.com/loykin/playground/internal/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024

	DefaultQueueSize    = 256
	DefaultAuthTimeout  = 30 * time.Second
	DefaultMessageRate  = 20
	DefaultMessageBurst = 40
)

type Config struct {
	// AllowedOrigins are origin prefixes accepted on upgrade. Empty allows all.
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	QueueSize      int           `mapstructure:"queue_size"`
	AuthTimeout    time.Duration `mapstructure:"auth_timeout"`
	// MessageRate bounds inbound messages per second per connection.
	MessageRate  float64 `mapstructure:"message_rate"`
	MessageBurst int     `mapstructure:"message_burst"`
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.MessageRate <= 0 {
		c.MessageRate = DefaultMessageRate
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = DefaultMessageBurst
	}
}

// Handler upgrades HTTP requests and runs one connection per request.
type Handler struct {
	auth     auth.Authenticator
	reg      *registry.Registry
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHandler(a auth.Authenticator, reg *registry.Registry, cfg Config, logger *slog.Logger) *Handler {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{auth: a, reg: reg, cfg: cfg, logger: logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied
		h.logger.Debug("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	c := &client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, h.cfg.QueueSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(h.cfg.MessageRate), h.cfg.MessageBurst),
		h:       h,
	}
	h.logger.Debug("websocket connected", "conn_id", c.id, "remote", r.RemoteAddr)
	go c.writePump()
	c.queue(control(TypeWelcome, welcomeText, ""))
	c.readPump(r.Context())
	<-c.flushed
}

// client is one live connection. It satisfies registry.Conn.
type client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	flushed chan struct{}
	limiter *rate.Limiter
	h       *Handler

	closeOnce sync.Once

	// owned by the read pump
	userID string
}

var _ registry.Conn = (*client)(nil)

func (c *client) ID() string { return c.id }

// Send queues ev without blocking.
func (c *client) Send(ev event.Event) bool {
	b, err := Encode(ev)
	if err != nil {
		c.h.logger.Error("failed to encode live event", "error", err, "conn_id", c.id)
		return true
	}
	return c.queue(b)
}

func (c *client) queue(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Close stops the connection once the queued frames are flushed.
func (c *client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) readPump(ctx context.Context) {
	defer func() {
		if c.userID != "" {
			c.h.reg.Unregister(c.userID, c)
		}
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.h.cfg.AuthTimeout))
	c.conn.SetPongHandler(func(string) error {
		if c.userID == "" {
			return nil
		}
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if c.userID == "" && errors.As(err, &ne) && ne.Timeout() {
				c.queue(control(TypeError, "Authentication timeout", ""))
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.h.logger.Debug("websocket read error", "conn_id", c.id, "error", err)
			}
			return
		}
		if !c.limiter.Allow() {
			c.queue(control(TypeError, "Rate limit exceeded", ""))
			continue
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.queue(control(TypeError, "Invalid message format", ""))
			if c.userID == "" {
				return
			}
			continue
		}
		if !c.route(ctx, msg) {
			return
		}
	}
}

// route handles one message and reports whether the connection stays open.
func (c *client) route(ctx context.Context, msg inbound) bool {
	switch msg.Type {
	case TypeAuth:
		return c.authenticate(ctx, msg.Token)
	case TypePing:
		c.queue(control(TypePong, "", ""))
		return true
	}
	if c.userID == "" {
		c.queue(control(TypeError, "Not authenticated", ""))
		return false
	}
	c.h.logger.Debug("ignoring live message", "type", msg.Type, "conn_id", c.id, "user_id", c.userID)
	return true
}

func (c *client) authenticate(ctx context.Context, token string) bool {
	if c.userID != "" {
		c.queue(control(TypeError, "Already authenticated", ""))
		return true
	}
	if token == "" {
		c.queue(control(TypeError, "No token provided", ""))
		return false
	}
	p, err := c.h.auth.Authenticate(ctx, token)
	if err != nil {
		text := "Authentication failed"
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrSessionExpired) || errors.Is(err, auth.ErrUserInactive) {
			text = "Invalid or expired token"
		} else {
			c.h.logger.Warn("websocket authentication error", "conn_id", c.id, "error", err)
		}
		c.queue(control(TypeError, text, ""))
		return false
	}
	c.userID = p.UserID
	// auth_success is queued before any event can be delivered
	c.queue(control(TypeAuthSuccess, authSuccessText, p.UserID))
	c.h.reg.Register(p.UserID, c)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.h.logger.Info("websocket authenticated", "conn_id", c.id, "user_id", p.UserID)
	return true
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.flushed)
	}()
	for {
		select {
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.h.logger.Debug("websocket write error", "conn_id", c.id, "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush writes what is still queued, then a close frame.
func (c *client) flush() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	for {
		select {
		case b := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		default:
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
