// Package relay serves the visitor-facing WebSocket endpoint and routes
// frames between live connections and their channels.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatbridge/internal/domain"
	"chatbridge/internal/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Duplicate registration policies.
const (
	PolicyReject  = "reject"
	PolicyReplace = "replace"
)

const (
	defaultWriteWait       = 10 * time.Second
	defaultPongWait        = 60 * time.Second
	defaultMaxMessageBytes = 8 << 10
	defaultSenderName      = "Visitor"
)

// Visitor-facing error texts.
const (
	msgInvalidEmail    = "please provide a valid email address"
	msgRegisterFirst   = "register with your email before sending messages"
	msgAlreadyOnline   = "this email is already connected in another window"
	msgIdentityChanged = "this connection is already registered with another email"
	msgReplaced        = "this session was replaced by a newer connection"
	msgUnavailable     = "chat is currently unavailable"
	msgRegisterFailed  = "registration failed, please try again"
	msgDeliveryFailed  = "your message could not be delivered, please try again"
	msgRateLimited     = "you are sending messages too quickly"
)

// Provisioner resolves or creates the channel of a visitor.
type Provisioner interface {
	Provision(ctx context.Context, identity domain.VisitorIdentity) (domain.Channel, error)
}

// Deliverer posts one message into a channel.
type Deliverer interface {
	Deliver(ctx context.Context, channelID string, msg domain.OutboundMessage) error
}

// Config configures the Gateway.
type Config struct {
	Provisioner Provisioner
	Registry    domain.IdentityRegistry
	Notifier    Deliverer

	DefaultSenderName string
	SenderAvatarURL   string
	DuplicatePolicy   string // reject (default) | replace

	MessagesPerMinute int // 0 disables rate limiting
	MessageBurst      int
	AllowedOrigins    []string // empty allows every origin
	MaxMessageBytes   int64

	WriteWait time.Duration
	PongWait  time.Duration
	Logger    *slog.Logger
}

// Gateway tracks live visitor connections. A connection moves from
// unregistered to registered once, and its identity never changes.
type Gateway struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu         sync.RWMutex
	conns      map[string]*conn
	byIdentity map[domain.VisitorIdentity]*conn
	closed     bool
}

// conn is one live visitor session.
type conn struct {
	id      string
	ws      *websocket.Conn
	limiter *rate.Limiter
	cancel  context.CancelFunc

	// identity is written under Gateway.mu and read by the owning read loop.
	identity domain.VisitorIdentity

	writeMu   sync.Mutex
	writeWait time.Duration
	closeOnce sync.Once
	done      chan struct{}
}

func New(cfg Config) *Gateway {
	if cfg.DefaultSenderName == "" {
		cfg.DefaultSenderName = defaultSenderName
	}
	if cfg.DuplicatePolicy == "" {
		cfg.DuplicatePolicy = PolicyReject
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	g := &Gateway{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "relay"),
		conns:      make(map[string]*conn),
		byIdentity: make(map[domain.VisitorIdentity]*conn),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	g.logger.Warn("websocket origin rejected", "origin", origin)
	return false
}

func (g *Gateway) newLimiter() *rate.Limiter {
	if g.cfg.MessagesPerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := g.cfg.MessageBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(g.cfg.MessagesPerMinute)/60), burst)
}

// ServeHTTP upgrades the request and runs the connection's read loop until
// the transport closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &conn{
		id:        uuid.NewString(),
		ws:        ws,
		limiter:   g.newLimiter(),
		cancel:    cancel,
		writeWait: g.cfg.WriteWait,
		done:      make(chan struct{}),
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		c.close()
		return
	}
	g.conns[c.id] = c
	g.mu.Unlock()
	metrics.LiveConnections.Inc()

	logger := g.logger.With("conn_id", c.id)
	logger.Info("websocket client connected", "remote", r.RemoteAddr)

	defer func() {
		g.remove(c)
		c.close()
		metrics.LiveConnections.Dec()
		logger.Info("websocket client disconnected", "identity", c.identity)
	}()

	go g.keepalive(c, logger)
	g.readLoop(ctx, c, logger)
}

// readLoop handles frames strictly in arrival order.
func (g *Gateway) readLoop(ctx context.Context, c *conn, logger *slog.Logger) {
	c.ws.SetReadLimit(g.cfg.MaxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read error", "err", err)
			}
			return
		}

		frame, err := decodeFrame(data)
		if err != nil {
			logger.Warn("invalid websocket frame", "err", err)
			g.reply(c, logger, newErrorFrame(err.Error()))
			continue
		}

		switch frame.Type {
		case TypeRegister:
			g.handleRegister(ctx, c, frame, logger)
		case TypeMessage:
			g.handleMessage(ctx, c, frame, logger)
		}
	}
}

func (g *Gateway) handleRegister(ctx context.Context, c *conn, frame ClientFrame, logger *slog.Logger) {
	identity, err := domain.ParseVisitorIdentity(frame.Email)
	if err != nil {
		logger.Warn("registration rejected", "err", err)
		g.reply(c, logger, newErrorFrame(msgInvalidEmail))
		return
	}

	current := g.identityOf(c)
	if current != "" && current != identity {
		g.reply(c, logger, newErrorFrame(msgIdentityChanged))
		return
	}
	if current == "" && g.cfg.DuplicatePolicy == PolicyReject && g.holder(identity) != nil {
		logger.Info("duplicate registration rejected", "identity", identity)
		g.reply(c, logger, newErrorFrame(msgAlreadyOnline))
		return
	}

	ch, err := g.cfg.Provisioner.Provision(ctx, identity)
	if err != nil {
		logger.Error("registration failed", "identity", identity, "err", err)
		g.reply(c, logger, newErrorFrame(registrationFailure(err)))
		return
	}

	if current == "" {
		stale, ok := g.bind(c, identity)
		if !ok {
			logger.Info("duplicate registration rejected", "identity", identity)
			g.reply(c, logger, newErrorFrame(msgAlreadyOnline))
			return
		}
		if stale != nil {
			logger.Info("replacing stale connection", "identity", identity, "stale_conn_id", stale.id)
			stale.send(newErrorFrame(msgReplaced))
			stale.close()
		}
		logger.Info("visitor registered", "identity", identity, "channel_id", ch.ID, "exists", ch.Exists)
	}

	g.reply(c, logger, newRegisteredFrame(ch))
}

func registrationFailure(err error) string {
	var cerr *domain.ConfigurationError
	var perr *domain.ProtocolError
	switch {
	case errors.As(err, &cerr):
		return msgUnavailable
	case errors.As(err, &perr):
		return perr.Error()
	default:
		return msgRegisterFailed
	}
}

func (g *Gateway) handleMessage(ctx context.Context, c *conn, frame ClientFrame, logger *slog.Logger) {
	identity := g.identityOf(c)
	if identity == "" {
		metrics.OutboundTotal.WithLabelValues(metrics.ResultDropped).Inc()
		g.reply(c, logger, newErrorFrame(msgRegisterFirst))
		return
	}
	if !c.limiter.Allow() {
		metrics.OutboundTotal.WithLabelValues(metrics.ResultDropped).Inc()
		logger.Warn("message rate limited", "identity", identity)
		g.reply(c, logger, newErrorFrame(msgRateLimited))
		return
	}

	body := strings.TrimSpace(frame.Message)
	if body == "" {
		err := &domain.ProtocolError{Reason: "empty message"}
		logger.Warn("invalid message", "identity", identity, "err", err)
		g.reply(c, logger, newErrorFrame(err.Error()))
		return
	}

	channelID, ok, err := g.cfg.Registry.Resolve(ctx, identity)
	if err != nil || !ok {
		metrics.OutboundTotal.WithLabelValues(metrics.ResultDropped).Inc()
		logger.Error("no channel for registered visitor, message dropped", "identity", identity, "err", err)
		return
	}

	sender := strings.TrimSpace(frame.Sender)
	if sender == "" {
		sender = g.cfg.DefaultSenderName
	}
	err = g.cfg.Notifier.Deliver(ctx, channelID, domain.OutboundMessage{
		SenderName: sender,
		Body:       body,
		AvatarURL:  g.cfg.SenderAvatarURL,
	})
	if err != nil {
		metrics.OutboundTotal.WithLabelValues(metrics.ResultError).Inc()
		logger.Error("message delivery failed", "identity", identity, "channel_id", channelID, "err", err)
		g.reply(c, logger, newErrorFrame(msgDeliveryFailed))
		return
	}
	metrics.OutboundTotal.WithLabelValues(metrics.ResultDelivered).Inc()
}

// Deliver sends ev to the visitor's live connection. It returns
// domain.ErrNoRecipient when the visitor is offline.
func (g *Gateway) Deliver(ctx context.Context, identity domain.VisitorIdentity, ev domain.InboundEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := g.holder(identity)
	if c == nil {
		return domain.ErrNoRecipient
	}
	if err := c.send(newMessageFrame(ev)); err != nil {
		return fmt.Errorf("write to %s: %w", identity, err)
	}
	return nil
}

// Online reports whether identity has a registered live connection.
func (g *Gateway) Online(identity domain.VisitorIdentity) bool {
	return g.holder(identity) != nil
}

// Close disconnects every live connection. New upgrades are refused.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	conns := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func (g *Gateway) holder(identity domain.VisitorIdentity) *conn {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.byIdentity[identity]
}

func (g *Gateway) identityOf(c *conn) domain.VisitorIdentity {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return c.identity
}

// bind makes c the delivery target for identity. Under the reject policy it
// fails when another connection already holds identity; under replace it
// returns the connection it displaced.
func (g *Gateway) bind(c *conn, identity domain.VisitorIdentity) (*conn, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	stale := g.byIdentity[identity]
	if stale != nil && stale != c && g.cfg.DuplicatePolicy != PolicyReplace {
		return nil, false
	}
	if stale == nil {
		metrics.RegisteredConnections.Inc()
	}
	g.byIdentity[identity] = c
	c.identity = identity
	if stale == c {
		stale = nil
	}
	return stale, true
}

func (g *Gateway) remove(c *conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, c.id)
	if c.identity != "" && g.byIdentity[c.identity] == c {
		delete(g.byIdentity, c.identity)
		metrics.RegisteredConnections.Dec()
	}
}

func (g *Gateway) reply(c *conn, logger *slog.Logger, frame any) {
	if err := c.send(frame); err != nil {
		logger.Debug("websocket write failed", "err", err)
	}
}

func (g *Gateway) keepalive(c *conn, logger *slog.Logger) {
	ticker := time.NewTicker(g.cfg.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				logger.Debug("websocket ping failed", "err", err)
				c.close()
				return
			}
		}
	}
}

func (c *conn) send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
}

// close is safe to call from any goroutine and more than once.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		if c.cancel != nil {
			c.cancel()
		}
		c.ws.Close()
	})
}
