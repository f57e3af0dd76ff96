package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/4xmen/novachat/internal/delivery"
	"github.com/4xmen/novachat/internal/models"
	"github.com/4xmen/novachat/internal/presence"
	"github.com/4xmen/novachat/internal/receipts"
	"github.com/4xmen/novachat/internal/typing"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

type handlerFunc func(ctx context.Context, c *Client, payload json.RawMessage) error

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Gateway terminates client websocket connections and routes inbound
// events to the presence, typing, delivery and receipt components.
type Gateway struct {
	presence *presence.Tracker
	typing   *typing.Coordinator
	router   *delivery.Router
	receipts *receipts.Processor
	handlers map[string]handlerFunc
	upgrader websocket.Upgrader
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewGateway(tracker *presence.Tracker, coordinator *typing.Coordinator, router *delivery.Router, processor *receipts.Processor, allowedOrigins []string, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		presence: tracker,
		typing:   coordinator,
		router:   router,
		receipts: processor,
		logger:   logger.Named("ws"),
		ctx:      ctx,
		cancel:   cancel,
		clients:  make(map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}

	g.handlers = map[string]handlerFunc{
		"send_message":   g.handleSendMessage,
		"typing_start":   g.handleTypingStart,
		"typing_stop":    g.handleTypingStop,
		"mark_read":      g.handleMarkRead,
		"mark_delivered": g.handleMarkDelivered,
		"edit_message":   g.handleEditMessage,
		"delete_message": g.handleDeleteMessage,
		"ping":           g.handlePing,
	}
	for _, t := range delivery.SignalTypes {
		g.handlers[t] = g.signalHandler(t)
	}
	return g
}

// originChecker allows any origin when none are configured.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// HandleWebSocket upgrades an authenticated request. The auth middleware
// must have stored the caller's user_id in the gin context.
func (g *Gateway) HandleWebSocket(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		g.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		id:          uuid.NewString(),
		userID:      userID.(int),
		connectedAt: time.Now().UTC(),
		conn:        conn,
		gw:          g,
		send:        make(chan models.Event, sendBuffer),
	}

	g.mu.Lock()
	g.clients[client] = struct{}{}
	g.mu.Unlock()

	g.presence.Connect(g.ctx, client)
	g.logger.Debug("client connected", zap.Int("user_id", client.userID), zap.String("conn_id", client.id))

	g.wg.Add(2)
	go client.writePump()
	go client.readPump()
}

func (g *Gateway) dispatch(c *Client, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		c.fail("", fmt.Errorf("%w: malformed event", models.ErrValidation))
		return
	}

	handler, ok := g.handlers[env.Type]
	if !ok {
		c.fail("", fmt.Errorf("%w: unknown event type %q", models.ErrValidation, env.Type))
		return
	}

	if err := handler(g.ctx, c, env.Payload); err != nil {
		var token struct {
			ClientMessageID string `json:"client_message_id"`
		}
		_ = json.Unmarshal(env.Payload, &token)

		if code, _ := models.PublicError(err); code == models.CodeInternal {
			g.logger.Error("event failed", zap.String("type", env.Type), zap.Int("user_id", c.userID), zap.Error(err))
		}
		c.fail(token.ClientMessageID, err)
	}
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return fmt.Errorf("%w: missing payload", models.ErrValidation)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: malformed payload", models.ErrValidation)
	}
	return nil
}

type sendMessagePayload struct {
	RecipientID     int     `json:"recipient_id"`
	Content         string  `json:"content"`
	MediaURL        *string `json:"media_url"`
	ClientMessageID string  `json:"client_message_id"`
}

func (g *Gateway) handleSendMessage(ctx context.Context, c *Client, payload json.RawMessage) error {
	var p sendMessagePayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	_, err := g.router.Send(ctx, delivery.SendRequest{
		SenderID:         c.userID,
		RecipientID:      p.RecipientID,
		Content:          p.Content,
		MediaURL:         p.MediaURL,
		CorrelationToken: p.ClientMessageID,
	})
	return err
}

type peerPayload struct {
	RecipientID int `json:"recipient_id"`
}

func (g *Gateway) handleTypingStart(ctx context.Context, c *Client, payload json.RawMessage) error {
	var p peerPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	return g.typing.Start(ctx, c, p.RecipientID)
}

func (g *Gateway) handleTypingStop(_ context.Context, c *Client, payload json.RawMessage) error {
	var p peerPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	g.typing.Stop(c, p.RecipientID)
	return nil
}

type receiptPayload struct {
	MessageID  int   `json:"message_id"`
	MessageIDs []int `json:"message_ids"`
}

func (p receiptPayload) ids() ([]int, error) {
	ids := p.MessageIDs
	if p.MessageID > 0 {
		ids = append(ids, p.MessageID)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: message_id is required", models.ErrValidation)
	}
	return ids, nil
}

func (g *Gateway) handleMarkRead(ctx context.Context, c *Client, payload json.RawMessage) error {
	var p receiptPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	ids, err := p.ids()
	if err != nil {
		return err
	}
	return g.receipts.MarkReadBatch(ctx, c.userID, ids)
}

func (g *Gateway) handleMarkDelivered(ctx context.Context, c *Client, payload json.RawMessage) error {
	var p receiptPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	ids, err := p.ids()
	if err != nil {
		return err
	}
	return g.receipts.MarkDelivered(ctx, c.userID, ids)
}

type editPayload struct {
	MessageID int    `json:"message_id"`
	Content   string `json:"content"`
}

func (g *Gateway) handleEditMessage(ctx context.Context, c *Client, payload json.RawMessage) error {
	var p editPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	_, err := g.router.Edit(ctx, c.userID, p.MessageID, p.Content)
	return err
}

type deletePayload struct {
	MessageID int                `json:"message_id"`
	Scope     models.DeleteScope `json:"scope"`
}

func (g *Gateway) handleDeleteMessage(ctx context.Context, c *Client, payload json.RawMessage) error {
	var p deletePayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	return g.router.Delete(ctx, c.userID, p.MessageID, p.Scope)
}

func (g *Gateway) handlePing(_ context.Context, c *Client, _ json.RawMessage) error {
	c.Emit(models.NewEvent(models.EventPong, nil))
	return nil
}

type signalPayload struct {
	RecipientID int            `json:"recipient_id"`
	Data        map[string]any `json:"data"`
}

func (g *Gateway) signalHandler(signalType string) handlerFunc {
	return func(ctx context.Context, c *Client, payload json.RawMessage) error {
		var p signalPayload
		if err := decode(payload, &p); err != nil {
			return err
		}
		return g.router.Signal(ctx, c.userID, p.RecipientID, signalType, p.Data)
	}
}

// disconnect tears down everything the connection owns. Typing signals go
// first so peers see typing stop before any offline transition.
func (g *Gateway) disconnect(c *Client) {
	g.typing.Drop(c)
	g.presence.Disconnect(g.ctx, c)
	c.close()

	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
	g.logger.Debug("client disconnected", zap.Int("user_id", c.userID), zap.String("conn_id", c.id))
}

// Close drops every open connection and waits for their pumps to exit.
func (g *Gateway) Close() {
	g.mu.Lock()
	for c := range g.clients {
		c.conn.Close()
	}
	g.mu.Unlock()

	g.wg.Wait()
	g.cancel()
}

// Client is one websocket connection. It implements registry.Conn.
type Client struct {
	id          string
	userID      int
	connectedAt time.Time
	conn        *websocket.Conn
	gw          *Gateway

	mu     sync.Mutex
	closed bool
	send   chan models.Event
}

func (c *Client) ID() string             { return c.id }
func (c *Client) UserID() int            { return c.userID }
func (c *Client) ConnectedAt() time.Time { return c.connectedAt }

// Emit queues an event without blocking. A slow client whose buffer is full
// loses the event rather than stalling the sender.
func (c *Client) Emit(event models.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- event:
		return true
	default:
		c.gw.logger.Warn("send buffer full", zap.Int("user_id", c.userID), zap.String("conn_id", c.id), zap.String("type", event.Type))
		return false
	}
}

func (c *Client) fail(clientMessageID string, err error) {
	code, message := models.PublicError(err)
	c.Emit(models.NewEvent(models.EventError, models.ErrorPayload{
		Code:            code,
		Message:         message,
		ClientMessageID: clientMessageID,
	}))
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.gw.disconnect(c)
		c.conn.Close()
		c.gw.wg.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.gw.logger.Info("websocket closed", zap.Int("user_id", c.userID), zap.Error(err))
			}
			return
		}
		c.gw.dispatch(c, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.gw.wg.Done()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if err := json.NewEncoder(w).Encode(event); err != nil {
				c.gw.logger.Error("failed to encode event", zap.String("type", event.Type), zap.Error(err))
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
