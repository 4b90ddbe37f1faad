package notifier

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/nkkko/feedhub/internal/logging"
	"github.com/nkkko/feedhub/internal/metrics"
	"github.com/nkkko/feedhub/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Config contains notifier configuration
type Config struct {
	// Maximum idle time before dropping a websocket surface
	MaxIdleTime time.Duration

	// Interval between heartbeats on quiet connections
	HeartbeatInterval time.Duration

	// Undelivered events allowed per surface before it is disconnected
	OutboxSize int

	// Bound on coordinator round trips
	DispatchTimeout time.Duration

	// Bound on a single websocket write
	WriteTimeout time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		MaxIdleTime:       90 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		OutboxSize:        1024,
		DispatchTimeout:   10 * time.Second,
		WriteTimeout:      5 * time.Second,
	}
}

// Client is one connected surface
type Client struct {
	ID         proto.SurfaceID
	Key        proto.ResourceKey
	LastActive time.Time
	conn       *websocket.Conn
	outbox     *Outbox
	isSSE      bool
	detached   bool
	writeMu    sync.Mutex
	mu         sync.Mutex
	logger     zerolog.Logger
}

func (c *Client) touch() {
	c.mu.Lock()
	c.LastActive = time.Now()
	c.mu.Unlock()
}

func (c *Client) lastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.LastActive
}

// writeJSON serializes writes to the websocket
func (c *Client) writeJSON(v interface{}, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.detached {
		return ErrOutboxClosed
	}
	if timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return c.conn.WriteJSON(v)
}

// closeConn closes the websocket unless the handler already returned it
func (c *Client) closeConn() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn != nil && !c.detached {
		c.conn.Close()
	}
}

// detach marks the connection as handed back to the server
func (c *Client) detach() {
	c.writeMu.Lock()
	c.detached = true
	c.writeMu.Unlock()
}

// Notifier carries coordinator events to surfaces over WebSocket and SSE.
// A connection is one surface: connecting opens it, disconnecting closes it.
type Notifier struct {
	config     Config
	dispatcher Dispatcher
	clients    map[proto.SurfaceID]*Client
	mu         sync.RWMutex
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// NewNotifier creates a new notification manager
func NewNotifier(config Config, dispatcher Dispatcher) *Notifier {
	defaults := DefaultConfig()
	if config.MaxIdleTime <= 0 {
		config.MaxIdleTime = defaults.MaxIdleTime
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.OutboxSize <= 0 {
		config.OutboxSize = defaults.OutboxSize
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = defaults.DispatchTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}

	return &Notifier{
		config:     config,
		dispatcher: dispatcher,
		clients:    make(map[proto.SurfaceID]*Client),
		logger:     log.With().Str("component", "notifier").Logger(),
		metrics:    metrics.GetMetrics(),
	}
}

// Start runs idle surface reaping until ctx is done
func (n *Notifier) Start(ctx context.Context) error {
	n.logger.Info().Msg("Starting surface notifier")
	go n.cleanupIdleClients(ctx)
	return nil
}

// surfaceKey reads the feed key of a connection: key= directly, or url=
// hashed into a key
func surfaceKey(key, url string) proto.ResourceKey {
	if key != "" {
		return proto.ResourceKey(key)
	}
	if url != "" {
		return proto.KeyForURL(url)
	}
	return ""
}

// RegisterWebSocketHandler registers the WebSocket surface handler with a Fiber app
func (n *Notifier) RegisterWebSocketHandler(app *fiber.App) {
	app.Use("/surface", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/surface", websocket.New(func(c *websocket.Conn) {
		key := surfaceKey(c.Query("key", ""), c.Query("url", ""))
		if key == "" {
			c.WriteJSON(proto.Response{Success: false, Error: "key or url is required"})
			c.Close()
			return
		}
		n.handleWebSocketClient(c, key, proto.SurfaceID(c.Query("surface", "")))
	}))
}

// RegisterSSEHandler registers the Server-Sent Events surface handler with a Fiber app
func (n *Notifier) RegisterSSEHandler(app *fiber.App) {
	app.Get("/surface-sse", func(c *fiber.Ctx) error {
		key := surfaceKey(c.Query("key", ""), c.Query("url", ""))
		if key == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "key or url is required",
			})
		}

		client, resp, err := n.openSurface(key, proto.SurfaceID(c.Query("surface", "")), nil)
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
		}
		if !resp.Success {
			return c.Status(fiber.StatusConflict).JSON(resp)
		}

		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("Transfer-Encoding", "chunked")

		opened, _ := json.Marshal(resp)
		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			defer n.removeClient(client.ID)

			fmt.Fprintf(w, "event: opened\ndata: %s\n\n", opened)
			if err := w.Flush(); err != nil {
				return
			}
			n.streamSSE(client, w)
		})
		return nil
	})
}

// openSurface registers a client and opens its surface on the coordinator
func (n *Notifier) openSurface(key proto.ResourceKey, surface proto.SurfaceID, conn *websocket.Conn) (*Client, *proto.Response, error) {
	outbox := NewOutbox(n.config.OutboxSize)

	ctx, cancel := context.WithTimeout(context.Background(), n.config.DispatchTimeout)
	defer cancel()

	resp, err := n.dispatcher.Dispatch(ctx, &proto.Message{
		Action:    proto.ActionSurfaceOpen,
		SurfaceId: surface,
		Key:       key,
	}, outbox)
	if err != nil {
		return nil, nil, err
	}
	if !resp.Success {
		return nil, resp, nil
	}

	client := &Client{
		ID:         resp.SurfaceId,
		Key:        key,
		LastActive: time.Now(),
		conn:       conn,
		outbox:     outbox,
		isSSE:      conn == nil,
		logger:     logging.Surface("notifier", string(resp.SurfaceId), string(key)),
	}

	n.mu.Lock()
	n.clients[client.ID] = client
	n.mu.Unlock()
	n.metrics.NotifierConnectionsActive.Inc()

	client.logger.Debug().Bool("sse", client.isSSE).Msg("Surface connected")
	return client, resp, nil
}

// handleWebSocketClient serves one websocket surface until it disconnects
func (n *Notifier) handleWebSocketClient(conn *websocket.Conn, key proto.ResourceKey, surface proto.SurfaceID) {
	client, resp, err := n.openSurface(key, surface, conn)
	if err != nil {
		conn.WriteJSON(proto.Response{Success: false, SurfaceId: surface, Error: err.Error()})
		conn.Close()
		return
	}
	if !resp.Success {
		conn.WriteJSON(resp)
		conn.Close()
		return
	}
	if err := client.writeJSON(resp, n.config.WriteTimeout); err != nil {
		client.logger.Debug().Err(err).Msg("WebSocket write error")
		n.removeClient(client.ID)
		return
	}

	// The connection is only valid until this handler returns
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.streamWebSocket(client)
	}()
	defer func() {
		n.removeClient(client.ID)
		wg.Wait()
		client.detach()
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			client.logger.Debug().Err(err).Msg("WebSocket read error")
			return
		}
		client.touch()

		if messageType != websocket.TextMessage {
			continue
		}
		if closing := n.processClientMessage(client, message); closing {
			return
		}
	}
}

// streamWebSocket writes outbox events, and heartbeats when quiet
func (n *Notifier) streamWebSocket(client *Client) {
	for {
		batch, err := client.outbox.Next(n.config.HeartbeatInterval)
		if err != nil {
			if errors.Is(err, ErrSlowConsumer) {
				client.logger.Warn().Msg("Surface fell behind, disconnecting")
			}
			client.closeConn()
			return
		}
		if batch == nil {
			batch = []*proto.Event{{Kind: proto.EventHeartbeat, Ts: timestamppb.Now()}}
		}

		for _, ev := range batch {
			if err := client.writeJSON(ev, n.config.WriteTimeout); err != nil {
				client.logger.Debug().Err(err).Msg("WebSocket write error")
				client.closeConn()
				return
			}
			n.recordDelivery(ev, "websocket")
		}
	}
}

// streamSSE writes outbox events as SSE frames until the stream breaks
func (n *Notifier) streamSSE(client *Client, w *bufio.Writer) {
	for {
		batch, err := client.outbox.Next(n.config.HeartbeatInterval)
		if err != nil {
			return
		}

		if batch == nil {
			// Comment frame keeps proxies open and detects gone clients
			fmt.Fprint(w, ": heartbeat\n\n")
			if err := w.Flush(); err != nil {
				return
			}
			continue
		}

		for _, ev := range batch {
			data, err := json.Marshal(ev)
			if err != nil {
				client.logger.Error().Err(err).Msg("Failed to marshal event")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			n.recordDelivery(ev, "sse")
		}
		if err := w.Flush(); err != nil {
			client.logger.Debug().Err(err).Msg("SSE write error")
			return
		}
		client.touch()
	}
}

func (n *Notifier) recordDelivery(ev *proto.Event, protocol string) {
	n.metrics.NotifierEventsPublished.WithLabelValues(protocol).Inc()
	if ev.Ts != nil {
		n.metrics.NotifierEventDelay.Observe(time.Since(ev.Ts.AsTime()).Seconds())
	}
}

// processClientMessage handles a message from a websocket surface.
// It reports whether the surface asked to close.
func (n *Notifier) processClientMessage(client *Client, message []byte) bool {
	var msg proto.Message
	if err := json.Unmarshal(message, &msg); err != nil {
		client.logger.Error().Err(err).Msg("Failed to parse client message")
		client.writeJSON(proto.Response{Success: false, SurfaceId: client.ID, Error: "malformed message"}, n.config.WriteTimeout)
		return false
	}

	switch msg.Action {
	case proto.ActionSurfaceClose:
		return true

	case proto.ActionPing, proto.ActionState:
		msg.SurfaceId = client.ID
		ctx, cancel := context.WithTimeout(context.Background(), n.config.DispatchTimeout)
		resp, err := n.dispatcher.Dispatch(ctx, &msg, nil)
		cancel()
		if err != nil {
			resp = &proto.Response{Success: false, SurfaceId: client.ID, Error: err.Error()}
		}
		client.writeJSON(resp, n.config.WriteTimeout)

	default:
		// Opening, auth and data changes belong to the host, not the surface
		client.logger.Debug().Str("action", string(msg.Action)).Msg("Rejected client action")
		client.writeJSON(proto.Response{
			Success:   false,
			SurfaceId: client.ID,
			Error:     fmt.Sprintf("action %q is not allowed from a surface", msg.Action),
		}, n.config.WriteTimeout)
	}
	return false
}

// removeClient closes the surface of a disconnected client
func (n *Notifier) removeClient(id proto.SurfaceID) {
	n.mu.Lock()
	client, exists := n.clients[id]
	if exists {
		delete(n.clients, id)
	}
	n.mu.Unlock()

	if !exists {
		return
	}

	client.outbox.Close()
	n.dispatcher.CloseSurface(id)
	n.metrics.NotifierConnectionsActive.Dec()
	client.logger.Debug().Msg("Surface disconnected")
}

// ClientCount returns the number of connected surfaces
func (n *Notifier) ClientCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.clients)
}

// cleanupIdleClients periodically removes idle clients
func (n *Notifier) cleanupIdleClients(ctx context.Context) {
	ticker := time.NewTicker(n.config.MaxIdleTime / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.performClientCleanup()
		case <-ctx.Done():
			return
		}
	}
}

// performClientCleanup disconnects websocket surfaces that stopped talking.
// Closing the connection ends the read loop, which closes the surface.
func (n *Notifier) performClientCleanup() {
	now := time.Now()

	n.mu.RLock()
	var idle []*Client
	for _, client := range n.clients {
		if !client.isSSE && now.Sub(client.lastActive()) > n.config.MaxIdleTime {
			idle = append(idle, client)
		}
	}
	n.mu.RUnlock()

	for _, client := range idle {
		client.logger.Debug().Msg("Disconnecting idle surface")
		client.closeConn()
	}
}

// Shutdown disconnects every surface
func (n *Notifier) Shutdown(ctx context.Context) error {
	n.logger.Info().Msg("Shutting down notifier")

	n.mu.RLock()
	clients := make([]*Client, 0, len(n.clients))
	for _, client := range n.clients {
		clients = append(clients, client)
	}
	n.mu.RUnlock()

	for _, client := range clients {
		client.outbox.Close()
		client.closeConn()
	}

	n.logger.Info().Int("closed_clients", len(clients)).Msg("All surface connections closed")
	return nil
}
