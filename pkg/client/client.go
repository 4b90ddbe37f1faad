package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/feedhub/pkg/proto"
)

// ErrSubscriptionClosed is returned when using a closed subscription
var ErrSubscriptionClosed = errors.New("subscription closed")

// Client talks to the feedhub control API and opens surfaces on the gateway
type Client struct {
	baseURL         string
	gatewayURL      string
	httpClient      *http.Client
	headers         http.Header
	websocketDialer *websocket.Dialer
	timeout         time.Duration

	mu    sync.RWMutex
	token string
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
		c.httpClient.Timeout = timeout
	}
}

// WithGatewayURL sets the surface gateway address. It defaults to the
// control API address.
func WithGatewayURL(gatewayURL string) ClientOption {
	return func(c *Client) {
		c.gatewayURL = gatewayURL
	}
}

// WithToken sets the bearer token sent to the control API
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// New creates a new feedhub client for the control API at baseURL
func New(baseURL string, options ...ClientOption) *Client {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	client := &Client{
		baseURL:         baseURL,
		gatewayURL:      baseURL,
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		headers:         headers,
		websocketDialer: websocket.DefaultDialer,
		timeout:         10 * time.Second,
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// Token returns the bearer token in use
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Record is a record as returned by the control API
type Record struct {
	ID        string            `json:"id"`
	Key       string            `json:"key"`
	Type      string            `json:"type"`
	Author    string            `json:"author,omitempty"`
	Body      string            `json:"body"`
	Meta      map[string]string `json:"meta,omitempty"`
	Parent    string            `json:"parent,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// RecordPage is one window of a feed, newest first
type RecordPage struct {
	Key            string    `json:"key"`
	Offset         int       `json:"offset"`
	RequestedCount int       `json:"requested_count"`
	Count          int       `json:"count"`
	Total          int       `json:"total"`
	Records        []*Record `json:"records"`
}

// APIError is a failure reported by the control API
type APIError struct {
	StatusCode int
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error (%d)", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s: %s", e.StatusCode, e.Code, e.Message)
}

// Login starts the host session for identity and keeps the issued token
func (c *Client) Login(ctx context.Context, identity string, register bool) (*proto.LoginResponse, error) {
	var out proto.LoginResponse
	req := &proto.LoginRequest{Identity: identity, Register: register}
	if err := c.call(ctx, http.MethodPost, "/auth/login", req, &out); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	return &out, nil
}

// Logout ends the host session
func (c *Client) Logout(ctx context.Context) error {
	if err := c.call(ctx, http.MethodPost, "/auth/logout", nil, nil); err != nil {
		return err
	}

	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return nil
}

// CreateRecord adds a record to a feed
func (c *Client) CreateRecord(ctx context.Context, req *proto.CreateRecordRequest) (*Record, error) {
	var out Record
	if err := c.call(ctx, http.MethodPost, "/records", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRecord retrieves a record by ID
func (c *Client) GetRecord(ctx context.Context, id string) (*Record, error) {
	var out Record
	if err := c.call(ctx, http.MethodGet, "/records/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRecords returns count records of key starting at offset, newest first
func (c *Client) ListRecords(ctx context.Context, key proto.ResourceKey, offset, count int) (*RecordPage, error) {
	q := url.Values{}
	q.Set("key", string(key))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("count", strconv.Itoa(count))

	var out RecordPage
	if err := c.call(ctx, http.MethodGet, "/records?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteRecord removes a record by ID
func (c *Client) DeleteRecord(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/records/"+url.PathEscape(id), nil, nil)
}

// AssignRole grants role to identity
func (c *Client) AssignRole(ctx context.Context, identity, role string) error {
	req := &proto.AssignRoleRequest{Identity: identity, Role: role}
	return c.call(ctx, http.MethodPost, "/roles", req, nil)
}

// State returns the coordinator snapshot as raw JSON
func (c *Client) State(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.call(ctx, http.MethodGet, "/state", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// call makes a control API request and decodes the data of its envelope into out
func (c *Client) call(ctx context.Context, method, path string, body, out interface{}) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return err
	}
	ref, err := url.Parse(path)
	if err != nil {
		return err
	}
	u.Path = ref.Path
	u.RawQuery = ref.RawQuery

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return err
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *APIError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		if resp.StatusCode >= 400 {
			return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode >= 400 || !envelope.Success {
		apiErr := envelope.Error
		if apiErr == nil {
			apiErr = &APIError{Message: resp.Status}
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Subscribe opens a surface on key. The returned subscription is already
// registered with the coordinator.
func (c *Client) Subscribe(ctx context.Context, key proto.ResourceKey) (*Subscription, error) {
	return c.subscribe(ctx, "key", string(key))
}

// SubscribeURL opens a surface on the feed for a page URL
func (c *Client) SubscribeURL(ctx context.Context, pageURL string) (*Subscription, error) {
	return c.subscribe(ctx, "url", pageURL)
}

func (c *Client) subscribe(ctx context.Context, param, value string) (*Subscription, error) {
	u, err := url.Parse(c.gatewayURL)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	u.Path = "/surface"
	q := u.Query()
	q.Set(param, value)
	u.RawQuery = q.Encode()

	conn, _, err := c.websocketDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	// The first message answers the open request
	conn.SetReadDeadline(time.Now().Add(c.timeout))
	var opened proto.Response
	if err := conn.ReadJSON(&opened); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read open response: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	if !opened.Success {
		conn.Close()
		return nil, fmt.Errorf("surface rejected: %s", opened.Error)
	}

	sub := &Subscription{
		ID:        opened.SurfaceId,
		Conn:      conn,
		Events:    make(chan *proto.Event, 100),
		Responses: make(chan *proto.Response, 16),
		Done:      make(chan struct{}),
	}

	go sub.receive()

	return sub, nil
}

// Subscription is an open surface
type Subscription struct {
	ID        proto.SurfaceID
	Conn      *websocket.Conn
	Events    chan *proto.Event
	Responses chan *proto.Response
	Done      chan struct{}

	writeMu sync.Mutex
	closed  bool
}

// receive splits incoming frames into events and responses. Heartbeats
// are dropped.
func (s *Subscription) receive() {
	defer func() {
		close(s.Events)
		close(s.Responses)
		close(s.Done)
		s.Conn.Close()
	}()

	for {
		_, message, err := s.Conn.ReadMessage()
		if err != nil {
			return
		}

		var frame struct {
			Kind    proto.EventKind `json:"kind"`
			Success *bool           `json:"success"`
		}
		if err := json.Unmarshal(message, &frame); err != nil {
			continue
		}

		switch {
		case frame.Kind == proto.EventHeartbeat:
			continue

		case frame.Kind != "":
			var event proto.Event
			if err := json.Unmarshal(message, &event); err != nil {
				continue
			}
			select {
			case s.Events <- &event:
			default:
				// Channel is full, drop event
			}

		case frame.Success != nil:
			var resp proto.Response
			if err := json.Unmarshal(message, &resp); err != nil {
				continue
			}
			select {
			case s.Responses <- &resp:
			default:
			}
		}
	}
}

func (s *Subscription) send(msg *proto.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrSubscriptionClosed
	}
	return s.Conn.WriteJSON(msg)
}

// Ping asks the coordinator for a liveness answer, delivered on Responses
func (s *Subscription) Ping() error {
	return s.send(&proto.Message{Action: proto.ActionPing})
}

// RequestState asks for the coordinator snapshot, delivered on Responses
func (s *Subscription) RequestState() error {
	return s.send(&proto.Message{Action: proto.ActionState})
}

// Close closes the surface and the connection
func (s *Subscription) Close() error {
	err := s.send(&proto.Message{Action: proto.ActionSurfaceClose})
	if errors.Is(err, ErrSubscriptionClosed) {
		return nil
	}

	s.writeMu.Lock()
	s.closed = true
	s.writeMu.Unlock()

	select {
	case <-s.Done:
	case <-time.After(time.Second):
		s.Conn.Close()
	}

	return err
}
