// Package gateway implements the WebSocket RPC client and connection pool
// that bridge browser-facing sessions onto the upstream OpenClaw Gateway.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openclaw/webchat-bff/internal/logging"
	"github.com/openclaw/webchat-bff/internal/metrics"
)

const protocolVersion = 3

// State is the lifecycle state of an RpcClient.
type State string

const (
	StateIdle             State = "idle"
	StateConnecting       State = "connecting"
	StateHandshakePending State = "handshake_pending"
	StateReady            State = "ready"
	StateClosed           State = "closed"
)

// Options configures a single RpcClient / one WebSocket connection.
type Options struct {
	URL               string
	Origin            string
	Token             string
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	TLSVerify         bool

	ReconnectMaxRetries int
	ReconnectDelay      time.Duration

	ClientID         string
	ClientInstanceID string
	ClientVersion    string
}

type wireFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Name    string          `json:"name,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

type wireError struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
	Data    any             `json:"data,omitempty"`
}

func (e *wireError) codeString() string {
	if e == nil || len(e.Code) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Code, &s); err == nil {
		return s
	}
	var n int64
	if err := json.Unmarshal(e.Code, &n); err == nil {
		return fmt.Sprintf("%d", n)
	}
	return string(e.Code)
}

// EventHandler receives the raw payload of a push event frame.
type EventHandler func(eventName string, payload json.RawMessage)

type pendingRequest struct {
	resultCh chan pendingResult
}

type pendingResult struct {
	payload json.RawMessage
	err     error
}

// RpcClient owns exactly one WebSocket connection to the Gateway: handshake,
// request/response correlation, heartbeat, event dispatch, and optional
// linear-backoff reconnect. A closed client is terminal; callers build a new
// instance instead of reopening.
type RpcClient struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	writeMu sync.Mutex

	conn  *websocket.Conn
	state State

	pending map[string]*pendingRequest

	// listeners: event name → subscription id → handler. "*" is the
	// wildcard bucket matched against every event regardless of name.
	listeners map[string]map[int]EventHandler
	nextSubID int

	lastPongAt time.Time

	reconnectAttempts int
	closedExplicitly  bool
}

// NewRpcClient constructs an idle RpcClient. Connect must be called before
// any request may succeed.
func NewRpcClient(opts Options) *RpcClient {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &RpcClient{
		opts:      opts,
		logger:    logging.L(),
		state:     StateIdle,
		pending:   make(map[string]*pendingRequest),
		listeners: make(map[string]map[int]EventHandler),
	}
}

// IsConnected reports whether the client is in the Ready state.
func (c *RpcClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateReady
}

// State returns the current lifecycle state.
func (c *RpcClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastPongAt returns the time of the last observed heartbeat pong. Pong
// liveness is purely observational; no timeout is enforced by this client.
func (c *RpcClient) LastPongAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPongAt
}

// Connect dials the Gateway WebSocket and performs the mandatory connect
// handshake. It blocks until the handshake response arrives or ctx is
// cancelled. No other request may be sent before this returns successfully.
func (c *RpcClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return errConnectFailed("rpc client is closed")
	}
	c.state = StateConnecting
	c.mu.Unlock()

	dialURL, err := buildDialURL(c.opts.URL, c.opts.Token)
	if err != nil {
		c.transitionClosed(errConnectFailed(err.Error()))
		return errConnectFailed(err.Error())
	}

	header := http.Header{}
	if c.opts.Origin != "" {
		header.Set("Origin", c.opts.Origin)
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: c.opts.ConnectTimeout,
	}
	if !c.opts.TLSVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(connectCtx, dialURL, header)
	if err != nil {
		c.transitionClosed(errConnectFailed(err.Error()))
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return errUnauthorized(fmt.Sprintf("gateway upgrade rejected: %s", resp.Status))
		}
		return errConnectFailed(fmt.Sprintf("dial %s: %v", c.opts.URL, err))
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateHandshakePending
	c.mu.Unlock()

	// Installed before the read loop starts: gorilla invokes pong handlers
	// from ReadMessage, so setting it later would race the loop.
	conn.SetPongHandler(func(string) error {
		c.recordPong()
		return nil
	})

	go c.readLoop(conn)

	// sendConnectRequest fully awaits the connect response via the normal
	// pending-map/doRequest machinery: by the time it returns, the handshake
	// has already succeeded or failed. There is nothing further to wait on.
	if err := c.sendConnectRequest(connectCtx); err != nil {
		conn.Close()
		c.transitionClosed(err)
		return err
	}

	// The WS may have died between the connect response and this point; the
	// read loop's cleanup moves the state to Closed, and a Closed client must
	// never be promoted to Ready (the pool would hand it out as live).
	c.mu.Lock()
	if c.state != StateHandshakePending {
		c.mu.Unlock()
		return errConnectFailed("connection closed during handshake")
	}
	c.state = StateReady
	c.reconnectAttempts = 0
	c.mu.Unlock()
	if c.opts.HeartbeatInterval > 0 {
		go c.heartbeatLoop(conn)
	}
	return nil
}

// sendConnectRequest sends the mandatory first request on a fresh WS.
func (c *RpcClient) sendConnectRequest(ctx context.Context) error {
	params := map[string]any{
		"minProtocol": protocolVersion,
		"maxProtocol": protocolVersion,
		"client": map[string]any{
			"id":         c.opts.ClientID,
			"version":    c.opts.ClientVersion,
			"platform":   "web",
			"mode":       "bridge",
			"instanceId": c.opts.ClientInstanceID,
		},
		"role": "operator",
		"scopes": []string{
			"operator.read",
			"operator.admin",
			"operator.approvals",
			"operator.pairing",
		},
		"auth": map[string]any{"token": c.opts.Token},
	}

	_, err := c.doRequest(ctx, "connect", params, c.opts.ConnectTimeout)
	if err != nil {
		// A connect-response error classifies to UNAUTHORIZED (preserved
		// as-is) or GATEWAY_CONNECT_FAILED, never GATEWAY_RPC_ERROR, which
		// handleResponse's generic classification uses as its fallback for
		// ordinary requests.
		if gerr, ok := err.(*Error); ok {
			if gerr.Code == CodeUnauthorized {
				return gerr
			}
			return errConnectFailed(gerr.Message)
		}
		return errConnectFailed(err.Error())
	}
	return nil
}

// Request sends a method call and awaits its response. The client must have
// completed its handshake (be in Ready state) before Request may succeed.
func (c *RpcClient) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	ready := c.state == StateReady
	c.mu.Unlock()
	if !ready {
		return nil, errConnectFailed(fmt.Sprintf("request %q attempted while not ready", method))
	}
	return c.doRequest(ctx, method, params, c.opts.RequestTimeout)
}

func (c *RpcClient) doRequest(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id := uuid.NewString()
	frame := wireFrame{Type: "req", ID: id, Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, errConnectFailed(fmt.Sprintf("marshal params: %v", err))
		}
		frame.Params = b
	}

	pr := &pendingRequest{resultCh: make(chan pendingResult, 1)}
	c.mu.Lock()
	c.pending[id] = pr
	c.mu.Unlock()

	if err := c.writeFrame(frame); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, errConnectFailed(fmt.Sprintf("write %q: %v", method, err))
	}

	select {
	case result := <-pr.resultCh:
		return result.payload, result.err
	case <-reqCtx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, errRPC(fmt.Sprintf("request %q timed out after %s", method, timeout), nil)
	}
}

// SubscribeEvent registers cb under name ("*" matches every event) and
// returns an unsubscribe function.
func (c *RpcClient) SubscribeEvent(name string, cb EventHandler) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	if c.listeners[name] == nil {
		c.listeners[name] = make(map[int]EventHandler)
	}
	c.listeners[name][id] = cb
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		if bucket, ok := c.listeners[name]; ok {
			delete(bucket, id)
			if len(bucket) == 0 {
				delete(c.listeners, name)
			}
		}
		c.mu.Unlock()
	}
}

// Close transitions the client to Closed, rejecting all pending requests.
// Reconnect is never attempted after an explicit Close.
func (c *RpcClient) Close() {
	c.mu.Lock()
	c.closedExplicitly = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.transitionClosed(nil)
}

// transitionClosed moves the client to Closed and rejects every pending
// request with rejectErr (defaulting to a generic GATEWAY_CONNECT_FAILED
// when nil). Idempotent: a second call after the state is already Closed is
// a no-op, so both Connect's failure paths and readLoop's deferred cleanup
// can call it without coordinating who goes first.
func (c *RpcClient) transitionClosed(rejectErr error) {
	if rejectErr == nil {
		rejectErr = errConnectFailed("rpc client closed")
	}
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, pr := range pending {
		pr.resultCh <- pendingResult{err: rejectErr}
	}
}

// readLoop reads frames serially from the WS and dispatches them. Event
// callbacks run synchronously within this loop (isolated only by recover)
// so that callback invocation preserves upstream frame order.
func (c *RpcClient) readLoop(conn *websocket.Conn) {
	var closeErr error

	defer func() {
		conn.Close()

		c.mu.Lock()
		wasReady := c.state == StateReady
		explicit := c.closedExplicitly
		c.mu.Unlock()

		// Once the handshake has succeeded, every previously pending
		// request rejects with GATEWAY_CONNECT_FAILED regardless of the
		// close reason. Before that point, the only pending request is the
		// connect handshake itself, which must classify the same way
		// Connect's own error paths do.
		var rejectErr *Error
		switch {
		case wasReady:
			rejectErr = errConnectFailed("rpc client closed")
		case closeErr != nil && isAuthCloseCode(closeErr):
			rejectErr = errUnauthorized("gateway closed connection: " + closeErr.Error())
		default:
			rejectErr = errConnectFailed("connection closed before handshake")
		}

		c.transitionClosed(rejectErr)

		if wasReady && !explicit && !isAuthCloseCode(closeErr) {
			c.maybeReconnect()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			closeErr = err
			return
		}

		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("gateway: malformed frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case "res":
			c.handleResponse(frame)
		case "event":
			c.dispatchEvent(frame)
		case "pong":
			c.recordPong()
		default:
			if frame.ID != "" {
				c.handleResponse(frame)
			}
		}
	}
}

// handleResponse matches a res frame to its pending request. Success is
// error == nil AND ok != false; the result body is result if present else
// payload. Unknown ids are silently ignored.
func (c *RpcClient) handleResponse(frame wireFrame) {
	c.mu.Lock()
	pr := c.pending[frame.ID]
	delete(c.pending, frame.ID)
	c.mu.Unlock()

	if pr == nil {
		return
	}

	ok := frame.OK == nil || *frame.OK
	if frame.Error == nil && ok {
		body := frame.Result
		if len(body) == 0 {
			body = frame.Payload
		}
		pr.resultCh <- pendingResult{payload: body}
		return
	}

	message := "gateway request failed"
	wireCode := ""
	if frame.Error != nil {
		message = frame.Error.Message
		wireCode = frame.Error.codeString()
	}
	classified := classifyWireCode(wireCode, message, CodeRPCError, 502)
	if classified.Code == CodeRPCError && frame.Error != nil {
		classified.Details = frame.Error.Data
		if wireCode == "NOT_FOUND" {
			classified = newError(CodeNotFound, 404, message)
		}
	}
	pr.resultCh <- pendingResult{err: classified}
}

// dispatchEvent invokes every callback registered under the frame's event
// name plus every "*" wildcard callback, in registration order.
func (c *RpcClient) dispatchEvent(frame wireFrame) {
	eventName := frame.Event
	if eventName == "" {
		eventName = frame.Name
	}
	payload := frame.Payload
	if len(payload) == 0 {
		payload = frame.Data
	}

	c.mu.Lock()
	byID := make(map[int]EventHandler)
	if bucket, ok := c.listeners[eventName]; ok {
		for id, h := range bucket {
			byID[id] = h
		}
	}
	if eventName != "*" {
		if bucket, ok := c.listeners["*"]; ok {
			for id, h := range bucket {
				byID[id] = h
			}
		}
	}
	c.mu.Unlock()

	// Subscription ids only ever increase, so sorting them restores
	// registration order across the named and wildcard buckets.
	ids := make([]int, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		c.invokeSafely(byID[id], eventName, payload)
	}
}

func (c *RpcClient) invokeSafely(h EventHandler, eventName string, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("gateway: event handler panic", zap.Any("recovered", r), zap.String("event", eventName))
		}
	}()
	h(eventName, payload)
}

func (c *RpcClient) recordPong() {
	c.mu.Lock()
	c.lastPongAt = time.Now()
	c.mu.Unlock()
}

func (c *RpcClient) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		alive := c.state == StateReady && c.conn == conn
		c.mu.Unlock()
		if !alive {
			return
		}
		c.writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// maybeReconnect schedules a linear-backoff reconnect: attempt N fires after
// N × ReconnectDelay, up to ReconnectMaxRetries. Never attempted after an
// explicit Close or an auth-class failure (the caller only reaches here on
// a non-auth disconnect of a previously Ready client).
func (c *RpcClient) maybeReconnect() {
	if c.opts.ReconnectMaxRetries <= 0 {
		return
	}
	c.mu.Lock()
	if c.closedExplicitly {
		c.mu.Unlock()
		return
	}
	c.reconnectAttempts++
	attempt := c.reconnectAttempts
	c.mu.Unlock()

	if attempt > c.opts.ReconnectMaxRetries {
		return
	}
	metrics.RpcReconnects.Inc()

	delay := time.Duration(attempt) * c.opts.ReconnectDelay
	time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.closedExplicitly {
			c.mu.Unlock()
			return
		}
		c.state = StateIdle
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
		defer cancel()
		if err := c.Connect(ctx); err != nil {
			c.logger.Warn("gateway: reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			if !IsCode(err, CodeUnauthorized) {
				c.maybeReconnect()
			}
		}
	})
}

// isAuthCloseCode reports whether err is a WS close with code 4001 or 4003,
// the Gateway's auth-rejection close codes.
func isAuthCloseCode(err error) bool {
	return websocket.IsCloseError(err, 4001, 4003)
}

func buildDialURL(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid gateway url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *RpcClient) writeFrame(frame wireFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no connection")
	}
	return conn.WriteJSON(frame)
}
