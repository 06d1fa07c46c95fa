package solana

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
)

var wsJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrWSClosed is returned for calls on a closed WebSocket client.
var ErrWSClosed = errors.New("websocket client closed")

// WSClientConfig configures WebSocket client behavior.
type WSClientConfig struct {
	// HandshakeTimeout bounds the initial dial.
	HandshakeTimeout time.Duration
	// RequestTimeout bounds the wait for a subscribe/unsubscribe reply.
	RequestTimeout time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// Buffer is the per-subscription notification buffer.
	Buffer int
	// Commitment for logsSubscribe.
	Commitment string
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSClientConfig {
	return WSClientConfig{
		HandshakeTimeout: 10 * time.Second,
		RequestTimeout:   30 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		Buffer:           10000,
		Commitment:       CommitmentConfirmed,
	}
}

// WSClient implements LogSubscriber using gorilla/websocket.
// It does not reconnect: a read failure fails every open subscription and
// the owner dials a fresh client.
type WSClient struct {
	endpoint string
	config   WSClientConfig

	conn      *websocket.Conn
	writeMu   sync.Mutex
	closed    atomic.Bool
	requestID atomic.Uint64

	subs   map[int64]*Subscription
	subsMu sync.RWMutex

	// pending maps request ID to the channel waiting for its reply
	pending   map[uint64]chan wsReply
	pendingMu sync.Mutex

	done     chan struct{}
	closeErr error
	closeMu  sync.Mutex
	wg       sync.WaitGroup
}

// Compile-time interface check.
var _ LogSubscriber = (*WSClient)(nil)

// NewWSClient creates a new WebSocket client and connects to the endpoint.
func NewWSClient(ctx context.Context, endpoint string, config *WSClientConfig) (*WSClient, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1
	}
	if cfg.Commitment == "" {
		cfg.Commitment = CommitmentConfirmed
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c := &WSClient{
		endpoint: endpoint,
		config:   cfg,
		conn:     conn,
		subs:     make(map[int64]*Subscription),
		pending:  make(map[uint64]chan wsReply),
		done:     make(chan struct{}),
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// Endpoint returns the WebSocket URL.
func (c *WSClient) Endpoint() string {
	return c.endpoint
}

// SubscribeLogs subscribes to program logs matching the filter.
func (c *WSClient) SubscribeLogs(ctx context.Context, filter LogsFilter) (*Subscription, error) {
	mentionsFilter := make(map[string]interface{})
	if len(filter.Mentions) > 0 {
		mentionsFilter["mentions"] = filter.Mentions
	} else {
		mentionsFilter["all"] = nil
	}

	reply, err := c.request(ctx, "logsSubscribe", []interface{}{
		mentionsFilter,
		map[string]string{"commitment": c.config.Commitment},
	})
	if err != nil {
		return nil, fmt.Errorf("logsSubscribe: %w", err)
	}

	var subID int64
	if err := wsJSON.Unmarshal(reply.Result, &subID); err != nil {
		return nil, fmt.Errorf("logsSubscribe: decode subscription id: %w", err)
	}

	sub := NewSubscription(subID, c.config.Buffer)
	c.subsMu.Lock()
	c.subs[subID] = sub
	c.subsMu.Unlock()

	// Close may have raced the registration.
	if c.closed.Load() {
		sub.Close(c.err())
		return nil, ErrWSClosed
	}
	return sub, nil
}

// Unsubscribe cancels a subscription. The local handle is closed even if the
// node rejects the request.
func (c *WSClient) Unsubscribe(ctx context.Context, id int64) error {
	c.subsMu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.subsMu.Unlock()
	if ok {
		sub.Close(nil)
	}

	reply, err := c.request(ctx, "logsUnsubscribe", []interface{}{id})
	if err != nil {
		return fmt.Errorf("logsUnsubscribe: %w", err)
	}
	var okResult bool
	if err := wsJSON.Unmarshal(reply.Result, &okResult); err != nil {
		return fmt.Errorf("logsUnsubscribe: decode result: %w", err)
	}
	if !okResult {
		return fmt.Errorf("logsUnsubscribe: subscription %d not found", id)
	}
	return nil
}

// Close closes the WebSocket connection.
func (c *WSClient) Close() error {
	c.shutdown(ErrWSClosed, true)
	c.wg.Wait()
	return nil
}

// Done is closed when the connection is gone.
func (c *WSClient) Done() <-chan struct{} {
	return c.done
}

func (c *WSClient) err() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeErr
}

// shutdown tears the connection down and fails all subscriptions with cause.
func (c *WSClient) shutdown(cause error, graceful bool) {
	if c.closed.Swap(true) {
		return
	}

	c.closeMu.Lock()
	c.closeErr = cause
	c.closeMu.Unlock()
	close(c.done)

	c.writeMu.Lock()
	if graceful {
		c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	c.conn.Close()
	c.writeMu.Unlock()

	c.subsMu.Lock()
	subs := c.subs
	c.subs = make(map[int64]*Subscription)
	c.subsMu.Unlock()
	for _, sub := range subs {
		sub.Close(cause)
	}

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// request sends a JSON-RPC request and waits for its reply.
func (c *WSClient) request(ctx context.Context, method string, params []interface{}) (wsReply, error) {
	if c.closed.Load() {
		return wsReply{}, ErrWSClosed
	}

	reqID := c.requestID.Add(1)
	replyCh := make(chan wsReply, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = replyCh
	c.pendingMu.Unlock()

	forget := func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}

	payload, err := wsJSON.Marshal(wsRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		forget()
		return wsReply{}, fmt.Errorf("marshal request: %w", err)
	}

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	err = c.conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		forget()
		return wsReply{}, fmt.Errorf("write request: %w", err)
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return wsReply{}, c.err()
		}
		if reply.Error != nil {
			return wsReply{}, reply.Error
		}
		return reply, nil
	case <-timer.C:
		forget()
		return wsReply{}, fmt.Errorf("no reply after %s", c.config.RequestTimeout)
	case <-ctx.Done():
		forget()
		return wsReply{}, ctx.Err()
	}
}

// readLoop reads messages until the connection fails, then fails every subscription.
func (c *WSClient) readLoop() {
	defer c.wg.Done()

	for {
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("websocket read: %w", err), false)
			return
		}
		c.handleMessage(message)
	}
}

// handleMessage dispatches replies to pending requests and notifications to subscriptions.
func (c *WSClient) handleMessage(message []byte) {
	var env wsEnvelope
	if err := wsJSON.Unmarshal(message, &env); err != nil {
		return
	}

	if env.Method == "logsNotification" {
		if env.Params != nil {
			c.handleLogsNotification(env.Params)
		}
		return
	}

	if env.ID == nil {
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[*env.ID]
	if ok {
		delete(c.pending, *env.ID)
	}
	c.pendingMu.Unlock()

	if ok {
		ch <- wsReply{Result: env.Result, Error: env.Error}
	}
}

// handleLogsNotification dispatches log notification to subscriber.
func (c *WSClient) handleLogsNotification(params *wsNotificationParams) {
	value := params.Result.Value

	notif := LogNotification{
		Signature: value.Signature,
		Logs:      value.Logs,
		Err:       value.Err,
	}
	if params.Result.Context != nil {
		notif.Slot = params.Result.Context.Slot
	}

	c.subsMu.RLock()
	sub, ok := c.subs[params.Subscription]
	c.subsMu.RUnlock()

	if ok {
		// Blocks until delivered or the subscription ends; never drops.
		sub.Publish(notif)
	}
}

// pingLoop sends periodic ping frames to keep connection alive.
func (c *WSClient) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			// A dead connection surfaces through readLoop.
			_ = c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
		}
	}
}

// WebSocket message types

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type wsReply struct {
	Result jsoniter.RawMessage
	Error  *RPCError
}

type wsEnvelope struct {
	JSONRPC string                `json:"jsonrpc"`
	ID      *uint64               `json:"id"`
	Method  string                `json:"method"`
	Result  jsoniter.RawMessage   `json:"result"`
	Error   *RPCError             `json:"error"`
	Params  *wsNotificationParams `json:"params"`
}

type wsNotificationParams struct {
	Subscription int64                `json:"subscription"`
	Result       wsNotificationResult `json:"result"`
}

type wsNotificationResult struct {
	Context *wsContext  `json:"context"`
	Value   wsLogsValue `json:"value"`
}

type wsContext struct {
	Slot int64 `json:"slot"`
}

type wsLogsValue struct {
	Signature string      `json:"signature"`
	Logs      []string    `json:"logs"`
	Err       interface{} `json:"err"`
}
