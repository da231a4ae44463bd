// internal/stream/stream.go
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rokutrade/engine/internal/types"
)

// Handler receives the result payload of one subscription notification.
// Handlers must not block: slow consumers stall the read loop.
type Handler func(ctx context.Context, payload json.RawMessage)

// Subscription describes one desired JSON-RPC subscription. The client owns
// the set of desired subscriptions and replays it on every reconnect, so
// callers subscribe once and forget about connection churn.
type Subscription struct {
	Method       string
	UnsubMethod  string
	Notification string
	Params       []interface{}
	Handler      Handler
}

// LogsSubscription builds a subscription for transaction logs mentioning the
// given wallet, at confirmed commitment.
func LogsSubscription(wallet string, handler Handler) Subscription {
	return Subscription{
		Method:       "logsSubscribe",
		UnsubMethod:  "logsUnsubscribe",
		Notification: "logsNotification",
		Params: []interface{}{
			map[string]interface{}{"mentions": []string{wallet}},
			map[string]interface{}{"commitment": "confirmed"},
		},
		Handler: handler,
	}
}

// Conn is the subset of a websocket connection the client uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer opens a connection to a websocket endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials with gorilla's default websocket dialer.
type WSDialer struct{}

func (WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

type subState struct {
	spec     Subscription
	serverID uint64
	active   bool
}

// pendingReq is a subscribe request awaiting its confirmation. cancelled
// marks requests whose subscription was dropped while the confirmation was
// still in flight.
type pendingReq struct {
	key         string
	cancelled   bool
	unsubMethod string
}

// Client is a supervised JSON-RPC subscription stream. It reconnects with a
// fixed delay after any failure and re-establishes every desired
// subscription on the fresh connection.
type Client struct {
	url            string
	dialer         Dialer
	reconnectDelay time.Duration
	logger         *zap.Logger

	mu      sync.Mutex
	conn    Conn
	subs    map[string]*subState
	pending map[uint64]*pendingReq // request id -> awaited confirmation
	active  map[uint64]string      // server subscription id -> subscription key
	nextID  uint64
}

func NewClient(url string, dialer Dialer, reconnectDelay time.Duration, logger *zap.Logger) *Client {
	if dialer == nil {
		dialer = WSDialer{}
	}
	return &Client{
		url:            url,
		dialer:         dialer,
		reconnectDelay: reconnectDelay,
		logger:         logger.Named("stream"),
		subs:           make(map[string]*subState),
		pending:        make(map[uint64]*pendingReq),
		active:         make(map[uint64]string),
	}
}

// Subscribe registers a desired subscription under a caller-chosen key.
// Subscribing an existing key is a no-op, so retried registrations never
// produce duplicate streams.
func (c *Client) Subscribe(key string, spec Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[key]; exists {
		return nil
	}
	c.subs[key] = &subState{spec: spec}
	if c.conn != nil {
		return c.sendSubscribeLocked(key)
	}
	return nil
}

// Unsubscribe removes a subscription from the desired set and, when
// connected, tells the server to stop the stream.
func (c *Client) Unsubscribe(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, exists := c.subs[key]
	if !exists {
		return nil
	}
	delete(c.subs, key)

	// A confirmation may still be in flight; mark it so the server-side
	// stream is torn down the moment it lands.
	for _, p := range c.pending {
		if p.key == key {
			p.cancelled = true
			p.unsubMethod = st.spec.UnsubMethod
		}
	}

	if st.active {
		delete(c.active, st.serverID)
		if c.conn != nil {
			c.nextID++
			return c.conn.WriteJSON(map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      c.nextID,
				"method":  st.spec.UnsubMethod,
				"params":  []interface{}{st.serverID},
			})
		}
	}
	return nil
}

// Run drives the connection until ctx is cancelled. It never returns a
// stream error to the caller; disconnects are logged and retried.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := c.dialer.Dial(ctx, c.url)
		if err != nil {
			c.logger.Warn("Stream dial failed",
				zap.String("url", c.url),
				zap.Error(err))
		} else {
			c.attach(conn)
			err = c.readLoop(ctx, conn)
			c.detach()
			_ = conn.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("Stream disconnected, will reconnect",
				zap.Duration("delay", c.reconnectDelay),
				zap.Error(&types.StreamDisconnectedError{Err: err}))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) attach(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn = conn
	c.pending = make(map[uint64]*pendingReq)
	c.active = make(map[uint64]string)
	for _, st := range c.subs {
		st.active = false
		st.serverID = 0
	}
	for key := range c.subs {
		if err := c.sendSubscribeLocked(key); err != nil {
			c.logger.Warn("Failed to replay subscription",
				zap.String("key", key),
				zap.Error(err))
		}
	}
	c.logger.Info("🔌 Stream connected",
		zap.String("url", c.url),
		zap.Int("subscriptions", len(c.subs)))
}

func (c *Client) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
}

func (c *Client) sendSubscribeLocked(key string) error {
	st := c.subs[key]
	c.nextID++
	c.pending[c.nextID] = &pendingReq{key: key}
	return c.conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      c.nextID,
		"method":  st.spec.Method,
		"params":  st.spec.Params,
	})
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcEnvelope struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
	Params *struct {
		Subscription uint64          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params,omitempty"`
}

func (c *Client) readLoop(ctx context.Context, conn Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env rpcEnvelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.logger.Debug("Skipping malformed stream message", zap.Error(err))
			continue
		}

		switch {
		case env.ID != 0:
			c.resolveRequest(&env)
		case env.Method != "" && env.Params != nil:
			c.dispatch(ctx, &env)
		}
	}
}

// resolveRequest matches a subscription confirmation to the request that
// produced it and records the server-assigned subscription id.
func (c *Client) resolveRequest(env *rpcEnvelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[env.ID]
	if !ok {
		return
	}
	delete(c.pending, env.ID)

	if env.Error != nil {
		if !p.cancelled {
			c.logger.Error("Subscription rejected by server",
				zap.String("key", p.key),
				zap.Int("code", env.Error.Code),
				zap.String("message", env.Error.Message))
		}
		return
	}

	var serverID uint64
	if err := json.Unmarshal(env.Result, &serverID); err != nil {
		c.logger.Error("Unreadable subscription id",
			zap.String("key", p.key),
			zap.Error(fmt.Errorf("failed to decode result: %w", err)))
		return
	}

	if p.cancelled {
		// Unsubscribed before the confirmation arrived: the server just
		// started a stream nobody wants anymore.
		if c.conn != nil {
			c.nextID++
			if err := c.conn.WriteJSON(map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      c.nextID,
				"method":  p.unsubMethod,
				"params":  []interface{}{serverID},
			}); err != nil {
				c.logger.Warn("Failed to cancel orphaned subscription",
					zap.String("key", p.key),
					zap.Error(err))
			}
		}
		return
	}

	st, ok := c.subs[p.key]
	if !ok {
		return
	}
	st.serverID = serverID
	st.active = true
	c.active[serverID] = p.key
	c.logger.Debug("Subscription established",
		zap.String("key", p.key),
		zap.Uint64("server_id", serverID))
}

func (c *Client) dispatch(ctx context.Context, env *rpcEnvelope) {
	c.mu.Lock()
	key, ok := c.active[env.Params.Subscription]
	var handler Handler
	if ok {
		if st, exists := c.subs[key]; exists && st.spec.Notification == env.Method {
			handler = st.spec.Handler
		}
	}
	c.mu.Unlock()

	if handler != nil {
		handler(ctx, env.Params.Result)
	}
}
