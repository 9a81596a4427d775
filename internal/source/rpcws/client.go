// Package rpcws observes keys on a remote keyflow server over its
// WebSocket JSON-RPC interface.
package rpcws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"keyflow/internal/flow"
	"keyflow/internal/jsonrpc"
)

var (
	// ErrNotConnected is returned while there is no live connection
	ErrNotConnected = errors.New("websocket not connected")
	// ErrClosed is returned after Close and delivered to live registrations
	ErrClosed = errors.New("upstream client closed")
)

var _ flow.ObservationSource = (*Client)(nil)

// Config configures a Client
type Config struct {
	URL string
	// Source selects the remote source; empty means the remote default
	Source            string
	MessageTimeout    time.Duration
	ReconnectInterval time.Duration
	PingInterval      time.Duration
	// DedupSize bounds the replay-suppression cache
	DedupSize int
}

type registration struct {
	id       uint64
	key      string
	cb       flow.Callback
	remoteID string
	// replaying is set after a resubscribe until the first value arrives
	replaying bool
}

type pendingCall struct {
	ch chan *jsonrpc.Response
	// onResponse runs on the read loop before any later frame is handled
	onResponse func(*jsonrpc.Response)
}

// Client owns a single WebSocket connection to a keyflow server and
// multiplexes requests and subscription notifications on it.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex

	pending   map[int64]*pendingCall
	pendingMu sync.Mutex
	reqID     int64

	regs     map[uint64]*registration
	byRemote map[string]*registration
	nextReg  uint64
	closed   bool
	regMu    sync.Mutex

	// lastHash holds the hash of the last value delivered per registration
	lastHash *lru.Cache[uint64, uint64]

	eventChan chan *jsonrpc.Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a client; call Connect before registering
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("url is required")
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = 60 * time.Second
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 3 * time.Second
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = 4096
	}
	cache, err := lru.New[uint64, uint64](cfg.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:       cfg,
		logger:    logger.With().Str("component", "rpcws").Str("url", cfg.URL).Logger(),
		pending:   make(map[int64]*pendingCall),
		regs:      make(map[uint64]*registration),
		byRemote:  make(map[string]*registration),
		lastHash:  cache,
		eventChan: make(chan *jsonrpc.Message, 1024),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Connect dials the server and starts the reader, dispatcher and ping loops
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	if c.conn != nil {
		c.connMu.Unlock()
		return nil
	}
	c.connMu.Unlock()

	c.logger.Info().Msg("WebSocket connecting")
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect WebSocket: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.setPongHandler(conn)
	c.logger.Info().Msg("WebSocket connected")

	c.wg.Add(2)
	go c.dispatchWorker()
	go c.readLoop()
	if c.cfg.PingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop()
	}
	return nil
}

func (c *Client) setPongHandler(conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.MessageTimeout))
	})
}

func (c *Client) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			conn := c.currentConn()
			if conn == nil {
				// reconnecting
				continue
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug().Err(err).Msg("ping write failed")
			}
		}
	}
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

// Connected returns true if the WebSocket connection is established
func (c *Client) Connected() bool {
	return c.currentConn() != nil
}

// Close closes the connection, stops all loops and ends every live
// registration with ErrClosed.
func (c *Client) Close() {
	c.regMu.Lock()
	if c.closed {
		c.regMu.Unlock()
		return
	}
	c.closed = true
	c.regMu.Unlock()

	c.logger.Info().Msg("WebSocket closing")
	c.cancel()
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}

	c.failPending()
	c.wg.Wait()

	c.regMu.Lock()
	ended := make([]*registration, 0, len(c.regs))
	for _, r := range c.regs {
		ended = append(ended, r)
	}
	c.regs = make(map[uint64]*registration)
	c.byRemote = make(map[string]*registration)
	c.regMu.Unlock()

	for _, r := range ended {
		r.cb(flow.EndOfStream{Err: ErrClosed})
	}
	c.logger.Info().Int("registrations", len(ended)).Msg("WebSocket disconnected")
}

// Call sends method with params and decodes the result into result (may be nil)
func (c *Client) Call(ctx context.Context, method string, params, result interface{}) error {
	resp, err := c.send(ctx, method, params, nil)
	if err != nil {
		return err
	}
	if resp.HasError() {
		return resp.Error
	}
	if result == nil {
		return nil
	}
	return resp.GetResultAs(result)
}

func (c *Client) send(ctx context.Context, method string, params interface{}, onResponse func(*jsonrpc.Response)) (*jsonrpc.Response, error) {
	if c.currentConn() == nil {
		return nil, ErrNotConnected
	}

	reqID := atomic.AddInt64(&c.reqID, 1)
	call := &pendingCall{ch: make(chan *jsonrpc.Response, 1), onResponse: onResponse}

	req, err := jsonrpc.NewRequest(method, params, jsonrpc.NewIDInt(reqID))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	reqBytes, err := req.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	c.pendingMu.Lock()
	c.pending[reqID] = call
	c.pendingMu.Unlock()

	if err := c.write(reqBytes); err != nil {
		c.dropPending(reqID)
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.MessageTimeout)
	defer cancel()

	select {
	case resp := <-call.ch:
		if resp == nil {
			return nil, fmt.Errorf("connection closed")
		}
		return resp, nil
	case <-ctx.Done():
		c.dropPending(reqID)
		return nil, ctx.Err()
	}
}

func (c *Client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) dropPending(reqID int64) {
	c.pendingMu.Lock()
	delete(c.pending, reqID)
	c.pendingMu.Unlock()
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	for _, call := range c.pending {
		select {
		case call.ch <- nil:
		default:
		}
	}
	c.pending = make(map[int64]*pendingCall)
	c.pendingMu.Unlock()
}

// Register implements flow.ObservationSource. The remote subscription is
// opened with unbounded demand; the local flow.Subscription applies
// backpressure.
func (c *Client) Register(key string, onChange flow.Callback, initial bool) (flow.Handle, error) {
	c.regMu.Lock()
	if c.closed {
		c.regMu.Unlock()
		return nil, ErrClosed
	}
	c.nextReg++
	r := &registration{id: c.nextReg, key: key, cb: onChange}
	c.regMu.Unlock()

	if err := c.subscribe(c.ctx, r, initial, false); err != nil {
		return nil, err
	}
	c.logger.Debug().Str("key", key).Str("remote", r.remoteID).Msg("registered upstream subscription")
	return r.id, nil
}

// subscribe sends flow_subscribe for r. The remote ID is bound on the read
// loop so notifications following the response always find r. A resubscribe
// only binds registrations that are still live.
func (c *Client) subscribe(ctx context.Context, r *registration, initial, resub bool) error {
	demand := jsonrpc.UnboundedDemand
	params := jsonrpc.SubscribeParams{
		Source:  c.cfg.Source,
		Key:     r.key,
		Initial: initial,
		Demand:  &demand,
	}

	var (
		bound    bool
		orphaned string
	)
	bind := func(resp *jsonrpc.Response) {
		var remoteID string
		if resp.HasError() || resp.GetResultAs(&remoteID) != nil || remoteID == "" {
			return
		}
		c.regMu.Lock()
		defer c.regMu.Unlock()
		if _, live := c.regs[r.id]; c.closed || (resub && !live) {
			orphaned = remoteID
			return
		}
		r.remoteID = remoteID
		c.regs[r.id] = r
		c.byRemote[remoteID] = r
		bound = true
	}

	resp, err := c.send(ctx, jsonrpc.MethodSubscribe, params, bind)

	// bind has run by the time send returns a response; on a timeout it
	// may still have run just before the call was dropped.
	c.regMu.Lock()
	if err != nil && bound && !resub {
		delete(c.regs, r.id)
		delete(c.byRemote, r.remoteID)
		orphaned = r.remoteID
	}
	isBound := bound
	c.regMu.Unlock()
	if orphaned != "" {
		c.sendCancel(orphaned)
	}

	if err != nil {
		return err
	}
	if resp.HasError() {
		return fmt.Errorf("subscription error: %w", resp.Error)
	}
	if !isBound {
		if resub {
			return nil
		}
		return fmt.Errorf("invalid subscription id in response")
	}
	return nil
}

func (c *Client) sendCancel(remoteID string) {
	reqID := atomic.AddInt64(&c.reqID, 1)
	req, err := jsonrpc.NewRequest(jsonrpc.MethodCancel, jsonrpc.CancelParams{Subscription: remoteID}, jsonrpc.NewIDInt(reqID))
	if err != nil {
		return
	}
	reqBytes, err := req.Bytes()
	if err != nil {
		return
	}
	if err := c.write(reqBytes); err != nil {
		c.logger.Debug().Err(err).Str("remote", remoteID).Msg("flow_cancel not sent")
	}
}

// suppressReplay records the hash of result and reports whether it repeats
// the last value delivered before a reconnect.
func (c *Client) suppressReplay(id uint64, result []byte, replaying bool) bool {
	sum := xxh3.Hash(result)
	last, ok := c.lastHash.Get(id)
	c.lastHash.Add(id, sum)
	return replaying && ok && last == sum
}

// Unregister implements flow.ObservationSource. flow_cancel is sent without
// waiting for the reply.
func (c *Client) Unregister(h flow.Handle) {
	id, ok := h.(uint64)
	if !ok {
		return
	}
	c.regMu.Lock()
	r, ok := c.regs[id]
	if ok {
		delete(c.regs, id)
		delete(c.byRemote, r.remoteID)
	}
	c.regMu.Unlock()
	if !ok {
		return
	}
	c.lastHash.Remove(id)
	c.sendCancel(r.remoteID)
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		conn := c.currentConn()
		if conn == nil {
			c.logger.Info().Msg("WebSocket reader stopped (no connection)")
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.MessageTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
				c.logger.Info().Msg("WebSocket reader stopped (shutdown)")
				return
			default:
			}

			c.logger.Warn().Err(err).Msg("WebSocket connection lost, reconnecting")
			if c.reconnect() {
				continue
			}
			c.logger.Info().Msg("WebSocket reader stopped (shutdown)")
			return
		}

		msg, err := jsonrpc.ParseMessage(data)
		if err != nil {
			c.logger.Warn().Err(err).Int("len", len(data)).Msg("ws message parse error")
			continue
		}

		if !msg.IsNotification() {
			c.dispatchResponse(msg)
			continue
		}

		if msg.Method == jsonrpc.MethodSubscriptionEnd {
			// never drop an end of stream
			select {
			case <-c.ctx.Done():
				return
			case c.eventChan <- msg:
			}
			continue
		}
		select {
		case <-c.ctx.Done():
			return
		case c.eventChan <- msg:
		default:
			c.logger.Warn().Msg("event queue full, dropping subscription message")
		}
	}
}

func (c *Client) dispatchResponse(msg *jsonrpc.Message) {
	if msg.ID == nil {
		return
	}
	reqID, ok := msg.ID.Int64()
	if !ok {
		return
	}

	c.pendingMu.Lock()
	call, exists := c.pending[reqID]
	if exists {
		delete(c.pending, reqID)
	}
	c.pendingMu.Unlock()
	if !exists {
		return
	}

	resp := msg.Response()
	if call.onResponse != nil {
		call.onResponse(resp)
	}
	select {
	case call.ch <- resp:
	default:
	}
}

func (c *Client) dispatchWorker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.eventChan:
			c.dispatchNotification(msg)
		}
	}
}

// dispatchNotification runs callbacks one at a time so each registration
// observes values in the order the server sent them.
func (c *Client) dispatchNotification(msg *jsonrpc.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("method", msg.Method).Msg("subscription handler panic")
		}
	}()

	switch msg.Method {
	case jsonrpc.MethodSubscription:
		var p jsonrpc.SubscriptionParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			c.logger.Warn().Err(err).Msg("invalid subscription notification")
			return
		}
		c.regMu.Lock()
		r, ok := c.byRemote[p.Subscription]
		var replaying bool
		if ok {
			replaying = r.replaying
			r.replaying = false
		}
		c.regMu.Unlock()
		if !ok {
			c.logger.Debug().Str("subscription", p.Subscription).Msg("subscription notification, no handler")
			return
		}

		if c.suppressReplay(r.id, p.Result, replaying) {
			return
		}
		start := time.Now()
		r.cb(json.RawMessage(p.Result))
		if d := time.Since(start); d > 2*time.Second {
			c.logger.Warn().Str("key", r.key).Dur("handlerDuration", d).Msg("subscription handler slow")
		}

	case jsonrpc.MethodSubscriptionEnd:
		var p jsonrpc.SubscriptionEndParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			c.logger.Warn().Err(err).Msg("invalid subscription end notification")
			return
		}
		c.regMu.Lock()
		r, ok := c.byRemote[p.Subscription]
		if ok {
			delete(c.byRemote, p.Subscription)
			delete(c.regs, r.id)
		}
		c.regMu.Unlock()
		if !ok {
			return
		}
		c.lastHash.Remove(r.id)

		eos := flow.EndOfStream{}
		if p.Error != nil {
			eos.Err = p.Error
		}
		r.cb(eos)

	default:
		c.logger.Debug().Str("method", msg.Method).Msg("ignoring notification")
	}
}

func (c *Client) reconnect() bool {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
	c.logger.Info().Msg("WebSocket connection closed, starting reconnection loop")

	c.failPending()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	interval := c.cfg.ReconnectInterval
	for {
		select {
		case <-c.ctx.Done():
			c.logger.Info().Msg("WebSocket reconnection stopped (shutdown)")
			return false
		case <-time.After(interval):
		}

		c.logger.Info().Dur("interval", interval).Msg("WebSocket reconnection attempt")

		ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
		conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
		cancel()
		if err != nil {
			c.logger.Warn().Err(err).Dur("nextRetry", interval).Msg("WebSocket reconnection failed, will retry")
			continue
		}

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()

		c.setPongHandler(conn)
		c.logger.Info().Msg("WebSocket reconnected successfully")

		c.regMu.Lock()
		toResubscribe := make([]*registration, 0, len(c.regs))
		for _, r := range c.regs {
			r.replaying = true
			toResubscribe = append(toResubscribe, r)
		}
		c.byRemote = make(map[string]*registration)
		c.regMu.Unlock()

		c.wg.Add(1)
		go c.resubscribe(toResubscribe)
		return true
	}
}

// resubscribe reopens every live registration with initial delivery so
// changes missed while disconnected are caught up.
func (c *Client) resubscribe(regs []*registration) {
	defer c.wg.Done()
	var okCount, failCount int
	for _, r := range regs {
		resubCtx, resubCancel := context.WithTimeout(c.ctx, 10*time.Second)
		err := c.subscribe(resubCtx, r, true, true)
		resubCancel()
		if err != nil {
			failCount++
			c.logger.Warn().Err(err).Str("key", r.key).Msg("failed to re-subscribe")
			continue
		}
		okCount++
	}
	c.logger.Info().
		Int("total", len(regs)).
		Int("ok", okCount).
		Int("failed", failCount).
		Msg("reconnect resubscribe done")
}
