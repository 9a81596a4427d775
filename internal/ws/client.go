package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"keyflow/internal/config"
	"keyflow/internal/jsonrpc"
	"keyflow/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	endWait    = time.Second
)

// PropertyStore backs flow_get, flow_set and flow_keys
type PropertyStore interface {
	Get(key string) (any, bool)
	Set(key string, value any) error
	Keys() []string
}

var _ session.Sender = (*Client)(nil)

// Client represents a WebSocket client connection
type Client struct {
	conn           *websocket.Conn
	sessions       *session.Manager
	session        *session.ClientSession
	props          PropertyStore
	maxMessageSize int64
	logger         zerolog.Logger

	sendChan  chan []byte
	closeChan chan struct{}
	closeOnce sync.Once
}

// NewClient creates a new WebSocket client and opens its session.
// props may be nil when no property source is configured.
func NewClient(conn *websocket.Conn, sessions *session.Manager, props PropertyStore, cfg *config.Config, logger zerolog.Logger) *Client {
	c := &Client{
		conn:           conn,
		sessions:       sessions,
		props:          props,
		maxMessageSize: cfg.MaxMessageSize,
		logger:         logger,
		sendChan:       make(chan []byte, cfg.SendBufferSize),
		closeChan:      make(chan struct{}),
	}
	c.session = sessions.Open(c)
	return c
}

// Run starts the client read and write loops
func (c *Client) Run(ctx context.Context) {
	if c.maxMessageSize > 0 {
		c.conn.SetReadLimit(c.maxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.writePump(ctx)

	c.readPump(ctx)
}

// readPump reads messages from the WebSocket connection
func (c *Client) readPump(ctx context.Context) {
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeChan:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug().Err(err).Msg("read error")
			}
			return
		}

		c.handleMessage(data)
	}
}

// writePump writes messages to the WebSocket connection
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeChan:
			return
		case data := <-c.sendChan:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write error")
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

// handleMessage processes an incoming message
func (c *Client) handleMessage(data []byte) {
	requests, isBatch, err := jsonrpc.ParseBatchRequest(data)
	if err != nil {
		c.sendError(jsonrpc.NewIDNull(), jsonrpc.ErrParse)
		return
	}

	if isBatch {
		c.handleBatch(requests)
	} else {
		c.handleSingle(requests[0])
	}
}

// handleSingle handles a single JSON-RPC request
func (c *Client) handleSingle(req *jsonrpc.Request) {
	resp, after := c.handleRequest(req)
	if !req.IsNotification() {
		c.sendResponse(resp)
	}
	if after != nil {
		after()
	}
}

// handleBatch answers a batch with one batch response. Demand granted by
// subscribe calls in the batch is applied once the response is queued.
func (c *Client) handleBatch(requests []*jsonrpc.Request) {
	responses := make([]*jsonrpc.Response, 0, len(requests))
	var afters []func()
	for _, req := range requests {
		resp, after := c.handleRequest(req)
		if !req.IsNotification() {
			responses = append(responses, resp)
		}
		if after != nil {
			afters = append(afters, after)
		}
	}

	if len(responses) > 0 {
		c.sendBatchResponse(responses)
	}
	for _, after := range afters {
		after()
	}
}

// handleRequest executes one request. The returned func, if any, must run
// after the response has been queued.
func (c *Client) handleRequest(req *jsonrpc.Request) (*jsonrpc.Response, func()) {
	if err := req.Validate(); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, err.Error())), nil
	}

	switch req.Method {
	case jsonrpc.MethodSubscribe:
		return c.handleSubscribe(req)
	case jsonrpc.MethodRequest:
		return c.handleDemand(req), nil
	case jsonrpc.MethodCancel:
		return c.handleCancel(req), nil
	case jsonrpc.MethodGet:
		return c.handleGet(req), nil
	case jsonrpc.MethodSet:
		return c.handleSet(req), nil
	case jsonrpc.MethodKeys:
		return c.handleKeys(req), nil
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrMethodNotFound), nil
	}
}

// handleSubscribe handles flow_subscribe
func (c *Client) handleSubscribe(req *jsonrpc.Request) (*jsonrpc.Response, func()) {
	var params jsonrpc.SubscribeParams
	if err := req.ParseParams(&params); err != nil {
		return invalidParams(req.ID, err), nil
	}
	if params.Key == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "key is required")), nil
	}
	if params.Demand != nil && *params.Demand != jsonrpc.UnboundedDemand && *params.Demand < 0 {
		return jsonrpc.NewErrorResponse(req.ID, session.ErrorFor(session.ErrInvalidDemand)), nil
	}

	subID, err := c.session.Subscribe(params)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, session.ErrorFor(err)), nil
	}

	c.logger.Debug().
		Str("subID", subID).
		Str("key", params.Key).
		Msg("subscription created")

	resp, _ := jsonrpc.NewResponse(req.ID, subID)
	if params.Demand == nil || *params.Demand == 0 {
		return resp, nil
	}
	demand := *params.Demand
	return resp, func() {
		if err := c.session.Request(subID, demand); err != nil {
			c.logger.Debug().Err(err).Str("subID", subID).Msg("initial demand not applied")
		}
	}
}

// handleDemand handles flow_request
func (c *Client) handleDemand(req *jsonrpc.Request) *jsonrpc.Response {
	var params jsonrpc.RequestParams
	if err := req.ParseParams(&params); err != nil {
		return invalidParams(req.ID, err)
	}
	if err := c.session.Request(params.Subscription, params.N); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, session.ErrorFor(err))
	}
	resp, _ := jsonrpc.NewResponse(req.ID, true)
	return resp
}

// handleCancel handles flow_cancel
func (c *Client) handleCancel(req *jsonrpc.Request) *jsonrpc.Response {
	var params jsonrpc.CancelParams
	if err := req.ParseParams(&params); err != nil {
		return invalidParams(req.ID, err)
	}

	err := c.session.Cancel(params.Subscription)
	success := err == nil

	c.logger.Debug().
		Str("subID", params.Subscription).
		Bool("success", success).
		Msg("cancel requested")

	resp, _ := jsonrpc.NewResponse(req.ID, success)
	return resp
}

// handleGet handles flow_get; a missing key yields null
func (c *Client) handleGet(req *jsonrpc.Request) *jsonrpc.Response {
	if c.props == nil {
		return noPropertySource(req.ID)
	}
	var params jsonrpc.GetParams
	if err := req.ParseParams(&params); err != nil {
		return invalidParams(req.ID, err)
	}

	value, ok := c.props.Get(params.Key)
	if !ok {
		return jsonrpc.NewResponseRaw(req.ID, json.RawMessage("null"))
	}
	resp, err := jsonrpc.NewResponse(req.ID, value)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error()))
	}
	return resp
}

// handleSet handles flow_set
func (c *Client) handleSet(req *jsonrpc.Request) *jsonrpc.Response {
	if c.props == nil {
		return noPropertySource(req.ID)
	}
	var params jsonrpc.SetParams
	if err := req.ParseParams(&params); err != nil {
		return invalidParams(req.ID, err)
	}

	var value any
	if len(params.Value) > 0 {
		if err := json.Unmarshal(params.Value, &value); err != nil {
			return invalidParams(req.ID, err)
		}
	}
	if err := c.props.Set(params.Key, value); err != nil {
		return invalidParams(req.ID, err)
	}
	resp, _ := jsonrpc.NewResponse(req.ID, true)
	return resp
}

// handleKeys handles flow_keys
func (c *Client) handleKeys(req *jsonrpc.Request) *jsonrpc.Response {
	if c.props == nil {
		return noPropertySource(req.ID)
	}
	resp, _ := jsonrpc.NewResponse(req.ID, c.props.Keys())
	return resp
}

func invalidParams(id jsonrpc.ID, err error) *jsonrpc.Response {
	return jsonrpc.NewErrorResponse(id, jsonrpc.NewError(jsonrpc.CodeInvalidParams, err.Error()))
}

func noPropertySource(id jsonrpc.ID) *jsonrpc.Response {
	return jsonrpc.NewErrorResponse(id, jsonrpc.NewError(jsonrpc.CodeUnknownSource, "no property source configured"))
}

// sendResponse sends a JSON-RPC response
func (c *Client) sendResponse(resp *jsonrpc.Response) {
	data, err := resp.Bytes()
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshal response")
		return
	}
	c.send(data)
}

// sendBatchResponse sends a batch of JSON-RPC responses
func (c *Client) sendBatchResponse(responses []*jsonrpc.Response) {
	data, err := jsonrpc.MarshalBatchResponse(responses)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshal batch response")
		return
	}
	c.send(data)
}

// sendError sends a JSON-RPC error response
func (c *Client) sendError(id jsonrpc.ID, rpcErr *jsonrpc.Error) {
	c.sendResponse(jsonrpc.NewErrorResponse(id, rpcErr))
}

// send queues data for the client. Messages are dropped while the queue is full.
func (c *Client) send(data []byte) {
	select {
	case c.sendChan <- data:
	case <-c.closeChan:
	default:
		c.logger.Warn().Msg("send channel full, dropping message")
	}
}

// Send implements session.Sender
func (c *Client) Send(data []byte) {
	c.send(data)
}

// SendEnd implements session.Sender. If the queue stays full for endWait
// the connection is closed, so the client sees a disconnect instead of
// waiting on a subscription that already ended.
func (c *Client) SendEnd(data []byte) {
	select {
	case c.sendChan <- data:
		return
	case <-c.closeChan:
		return
	default:
	}

	timer := time.NewTimer(endWait)
	defer timer.Stop()
	select {
	case c.sendChan <- data:
	case <-c.closeChan:
	case <-timer.C:
		c.logger.Warn().Msg("send channel full, closing connection to deliver subscription end")
		c.Close()
	}
}

// Close closes the client connection and its session
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		c.sessions.Remove(c.session)
		c.conn.Close()
		c.logger.Debug().Msg("client closed")
	})
}
