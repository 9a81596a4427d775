package jsonrpc

import "encoding/json"

// Version is the JSON-RPC version
const Version = "2.0"

// Standard JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// Server error codes range: -32000 to -32099
	CodeServerError          = -32000
	CodeSubscriptionNotFound = -32001
	CodeRegistrationFailed   = -32002
	CodeTypeMismatch         = -32003
	CodeSourceUnavailable    = -32004
	CodeLimitExceeded        = -32005
	CodeUnknownSource        = -32006
)

// Flow methods
const (
	MethodSubscribe = "flow_subscribe"
	MethodRequest   = "flow_request"
	MethodCancel    = "flow_cancel"
	MethodGet       = "flow_get"
	MethodSet       = "flow_set"
	MethodKeys      = "flow_keys"

	// server to client notifications
	MethodSubscription    = "flow_subscription"
	MethodSubscriptionEnd = "flow_subscriptionEnd"
)

// UnboundedDemand requests every future value
const UnboundedDemand int64 = -1

// ID represents a JSON-RPC request/response ID
// It can be a string, number, or null
type ID struct {
	value interface{}
}

// NewIDString creates an ID from a string
func NewIDString(s string) ID {
	return ID{value: s}
}

// NewIDInt creates an ID from an integer
func NewIDInt(n int64) ID {
	return ID{value: n}
}

// NewIDNull creates a null ID
func NewIDNull() ID {
	return ID{value: nil}
}

// IsNull returns true if the ID is null
func (id ID) IsNull() bool {
	return id.value == nil
}

// Value returns the underlying value
func (id ID) Value() interface{} {
	return id.value
}

// Int64 returns a numeric ID. Decoded numbers arrive as float64.
func (id ID) Int64() (int64, bool) {
	switch v := id.value.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// MarshalJSON implements json.Marshaler
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler
func (id *ID) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &id.value)
}

// Error represents a JSON-RPC error
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Message
}

// NewError creates a new JSON-RPC error
func NewError(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Common errors
var (
	ErrParse          = NewError(CodeParseError, "Parse error")
	ErrInvalidRequest = NewError(CodeInvalidRequest, "Invalid Request")
	ErrMethodNotFound = NewError(CodeMethodNotFound, "Method not found")
)

// SubscribeParams are the flow_subscribe params. Demand -1 is unbounded;
// a missing demand means none until flow_request.
type SubscribeParams struct {
	Source  string `json:"source,omitempty"`
	Key     string `json:"key"`
	Initial bool   `json:"initial,omitempty"`
	Demand  *int64 `json:"demand,omitempty"`
}

// RequestParams are the flow_request params
type RequestParams struct {
	Subscription string `json:"subscription"`
	N            int64  `json:"n"`
}

// CancelParams are the flow_cancel params
type CancelParams struct {
	Subscription string `json:"subscription"`
}

// GetParams are the flow_get params
type GetParams struct {
	Key string `json:"key"`
}

// SetParams are the flow_set params
type SetParams struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Notification is a server-initiated message without an ID
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// SubscriptionParams carries one delivered value
type SubscriptionParams struct {
	Subscription string          `json:"subscription"`
	Key          string          `json:"key"`
	Result       json.RawMessage `json:"result"`
}

// SubscriptionEndParams reports a terminated subscription; Error is nil on completion
type SubscriptionEndParams struct {
	Subscription string `json:"subscription"`
	Error        *Error `json:"error,omitempty"`
}

// NewSubscriptionNotification encodes a flow_subscription notification
func NewSubscriptionNotification(subID, key string, result json.RawMessage) ([]byte, error) {
	return json.Marshal(Notification{
		JSONRPC: Version,
		Method:  MethodSubscription,
		Params:  SubscriptionParams{Subscription: subID, Key: key, Result: result},
	})
}

// NewSubscriptionEnd encodes a flow_subscriptionEnd notification
func NewSubscriptionEnd(subID string, err *Error) ([]byte, error) {
	return json.Marshal(Notification{
		JSONRPC: Version,
		Method:  MethodSubscriptionEnd,
		Params:  SubscriptionEndParams{Subscription: subID, Error: err},
	})
}

// Message is any incoming frame on a client connection: a response or a notification
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsNotification returns true for messages carrying a method
func (m *Message) IsNotification() bool {
	return m.Method != ""
}

// Response converts a response message
func (m *Message) Response() *Response {
	resp := &Response{JSONRPC: m.JSONRPC, Result: m.Result, Error: m.Error}
	if m.ID != nil {
		resp.ID = *m.ID
	}
	return resp
}

// ParseMessage parses a single incoming frame
func ParseMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
