package session

import (
	"encoding/json"
	"errors"

	"keyflow/internal/flow"
	"keyflow/internal/jsonrpc"
)

// Sender queues encoded messages for the client
type Sender interface {
	// Send queues a value notification. It may drop data for a client that
	// is not keeping up.
	Send(data []byte)
	// SendEnd queues a flow_subscriptionEnd notification, which is never
	// silently dropped.
	SendEnd(data []byte)
}

// Catalog resolves a source name and key to a publisher of JSON-encoded values.
// An empty source name selects the default source.
type Catalog interface {
	Publisher(source, key string, initial bool) (*flow.Publisher[json.RawMessage], error)
}

var (
	ErrClosed               = errors.New("session is closed")
	ErrLimitExceeded        = errors.New("maximum subscriptions reached")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrInvalidDemand        = errors.New("demand must be positive or -1")
	ErrUnknownSource        = errors.New("unknown source")
)

// ErrorFor maps session and flow errors to JSON-RPC errors
func ErrorFor(err error) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSubscriptionNotFound):
		return jsonrpc.NewError(jsonrpc.CodeSubscriptionNotFound, err.Error())
	case errors.Is(err, ErrLimitExceeded):
		return jsonrpc.NewError(jsonrpc.CodeLimitExceeded, err.Error())
	case errors.Is(err, ErrInvalidDemand):
		return jsonrpc.NewError(jsonrpc.CodeInvalidParams, err.Error())
	case errors.Is(err, ErrUnknownSource):
		return jsonrpc.NewError(jsonrpc.CodeUnknownSource, err.Error())
	case errors.Is(err, flow.ErrTypeMismatch):
		return jsonrpc.NewError(jsonrpc.CodeTypeMismatch, err.Error())
	case errors.Is(err, flow.ErrRegistration):
		return jsonrpc.NewError(jsonrpc.CodeRegistrationFailed, err.Error())
	case errors.Is(err, flow.ErrSourceUnavailable):
		return jsonrpc.NewError(jsonrpc.CodeSourceUnavailable, err.Error())
	case errors.As(err, &rpcErr):
		return rpcErr
	default:
		return jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error())
	}
}

// demandOf converts a wire demand to flow demand
func demandOf(n int64) (flow.Demand, error) {
	switch {
	case n == jsonrpc.UnboundedDemand:
		return flow.Unbounded, nil
	case n > 0:
		return flow.Demand(n), nil
	default:
		return 0, ErrInvalidDemand
	}
}
