package flow

// Subscription is the consumer's side of one publisher/consumer pairing
type Subscription interface {
	// Request adds n to the outstanding demand. The first request that leaves
	// demand outstanding registers with the underlying source.
	Request(n Demand)
	// Cancel tears the subscription down. Calling it more than once is a no-op.
	Cancel()
	// Stats returns a diagnostic snapshot.
	Stats() Stats
}

// Consumer receives values and terminal signals from a Publisher
type Consumer[T any] interface {
	OnSubscribe(s Subscription)
	// OnNext receives one value and returns additional demand to grant.
	OnNext(value T) Demand
	OnComplete()
	OnFailure(err error)
}

// ConsumerFuncs adapts plain functions to Consumer. Nil functions are no-ops.
type ConsumerFuncs[T any] struct {
	SubscribeFunc func(s Subscription)
	NextFunc      func(value T) Demand
	CompleteFunc  func()
	FailureFunc   func(err error)
}

// OnSubscribe implements Consumer
func (c ConsumerFuncs[T]) OnSubscribe(s Subscription) {
	if c.SubscribeFunc != nil {
		c.SubscribeFunc(s)
	}
}

// OnNext implements Consumer
func (c ConsumerFuncs[T]) OnNext(value T) Demand {
	if c.NextFunc != nil {
		return c.NextFunc(value)
	}
	return 0
}

// OnComplete implements Consumer
func (c ConsumerFuncs[T]) OnComplete() {
	if c.CompleteFunc != nil {
		c.CompleteFunc()
	}
}

// OnFailure implements Consumer
func (c ConsumerFuncs[T]) OnFailure(err error) {
	if c.FailureFunc != nil {
		c.FailureFunc(err)
	}
}

// State is the lifecycle position of a subscription
type State uint8

const (
	StateIdle State = iota
	StateRegistering
	StateRegistered
	StateCancelled
)

// String returns a human-readable state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time view of a subscription
type Stats struct {
	ID          uint64
	Key         string
	State       State
	Outstanding Demand
	Delivered   uint64
	Dropped     uint64
}

// CloseReason explains why a subscription reached the cancelled state
type CloseReason string

const (
	ReasonCancelled CloseReason = "cancelled"
	ReasonReleased  CloseReason = "released"
	ReasonCompleted CloseReason = "completed"
	ReasonFailed    CloseReason = "failed"
)
