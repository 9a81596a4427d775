package flow

// Metrics receives subscription lifecycle and delivery events.
// Implementations must be safe for concurrent use.
type Metrics interface {
	SubscriptionOpened(key string)
	SubscriptionClosed(key string, reason CloseReason)
	ValueDelivered(key string)
	ValueDropped(key string)
	Failure(key string, kind string)
}

// Failure kinds passed to Metrics.Failure.
const (
	FailureRegistration = "registration"
	FailureTypeMismatch = "type_mismatch"
	FailureSource       = "source"
)

// NopMetrics discards everything
type NopMetrics struct{}

var _ Metrics = NopMetrics{}

func (NopMetrics) SubscriptionOpened(string)              {}
func (NopMetrics) SubscriptionClosed(string, CloseReason) {}
func (NopMetrics) ValueDelivered(string)                  {}
func (NopMetrics) ValueDropped(string)                    {}
func (NopMetrics) Failure(string, string)                 {}
