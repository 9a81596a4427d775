package flow

// Callback receives raw change notifications from an ObservationSource.
// The value is untyped; interpreting it is the subscriber's job.
type Callback func(raw any)

// Handle is an opaque token for a live registration with an ObservationSource
type Handle any

// ObservationSource is a callback-driven change-notification mechanism.
//
// Register installs onChange for key. When initial is true the source delivers
// the current value as the first notification, possibly before Register returns.
// The callback may be invoked on any goroutine until Unregister is called.
//
// Unregister must accept handles whose registration is already gone and must
// not wait for in-flight callbacks: it can be called from inside one.
type ObservationSource interface {
	Register(key string, onChange Callback, initial bool) (Handle, error)
	Unregister(h Handle)
}

// EndOfStream is passed through a Callback by a source whose observed object is
// no longer available. A nil Err completes the stream; otherwise it fails with
// an error matching ErrSourceUnavailable.
type EndOfStream struct {
	Err error
}
