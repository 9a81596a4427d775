package flow

import (
	"runtime"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/rs/zerolog"
)

// handle is the Subscription given to consumers. Its lifetime owns the
// registration: when it is garbage collected the registration is released.
type handle[T any] struct {
	core *bridge[T]
}

// Request implements Subscription
func (h *handle[T]) Request(n Demand) {
	h.core.request(n)
	runtime.KeepAlive(h)
}

// Cancel implements Subscription
func (h *handle[T]) Cancel() {
	h.core.close(ReasonCancelled)
	runtime.KeepAlive(h)
}

// Stats implements Subscription
func (h *handle[T]) Stats() Stats {
	s := h.core.stats()
	runtime.KeepAlive(h)
	return s
}

// registration owns the source handle. It is the cleanup argument for the
// Subscription and must never point back at the bridge or the consumer.
type registration struct {
	source  ObservationSource
	key     string
	metrics Metrics
	logger  zerolog.Logger

	mu     sync.Mutex
	h      Handle
	live   bool
	closed bool
}

// attach keeps h unless the registration was already closed
func (r *registration) attach(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.h, r.live = h, true
	return true
}

// close unregisters a live handle and reports whether this call closed it
func (r *registration) close() bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.closed = true
	h, live := r.h, r.live
	r.h, r.live = nil, false
	r.mu.Unlock()

	if live {
		r.source.Unregister(h)
	}
	return true
}

// release runs from the Subscription's cleanup
func (r *registration) release() {
	if !r.close() {
		return
	}
	r.metrics.SubscriptionClosed(r.key, ReasonReleased)
	r.logger.Debug().Str("reason", string(ReasonReleased)).Msg("subscription closed")
}

// bridge holds the subscription state reached from the source callback
type bridge[T any] struct {
	id      uint64
	key     string
	initial bool
	convert Converter[T]
	metrics Metrics
	logger  zerolog.Logger
	owner   *registration

	mu        sync.Mutex
	state     State
	ledger    DemandLedger
	consumer  Consumer[T]
	inflight  int
	terminal  func()
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func (b *bridge[T]) request(n Demand) {
	b.mu.Lock()
	if b.state == StateCancelled {
		b.mu.Unlock()
		return
	}
	b.ledger.Add(n)
	if b.state != StateIdle || b.ledger.Outstanding() == 0 {
		b.mu.Unlock()
		return
	}
	b.state = StateRegistering
	b.mu.Unlock()

	b.register()
}

// register runs without the lock: sources may deliver the initial value
// reentrantly from inside Register.
func (b *bridge[T]) register() {
	source := b.owner.source
	if source == nil {
		b.fail(&RegistrationError{Key: b.key, Err: ErrNoSource}, FailureRegistration)
		return
	}

	wp := weak.Make(b)
	onChange := func(raw any) {
		if cur := wp.Value(); cur != nil {
			cur.onRaw(raw)
		}
	}
	h, err := source.Register(b.key, onChange, b.initial)
	if err != nil {
		b.logger.Debug().Err(err).Msg("registration failed")
		b.fail(&RegistrationError{Key: b.key, Err: err}, FailureRegistration)
		return
	}

	if !b.owner.attach(h) {
		// Closed while registering: the handle never became ours to keep.
		source.Unregister(h)
		b.logger.Debug().Msg("registration completed after cancel, unregistered")
		return
	}

	b.mu.Lock()
	if b.state == StateRegistering {
		b.state = StateRegistered
	}
	b.mu.Unlock()

	b.logger.Debug().Bool("initial", b.initial).Msg("registered with source")
}

// onRaw is the Callback installed on the source
func (b *bridge[T]) onRaw(raw any) {
	b.mu.Lock()
	cancelled := b.state == StateCancelled
	b.mu.Unlock()
	if cancelled {
		return
	}

	if eos, ok := raw.(EndOfStream); ok {
		b.end(eos)
		return
	}

	value, err := b.convert(raw)
	if err != nil {
		b.fail(&TypeMismatchError{Key: b.key, Raw: raw, Want: typeOf[T](), Err: err}, FailureTypeMismatch)
		return
	}

	b.mu.Lock()
	if b.state == StateCancelled {
		b.mu.Unlock()
		return
	}
	if !b.ledger.TryConsumeOne() {
		b.mu.Unlock()
		b.dropped.Add(1)
		b.metrics.ValueDropped(b.key)
		return
	}
	consumer := b.consumer
	b.inflight++
	b.mu.Unlock()

	b.delivered.Add(1)
	b.metrics.ValueDelivered(b.key)
	more := consumer.OnNext(value)

	b.mu.Lock()
	b.inflight--
	var terminal func()
	if b.inflight == 0 {
		terminal, b.terminal = b.terminal, nil
	}
	b.mu.Unlock()

	if terminal != nil {
		terminal()
		return
	}
	if more > 0 {
		b.request(more)
	}
}

// signal runs a terminal callback now, or after the last in-flight OnNext
// returns so that no value is observed after the terminal signal.
func (b *bridge[T]) signal(fn func()) {
	b.mu.Lock()
	if b.inflight > 0 {
		b.terminal = fn
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	fn()
}

func (b *bridge[T]) end(eos EndOfStream) {
	consumer, ok := b.teardown()
	if !ok {
		return
	}
	if eos.Err == nil {
		b.metrics.SubscriptionClosed(b.key, ReasonCompleted)
		b.logger.Debug().Msg("source completed")
		b.signal(consumer.OnComplete)
		return
	}
	b.metrics.Failure(b.key, FailureSource)
	b.metrics.SubscriptionClosed(b.key, ReasonFailed)
	b.logger.Debug().Err(eos.Err).Msg("source unavailable")
	err := &sourceGoneError{key: b.key, err: eos.Err}
	b.signal(func() { consumer.OnFailure(err) })
}

func (b *bridge[T]) fail(err error, kind string) {
	consumer, ok := b.teardown()
	if !ok {
		return
	}
	b.metrics.Failure(b.key, kind)
	b.metrics.SubscriptionClosed(b.key, ReasonFailed)
	b.logger.Debug().Err(err).Str("kind", kind).Msg("subscription failed")
	b.signal(func() { consumer.OnFailure(err) })
}

func (b *bridge[T]) close(reason CloseReason) {
	if _, ok := b.teardown(); !ok {
		return
	}
	b.metrics.SubscriptionClosed(b.key, reason)
	b.logger.Debug().Str("reason", string(reason)).Msg("subscription closed")
}

// teardown moves to cancelled exactly once, unregisters a live handle and
// returns the consumer that should receive a terminal signal, if any. A
// registration already released by the cleanup gets no terminal signal.
func (b *bridge[T]) teardown() (Consumer[T], bool) {
	b.mu.Lock()
	if b.state == StateCancelled {
		b.mu.Unlock()
		return nil, false
	}
	b.state = StateCancelled
	consumer := b.consumer
	b.consumer = nil
	b.mu.Unlock()

	if !b.owner.close() {
		return nil, false
	}
	return consumer, true
}

func (b *bridge[T]) stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		ID:          b.id,
		Key:         b.key,
		State:       b.state,
		Outstanding: b.ledger.Outstanding(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
	}
}
