package flow

import (
	"runtime"
	"sync/atomic"
)

// Publisher describes one observable key on one source. It holds no
// subscription state and can be subscribed to any number of times; each
// Subscribe produces an independent Subscription with its own registration.
type Publisher[T any] struct {
	source  ObservationSource
	key     string
	initial bool
	convert Converter[T]
	cfg     config
}

// NewPublisher creates a Publisher for key on source.
// When initial is true the source's current value is delivered first.
func NewPublisher[T any](source ObservationSource, key string, initial bool, opts ...Option) *Publisher[T] {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Publisher[T]{
		source:  source,
		key:     key,
		initial: initial,
		convert: Assert[T](),
		cfg:     cfg,
	}
}

// WithConverter returns a copy of the publisher using c to interpret raw values
func (p *Publisher[T]) WithConverter(c Converter[T]) *Publisher[T] {
	cp := *p
	if c != nil {
		cp.convert = c
	}
	return &cp
}

// Key returns the observed key
func (p *Publisher[T]) Key() string {
	return p.key
}

// subscriptionIDs numbers subscriptions for logs and stats
var subscriptionIDs atomic.Uint64

// Subscribe creates a Subscription for consumer and hands it over via
// OnSubscribe. Nothing is registered with the source until demand is requested.
func (p *Publisher[T]) Subscribe(consumer Consumer[T]) {
	if consumer == nil {
		p.cfg.logger.Warn().Str("key", p.key).Msg("subscribe called with nil consumer")
		return
	}

	id := subscriptionIDs.Add(1)
	logger := p.cfg.logger.With().
		Str("component", "flow").
		Str("key", p.key).
		Uint64("subscription", id).
		Logger()
	if p.cfg.name != "" {
		logger = logger.With().Str("source", p.cfg.name).Logger()
	}

	owner := &registration{
		source:  p.source,
		key:     p.key,
		metrics: p.cfg.metrics,
		logger:  logger,
	}
	core := &bridge[T]{
		id:       id,
		key:      p.key,
		initial:  p.initial,
		convert:  p.convert,
		consumer: consumer,
		metrics:  p.cfg.metrics,
		logger:   logger,
		owner:    owner,
	}
	core.metrics.SubscriptionOpened(p.key)

	h := &handle[T]{core: core}
	// The source only holds a weak reference to core, so consumer, h and core
	// can be collected together once nothing else keeps them; the cleanup
	// then unregisters through owner, which references none of them.
	runtime.AddCleanup(h, func(r *registration) { r.release() }, owner)

	consumer.OnSubscribe(h)
	runtime.KeepAlive(h)
}
