// Package property is an in-memory object with observable properties.
// It is the reference flow.ObservationSource: change callbacks run on the
// goroutine that mutated the property, or on one already delivering to the
// same observer.
package property

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"keyflow/internal/flow"
)

var (
	// ErrClosed is returned once the store has been closed
	ErrClosed = errors.New("property store closed")
	// ErrInvalidKey is returned for malformed property keys
	ErrInvalidKey = errors.New("invalid property key")
	// ErrUnknownKey is returned by Register in strict mode for keys never set
	ErrUnknownKey = errors.New("unknown property key")
)

var _ flow.ObservationSource = (*Store)(nil)

type entry struct {
	value any
	rev   uint64
}

// observer is one registration. lastRev guards against delivering a value
// older than one this observer already saw. Accepted values are queued and
// handed to cb by one goroutine at a time, in revision order; a Set that
// finds the observer busy returns once its value is queued.
type observer struct {
	id  uint64
	key string
	cb  flow.Callback

	mu       sync.Mutex
	lastRev  uint64
	pending  []any
	draining bool
	removed  atomic.Bool
}

func (o *observer) deliver(rev uint64, value any) {
	if o.removed.Load() {
		return
	}
	o.mu.Lock()
	if rev <= o.lastRev {
		o.mu.Unlock()
		return
	}
	o.lastRev = rev
	o.pending = append(o.pending, value)
	o.drainLocked()
}

// end replaces anything still queued with eos
func (o *observer) end(eos flow.EndOfStream) {
	o.mu.Lock()
	o.removed.Store(true)
	o.pending = append(o.pending[:0], eos)
	o.drainLocked()
}

// drainLocked is called with mu held and returns with it released
func (o *observer) drainLocked() {
	if o.draining {
		o.mu.Unlock()
		return
	}
	o.draining = true
	for len(o.pending) > 0 {
		v := o.pending[0]
		o.pending[0] = nil
		o.pending = o.pending[1:]
		o.mu.Unlock()

		if _, last := v.(flow.EndOfStream); last || !o.removed.Load() {
			o.cb(v)
		}

		o.mu.Lock()
	}
	o.pending = nil
	o.draining = false
	o.mu.Unlock()
}

// Store holds properties and their observers
type Store struct {
	mu     sync.RWMutex
	values map[string]entry
	rev    uint64
	closed bool

	observers *xsync.Map[uint64, *observer]
	nextID    atomic.Uint64

	strict bool
	logger zerolog.Logger
}

// Option configures a Store
type Option func(*Store)

// WithStrictKeys makes Register fail for keys that have never been set
func WithStrictKeys() Option {
	return func(s *Store) { s.strict = true }
}

// WithLogger sets the store logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates an empty Store
func New(opts ...Option) *Store {
	s := &Store{
		values:    make(map[string]entry),
		observers: xsync.NewMap[uint64, *observer](),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "property").Logger()
	return s
}

// ValidateKey checks that key is a non-empty dot-separated path without whitespace
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	for _, seg := range strings.Split(key, ".") {
		if seg == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidKey, key)
		}
		if strings.IndexFunc(seg, unicode.IsSpace) >= 0 {
			return fmt.Errorf("%w: %q contains whitespace", ErrInvalidKey, key)
		}
	}
	return nil
}

// Set stores value under key and notifies the key's observers
func (s *Store) Set(key string, value any) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.rev++
	rev := s.rev
	s.values[key] = entry{value: value, rev: rev}
	s.mu.Unlock()

	for _, o := range s.observersOf(key) {
		o.deliver(rev, value)
	}
	return nil
}

// Get returns the current value of key
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.values[key]
	return e.value, ok
}

// Delete removes key. Its observers receive EndOfStream and are dropped.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	_, ok := s.values[key]
	delete(s.values, key)
	s.mu.Unlock()

	for _, o := range s.observersOf(key) {
		s.endObserver(o, flow.EndOfStream{})
	}
	return ok
}

// Keys returns all keys in sorted order
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// ObserverCount returns the number of live registrations
func (s *Store) ObserverCount() int {
	return s.observers.Size()
}

// Register implements flow.ObservationSource
func (s *Store) Register(key string, onChange flow.Callback, initial bool) (flow.Handle, error) {
	if onChange == nil {
		return nil, errors.New("nil callback")
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	o := &observer{id: s.nextID.Add(1), key: key, cb: onChange}

	// The observer is stored under the lock so no Set between the snapshot
	// and the store is missed; the revision check drops any overlap.
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	e, ok := s.values[key]
	if s.strict && !ok {
		s.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	s.observers.Store(o.id, o)
	s.mu.RUnlock()

	s.logger.Debug().Str("key", key).Uint64("observer", o.id).Msg("observer registered")

	if initial && ok {
		o.deliver(e.rev, e.value)
	}
	return o.id, nil
}

// Unregister implements flow.ObservationSource. Unknown handles are ignored.
func (s *Store) Unregister(h flow.Handle) {
	id, ok := h.(uint64)
	if !ok {
		return
	}
	o, ok := s.observers.LoadAndDelete(id)
	if !ok {
		return
	}
	o.removed.Store(true)
	s.logger.Debug().Str("key", o.key).Uint64("observer", id).Msg("observer unregistered")
}

// Close ends every observer with ErrClosed. Later calls are no-ops.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var all []*observer
	s.observers.Range(func(_ uint64, o *observer) bool {
		all = append(all, o)
		return true
	})
	for _, o := range all {
		s.endObserver(o, flow.EndOfStream{Err: ErrClosed})
	}
	s.logger.Debug().Int("observers", len(all)).Msg("store closed")
	return nil
}

func (s *Store) endObserver(o *observer, eos flow.EndOfStream) {
	if _, ok := s.observers.LoadAndDelete(o.id); !ok {
		return
	}
	o.end(eos)
}

func (s *Store) observersOf(key string) []*observer {
	var out []*observer
	s.observers.Range(func(_ uint64, o *observer) bool {
		if o.key == key {
			out = append(out, o)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
