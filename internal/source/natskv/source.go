// Package natskv observes keys of a NATS JetStream key-value bucket
package natskv

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"keyflow/internal/flow"
)

// ErrClosed is returned by Register after Close
var ErrClosed = errors.New("nats kv source closed")

var _ flow.ObservationSource = (*Source)(nil)

type watch struct {
	id     uint64
	key    string
	cb     flow.Callback
	cancel context.CancelFunc
}

// Source runs one KeyValue watcher per registration
type Source struct {
	kv     jetstream.KeyValue
	nc     *nats.Conn
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	watches map[uint64]*watch
	nextID  uint64
	closed  bool
}

// New wraps an existing bucket. The caller keeps ownership of the connection.
func New(kv jetstream.KeyValue, logger zerolog.Logger) *Source {
	ctx, cancel := context.WithCancel(context.Background())
	return &Source{
		kv:      kv,
		logger:  logger.With().Str("component", "natskv").Str("bucket", kv.Bucket()).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		watches: make(map[uint64]*watch),
	}
}

// Open connects to url and binds bucket, creating it when missing.
// The returned Source owns the connection and closes it on Close.
func Open(ctx context.Context, url, bucket string, logger zerolog.Logger) (*Source, error) {
	nc, err := nats.Connect(url, nats.Name("keyflow"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bind bucket %s: %w", bucket, err)
	}
	s := New(kv, logger)
	s.nc = nc
	return s, nil
}

// KeyValue returns the underlying bucket
func (s *Source) KeyValue() jetstream.KeyValue {
	return s.kv
}

// Register implements flow.ObservationSource. Without initial delivery only
// updates after the watch starts are reported.
func (s *Source) Register(key string, onChange flow.Callback, initial bool) (flow.Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(s.ctx)
	var opts []jetstream.WatchOpt
	if !initial {
		opts = append(opts, jetstream.UpdatesOnly())
	}
	kw, err := s.kv.Watch(ctx, key, opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch %s: %w", key, err)
	}

	w := &watch{id: id, key: key, cb: onChange, cancel: cancel}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		_ = kw.Stop()
		return nil, ErrClosed
	}
	s.watches[id] = w
	s.wg.Add(1)
	s.mu.Unlock()

	go s.forward(ctx, w, kw)
	s.logger.Debug().Str("key", key).Uint64("watch", id).Bool("initial", initial).Msg("watch started")
	return id, nil
}

// Unregister implements flow.ObservationSource. It stops the watcher without
// waiting for its goroutine.
func (s *Source) Unregister(h flow.Handle) {
	id, ok := h.(uint64)
	if !ok {
		return
	}
	s.mu.Lock()
	w, ok := s.watches[id]
	delete(s.watches, id)
	s.mu.Unlock()
	if ok {
		w.cancel()
	}
}

func (s *Source) forward(ctx context.Context, w *watch, kw jetstream.KeyWatcher) {
	defer s.wg.Done()
	defer func() { _ = kw.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-kw.Updates():
			if !ok {
				return
			}
			// nil marks the end of the initial values
			if entry == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			switch entry.Operation() {
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				s.mu.Lock()
				delete(s.watches, w.id)
				s.mu.Unlock()
				w.cb(flow.EndOfStream{})
				return
			default:
				w.cb(entry.Value())
			}
		}
	}
}

// Close stops every watcher, waits for them and ends the remaining
// registrations with ErrClosed.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	ended := make([]*watch, 0, len(s.watches))
	for _, w := range s.watches {
		ended = append(ended, w)
	}
	s.watches = make(map[uint64]*watch)
	s.mu.Unlock()

	for _, w := range ended {
		w.cb(flow.EndOfStream{Err: ErrClosed})
	}
	if s.nc != nil {
		return s.nc.Drain()
	}
	return nil
}
