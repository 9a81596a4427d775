package flow

import (
	"errors"
	"sync"
)

type fakeReg struct {
	key string
	cb  Callback
}

// fakeSource is an in-test ObservationSource that records registrations
type fakeSource struct {
	mu              sync.Mutex
	values          map[string]any
	regs            map[int]*fakeReg
	nextID          int
	registerErr     error
	registerCalls   int
	unregisterCalls int
	onRegister      func()
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		values: make(map[string]any),
		regs:   make(map[int]*fakeReg),
	}
}

func (f *fakeSource) set(key string, v any) {
	f.mu.Lock()
	f.values[key] = v
	f.mu.Unlock()
}

func (f *fakeSource) Register(key string, cb Callback, initial bool) (Handle, error) {
	f.mu.Lock()
	f.registerCalls++
	if f.registerErr != nil {
		err := f.registerErr
		f.mu.Unlock()
		return nil, err
	}
	f.nextID++
	id := f.nextID
	f.regs[id] = &fakeReg{key: key, cb: cb}
	v, ok := f.values[key]
	hook := f.onRegister
	f.mu.Unlock()

	if initial && ok {
		cb(v)
	}
	if hook != nil {
		hook()
	}
	return id, nil
}

func (f *fakeSource) Unregister(h Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregisterCalls++
	delete(f.regs, h.(int))
}

// emit invokes every callback registered for key, outside the lock
func (f *fakeSource) emit(key string, raw any) {
	f.mu.Lock()
	if _, ok := raw.(EndOfStream); !ok {
		f.values[key] = raw
	}
	cbs := make([]Callback, 0, len(f.regs))
	for _, r := range f.regs {
		if r.key == key {
			cbs = append(cbs, r.cb)
		}
	}
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(raw)
	}
}

func (f *fakeSource) counts() (register, unregister, live int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registerCalls, f.unregisterCalls, len(f.regs)
}

var errBoom = errors.New("boom")

// recorder is a Consumer that keeps everything it receives
type recorder[T any] struct {
	mu        sync.Mutex
	sub       Subscription
	values    []T
	failures  []error
	completed int

	subscribe func(s Subscription)
	next      func(v T) Demand
}

func (r *recorder[T]) OnSubscribe(s Subscription) {
	r.mu.Lock()
	r.sub = s
	fn := r.subscribe
	r.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (r *recorder[T]) OnNext(v T) Demand {
	r.mu.Lock()
	r.values = append(r.values, v)
	fn := r.next
	r.mu.Unlock()
	if fn != nil {
		return fn(v)
	}
	return 0
}

func (r *recorder[T]) OnComplete() {
	r.mu.Lock()
	r.completed++
	r.mu.Unlock()
}

func (r *recorder[T]) OnFailure(err error) {
	r.mu.Lock()
	r.failures = append(r.failures, err)
	r.mu.Unlock()
}

func (r *recorder[T]) snapshot() ([]T, []error, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vals := make([]T, len(r.values))
	copy(vals, r.values)
	errs := make([]error, len(r.failures))
	copy(errs, r.failures)
	return vals, errs, r.completed
}

func (r *recorder[T]) subscription() Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sub
}
