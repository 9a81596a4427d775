package natskv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyflow/internal/flow"
)

func startJetStream(t *testing.T) (*server.Server, jetstream.KeyValue) {
	t.Helper()
	opts := &server.Options{JetStream: true, Port: -1, StoreDir: t.TempDir()}
	ns, err := server.NewServer(opts)
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(10*time.Second))
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	require.NoError(t, err)
	kv, err := js.CreateKeyValue(context.Background(), jetstream.KeyValueConfig{Bucket: "keyflow-test"})
	require.NoError(t, err)
	return ns, kv
}

type entries struct {
	mu   sync.Mutex
	vals []any
}

func (e *entries) cb(v any) {
	e.mu.Lock()
	e.vals = append(e.vals, v)
	e.mu.Unlock()
}

func (e *entries) snapshot() []any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]any(nil), e.vals...)
}

func TestSource_InitialAndUpdates(t *testing.T) {
	ctx := context.Background()
	_, kv := startJetStream(t)
	_, err := kv.Put(ctx, "tank.level", []byte("10"))
	require.NoError(t, err)

	src := New(kv, zerolog.Nop())
	defer src.Close()

	got := &entries{}
	h, err := src.Register("tank.level", got.cb, true)
	require.NoError(t, err)
	defer src.Unregister(h)

	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)

	_, err = kv.Put(ctx, "tank.level", []byte("11"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(got.snapshot()) == 2 }, 5*time.Second, 10*time.Millisecond)

	vals := got.snapshot()
	assert.Equal(t, []byte("10"), vals[0])
	assert.Equal(t, []byte("11"), vals[1])
}

func TestSource_UpdatesOnly(t *testing.T) {
	ctx := context.Background()
	_, kv := startJetStream(t)
	_, err := kv.Put(ctx, "k", []byte("old"))
	require.NoError(t, err)

	src := New(kv, zerolog.Nop())
	defer src.Close()

	got := &entries{}
	h, err := src.Register("k", got.cb, false)
	require.NoError(t, err)
	defer src.Unregister(h)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, got.snapshot())

	_, err = kv.Put(ctx, "k", []byte("new"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte("new"), got.snapshot()[0])
}

func TestSource_DeleteEndsStream(t *testing.T) {
	ctx := context.Background()
	_, kv := startJetStream(t)
	_, err := kv.Put(ctx, "k", []byte("v"))
	require.NoError(t, err)

	src := New(kv, zerolog.Nop())
	defer src.Close()

	got := &entries{}
	_, err = src.Register("k", got.cb, false)
	require.NoError(t, err)

	require.NoError(t, kv.Delete(ctx, "k"))
	require.Eventually(t, func() bool {
		vals := got.snapshot()
		if len(vals) == 0 {
			return false
		}
		_, ok := vals[len(vals)-1].(flow.EndOfStream)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSource_CloseEndsRegistrations(t *testing.T) {
	_, kv := startJetStream(t)
	src := New(kv, zerolog.Nop())

	got := &entries{}
	_, err := src.Register("k", got.cb, false)
	require.NoError(t, err)

	require.NoError(t, src.Close())
	vals := got.snapshot()
	require.Len(t, vals, 1)
	eos, ok := vals[0].(flow.EndOfStream)
	require.True(t, ok)
	assert.ErrorIs(t, eos.Err, ErrClosed)

	_, err = src.Register("k", got.cb, false)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSource_WithPublisher(t *testing.T) {
	ctx := context.Background()
	_, kv := startJetStream(t)
	src := New(kv, zerolog.Nop())
	defer src.Close()

	values := make(chan string, 8)
	pub := flow.NewPublisher[string](src, "letters", false).WithConverter(func(raw any) (string, error) {
		b, err := flow.Assert[[]byte]()(raw)
		return string(b), err
	})

	var sub flow.Subscription
	pub.Subscribe(flow.ConsumerFuncs[string]{
		SubscribeFunc: func(s flow.Subscription) {
			sub = s
			s.Request(2)
		},
		NextFunc: func(v string) flow.Demand {
			values <- v
			return 0
		},
	})
	defer sub.Cancel()

	// the watch is asynchronous; wait for it before writing
	time.Sleep(100 * time.Millisecond)
	for _, v := range []string{"A", "B", "C"} {
		_, err := kv.Put(ctx, "letters", []byte(v))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return sub.Stats().Dropped == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "A", <-values)
	assert.Equal(t, "B", <-values)
	assert.Empty(t, values)
}
