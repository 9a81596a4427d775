package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"keyflow/internal/flow"
	"keyflow/internal/jsonrpc"
	"keyflow/internal/source/property"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// storeCatalog serves one property store as source "props"
type storeCatalog struct {
	store *property.Store
}

func (c storeCatalog) Publisher(source, key string, initial bool) (*flow.Publisher[json.RawMessage], error) {
	if source != "" && source != "props" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	return flow.NewPublisher[json.RawMessage](c.store, key, initial).
		WithConverter(func(raw any) (json.RawMessage, error) {
			if s, ok := raw.(string); ok && s == "bad" {
				return nil, fmt.Errorf("refusing %q", s)
			}
			return json.Marshal(raw)
		}), nil
}

type sent struct {
	mu   sync.Mutex
	msgs []jsonrpc.Message
}

func (s *sent) Send(data []byte) {
	s.record(data)
}

func (s *sent) SendEnd(data []byte) {
	s.record(data)
}

func (s *sent) record(data []byte) {
	msg, err := jsonrpc.ParseMessage(data)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	s.msgs = append(s.msgs, *msg)
	s.mu.Unlock()
}

func (s *sent) all() []jsonrpc.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]jsonrpc.Message(nil), s.msgs...)
}

func (s *sent) results(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, m := range s.all() {
		if m.Method != jsonrpc.MethodSubscription {
			continue
		}
		var p jsonrpc.SubscriptionParams
		require.NoError(t, json.Unmarshal(m.Params, &p))
		out = append(out, string(p.Result))
	}
	return out
}

func (s *sent) ends(t *testing.T) []jsonrpc.SubscriptionEndParams {
	t.Helper()
	var out []jsonrpc.SubscriptionEndParams
	for _, m := range s.all() {
		if m.Method != jsonrpc.MethodSubscriptionEnd {
			continue
		}
		var p jsonrpc.SubscriptionEndParams
		require.NoError(t, json.Unmarshal(m.Params, &p))
		out = append(out, p)
	}
	return out
}

func newSession(t *testing.T, maxSubs int) (*ClientSession, *property.Store, *sent) {
	t.Helper()
	store := property.New()
	out := &sent{}
	cs := NewClientSession(out, storeCatalog{store: store}, maxSubs, zerolog.Nop())
	t.Cleanup(func() {
		cs.Close()
		store.Close()
	})
	return cs, store, out
}

func TestClientSession_NoValuesWithoutDemand(t *testing.T) {
	cs, store, out := newSession(t, 0)
	require.NoError(t, store.Set("tank.level", 1))

	id, err := cs.Subscribe(jsonrpc.SubscribeParams{Key: "tank.level", Initial: true})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 0, store.ObserverCount())
	assert.Empty(t, out.all())

	require.NoError(t, cs.Request(id, 2))
	require.NoError(t, store.Set("tank.level", 2))
	require.NoError(t, store.Set("tank.level", 3))

	assert.Equal(t, []string{"1", "2"}, out.results(t))

	stats, err := cs.Stats(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.Delivered)
	assert.Equal(t, uint64(1), stats.Dropped)
}

func TestClientSession_UnboundedDemand(t *testing.T) {
	cs, store, out := newSession(t, 0)

	id, err := cs.Subscribe(jsonrpc.SubscribeParams{Source: "props", Key: "a"})
	require.NoError(t, err)
	require.NoError(t, cs.Request(id, jsonrpc.UnboundedDemand))

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Set("a", i))
	}
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, out.results(t))
}

func TestClientSession_InvalidDemand(t *testing.T) {
	cs, _, _ := newSession(t, 0)
	id, err := cs.Subscribe(jsonrpc.SubscribeParams{Key: "a"})
	require.NoError(t, err)

	assert.ErrorIs(t, cs.Request(id, 0), ErrInvalidDemand)
	assert.ErrorIs(t, cs.Request(id, -2), ErrInvalidDemand)
	assert.ErrorIs(t, cs.Request("nope", 1), ErrSubscriptionNotFound)
}

func TestClientSession_UnknownSource(t *testing.T) {
	cs, _, _ := newSession(t, 0)
	_, err := cs.Subscribe(jsonrpc.SubscribeParams{Source: "other", Key: "a"})
	assert.ErrorIs(t, err, ErrUnknownSource)
	assert.Equal(t, jsonrpc.CodeUnknownSource, ErrorFor(err).Code)
}

func TestClientSession_Limit(t *testing.T) {
	cs, _, _ := newSession(t, 2)
	_, err := cs.Subscribe(jsonrpc.SubscribeParams{Key: "a"})
	require.NoError(t, err)
	id, err := cs.Subscribe(jsonrpc.SubscribeParams{Key: "b"})
	require.NoError(t, err)

	_, err = cs.Subscribe(jsonrpc.SubscribeParams{Key: "c"})
	assert.ErrorIs(t, err, ErrLimitExceeded)

	require.NoError(t, cs.Cancel(id))
	_, err = cs.Subscribe(jsonrpc.SubscribeParams{Key: "c"})
	assert.NoError(t, err)
}

func TestClientSession_Cancel(t *testing.T) {
	cs, store, out := newSession(t, 0)
	id, err := cs.Subscribe(jsonrpc.SubscribeParams{Key: "a"})
	require.NoError(t, err)
	require.NoError(t, cs.Request(id, jsonrpc.UnboundedDemand))
	assert.Equal(t, 1, store.ObserverCount())

	require.NoError(t, cs.Cancel(id))
	assert.Equal(t, 0, store.ObserverCount())
	assert.ErrorIs(t, cs.Cancel(id), ErrSubscriptionNotFound)

	require.NoError(t, store.Set("a", 1))
	assert.Empty(t, out.all())
}

func TestClientSession_CompleteSendsEnd(t *testing.T) {
	cs, store, out := newSession(t, 0)
	require.NoError(t, store.Set("a", 1))
	id, err := cs.Subscribe(jsonrpc.SubscribeParams{Key: "a"})
	require.NoError(t, err)
	require.NoError(t, cs.Request(id, 1))

	store.Delete("a")

	ends := out.ends(t)
	require.Len(t, ends, 1)
	assert.Equal(t, id, ends[0].Subscription)
	assert.Nil(t, ends[0].Error)
	assert.Equal(t, 0, cs.SubscriptionCount())
}

func TestClientSession_FailureSendsEnd(t *testing.T) {
	cs, store, out := newSession(t, 0)
	id, err := cs.Subscribe(jsonrpc.SubscribeParams{Key: "a"})
	require.NoError(t, err)
	require.NoError(t, cs.Request(id, jsonrpc.UnboundedDemand))

	require.NoError(t, store.Set("a", "bad"))

	ends := out.ends(t)
	require.Len(t, ends, 1)
	require.NotNil(t, ends[0].Error)
	assert.Equal(t, jsonrpc.CodeTypeMismatch, ends[0].Error.Code)
	assert.Equal(t, 0, cs.SubscriptionCount())
	assert.Equal(t, 0, store.ObserverCount())
}

func TestClientSession_RegistrationFailure(t *testing.T) {
	cs, _, out := newSession(t, 0)
	id, err := cs.Subscribe(jsonrpc.SubscribeParams{Key: "not a key"})
	require.NoError(t, err)
	require.NoError(t, cs.Request(id, 1))

	ends := out.ends(t)
	require.Len(t, ends, 1)
	require.NotNil(t, ends[0].Error)
	assert.Equal(t, jsonrpc.CodeRegistrationFailed, ends[0].Error.Code)
}

func TestClientSession_CloseCancelsAll(t *testing.T) {
	cs, store, out := newSession(t, 0)
	for _, key := range []string{"a", "b", "c"} {
		id, err := cs.Subscribe(jsonrpc.SubscribeParams{Key: key})
		require.NoError(t, err)
		require.NoError(t, cs.Request(id, jsonrpc.UnboundedDemand))
	}
	assert.Equal(t, 3, store.ObserverCount())

	cs.Close()
	assert.Equal(t, 0, store.ObserverCount())
	assert.Empty(t, out.ends(t))

	_, err := cs.Subscribe(jsonrpc.SubscribeParams{Key: "a"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestErrorFor(t *testing.T) {
	assert.Nil(t, ErrorFor(nil))
	assert.Equal(t, jsonrpc.CodeSubscriptionNotFound, ErrorFor(fmt.Errorf("%w: x", ErrSubscriptionNotFound)).Code)
	assert.Equal(t, jsonrpc.CodeLimitExceeded, ErrorFor(ErrLimitExceeded).Code)
	assert.Equal(t, jsonrpc.CodeInvalidParams, ErrorFor(ErrInvalidDemand).Code)
	assert.Equal(t, jsonrpc.CodeSourceUnavailable, ErrorFor(fmt.Errorf("wrap: %w", flow.ErrSourceUnavailable)).Code)
	assert.Equal(t, -32050, ErrorFor(fmt.Errorf("wrap: %w", jsonrpc.NewError(-32050, "remote"))).Code)
	assert.Equal(t, jsonrpc.CodeInternalError, ErrorFor(fmt.Errorf("boom")).Code)
}
