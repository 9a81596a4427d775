package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyflow/internal/config"
	"keyflow/internal/flow"
	"keyflow/internal/jsonrpc"
	"keyflow/internal/source/rpcws"
)

const testConfig = `{
	"maxSubscriptionsPerClient": 2,
	"sources": [
		{"name": "props", "type": "property", "values": {"tank.level": 1}}
	]
}`

func newTestServer(t *testing.T, raw string) (*Server, string) {
	t.Helper()
	cfg, err := config.Parse([]byte(raw), ".json")
	require.NoError(t, err)

	s, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	for _, src := range cfg.Sources {
		require.NoError(t, s.AddSource(src))
	}

	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		hs.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Stop(ctx))
	})
	return s, "ws" + strings.TrimPrefix(hs.URL, "http")
}

type wsConn struct {
	t    *testing.T
	conn *websocket.Conn
	id   int64
}

func dial(t *testing.T, url string) *wsConn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsConn{t: t, conn: conn}
}

func (c *wsConn) call(method string, params interface{}) int64 {
	c.t.Helper()
	c.id++
	req, err := jsonrpc.NewRequest(method, params, jsonrpc.NewIDInt(c.id))
	require.NoError(c.t, err)
	data, err := req.Bytes()
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
	return c.id
}

func (c *wsConn) next() *jsonrpc.Message {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	msg, err := jsonrpc.ParseMessage(data)
	require.NoError(c.t, err)
	return msg
}

// response reads the next frame and requires it to answer id
func (c *wsConn) response(id int64) *jsonrpc.Message {
	c.t.Helper()
	msg := c.next()
	require.False(c.t, msg.IsNotification(), "expected response, got %s", msg.Method)
	require.NotNil(c.t, msg.ID)
	got, ok := msg.ID.Int64()
	require.True(c.t, ok)
	require.Equal(c.t, id, got)
	return msg
}

func (c *wsConn) notification(method string, params interface{}) {
	c.t.Helper()
	msg := c.next()
	require.Equal(c.t, method, msg.Method)
	require.NoError(c.t, json.Unmarshal(msg.Params, params))
}

func demand(n int64) *int64 {
	return &n
}

func TestServer_SubscribeRespondsBeforeValues(t *testing.T) {
	_, url := newTestServer(t, testConfig)
	c := dial(t, url)

	id := c.call(jsonrpc.MethodSubscribe, jsonrpc.SubscribeParams{Key: "tank.level", Initial: true, Demand: demand(1)})
	resp := c.response(id)
	require.Nil(t, resp.Error)
	var subID string
	require.NoError(t, json.Unmarshal(resp.Result, &subID))
	require.NotEmpty(t, subID)

	var p jsonrpc.SubscriptionParams
	c.notification(jsonrpc.MethodSubscription, &p)
	assert.Equal(t, subID, p.Subscription)
	assert.Equal(t, "tank.level", p.Key)
	assert.JSONEq(t, `1`, string(p.Result))

	// demand exhausted: the next value is dropped, so the response comes first
	id = c.call(jsonrpc.MethodSet, jsonrpc.SetParams{Key: "tank.level", Value: json.RawMessage(`2`)})
	c.response(id)

	id = c.call(jsonrpc.MethodRequest, jsonrpc.RequestParams{Subscription: subID, N: 1})
	c.response(id)
	id = c.call(jsonrpc.MethodSet, jsonrpc.SetParams{Key: "tank.level", Value: json.RawMessage(`{"v":3}`)})
	c.notification(jsonrpc.MethodSubscription, &p)
	assert.JSONEq(t, `{"v":3}`, string(p.Result))
	c.response(id)
}

func TestServer_CancelStopsValues(t *testing.T) {
	s, url := newTestServer(t, testConfig)
	c := dial(t, url)

	id := c.call(jsonrpc.MethodSubscribe, jsonrpc.SubscribeParams{Key: "tank.level", Demand: demand(jsonrpc.UnboundedDemand)})
	var subID string
	require.NoError(t, json.Unmarshal(c.response(id).Result, &subID))
	assert.Equal(t, 1, s.Properties().ObserverCount())

	id = c.call(jsonrpc.MethodCancel, jsonrpc.CancelParams{Subscription: subID})
	assert.JSONEq(t, `true`, string(c.response(id).Result))
	assert.Equal(t, 0, s.Properties().ObserverCount())

	id = c.call(jsonrpc.MethodCancel, jsonrpc.CancelParams{Subscription: subID})
	assert.JSONEq(t, `false`, string(c.response(id).Result))

	id = c.call(jsonrpc.MethodRequest, jsonrpc.RequestParams{Subscription: subID, N: 1})
	resp := c.response(id)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeSubscriptionNotFound, resp.Error.Code)
}

func TestServer_SubscriptionEnd(t *testing.T) {
	s, url := newTestServer(t, testConfig)
	c := dial(t, url)

	id := c.call(jsonrpc.MethodSubscribe, jsonrpc.SubscribeParams{Key: "tank.level", Demand: demand(5)})
	var subID string
	require.NoError(t, json.Unmarshal(c.response(id).Result, &subID))

	s.Properties().Delete("tank.level")

	var end jsonrpc.SubscriptionEndParams
	c.notification(jsonrpc.MethodSubscriptionEnd, &end)
	assert.Equal(t, subID, end.Subscription)
	assert.Nil(t, end.Error)
	assert.Equal(t, 0, s.Sessions().SubscriptionCount())
}

func TestServer_Errors(t *testing.T) {
	_, url := newTestServer(t, testConfig)
	c := dial(t, url)

	id := c.call("flow_nope", nil)
	resp := c.response(id)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)

	id = c.call(jsonrpc.MethodSubscribe, jsonrpc.SubscribeParams{Source: "elsewhere", Key: "a"})
	resp = c.response(id)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeUnknownSource, resp.Error.Code)

	id = c.call(jsonrpc.MethodSubscribe, jsonrpc.SubscribeParams{Key: "a", Demand: demand(-5)})
	resp = c.response(id)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)

	for i := 0; i < 2; i++ {
		id = c.call(jsonrpc.MethodSubscribe, jsonrpc.SubscribeParams{Key: "a"})
		require.Nil(t, c.response(id).Error)
	}
	id = c.call(jsonrpc.MethodSubscribe, jsonrpc.SubscribeParams{Key: "a"})
	resp = c.response(id)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeLimitExceeded, resp.Error.Code)

	// registration failures arrive as subscription end after the response
	c2 := dial(t, url)
	id = c2.call(jsonrpc.MethodSubscribe, jsonrpc.SubscribeParams{Key: "bad key", Demand: demand(1)})
	require.Nil(t, c2.response(id).Error)
	var end jsonrpc.SubscriptionEndParams
	c2.notification(jsonrpc.MethodSubscriptionEnd, &end)
	require.NotNil(t, end.Error)
	assert.Equal(t, jsonrpc.CodeRegistrationFailed, end.Error.Code)

	require.NoError(t, c2.conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	msg := c2.next()
	require.NotNil(t, msg.Error)
	assert.Equal(t, jsonrpc.CodeParseError, msg.Error.Code)
}

func TestServer_Properties(t *testing.T) {
	_, url := newTestServer(t, testConfig)
	c := dial(t, url)

	id := c.call(jsonrpc.MethodGet, jsonrpc.GetParams{Key: "tank.level"})
	assert.JSONEq(t, `1`, string(c.response(id).Result))

	id = c.call(jsonrpc.MethodSet, jsonrpc.SetParams{Key: "pump.on", Value: json.RawMessage(`true`)})
	assert.JSONEq(t, `true`, string(c.response(id).Result))

	id = c.call(jsonrpc.MethodKeys, nil)
	assert.JSONEq(t, `["pump.on","tank.level"]`, string(c.response(id).Result))

	id = c.call(jsonrpc.MethodGet, jsonrpc.GetParams{Key: "missing"})
	assert.Equal(t, `null`, string(c.response(id).Result))

	id = c.call(jsonrpc.MethodSet, jsonrpc.SetParams{Key: "bad key", Value: json.RawMessage(`1`)})
	resp := c.response(id)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
}

func TestServer_Batch(t *testing.T) {
	_, url := newTestServer(t, testConfig)
	c := dial(t, url)

	batch := `[
		{"jsonrpc":"2.0","id":1,"method":"flow_subscribe","params":{"key":"tank.level","initial":true,"demand":-1}},
		{"jsonrpc":"2.0","id":2,"method":"flow_get","params":{"key":"tank.level"}}
	]`
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte(batch)))

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(t, err)
	var responses []jsonrpc.Response
	require.NoError(t, json.Unmarshal(data, &responses))
	require.Len(t, responses, 2)
	var subID string
	require.NoError(t, json.Unmarshal(responses[0].Result, &subID))
	assert.JSONEq(t, `1`, string(responses[1].Result))

	var p jsonrpc.SubscriptionParams
	c.notification(jsonrpc.MethodSubscription, &p)
	assert.Equal(t, subID, p.Subscription)
}

func TestServer_DisconnectCancelsSubscriptions(t *testing.T) {
	s, url := newTestServer(t, testConfig)
	c := dial(t, url)

	id := c.call(jsonrpc.MethodSubscribe, jsonrpc.SubscribeParams{Key: "tank.level", Demand: demand(jsonrpc.UnboundedDemand)})
	c.response(id)
	require.Equal(t, 1, s.Properties().ObserverCount())

	c.conn.Close()
	require.Eventually(t, func() bool {
		return s.Properties().ObserverCount() == 0 && s.Sessions().SessionCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServer_UpstreamRoundTrip(t *testing.T) {
	s, url := newTestServer(t, testConfig)

	client, err := rpcws.New(rpcws.Config{URL: url}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	var (
		mu     sync.Mutex
		values []any
	)
	var sub flow.Subscription
	flow.NewPublisher[any](client, "tank.level", true).
		WithConverter(flow.JSON[any]()).
		Subscribe(flow.ConsumerFuncs[any]{
			SubscribeFunc: func(s flow.Subscription) {
				sub = s
				s.Request(2)
			},
			NextFunc: func(v any) flow.Demand {
				mu.Lock()
				values = append(values, v)
				mu.Unlock()
				return 0
			},
		})
	defer sub.Cancel()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(values) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Properties().Set("tank.level", 2))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(values) == 2
	}, 5*time.Second, 10*time.Millisecond)

	// demand is exhausted locally; further values are dropped by the bridge
	require.NoError(t, s.Properties().Set("tank.level", 3))
	require.Eventually(t, func() bool {
		return sub.Stats().Dropped == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []any{float64(1), float64(2)}, values)
	mu.Unlock()
}

func TestServer_Metrics(t *testing.T) {
	s, url := newTestServer(t, testConfig)
	c := dial(t, url)

	id := c.call(jsonrpc.MethodSubscribe, jsonrpc.SubscribeParams{Key: "tank.level", Initial: true, Demand: demand(1)})
	c.response(id)
	var p jsonrpc.SubscriptionParams
	c.notification(jsonrpc.MethodSubscription, &p)

	rec := httptest.NewRecorder()
	s.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `keyflow_subscription_opened_total{source="props"} 1`)
	assert.Contains(t, body, `keyflow_values_delivered_total{source="props"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestNew_UnknownConverter(t *testing.T) {
	cfg, err := config.Parse([]byte(`{"keys":[{"prefix":"a.","converter":"missing"}]}`), ".json")
	require.NoError(t, err)
	_, err = New(cfg, zerolog.Nop())
	assert.Error(t, err)
}
