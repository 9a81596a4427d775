package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyflow/internal/flow"
)

func TestPrometheusCollector_LazyRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "")

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)

	p.ForSource("props").ValueDelivered("k")
	families, err = reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
	assert.Equal(t, float64(1), testutil.ToFloat64(p.delivered.WithLabelValues("props")))
}

func TestPrometheusCollector_Lifecycle(t *testing.T) {
	p := NewPrometheus(prometheus.NewRegistry(), "test")
	m := p.ForSource("nats")

	m.SubscriptionOpened("a")
	m.SubscriptionOpened("b")
	m.ValueDropped("a")
	m.Failure("a", flow.FailureTypeMismatch)
	m.SubscriptionClosed("a", flow.ReasonFailed)

	assert.Equal(t, float64(2), testutil.ToFloat64(p.opened.WithLabelValues("nats")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.active.WithLabelValues("nats")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.dropped.WithLabelValues("nats")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.failures.WithLabelValues("nats", "type_mismatch")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.closed.WithLabelValues("nats", "failed")))

	// the unlabelled methods record under an empty source
	p.SubscriptionOpened("x")
	assert.Equal(t, float64(1), testutil.ToFloat64(p.opened.WithLabelValues("")))
}

func TestPrometheusCollector_WithPublisher(t *testing.T) {
	p := NewPrometheus(prometheus.NewRegistry(), "test")
	pub := flow.NewPublisher[int](nil, "k", false, flow.WithMetrics(p.ForSource("none")))
	pub.Subscribe(flow.ConsumerFuncs[int]{
		SubscribeFunc: func(s flow.Subscription) { s.Request(1) },
	})

	assert.Equal(t, float64(1), testutil.ToFloat64(p.failures.WithLabelValues("none", "registration")))
	assert.Equal(t, float64(0), testutil.ToFloat64(p.active.WithLabelValues("none")))
}
