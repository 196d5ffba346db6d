package metrics_test

import (
	"context"
	"maps"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/rabbitmq/amqptest"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/metrics"
)

func TestCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RecordCall("RPC_Printer_1", messaging.OutcomeOK, 10*time.Millisecond)
	c.RecordCall("RPC_Printer_1", messaging.OutcomeOK, 20*time.Millisecond)
	c.RecordCall("RPC_Printer_1", messaging.OutcomeTimeout, time.Second)
	c.RecordRequest("RPC_Printer_1", messaging.OutcomeHandlerError, time.Millisecond)
	c.RecordPublish("jobs", 3)
	c.RecordAck("jobs", true)
	c.RecordAck("jobs", false)
	c.RecordAck("jobs", false)

	assert.Equal(t, 2.0, series(t, reg, "mmate_rpc_calls_total", "target", "RPC_Printer_1", "outcome", "ok"))
	assert.Equal(t, 1.0, series(t, reg, "mmate_rpc_calls_total", "target", "RPC_Printer_1", "outcome", "timeout"))

	count, err := testutil.GatherAndCount(reg, "mmate_rpc_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.Equal(t, 3.0, series(t, reg, "mmate_workqueue_published_total", "queue", "jobs"))
	assert.Equal(t, 2.0, series(t, reg, "mmate_workqueue_resolved_total", "queue", "jobs", "result", "nack"))
}

func TestCollector_ListenerState(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.SetListenerState("RPC_Printer_1", "listening")
	c.SetListenerState("RPC_Printer_1", "failed")

	assert.Equal(t, 1.0, series(t, reg, "mmate_rpc_listener_state", "queue", "RPC_Printer_1", "state", "failed"))
	assert.Equal(t, 0.0, series(t, reg, "mmate_rpc_listener_state", "queue", "RPC_Printer_1", "state", "listening"))
}

func TestCollector_BrokerConnected(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.SetBrokerConnected(true)
	assert.Equal(t, 1.0, series(t, reg, "mmate_broker_connected"))

	c.SetBrokerConnected(false)
	assert.Equal(t, 0.0, series(t, reg, "mmate_broker_connected"))
}

func TestCollector_NilIsNoOp(t *testing.T) {
	var c *metrics.Collector
	assert.NotPanics(t, func() {
		c.RecordCall("t", "ok", time.Second)
		c.RecordRequest("q", "ok", time.Second)
		c.SetListenerState("q", "idle")
		c.RecordPublish("q", 1)
		c.RecordAck("q", true)
		c.SetBrokerConnected(true)
	})
}

func TestCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.NewCollector(reg)
	assert.Panics(t, func() { metrics.NewCollector(reg) })
}

func TestCollector_WiredIntoService(t *testing.T) {
	reg := prometheus.NewRegistry()
	broker := amqptest.NewBroker()
	ctx := context.Background()

	svc, err := messaging.NewService(ctx, "amqp://localhost", messaging.WithDialer(broker.Dial),
		messaging.WithMetrics(metrics.NewCollector(reg)))
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.Publish(ctx, "jobs", []*contracts.WorkPacket{{Body: []byte("a")}, {Body: []byte("b")}}))

	_, err = svc.CallRpc(ctx, "RPC_Nobody_1", &contracts.RpcPacket{}, messaging.ExpectReply)
	require.ErrorIs(t, err, messaging.ErrTargetUnreachable)

	assert.Equal(t, 2.0, series(t, reg, "mmate_workqueue_published_total", "queue", "jobs"))
	assert.Equal(t, 1.0, series(t, reg, "mmate_rpc_calls_total", "target", "RPC_Nobody_1", "outcome", "unreachable"))
	assert.Eventually(t, func() bool {
		return series(t, reg, "mmate_broker_connected") == 1
	}, time.Second, 10*time.Millisecond)
}

// series returns the value of the counter or gauge series name{labels}
func series(t *testing.T, reg *prometheus.Registry, name string, labels ...string) float64 {
	t.Helper()

	want := make(map[string]string, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		want[labels[i]] = labels[i+1]
	}

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			got := make(map[string]string)
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			if maps.Equal(want, got) {
				return m.GetCounter().GetValue() + m.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("series %s %v not found", name, labels)
	return 0
}
