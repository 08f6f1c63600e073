package forward

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bmsd/internal/metric"
)

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m *fakeMessage) Topic() string   { return m.topic }
func (m *fakeMessage) Payload() []byte { return m.payload }

type doneToken struct {
	mqtt.Token
	done chan struct{}
}

func newDoneToken() *doneToken {
	t := &doneToken{done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return nil }

type fakeSubscriber struct {
	mu      sync.Mutex
	topics  []string
	handler mqtt.MessageHandler
}

func (f *fakeSubscriber) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.handler = cb
	return newDoneToken()
}

type captureRouter struct {
	mu  sync.Mutex
	got []metric.Tuple
}

func (r *captureRouter) Deliver(_ context.Context, tuples []metric.Tuple) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, tuples...)
	return 0
}

func TestSource_Tuple(t *testing.T) {
	src := NewSource(context.Background(), DefaultOptions(), &captureRouter{}, nil)
	at := time.Unix(1700000000, 0)

	tests := []struct {
		name    string
		topic   string
		payload string
		ok      bool
		dest    metric.Destination
		field   string
		value   metric.Value
	}{
		{name: "number", topic: "get_status/status/voltage", payload: "230.1", ok: true,
			dest: metric.PowerMeasurement, field: "voltage", value: metric.Number(230.1)},
		{name: "integer with whitespace", topic: "get_status/status/power/", payload: " 42\n", ok: true,
			dest: metric.PowerMeasurement, field: "power", value: metric.Number(42)},
		{name: "text", topic: "get_status/status/state", payload: "on", ok: true,
			dest: metric.PowerMeasurementStrings, field: "state", value: metric.Text("on")},
		{name: "nan stays text", topic: "get_status/status/freq", payload: "nan", ok: true,
			dest: metric.PowerMeasurementStrings, field: "freq", value: metric.Text("nan")},
		{name: "unit ignored", topic: "get_status/status/voltage/unit", payload: "V"},
		{name: "too short", topic: "get_status/status", payload: "1"},
		{name: "invalid utf-8", topic: "get_status/status/raw", payload: "\xff\xfe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tuple, ok := src.Tuple(tt.topic, []byte(tt.payload), at)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.dest, tuple.Destination)
			assert.Equal(t, tt.field, tuple.Field)
			assert.Equal(t, tt.value, tuple.Value)
			assert.Equal(t, "get_status", tuple.Meter)
			assert.Equal(t, at, tuple.Time)
		})
	}
}

func TestSource_SubscribeAndForward(t *testing.T) {
	router := &captureRouter{}
	src := NewSource(context.Background(), DefaultOptions(), router, nil)
	sub := &fakeSubscriber{}

	// subscribe again on every reconnect
	src.Subscribe(sub)
	src.Subscribe(sub)
	assert.Equal(t, []string{"get_status/status/#", "get_status/status/#"}, sub.topics)

	sub.handler(nil, &fakeMessage{topic: "get_status/status/current", payload: []byte("1.5")})
	sub.handler(nil, &fakeMessage{topic: "get_status/status/current/unit", payload: []byte("A")})

	require.Len(t, router.got, 1)
	assert.Equal(t, "current", router.got[0].Field)
}

type countingChecker struct{ n atomic.Int32 }

func (c *countingChecker) Check(context.Context) bool { c.n.Add(1); return false }

func TestWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &countingChecker{}

	done := make(chan struct{})
	go func() {
		Watch(ctx, 5*time.Millisecond, c)
		close(done)
	}()

	require.Eventually(t, func() bool { return c.n.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not stop")
	}
}
