package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/water-telemetry-worker/internal/telemetry"
)

type published struct {
	key   string
	event TenantEvent
}

type fakeSink struct {
	events []published
	err    error
}

func (f *fakeSink) PublishEvent(_ context.Context, key string, event any) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, published{key: key, event: event.(TenantEvent)})
	return nil
}

var at = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func batch() []telemetry.BufferedReading {
	return []telemetry.BufferedReading{
		{TenantID: "t2", MeterID: "m3", Time: at, Decoded: telemetry.DecodedReading{Value: 3, Unit: "m3"}},
		{TenantID: "t1", MeterID: "m1", Time: at, Decoded: telemetry.DecodedReading{Value: 1, Unit: "m3"}, Consumption: 0.5},
		{TenantID: "t1", MeterID: "m2", Time: at, Decoded: telemetry.DecodedReading{Value: 2, Unit: "m3"}},
	}
}

func TestGroupByTenant(t *testing.T) {
	events := GroupByTenant(batch(), at)

	require.Len(t, events, 2)
	assert.Equal(t, "t1", events[0].TenantID)
	assert.Equal(t, EventType, events[0].Type)
	require.Len(t, events[0].Readings, 2)
	assert.Equal(t, "m1", events[0].Readings[0].MeterID)
	assert.Equal(t, 0.5, events[0].Readings[0].Consumption)
	assert.Equal(t, "t2", events[1].TenantID)
}

func TestOnFlush_OneEventPerTenant(t *testing.T) {
	sink := &fakeSink{}
	p := NewPublisher(sink, zap.NewNop())

	p.OnFlush(context.Background(), batch())

	require.Len(t, sink.events, 2)
	assert.Equal(t, "tenant.t1.readings", sink.events[0].key)
	assert.Equal(t, "tenant.t2.readings", sink.events[1].key)
}

func TestOnFlush_FailureIsSwallowed(t *testing.T) {
	p := NewPublisher(&fakeSink{err: errors.New("broker down")}, zap.NewNop())
	assert.NotPanics(t, func() { p.OnFlush(context.Background(), batch()) })
}

func TestTenantFromRoutingKey(t *testing.T) {
	id, ok := TenantFromRoutingKey("tenant.abc.readings")
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	for _, key := range []string{"tenant..readings", "tenant.abc.alarms", "abc.readings", "tenant.a.b.readings"} {
		_, ok := TenantFromRoutingKey(key)
		assert.False(t, ok, key)
	}
}

func TestRelay_ForwardsToTenantRoom(t *testing.T) {
	relay := NewRelay(zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relay.ServeTenant(w, r, strings.TrimPrefix(r.URL.Path, "/"))
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	t1, _, err := websocket.DefaultDialer.Dial(wsURL+"/t1", nil)
	require.NoError(t, err)
	defer t1.Close()
	t2, _, err := websocket.DefaultDialer.Dial(wsURL+"/t2", nil)
	require.NoError(t, err)
	defer t2.Close()

	require.Eventually(t, func() bool {
		return relay.RoomSize("t1") == 1 && relay.RoomSize("t2") == 1
	}, time.Second, 5*time.Millisecond)

	body, err := json.Marshal(GroupByTenant(batch(), at)[0])
	require.NoError(t, err)

	deliveries := make(chan amqp.Delivery, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Run(ctx, deliveries)
	deliveries <- amqp.Delivery{RoutingKey: "tenant.t1.readings", Body: body}

	require.NoError(t, t1.SetReadDeadline(time.Now().Add(time.Second)))
	_, msg, err := t1.ReadMessage()
	require.NoError(t, err)
	var event TenantEvent
	require.NoError(t, json.Unmarshal(msg, &event))
	assert.Equal(t, "t1", event.TenantID)

	require.NoError(t, t2.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = t2.ReadMessage()
	assert.Error(t, err)
}

func TestRelay_LeaveOnDisconnect(t *testing.T) {
	relay := NewRelay(zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relay.ServeTenant(w, r, "t1")
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return relay.RoomSize("t1") == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return relay.RoomSize("t1") == 0 }, time.Second, 5*time.Millisecond)
}
