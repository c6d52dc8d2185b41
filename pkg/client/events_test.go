package client

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeEventBus is a PUB endpoint standing in for the bridge's event stream.
type fakeEventBus struct {
	t        *testing.T
	sock     zmq4.Socket
	endpoint string
}

func newFakeEventBus(t *testing.T) *fakeEventBus {
	sock := zmq4.NewPub(context.Background())
	require.NoError(t, sock.Listen("tcp://127.0.0.1:0"))
	t.Cleanup(func() { sock.Close() })
	return &fakeEventBus{
		t:        t,
		sock:     sock,
		endpoint: fmt.Sprintf("tcp://%s", sock.Addr().String()),
	}
}

// publish emits one two-frame event message. PUB drops messages until a
// subscriber is attached, callers publish in a retry loop.
func (b *fakeEventBus) publish(name, payload string) {
	_ = b.sock.SendMulti(zmq4.NewMsgFrom([]byte(name), []byte(payload)))
}

// eventRecorder collects dispatched events for assertions.
type eventRecorder struct {
	mtx    sync.Mutex
	events []Event
}

func (r *eventRecorder) handler(ev Event) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) names() []string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}

func (r *eventRecorder) seen(name string) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for _, ev := range r.events {
		if ev.Name == name {
			return true
		}
	}
	return false
}

func eventTestClient(t *testing.T, f *fakeTerminal, bus *fakeEventBus, eventList []string) (*Client, *eventRecorder) {
	cfg := testConfig(f)
	cfg.EventHost = bus.endpoint
	cfg.EventList = eventList
	cl, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	rec := &eventRecorder{}
	cl.OnEvent(rec.handler)
	require.NoError(t, cl.Init())
	t.Cleanup(func() { require.NoError(t, cl.Shutdown()) })
	return cl, rec
}

func TestEventPipelineFilters(t *testing.T) {
	f := newFakeTerminal(t)
	bus := newFakeEventBus(t)
	cl, rec := eventTestClient(t, f, bus, []string{"OnAllTrade"})

	require.Eventually(t, func() bool {
		bus.publish("OnQuote", `{"class_code": "SPBFUT"}`)
		bus.publish("OnAllTrade", `{"trade_num": 42}`)
		return rec.seen("OnAllTrade")
	}, 5*time.Second, 20*time.Millisecond)

	// Filter names match case-insensitively, unlisted events are dropped.
	assert.NotContains(t, rec.names(), "OnQuote")
	assert.False(t, cl.LastEventProcessedUTC().IsZero())

	rec.mtx.Lock()
	assert.JSONEq(t, `{"trade_num": 42}`, string(rec.events[0].Data))
	rec.mtx.Unlock()
}

func TestEventPipelineUnfiltered(t *testing.T) {
	f := newFakeTerminal(t)
	bus := newFakeEventBus(t)
	_, rec := eventTestClient(t, f, bus, nil)

	require.Eventually(t, func() bool {
		bus.publish("OnQuote", `{}`)
		bus.publish("OnAllTrade", `{}`)
		return rec.seen("OnQuote") && rec.seen("OnAllTrade")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEventHandlerPanicIsContained(t *testing.T) {
	f := newFakeTerminal(t)
	f.handleValue("getInfoParam", map[string]any{"info_param": "10:45:01"})
	bus := newFakeEventBus(t)

	cfg := testConfig(f)
	cfg.EventHost = bus.endpoint
	cl, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	rec := &eventRecorder{}
	cl.OnEvent(func(ev Event) {
		if ev.Name == "OnBad" {
			panic("handler bug")
		}
		rec.handler(ev)
	})
	require.NoError(t, cl.Init())
	t.Cleanup(func() { require.NoError(t, cl.Shutdown()) })

	require.Eventually(t, func() bool {
		bus.publish("OnBad", `{}`)
		bus.publish("OnQuote", `{}`)
		return rec.seen("OnQuote")
	}, 5*time.Second, 20*time.Millisecond)

	// A handler panic is not a background task failure.
	require.NoError(t, cl.Heartbeat())
}

func TestEventStreamReconnectsAfterSentinel(t *testing.T) {
	f := newFakeTerminal(t)
	bus := newFakeEventBus(t)
	_, rec := eventTestClient(t, f, bus, nil)

	require.Eventually(t, func() bool {
		bus.publish("OnQuote", `{}`)
		return rec.seen("OnQuote")
	}, 5*time.Second, 20*time.Millisecond)

	// The server announces teardown, the watcher drops the connection and
	// dials again after a pause.
	bus.publish("OnStop", `{}`)

	require.Eventually(t, func() bool {
		bus.publish("OnAllTrade", `{}`)
		return rec.seen("OnAllTrade")
	}, 10*time.Second, 50*time.Millisecond)
}
