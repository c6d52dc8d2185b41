package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alexveden/quik-go/pkg/config"
	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeTerminal is an in-process stand-in for the quik-lua-rpc REP endpoint.
// Handlers are registered per method and return the result payload; methods
// without a handler get a structured error reply. Artificial reply delays
// simulate dead sockets for the lazy-pirate tests.
type fakeTerminal struct {
	t        *testing.T
	sock     zmq4.Socket
	endpoint string

	mtx      sync.Mutex
	calls    map[string]int
	handlers map[string]func(args json.RawMessage) any
	delays   map[string]time.Duration
}

func newFakeTerminal(t *testing.T) *fakeTerminal {
	sock := zmq4.NewRep(context.Background())
	require.NoError(t, sock.Listen("tcp://127.0.0.1:0"))
	f := &fakeTerminal{
		t:        t,
		sock:     sock,
		endpoint: fmt.Sprintf("tcp://%s", sock.Addr().String()),
		calls:    make(map[string]int),
		handlers: make(map[string]func(args json.RawMessage) any),
		delays:   make(map[string]time.Duration),
	}
	go f.serve()
	t.Cleanup(func() { sock.Close() })
	return f
}

// handle registers the result payload producer for a method.
func (f *fakeTerminal) handle(method string, h func(args json.RawMessage) any) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.handlers[method] = h
}

// handleValue registers a constant result payload for a method.
func (f *fakeTerminal) handleValue(method string, res any) {
	f.handle(method, func(json.RawMessage) any { return res })
}

// delayNext makes the next call of the method hang for d before replying,
// long enough delays look like a dead socket to the client.
func (f *fakeTerminal) delayNext(method string, d time.Duration) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.delays[method] = d
}

// callCount reports how many requests the method got.
func (f *fakeTerminal) callCount(method string) int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.calls[method]
}

// totalCalls reports the overall number of requests received.
func (f *fakeTerminal) totalCalls() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeTerminal) serve() {
	type request struct {
		Method string          `json:"method"`
		Args   json.RawMessage `json:"args"`
	}
	for {
		msg, err := f.sock.Recv()
		if err != nil {
			return
		}
		var req request
		if err := json.Unmarshal(msg.Bytes(), &req); err != nil {
			continue
		}

		f.mtx.Lock()
		f.calls[req.Method]++
		h := f.handlers[req.Method]
		delay := f.delays[req.Method]
		delete(f.delays, req.Method)
		f.mtx.Unlock()

		var reply map[string]any
		if h == nil {
			reply = map[string]any{"error": map[string]any{"code": 404, "message": "unknown method " + req.Method}}
		} else {
			reply = map[string]any{"result": h(req.Args)}
		}
		data, err := json.Marshal(reply)
		if err != nil {
			panic(err)
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		// The peer may be long gone after a delay, that's the point.
		_ = f.sock.Send(zmq4.NewMsg(data))
	}
}

// testConfig returns a config pointed at the fake terminal with numbers
// small enough for fast tests.
func testConfig(f *fakeTerminal) config.Config {
	cfg := config.New()
	cfg.RPCHost = f.endpoint
	cfg.SocketTimeoutMS = 200
	cfg.HistoryBackfillIntervalSec = 0.5
	cfg.ParamsPollIntervalSec = 0.02
	return cfg
}

// testClient builds an initialized client talking to the fake terminal.
func testClient(t *testing.T, f *fakeTerminal) *Client {
	cl, err := New(testConfig(f), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, cl.Init())
	t.Cleanup(func() { require.NoError(t, cl.Shutdown()) })
	return cl
}

// dataSourceFixture wires the datasource.* handlers over a fixed bar set.
type dataSourceFixture struct {
	uuid string
	bars []barFixture
}

type barFixture struct {
	time    time.Time
	o, h, l float64
	c, v    float64
}

func (d *dataSourceFixture) install(f *fakeTerminal) {
	f.handleValue("datasource.CreateDataSource", map[string]any{"datasource_uuid": d.uuid})
	f.handleValue("datasource.Size", map[string]any{"value": len(d.bars)})
	f.handleValue("datasource.Close", map[string]any{"value": 1})
	barAt := func(args json.RawMessage) barFixture {
		var a struct {
			CandleIndex int `json:"candle_index"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			panic(err)
		}
		return d.bars[a.CandleIndex-1]
	}
	f.handle("datasource.T", func(args json.RawMessage) any {
		bt := barAt(args).time
		return map[string]any{"time": map[string]any{
			"year": bt.Year(), "month": int(bt.Month()), "day": bt.Day(),
			"hour": bt.Hour(), "min": bt.Minute(), "sec": bt.Second(),
			"ms": bt.Nanosecond() / int(time.Millisecond),
		}}
	})
	f.handle("datasource.O", func(args json.RawMessage) any { return map[string]any{"value": barAt(args).o} })
	f.handle("datasource.H", func(args json.RawMessage) any { return map[string]any{"value": barAt(args).h} })
	f.handle("datasource.L", func(args json.RawMessage) any { return map[string]any{"value": barAt(args).l} })
	f.handle("datasource.C", func(args json.RawMessage) any { return map[string]any{"value": barAt(args).c} })
	f.handle("datasource.V", func(args json.RawMessage) any { return map[string]any{"value": barAt(args).v} })
}

// paramExResult builds a getParamEx2 result payload.
func paramExResult(paramType, result, image, value string) map[string]any {
	return map[string]any{"param_ex": map[string]any{
		"param_type":  paramType,
		"result":      result,
		"param_image": image,
		"param_value": value,
	}}
}
