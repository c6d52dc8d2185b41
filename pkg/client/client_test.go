package client

import (
	"errors"
	"testing"
	"time"

	"github.com/alexveden/quik-go/pkg/config"
	"github.com/alexveden/quik-go/pkg/quikrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewRefusesRemoteRPC(t *testing.T) {
	cfg := config.New()
	cfg.RPCHost = "tcp://10.1.2.3:5560"
	_, err := New(cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "localhost")
}

func TestClientLifecycle(t *testing.T) {
	f := newFakeTerminal(t)
	cl, err := New(testConfig(f), zaptest.NewLogger(t))
	require.NoError(t, err)

	// Before Init every operation is refused.
	_, err = cl.RPCCall("getClassesList", nil)
	require.ErrorIs(t, err, quikrpc.ErrNotInitialized)

	require.NoError(t, cl.Init())
	require.ErrorIs(t, cl.Init(), quikrpc.ErrAlreadyInitialized)

	require.NoError(t, cl.Shutdown())
	require.NoError(t, cl.Shutdown())

	_, err = cl.RPCCall("getClassesList", nil)
	require.ErrorIs(t, err, quikrpc.ErrShutdown)
}

func TestShutdownWithoutInit(t *testing.T) {
	f := newFakeTerminal(t)
	cl, err := New(testConfig(f), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, cl.Shutdown())
}

func TestRPCCallPassthrough(t *testing.T) {
	f := newFakeTerminal(t)
	f.handleValue("getClassesList", map[string]any{"classes": "TQBR,SPBFUT,"})
	cl := testClient(t, f)

	raw, err := cl.GetClassesList()
	require.NoError(t, err)
	assert.JSONEq(t, `{"classes": "TQBR,SPBFUT,"}`, string(raw))
}

func TestMessage(t *testing.T) {
	f := newFakeTerminal(t)
	f.handleValue("message", map[string]any{"result": 1})
	cl := testClient(t, f)
	require.NoError(t, cl.Message("hello", "INFO"))
	assert.Equal(t, 1, f.callCount("message"))
}

func TestHeartbeat(t *testing.T) {
	f := newFakeTerminal(t)
	f.handleValue("getInfoParam", map[string]any{"info_param": "10:45:01"})

	cfg := testConfig(f)
	cfg.ExchangeTimezone = "UTC"
	cl, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, cl.Init())
	t.Cleanup(func() { require.NoError(t, cl.Shutdown()) })

	require.True(t, cl.LastDataProcessedUTC().IsZero())
	require.NoError(t, cl.Heartbeat())

	now := time.Now().UTC()
	want := time.Date(now.Year(), now.Month(), now.Day(), 10, 45, 1, 0, time.UTC)
	assert.Equal(t, want, cl.LastDataProcessedUTC())
}

func TestHeartbeatSurfacesTaskError(t *testing.T) {
	f := newFakeTerminal(t)
	f.handleValue("getInfoParam", map[string]any{"info_param": "10:45:01"})
	cl := testClient(t, f)
	require.NoError(t, cl.Heartbeat())

	cl.spawn("probe", func() error { return errors.New("socket wedged") })
	require.Eventually(t, func() bool {
		err := cl.Heartbeat()
		return err != nil && err.Error() == "probe: socket wedged"
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeatSurfacesTaskPanic(t *testing.T) {
	f := newFakeTerminal(t)
	f.handleValue("getInfoParam", map[string]any{"info_param": "10:45:01"})
	cl := testClient(t, f)

	cl.spawn("probe", func() error { panic("boom") })
	require.Eventually(t, func() bool {
		return cl.Heartbeat() != nil
	}, time.Second, 5*time.Millisecond)
}

func paramsFixture(f *fakeTerminal) {
	f.handleValue("ParamRequest", map[string]any{"result": true})
	f.handleValue("CancelParamRequest", map[string]any{"result": true})
	f.handleValue("getParamEx2", paramExResult("1", "1", "152 420", "152420.000000"))
}

func TestParamsSubscribeValidation(t *testing.T) {
	f := newFakeTerminal(t)
	cl := testClient(t, f)

	require.Error(t, cl.ParamsSubscribe("SPBFUT", "RIH1", time.Second, nil))
	require.Error(t, cl.ParamsSubscribeIntervals("SPBFUT", "RIH1",
		[]time.Duration{time.Second}, []string{"last", "bid"}))
	require.Error(t, cl.ParamsSubscribe("SPBFUT", "RIH1", 0, []string{"last"}))
	assert.Equal(t, 0, f.totalCalls())
}

func TestParamsSubscribeRoundTrip(t *testing.T) {
	f := newFakeTerminal(t)
	paramsFixture(f)
	cl := testClient(t, f)

	require.NoError(t, cl.ParamsSubscribe("SPBFUT", "RIH1", time.Minute, []string{"LAST", "bid"}))
	assert.Equal(t, 2, cl.ParamsCount())
	assert.Equal(t, 2, f.callCount("ParamRequest"))

	// The seed fetch populates the cache before the first poll tick.
	values, err := cl.ParamsGet("SPBFUT", "RIH1")
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, 152420.0, values["last"].Num)
	assert.Equal(t, 152420.0, values["bid"].Num)

	require.Error(t, cl.ParamsSubscribe("SPBFUT", "RIH1", time.Minute, []string{"offer"}))

	require.NoError(t, cl.ParamsUnsubscribe("SPBFUT", "RIH1"))
	assert.Equal(t, 0, cl.ParamsCount())
	assert.Equal(t, 2, f.callCount("CancelParamRequest"))
	_, err = cl.ParamsGet("SPBFUT", "RIH1")
	require.ErrorIs(t, err, errParamUnknown)

	// Unknown instruments unsubscribe as a no-op.
	require.NoError(t, cl.ParamsUnsubscribe("SPBFUT", "GAZP"))
	assert.Equal(t, 2, f.callCount("CancelParamRequest"))
}

func TestParamsSubscribeInvalidName(t *testing.T) {
	f := newFakeTerminal(t)
	f.handleValue("ParamRequest", map[string]any{"result": true})
	f.handleValue("getParamEx2", paramExResult("1", "0", "", ""))
	cl := testClient(t, f)

	require.Error(t, cl.ParamsSubscribe("SPBFUT", "RIH1", time.Minute, []string{"bogus"}))
	assert.Equal(t, 0, cl.ParamsCount())
	_, err := cl.ParamsGet("SPBFUT", "RIH1")
	require.ErrorIs(t, err, errParamUnknown)
}

func TestParamsPollPicksUpChanges(t *testing.T) {
	f := newFakeTerminal(t)
	paramsFixture(f)
	cl := testClient(t, f)

	// 10ms update interval against a 20ms poll tick.
	require.NoError(t, cl.ParamsSubscribe("SPBFUT", "RIH1", 10*time.Millisecond, []string{"last"}))

	f.handleValue("getParamEx2", paramExResult("1", "1", "152 430", "152430.000000"))
	require.Eventually(t, func() bool {
		values, err := cl.ParamsGet("SPBFUT", "RIH1")
		return err == nil && values["last"].Num == 152430.0
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, cl.LastQuoteProcessedUTC().IsZero())
}

func TestParamsGetStaleQuotes(t *testing.T) {
	f := newFakeTerminal(t)
	paramsFixture(f)

	cfg := testConfig(f)
	cfg.ParamsDelayTimeoutSec = 0.05
	cl, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, cl.Init())
	t.Cleanup(func() { require.NoError(t, cl.Shutdown()) })

	require.NoError(t, cl.ParamsSubscribe("SPBFUT", "RIH1", 10*time.Millisecond, []string{"last"}))

	// The terminal keeps returning the same value, so the quote watermark
	// stays at the seed fetch and eventually trips the staleness budget.
	require.Eventually(t, func() bool {
		_, err := cl.ParamsGet("SPBFUT", "RIH1")
		return quikrpc.IsConnError(err)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownCancelsSubscriptions(t *testing.T) {
	f := newFakeTerminal(t)
	paramsFixture(f)
	cl, err := New(testConfig(f), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, cl.Init())

	require.NoError(t, cl.ParamsSubscribe("SPBFUT", "RIH1", time.Minute, []string{"last", "bid"}))
	require.NoError(t, cl.Shutdown())
	assert.Equal(t, 2, f.callCount("CancelParamRequest"))
}

func TestStats(t *testing.T) {
	f := newFakeTerminal(t)
	f.handleValue("getClassesList", map[string]any{"classes": ""})
	cl := testClient(t, f)

	_, err := cl.GetClassesList()
	require.NoError(t, err)
	st := cl.Stats()
	assert.Equal(t, 1, st.CallCount)
	assert.Equal(t, 1, st.CallsByMethod["getClassesList"])
	// No dedicated data host, both views share the counters.
	assert.Equal(t, st.CallCount, cl.DataStats().CallCount)

	cl.ResetStats()
	assert.Equal(t, 0, cl.Stats().CallCount)
}
