/*
Package client implements an asynchronous client for the quik-lua-rpc bridge
of the QUIK trading terminal. The Client multiplexes RPC calls over bounded
socket pools, keeps a polled view of subscribed real-time parameters, caches
historical candle series incrementally and feeds server-pushed events to a
user handler. All methods are safe for concurrent use.
*/
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alexveden/quik-go/pkg/config"
	"github.com/alexveden/quik-go/pkg/quikrpc"
	"github.com/go-zeromq/zmq4"
	"github.com/go-zeromq/zmq4/security/plain"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type (
	// instrumentKey addresses one instrument's parameter cache.
	instrumentKey struct {
		classCode string
		secCode   string
	}

	// bgTask tracks the terminal error of one background goroutine so that
	// Heartbeat can surface stuck subsystems.
	bgTask struct {
		name string
		err  *atomic.Error
	}

	// Client is the QUIK bridge client façade. Construct it with New, start
	// the background machinery with Init and always stop it with Shutdown,
	// otherwise terminal-side datasources and subscriptions leak.
	Client struct {
		cfg config.Config
		log *zap.Logger
		loc *time.Location

		initialized *atomic.Bool
		shutdown    *atomic.Bool
		closeCh     chan struct{}
		ctx         context.Context
		cancel      context.CancelFunc

		rpcPool  *Pool
		dataPool *Pool

		watcher *paramWatcher
		// params is guarded by watcher.mtx together with the watcher rows,
		// subscription state is observed atomically.
		params map[instrumentKey]*paramCache

		historyMtx sync.Mutex
		history    map[HistoryKey]*historyCache

		eventQueue   chan Event
		eventFilter  map[string]bool
		eventHandler EventHandler

		tasks []*bgTask
		wg    sync.WaitGroup

		lastDataProcessedUTC  *atomic.Time
		lastQuoteProcessedUTC *atomic.Time
		lastEventProcessedUTC *atomic.Time
	}
)

// New creates an inert Client from the given configuration. Only localhost
// RPC endpoints are accepted, remote RPC is refused as a security guard.
// Pass a real logger, the client never logs through a global one.
func New(cfg config.Config, log *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	filter := make(map[string]bool, len(cfg.EventList))
	for _, name := range cfg.EventList {
		filter[strings.ToLower(name)] = true
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:                   cfg,
		log:                   log,
		loc:                   loc,
		initialized:           atomic.NewBool(false),
		shutdown:              atomic.NewBool(false),
		closeCh:               make(chan struct{}),
		ctx:                   ctx,
		cancel:                cancel,
		watcher:               newParamWatcher(),
		params:                make(map[instrumentKey]*paramCache),
		history:               make(map[HistoryKey]*historyCache),
		eventQueue:            make(chan Event, cfg.EventQueueSize),
		eventFilter:           filter,
		lastDataProcessedUTC:  atomic.NewTime(time.Time{}),
		lastQuoteProcessedUTC: atomic.NewTime(time.Time{}),
		lastEventProcessedUTC: atomic.NewTime(time.Time{}),
	}, nil
}

// OnEvent installs the handler invoked by the event dispatcher. It must be
// called before Init.
func (c *Client) OnEvent(handler EventHandler) {
	c.eventHandler = handler
}

// Init creates the socket pools and starts the background tasks. Calling it
// twice is a programming error.
func (c *Client) Init() error {
	if !c.initialized.CompareAndSwap(false, true) {
		return quikrpc.ErrAlreadyInitialized
	}
	sec := c.security()
	c.rpcPool = NewPool(c.cfg.RPCHost, c.cfg.SimultaneousSockets, c.cfg.SocketRetries,
		c.cfg.SocketTimeout(), sec, c.log.Named("pool"))
	if c.cfg.DataHost != "" {
		c.dataPool = NewPool(c.cfg.DataHost, c.cfg.SimultaneousSockets, c.cfg.SocketRetries,
			c.cfg.SocketTimeout(), sec, c.log.Named("datapool"))
	} else {
		c.dataPool = c.rpcPool
	}

	c.spawn("param-poller", c.runParamPoller)
	if c.cfg.EventHost != "" {
		c.spawn("event-watcher", c.runEventWatcher)
		c.spawn("event-dispatcher", c.runEventDispatcher)
	}
	c.log.Info("client initialized",
		zap.String("rpc_host", c.cfg.RPCHost),
		zap.String("data_host", c.cfg.DataHost),
		zap.String("event_host", c.cfg.EventHost))
	return nil
}

// Shutdown stops background tasks, closes every open server-side datasource
// cursor, cancels active parameter subscriptions and tears both pools down.
// Second and later calls are no-ops.
func (c *Client) Shutdown() error {
	if !c.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	close(c.closeCh)
	if !c.initialized.Load() {
		c.cancel()
		return nil
	}

	// Cleanup calls below deliberately bypass the shutdown flag, they run
	// against the pools directly.
	c.historyMtx.Lock()
	caches := make([]*historyCache, 0, len(c.history))
	for _, hc := range c.history {
		caches = append(caches, hc)
	}
	c.history = make(map[HistoryKey]*historyCache)
	c.historyMtx.Unlock()
	for _, hc := range caches {
		hc.mtx.Lock()
		dsUUID := hc.dsUUID
		hc.dsUUID = ""
		hc.mtx.Unlock()
		if dsUUID == "" {
			continue
		}
		c.log.Info("closing datasource", zap.String("sec_code", hc.key.SecCode), zap.String("uuid", dsUUID))
		if _, err := c.rpcPool.Call("datasource.Close", quikrpc.DataSourceArgs{DatasourceUUID: dsUUID}); err != nil {
			c.log.Warn("datasource.Close failed", zap.String("uuid", dsUUID), zap.Error(err))
		}
	}

	c.watcher.mtx.Lock()
	keys := make([]instrumentKey, 0, len(c.params))
	for k := range c.params {
		keys = append(keys, k)
	}
	c.watcher.mtx.Unlock()
	for _, k := range keys {
		if err := c.paramsUnsubscribe(k.classCode, k.secCode); err != nil {
			c.log.Warn("unsubscribe on shutdown failed",
				zap.String("sec_code", k.secCode), zap.Error(err))
		}
	}

	c.rpcPool.Close()
	if c.dataPool != c.rpcPool {
		c.dataPool.Close()
	}
	c.cancel()
	c.wg.Wait()
	c.log.Info("client shut down")
	return nil
}

// RPCCall sends an arbitrary RPC to the bridge and returns the raw result
// payload. It always uses the RPC pool, never the data one.
func (c *Client) RPCCall(method string, args any) (json.RawMessage, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	return c.rpcPool.Call(method, args)
}

// GetClassesList returns the terminal's class list, an opaque pass-through.
func (c *Client) GetClassesList() (json.RawMessage, error) {
	return c.RPCCall("getClassesList", nil)
}

// messageArgs is the argument set of the message RPC.
type messageArgs struct {
	Message  string `json:"message"`
	IconType string `json:"icon_type,omitempty"`
}

// Message pops a message box in the terminal. Icon is one of "INFO",
// "WARNING", "ERROR" or empty.
func (c *Client) Message(text, icon string) error {
	_, err := c.RPCCall("message", messageArgs{Message: text, IconType: icon})
	return err
}

// infoParamArgs is the argument set of getInfoParam.
type infoParamArgs struct {
	ParamName string `json:"param_name"`
}

// Heartbeat probes the terminal with getInfoParam('LASTRECORDTIME') and
// records the returned wall-clock value pinned to today in the exchange
// timezone as the last-data watermark. It also re-raises the terminal
// error of any failed background task, so a periodic Heartbeat is enough
// to detect stuck subsystems.
func (c *Client) Heartbeat() error {
	if err := c.usable(); err != nil {
		return err
	}
	if err := c.taskErr(); err != nil {
		return err
	}
	raw, err := c.rpcPool.Call("getInfoParam", infoParamArgs{ParamName: "LASTRECORDTIME"})
	if err != nil {
		return err
	}
	var rep quikrpc.InfoParamReply
	if err := json.Unmarshal(raw, &rep); err != nil {
		return fmt.Errorf("getInfoParam reply: %w", err)
	}
	tod, err := quikrpc.ParseDayTime(rep.InfoParam)
	if err != nil {
		return fmt.Errorf("LASTRECORDTIME: %w", err)
	}
	c.lastDataProcessedUTC.Store(tod.At(time.Now().In(c.loc)).UTC())
	return nil
}

// ParamsSubscribe subscribes to real-time parameters of one instrument with
// a common update interval. Parameter names are case-insensitive and are
// tracked lowercased. Subscribing the same instrument twice is an error,
// unsubscribe it first.
func (c *Client) ParamsSubscribe(classCode, secCode string, interval time.Duration, paramNames []string) error {
	intervals := make([]time.Duration, len(paramNames))
	for i := range intervals {
		intervals[i] = interval
	}
	return c.ParamsSubscribeIntervals(classCode, secCode, intervals, paramNames)
}

// ParamsSubscribeIntervals is ParamsSubscribe with a per-parameter update
// interval; intervals must be positive and match paramNames in length.
func (c *Client) ParamsSubscribeIntervals(classCode, secCode string, intervals []time.Duration, paramNames []string) error {
	if err := c.usable(); err != nil {
		return err
	}
	if len(paramNames) == 0 {
		return fmt.Errorf("param name list is empty")
	}
	if len(intervals) != len(paramNames) {
		return fmt.Errorf("got %d intervals for %d params", len(intervals), len(paramNames))
	}
	for _, iv := range intervals {
		if iv <= 0 {
			return fmt.Errorf("update interval must be positive, got %s", iv)
		}
	}

	ikey := instrumentKey{classCode, secCode}
	c.watcher.mtx.Lock()
	_, exists := c.params[ikey]
	c.watcher.mtx.Unlock()
	if exists {
		return fmt.Errorf("(%s, %s) is already subscribed", classCode, secCode)
	}

	cache, err := newParamCache(classCode, secCode, paramNames)
	if err != nil {
		return err
	}
	items := make([]watchItem, 0, len(paramNames))
	for i, name := range paramNames {
		key := newWatchKey(classCode, secCode, name)
		// Server-side subscription first, then an immediate fetch to seed
		// the initial value and catch invalid names early.
		if _, err := c.dataPool.Call("ParamRequest", quikrpc.ParamArgs{
			ClassCode: classCode, SecCode: secCode, DBName: key.param,
		}); err != nil {
			return err
		}
		raw, err := c.dataPool.Call("getParamEx2", quikrpc.ParamArgs{
			ClassCode: classCode, SecCode: secCode, ParamName: key.param,
		})
		if err != nil {
			return err
		}
		var rep quikrpc.ParamExReply
		if err := json.Unmarshal(raw, &rep); err != nil {
			return fmt.Errorf("getParamEx2 reply: %w", err)
		}
		if err := cache.process(key.param, &rep); err != nil {
			return err
		}
		items = append(items, watchItem{key: key, interval: intervals[i]})
	}

	c.watcher.mtx.Lock()
	defer c.watcher.mtx.Unlock()
	if _, exists := c.params[ikey]; exists {
		return fmt.Errorf("(%s, %s) is already subscribed", classCode, secCode)
	}
	c.watcher.subscribe(items)
	c.params[ikey] = cache
	return nil
}

// ParamsUnsubscribe cancels the server-side parameter subscriptions of one
// instrument and drops its cache. Unsubscribing an unknown instrument is a
// no-op.
func (c *Client) ParamsUnsubscribe(classCode, secCode string) error {
	if err := c.usable(); err != nil {
		return err
	}
	return c.paramsUnsubscribe(classCode, secCode)
}

// paramsUnsubscribe skips the usability check so that Shutdown can reuse it.
func (c *Client) paramsUnsubscribe(classCode, secCode string) error {
	ikey := instrumentKey{classCode, secCode}

	c.watcher.mtx.Lock()
	defer c.watcher.mtx.Unlock()
	cache, ok := c.params[ikey]
	if !ok {
		return nil
	}
	names := cache.names()
	keys := make([]watchKey, 0, len(names))
	for _, name := range names {
		keys = append(keys, newWatchKey(classCode, secCode, name))
	}
	c.watcher.unsubscribe(keys)
	var firstErr error
	for _, name := range names {
		if _, err := c.dataPool.Call("CancelParamRequest", quikrpc.ParamArgs{
			ClassCode: classCode, SecCode: secCode, DBName: name,
		}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	delete(c.params, ikey)
	return firstErr
}

// ParamsGet returns a non-blocking snapshot of the instrument's current
// parameter values. It reports a connectivity error when the poll task has
// not observed a quote change for longer than the staleness budget, which
// usually means the poll task stalled or the upstream stopped updating.
func (c *Client) ParamsGet(classCode, secCode string) (map[string]quikrpc.Value, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	c.watcher.mtx.Lock()
	cache := c.params[instrumentKey{classCode, secCode}]
	c.watcher.mtx.Unlock()
	if cache == nil {
		return nil, fmt.Errorf("(%s, %s): %w", classCode, secCode, errParamUnknown)
	}
	if last := c.lastQuoteProcessedUTC.Load(); !last.IsZero() {
		if stale := time.Since(last); stale > c.cfg.ParamsDelayTimeout() {
			return nil, &quikrpc.ConnError{Err: fmt.Errorf("no quote updates for %s, poll task stalled or upstream stopped", stale.Round(time.Second))}
		}
	}
	return cache.snapshot(), nil
}

// ParamsCount returns the number of watched parameter rows.
func (c *Client) ParamsCount() int {
	return c.watcher.count()
}

// Stats returns the RPC pool counters snapshot.
func (c *Client) Stats() PoolStats {
	if c.rpcPool == nil {
		return PoolStats{CallsByMethod: map[string]int{}}
	}
	return c.rpcPool.Stats()
}

// DataStats returns the data pool counters snapshot. With no dedicated data
// host this is the same set of counters as Stats.
func (c *Client) DataStats() PoolStats {
	if c.dataPool == nil {
		return PoolStats{CallsByMethod: map[string]int{}}
	}
	return c.dataPool.Stats()
}

// ResetStats zeroes the counters of both pools.
func (c *Client) ResetStats() {
	if c.rpcPool != nil {
		c.rpcPool.ResetStats()
	}
	if c.dataPool != nil && c.dataPool != c.rpcPool {
		c.dataPool.ResetStats()
	}
}

// LastDataProcessedUTC returns the last terminal record time observed by
// Heartbeat, zero before the first successful probe.
func (c *Client) LastDataProcessedUTC() time.Time {
	return c.lastDataProcessedUTC.Load()
}

// LastQuoteProcessedUTC returns the time of the last observed quote change.
func (c *Client) LastQuoteProcessedUTC() time.Time {
	return c.lastQuoteProcessedUTC.Load()
}

// LastEventProcessedUTC returns the time of the last dispatcher pass.
func (c *Client) LastEventProcessedUTC() time.Time {
	return c.lastEventProcessedUTC.Load()
}

func (c *Client) usable() error {
	if !c.initialized.Load() {
		return quikrpc.ErrNotInitialized
	}
	if c.shuttingDown() {
		return quikrpc.ErrShutdown
	}
	return nil
}

func (c *Client) shuttingDown() bool {
	return c.shutdown.Load()
}

// security maps the configured auth material onto a transport mechanism.
// The pure-Go ZeroMQ stack speaks NULL and PLAIN.
func (c *Client) security() zmq4.Security {
	if c.cfg.Auth.Username == "" || c.cfg.Auth.Password == "" {
		return nil
	}
	return plain.Security(c.cfg.Auth.Username, c.cfg.Auth.Password)
}

func (c *Client) socketOptions() []zmq4.Option {
	var opts []zmq4.Option
	if sec := c.security(); sec != nil {
		opts = append(opts, zmq4.WithSecurity(sec))
	}
	return opts
}

// spawn runs a background task and parks its terminal error (or panic) for
// Heartbeat to re-raise.
func (c *Client) spawn(name string, fn func() error) {
	task := &bgTask{name: name, err: atomic.NewError(nil)}
	c.tasks = append(c.tasks, task)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				task.err.Store(fmt.Errorf("%s panicked: %v", name, r))
			}
		}()
		if err := fn(); err != nil {
			task.err.Store(fmt.Errorf("%s: %w", name, err))
			c.log.Error("background task failed", zap.String("task", name), zap.Error(err))
		}
	}()
}

func (c *Client) taskErr() error {
	for _, t := range c.tasks {
		if err := t.err.Load(); err != nil {
			return err
		}
	}
	return nil
}
