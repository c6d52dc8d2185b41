package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alexveden/quik-go/pkg/quikrpc"
	"go.uber.org/zap"
)

// backfillPollInterval is the pause between datasource.Size polls while the
// terminal backfills a freshly created datasource.
const backfillPollInterval = 200 * time.Millisecond

type (
	// HistoryKey addresses one candle series.
	HistoryKey struct {
		ClassCode string
		SecCode   string
		Interval  quikrpc.Interval
	}

	// historyCache is the in-memory candle series for one history key. It
	// owns the server-side datasource cursor and enforces the minimum
	// refresh interval; its mutex strictly serializes refreshes of the
	// same key.
	historyCache struct {
		key        HistoryKey
		minRefresh time.Duration

		mtx        sync.Mutex
		candles    []quikrpc.Candle
		lastBar    time.Time
		dsUUID     string
		lastUpdate time.Time
	}
)

func newHistoryCache(key HistoryKey, minRefresh time.Duration) *historyCache {
	return &historyCache{key: key, minRefresh: minRefresh}
}

// canUpdate tells whether enough time has passed since the previous
// refresh. Callers must hold mtx.
func (h *historyCache) canUpdate() bool {
	if h.lastUpdate.IsZero() {
		return true
	}
	return time.Since(h.lastUpdate) > h.minRefresh
}

// process merges a batch of newly retrieved candles into the stored series.
// The batch must be sorted ascending with strictly monotonic timestamps; on
// timestamp collision the batch's candle wins. Callers must hold mtx.
func (h *historyCache) process(batch []quikrpc.Candle) error {
	for i := 1; i < len(batch); i++ {
		if !batch[i-1].Time.Before(batch[i].Time) {
			return errors.New("candle batch is not strictly ascending")
		}
	}
	if len(batch) == 0 {
		return nil
	}
	h.candles = mergeCandles(h.candles, batch)
	h.lastBar = batch[len(batch)-1].Time
	h.lastUpdate = time.Now()
	return nil
}

// series returns the stored candles, copied when withCopy is set. Callers
// must hold mtx.
func (h *historyCache) series(withCopy bool) []quikrpc.Candle {
	if !withCopy {
		return h.candles
	}
	out := make([]quikrpc.Candle, len(h.candles))
	copy(out, h.candles)
	return out
}

// mergeCandles unions two ascending series preferring fresh values on
// timestamp collision.
func mergeCandles(old, fresh []quikrpc.Candle) []quikrpc.Candle {
	if len(old) == 0 {
		return fresh
	}
	out := make([]quikrpc.Candle, 0, len(old)+len(fresh))
	i, j := 0, 0
	for i < len(old) && j < len(fresh) {
		switch {
		case old[i].Time.Before(fresh[j].Time):
			out = append(out, old[i])
			i++
		case fresh[j].Time.Before(old[i].Time):
			out = append(out, fresh[j])
			j++
		default:
			out = append(out, fresh[j])
			i++
			j++
		}
	}
	out = append(out, old[i:]...)
	out = append(out, fresh[j:]...)
	return out
}

// HistoryOptions tunes GetPriceHistory. The zero value gives the cached,
// copying behavior.
type HistoryOptions struct {
	// NoCache makes the call use a throwaway cache and close the
	// server-side cursor before returning.
	NoCache bool
	// NoCopy returns the cache's own slice instead of a defensive copy.
	NoCopy bool
	// From replaces the lower bound of the very first fetch; it is ignored
	// once the cache holds data.
	From time.Time
}

// GetPriceHistory retrieves the candle series for the given instrument with
// incremental caching: previously fetched ranges are only extended with
// bars at or after the last known one, which makes repeat calls cheap. It
// raises *quikrpc.NoHistoryError when the terminal reports no data within
// the backfill budget.
func (c *Client) GetPriceHistory(classCode, secCode string, interval quikrpc.Interval, opts HistoryOptions) ([]quikrpc.Candle, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if !interval.Valid() {
		return nil, fmt.Errorf("unknown candle interval %q", interval)
	}
	key := HistoryKey{ClassCode: classCode, SecCode: secCode, Interval: interval}

	var cache *historyCache
	if opts.NoCache {
		// Temporary cache, just for this call.
		cache = newHistoryCache(key, 0)
	} else {
		c.historyMtx.Lock()
		cache = c.history[key]
		if cache == nil {
			cache = newHistoryCache(key, c.cfg.CacheMinUpdate())
			c.history[key] = cache
		}
		c.historyMtx.Unlock()
	}

	cache.mtx.Lock()
	defer cache.mtx.Unlock()

	if !cache.canUpdate() {
		// Refreshing would be too frequent, serve in-memory data.
		return cache.series(!opts.NoCopy), nil
	}

	if err := c.refreshHistory(cache, opts); err != nil {
		return nil, err
	}
	return cache.series(!opts.NoCopy), nil
}

// refreshHistory runs the incremental fetch protocol against the data pool.
// The cache must be locked by the caller.
func (c *Client) refreshHistory(cache *historyCache, opts HistoryOptions) error {
	pool := c.dataPool

	if cache.dsUUID == "" {
		raw, err := pool.Call("datasource.CreateDataSource", quikrpc.CreateDataSourceArgs{
			ClassCode: cache.key.ClassCode,
			SecCode:   cache.key.SecCode,
			Interval:  cache.key.Interval,
		})
		if err != nil {
			return err
		}
		var rep quikrpc.CreateDataSourceReply
		if err := json.Unmarshal(raw, &rep); err != nil {
			return fmt.Errorf("datasource.CreateDataSource reply: %w", err)
		}
		cache.dsUUID = rep.DatasourceUUID
	}

	size, err := c.waitBackfill(cache)
	if err != nil {
		return err
	}

	// Walk from the most recent bar backwards, newest first. Fetching the
	// timestamp first lets the walk stop as soon as it reaches bars older
	// than the cache, prior history is assumed stable.
	lastBar := cache.lastBar
	if lastBar.IsZero() && !opts.From.IsZero() {
		lastBar = opts.From
	}
	var collected []quikrpc.Candle
	for i := size; i >= 1; i-- {
		if c.shuttingDown() {
			return quikrpc.ErrShutdown
		}
		bar, stop, err := c.fetchCandle(pool, cache.dsUUID, i, lastBar)
		if err != nil {
			return err
		}
		if stop {
			break
		}
		collected = append(collected, bar)
	}

	if opts.NoCache {
		if _, err := pool.Call("datasource.Close", quikrpc.DataSourceArgs{DatasourceUUID: cache.dsUUID}); err != nil {
			c.log.Warn("closing throwaway datasource", zap.String("uuid", cache.dsUUID), zap.Error(err))
		}
	}

	sort.Slice(collected, func(i, j int) bool { return collected[i].Time.Before(collected[j].Time) })
	if err := cache.process(collected); err != nil {
		return err
	}
	c.log.Debug("history cache updated",
		zap.String("sec_code", cache.key.SecCode), zap.Int("bars", len(collected)))
	return nil
}

// waitBackfill polls datasource.Size until the terminal reports a non-empty
// series or the backfill budget is spent.
func (c *Client) waitBackfill(cache *historyCache) (int, error) {
	budget := c.cfg.HistoryBackfillInterval()
	deadline := time.Now().Add(budget)
	for {
		if c.shuttingDown() {
			return 0, quikrpc.ErrShutdown
		}
		raw, err := c.dataPool.Call("datasource.Size", quikrpc.DataSourceArgs{DatasourceUUID: cache.dsUUID})
		if err != nil {
			return 0, err
		}
		var rep quikrpc.ValueReply
		if err := json.Unmarshal(raw, &rep); err != nil {
			return 0, fmt.Errorf("datasource.Size reply: %w", err)
		}
		if rep.Value > 0 {
			return int(rep.Value), nil
		}
		// The terminal backfills new datasources from the server, this can
		// take seconds for cold instruments.
		if !time.Now().Before(deadline) {
			return 0, &quikrpc.NoHistoryError{
				ClassCode: cache.key.ClassCode,
				SecCode:   cache.key.SecCode,
				Interval:  cache.key.Interval,
				Budget:    budget,
			}
		}
		select {
		case <-c.closeCh:
			return 0, quikrpc.ErrShutdown
		case <-time.After(backfillPollInterval):
		}
	}
}

// fetchCandle reads one bar at the given 1-based index. It fetches the
// timestamp first and reports stop for bars preceding lastBar without
// touching the OHLCV getters.
func (c *Client) fetchCandle(pool *Pool, dsUUID string, index int, lastBar time.Time) (quikrpc.Candle, bool, error) {
	args := quikrpc.DataSourceArgs{DatasourceUUID: dsUUID, CandleIndex: index}

	raw, err := pool.Call("datasource.T", args)
	if err != nil {
		return quikrpc.Candle{}, false, err
	}
	var tr quikrpc.TimeReply
	if err := json.Unmarshal(raw, &tr); err != nil {
		return quikrpc.Candle{}, false, fmt.Errorf("datasource.T reply: %w", err)
	}
	barTime := tr.Time.Time()
	if barTime.Before(lastBar) {
		return quikrpc.Candle{}, true, nil
	}

	bar := quikrpc.Candle{Time: barTime}
	for _, f := range []struct {
		method string
		dst    *float64
	}{
		{"datasource.O", &bar.Open},
		{"datasource.H", &bar.High},
		{"datasource.L", &bar.Low},
		{"datasource.C", &bar.Close},
		{"datasource.V", &bar.Volume},
	} {
		raw, err := pool.Call(f.method, args)
		if err != nil {
			return quikrpc.Candle{}, false, err
		}
		var vr quikrpc.ValueReply
		if err := json.Unmarshal(raw, &vr); err != nil {
			return quikrpc.Candle{}, false, fmt.Errorf("%s reply: %w", f.method, err)
		}
		*f.dst = vr.Value
	}
	return bar, false, nil
}

// ClearPriceHistoryCache closes the server-side cursor for the given key
// (when one is open) and drops the cached series.
func (c *Client) ClearPriceHistoryCache(classCode, secCode string, interval quikrpc.Interval) error {
	if err := c.usable(); err != nil {
		return err
	}
	key := HistoryKey{ClassCode: classCode, SecCode: secCode, Interval: interval}

	c.historyMtx.Lock()
	cache := c.history[key]
	delete(c.history, key)
	c.historyMtx.Unlock()
	if cache == nil {
		return nil
	}

	cache.mtx.Lock()
	dsUUID := cache.dsUUID
	cache.dsUUID = ""
	cache.mtx.Unlock()
	if dsUUID == "" {
		return nil
	}
	_, err := c.rpcPool.Call("datasource.Close", quikrpc.DataSourceArgs{DatasourceUUID: dsUUID})
	return err
}
