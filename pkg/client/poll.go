package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexveden/quik-go/pkg/quikrpc"
	"go.uber.org/zap"
)

// pollBackoff is the pause after a connectivity failure of the poll task.
const pollBackoff = 10 * time.Second

// runParamPoller is the background loop driving the parameter watcher
// against the data pool: each tick it selects the due rows, refreshes their
// caches through getParamEx2 and touches the schedule. Every parameter
// update is independent, so failures are logged and the loop carries on;
// connectivity failures back off before the next tick.
func (c *Client) runParamPoller() error {
	for {
		select {
		case <-c.closeCh:
			return nil
		case <-time.After(c.cfg.ParamsPollInterval()):
		}

		c.watcher.mtx.Lock()
		due := c.watcher.dueCandidates()
		c.watcher.mtx.Unlock()
		if len(due) == 0 {
			continue
		}

		backoff := false
		for _, key := range due {
			if c.shuttingDown() {
				return nil
			}
			if err := c.pollParam(key); err != nil {
				if quikrpc.IsConnError(err) {
					c.log.Warn("param poll connectivity failure, backing off",
						zap.String("sec_code", key.secCode), zap.String("param", key.param), zap.Error(err))
					backoff = true
					break
				}
				c.log.Error("param poll failed",
					zap.String("sec_code", key.secCode), zap.String("param", key.param), zap.Error(err))
			}
		}

		c.watcher.mtx.Lock()
		c.watcher.markUpdated(due)
		c.watcher.mtx.Unlock()

		if backoff {
			c.pause(pollBackoff)
		}
	}
}

// pollParam refreshes one parameter. A cache concurrently removed by
// ParamsUnsubscribe is skipped silently.
func (c *Client) pollParam(key watchKey) error {
	c.watcher.mtx.Lock()
	cache := c.params[instrumentKey{key.classCode, key.secCode}]
	c.watcher.mtx.Unlock()
	if cache == nil {
		return nil
	}

	raw, err := c.dataPool.Call("getParamEx2", quikrpc.ParamArgs{
		ClassCode: key.classCode,
		SecCode:   key.secCode,
		ParamName: key.param,
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

	if changed := cache.lastChange(); changed.After(c.lastQuoteProcessedUTC.Load()) {
		c.lastQuoteProcessedUTC.Store(changed)
	}
	return nil
}
