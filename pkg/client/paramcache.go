package client

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alexveden/quik-go/pkg/quikrpc"
)

// errParamUnknown is returned by ParamsGet for instruments that were never
// subscribed.
var errParamUnknown = errors.New("instrument is not subscribed")

// paramCache holds the typed decoded view of one instrument's current
// real-time parameters. The allowed parameter name set is fixed at
// subscription time, names are stored and compared lowercased.
type paramCache struct {
	classCode string
	secCode   string

	mtx           sync.Mutex
	values        map[string]quikrpc.Value
	lastChangeUTC time.Time
}

func newParamCache(classCode, secCode string, paramNames []string) (*paramCache, error) {
	if len(paramNames) == 0 {
		return nil, errors.New("param name list is empty")
	}
	values := make(map[string]quikrpc.Value, len(paramNames))
	for _, name := range paramNames {
		values[strings.ToLower(name)] = quikrpc.Value{}
	}
	return &paramCache{
		classCode: classCode,
		secCode:   secCode,
		values:    values,
	}, nil
}

// process decodes one getParamEx2 reply into the cache. A reply with
// result != "1" for a parameter that already carries a value means the
// server-side subscription was dropped (typically after a disconnect) and
// comes back as *quikrpc.ConnError; for a never-populated parameter it
// means the name or type is invalid for this instrument.
func (c *paramCache) process(paramName string, reply *quikrpc.ParamExReply) error {
	key := strings.ToLower(paramName)
	res := reply.ParamEx

	c.mtx.Lock()
	defer c.mtx.Unlock()

	cur, ok := c.values[key]
	if !ok {
		return fmt.Errorf("(%s, %s): param %q was not requested at subscription", c.classCode, c.secCode, key)
	}

	if res.Result != "1" {
		if cur.Kind != quikrpc.Absent {
			return &quikrpc.ConnError{Err: fmt.Errorf("(%s, %s): missing previously valid param %q, possibly after disconnect",
				c.classCode, c.secCode, key)}
		}
		return fmt.Errorf("(%s, %s): getParamEx2 unknown or invalid param %q: %+v", c.classCode, c.secCode, key, res)
	}

	val, err := quikrpc.DecodeParam(res)
	if err != nil {
		return fmt.Errorf("(%s, %s) param %q: %w", c.classCode, c.secCode, key, err)
	}
	if val.Kind == quikrpc.Num && !cur.Equal(val) {
		c.lastChangeUTC = time.Now().UTC()
	}
	c.values[key] = val
	return nil
}

// snapshot returns a copy of the current value map.
func (c *paramCache) snapshot() map[string]quikrpc.Value {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	out := make(map[string]quikrpc.Value, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// names returns the allowed parameter name set, lowercased.
func (c *paramCache) names() []string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	out := make([]string, 0, len(c.values))
	for k := range c.values {
		out = append(out, k)
	}
	return out
}

func (c *paramCache) lastChange() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.lastChangeUTC
}
