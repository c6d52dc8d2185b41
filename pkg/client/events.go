package client

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/go-zeromq/zmq4"
	"go.uber.org/zap"
)

const (
	// eventReconnectPause is the wait between SUB socket reconnects.
	eventReconnectPause = time.Second
	// eventStaleWarn is the queue staleness budget; older records trip a
	// back-pressure warning.
	eventStaleWarn = 30 * time.Second
)

type (
	// Event is one server-pushed notification: its name, the moment it was
	// pulled off the wire and the undecoded JSON payload.
	Event struct {
		Name        string
		ReceivedUTC time.Time
		Data        json.RawMessage
	}

	// EventHandler consumes dispatched events. Panics escaping the handler
	// are logged and swallowed, one bad event must not kill the stream.
	EventHandler func(ev Event)
)

// sentinel headers indicating server-side teardown of the PUB endpoint.
func isEventSentinel(name string) bool {
	switch name {
	case "OnDisconnected", "OnStop", "OnClose":
		return true
	}
	return false
}

// runEventWatcher owns the SUB socket: it reads two-frame event messages,
// filters them by name and pushes the survivors onto the event queue. On
// transport failure or a teardown sentinel it closes the socket, waits a
// second and reopens.
func (c *Client) runEventWatcher() error {
	log := c.log.With(zap.String("endpoint", c.cfg.EventHost))
	for !c.shuttingDown() {
		sub := zmq4.NewSub(c.ctx, c.socketOptions()...)
		if err := sub.Dial(c.cfg.EventHost); err != nil {
			log.Warn("event socket dial failed", zap.Error(err))
			c.pause(eventReconnectPause)
			continue
		}
		// Empty topic filter, subscribe to everything.
		if err := sub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
			sub.Close()
			log.Warn("event subscription failed", zap.Error(err))
			c.pause(eventReconnectPause)
			continue
		}
		log.Info("event stream connected")
		c.readEvents(sub, log)
		sub.Close()
		c.pause(eventReconnectPause)
	}
	return nil
}

// readEvents pumps one SUB connection until it breaks.
func (c *Client) readEvents(sub zmq4.Socket, log *zap.Logger) {
	for !c.shuttingDown() {
		msg, err := sub.Recv()
		if err != nil {
			if !c.shuttingDown() {
				log.Warn("event socket receive failed", zap.Error(err))
			}
			return
		}
		if len(msg.Frames) != 2 {
			log.Warn("malformed event message", zap.Int("frames", len(msg.Frames)))
			continue
		}
		name := string(msg.Frames[0])
		if isEventSentinel(name) {
			log.Info("event stream closed by server", zap.String("event", name))
			return
		}
		if len(c.eventFilter) > 0 && !c.eventFilter[strings.ToLower(name)] {
			continue
		}
		ev := Event{Name: name, ReceivedUTC: time.Now().UTC(), Data: msg.Frames[1]}
		select {
		case c.eventQueue <- ev:
			eventQueueLen.Set(float64(len(c.eventQueue)))
		case <-c.closeCh:
			return
		}
	}
}

// runEventDispatcher drains the event queue and hands records to the user
// handler.
func (c *Client) runEventDispatcher() error {
	for {
		select {
		case <-c.closeCh:
			return nil
		case ev := <-c.eventQueue:
			eventQueueLen.Set(float64(len(c.eventQueue)))
			c.lastEventProcessedUTC.Store(time.Now().UTC())
			if age := time.Since(ev.ReceivedUTC); age > eventStaleWarn {
				c.log.Warn("event queue is falling behind",
					zap.String("event", ev.Name), zap.Duration("age", age))
			}
			c.dispatchEvent(ev)
		}
	}
}

func (c *Client) dispatchEvent(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("event handler panicked",
				zap.String("event", ev.Name), zap.Any("panic", r))
		}
	}()
	if c.eventHandler != nil {
		c.eventHandler(ev)
	}
}

// pause sleeps for the given duration unless shutdown interrupts it.
func (c *Client) pause(d time.Duration) {
	select {
	case <-c.closeCh:
	case <-time.After(d):
	}
}
