package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alexveden/quik-go/pkg/quikrpc"
	"github.com/go-zeromq/zmq4"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// errRecvTimeout marks a receive that outlived the per-call timeout. The
// offending socket is treated as poisoned, lazy-pirate style.
var errRecvTimeout = errors.New("receive timeout")

type (
	// Pool multiplexes many concurrent logical RPC calls over a small
	// bounded set of physical REQ connections to a single endpoint. Dead
	// sockets are discarded and recreated in place following the
	// lazy pirate pattern, each call carries a bounded retry budget.
	// Pool is safe for concurrent use.
	Pool struct {
		endpoint string
		timeout  time.Duration
		retries  int
		security zmq4.Security
		log      *zap.Logger

		ctx    context.Context
		cancel context.CancelFunc
		closed *atomic.Bool

		// sem bounds the number of in-flight calls by the slot count.
		sem chan struct{}

		mtx   sync.Mutex
		slots []poolSlot

		stats poolStats
	}

	// poolSlot is one addressable physical connection. The socket is dialed
	// lazily on first use and dropped on transport failure.
	poolSlot struct {
		sock  zmq4.Socket
		inUse bool
	}

	// PoolStats is a point-in-time snapshot of pool counters.
	PoolStats struct {
		// CallCount is the number of successfully received replies,
		// including structured error replies.
		CallCount int
		// AvgRoundtrip is the mean call roundtrip, zero when CallCount is.
		AvgRoundtrip time.Duration
		// CallsByMethod counts call attempts per method name.
		CallsByMethod map[string]int
		// RPCErrors counts structured server-side rejections.
		RPCErrors int
		// SocketErrors counts transport failures and receive timeouts.
		SocketErrors int
	}

	poolStats struct {
		mtx           sync.Mutex
		callsByMethod map[string]int
		totalCount    int
		totalTime     time.Duration
		rpcErrors     int
		socketErrors  int
	}
)

// NewPool creates a pool of size sockets talking to the given endpoint.
// Sockets are not dialed until the first call needs them. A nil security
// means the NULL mechanism.
func NewPool(endpoint string, size, retries int, timeout time.Duration, security zmq4.Security, log *zap.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		endpoint: endpoint,
		timeout:  timeout,
		retries:  retries,
		security: security,
		log:      log.With(zap.String("endpoint", endpoint)),
		ctx:      ctx,
		cancel:   cancel,
		closed:   atomic.NewBool(false),
		sem:      make(chan struct{}, size),
		slots:    make([]poolSlot, size),
		stats:    poolStats{callsByMethod: make(map[string]int)},
	}
}

// Call performs one RPC roundtrip and returns the raw result payload. A
// structured error reply surfaces as *quikrpc.Error and does not consume
// the retry budget; transport failures poison the socket, consume one retry
// each and surface as *quikrpc.ConnError once the budget is spent.
func (p *Pool) Call(method string, args any) (json.RawMessage, error) {
	if p.closed.Load() {
		return nil, quikrpc.ErrShutdown
	}
	req, err := json.Marshal(quikrpc.Request{Method: method, Args: args})
	if err != nil {
		return nil, fmt.Errorf("marshalling %s request: %w", method, err)
	}

	select {
	case p.sem <- struct{}{}:
	case <-p.ctx.Done():
		return nil, quikrpc.ErrShutdown
	}
	defer func() { <-p.sem }()

	idx := p.acquireSlot()
	defer p.releaseSlot(idx)

	retriesLeft := p.retries
	for {
		p.stats.call(method)

		sock, err := p.slotSocket(idx)
		if err == nil {
			var raw []byte
			start := time.Now()
			raw, err = p.roundtrip(sock, req)
			if err == nil {
				resp, err := quikrpc.DecodeReply(raw)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", method, err)
				}
				p.stats.reply(time.Since(start))
				res, err := resp.Unwrap(method)
				if err != nil {
					// Server-side rejection, retrying it would be pointless.
					p.stats.rpcError()
					return nil, err
				}
				return res, nil
			}
		}

		// The socket is confused. Close and remove it.
		p.stats.socketError()
		p.destroySlot(idx)

		retriesLeft--
		if retriesLeft <= 0 {
			p.log.Warn("retries exhausted, server seems to be offline",
				zap.String("method", method), zap.Error(err))
			return nil, &quikrpc.ConnError{Endpoint: p.endpoint, Err: err}
		}
		p.log.Debug("socket error, retrying", zap.String("method", method), zap.Error(err))
	}
}

// roundtrip runs the blocking send/receive on a separate goroutine so that
// the caller can time out; on timeout the caller closes the socket which
// unblocks the receiver.
func (p *Pool) roundtrip(sock zmq4.Socket, req []byte) ([]byte, error) {
	if err := sock.Send(zmq4.NewMsg(req)); err != nil {
		return nil, err
	}

	type recvResult struct {
		msg zmq4.Msg
		err error
	}
	recvCh := make(chan recvResult, 1)
	go func() {
		msg, err := sock.Recv()
		recvCh <- recvResult{msg: msg, err: err}
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case r := <-recvCh:
		if r.err != nil {
			return nil, r.err
		}
		return r.msg.Bytes(), nil
	case <-timer.C:
		return nil, errRecvTimeout
	}
}

// acquireSlot marks the lowest-indexed free slot as busy and returns its
// index. The semaphore guarantees a free slot exists.
func (p *Pool) acquireSlot() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for i := range p.slots {
		if !p.slots[i].inUse {
			p.slots[i].inUse = true
			return i
		}
	}
	panic("pool slot overflow, more requests than capacity")
}

func (p *Pool) releaseSlot(idx int) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.slots[idx].inUse = false
}

// slotSocket returns the slot's socket, dialing a fresh one when absent.
func (p *Pool) slotSocket(idx int) (zmq4.Socket, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.slots[idx].sock != nil {
		return p.slots[idx].sock, nil
	}
	// Dial retries stay with the pool's own lazy-pirate loop, the transport
	// should fail fast.
	opts := []zmq4.Option{
		zmq4.WithDialerRetry(100 * time.Millisecond),
		zmq4.WithDialerMaxRetries(1),
	}
	if p.security != nil {
		opts = append(opts, zmq4.WithSecurity(p.security))
	}
	sock := zmq4.NewReq(p.ctx, opts...)
	if err := sock.Dial(p.endpoint); err != nil {
		sock.Close()
		return nil, err
	}
	p.slots[idx].sock = sock
	return sock, nil
}

func (p *Pool) destroySlot(idx int) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.slots[idx].sock != nil {
		p.slots[idx].sock.Close()
		p.slots[idx].sock = nil
	}
}

// Close terminates every physical connection. The pool rejects calls with
// quikrpc.ErrShutdown afterwards.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.cancel()
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for i := range p.slots {
		if p.slots[i].sock != nil {
			p.slots[i].sock.Close()
			p.slots[i].sock = nil
		}
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	p.stats.mtx.Lock()
	defer p.stats.mtx.Unlock()
	snap := PoolStats{
		CallCount:     p.stats.totalCount,
		CallsByMethod: make(map[string]int, len(p.stats.callsByMethod)),
		RPCErrors:     p.stats.rpcErrors,
		SocketErrors:  p.stats.socketErrors,
	}
	if p.stats.totalCount > 0 {
		snap.AvgRoundtrip = p.stats.totalTime / time.Duration(p.stats.totalCount)
	}
	for m, n := range p.stats.callsByMethod {
		snap.CallsByMethod[m] = n
	}
	return snap
}

// ResetStats zeroes all counters.
func (p *Pool) ResetStats() {
	p.stats.mtx.Lock()
	defer p.stats.mtx.Unlock()
	p.stats.callsByMethod = make(map[string]int)
	p.stats.totalCount = 0
	p.stats.totalTime = 0
	p.stats.rpcErrors = 0
	p.stats.socketErrors = 0
}

// Methods returns the sorted list of method names seen by the pool, handy
// for stable stats dumps.
func (s PoolStats) Methods() []string {
	names := make([]string, 0, len(s.CallsByMethod))
	for m := range s.CallsByMethod {
		names = append(names, m)
	}
	sort.Strings(names)
	return names
}

func (s *poolStats) call(method string) {
	s.mtx.Lock()
	s.callsByMethod[method]++
	s.mtx.Unlock()
	rpcCalls.WithLabelValues(method).Inc()
}

func (s *poolStats) reply(dur time.Duration) {
	s.mtx.Lock()
	s.totalCount++
	s.totalTime += dur
	s.mtx.Unlock()
	rpcRoundtrip.Observe(dur.Seconds())
}

func (s *poolStats) rpcError() {
	s.mtx.Lock()
	s.rpcErrors++
	s.mtx.Unlock()
	rpcErrors.Inc()
}

func (s *poolStats) socketError() {
	s.mtx.Lock()
	s.socketErrors++
	s.mtx.Unlock()
	socketErrors.Inc()
}
