// Package simulator implements the fault-injecting relay proxy described in
// spec.md 4.5: for every accepted client connection it dials the real
// server, relays frames in both directions, and perturbs that relay
// according to a configured Conditions value. It is built in the same
// accept-loop/per-connection-worker shape as server.Engine, which is itself
// grounded on soypat/lneto/tcp's listener.
package simulator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreswitch/relxfer/internal/rlog"
	"github.com/coreswitch/relxfer/internal/sockopt"
	"github.com/coreswitch/relxfer/relxmetrics"
	"github.com/coreswitch/relxfer/wire"
	"github.com/rs/xid"
)

const acceptPollInterval = time.Second

// delivery is one item on a connection pair's delivery queue: bytes bound
// for dest, to be written once the wall clock passes at.
type delivery struct {
	dest net.Conn
	data []byte
	at   time.Time
}

// connPair is one relayed client/server connection, identified by an
// explicit monotonic integer rather than object identity (spec.md 9).
type connPair struct {
	id     uint64
	client net.Conn
	server net.Conn
	closed atomic.Bool

	// queueMu guards queue and queueClosed together, so a send from one
	// forwarder goroutine and the close from the other (both deferred off
	// finishConn) can never race: whichever gets queueMu first either
	// completes its send before the close happens, or sees queueClosed
	// and backs off instead of sending on a closed channel.
	queueMu     sync.Mutex
	queue       chan delivery
	queueClosed bool
}

func (c *connPair) close() {
	if c.closed.CompareAndSwap(false, true) {
		c.client.Close()
		c.server.Close()
	}
}

// enqueue pushes item onto the queue, reporting false if the queue is full
// or has already been closed.
func (c *connPair) enqueue(item delivery) bool {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if c.queueClosed {
		return false
	}
	select {
	case c.queue <- item:
		return true
	default:
		return false
	}
}

// closeQueue closes the delivery queue exactly once. Safe to call
// concurrently with enqueue.
func (c *connPair) closeQueue() {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if c.queueClosed {
		return
	}
	c.queueClosed = true
	close(c.queue)
}

// Proxy relays connections from ListenAddr to TargetAddr, applying
// Conditions to every frame.
type Proxy struct {
	ListenAddr string
	TargetAddr string
	Conditions Conditions
	Logger     *slog.Logger
	Metrics    *relxmetrics.SimulatorMetrics

	logOnce sync.Once
	log     rlog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	running  atomic.Bool
	wg       sync.WaitGroup
	mu       sync.Mutex
	listener net.Listener
	pairs    map[uint64]*connPair

	nextConnID atomic.Uint64
}

// NewProxy constructs a Proxy. seed controls the deterministic fault-
// injection RNG; pass a fixed seed in tests for reproducible drops.
func NewProxy(listenAddr, targetAddr string, conditions Conditions, seed int64) *Proxy {
	return &Proxy{
		ListenAddr: listenAddr,
		TargetAddr: targetAddr,
		Conditions: conditions,
		rng:        rand.New(rand.NewSource(seed)),
		pairs:      make(map[uint64]*connPair),
	}
}

func (p *Proxy) logger() rlog.Logger {
	p.logOnce.Do(func() {
		logger := p.Logger
		if logger == nil {
			logger = slog.Default()
		}
		p.log = rlog.New(logger)
	})
	return p.log
}

func (p *Proxy) randFloat() float64 {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.rng.Float64()
}

func (p *Proxy) baseDelay() time.Duration {
	lo, hi := p.Conditions.MinDelay, p.Conditions.MaxDelay
	if hi <= lo {
		return lo
	}
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	span := hi - lo
	return lo + time.Duration(p.rng.Int63n(int64(span)+1))
}

// Addr returns the listener's bound local address, once ListenAndServe has
// started it. Useful when ListenAddr ends in ":0".
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// ListenAndServe binds ListenAddr and relays every accepted connection to
// TargetAddr until ctx is canceled or Shutdown is called.
func (p *Proxy) ListenAndServe(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyServing
	}
	defer p.running.Store(false)

	lc := sockopt.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", p.ListenAddr)
	if err != nil {
		return fmt.Errorf("simulator: listen: %w", err)
	}
	p.mu.Lock()
	p.listener = ln
	p.mu.Unlock()

	p.logger().Info("simulator listening", slog.String("addr", p.ListenAddr), slog.String("target", p.TargetAddr))

	type deadlineListener interface {
		SetDeadline(time.Time) error
	}

	for p.running.Load() {
		if dl, ok := ln.(deadlineListener); ok {
			dl.SetDeadline(time.Now().Add(acceptPollInterval))
		}
		client, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-ctx.Done():
					return p.Shutdown(ctx)
				default:
					continue
				}
			}
			if !p.running.Load() {
				return nil
			}
			continue
		}

		server, err := net.Dial("tcp", p.TargetAddr)
		if err != nil {
			p.logger().Warn("dial target failed", slog.String("err", err.Error()))
			client.Close()
			continue
		}

		id := p.nextConnID.Add(1)
		corrID := xid.New().String()
		pair := &connPair{
			id:     id,
			client: client,
			server: server,
			queue:  make(chan delivery, 64),
		}
		p.mu.Lock()
		p.pairs[id] = pair
		p.mu.Unlock()
		if p.Metrics != nil {
			p.Metrics.ConnectionsActive.Inc()
		}

		p.wg.Add(3)
		go p.deliveryWorker(pair)
		go p.forward(pair, client, server, corrID, "c2s")
		go p.forward(pair, server, client, corrID, "s2c")
	}
	return nil
}

// Shutdown closes the listener and every relayed connection pair.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if !p.running.CompareAndSwap(true, false) {
		return ErrNotServing
	}
	p.mu.Lock()
	if p.listener != nil {
		p.listener.Close()
	}
	for _, pair := range p.pairs {
		pair.close()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Proxy) forward(pair *connPair, src, dst net.Conn, corrID, direction string) {
	defer p.wg.Done()
	defer p.finishConn(pair)

	buf := make([]byte, 65536)
	for {
		src.SetReadDeadline(time.Now().Add(acceptPollInterval))
		n, err := src.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if pair.closed.Load() {
					return
				}
				continue
			}
			return
		}
		if n == 0 {
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		p.route(pair, dst, data, corrID, direction)
	}
}

func (p *Proxy) route(pair *connPair, dst net.Conn, data []byte, corrID, direction string) {
	if wire.IsHandshakeBypass(data) {
		dst.SetWriteDeadline(time.Now().Add(acceptPollInterval))
		dst.Write(data)
		if p.Metrics != nil {
			p.Metrics.FramesForwarded.Inc()
		}
		return
	}

	kind := wire.Classify(data)
	switch kind {
	case wire.KindAck:
		if p.randFloat() < p.Conditions.AckLossRate {
			if p.Metrics != nil {
				p.Metrics.FramesDropped.WithLabelValues("ack").Inc()
			}
			return
		}
		p.enqueue(pair, dst, data, p.baseDelay())
	default: // data
		if p.randFloat() < p.Conditions.PacketLossRate {
			if p.Metrics != nil {
				p.Metrics.FramesDropped.WithLabelValues("data").Inc()
			}
			return
		}
		extra := time.Duration(0)
		if p.randFloat() < p.Conditions.ReorderingRate {
			extra = p.Conditions.reorderingDelay()
			if p.Metrics != nil {
				p.Metrics.FramesReordered.Inc()
			}
		}
		delay := p.baseDelay() + extra
		p.enqueue(pair, dst, data, delay)
		if p.randFloat() < p.Conditions.DuplicationRate {
			if p.Metrics != nil {
				p.Metrics.FramesDuplicated.Inc()
			}
			p.enqueue(pair, dst, append([]byte(nil), data...), delay+duplicateExtraDelay)
		}
	}
	if p.Metrics != nil {
		p.Metrics.FramesForwarded.Inc()
	}
}

func (p *Proxy) enqueue(pair *connPair, dst net.Conn, data []byte, delay time.Duration) {
	item := delivery{dest: dst, data: data, at: time.Now().Add(delay)}
	if !pair.enqueue(item) {
		p.logger().Warn("delivery queue full or closed, dropping frame")
	}
}

func (p *Proxy) deliveryWorker(pair *connPair) {
	defer p.wg.Done()
	for item := range pair.queue {
		if wait := time.Until(item.at); wait > 0 {
			time.Sleep(wait)
		}
		if pair.closed.Load() {
			continue
		}
		item.dest.SetWriteDeadline(time.Now().Add(acceptPollInterval))
		item.dest.Write(item.data)
	}
}

func (p *Proxy) finishConn(pair *connPair) {
	pair.close()
	p.mu.Lock()
	_, ok := p.pairs[pair.id]
	if ok {
		delete(p.pairs, pair.id)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	pair.closeQueue()
	if p.Metrics != nil {
		p.Metrics.ConnectionsActive.Dec()
	}
}
