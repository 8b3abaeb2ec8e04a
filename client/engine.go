// Package client implements the sending side of the protocol: the
// max-size handshake, per-message segmentation and admission into a fresh
// sliding window, and the send/retry loop described in spec.md 4.3,
// grounded on soypat/lneto/tcp's connect-then-loop engine shape.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreswitch/relxfer/internal/backoff"
	"github.com/coreswitch/relxfer/internal/rlog"
	"github.com/coreswitch/relxfer/relxmetrics"
	"github.com/coreswitch/relxfer/segment"
	"github.com/coreswitch/relxfer/wire"
	"github.com/coreswitch/relxfer/window"
)

const (
	handshakeReadTimeout  = 2 * time.Second
	handshakeRetries      = 3
	ackReadTimeoutCap     = 500 * time.Millisecond
	retryBackoffBase      = 100 * time.Millisecond
	retryBackoffCap       = time.Second
	retransmitBackoffBase = 500 * time.Millisecond
	maxConsecutiveRetries = 5
	readBufferSlack       = 1024
)

// Config configures a client Engine. Mirrors the validated record spec.md 1
// says the core consumes, never parses itself.
type Config struct {
	WindowSize int
	Timeout    time.Duration
	Logger     *slog.Logger
	Metrics    *relxmetrics.ClientMetrics
}

// Engine drives one connection's handshake and message sends.
type Engine struct {
	cfg Config
	log rlog.Logger

	dial dialer

	state         atomic.Int32
	conn          transport
	segmenter     *segment.Segmenter
	serverMaxSize int
}

// NewEngine validates cfg and constructs an unconnected Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.WindowSize <= 0 {
		return nil, ErrWindowSizeNotPositive
	}
	if cfg.Timeout <= 0 {
		return nil, ErrTimeoutNotPositive
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:  cfg,
		log:  rlog.New(logger),
		dial: netDialer,
	}
	e.state.Store(int32(StateInit))
	return e, nil
}

// State reports the engine's current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Connect opens addr, performs the REQUEST_MAX_SIZE handshake with up to
// three retries on read timeout, and builds the Segmenter bounded by the
// server's advertised maximum segment size.
func (e *Engine) Connect(ctx context.Context, addr string) error {
	conn, err := e.dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("client: dial: %w", err)
	}
	e.conn = conn
	e.state.Store(int32(StateConnected))

	conn.SetWriteDeadline(time.Now().Add(handshakeReadTimeout))
	if _, err := conn.Write([]byte(wire.HandshakeRequest)); err != nil {
		conn.Close()
		return fmt.Errorf("client: writing handshake: %w", err)
	}

	var reply wire.HandshakeReply
	var lastErr error
	buf := make([]byte, 4096)
	for attempt := 0; attempt <= handshakeRetries; attempt++ {
		select {
		case <-ctx.Done():
			conn.Close()
			return ctx.Err()
		default:
		}
		// A retry here re-reads rather than re-sending the request: the
		// server already consumed it and moved to steady state, so a
		// second REQUEST_MAX_SIZE would just be a stray frame it drops.
		conn.SetReadDeadline(time.Now().Add(handshakeReadTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				lastErr = err
				continue
			}
			conn.Close()
			return fmt.Errorf("client: reading handshake reply: %w", err)
		}
		if jerr := json.Unmarshal(buf[:n], &reply); jerr != nil {
			lastErr = jerr
			continue
		}
		if !reply.OK() {
			conn.Close()
			return fmt.Errorf("%w: %s", ErrInvalidHandshakeReply, reply.Message)
		}
		e.serverMaxSize = reply.MaxSize
		seg, err := segment.NewSegmenter(reply.MaxSize)
		if err != nil {
			conn.Close()
			return fmt.Errorf("client: building segmenter: %w", err)
		}
		e.segmenter = seg
		e.state.Store(int32(StateMaxSizeNegotiated))
		e.log.Info("handshake complete", slog.Int("server_max_size", reply.MaxSize))
		return nil
	}
	conn.Close()
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, lastErr)
	}
	return ErrHandshakeFailed
}

// Close releases the underlying connection.
func (e *Engine) Close() error {
	if e.conn == nil {
		return nil
	}
	return e.conn.Close()
}

// SendMessage segments msg, admits it into a fresh SlidingWindow, and runs
// the send/ACK loop described in spec.md 4.3 to completion or failure.
func (e *Engine) SendMessage(ctx context.Context, msg string) error {
	if e.State() < StateMaxSizeNegotiated {
		return ErrNotConnected
	}
	e.state.Store(int32(StateSending))

	segments, err := e.segmenter.Segment(msg)
	if err != nil {
		e.state.Store(int32(StateFailed))
		return fmt.Errorf("client: segmenting message: %w", err)
	}

	win, err := window.New(e.cfg.WindowSize, e.cfg.Timeout)
	if err != nil {
		e.state.Store(int32(StateFailed))
		return err
	}
	defer win.Close()

	var cbMu sync.Mutex
	win.SetRetransmissionCallback(func(overdue []window.WindowSegment) {
		cbMu.Lock()
		defer cbMu.Unlock()
		retransmitBackoff := backoff.New(retransmitBackoffBase, e.cfg.Timeout)
		for i, ws := range overdue {
			b, err := e.segmenter.Serialize(ws.Original)
			if err != nil {
				e.log.Error("retransmit serialize failed", slog.String("err", err.Error()))
				continue
			}
			e.conn.SetWriteDeadline(time.Now().Add(e.cfg.Timeout))
			if _, err := e.conn.Write(b); err != nil {
				e.log.Error("retransmit write failed", slog.String("err", err.Error()))
				continue
			}
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.SegmentsRetransmitted.Inc()
			}
			if i < len(overdue)-1 {
				time.Sleep(retransmitBackoff.Next())
			}
		}
	})

	deadline := time.Now().Add(3 * e.cfg.Timeout)
	pending := 0
	retries := 0
	retryBackoff := backoff.New(retryBackoffBase, retryBackoffCap)
	buf := make([]byte, e.segmenter.MaxSegmentSize()+readBufferSlack)
	start := time.Now()

	for pending < len(segments) || !win.IsEmpty() {
		for win.CanSend() && pending < len(segments) {
			seg := segments[pending]
			if _, ok := win.AddSegment(seg); !ok {
				break
			}
			b, err := e.segmenter.Serialize(seg)
			if err != nil {
				e.state.Store(int32(StateFailed))
				return fmt.Errorf("client: serializing segment: %w", err)
			}
			e.conn.SetWriteDeadline(time.Now().Add(e.cfg.Timeout))
			if _, err := e.conn.Write(b); err != nil {
				e.state.Store(int32(StateFailed))
				return fmt.Errorf("client: writing segment: %w", err)
			}
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.SegmentsSent.Inc()
			}
			pending++
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			e.state.Store(int32(StateFailed))
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.MessagesFailed.Inc()
			}
			return ErrSendDeadlineExceeded
		}
		readTimeout := remaining / 2
		if readTimeout > ackReadTimeoutCap {
			readTimeout = ackReadTimeoutCap
		}

		e.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := e.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				retries++
				if retries > maxConsecutiveRetries {
					e.state.Store(int32(StateFailed))
					if e.cfg.Metrics != nil {
						e.cfg.Metrics.MessagesFailed.Inc()
					}
					return ErrTooManyRetries
				}
				wait := retryBackoff.Next()
				select {
				case <-ctx.Done():
					e.state.Store(int32(StateFailed))
					return ctx.Err()
				case <-time.After(wait):
				}
				continue
			}
			e.state.Store(int32(StateFailed))
			return fmt.Errorf("client: reading ack: %w", err)
		}

		var ack wire.AckFrame
		if jerr := json.Unmarshal(buf[:n], &ack); jerr != nil || ack.Status != "OK" {
			continue
		}
		seq, perr := wire.ParseAck(strings.TrimSpace(ack.Ack))
		if perr != nil {
			continue
		}
		applied := win.HandleAck(seq)
		if e.cfg.Metrics != nil {
			if applied {
				e.cfg.Metrics.AcksReceived.Inc()
			} else {
				e.cfg.Metrics.AcksSpurious.Inc()
			}
		}
		retries = 0
		retryBackoff.Reset()
	}

	e.state.Store(int32(StateDone))
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.MessagesSent.Inc()
		e.cfg.Metrics.SendDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}
