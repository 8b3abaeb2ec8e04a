// Package server implements the receiving side of the protocol: an accept
// loop, per-connection handshake, and the steady-state segment/ACK/deliver
// loop, grounded on soypat/lneto/tcp's listener and per-connection worker
// shape (see tcp/listener.go) but built on net.Conn instead of lneto's
// frame-level stack.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreswitch/relxfer/internal/rlog"
	"github.com/coreswitch/relxfer/internal/sockopt"
	"github.com/coreswitch/relxfer/receiver"
	"github.com/coreswitch/relxfer/relxmetrics"
	"github.com/coreswitch/relxfer/segment"
	"github.com/coreswitch/relxfer/wire"
	"github.com/rs/xid"
)

// acceptPollInterval bounds how long Accept blocks before re-checking the
// running flag, matching spec.md 5's "server loop polls an is_running flag
// between accepts with a 1s accept timeout".
const acceptPollInterval = time.Second

// readBufferSlack is added on top of the negotiated maximum segment size
// when sizing the per-connection read buffer, per spec.md 4.4.
const readBufferSlack = 1024

// Config configures a server Engine. It is the validated record spec.md 1
// says the core only ever consumes, never parses itself.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:5000".
	Addr string
	// MaxSegmentSize is advertised to clients during the handshake.
	MaxSegmentSize int
	// Deliver is invoked with every fully reassembled message. If nil,
	// delivery is only logged.
	Deliver func(connID uint64, messageID, message string)
	// Logger receives structured events; nil means slog.Default().
	Logger *slog.Logger
	// Metrics, if non-nil, is updated as the engine runs.
	Metrics *relxmetrics.ServerMetrics
}

// Engine accepts connections, performs the handshake and runs the
// steady-state receive loop described in spec.md 4.4.
type Engine struct {
	cfg Config
	log rlog.Logger

	running atomic.Bool
	wg      sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	conns    map[uint64]net.Conn

	nextConnID atomic.Uint64
}

// NewEngine validates cfg and constructs an Engine. The engine does not
// start listening until ListenAndServe is called.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.MaxSegmentSize <= 0 {
		return nil, ErrMaxSegmentSizeNotPositive
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:   cfg,
		log:   rlog.New(logger),
		conns: make(map[uint64]net.Conn),
	}, nil
}

// Addr returns the listener's bound local address, once ListenAndServe has
// started it. Useful when Config.Addr ends in ":0".
func (e *Engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// ListenAndServe binds Addr and runs the accept loop until ctx is canceled
// or Shutdown is called. It returns nil on a clean shutdown.
func (e *Engine) ListenAndServe(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyServing
	}
	defer e.running.Store(false)

	lc := sockopt.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", e.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	e.mu.Lock()
	e.listener = ln
	e.mu.Unlock()

	e.log.Info("server listening", slog.String("addr", e.cfg.Addr))

	type tcpListener interface {
		SetDeadline(time.Time) error
	}

	for e.running.Load() {
		if tl, ok := ln.(tcpListener); ok {
			tl.SetDeadline(time.Now().Add(acceptPollInterval))
		}
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-ctx.Done():
					return e.shutdownLocked(ctx)
				default:
					continue
				}
			}
			if !e.running.Load() {
				return nil
			}
			select {
			case <-ctx.Done():
				return e.shutdownLocked(ctx)
			default:
			}
			e.log.Warn("accept failed", slog.String("err", err.Error()))
			continue
		}

		connID := e.nextConnID.Add(1)
		e.mu.Lock()
		e.conns[connID] = conn
		e.mu.Unlock()
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.ConnectionsActive.Inc()
		}

		e.wg.Add(1)
		go e.serve(connID, conn)
	}
	return nil
}

// Shutdown closes the listener and every active connection, then waits
// (bounded by ctx) for their worker goroutines to exit.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.running.CompareAndSwap(true, false) {
		return ErrNotServing
	}
	return e.shutdownLocked(ctx)
}

func (e *Engine) shutdownLocked(ctx context.Context) error {
	e.mu.Lock()
	if e.listener != nil {
		e.listener.Close()
	}
	for _, c := range e.conns {
		c.Close()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) serve(connID uint64, conn net.Conn) {
	defer e.wg.Done()
	defer func() {
		conn.Close()
		e.mu.Lock()
		delete(e.conns, connID)
		e.mu.Unlock()
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.ConnectionsActive.Dec()
		}
	}()

	corrID := xid.New().String()
	log := e.log
	connLog := func(msg string, attrs ...slog.Attr) {
		log.Info(msg, append([]slog.Attr{
			slog.Uint64("conn_id", connID),
			slog.String("corr_id", corrID),
		}, attrs...)...)
	}

	if err := e.handshake(conn); err != nil {
		connLog("handshake failed", slog.String("err", err.Error()))
		return
	}
	connLog("handshake complete")

	store := receiver.NewStore()
	buf := make([]byte, e.cfg.MaxSegmentSize+readBufferSlack)

	for {
		conn.SetReadDeadline(time.Now().Add(acceptPollInterval))
		n, err := wire.ReadFrame(conn, buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if !e.running.Load() {
					return
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				connLog("connection closed by peer")
				return
			}
			return
		}
		if n == 0 {
			continue
		}

		seg, ok := segment.Deserialize(buf[:n])
		if !ok {
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.SegmentsDropped.Inc()
			}
			continue
		}
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.SegmentsReceived.Inc()
		}

		result := store.Observe(seg)
		switch result.Outcome {
		case receiver.DuplicateInProgress, receiver.DuplicateCompleted:
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.DuplicatesDropped.Inc()
			}
		}

		ack := wire.AckFrame{Status: "OK", Ack: wire.FormatAck(result.AckSeq)}
		ackBytes, err := json.Marshal(ack)
		if err != nil {
			connLog("ack marshal failed", slog.String("err", err.Error()))
			return
		}
		conn.SetWriteDeadline(time.Now().Add(acceptPollInterval))
		if _, err := conn.Write(ackBytes); err != nil {
			return
		}

		if result.Complete {
			message, ok := segment.Reassemble(result.Segments)
			if !ok {
				connLog("reassembly failed", slog.String("message_id", result.MessageID))
				continue
			}
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.MessagesDelivered.Inc()
			}
			connLog("message delivered", slog.String("message_id", result.MessageID), slog.Int("len", len(message)))
			if e.cfg.Deliver != nil {
				e.cfg.Deliver(connID, result.MessageID, message)
			} else {
				connLog("received", slog.String("message", message))
			}
		}
	}
}

func (e *Engine) handshake(conn net.Conn) error {
	conn.SetReadDeadline(time.Now().Add(acceptPollInterval))
	buf := make([]byte, len(wire.HandshakeRequest)+16)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("server: reading handshake: %w", err)
	}

	if string(buf[:n]) != wire.HandshakeRequest {
		reply := wire.HandshakeReply{Status: "ERROR", Message: "Invalid request"}
		b, _ := json.Marshal(reply)
		conn.SetWriteDeadline(time.Now().Add(acceptPollInterval))
		conn.Write(b)
		return ErrInvalidHandshake
	}

	reply := wire.HandshakeReply{Status: "OK", MaxSize: e.cfg.MaxSegmentSize}
	b, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("server: marshaling handshake reply: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(acceptPollInterval))
	_, err = conn.Write(b)
	return err
}
