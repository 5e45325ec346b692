// Copyright 2026 The Cluvio Agent Authors
// SPDX-License-Identifier: Apache-2.0

// Package control runs the agent's side of the control stream: a
// single driver loop that answers liveness pings, validates and opens
// forwarded streams against the whitelist, and enforces the
// concurrent-stream cap yamux itself doesn't.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cluvio/agent/addrmatch"
	"github.com/cluvio/agent/clock"
	"github.com/cluvio/agent/forward"
	"github.com/cluvio/agent/transport"
	"github.com/cluvio/agent/wire"
)

// pingTimeout is how long the agent waits for an inbound Ping before
// treating the session as dead. Reset on every inbound Ping.
const pingTimeout = 30 * time.Second

// maxConnectTimeout caps the upstream dial timeout regardless of what
// deadline_ms the gateway requests.
const maxConnectTimeout = 10 * time.Second

// ErrPingTimeout is returned by Run when no Ping arrives within
// pingTimeout. Fatal for the session.
var ErrPingTimeout = errors.New("control: no ping received within timeout")

// ErrSwitchConnection is returned by Run when the gateway asks the
// agent to switch to a new connection (wire.KindSwitchToNewConnection).
// Not fatal in the usual sense: agent/supervisor treats it as a
// request to reconnect immediately, without backoff.
var ErrSwitchConnection = errors.New("control: gateway requested a new connection")

// StreamOpener opens a new outbound multiplexer stream. Satisfied by
// a thin adapter over *yamux.Session (see NewSessionOpener) so this
// package's tests can supply a fake.
type StreamOpener interface {
	OpenStream() (net.Conn, error)
}

// sessionOpener adapts *yamux.Session.OpenStream's concrete
// *yamux.Stream return type to the net.Conn-returning StreamOpener
// interface.
type sessionOpener struct {
	open func() (net.Conn, error)
}

// NewSessionOpener wraps a yamux-style session (anything with an
// OpenStream() (net.Conn, error)-compatible method reachable via fn)
// as a StreamOpener.
func NewSessionOpener(fn func() (net.Conn, error)) StreamOpener {
	return sessionOpener{open: fn}
}

func (s sessionOpener) OpenStream() (net.Conn, error) { return s.open() }

// Config configures a Loop.
type Config struct {
	Whitelist  addrmatch.Whitelist
	MaxStreams int
	Opener     StreamOpener
	Logger     *slog.Logger

	// Clock drives the ping timeout. Defaults to clock.Real() when nil
	// so production callers don't have to wire it explicitly; tests
	// inject clock.Fake() to exercise the timeout deterministically.
	Clock clock.Clock
}

// Loop drives one control stream for the lifetime of one gateway
// session. Create one per authenticated connection; do not reuse
// across reconnects.
type Loop struct {
	cfg Config
	sem chan struct{}
	wg  sync.WaitGroup
}

// NewLoop builds a Loop from cfg. MaxStreams caps concurrent
// forwarded streams; with MaxStreams 0 every OpenStream is refused.
func NewLoop(cfg Config) *Loop {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Loop{
		cfg: cfg,
		sem: make(chan struct{}, cfg.MaxStreams),
	}
}

// controlConn serializes writes to the control stream: Run's own
// Pong replies and every detached StreamTask's Opened/Failed reply
// share one underlying connection.
type controlConn struct {
	stream net.Conn
	mu     sync.Mutex
}

func (c *controlConn) send(kind wire.Kind, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wire.WriteEnvelope(c.stream, kind, payload)
}

// Run reads and answers frames from stream until ctx is done, the
// connection fails, or no Ping arrives within pingTimeout. It returns
// the reason the loop ended; the caller (agent/supervisor) decides
// whether that's fatal for the session or a clean shutdown.
//
// OpenStream requests are handled in detached goroutines tracked by
// Loop's internal WaitGroup — Run itself never blocks on a dial. Call
// Wait after Run returns to bound how long to let in-flight
// StreamTasks finish draining.
func (l *Loop) Run(ctx context.Context, stream net.Conn) error {
	conn := &controlConn{stream: stream}

	frames := make(chan wire.Envelope)
	readErr := make(chan error, 1)
	go func() {
		for {
			env, err := wire.ReadEnvelope(stream)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	pingDeadline := l.cfg.Clock.After(pingTimeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			return fmt.Errorf("control: read control stream: %w", err)

		case <-pingDeadline:
			return ErrPingTimeout

		case env := <-frames:
			next, err := l.handleEnvelope(ctx, conn, env)
			if err != nil {
				return err
			}
			if next != nil {
				pingDeadline = next
			}
		}
	}
}

// handleEnvelope answers one control-stream frame. It returns a new
// ping deadline channel when the frame was a Ping (resetting the
// timeout), or nil when the deadline is unchanged.
func (l *Loop) handleEnvelope(ctx context.Context, conn *controlConn, env wire.Envelope) (<-chan time.Time, error) {
	switch env.Kind {
	case wire.KindPing:
		var ping wire.Ping
		if err := env.Decode(&ping); err != nil {
			return nil, err
		}
		if err := conn.send(wire.KindPong, wire.Pong{Nonce: ping.Nonce}); err != nil {
			return nil, err
		}
		return l.cfg.Clock.After(pingTimeout), nil

	case wire.KindOpenStream:
		var req wire.OpenStream
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		l.handleOpenStream(ctx, conn, req)
		return nil, nil

	case wire.KindTest:
		var req wire.TestRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		l.handleTest(req, conn)
		return nil, nil

	case wire.KindSwitchToNewConnection:
		if err := conn.send(wire.KindSwitchingConnection, wire.SwitchingConnection{}); err != nil {
			return nil, err
		}
		return nil, ErrSwitchConnection

	default:
		return nil, &wire.ProtocolError{Op: "control", Err: fmt.Errorf("unrecognized request kind %q", env.Kind)}
	}
}

// handleOpenStream implements spec.md §4.6's open-stream steps. It
// never blocks Run: back-pressure is enforced by a non-blocking
// semaphore acquire, and everything past the whitelist check runs in
// a detached goroutine tracked by l.wg.
func (l *Loop) handleOpenStream(ctx context.Context, conn *controlConn, req wire.OpenStream) {
	addr := addrmatch.Address{Host: req.Addr.Host, Port: req.Addr.Port, IP: net.ParseIP(req.Addr.Host)}

	if !l.cfg.Whitelist.Allow(addr) {
		l.cfg.Logger.Warn("control: denied upstream not on whitelist", "id", req.ID, "addr", req.Addr.String())
		conn.send(wire.KindFailed, wire.Failed{ID: req.ID, Reason: wire.OpenFailureNotAllowed})
		return
	}

	select {
	case l.sem <- struct{}{}:
	default:
		l.cfg.Logger.Warn("control: rejecting open, stream cap reached", "id", req.ID, "max_streams", l.cfg.MaxStreams)
		conn.send(wire.KindFailed, wire.Failed{ID: req.ID, Reason: wire.OpenFailureInternal})
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() { <-l.sem }()
		l.openAndForward(ctx, conn, req)
	}()
}

func (l *Loop) openAndForward(ctx context.Context, conn *controlConn, req wire.OpenStream) {
	timeout := time.Duration(req.DeadlineMs) * time.Millisecond
	if timeout <= 0 || timeout > maxConnectTimeout {
		timeout = maxConnectTimeout
	}

	hostport := net.JoinHostPort(req.Addr.Host, fmt.Sprintf("%d", req.Addr.Port))
	upstream, err := transport.DialUpstream(ctx, hostport, timeout)
	if err != nil {
		reason := classifyDialError(err)
		l.cfg.Logger.Warn("control: upstream dial failed", "id", req.ID, "addr", hostport, "reason", reason, "error", err)
		conn.send(wire.KindFailed, wire.Failed{ID: req.ID, Reason: reason})
		return
	}

	peerStream, err := l.cfg.Opener.OpenStream()
	if err != nil {
		l.cfg.Logger.Warn("control: failed to open multiplexer stream", "id", req.ID, "error", err)
		upstream.Close()
		conn.send(wire.KindFailed, wire.Failed{ID: req.ID, Reason: wire.OpenFailureInternal})
		return
	}

	if err := conn.send(wire.KindOpened, wire.Opened{ID: req.ID}); err != nil {
		l.cfg.Logger.Warn("control: failed to send Opened reply", "id", req.ID, "error", err)
		upstream.Close()
		peerStream.Close()
		return
	}

	l.cfg.Logger.Info("control: stream opened", "id", req.ID, "addr", hostport)
	forward.Run(peerStream, upstream)
}

// handleTest answers a TestRequest by dialing addr and immediately
// closing the connection: it reports reachability, not a forwarding
// intent, so it never opens a multiplexer stream or consumes a slot in
// the stream-cap semaphore. Runs synchronously in Run's goroutine
// since a probe dial is bounded by maxConnectTimeout and callers are
// expected to send at most one outstanding Test at a time.
func (l *Loop) handleTest(req wire.TestRequest, conn *controlConn) {
	addr := addrmatch.Address{Host: req.Addr.Host, Port: req.Addr.Port, IP: net.ParseIP(req.Addr.Host)}
	if !l.cfg.Whitelist.Allow(addr) {
		conn.send(wire.KindTestResult, wire.TestResult{ID: req.ID, Reason: wire.OpenFailureNotAllowed})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), maxConnectTimeout)
	defer cancel()

	hostport := net.JoinHostPort(req.Addr.Host, fmt.Sprintf("%d", req.Addr.Port))
	upstream, err := transport.DialUpstream(ctx, hostport, maxConnectTimeout)
	if err != nil {
		conn.send(wire.KindTestResult, wire.TestResult{ID: req.ID, Reason: classifyDialError(err)})
		return
	}
	upstream.Close()
	conn.send(wire.KindTestResult, wire.TestResult{ID: req.ID})
}

// classifyDialError maps a transport.DialUpstream failure onto
// spec.md §4.6's closed OpenFailure set.
func classifyDialError(err error) wire.OpenFailure {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return wire.OpenFailureResolveFailed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return wire.OpenFailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wire.OpenFailureTimeout
	}
	return wire.OpenFailureConnectFailed
}

// Wait blocks until every detached StreamTask finishes or deadline
// fires, whichever is first. Returns true if every task drained.
// Called by agent/supervisor during graceful shutdown; deadline is
// typically clock.Clock.After(5*time.Second) so tests can control it
// deterministically instead of sleeping.
func (l *Loop) Wait(deadline <-chan time.Time) bool {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-deadline:
		return false
	}
}
