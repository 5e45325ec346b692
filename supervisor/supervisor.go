// Copyright 2026 The Cluvio Agent Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor drives the agent's top-level state machine:
// Connecting -> Authenticating -> Serving, looping back to Connecting
// with capped exponential jittered backoff on any session-fatal
// error, until a shutdown signal moves it to Shutdown for good.
package supervisor

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/jpillora/backoff"

	"github.com/cluvio/agent/addrmatch"
	"github.com/cluvio/agent/agenterr"
	"github.com/cluvio/agent/auth"
	"github.com/cluvio/agent/clock"
	"github.com/cluvio/agent/control"
	"github.com/cluvio/agent/identity"
	"github.com/cluvio/agent/transport"
)

// State names the supervisor's current position in spec.md §4.8's
// state machine.
type State string

const (
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateServing        State = "serving"
	StateShutdown       State = "shutdown"
)

const (
	backoffBase   = 1 * time.Second
	backoffCap    = 60 * time.Second
	backoffJitter = 0.20

	// episodeResetThreshold is how long a Serving episode must last
	// before a subsequent failure's backoff restarts from backoffBase
	// instead of continuing to climb.
	episodeResetThreshold = 30 * time.Second

	// controlStreamAcceptTimeout bounds how long the agent waits for
	// the gateway to open the control stream after authentication.
	controlStreamAcceptTimeout = 15 * time.Second

	// shutdownDrainTimeout bounds how long in-flight StreamTasks get
	// to finish once a shutdown signal arrives.
	shutdownDrainTimeout = 5 * time.Second
)

// muxSession is the subset of *yamux.Session the supervisor needs.
// Kept as an interface so tests can substitute a fake multiplexer
// without a real TLS+yamux stack.
type muxSession interface {
	OpenStream() (net.Conn, error)
	AcceptStream() (net.Conn, error)
	GoAway() error
	Close() error
	IsClosed() bool
}

// yamuxSessionAdapter satisfies muxSession over a real *yamux.Session.
// OpenStream and AcceptStream on *yamux.Session return *yamux.Stream,
// not net.Conn, so Go's exact-signature interface matching rejects the
// session directly; this adapter just widens the return type at each
// call site. Mirrors agent/control's sessionOpener, which solves the
// identical problem for the control loop's narrower StreamOpener.
type yamuxSessionAdapter struct {
	session *yamux.Session
}

func (a yamuxSessionAdapter) OpenStream() (net.Conn, error)   { return a.session.OpenStream() }
func (a yamuxSessionAdapter) AcceptStream() (net.Conn, error) { return a.session.AcceptStream() }
func (a yamuxSessionAdapter) GoAway() error                   { return a.session.GoAway() }
func (a yamuxSessionAdapter) Close() error                    { return a.session.Close() }
func (a yamuxSessionAdapter) IsClosed() bool                  { return a.session.IsClosed() }

// Config configures a Supervisor for the lifetime of the process.
type Config struct {
	Endpoint   transport.Endpoint
	TrustPEM   []byte
	Identity   *identity.Identity
	Whitelist  addrmatch.Whitelist
	MaxStreams int
	Clock      clock.Clock
	Logger     *slog.Logger

	// dial, wrapTLS and newMultiplexer are overridable for tests;
	// production callers leave them nil and get the real
	// agent/transport implementations.
	dial           func(ctx context.Context, endpoint transport.Endpoint) (net.Conn, error)
	wrapTLS        func(ctx context.Context, conn net.Conn, endpoint transport.Endpoint, trustPEM []byte) (net.Conn, error)
	newMultiplexer func(conn net.Conn, logger *slog.Logger) (muxSession, error)
}

// Supervisor runs the reconnect state machine described in spec.md
// §4.8. Create one with New and call Run once.
type Supervisor struct {
	cfg     Config
	clk     clock.Clock
	backoff *backoff.Backoff
	logger  *slog.Logger
	state   State
}

// New builds a Supervisor. cfg.Clock defaults to clock.Real() when
// nil so production callers don't have to wire it explicitly.
func New(cfg Config) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.dial == nil {
		cfg.dial = func(ctx context.Context, endpoint transport.Endpoint) (net.Conn, error) {
			return transport.Dial(ctx, endpoint)
		}
	}
	if cfg.wrapTLS == nil {
		cfg.wrapTLS = func(ctx context.Context, conn net.Conn, endpoint transport.Endpoint, trustPEM []byte) (net.Conn, error) {
			return transport.WrapTLS(ctx, conn, endpoint, trustPEM)
		}
	}
	if cfg.newMultiplexer == nil {
		cfg.newMultiplexer = func(conn net.Conn, logger *slog.Logger) (muxSession, error) {
			session, err := transport.NewMultiplexer(conn, logger)
			if err != nil {
				return nil, err
			}
			return yamuxSessionAdapter{session: session}, nil
		}
	}

	return &Supervisor{
		cfg:     cfg,
		clk:     cfg.Clock,
		backoff: &backoff.Backoff{Min: backoffBase, Max: backoffCap, Factor: 2, Jitter: false},
		logger:  cfg.Logger,
		state:   StateConnecting,
	}
}

// State returns the supervisor's current state, for status reporting.
func (s *Supervisor) State() State { return s.state }

// Run drives the state machine until ctx is cancelled (a shutdown
// signal). It returns nil after a graceful shutdown and never returns
// early for a session-fatal error — those trigger backoff and another
// Connecting attempt, forever.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			s.state = StateShutdown
			return nil
		}

		s.state = StateConnecting
		session, controlStream, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.state = StateShutdown
				return nil
			}
			if agenterr.FatalFor(err) {
				s.logger.Error("supervisor: fatal-for-process error, exiting", "error", err)
				s.state = StateShutdown
				return err
			}
			s.logger.Warn("supervisor: connection attempt failed", "error", err)
			if !s.sleepBackoff(ctx) {
				s.state = StateShutdown
				return nil
			}
			continue
		}

		episodeStart := s.clk.Now()
		s.state = StateServing
		s.logger.Info("supervisor: session established")

		loop := control.NewLoop(control.Config{
			Whitelist:  s.cfg.Whitelist,
			MaxStreams: s.cfg.MaxStreams,
			Opener:     control.NewSessionOpener(session.OpenStream),
			Clock:      s.clk,
			Logger:     s.logger,
		})

		runErr := loop.Run(ctx, controlStream)

		if ctx.Err() != nil {
			s.gracefulShutdown(session, controlStream, loop)
			s.state = StateShutdown
			return nil
		}

		controlStream.Close()
		session.Close()

		if errors.Is(runErr, control.ErrSwitchConnection) {
			// The gateway asked for a fresh connection, not a failure:
			// reconnect immediately and don't let this count against
			// the backoff episode.
			s.logger.Info("supervisor: gateway requested a new connection, reconnecting")
			s.backoff.Reset()
			continue
		}

		s.logger.Warn("supervisor: session ended", "error", runErr)

		if s.clk.Now().Sub(episodeStart) >= episodeResetThreshold {
			s.backoff.Reset()
		}
		if !s.sleepBackoff(ctx) {
			s.state = StateShutdown
			return nil
		}
	}
}

// connect performs the full Connecting/Authenticating sequence: TCP
// dial, TLS handshake, yamux session, sealed-box authentication on an
// agent-opened stream, then blocks for the gateway to open the
// long-lived control stream.
func (s *Supervisor) connect(ctx context.Context) (muxSession, net.Conn, error) {
	rawConn, err := s.cfg.dial(ctx, s.cfg.Endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("supervisor: dial: %w", err)
	}

	tlsConn, err := s.cfg.wrapTLS(ctx, rawConn, s.cfg.Endpoint, s.cfg.TrustPEM)
	if err != nil {
		rawConn.Close()
		return nil, nil, fmt.Errorf("supervisor: TLS handshake: %w", err)
	}

	session, err := s.cfg.newMultiplexer(tlsConn, s.logger)
	if err != nil {
		tlsConn.Close()
		return nil, nil, fmt.Errorf("supervisor: start multiplexer: %w", err)
	}

	s.state = StateAuthenticating

	authStream, err := session.OpenStream()
	if err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("supervisor: open auth stream: %w", err)
	}

	if err := auth.Authenticate(authStream, s.cfg.Identity); err != nil {
		authStream.Close()
		session.Close()
		return nil, nil, fmt.Errorf("supervisor: authenticate: %w", err)
	}
	authStream.Close()

	controlStream, err := acceptControlStream(ctx, session)
	if err != nil {
		session.Close()
		return nil, nil, fmt.Errorf("supervisor: accept control stream: %w", err)
	}

	return session, controlStream, nil
}

// acceptControlStream waits for the gateway to open the control
// stream, bounded by controlStreamAcceptTimeout and ctx.
func acceptControlStream(ctx context.Context, session muxSession) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, controlStreamAcceptTimeout)
	defer cancel()

	type result struct {
		stream net.Conn
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		stream, err := session.AcceptStream()
		resultCh <- result{stream, err}
	}()

	select {
	case r := <-resultCh:
		return r.stream, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// gracefulShutdown implements spec.md §4.8's shutdown sequence: GOAWAY
// on the multiplexer, close the control stream, allow in-flight
// StreamTasks up to shutdownDrainTimeout to finish, then force-close.
// Grounded on the teacher's cmd/bureau-telemetry-relay/main.go
// shutdown ordering (drain, then close), adapted from "wait for the
// shipper goroutine" to "wait for the control loop's StreamTasks".
func (s *Supervisor) gracefulShutdown(session muxSession, controlStream net.Conn, loop *control.Loop) {
	s.logger.Info("supervisor: shutting down")

	if err := session.GoAway(); err != nil {
		s.logger.Warn("supervisor: GOAWAY failed", "error", err)
	}
	controlStream.Close()

	if !loop.Wait(s.clk.After(shutdownDrainTimeout)) {
		s.logger.Warn("supervisor: stream tasks did not drain in time, force-closing")
	}

	session.Close()
}

// sleepBackoff waits out the next reconnect delay, or returns false
// immediately if ctx is cancelled first.
func (s *Supervisor) sleepBackoff(ctx context.Context) bool {
	delay := jitter(s.backoff.Duration(), backoffJitter)
	s.logger.Info("supervisor: retrying after backoff", "delay", delay)

	select {
	case <-s.clk.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// jitter applies a uniform ±fraction adjustment to d using a
// cryptographically random source (this is scheduling jitter, not a
// security-sensitive value, but crypto/rand is already imported
// elsewhere in this repo and avoids adding math/rand's seeding
// concerns for a one-off use).
func jitter(d time.Duration, fraction float64) time.Duration {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return d
	}
	// Map the random bytes to [-1, 1], then scale by fraction.
	unit := float64(binary.BigEndian.Uint64(buf[:])) / math.MaxUint64
	offset := (unit*2 - 1) * fraction
	return time.Duration(float64(d) * (1 + offset))
}
