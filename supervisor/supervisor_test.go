// Copyright 2026 The Cluvio Agent Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cluvio/agent/addrmatch"
	"github.com/cluvio/agent/clock"
	"github.com/cluvio/agent/identity"
	"github.com/cluvio/agent/sealedbox"
	"github.com/cluvio/agent/transport"
	"github.com/cluvio/agent/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	var scalar [identity.KeySize]byte
	if _, err := rand.Read(scalar[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	id, err := identity.Load(identity.EncodeKey(scalar))
	if err != nil {
		t.Fatalf("identity.Load: %v", err)
	}
	t.Cleanup(func() { id.Close() })
	return id
}

// fakeMuxSession is an in-memory stand-in for a *yamux.Session: every
// OpenStream call from the supervisor side hands out one end of a
// net.Pipe, and the test drives the other end directly. AcceptStream
// delivers streams pushed onto offered by a simulated gateway.
type fakeMuxSession struct {
	mu       sync.Mutex
	closed   bool
	goneAway bool
	offered  chan net.Conn
	opened   chan net.Conn
}

func newFakeMuxSession() *fakeMuxSession {
	return &fakeMuxSession{
		offered: make(chan net.Conn, 8),
		opened:  make(chan net.Conn, 8),
	}
}

func (f *fakeMuxSession) OpenStream() (net.Conn, error) {
	local, remote := net.Pipe()
	f.opened <- remote
	return local, nil
}

func (f *fakeMuxSession) AcceptStream() (net.Conn, error) {
	stream, ok := <-f.offered
	if !ok {
		return nil, errors.New("fakeMuxSession: closed")
	}
	return stream, nil
}

func (f *fakeMuxSession) GoAway() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.goneAway = true
	return nil
}

func (f *fakeMuxSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.offered)
	}
	return nil
}

func (f *fakeMuxSession) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// gatewayAuthenticate plays the gateway's half of auth.Authenticate on
// stream: read the Hello, seal a fixed plaintext to id's public key,
// send the Challenge, verify the echoed Response, then send Ok or
// Denied.
func gatewayAuthenticate(t *testing.T, stream net.Conn, id *identity.Identity, allow bool) {
	t.Helper()

	helloEnv, err := wire.ReadEnvelope(stream)
	if err != nil {
		t.Fatalf("ReadEnvelope Hello: %v", err)
	}
	var hello wire.Hello
	if err := helloEnv.Decode(&hello); err != nil {
		t.Fatalf("Decode Hello: %v", err)
	}

	plaintext := []byte("supervisor-test-challenge")
	sealed, err := sealedbox.Seal(id.PublicKey(), plaintext)
	if err != nil {
		t.Fatalf("sealedbox.Seal: %v", err)
	}
	if err := wire.WriteEnvelope(stream, wire.KindChallenge, wire.Challenge{Sealed: sealed}); err != nil {
		t.Fatalf("WriteEnvelope Challenge: %v", err)
	}

	env, err := wire.ReadEnvelope(stream)
	if err != nil {
		t.Fatalf("ReadEnvelope Response: %v", err)
	}
	var resp wire.Response
	if err := env.Decode(&resp); err != nil {
		t.Fatalf("Decode Response: %v", err)
	}
	if string(resp.Plaintext) != string(plaintext) {
		t.Fatalf("Response.Plaintext = %q, want %q", resp.Plaintext, plaintext)
	}

	if allow {
		wire.WriteEnvelope(stream, wire.KindOk, wire.Ok{})
	} else {
		wire.WriteEnvelope(stream, wire.KindDenied, wire.Denied{Reason: "test denial"})
	}
}

func TestSupervisor_ConnectAuthenticateServe_RunsUntilCancelled(t *testing.T) {
	id := newTestIdentity(t)
	session := newFakeMuxSession()

	gatewayControlSide, agentControlStream := net.Pipe()
	authDone := make(chan struct{})

	go func() {
		authStream := <-session.opened
		gatewayAuthenticate(t, authStream, id, true)
		authStream.Close()
		close(authDone)
		session.offered <- gatewayControlSide
	}()

	clk := clock.Fake(time.Unix(0, 0))
	sup := New(Config{
		Identity:   id,
		Whitelist:  addrmatch.Whitelist{},
		MaxStreams: 4,
		Clock:      clk,
		Logger:     testLogger(),
	})
	sup.cfg.dial = func(ctx context.Context, endpoint transport.Endpoint) (net.Conn, error) {
		local, _ := net.Pipe()
		return local, nil
	}
	sup.cfg.wrapTLS = func(ctx context.Context, conn net.Conn, endpoint transport.Endpoint, trustPEM []byte) (net.Conn, error) {
		return conn, nil
	}
	sup.cfg.newMultiplexer = func(conn net.Conn, logger *slog.Logger) (muxSession, error) {
		return session, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx) }()

	select {
	case <-authDone:
	case <-time.After(2 * time.Second):
		t.Fatal("authentication never completed")
	}

	// Drive the control stream from the gateway's side: wait for the
	// supervisor to reach Serving, then ping it once.
	deadline := time.Now().Add(2 * time.Second)
	for sup.State() != StateServing && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sup.State() != StateServing {
		t.Fatalf("State() = %v, want %v", sup.State(), StateServing)
	}

	agentControlStream.SetDeadline(time.Now().Add(2 * time.Second))
	if err := wire.WriteEnvelope(agentControlStream, wire.KindPing, wire.Ping{Nonce: 1}); err != nil {
		t.Fatalf("WriteEnvelope Ping: %v", err)
	}
	env, err := wire.ReadEnvelope(agentControlStream)
	if err != nil {
		t.Fatalf("ReadEnvelope Pong: %v", err)
	}
	if env.Kind != wire.KindPong {
		t.Fatalf("Kind = %v, want %v", env.Kind, wire.KindPong)
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run returned %v, want nil after graceful shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after ctx cancellation")
	}
	if sup.State() != StateShutdown {
		t.Errorf("State() = %v, want %v", sup.State(), StateShutdown)
	}
}

func TestSupervisor_AuthenticationDenied_RetriesWithBackoff(t *testing.T) {
	id := newTestIdentity(t)

	attempts := make(chan struct{}, 8)
	clk := clock.Fake(time.Unix(0, 0))

	sup := New(Config{
		Identity:   id,
		Whitelist:  addrmatch.Whitelist{},
		MaxStreams: 4,
		Clock:      clk,
		Logger:     testLogger(),
	})
	sup.cfg.dial = func(ctx context.Context, endpoint transport.Endpoint) (net.Conn, error) {
		local, _ := net.Pipe()
		attempts <- struct{}{}
		return local, nil
	}
	sup.cfg.wrapTLS = func(ctx context.Context, conn net.Conn, endpoint transport.Endpoint, trustPEM []byte) (net.Conn, error) {
		return conn, nil
	}
	sup.cfg.newMultiplexer = func(conn net.Conn, logger *slog.Logger) (muxSession, error) {
		session := newFakeMuxSession()
		go func() {
			authStream := <-session.opened
			gatewayAuthenticate(t, authStream, id, false)
			authStream.Close()
		}()
		return session, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx) }()

	select {
	case <-attempts:
	case <-time.After(2 * time.Second):
		t.Fatal("first connect attempt never started")
	}

	clk.WaitForTimers(1)
	clk.Advance(backoffCap)

	select {
	case <-attempts:
	case <-time.After(2 * time.Second):
		t.Fatal("second connect attempt never started after backoff")
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after ctx cancellation")
	}
}

func TestSupervisor_SwitchToNewConnection_ReconnectsWithoutBackoff(t *testing.T) {
	id := newTestIdentity(t)

	attempts := make(chan struct{}, 8)
	clk := clock.Fake(time.Unix(0, 0))

	var once sync.Once
	sup := New(Config{
		Identity:   id,
		Whitelist:  addrmatch.Whitelist{},
		MaxStreams: 4,
		Clock:      clk,
		Logger:     testLogger(),
	})
	sup.cfg.dial = func(ctx context.Context, endpoint transport.Endpoint) (net.Conn, error) {
		local, _ := net.Pipe()
		attempts <- struct{}{}
		return local, nil
	}
	sup.cfg.wrapTLS = func(ctx context.Context, conn net.Conn, endpoint transport.Endpoint, trustPEM []byte) (net.Conn, error) {
		return conn, nil
	}
	sup.cfg.newMultiplexer = func(conn net.Conn, logger *slog.Logger) (muxSession, error) {
		session := newFakeMuxSession()
		go func() {
			authStream := <-session.opened
			gatewayAuthenticate(t, authStream, id, true)
			authStream.Close()

			agentControlStream, testControlStream := net.Pipe()
			session.offered <- agentControlStream

			// Only the first episode's control stream asks to switch;
			// a second connect attempt means the reconnect worked.
			once.Do(func() {
				go func() {
					testControlStream.SetDeadline(time.Now().Add(2 * time.Second))
					wire.WriteEnvelope(testControlStream, wire.KindSwitchToNewConnection, wire.SwitchToNewConnection{})
					wire.ReadEnvelope(testControlStream) // SwitchingConnection ack
				}()
			})
		}()
		return session, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx) }()

	select {
	case <-attempts:
	case <-time.After(2 * time.Second):
		t.Fatal("first connect attempt never started")
	}

	select {
	case <-attempts:
	case <-time.After(2 * time.Second):
		t.Fatal("second connect attempt never started after SwitchToNewConnection")
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after ctx cancellation")
	}
}

func TestJitter_StaysWithinBounds(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 50; i++ {
		got := jitter(base, 0.20)
		min := time.Duration(float64(base) * 0.8)
		max := time.Duration(float64(base) * 1.2)
		if got < min || got > max {
			t.Fatalf("jitter(%v) = %v, want within [%v, %v]", base, got, min, max)
		}
	}
}
