// Copyright 2026 The Cluvio Agent Authors
// SPDX-License-Identifier: Apache-2.0

// Package wiretest provides a minimal mock gateway speaking the
// agent's wire protocol, for integration-style tests across
// agent/supervisor, agent/control, and agent/forward that would
// otherwise each need to hand-roll the same auth handshake and
// control-loop scaffolding. It is test-only: nothing here ships in
// the production binary. Grounded on the teacher's integration/
// convention of one shared helper package backing many _test.go files
// spread across the repo.
package wiretest

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/cluvio/agent/identity"
	"github.com/cluvio/agent/sealedbox"
	"github.com/cluvio/agent/wire"
)

// stepTimeout bounds every read/write the mock gateway performs, so a
// misbehaving agent under test fails the test instead of hanging it.
const stepTimeout = 5 * time.Second

// Gateway is the server side of one agent connection: a yamux session
// over an already-established transport (a net.Pipe in unit tests, a
// loopback TCP connection with a fake or real TLS layer in broader
// ones), plus the auth and control-stream helpers scripted tests
// drive.
type Gateway struct {
	session *yamux.Session
}

// Accept wraps conn (the gateway's end of the agent's connection) in a
// server-mode yamux session. Mirrors transport.NewMultiplexer's
// client-mode counterpart.
func Accept(conn io.ReadWriteCloser) (*Gateway, error) {
	config := yamux.DefaultConfig()
	session, err := yamux.Server(conn, config)
	if err != nil {
		return nil, fmt.Errorf("wiretest: start yamux server session: %w", err)
	}
	return &Gateway{session: session}, nil
}

// Close tears down the underlying session.
func (g *Gateway) Close() error { return g.session.Close() }

// Authenticate accepts the agent-opened auth stream, seals challenge
// to id's public key, and verifies the echoed plaintext. It replies Ok
// when allow is true, Denied otherwise, and returns the stream's error
// (if any) so callers can assert on a misbehaving agent.
func (g *Gateway) Authenticate(id *identity.Identity, challenge []byte, allow bool) error {
	stream, err := g.session.AcceptStream()
	if err != nil {
		return fmt.Errorf("wiretest: accept auth stream: %w", err)
	}
	defer stream.Close()

	helloEnv, err := g.readEnvelope(stream)
	if err != nil {
		return fmt.Errorf("wiretest: read hello: %w", err)
	}
	var hello wire.Hello
	if err := helloEnv.Decode(&hello); err != nil {
		return fmt.Errorf("wiretest: decode hello: %w", err)
	}

	sealed, err := sealedbox.Seal(id.PublicKey(), challenge)
	if err != nil {
		return fmt.Errorf("wiretest: seal challenge: %w", err)
	}

	if err := g.writeEnvelope(stream, wire.KindChallenge, wire.Challenge{Sealed: sealed}); err != nil {
		return err
	}

	env, err := g.readEnvelope(stream)
	if err != nil {
		return err
	}
	var resp wire.Response
	if err := env.Decode(&resp); err != nil {
		return fmt.Errorf("wiretest: decode response: %w", err)
	}
	if string(resp.Plaintext) != string(challenge) {
		allow = false
	}

	if allow {
		return g.writeEnvelope(stream, wire.KindOk, wire.Ok{})
	}
	return g.writeEnvelope(stream, wire.KindDenied, wire.Denied{Reason: "wiretest: denied"})
}

// OpenControlStream opens the long-lived control stream, as the real
// gateway does once authentication succeeds.
func (g *Gateway) OpenControlStream() (net.Conn, error) {
	stream, err := g.session.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("wiretest: open control stream: %w", err)
	}
	return stream, nil
}

// Ping sends a Ping on control and returns the matching Pong.
func (g *Gateway) Ping(control net.Conn, nonce uint64) (wire.Pong, error) {
	if err := g.writeEnvelope(control, wire.KindPing, wire.Ping{Nonce: nonce}); err != nil {
		return wire.Pong{}, err
	}
	env, err := g.readEnvelope(control)
	if err != nil {
		return wire.Pong{}, err
	}
	var pong wire.Pong
	if env.Kind != wire.KindPong {
		return wire.Pong{}, fmt.Errorf("wiretest: expected Pong, got %q", env.Kind)
	}
	if err := env.Decode(&pong); err != nil {
		return wire.Pong{}, fmt.Errorf("wiretest: decode pong: %w", err)
	}
	return pong, nil
}

// OpenStream sends an OpenStream request on control and returns the
// agent's reply envelope, decoded by the caller as either Opened or
// Failed depending on Kind.
func (g *Gateway) OpenStream(control net.Conn, req wire.OpenStream) (wire.Envelope, error) {
	if err := g.writeEnvelope(control, wire.KindOpenStream, req); err != nil {
		return wire.Envelope{}, err
	}
	return g.readEnvelope(control)
}

// AcceptForwardedStream blocks for the multiplexer stream the agent
// opens in response to a successful OpenStream request.
func (g *Gateway) AcceptForwardedStream() (net.Conn, error) {
	stream, err := g.session.AcceptStream()
	if err != nil {
		return nil, fmt.Errorf("wiretest: accept forwarded stream: %w", err)
	}
	return stream, nil
}

func (g *Gateway) writeEnvelope(conn net.Conn, kind wire.Kind, payload any) error {
	conn.SetWriteDeadline(time.Now().Add(stepTimeout))
	return wire.WriteEnvelope(conn, kind, payload)
}

func (g *Gateway) readEnvelope(conn net.Conn) (wire.Envelope, error) {
	conn.SetReadDeadline(time.Now().Add(stepTimeout))
	return wire.ReadEnvelope(conn)
}
