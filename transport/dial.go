// Copyright 2026 The Cluvio Agent Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport builds the single outbound connection to the
// gateway: a TCP dial with keepalive tuning, a TLS 1.3 handshake
// restricted to the agent's approved curve and cipher suite, and a
// client-mode yamux session multiplexed over the result.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Endpoint is the gateway address the agent dials and authenticates
// its TLS handshake against.
type Endpoint struct {
	Host string
	Port uint16

	// ServerName overrides the TLS ServerName; defaults to Host when
	// empty.
	ServerName string
}

func (e Endpoint) hostport() string {
	return net.JoinHostPort(e.Host, fmt.Sprintf("%d", e.Port))
}

// perAttemptTimeout bounds a single candidate-address dial attempt.
const perAttemptTimeout = 5 * time.Second

// totalDialTimeout bounds the whole Dial call across every candidate
// address the resolver returns.
const totalDialTimeout = 30 * time.Second

const (
	keepAliveIdle     = 60 * time.Second
	keepAliveInterval = 20 * time.Second
	keepAliveCount    = 4
)

// Dial resolves endpoint's host, tries each resolved address in turn
// under its own perAttemptTimeout, all bounded overall by
// totalDialTimeout, and returns the first successful TCP connection
// with Nagle disabled and keepalive probes configured. Candidates are
// resolved explicitly (rather than left to net.Dialer.DialContext's
// own built-in candidate loop) because net.Dialer.Timeout bounds the
// *entire* multi-candidate dial, not each candidate individually; a
// single Dialer.Timeout of perAttemptTimeout would make
// totalDialTimeout unreachable. Grounded on the teacher's
// transport.TCPDialer.DialContext, generalized from a single address
// to a resolver-driven candidate list since the gateway host may
// resolve to multiple IPs.
func Dial(ctx context.Context, endpoint Endpoint) (*net.TCPConn, error) {
	ctx, cancel := context.WithTimeout(ctx, totalDialTimeout)
	defer cancel()

	host, port := endpoint.Host, fmt.Sprintf("%d", endpoint.Port)

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", host, err)
	}

	var lastErr error
	for _, addr := range addrs {
		tcpConn, err := dialCandidate(ctx, net.JoinHostPort(addr.String(), port))
		if err != nil {
			lastErr = err
			continue
		}
		return tcpConn, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses returned for %s", host)
	}
	return nil, fmt.Errorf("transport: dial %s: %w", endpoint.hostport(), lastErr)
}

// dialCandidate dials a single resolved address, bounded by
// perAttemptTimeout or ctx's own deadline, whichever is sooner.
func dialCandidate(ctx context.Context, hostport string) (*net.TCPConn, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
	defer cancel()

	conn, err := (&net.Dialer{}).DialContext(attemptCtx, "tcp", hostport)
	if err != nil {
		return nil, err
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("dial %s: not a TCP connection", hostport)
	}

	if err := tcpConn.SetNoDelay(true); err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("set TCP_NODELAY: %w", err)
	}

	if err := configureSocket(tcpConn); err != nil {
		tcpConn.Close()
		return nil, err
	}

	return tcpConn, nil
}

// DialUpstream dials hostport (an upstream address the control loop
// validated against the whitelist) under the caller-supplied timeout,
// applying the same TCP_NODELAY and keepalive tuning as the gateway
// connection. Separate from Dial because the upstream timeout is
// per-request (derived from the gateway's deadline_ms, capped at 10s
// by agent/control) rather than the fixed 5s/30s gateway dial budget.
func DialUpstream(ctx context.Context, hostport string, timeout time.Duration) (*net.TCPConn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := &net.Dialer{Timeout: timeout}

	conn, err := dialer.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return nil, err
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("transport: dial %s: not a TCP connection", hostport)
	}

	if err := configureSocket(tcpConn); err != nil {
		tcpConn.Close()
		return nil, err
	}

	return tcpConn, nil
}

func configureSocket(conn *net.TCPConn) error {
	if err := conn.SetNoDelay(true); err != nil {
		return fmt.Errorf("transport: set TCP_NODELAY: %w", err)
	}
	if err := conn.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepAliveIdle,
		Interval: keepAliveInterval,
		Count:    keepAliveCount,
	}); err != nil {
		return fmt.Errorf("transport: configure keepalive: %w", err)
	}
	return nil
}
