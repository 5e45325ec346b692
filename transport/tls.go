// Copyright 2026 The Cluvio Agent Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
)

// handshakeTimeout bounds the TLS handshake itself, separate from the
// dial timeout that got the raw TCP connection established.
const handshakeTimeout = totalDialTimeout

// WrapTLS performs the client-side TLS 1.3 handshake over conn. The
// configuration is deliberately narrow: TLS 1.3 only, the agent's
// single approved key-exchange curve, and its single approved cipher
// suite, so there is exactly one handshake shape to reason about in
// the field. If trustPEM is non-empty, RootCAs is built solely from
// it — the system root pool is not consulted. Grounded on
// postalsys-Muti-Metroo/internal/transport/tls.go's
// LoadClientTLSConfig/LoadCAPool shape, adapted to the agent's fixed
// curve/cipher-suite restriction (the teacher leaves those at their
// Go defaults).
func WrapTLS(ctx context.Context, conn net.Conn, endpoint Endpoint, trustPEM []byte) (*tls.Conn, error) {
	serverName := endpoint.ServerName
	if serverName == "" {
		serverName = endpoint.Host
	}

	config := &tls.Config{
		MinVersion:       tls.VersionTLS13,
		MaxVersion:       tls.VersionTLS13,
		CurvePreferences: []tls.CurveID{tls.X25519},
		CipherSuites:     []uint16{tls.TLS_CHACHA20_POLY1305_SHA256},
		ServerName:       serverName,
	}

	if len(trustPEM) > 0 {
		pool, err := LoadTrustBundle(trustPEM)
		if err != nil {
			return nil, err
		}
		config.RootCAs = pool
	}

	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	tlsConn := tls.Client(conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("transport: TLS handshake with %s: %w", serverName, err)
	}

	return tlsConn, nil
}

// LoadTrustBundle parses a PEM-encoded certificate bundle into a root
// pool, rejecting a bundle that yields zero usable certificates.
func LoadTrustBundle(trustPEM []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(trustPEM) {
		return nil, fmt.Errorf("transport: trust bundle contains no usable certificates")
	}
	return pool, nil
}
