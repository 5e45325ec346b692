// Copyright 2026 The Cluvio Agent Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hashicorp/yamux"
)

// muxStreamWindow is the per-stream flow-control window. 256 KiB
// comfortably covers one in-flight upstream TCP socket's worth of
// buffered data without letting a single stalled stream exhaust the
// connection.
const muxStreamWindow = 256 * 1024

// NewMultiplexer wraps conn (normally the *tls.Conn returned by
// WrapTLS) in a client-mode yamux session. The concurrent-stream cap
// named in spec.md is not a yamux setting — yamux itself has no hard
// limit on open streams — so it is enforced by agent/control's
// stream-cap semaphore, held from the upstream dial until forwarding
// ends, not here. Grounded on
// other_examples/idanyas-overthing__client.go's
// yamux.Client(conn, cfg) usage, the only file in the retrieved pack
// that wires this library.
func NewMultiplexer(conn io.ReadWriteCloser, logger *slog.Logger) (*yamux.Session, error) {
	config := yamux.DefaultConfig()
	config.AcceptBacklog = 256
	config.EnableKeepAlive = true
	config.KeepAliveInterval = 30 * time.Second
	config.ConnectionWriteTimeout = 10 * time.Second
	config.MaxStreamWindowSize = muxStreamWindow
	config.LogOutput = slogAdapter{logger: logger}

	if err := yamux.VerifyConfig(config); err != nil {
		return nil, fmt.Errorf("transport: invalid yamux config: %w", err)
	}

	session, err := yamux.Client(conn, config)
	if err != nil {
		return nil, fmt.Errorf("transport: start yamux session: %w", err)
	}
	return session, nil
}

// slogAdapter satisfies yamux's *log.Logger-shaped logging hook by
// routing its output through the agent's structured logger instead of
// a bare stdlib logger, so multiplexer-level warnings (e.g. keepalive
// failures) show up with the same attributes as the rest of the
// agent's logs.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Write(p []byte) (int, error) {
	a.logger.Warn("yamux", "msg", string(p))
	return len(p), nil
}
