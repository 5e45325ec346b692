// Copyright 2026 The Cluvio Agent Authors
// SPDX-License-Identifier: Apache-2.0

// Package agenterr classifies errors raised anywhere in the agent as
// either fatal for the process or fatal only for the current session.
// The typed errors themselves live beside the package that raises them
// (config.ConfigError, sealedbox.CryptoError, wire.ProtocolError,
// auth.ErrAuthDenied); this package holds only the shared
// classification the supervisor needs to decide whether to reconnect
// or exit.
package agenterr

import "errors"

// fatalForProcess is implemented by error types that should terminate
// the agent rather than trigger a reconnect. config.ConfigError is the
// only such type today: a malformed config file cannot be fixed by
// retrying the gateway connection.
type fatalForProcess interface {
	FatalForProcess() bool
}

// FatalFor reports whether err should end the process (true) or is
// merely fatal for the current gateway session and should trigger the
// supervisor's reconnect-with-backoff path (false). Errors that don't
// implement fatalForProcess are treated as session-fatal, matching
// spec.md §7's default: everything reconnects except configuration
// problems, which can never resolve themselves without operator
// intervention.
func FatalFor(err error) bool {
	var classified fatalForProcess
	if errors.As(err, &classified) {
		return classified.FatalForProcess()
	}
	return false
}
