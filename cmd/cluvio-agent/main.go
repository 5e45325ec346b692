// Copyright 2026 The Cluvio Agent Authors
// SPDX-License-Identifier: Apache-2.0

// Command cluvio-agent bridges a private upstream network to a remote
// gateway over a single outbound TLS-multiplexed connection. See
// run.go for the actual startup sequence.
package main

import "os"

func main() {
	os.Exit(run(os.Args[1:]))
}
