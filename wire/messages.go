// Copyright 2026 The Cluvio Agent Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "fmt"

// Kind discriminates an Envelope's Payload. Values are stable wire
// tags; do not renumber or rename once shipped.
type Kind string

const (
	KindOpenStream            Kind = "open_stream"
	KindOpened                Kind = "opened"
	KindFailed                Kind = "failed"
	KindPing                  Kind = "ping"
	KindPong                  Kind = "pong"
	KindChallenge             Kind = "challenge"
	KindResponse              Kind = "response"
	KindHello                 Kind = "hello"
	KindOk                    Kind = "ok"
	KindDenied                Kind = "denied"
	KindTest                  Kind = "test"
	KindTestResult            Kind = "test_result"
	KindSwitchToNewConnection Kind = "switch_to_new_connection"
	KindSwitchingConnection   Kind = "switching_connection"
)

// Envelope is the outer shape of every frame on the control stream: a
// Kind tag plus a raw CBOR payload decoded into the matching typed
// struct once Kind is known. Every Kind the agent can receive on the
// control stream (KindPing, KindOpenStream, KindTest,
// KindSwitchToNewConnection) is a request the agent must answer;
// there is no tolerated "fire and forget" event class, so any other
// Kind reaching the control loop is a ProtocolError.
type Envelope struct {
	Kind    Kind       `cbor:"kind"`
	Payload RawMessage `cbor:"payload"`
}

// Encode builds an Envelope wrapping a typed payload.
func Encode(kind Kind, payload any) (Envelope, error) {
	raw, err := Marshal(payload)
	if err != nil {
		return Envelope{}, &ProtocolError{Op: fmt.Sprintf("encode %s payload", kind), Err: err}
	}
	return Envelope{Kind: kind, Payload: raw}, nil
}

// Decode unmarshals e's payload into v, which must match the shape
// implied by e.Kind.
func (e Envelope) Decode(v any) error {
	if err := Unmarshal(e.Payload, v); err != nil {
		return &ProtocolError{Op: fmt.Sprintf("decode %s payload", e.Kind), Err: err}
	}
	return nil
}

// Address is a gateway-supplied upstream endpoint: either a literal IP
// or a DNS name, plus a port. Carried as plain strings on the wire;
// agent/addrmatch.ParseAddress interprets Host.
type Address struct {
	Host string `cbor:"host"`
	Port uint16 `cbor:"port"`
}

func (a Address) String() string { return fmt.Sprintf("%s:%d", a.Host, a.Port) }

// OpenFailure is the closed set of reasons an OpenStream request can
// be refused.
type OpenFailure string

const (
	OpenFailureNotAllowed    OpenFailure = "not_allowed"
	OpenFailureResolveFailed OpenFailure = "resolve_failed"
	OpenFailureConnectFailed OpenFailure = "connect_failed"
	OpenFailureTimeout       OpenFailure = "timeout"
	OpenFailureInternal      OpenFailure = "internal"
)

// OpenStream is the gateway's request to open a new forwarded stream
// to addr. DeadlineMs bounds how long the agent may spend resolving
// and connecting before replying Failed{Timeout}.
type OpenStream struct {
	ID         uint32  `cbor:"id"`
	Addr       Address `cbor:"addr"`
	DeadlineMs uint32  `cbor:"deadline_ms"`
}

// Opened acknowledges that the stream identified by ID is connected
// and forwarding may begin.
type Opened struct {
	ID uint32 `cbor:"id"`
}

// Failed reports that the stream identified by ID could not be
// opened, and why.
type Failed struct {
	ID     uint32      `cbor:"id"`
	Reason OpenFailure `cbor:"reason"`
}

// Ping is a liveness probe carrying an opaque nonce the peer must echo
// back in a matching Pong.
type Ping struct {
	Nonce uint64 `cbor:"nonce"`
}

// Pong answers a Ping with the same nonce.
type Pong struct {
	Nonce uint64 `cbor:"nonce"`
}

// Challenge is the gateway's sealed-box challenge sent to open the
// authentication handshake. Sealed is the output of
// sealedbox.Seal(agentPublicKey, randomNonce).
type Challenge struct {
	Sealed []byte `cbor:"sealed"`
}

// Response answers a Challenge with the plaintext the agent recovered
// via sealedbox.Unseal, proving possession of the matching secret key.
type Response struct {
	Plaintext []byte `cbor:"plaintext"`
}

// Ok confirms the gateway accepted the authentication Response.
type Ok struct{}

// Denied reports that authentication failed; the connection is
// fatal-for-session and the supervisor reconnects with backoff.
type Denied struct {
	Reason string `cbor:"reason,omitempty"`
}

// Hello is the agent's first message on the auth stream, sent before
// the gateway's Challenge. It announces the agent's public key (so a
// gateway fronting many agents knows which identity to challenge) and
// the agent's software version, for compatibility logging.
type Hello struct {
	PublicKey    []byte `cbor:"public_key"`
	AgentVersion string `cbor:"agent_version"`
}

// TestRequest asks the agent to probe reachability of Addr without
// opening a forwarded stream for it, e.g. before the gateway commits
// to routing real traffic there.
type TestRequest struct {
	ID   uint32  `cbor:"id"`
	Addr Address `cbor:"addr"`
}

// TestResult answers a TestRequest. Reason is empty when the address
// was reachable, or one of OpenFailure's values otherwise.
type TestResult struct {
	ID     uint32      `cbor:"id"`
	Reason OpenFailure `cbor:"reason,omitempty"`
}

// SwitchToNewConnection asks the agent to establish a fresh gateway
// connection and retire the current one, rather than waiting for it
// to fail on its own. Sent ahead of planned gateway maintenance.
type SwitchToNewConnection struct{}

// SwitchingConnection acknowledges a SwitchToNewConnection request.
type SwitchingConnection struct{}
