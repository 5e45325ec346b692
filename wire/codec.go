// Copyright 2026 The Cluvio Agent Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the agent's control-plane wire protocol: a
// length-delimited CBOR frame codec plus the typed message envelope
// exchanged over the yamux control stream.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items. Same logical message always
// produces identical bytes, which keeps frame sizes and test fixtures
// stable across encodes.
var encMode cbor.EncMode

// decMode is the CBOR decoder used for all frame payloads.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, used to defer decoding an
// Envelope's Payload until its Kind is known.
type RawMessage = cbor.RawMessage

// ProtocolError reports a malformed frame or an unrecognized request
// Kind. Fatal for the session: the caller tears down the connection
// and lets the supervisor reconnect.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("wire: %s: %v", e.Op, e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }
