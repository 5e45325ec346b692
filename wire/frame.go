// Copyright 2026 The Cluvio Agent Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// frameHeaderLength is the size of a frame's length prefix: a 4-byte
// big-endian uint32 giving the length of the CBOR item that follows.
// Unlike the teacher's observe/protocol.go, there is no leading type
// byte in the header — a frame's message kind is carried inside the
// CBOR envelope itself (see Envelope), since the control protocol is a
// tagged union rather than a small fixed set of binary opcodes.
const frameHeaderLength = 4

// MaxFrameSize is the largest CBOR item accepted in a single frame.
// A frame whose declared length exceeds this is fatal for the
// connection.
const MaxFrameSize = 1 << 20 // 1 MiB

// WriteFrame encodes v as CBOR and writes it to w as a single
// length-delimited frame.
func WriteFrame(w io.Writer, v any) error {
	payload, err := Marshal(v)
	if err != nil {
		return &ProtocolError{Op: "encode frame", Err: err}
	}
	if len(payload) > MaxFrameSize {
		return &ProtocolError{Op: "encode frame", Err: fmt.Errorf("payload %d bytes exceeds MaxFrameSize %d", len(payload), MaxFrameSize)}
	}

	var header [frameHeaderLength]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-delimited frame from r and decodes its
// CBOR payload into v. Returns a *ProtocolError if the declared length
// exceeds MaxFrameSize; propagates io.EOF unchanged when the peer
// closes cleanly between frames.
func ReadFrame(r io.Reader, v any) error {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return &ProtocolError{Op: "decode frame", Err: fmt.Errorf("frame length %d exceeds MaxFrameSize %d", length, MaxFrameSize)}
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return fmt.Errorf("wire: read frame payload: %w", err)
		}
	}

	if err := Unmarshal(payload, v); err != nil {
		return &ProtocolError{Op: "decode frame payload", Err: err}
	}
	return nil
}

// WriteEnvelope encodes payload as kind and writes it as a single
// frame.
func WriteEnvelope(w io.Writer, kind Kind, payload any) error {
	env, err := Encode(kind, payload)
	if err != nil {
		return err
	}
	return WriteFrame(w, env)
}

// ReadEnvelope reads one frame and decodes it as an Envelope, leaving
// the caller to switch on Kind and call Decode for the typed payload.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var env Envelope
	if err := ReadFrame(r, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
