// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package wire implements the envelope framing shared by every physical
// connection and the handshake packets carried inside those envelopes.
//
// Each envelope is prefixed by its length and addresses one logical session on
// both peers: the first id is the receiver's session id, the second one the
// sender's. A reader therefore always finds its own id first, which is why an
// Envelope is described from the reader's point of view.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// NoChannel is the reserved session id for "not yet assigned". It appears as the
// receiver id of the first packet of a new session and as both ids of
// connection-level packets.
const NoChannel int32 = math.MinInt32

const (
	// headerSize is the size of both session ids and the packet code.
	headerSize = 4 + 4 + 1

	// MaxEnvelopeSize limits the length field of an incoming envelope.
	MaxEnvelopeSize = 16 << 20
)

// ErrMalformed is returned for envelopes violating the framing.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is one framed packet on a physical connection.
//
// For a received Envelope, LocalID is this side's session id and RemoteID the
// peer's. For an Envelope to be sent, LocalID is the sender's own session id
// and RemoteID the receiver's one; Marshal swaps them onto the wire.
type Envelope struct {
	LocalID  int32
	RemoteID int32
	Code     PacketCode
	Payload  []byte
}

// NewEnvelope creates an outgoing Envelope.
func NewEnvelope(localID, remoteID int32, code PacketCode, payload []byte) Envelope {
	return Envelope{
		LocalID:  localID,
		RemoteID: remoteID,
		Code:     code,
		Payload:  payload,
	}
}

// NewConnectionEnvelope creates an outgoing connection-level Envelope, not bound
// to any session.
func NewConnectionEnvelope(code PacketCode, payload []byte) Envelope {
	return NewEnvelope(NoChannel, NoChannel, code, payload)
}

// IsConnectionLevel reports whether this Envelope addresses the physical
// connection instead of a session.
func (env Envelope) IsConnectionLevel() bool {
	return env.LocalID == NoChannel && env.RemoteID == NoChannel
}

func (env Envelope) String() string {
	return fmt.Sprintf("Envelope(local=%s, remote=%s, code=%v, len=%d)",
		idString(env.LocalID), idString(env.RemoteID), env.Code, len(env.Payload))
}

func idString(id int32) string {
	if id == NoChannel {
		return "NOCHANNEL"
	}
	return fmt.Sprintf("%d", id)
}

// Marshal writes this outgoing Envelope to the Writer.
func (env Envelope) Marshal(w io.Writer) error {
	if len(env.Payload) > MaxEnvelopeSize-headerSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds limit", ErrMalformed, len(env.Payload))
	}

	header := make([]byte, 4+headerSize)
	binary.BigEndian.PutUint32(header[0:4], uint32(headerSize+len(env.Payload)))
	binary.BigEndian.PutUint32(header[4:8], uint32(env.RemoteID))
	binary.BigEndian.PutUint32(header[8:12], uint32(env.LocalID))
	header[12] = uint8(env.Code)

	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(env.Payload) > 0 {
		if _, err := w.Write(env.Payload); err != nil {
			return err
		}
	}
	return nil
}

// Bytes returns the wire representation of this outgoing Envelope.
func (env Envelope) Bytes() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 4+headerSize+len(env.Payload)))
	if err := env.Marshal(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadEnvelope parses the next Envelope from the Reader. io.EOF is returned
// unchanged if the stream ended cleanly between two envelopes. An unknown
// packet code is no error here, the framing stays intact and the receiver
// decides about the session.
func ReadEnvelope(r io.Reader) (env Envelope, err error) {
	var lengthBytes [4]byte
	if _, err = io.ReadFull(r, lengthBytes[:]); err != nil {
		return
	}

	length := binary.BigEndian.Uint32(lengthBytes[:])
	if length < headerSize {
		err = fmt.Errorf("%w: length %d is shorter than the header", ErrMalformed, length)
		return
	} else if length > MaxEnvelopeSize {
		err = fmt.Errorf("%w: length %d exceeds limit %d", ErrMalformed, length, MaxEnvelopeSize)
		return
	}

	data := make([]byte, length)
	if _, err = io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return
	}

	env.LocalID = int32(binary.BigEndian.Uint32(data[0:4]))
	env.RemoteID = int32(binary.BigEndian.Uint32(data[4:8]))
	env.Code = PacketCode(data[8])
	if len(data) > headerSize {
		env.Payload = data[headerSize:]
	}
	return
}

// ParseEnvelope parses exactly one Envelope from a byte slice, e.g., a single
// WebSocket message.
func ParseEnvelope(data []byte) (Envelope, error) {
	r := bytes.NewReader(data)
	env, err := ReadEnvelope(r)
	if err != nil {
		return env, err
	}
	if r.Len() != 0 {
		return env, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, r.Len())
	}
	return env, nil
}
