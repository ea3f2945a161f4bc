// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// PacketCode is the one-octet type of an Envelope's payload.
type PacketCode uint8

const (
	// Startup opens a new session. The initiator sends it with NoChannel as the
	// receiver id; the acceptor echoes it carrying both ids.
	Startup PacketCode = 0x01

	// Authent carries the initiator's host id and hashed credential.
	Authent PacketCode = 0x02

	// Valid is the acceptor's positive answer to an Authent.
	Valid PacketCode = 0x03

	// ConnectionError rejects a session or, as a connection-level packet, the
	// whole physical connection.
	ConnectionError PacketCode = 0x04

	// Shutdown signals that the sending host tears down this physical connection.
	Shutdown PacketCode = 0x05

	// KeepAlive is a connection-level no-op.
	KeepAlive PacketCode = 0x06

	// Data is an application packet, handed to the session layer unchanged.
	Data PacketCode = 0x07

	// Close ends one session.
	Close PacketCode = 0x08
)

func (pc PacketCode) String() string {
	switch pc {
	case Startup:
		return "STARTUP"
	case Authent:
		return "AUTHENT"
	case Valid:
		return "VALID"
	case ConnectionError:
		return "CONNECTION_ERROR"
	case Shutdown:
		return "SHUTDOWN"
	case KeepAlive:
		return "KEEPALIVE"
	case Data:
		return "DATA"
	case Close:
		return "CLOSE"
	default:
		return "INVALID"
	}
}

// IsValid checks if this PacketCode represents a known value.
func (pc PacketCode) IsValid() bool {
	return pc.String() != "INVALID"
}

// Encode a CBOR packet body into a byte slice to be used as an Envelope's payload.
func Encode(body cboring.CborMarshaler) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := cboring.Marshal(body, buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode an Envelope's payload into a CBOR packet body.
func Decode(payload []byte, body cboring.CborMarshaler) error {
	if err := cboring.Unmarshal(body, bytes.NewBuffer(payload)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func readArrayHeader(r io.Reader, name string, expected uint64) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != expected {
		return fmt.Errorf("%s: wrong array length %d instead of %d", name, l, expected)
	}
	return nil
}

// AuthentPacket authenticates the initiating host on a new session.
type AuthentPacket struct {
	HostID  string
	KeyHash []byte
	LocalID int32
}

func (ap AuthentPacket) String() string {
	return fmt.Sprintf("AUTHENT(host=%s, local=%s)", ap.HostID, idString(ap.LocalID))
}

// MarshalCbor writes the CBOR representation of an AuthentPacket.
func (ap *AuthentPacket) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(3, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(ap.HostID, w); err != nil {
		return err
	}
	if err := cboring.WriteByteString(ap.KeyHash, w); err != nil {
		return err
	}
	return cboring.WriteUInt(uint64(uint32(ap.LocalID)), w)
}

// UnmarshalCbor reads an AuthentPacket from its CBOR representation.
func (ap *AuthentPacket) UnmarshalCbor(r io.Reader) (err error) {
	if err = readArrayHeader(r, "AUTHENT", 3); err != nil {
		return
	}
	if ap.HostID, err = cboring.ReadTextString(r); err != nil {
		return
	}
	if ap.KeyHash, err = cboring.ReadByteString(r); err != nil {
		return
	}

	n, err := cboring.ReadUInt(r)
	if err != nil {
		return
	} else if n > 0xFFFFFFFF {
		return fmt.Errorf("AUTHENT: local id %d overflows", n)
	}
	ap.LocalID = int32(uint32(n))
	return
}

// ValidPacket answers a successful AuthentPacket, identifying the acceptor.
type ValidPacket struct {
	HostID  string
	KeyHash []byte
}

func (vp ValidPacket) String() string {
	return fmt.Sprintf("VALID(host=%s)", vp.HostID)
}

// MarshalCbor writes the CBOR representation of a ValidPacket.
func (vp *ValidPacket) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(vp.HostID, w); err != nil {
		return err
	}
	return cboring.WriteByteString(vp.KeyHash, w)
}

// UnmarshalCbor reads a ValidPacket from its CBOR representation.
func (vp *ValidPacket) UnmarshalCbor(r io.Reader) (err error) {
	if err = readArrayHeader(r, "VALID", 2); err != nil {
		return
	}
	if vp.HostID, err = cboring.ReadTextString(r); err != nil {
		return
	}
	vp.KeyHash, err = cboring.ReadByteString(r)
	return
}

// ConnectionErrorPacket rejects a session or a whole physical connection. Code
// is a result code as understood by both peers.
type ConnectionErrorPacket struct {
	Code    uint8
	Message string
}

func (cep ConnectionErrorPacket) String() string {
	return fmt.Sprintf("CONNECTION_ERROR(code=%d, message=%q)", cep.Code, cep.Message)
}

// MarshalCbor writes the CBOR representation of a ConnectionErrorPacket.
func (cep *ConnectionErrorPacket) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(cep.Code), w); err != nil {
		return err
	}
	return cboring.WriteTextString(cep.Message, w)
}

// UnmarshalCbor reads a ConnectionErrorPacket from its CBOR representation.
func (cep *ConnectionErrorPacket) UnmarshalCbor(r io.Reader) error {
	if err := readArrayHeader(r, "CONNECTION_ERROR", 2); err != nil {
		return err
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else if n > 0xFF {
		return fmt.Errorf("CONNECTION_ERROR: code %d overflows", n)
	} else {
		cep.Code = uint8(n)
	}

	msg, err := cboring.ReadTextString(r)
	cep.Message = msg
	return err
}

// ShutdownPacket announces the teardown of a physical connection.
type ShutdownPacket struct {
	Code uint8
}

// MarshalCbor writes the CBOR representation of a ShutdownPacket.
func (sp *ShutdownPacket) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(1, w); err != nil {
		return err
	}
	return cboring.WriteUInt(uint64(sp.Code), w)
}

// UnmarshalCbor reads a ShutdownPacket from its CBOR representation.
func (sp *ShutdownPacket) UnmarshalCbor(r io.Reader) error {
	if err := readArrayHeader(r, "SHUTDOWN", 1); err != nil {
		return err
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else if n > 0xFF {
		return fmt.Errorf("SHUTDOWN: code %d overflows", n)
	} else {
		sp.Code = uint8(n)
	}
	return nil
}
