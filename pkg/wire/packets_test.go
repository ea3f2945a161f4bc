// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestAuthentPacket(t *testing.T) {
	ap := &AuthentPacket{
		HostID:  "hosta",
		KeyHash: []byte{0xDE, 0xAD, 0xBE, 0xEF},
		LocalID: 4242,
	}

	payload, err := Encode(ap)
	if err != nil {
		t.Fatal(err)
	}

	var parsed AuthentPacket
	if err := Decode(payload, &parsed); err != nil {
		t.Fatal(err)
	}

	if parsed.HostID != ap.HostID || parsed.LocalID != ap.LocalID || !bytes.Equal(parsed.KeyHash, ap.KeyHash) {
		t.Fatalf("expected %v, got %v", ap, parsed)
	}
}

func TestConnectionErrorPacket(t *testing.T) {
	cep := &ConnectionErrorPacket{Code: 5, Message: "server overloaded"}

	payload, err := Encode(cep)
	if err != nil {
		t.Fatal(err)
	}

	var parsed ConnectionErrorPacket
	if err := Decode(payload, &parsed); err != nil {
		t.Fatal(err)
	} else if parsed != *cep {
		t.Fatalf("expected %v, got %v", cep, parsed)
	}
}

func TestPacketDecodeErrors(t *testing.T) {
	valid, err := Encode(&ValidPacket{HostID: "hostb"})
	if err != nil {
		t.Fatal(err)
	}

	// A VALID body is a two element array, an AUTHENT body needs three.
	if err := Decode(valid, &AuthentPacket{}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed error, got %v", err)
	}

	if err := Decode([]byte{0xFF}, &ShutdownPacket{}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestPacketCodes(t *testing.T) {
	for code := PacketCode(0); code < 0x10; code++ {
		valid := code >= Startup && code <= Close
		if code.IsValid() != valid {
			t.Fatalf("code %d: IsValid is %t", code, code.IsValid())
		}
	}
}
