// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/cboring"

	"github.com/mftnet/mftnet-go/pkg/transport"
)

// Announcement of one of a host's acceptors.
type Announcement struct {
	HostID string
	Scheme string
	Port   uint
	Path   string
}

// Address of the announced acceptor for the host's network address.
func (announcement Announcement) Address(host string) string {
	return fmt.Sprintf("%s://%s:%d%s", announcement.Scheme, host, announcement.Port, announcement.Path)
}

// UnmarshalAnnouncements creates a new array of Announcement based on a CBOR byte string.
func UnmarshalAnnouncements(data []byte) (announcements []Announcement, err error) {
	buff := bytes.NewBuffer(data)

	if l, cErr := cboring.ReadArrayLength(buff); cErr != nil {
		err = cErr
		return
	} else if l > 16 {
		err = fmt.Errorf("too many announcements: %d", l)
		return
	} else {
		announcements = make([]Announcement, l)
	}

	for i := 0; i < len(announcements); i++ {
		if cErr := cboring.Unmarshal(&announcements[i], buff); cErr != nil {
			err = fmt.Errorf("unmarshalling Announcement %d failed: %w", i, cErr)
			return
		}
	}

	return
}

// MarshalAnnouncements into a CBOR byte string.
func MarshalAnnouncements(announcements []Announcement) (data []byte, err error) {
	buff := new(bytes.Buffer)

	if cErr := cboring.WriteArrayLength(uint64(len(announcements)), buff); cErr != nil {
		err = cErr
		return
	}

	for i := range announcements {
		announcement := announcements[i]
		if cErr := cboring.Marshal(&announcement, buff); cErr != nil {
			err = fmt.Errorf("marshalling Announcement %d (%v) failed: %w", i, announcement, cErr)
			return
		}
	}

	data = buff.Bytes()
	return
}

// MarshalCbor creates a CBOR representation for an Announcement.
func (announcement *Announcement) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(4, w); err != nil {
		return err
	}

	if err := cboring.WriteTextString(announcement.HostID, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(announcement.Scheme, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(announcement.Port), w); err != nil {
		return err
	}
	return cboring.WriteTextString(announcement.Path, w)
}

// UnmarshalCbor creates an Announcement from its CBOR representation.
func (announcement *Announcement) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 4 {
		return fmt.Errorf("wrong array length: %d instead of 4", l)
	}

	if id, err := cboring.ReadTextString(r); err != nil {
		return err
	} else {
		announcement.HostID = id
	}

	if scheme, err := cboring.ReadTextString(r); err != nil {
		return err
	} else if scheme != transport.SchemeTCP && scheme != transport.SchemeWebSocket && scheme != transport.SchemeQUIC {
		return fmt.Errorf("%w: %q", transport.ErrUnknownScheme, scheme)
	} else {
		announcement.Scheme = scheme
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else if n == 0 || n > 0xFFFF {
		return fmt.Errorf("invalid port %d", n)
	} else {
		announcement.Port = uint(n)
	}

	if path, err := cboring.ReadTextString(r); err != nil {
		return err
	} else {
		announcement.Path = path
	}

	return nil
}

func (announcement Announcement) String() string {
	return fmt.Sprintf("Announcement(%s,%s,%d%s)", announcement.HostID, announcement.Scheme, announcement.Port, announcement.Path)
}
