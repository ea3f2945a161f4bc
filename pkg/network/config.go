// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package network

import (
	"errors"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/mftnet/mftnet-go/pkg/admission"
)

// Config of a Manager.
type Config struct {
	// HostID identifies this host within Authent and Valid packets.
	HostID string

	// Secret is this host's shared secret. Its hash is presented to peers.
	Secret string

	// ConnectTimeout bounds dialing and each handshake step. The shutdown grace
	// period is twice this timeout.
	ConnectTimeout time.Duration

	// RetryDelay is the fixed delay between two connect attempts.
	RetryDelay time.Duration

	// Retries is the amount of connect attempts of ConnectWithRetry.
	Retries int

	// DrainDelay is the pause of CloseAll for in-flight work.
	DrainDelay time.Duration

	// ExitDelay is the time after which a pure client exits after CloseAll.
	// Zero disables the self-exit.
	ExitDelay time.Duration

	// KeepAliveInterval between KeepAlive packets on each physical connection.
	// Zero disables them.
	KeepAliveInterval time.Duration

	// Workers of the background executor.
	Workers int

	// Admission control; its Acceptor flag marks this host as an acceptor.
	Admission admission.Config

	// LoadSampler names the CPU load sampler, "native" or "unsupported".
	LoadSampler string
}

// DefaultConfig for a pure client.
func DefaultConfig() Config {
	adm := admission.DefaultConfig()

	return Config{
		ConnectTimeout:    adm.NetworkTimeout,
		RetryDelay:        time.Second,
		Retries:           3,
		DrainDelay:        100 * time.Millisecond,
		ExitDelay:         10 * time.Second,
		KeepAliveInterval: 0,
		Workers:           4,
		Admission:         adm,
		LoadSampler:       "unsupported",
	}
}

// Validate the Config, reporting all problems at once.
func (conf Config) Validate() (err error) {
	if conf.HostID == "" {
		err = multierror.Append(err, errors.New("host id is missing"))
	}
	if conf.ConnectTimeout <= 0 {
		err = multierror.Append(err, errors.New("connect timeout must be positive"))
	}
	if conf.RetryDelay < 0 {
		err = multierror.Append(err, errors.New("retry delay must not be negative"))
	}
	if conf.Retries < 1 {
		err = multierror.Append(err, errors.New("at least one connect attempt is required"))
	}
	if conf.Admission.CPULimit < 0 || conf.Admission.CPULimit >= 1 {
		if conf.Admission.CPULimit != 0 {
			err = multierror.Append(err, errors.New("CPU limit must be within (0, 1)"))
		}
	}
	if conf.Admission.ChannelLimit < 0 {
		err = multierror.Append(err, errors.New("channel limit must not be negative"))
	}
	if _, samplerErr := admission.NewSampler(conf.LoadSampler); samplerErr != nil {
		err = multierror.Append(err, samplerErr)
	}
	return
}
