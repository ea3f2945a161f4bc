// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !unix

package admission

import (
	log "github.com/sirupsen/logrus"
)

func newNativeSampler() LoadSampler {
	log.Warn("Native CPU load sampling is not available on this platform, CPU limits are not enforced")
	return UnsupportedSampler{}
}
