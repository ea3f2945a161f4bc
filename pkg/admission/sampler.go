// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package admission

import (
	"fmt"
	"strings"
)

// LoadSampler measures the current CPU load as a fraction between 0 and 1.
type LoadSampler interface {
	Load() (float64, error)
}

// UnsupportedSampler is the LoadSampler for platforms or setups without CPU
// measurement. It always reports an idle CPU.
type UnsupportedSampler struct{}

// Load always returns zero.
func (UnsupportedSampler) Load() (float64, error) {
	return 0, nil
}

func (UnsupportedSampler) String() string {
	return "unsupported"
}

// NewSampler selects a LoadSampler by its configuration name, "native" or
// "unsupported". An empty name selects the unsupported one.
func NewSampler(name string) (LoadSampler, error) {
	switch strings.ToLower(name) {
	case "", "unsupported", "none":
		return UnsupportedSampler{}, nil
	case "native":
		return newNativeSampler(), nil
	default:
		return nil, fmt.Errorf("unknown load sampler %q", name)
	}
}

func clampLoad(load float64) float64 {
	switch {
	case load < 0:
		return 0
	case load > 1:
		return 1
	default:
		return load
	}
}
