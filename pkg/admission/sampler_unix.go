// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build unix

package admission

import (
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// NativeSampler measures this process' CPU load based on getrusage(2). The load
// is the consumed user and system CPU time since the previous sample, relative
// to the elapsed wall time on all available CPUs.
type NativeSampler struct {
	mutex sync.Mutex

	lastWall time.Time
	lastCPU  time.Duration
	cpus     int
}

func newNativeSampler() LoadSampler {
	sampler := &NativeSampler{cpus: runtime.NumCPU()}
	if cpu, err := processCPUTime(); err == nil {
		sampler.lastWall = time.Now()
		sampler.lastCPU = cpu
	}
	return sampler
}

func processCPUTime() (time.Duration, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, err
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano()), nil
}

// Load returns the CPU load since the previous call.
func (sampler *NativeSampler) Load() (float64, error) {
	sampler.mutex.Lock()
	defer sampler.mutex.Unlock()

	cpu, err := processCPUTime()
	if err != nil {
		return 0, err
	}
	now := time.Now()

	wall := now.Sub(sampler.lastWall)
	used := cpu - sampler.lastCPU
	firstSample := sampler.lastWall.IsZero()

	sampler.lastWall = now
	sampler.lastCPU = cpu

	if firstSample || wall <= 0 {
		return 0, nil
	}
	return clampLoad(float64(used) / (float64(wall) * float64(sampler.cpus))), nil
}

func (*NativeSampler) String() string {
	return "native"
}
