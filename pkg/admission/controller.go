// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package admission decides whether an accepting host may take on another
// connection, based on its CPU load and its amount of open connections.
//
// An overloaded host is throttled by sleeping: a CPU overload results in a
// jittered sleep proportional to the measured load, a remaining overload in an
// additional sleep based on the network timeout. Both grow with the step of
// the caller's retry loop. Hosts which never accept connections are never
// throttled.
package admission

import (
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// minimalSleep is the floor of the sleep applied while still overloaded.
const minimalSleep = 100 * time.Millisecond

// Counters reports the process-wide amount of open connections. The Controller
// only reads these values.
type Counters interface {
	// PhysicalConnections is the amount of open physical connections.
	PhysicalConnections() int

	// LogicalSessions is the amount of open logical sessions.
	LogicalSessions() int
}

// Config of a Controller.
type Config struct {
	// Acceptor must be true for hosts accepting connections. Otherwise the
	// Controller never throttles.
	Acceptor bool

	// CPULimit enables the CPU constraint for values within (0, 1).
	CPULimit float64

	// ChannelLimit enables the connection count constraint for positive values.
	ChannelLimit int

	// NetworkTimeout is the connect timeout. A CPU sample is reused for half of it.
	NetworkTimeout time.Duration

	// BaseDelay scales the load-proportional sleep of a CPU overload.
	BaseDelay time.Duration
}

// DefaultConfig returns a Config without any enabled constraint.
func DefaultConfig() Config {
	return Config{
		Acceptor:       false,
		CPULimit:       0,
		ChannelLimit:   0,
		NetworkTimeout: 30 * time.Second,
		BaseDelay:      500 * time.Millisecond,
	}
}

func (conf Config) cpuEnabled() bool {
	return conf.CPULimit > 0 && conf.CPULimit < 1
}

func (conf Config) channelEnabled() bool {
	return conf.ChannelLimit > 0
}

// Controller implements the admission control. It is safe for concurrent use.
type Controller struct {
	config   Config
	sampler  LoadSampler
	counters Counters

	// mutex protects the cached sample and the random source.
	mutex      sync.Mutex
	lastSample float64
	lastTime   time.Time
	rng        *rand.Rand

	// sleep and now might be replaced for testing purpose.
	sleep func(time.Duration)
	now   func() time.Time
}

// NewController for the given Config, LoadSampler and Counters. Both sampler and
// counters might be nil, disabling the respective constraint.
func NewController(config Config, sampler LoadSampler, counters Counters) *Controller {
	if sampler == nil {
		sampler = UnsupportedSampler{}
	}

	return &Controller{
		config:   config,
		sampler:  sampler,
		counters: counters,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    time.Sleep,
		now:      time.Now,
	}
}

func (c *Controller) log() *log.Entry {
	return log.WithFields(log.Fields{
		"cpu_limit":     c.config.CPULimit,
		"channel_limit": c.config.ChannelLimit,
	})
}

// SetSleep replaces the function used for throttling, time.Sleep by default.
func (c *Controller) SetSleep(sleep func(time.Duration)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.sleep = sleep
}

func (c *Controller) doSleep(d time.Duration) {
	c.mutex.Lock()
	sleep := c.sleep
	c.mutex.Unlock()

	sleep(d)
}

// Config returns the Controller's Config.
func (c *Controller) Config() Config {
	return c.config
}

// cpuLoad returns the current CPU load, reusing the last sample if it was taken
// within half of the network timeout.
func (c *Controller) cpuLoad() float64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	if !c.lastTime.IsZero() && now.Sub(c.lastTime) < c.config.NetworkTimeout/2 {
		return c.lastSample
	}

	load, err := c.sampler.Load()
	if err != nil {
		c.log().WithError(err).Debug("Sampling the CPU load failed, assuming an idle CPU")
		load = 0
	}

	c.lastSample = load
	c.lastTime = now
	return load
}

// LastSample returns the cached CPU sample and the time it was taken.
func (c *Controller) LastSample() (load float64, at time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.lastSample, c.lastTime
}

func (c *Controller) cpuOverloaded() (load float64, overloaded bool) {
	if !c.config.cpuEnabled() {
		return
	}

	load = c.cpuLoad()
	overloaded = load > c.config.CPULimit
	return
}

func (c *Controller) channelsOverloaded() bool {
	if !c.config.channelEnabled() || c.counters == nil {
		return false
	}

	return c.counters.PhysicalConnections() >= c.config.ChannelLimit ||
		c.counters.LogicalSessions() >= c.config.ChannelLimit
}

// Overloaded checks both constraints without sleeping. Hosts which are not
// accepting are never overloaded.
func (c *Controller) Overloaded() bool {
	if !c.config.Acceptor {
		return false
	}

	_, cpuOverload := c.cpuOverloaded()
	return cpuOverload || c.channelsOverloaded()
}

func (c *Controller) random() float64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.rng.Float64()
}

// baseSleep is a random fraction, up to a tenth, of the network timeout on top
// of a fixed floor.
func (c *Controller) baseSleep() time.Duration {
	return minimalSleep + time.Duration(c.random()*float64(c.config.NetworkTimeout)/10)
}

// SleepIfOverloaded blocks if this host is overloaded and reports whether it did
// so. The step is the zero-based attempt of the caller's retry loop and
// lengthens the sleep. Hosts which are not accepting return false immediately.
func (c *Controller) SleepIfOverloaded(step int) bool {
	if !c.config.Acceptor {
		return false
	}
	if step < 0 {
		step = 0
	}

	load, cpuOverload := c.cpuOverloaded()
	channelOverload := c.channelsOverloaded()
	if !cpuOverload && !channelOverload {
		return false
	}

	logger := c.log().WithFields(log.Fields{
		"step":             step,
		"cpu_load":         load,
		"cpu_overload":     cpuOverload,
		"channel_overload": channelOverload,
	})

	if cpuOverload {
		delay := time.Duration(load * float64(c.config.BaseDelay) * float64(step+1) * c.random())
		logger.WithField("delay", delay).Debug("CPU overloaded, sleeping")
		c.doSleep(delay)
	}

	if _, stillCPU := c.cpuOverloaded(); stillCPU || c.channelsOverloaded() {
		delay := c.baseSleep() * time.Duration(step+1)
		logger.WithField("delay", delay).Info("Host overloaded, delaying admission")
		c.doSleep(delay)
	}

	return true
}
