// Package config holds Gumdrop's process-wide configuration, loaded once
// and swapped atomically — modeled on the teacher's cmn.Config / cmn.GCO
// (global-config-owner) pattern, pared down to exactly the options
// spec.md §6 recognizes.
/*
 * Copyright (c) 2024, Gumdrop contributors.
 */
package config

import (
	"io"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
)

type (
	SchedulerConf struct {
		PerStreamCapBytes      int64 `json:"per_stream_cap_bytes"`
		BigStreamCapBytes      int64 `json:"big_stream_cap_bytes"`
		StarvationThresholdRnd int   `json:"starvation_threshold_rounds"`
	}

	AsyncConf struct {
		DefaultTimeoutMS int `json:"default_timeout_ms"`
		ExecutorThreads  int `json:"executor_threads"`
	}

	// HousekeepConf holds the shared scheduled executor's tick setting;
	// it is ambient infrastructure, not a spec.md-recognized option, so it
	// lives in its own sub-struct rather than polluting AsyncConf. Tick is
	// loaded and dumped but not read by package hk, which fires each task
	// at its own deadline.
	HousekeepConf struct {
		Tick time.Duration `json:"tick"`
	}

	Config struct {
		Scheduler SchedulerConf `json:"scheduler"`
		Async     AsyncConf     `json:"async"`
		Housekeep HousekeepConf `json:"housekeep"`
	}
)

func Default() *Config {
	return &Config{
		Scheduler: SchedulerConf{
			PerStreamCapBytes:      16 * 1024,
			BigStreamCapBytes:      64 * 1024,
			StarvationThresholdRnd: 32,
		},
		Async: AsyncConf{
			DefaultTimeoutMS: 30_000,
			ExecutorThreads:  2,
		},
		Housekeep: HousekeepConf{
			Tick: 50 * time.Millisecond,
		},
	}
}

// global-config-owner: one atomic pointer, swapped wholesale on reload,
// read with Get() from any goroutine without locking.
type owner struct {
	cur atomic.Pointer[Config]
}

var gco owner

func init() { gco.cur.Store(Default()) }

// Get returns the current process-wide config. Callers must not mutate the
// returned value; Update installs a new one.
func Get() *Config { return gco.cur.Load() }

// Update installs a new config wholesale, matching the teacher's
// "SetGlobalConfig" pattern of a single atomic swap rather than
// field-by-field mutation under a lock.
func Update(c *Config) { gco.cur.Store(c) }

// Load decodes a JSON document into a fresh Config seeded from defaults,
// installs it, and returns it. Uses jsoniter rather than encoding/json,
// matching the teacher's stats/config marshaling convention.
func Load(r io.Reader) (*Config, error) {
	c := Default()
	dec := jsoniter.ConfigCompatibleWithStandardLibrary.NewDecoder(r)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return nil, err
	}
	Update(c)
	return c, nil
}

func Dump(w io.Writer) error {
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(Get())
}
