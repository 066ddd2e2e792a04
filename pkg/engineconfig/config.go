/*
Copyright 2018 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

https://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package engineconfig loads the per-engine configuration record used
// instead of any process-wide global state. It covers the environment
// surface the engine honours -- working directory, log directory, cycle
// period, abort-on-exception, and the selected scheduler name -- as a
// YAML document parsed with gopkg.in/yaml.v2.
package engineconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// SchedulerName names one of the schedulers package kernel ships.
type SchedulerName string

const (
	SchedulerBasic    SchedulerName = "basic"
	SchedulerTemporal SchedulerName = "temporal"
)

// EngineConfig is the engine's configuration record. The zero
// value is not valid; use Default() or Load() and then Validate().
type EngineConfig struct {
	// WorkingDir is the directory action definitions and their generated
	// code resolve relative paths against.
	WorkingDir string `yaml:"working_dir"`
	// LogDir is where the event logger (package eventlog) writes its
	// append-only binary log files.
	LogDir string `yaml:"log_dir"`
	// CyclePeriodSeconds is the kernel's target period between cycles, as
	// a float ("a cycle period (seconds, float)").
	CyclePeriodSeconds float64 `yaml:"cycle_period_seconds"`
	// AbortOnException makes the engine request its shutdown sequence when
	// an exception escalates all the way to the plan. Without it such an
	// exception is only logged, recorded and passed to the exception
	// callback; the plan's missions are not stopped.
	AbortOnException bool `yaml:"abort_on_exception"`
	// Scheduler selects the active scheduler by name.
	Scheduler SchedulerName `yaml:"scheduler"`
	// MetricsAddr, if non-empty, is the net/http listen address the
	// Prometheus metrics handler is served on.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the configuration the kernel uses when no file is given:
// a 100ms cycle, the basic scheduler, non-aborting exception
// handling, and no metrics endpoint.
func Default() EngineConfig {
	return EngineConfig{
		WorkingDir:         ".",
		LogDir:             "./log",
		CyclePeriodSeconds: 0.1,
		AbortOnException:   false,
		Scheduler:          SchedulerBasic,
	}
}

// Load reads a YAML document from path and overlays it onto Default().
func Load(path string) (EngineConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, fmt.Errorf("engineconfig: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("engineconfig: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return EngineConfig{}, fmt.Errorf("engineconfig: %s: %w", path, err)
	}
	return cfg, nil
}

// CyclePeriod returns CyclePeriodSeconds as a time.Duration.
func (c EngineConfig) CyclePeriod() time.Duration {
	return time.Duration(c.CyclePeriodSeconds * float64(time.Second))
}

// Validate reports whether c is usable to construct an engine.
func (c EngineConfig) Validate() error {
	if c.CyclePeriodSeconds <= 0 {
		return fmt.Errorf("cycle_period_seconds must be positive, got %v", c.CyclePeriodSeconds)
	}
	switch c.Scheduler {
	case SchedulerBasic, SchedulerTemporal:
	default:
		return fmt.Errorf("unknown scheduler %q", c.Scheduler)
	}
	if c.WorkingDir == "" {
		return fmt.Errorf("working_dir must be set")
	}
	if c.LogDir == "" {
		return fmt.Errorf("log_dir must be set")
	}
	return nil
}
