// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Precision selects the perf ring-buffer size and the per-counter sample
// periods. Higher precision means smaller overflow periods and a larger ring.
type Precision string

const (
	PrecisionLow    Precision = "low"
	PrecisionNormal Precision = "normal"
	PrecisionHigh   Precision = "high"
)

func (p Precision) Valid() bool {
	switch p {
	case PrecisionLow, PrecisionNormal, PrecisionHigh:
		return true
	}
	return false
}

// Config carries the host paths and sampling parameters shared by the
// topology, registry, sampler and display components.
type Config struct {
	// Path to /proc (useful for containers)
	HostProcPath string
	// Path to /sys (useful for containers)
	HostSysPath string
	// Path to the resctrl mount point used for LLC occupancy / MBM
	HostResctrlPath string

	Precision Precision
	// Interval between automatic refreshes of the current page
	RefreshInterval time.Duration
	// Total run time budget; the display loop exits when it is exceeded
	RunTime time.Duration

	DumpPath   string
	LogPath    string
	DebugLevel int
}

func DefaultConfig() Config {
	return Config{
		HostProcPath:    "/proc",
		HostSysPath:     "/sys",
		HostResctrlPath: "/sys/fs/resctrl",
		Precision:       PrecisionNormal,
		RefreshInterval: 5 * time.Second,
		RunTime:         time.Duration(1<<31) * time.Second,
	}
}

// ApplyDefaults fills in zero values with defaults and applies the
// containerized-environment path overrides.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.HostProcPath == "" {
		c.HostProcPath = defaults.HostProcPath
	}
	if c.HostSysPath == "" {
		c.HostSysPath = defaults.HostSysPath
	}
	if c.HostResctrlPath == "" {
		c.HostResctrlPath = defaults.HostResctrlPath
	}
	if c.Precision == "" {
		c.Precision = defaults.Precision
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = defaults.RefreshInterval
	}
	if c.RunTime == 0 {
		c.RunTime = defaults.RunTime
	}

	if p := os.Getenv("HOST_PROC"); p != "" {
		c.HostProcPath = p
	}
	if p := os.Getenv("HOST_SYS"); p != "" {
		c.HostSysPath = p
	}
}

// Validate checks that the host paths are absolute and the sampling
// parameters are in range.
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.HostProcPath) {
		return fmt.Errorf("HostProcPath must be an absolute path, got: %q", c.HostProcPath)
	}
	if !filepath.IsAbs(c.HostSysPath) {
		return fmt.Errorf("HostSysPath must be an absolute path, got: %q", c.HostSysPath)
	}
	if !filepath.IsAbs(c.HostResctrlPath) {
		return fmt.Errorf("HostResctrlPath must be an absolute path, got: %q", c.HostResctrlPath)
	}
	if !c.Precision.Valid() {
		return fmt.Errorf("invalid precision %q: must be low, normal or high", c.Precision)
	}
	if c.RefreshInterval < time.Second {
		return fmt.Errorf("refresh interval %v is below the 1s minimum", c.RefreshInterval)
	}
	return nil
}
