// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	assert.Equal(t, "/proc", cfg.HostProcPath)
	assert.Equal(t, "/sys", cfg.HostSysPath)
	assert.Equal(t, "/sys/fs/resctrl", cfg.HostResctrlPath)
	assert.Equal(t, PrecisionNormal, cfg.Precision)
	assert.Equal(t, 5*time.Second, cfg.RefreshInterval)
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		HostProcPath:    "/host/proc",
		Precision:       PrecisionHigh,
		RefreshInterval: 2 * time.Second,
	}
	cfg.ApplyDefaults()

	assert.Equal(t, "/host/proc", cfg.HostProcPath)
	assert.Equal(t, PrecisionHigh, cfg.Precision)
	assert.Equal(t, 2*time.Second, cfg.RefreshInterval)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HOST_PROC", "/container/proc")
	t.Setenv("HOST_SYS", "/container/sys")

	var cfg Config
	cfg.ApplyDefaults()
	assert.Equal(t, "/container/proc", cfg.HostProcPath)
	assert.Equal(t, "/container/sys", cfg.HostSysPath)
}

func TestValidate(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.HostProcPath = "proc"
	assert.ErrorContains(t, bad.Validate(), "HostProcPath")

	bad = cfg
	bad.Precision = "extreme"
	assert.ErrorContains(t, bad.Validate(), "precision")

	bad = cfg
	bad.RefreshInterval = 100 * time.Millisecond
	assert.ErrorContains(t, bad.Validate(), "refresh interval")
}
