// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tunables

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTunablesFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "tunables.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	def := Defaults()

	assert.Equal(t, 4000, def.ContextBudget)
	assert.Equal(t, 30000, def.PruneCeiling)
	assert.Equal(t, 5000, def.PruneHeadroom)
	assert.Equal(t, 5, def.RetainFloor)
	assert.Equal(t, 0.2, def.EpisodicThresholdShort)
	assert.Equal(t, 0.1, def.EpisodicThresholdLong)
	assert.Equal(t, 5, def.EpisodicLimit)
	assert.Equal(t, 2, def.MaxReruns)
	assert.Equal(t, 60*time.Second, def.TurnBudget())
	assert.Equal(t, 5*time.Second, def.AcquireTimeout())
	assert.Equal(t, time.Hour, def.SessionIdle())
	assert.Equal(t, 8, def.PerUserConcurrency)
	assert.Equal(t, 256, def.SessionCacheSize)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	got, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))

	require.NoError(t, err)
	assert.Equal(t, Defaults(), got)
}

func TestLoad_PartialFileOverridesOnlyNamedFields(t *testing.T) {
	path := writeTunablesFile(t, t.TempDir(),
		"context_budget: 2000\nmax_reruns: 1\n")

	got, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, 2000, got.ContextBudget)
	assert.Equal(t, 1, got.MaxReruns)
	assert.Equal(t, Defaults().PruneCeiling, got.PruneCeiling)
	assert.Equal(t, Defaults().EpisodicThresholdLong, got.EpisodicThresholdLong)
}

func TestLoad_MalformedFileFails(t *testing.T) {
	path := writeTunablesFile(t, t.TempDir(), "context_budget: [not a number\n")

	_, err := Load(path)

	require.Error(t, err)
}

func TestLoad_OutOfRangeThresholdFallsBack(t *testing.T) {
	path := writeTunablesFile(t, t.TempDir(),
		"episodic_threshold_short: 3.5\nepisodic_threshold_long: -1\n")

	got, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, Defaults().EpisodicThresholdShort, got.EpisodicThresholdShort)
	assert.Equal(t, Defaults().EpisodicThresholdLong, got.EpisodicThresholdLong)
}

func TestStaticProviderNormalizes(t *testing.T) {
	p := Static(Tunables{ContextBudget: 1234})

	got := p.Current()
	assert.Equal(t, 1234, got.ContextBudget)
	assert.Equal(t, Defaults().PruneCeiling, got.PruneCeiling)
}

func TestProvider_WatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeTunablesFile(t, dir, "context_budget: 1000\n")

	p, err := NewProvider(path, nil)
	require.NoError(t, err)
	require.Equal(t, 1000, p.Current().ContextBudget)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Watch(ctx))

	writeTunablesFile(t, dir, "context_budget: 2500\n")

	require.Eventually(t, func() bool {
		return p.Current().ContextBudget == 2500
	}, 3*time.Second, 25*time.Millisecond)
}

func TestProvider_WatchKeepsOldValuesOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := writeTunablesFile(t, dir, "context_budget: 1000\n")

	p, err := NewProvider(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Watch(ctx))

	writeTunablesFile(t, dir, "context_budget: [broken\n")

	// Give the debounce window time to fire, then confirm the
	// snapshot survived the failed parse.
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1000, p.Current().ContextBudget)
}
