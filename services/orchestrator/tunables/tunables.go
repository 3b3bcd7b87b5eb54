// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tunables holds the runtime-adjustable memory and turn knobs.
//
// # Description
//
// Defaults are compiled in; a YAML file can override any subset, and a
// filesystem watcher hot-reloads the file so operators can adjust
// budgets without a restart. Readers take an immutable snapshot per
// turn, so a reload never changes limits mid-turn.
package tunables

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/episodic"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/memory"
)

// Tunables is one immutable snapshot of the runtime knobs.
type Tunables struct {
	// ContextBudget is the prompt-assembly token budget.
	ContextBudget int `yaml:"context_budget"`

	// PruneCeiling, PruneHeadroom, and RetainFloor drive the pruner.
	PruneCeiling  int `yaml:"prune_ceiling"`
	PruneHeadroom int `yaml:"prune_headroom"`
	RetainFloor   int `yaml:"retain_floor"`

	// EpisodicThresholdShort/Long are the retrieval score cutoffs for
	// short (<= 2 word) and longer queries. EpisodicLimit caps results.
	EpisodicThresholdShort float64 `yaml:"episodic_threshold_short"`
	EpisodicThresholdLong  float64 `yaml:"episodic_threshold_long"`
	EpisodicLimit          int     `yaml:"episodic_limit"`

	// MaxReruns bounds directive-triggered model re-runs per turn.
	MaxReruns int `yaml:"max_reruns"`

	// TurnBudgetSeconds bounds one turn end to end.
	TurnBudgetSeconds int `yaml:"turn_budget_seconds"`

	// PerUserConcurrency caps simultaneous turns per user;
	// AcquireTimeoutSeconds is the fail-fast wait for a slot.
	PerUserConcurrency    int `yaml:"per_user_concurrency"`
	AcquireTimeoutSeconds int `yaml:"acquire_timeout_seconds"`

	// SessionCacheSize caps live engines; SessionIdleMinutes is the
	// idle-eviction threshold.
	SessionCacheSize   int `yaml:"session_cache_size"`
	SessionIdleMinutes int `yaml:"session_idle_minutes"`
}

// Defaults returns the authoritative compiled-in values.
func Defaults() Tunables {
	return Tunables{
		ContextBudget:          memory.DefaultContextBudget,
		PruneCeiling:           memory.DefaultPruneCeiling,
		PruneHeadroom:          memory.DefaultPruneHeadroom,
		RetainFloor:            memory.DefaultRetainFloor,
		EpisodicThresholdShort: episodic.ShortQueryThreshold,
		EpisodicThresholdLong:  episodic.LongQueryThreshold,
		EpisodicLimit:          episodic.DefaultRetrieveLimit,
		MaxReruns:              2,
		TurnBudgetSeconds:      60,
		PerUserConcurrency:     8,
		AcquireTimeoutSeconds:  5,
		SessionCacheSize:       256,
		SessionIdleMinutes:     60,
	}
}

// TurnBudget returns the per-turn deadline as a duration.
func (t Tunables) TurnBudget() time.Duration {
	return time.Duration(t.TurnBudgetSeconds) * time.Second
}

// AcquireTimeout returns the session-slot wait as a duration.
func (t Tunables) AcquireTimeout() time.Duration {
	return time.Duration(t.AcquireTimeoutSeconds) * time.Second
}

// SessionIdle returns the idle-eviction threshold as a duration.
func (t Tunables) SessionIdle() time.Duration {
	return time.Duration(t.SessionIdleMinutes) * time.Minute
}

// normalize fills zero or out-of-range fields from the defaults so a
// partial YAML file only overrides what it names.
func (t *Tunables) normalize() {
	def := Defaults()
	if t.ContextBudget <= 0 {
		t.ContextBudget = def.ContextBudget
	}
	if t.PruneCeiling <= 0 {
		t.PruneCeiling = def.PruneCeiling
	}
	if t.PruneHeadroom <= 0 {
		t.PruneHeadroom = def.PruneHeadroom
	}
	if t.RetainFloor <= 0 {
		t.RetainFloor = def.RetainFloor
	}
	if t.EpisodicThresholdShort <= 0 || t.EpisodicThresholdShort > 1 {
		t.EpisodicThresholdShort = def.EpisodicThresholdShort
	}
	if t.EpisodicThresholdLong <= 0 || t.EpisodicThresholdLong > 1 {
		t.EpisodicThresholdLong = def.EpisodicThresholdLong
	}
	if t.EpisodicLimit <= 0 {
		t.EpisodicLimit = def.EpisodicLimit
	}
	if t.MaxReruns < 0 {
		t.MaxReruns = def.MaxReruns
	}
	if t.TurnBudgetSeconds <= 0 {
		t.TurnBudgetSeconds = def.TurnBudgetSeconds
	}
	if t.PerUserConcurrency <= 0 {
		t.PerUserConcurrency = def.PerUserConcurrency
	}
	if t.AcquireTimeoutSeconds <= 0 {
		t.AcquireTimeoutSeconds = def.AcquireTimeoutSeconds
	}
	if t.SessionCacheSize <= 0 {
		t.SessionCacheSize = def.SessionCacheSize
	}
	if t.SessionIdleMinutes <= 0 {
		t.SessionIdleMinutes = def.SessionIdleMinutes
	}
}

// Load reads a YAML tunables file. A missing file returns the
// defaults; a malformed file returns an error and no partial values.
func Load(path string) (Tunables, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Defaults(), nil
	}
	if err != nil {
		return Tunables{}, err
	}
	var t Tunables
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Tunables{}, err
	}
	t.normalize()
	return t, nil
}

// =============================================================================
// Provider
// =============================================================================

// Provider hands out tunables snapshots and hot-reloads the file.
//
// # Thread Safety
//
// Safe for concurrent use. Current is a single atomic pointer load.
type Provider struct {
	path string
	log  *slog.Logger
	cur  atomic.Pointer[Tunables]
}

// NewProvider loads the file (or defaults when absent) and returns a
// provider. Call Watch to enable hot reload.
func NewProvider(path string, log *slog.Logger) (*Provider, error) {
	if log == nil {
		log = slog.Default()
	}
	t, err := Load(path)
	if err != nil {
		return nil, err
	}
	p := &Provider{path: path, log: log}
	p.cur.Store(&t)
	return p, nil
}

// Static wraps fixed values, for tests and embedded use.
func Static(t Tunables) *Provider {
	t.normalize()
	p := &Provider{log: slog.Default()}
	p.cur.Store(&t)
	return p
}

// Current returns the active snapshot.
func (p *Provider) Current() Tunables {
	return *p.cur.Load()
}

// reloadDebounce batches editor write bursts into one reload.
const reloadDebounce = 100 * time.Millisecond

// Watch hot-reloads the file until ctx is done. The parent directory
// is watched rather than the file itself so atomic save-and-rename
// editors keep working. A reload failure keeps the previous snapshot.
func (p *Provider) Watch(ctx context.Context) error {
	if p.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(p.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
					timerC = timer.C
				} else {
					timer.Reset(reloadDebounce)
				}
			case <-timerC:
				timer = nil
				timerC = nil
				p.reload(ctx)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.log.WarnContext(ctx, "tunables watcher error", "error", err.Error())
			}
		}
	}()
	return nil
}

func (p *Provider) reload(ctx context.Context) {
	t, err := Load(p.path)
	if err != nil {
		p.log.WarnContext(ctx, "tunables reload failed, keeping previous values",
			"path", p.path,
			"error", err.Error())
		return
	}
	p.cur.Store(&t)
	p.log.InfoContext(ctx, "tunables reloaded",
		"path", p.path,
		"context_budget", t.ContextBudget,
		"prune_ceiling", t.PruneCeiling)
}
