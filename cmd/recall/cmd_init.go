// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// runInitCommand walks the user through creating the config file.
func runInitCommand(cmd *cobra.Command, args []string) error {
	cfg := config
	if cfg.ServerURL == "" {
		cfg = defaultConfig()
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Server URL").
				Description("Where the recall server is listening").
				Placeholder("http://localhost:12210").
				Value(&cfg.ServerURL),
			huh.NewInput().
				Title("API token").
				Description("Leave empty for a local server without auth").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Token),
			huh.NewConfirm().
				Title("Stream responses?").
				Description("Show search and recall progress while the model works").
				Value(&cfg.Streaming),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("init cancelled: %w", err)
	}

	if err := writeConfig(cfg); err != nil {
		return err
	}
	fmt.Println(renderSuccess("wrote " + configPath()))
	return nil
}

// writeConfig persists the config file with owner-only permissions; the
// token is a credential.
func writeConfig(cfg Config) error {
	path := configPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
